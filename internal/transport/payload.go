package transport

import "chordkv/internal/vclock"

// Wire payload types, one tagged struct per message type. The envelope's
// data field is decoded into exactly one of these based on msg_type, so
// malformed frames fail at decode time instead of surfacing as missing
// map keys deep inside a handler. Values are []byte and cross the wire
// base64-encoded by the JSON codec; versions are vclock.Clock, whose own
// serializer re-parses stringified node ids back to integers.

// NodeRefData is the wire shape of one ring member reference.
type NodeRefData struct {
	NodeID  int    `json:"node_id"`
	Address string `json:"address"`
}

// FindSuccessorData asks which node is responsible for an identifier.
type FindSuccessorData struct {
	Identifier int `json:"identifier"`
}

// FindSuccessorReplyData answers FIND_SUCCESSOR.
type FindSuccessorReplyData struct {
	Successor *NodeRefData `json:"successor,omitempty"`
}

// GetPredecessorReplyData answers GET_PREDECESSOR; the predecessor is
// absent when the node has none.
type GetPredecessorReplyData struct {
	Predecessor *NodeRefData `json:"predecessor,omitempty"`
}

// SuccessorListReplyData answers GET_SUCCESSOR_LIST.
type SuccessorListReplyData struct {
	SuccessorList []NodeRefData `json:"successor_list"`
}

// NodeAnnounceData carries a node's identity; NOTIFY and BROADCAST_JOIN
// share this shape.
type NodeAnnounceData struct {
	NodeID  int    `json:"node_id"`
	Address string `json:"address"`
}

// PutData is a client write request.
type PutData struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// GetData is a client read request; DELETE shares the shape.
type GetData struct {
	Key string `json:"key"`
}

// DeleteData is a client delete request.
type DeleteData = GetData

// StatusData acknowledges an operation; PUT_REPLY, DELETE_REPLY,
// BROADCAST_JOIN_ACK, UPDATE_BACKUP_ACK, DELETE_REPLICA_REPLY and PONG
// all carry it.
type StatusData struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// GetReplyData answers a client GET. A nil Value means the key is
// absent; Error is set only when the read failed outright.
type GetReplyData struct {
	Value   []byte       `json:"value"`
	Version vclock.Clock `json:"version,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// PutReplicaData fans a write out to one replica, tagged with the
// primary it is held on behalf of.
type PutReplicaData struct {
	Key           string       `json:"key"`
	Value         []byte       `json:"value"`
	Version       vclock.Clock `json:"version"`
	PrimaryNodeID int          `json:"primary_node_id"`
}

// UpdateBackupData shares PUT_REPLICA's shape; the receiver stores the
// version verbatim instead of merge-incrementing it.
type UpdateBackupData = PutReplicaData

// PutReplicaReplyData acknowledges PUT_REPLICA with the version the
// replica actually stored.
type PutReplicaReplyData struct {
	Status  string       `json:"status"`
	Error   string       `json:"error,omitempty"`
	Version vclock.Clock `json:"version,omitempty"`
}

// GetReplicaData reads one replica's copy. With a primary id the
// replica consults the matching backup bucket first.
type GetReplicaData struct {
	Key           string `json:"key"`
	PrimaryNodeID *int   `json:"primary_node_id,omitempty"`
}

// GetReplicaReplyData answers GET_REPLICA; a nil Value means the
// replica has no copy.
type GetReplicaReplyData struct {
	Value   []byte       `json:"value"`
	Version vclock.Clock `json:"version,omitempty"`
}

// DeleteReplicaData removes one replica's copy of a key.
type DeleteReplicaData struct {
	Key           string `json:"key"`
	PrimaryNodeID int    `json:"primary_node_id"`
}

// NodeListReplyData answers GET_ALL_NODES.
type NodeListReplyData struct {
	Nodes []NodeRefData `json:"nodes"`
}

// TransferKeysRequestData asks a successor for the keys a joiner is now
// responsible for.
type TransferKeysRequestData struct {
	NewNodeID     int  `json:"new_node_id"`
	PredecessorID *int `json:"predecessor_id,omitempty"`
}

// KeyRecordData is one transferred key: value plus its vector clock.
type KeyRecordData struct {
	Value   []byte       `json:"value"`
	Version vclock.Clock `json:"version"`
}

// KeyTransferData carries a batch of keys; TRANSFER_KEYS_RESPONSE and
// RECOVER_HANDOFF_REPLY share this shape.
type KeyTransferData struct {
	Keys map[string]KeyRecordData `json:"keys"`
}

// RecoverHandoffData asks a successor for everything it holds on the
// requesting node's behalf.
type RecoverHandoffData struct {
	RequestingNodeID int `json:"requesting_node_id"`
}

// KeyInfoData is one primary key's listing entry for GET_ALL_KEYS.
type KeyInfoData struct {
	Value   []byte `json:"value"`
	Hash    int    `json:"hash"`
	Version string `json:"version"`
}

// GetAllKeysReplyData answers GET_ALL_KEYS.
type GetAllKeysReplyData struct {
	Keys    map[string]KeyInfoData `json:"keys"`
	NodeID  int                    `json:"node_id"`
	Address string                 `json:"address"`
}

// RingNodeData is one member's entry in GET_RING_INFO_REPLY; the
// answering node fills in its own predecessor/successor only.
type RingNodeData struct {
	NodeID      int          `json:"node_id"`
	Address     string       `json:"address"`
	Predecessor *NodeRefData `json:"predecessor,omitempty"`
	Successor   *NodeRefData `json:"successor,omitempty"`
}

// GetRingInfoReplyData answers GET_RING_INFO.
type GetRingInfoReplyData struct {
	RingNodes []RingNodeData `json:"ring_nodes"`
	RingSize  int            `json:"ring_size"`
	NodeCount int            `json:"node_count"`
	M         uint           `json:"m"`
}

// ErrorData carries a failure's text in an ERROR frame.
type ErrorData struct {
	Error string `json:"error"`
}
