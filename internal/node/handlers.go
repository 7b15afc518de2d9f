package node

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"

	"chordkv/internal/ring"
	"chordkv/internal/ringspace"
	"chordkv/internal/storage"
	"chordkv/internal/transport"
	"chordkv/internal/vclock"
)

// registerHandlers wires every wire message type this node answers to
// its handler. Client-facing operations (PUT/GET/DELETE) and peer RPCs
// share one dispatcher; there is a single closed message-type
// enumeration, not separate client and peer protocols.
func (n *Node) registerHandlers() {
	n.server.Handle(transport.Put, n.handlePut)
	n.server.Handle(transport.Get, n.handleGet)
	n.server.Handle(transport.Delete, n.handleDelete)

	n.server.Handle(transport.FindSuccessor, n.handleFindSuccessor)
	n.server.Handle(transport.GetPredecessor, n.handleGetPredecessor)
	n.server.Handle(transport.GetSuccessorList, n.handleGetSuccessorList)
	n.server.Handle(transport.Notify, n.handleNotify)

	n.server.Handle(transport.PutReplica, n.handlePutReplica)
	n.server.Handle(transport.GetReplica, n.handleGetReplica)
	n.server.Handle(transport.DeleteReplica, n.handleDeleteReplica)

	n.server.Handle(transport.GetAllNodes, n.handleGetAllNodes)
	n.server.Handle(transport.BroadcastJoin, n.handleBroadcastJoin)
	n.server.Handle(transport.TransferKeysRequest, n.handleTransferKeysRequest)
	n.server.Handle(transport.RecoverHandoff, n.handleRecoverHandoff)
	n.server.Handle(transport.UpdateBackup, n.handleUpdateBackup)

	n.server.Handle(transport.GetAllKeys, n.handleGetAllKeys)
	n.server.Handle(transport.GetRingInfo, n.handleGetRingInfo)
	n.server.Handle(transport.Ping, n.handlePing)
}

func statusOK() transport.StatusData {
	return transport.StatusData{Status: "ok"}
}

func statusError(err error) transport.StatusData {
	return transport.StatusData{Status: "error", Error: err.Error()}
}

func (n *Node) handleFindSuccessor(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.FindSuccessorData
	if err := msg.Decode(&req); err != nil {
		return nil, fmt.Errorf("node: FIND_SUCCESSOR payload: %w", err)
	}
	succ := toWireRef(n.ringV.FindSuccessor(req.Identifier))
	return replyWith(transport.FindSuccessorReply, n.self, msg.MsgID, transport.FindSuccessorReplyData{Successor: &succ})
}

func (n *Node) handleGetPredecessor(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var reply transport.GetPredecessorReplyData
	if pred, ok := n.ringV.Predecessor(); ok {
		ref := toWireRef(pred)
		reply.Predecessor = &ref
	}
	return replyWith(transport.GetPredecessorReply, n.self, msg.MsgID, reply)
}

func (n *Node) handleGetSuccessorList(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	return replyWith(transport.GetSuccessorListReply, n.self, msg.MsgID, transport.SuccessorListReplyData{
		SuccessorList: toWireRefs(n.ringV.SuccessorList()),
	})
}

// handleNotify is fire-and-forget: a candidate tells us it believes it
// might be our predecessor. We adopt it if we have none, or if it lies
// strictly between our current predecessor and ourselves.
func (n *Node) handleNotify(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.NodeAnnounceData
	if err := msg.Decode(&req); err != nil {
		return nil, fmt.Errorf("node: NOTIFY payload: %w", err)
	}
	candidate := ring.NodeRef{ID: req.NodeID, Address: req.Address}

	pred, havePred := n.ringV.Predecessor()
	if !havePred || ringspace.InArc(candidate.ID, pred.ID, n.self.ID, false, false) {
		n.ringV.SetPredecessor(candidate)
	}
	return nil, nil
}

func (n *Node) handlePutReplica(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.PutReplicaData
	if err := msg.Decode(&req); err != nil {
		return replyWith(transport.PutReplicaReply, n.self, msg.MsgID, transport.PutReplicaReplyData{Status: "error", Error: err.Error()})
	}

	var stored vclock.Clock
	var err error
	if req.PrimaryNodeID == n.self.ID {
		stored, err = n.store.Put(req.Key, req.Value, req.Version)
	} else {
		stored, err = n.store.PutBackup(req.Key, req.Value, req.Version, req.PrimaryNodeID)
	}
	if err != nil {
		return replyWith(transport.PutReplicaReply, n.self, msg.MsgID, transport.PutReplicaReplyData{Status: "error", Error: err.Error()})
	}
	return replyWith(transport.PutReplicaReply, n.self, msg.MsgID, transport.PutReplicaReplyData{Status: "ok", Version: stored})
}

func (n *Node) handleGetReplica(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.GetReplicaData
	if err := msg.Decode(&req); err != nil {
		return nil, fmt.Errorf("node: GET_REPLICA payload: %w", err)
	}

	var vv storage.VersionedValue
	var ok bool
	if req.PrimaryNodeID != nil {
		vv, ok = n.store.GetBackup(req.Key, *req.PrimaryNodeID)
		if !ok {
			// A copy may have been promoted out of the backup bucket
			// (ring churn); serve from the primary store as a fallback.
			vv, ok = n.store.Get(req.Key)
		}
	} else {
		vv, ok = n.store.Get(req.Key)
	}

	var reply transport.GetReplicaReplyData
	if ok {
		reply.Value = vv.Value
		reply.Version = vv.Version
	}
	return replyWith(transport.GetReplicaReply, n.self, msg.MsgID, reply)
}

func (n *Node) handleDeleteReplica(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.DeleteReplicaData
	if err := msg.Decode(&req); err != nil {
		return replyWith(transport.DeleteReplicaReply, n.self, msg.MsgID, statusError(err))
	}

	var err error
	if req.PrimaryNodeID == n.self.ID {
		err = n.store.Delete(req.Key)
	} else {
		err = n.store.DeleteBackup(req.Key, req.PrimaryNodeID)
	}
	if err != nil {
		return replyWith(transport.DeleteReplicaReply, n.self, msg.MsgID, statusError(err))
	}
	return replyWith(transport.DeleteReplicaReply, n.self, msg.MsgID, statusOK())
}

func (n *Node) handleGetAllNodes(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	return replyWith(transport.GetAllNodesReply, n.self, msg.MsgID, transport.NodeListReplyData{
		Nodes: toWireRefs(n.ringV.AllNodes()),
	})
}

func (n *Node) handleBroadcastJoin(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.NodeAnnounceData
	if err := msg.Decode(&req); err != nil {
		return nil, fmt.Errorf("node: BROADCAST_JOIN payload: %w", err)
	}
	n.ringV.AddNode(ring.NodeRef{ID: req.NodeID, Address: req.Address})
	return replyWith(transport.BroadcastJoinAck, n.self, msg.MsgID, statusOK())
}

// handleTransferKeysRequest scans the primary store for keys whose hash
// falls in (predecessor_id, new_node_id] and returns them to the
// joiner. When the joiner does not know its predecessor yet, any key
// hashing at or below the joiner's id — or above our own id, i.e. the
// wraparound arc at the top of the ring — is now the joiner's. It does
// not delete them locally: ownership transfer completes implicitly as
// the ring view converges and future writes route to the new node
// instead.
func (n *Node) handleTransferKeysRequest(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.TransferKeysRequestData
	if err := msg.Decode(&req); err != nil {
		return nil, fmt.Errorf("node: TRANSFER_KEYS_REQUEST payload: %w", err)
	}

	keys := make(map[string]transport.KeyRecordData)
	for _, key := range n.store.AllPrimaryKeys() {
		hashID := n.HashKey(key)
		var inRange bool
		if req.PredecessorID != nil {
			inRange = ringspace.InArc(hashID, *req.PredecessorID, req.NewNodeID, false, true)
		} else {
			inRange = hashID <= req.NewNodeID || hashID > n.self.ID
		}
		if !inRange {
			continue
		}
		vv, ok := n.store.Get(key)
		if !ok {
			continue
		}
		keys[key] = transport.KeyRecordData{Value: vv.Value, Version: vv.Version}
	}
	return replyWith(transport.TransferKeysResponse, n.self, msg.MsgID, transport.KeyTransferData{Keys: keys})
}

// handleRecoverHandoff returns every backup entry held on behalf of
// the requesting (now-recovering) node, then purges them. Recovery is
// idempotent because a second consecutive call finds an empty bucket
// and returns nothing.
func (n *Node) handleRecoverHandoff(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.RecoverHandoffData
	if err := msg.Decode(&req); err != nil {
		return nil, fmt.Errorf("node: RECOVER_HANDOFF payload: %w", err)
	}

	bucket := n.store.AllBackupsFor(req.RequestingNodeID)
	keys := make(map[string]transport.KeyRecordData, len(bucket))
	for key, vv := range bucket {
		keys[key] = transport.KeyRecordData{Value: vv.Value, Version: vv.Version}
		_ = n.store.DeleteBackup(key, req.RequestingNodeID)
	}
	return replyWith(transport.RecoverHandoffReply, n.self, msg.MsgID, transport.KeyTransferData{Keys: keys})
}

func (n *Node) handleUpdateBackup(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.UpdateBackupData
	if err := msg.Decode(&req); err != nil {
		return replyWith(transport.UpdateBackupAck, n.self, msg.MsgID, statusError(err))
	}

	// UPDATE_BACKUP carries an authoritative reconciled version; store
	// it verbatim so repeated recovery rounds converge instead of
	// inflating the clock on every pass.
	if err := n.store.SetBackup(req.Key, req.Value, req.Version, req.PrimaryNodeID); err != nil {
		return replyWith(transport.UpdateBackupAck, n.self, msg.MsgID, statusError(err))
	}
	return replyWith(transport.UpdateBackupAck, n.self, msg.MsgID, statusOK())
}

func (n *Node) handleGetAllKeys(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	keys := make(map[string]transport.KeyInfoData)
	for _, key := range n.store.AllPrimaryKeys() {
		vv, ok := n.store.Get(key)
		if !ok {
			continue
		}
		versionJSON, err := sonic.Marshal(vv.Version)
		if err != nil {
			continue
		}
		keys[key] = transport.KeyInfoData{
			Value:   vv.Value,
			Hash:    n.HashKey(key),
			Version: string(versionJSON),
		}
	}
	return replyWith(transport.GetAllKeysReply, n.self, msg.MsgID, transport.GetAllKeysReplyData{
		Keys:    keys,
		NodeID:  n.self.ID,
		Address: n.self.Address,
	})
}

func (n *Node) handleGetRingInfo(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	nodes := n.ringV.AllNodes()
	ringNodes := make([]transport.RingNodeData, 0, len(nodes))
	for _, node := range nodes {
		entry := transport.RingNodeData{NodeID: node.ID, Address: node.Address}
		if node.ID == n.self.ID {
			// Predecessor/successor are only known for ourselves; peers
			// answer GET_RING_INFO with their own.
			if pred, ok := n.ringV.Predecessor(); ok {
				ref := toWireRef(pred)
				entry.Predecessor = &ref
			}
			succ := toWireRef(n.ringV.Successor())
			entry.Successor = &succ
		}
		ringNodes = append(ringNodes, entry)
	}
	return replyWith(transport.GetRingInfoReply, n.self, msg.MsgID, transport.GetRingInfoReplyData{
		RingNodes: ringNodes,
		RingSize:  1 << n.m,
		NodeCount: len(nodes),
		M:         n.m,
	})
}

func (n *Node) handlePing(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	return replyWith(transport.Pong, n.self, msg.MsgID, transport.StatusData{Status: "alive"})
}

func replyWith(msgType transport.MessageType, self ring.NodeRef, msgID string, v any) (*transport.Message, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("node: encode %s reply: %w", msgType, err)
	}
	return &transport.Message{
		MsgType:       msgType,
		SenderID:      self.ID,
		SenderAddress: self.Address,
		MsgID:         msgID,
		Data:          data,
	}, nil
}
