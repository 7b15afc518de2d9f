package node

import (
	"context"
	"errors"
	"fmt"

	"chordkv/internal/cluster"
	"chordkv/internal/ring"
	"chordkv/internal/storage"
	"chordkv/internal/transport"
	"chordkv/internal/vclock"
)

// maxRoutingHops bounds FindResponsibleNode's FIND_SUCCESSOR walk so a
// stale or inconsistent ring view can never route a request forever.
const maxRoutingHops = 10

// FindResponsibleNode walks the ring via FIND_SUCCESSOR queries,
// starting from this node's own local view, until some node reports
// itself as responsible for kHash (i.e. it returns itself as its own
// successor candidate) or the hop budget is exhausted.
func (n *Node) FindResponsibleNode(ctx context.Context, kHash int) (ring.NodeRef, error) {
	current := n.ringV.FindSuccessor(kHash)
	if current.ID == n.self.ID {
		return current, nil
	}

	for hop := 0; hop < maxRoutingHops; hop++ {
		if current.ID == n.self.ID {
			return current, nil
		}

		callCtx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout())
		reply, err := n.client.Call(callCtx, current.Address, transport.FindSuccessor, transport.FindSuccessorData{Identifier: kHash}, true)
		cancel()
		if err != nil || reply == nil || reply.MsgType != transport.FindSuccessorReply {
			// Unreachable: treat our current best guess as the answer
			// and let the caller fall back to sloppy-quorum handling.
			return current, nil
		}
		var rep transport.FindSuccessorReplyData
		if err := reply.Decode(&rep); err != nil || rep.Successor == nil {
			return current, nil
		}
		next := fromWireRef(*rep.Successor)
		if next.ID == current.ID {
			return current, nil
		}
		current = next
	}
	return current, nil
}

func (n *Node) handlePut(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.PutData
	if err := msg.Decode(&req); err != nil {
		return replyWith(transport.PutReply, n.self, msg.MsgID, statusError(err))
	}

	if _, err := n.Put(ctx, req.Key, req.Value, msg.MsgID); err != nil {
		return replyWith(transport.PutReply, n.self, msg.MsgID, statusError(err))
	}
	return replyWith(transport.PutReply, n.self, msg.MsgID, statusOK())
}

func (n *Node) handleGet(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.GetData
	if err := msg.Decode(&req); err != nil {
		return replyWith(transport.GetReply, n.self, msg.MsgID, transport.GetReplyData{Error: err.Error()})
	}

	value, version, err := n.Get(ctx, req.Key, msg.MsgID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Absence is a normal outcome, not an error.
			return replyWith(transport.GetReply, n.self, msg.MsgID, transport.GetReplyData{})
		}
		return replyWith(transport.GetReply, n.self, msg.MsgID, transport.GetReplyData{Error: err.Error()})
	}
	return replyWith(transport.GetReply, n.self, msg.MsgID, transport.GetReplyData{Value: value, Version: version})
}

func (n *Node) handleDelete(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	var req transport.DeleteData
	if err := msg.Decode(&req); err != nil {
		return replyWith(transport.DeleteReply, n.self, msg.MsgID, statusError(err))
	}
	if err := n.Delete(ctx, req.Key, msg.MsgID); err != nil {
		return replyWith(transport.DeleteReply, n.self, msg.MsgID, statusError(err))
	}
	return replyWith(transport.DeleteReply, n.self, msg.MsgID, statusOK())
}

// Put dispatches a client PUT: route to whoever is responsible for
// key, forward if it isn't us, and fall back to sloppy-quorum local
// handling only if the forward target is unreachable. A reachable
// primary's own failure (e.g. quorum shortfall) is the request's
// outcome and is relayed to the caller, never masked by a sloppy
// accept.
func (n *Node) Put(ctx context.Context, key string, value []byte, msgID string) (vclock.Clock, error) {
	kHash := n.HashKey(key)
	responsible, err := n.FindResponsibleNode(ctx, kHash)
	if err != nil {
		return nil, err
	}

	if responsible.ID != n.self.ID {
		callCtx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout())
		reply, err := n.client.CallWithID(callCtx, responsible.Address, transport.Put, transport.PutData{
			Key:   key,
			Value: value,
		}, msgID, true)
		cancel()
		if err != nil || reply == nil || reply.MsgType != transport.PutReply {
			// Transport failure, or an ERROR frame (treated the same):
			// the primary is unreachable.
			return n.sloppyPut(ctx, key, value, responsible.ID)
		}
		var status transport.StatusData
		if err := reply.Decode(&status); err != nil {
			return n.sloppyPut(ctx, key, value, responsible.ID)
		}
		if status.Status != "ok" {
			return nil, fmt.Errorf("node: forwarded put: %s", status.Error)
		}
		return nil, nil
	}

	return n.primaryPut(ctx, key, value)
}

// primaryPut performs the local authoritative write and fans it out to
// N-1 replicas, requiring W total acknowledgments including the local
// write.
func (n *Node) primaryPut(ctx context.Context, key string, value []byte) (vclock.Clock, error) {
	version, err := n.store.Put(key, value, nil)
	if err != nil {
		return nil, fmt.Errorf("node: local write: %w", err)
	}

	replicas := n.peersOnly(n.replicaPeers(n.HashKey(key)))
	acked := cluster.ReplicatePut(ctx, n.client, replicas, key, value, version, n.self.ID)

	if !n.quorum.WriteSatisfied(len(acked)) {
		return version, &QuorumError{Op: "write", Required: n.quorum.W, Obtained: len(acked) + 1}
	}
	return version, nil
}

// sloppyPut accepts a write on behalf of an unreachable primary: stores
// it as a backup hint under primaryID and fans the hint out to N-1
// other replicas (excluding self and primary) so they also file it.
func (n *Node) sloppyPut(ctx context.Context, key string, value []byte, primaryID int) (vclock.Clock, error) {
	version, err := n.store.PutBackup(key, value, vclock.New(), primaryID)
	if err != nil {
		return nil, fmt.Errorf("node: sloppy quorum local backup: %w", err)
	}

	replicas := n.replicaPeers(n.HashKey(key))
	hintTargets := make([]ring.NodeRef, 0, len(replicas))
	for _, r := range replicas {
		if r.ID != n.self.ID && r.ID != primaryID {
			hintTargets = append(hintTargets, r)
		}
	}
	cluster.ReplicatePut(ctx, n.client, hintTargets, key, value, version, primaryID)
	return version, nil
}

// Get serves a client GET: self-primary first, then own backup bucket
// for the computed primary (sloppy-quorum recovery read), then quorum
// fan-out to replicas. As with Put, only an unreachable primary falls
// back to the sloppy path; a reachable primary's answer — value,
// absence or failure — is relayed as-is.
func (n *Node) Get(ctx context.Context, key string, msgID string) ([]byte, vclock.Clock, error) {
	kHash := n.HashKey(key)
	responsible, err := n.FindResponsibleNode(ctx, kHash)
	if err != nil {
		return nil, nil, err
	}

	if responsible.ID != n.self.ID {
		callCtx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout())
		reply, err := n.client.CallWithID(callCtx, responsible.Address, transport.Get, transport.GetData{Key: key}, msgID, true)
		cancel()
		if err != nil || reply == nil || reply.MsgType != transport.GetReply {
			return n.sloppyGet(ctx, key, responsible.ID)
		}
		var rep transport.GetReplyData
		if err := reply.Decode(&rep); err != nil {
			return n.sloppyGet(ctx, key, responsible.ID)
		}
		if rep.Error != "" {
			return nil, nil, fmt.Errorf("node: forwarded get: %s", rep.Error)
		}
		if rep.Value == nil {
			return nil, nil, storage.ErrNotFound
		}
		return rep.Value, rep.Version, nil
	}

	return n.primaryGet(ctx, key)
}

func (n *Node) primaryGet(ctx context.Context, key string) ([]byte, vclock.Clock, error) {
	var local *cluster.ReplicaRead
	if vv, ok := n.store.Get(key); ok {
		local = &cluster.ReplicaRead{Node: n.self, Value: vv.Value, Version: vv.Version}
	}

	// Replicas file their copies in backup buckets keyed by our id, so
	// the fan-out must carry it.
	selfID := n.self.ID
	replicas := n.peersOnly(n.replicaPeers(n.HashKey(key)))
	reads := cluster.ReplicateGet(ctx, n.client, replicas, key, &selfID)

	if local == nil && len(reads) == 0 {
		return nil, nil, storage.ErrNotFound
	}
	// Only a successful local read counts toward R.
	obtained := len(reads) + boolToInt(local != nil)
	if obtained < n.quorum.R {
		return nil, nil, &QuorumError{Op: "read", Required: n.quorum.R, Obtained: obtained}
	}

	res := cluster.ResolveRead(local, reads)
	if res.Conflict {
		n.logger.Printf("concurrent versions for key %q, keeping first received", key)
	}
	if len(res.Stale) > 0 {
		go cluster.Repair(context.Background(), n.client, res.Stale, key, res.Value, res.Version, n.self.ID)
	}
	return res.Value, res.Version, nil
}

// sloppyGet is the recovery read used when the primary is unreachable:
// check our own backup bucket for it, then ask the rest of the replica
// set. R applies here the same as on the primary path; a hint copy
// counts as one read.
func (n *Node) sloppyGet(ctx context.Context, key string, primaryID int) ([]byte, vclock.Clock, error) {
	var local *cluster.ReplicaRead
	if vv, ok := n.store.GetBackup(key, primaryID); ok {
		local = &cluster.ReplicaRead{Node: n.self, Value: vv.Value, Version: vv.Version}
	}

	replicas := n.peersOnly(n.replicaPeers(n.HashKey(key)))
	reads := cluster.ReplicateGet(ctx, n.client, replicas, key, &primaryID)

	if local == nil && len(reads) == 0 {
		return nil, nil, storage.ErrNotFound
	}
	obtained := len(reads) + boolToInt(local != nil)
	if obtained < n.quorum.R {
		return nil, nil, &QuorumError{Op: "read", Required: n.quorum.R, Obtained: obtained}
	}
	res := cluster.ResolveRead(local, reads)
	if res.Conflict {
		n.logger.Printf("concurrent versions for key %q, keeping first received", key)
	}
	return res.Value, res.Version, nil
}

func (n *Node) Delete(ctx context.Context, key string, msgID string) error {
	kHash := n.HashKey(key)
	responsible, err := n.FindResponsibleNode(ctx, kHash)
	if err != nil {
		return err
	}

	if responsible.ID != n.self.ID {
		callCtx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout())
		reply, err := n.client.CallWithID(callCtx, responsible.Address, transport.Delete, transport.DeleteData{Key: key}, msgID, true)
		cancel()
		if err != nil || reply == nil || reply.MsgType != transport.DeleteReply {
			// Primary unreachable: drop any hint we hold for it so a
			// later recovery does not resurrect the key.
			return n.store.DeleteBackup(key, responsible.ID)
		}
		var status transport.StatusData
		if err := reply.Decode(&status); err != nil {
			return n.store.DeleteBackup(key, responsible.ID)
		}
		if status.Status != "ok" {
			return fmt.Errorf("node: forwarded delete: %s", status.Error)
		}
		return nil
	}

	if err := n.store.Delete(key); err != nil {
		return fmt.Errorf("node: local delete: %w", err)
	}
	replicas := n.peersOnly(n.replicaPeers(kHash))
	acked := cluster.ReplicateDelete(ctx, n.client, replicas, key, n.self.ID)
	if !n.quorum.WriteSatisfied(acked) {
		// The local delete is not rolled back; surviving replica copies
		// reconcile on later reads or recovery, same as a partial write.
		return &QuorumError{Op: "delete", Required: n.quorum.W, Obtained: acked + 1}
	}
	return nil
}

// replicaPeers returns the N replicas responsible for kHash, i.e. the
// node responsible plus its N-1 successors.
func (n *Node) replicaPeers(kHash int) []ring.NodeRef {
	return n.ringV.NSuccessors(kHash, n.quorum.N)
}

func (n *Node) peersOnly(nodes []ring.NodeRef) []ring.NodeRef {
	out := make([]ring.NodeRef, 0, len(nodes))
	for _, node := range nodes {
		if node.ID != n.self.ID {
			out = append(out, node)
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
