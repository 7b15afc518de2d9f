package node

import (
	"context"
	"fmt"

	"chordkv/internal/ring"
	"chordkv/internal/transport"
)

// Join runs the full join protocol against knownAddr, an address of
// some existing ring member: find our successor, learn full
// membership, broadcast our arrival, pull the keys we are now
// responsible for, and recover any hinted handoffs waiting for us.
// Each step is attempted in order; any failure falls back to the
// simpler join (successor = known node) and lets periodic
// stabilization repair the rest, rather than aborting the join
// outright.
func (n *Node) Join(ctx context.Context, knownAddr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	joinCtx, cancel := context.WithTimeout(ctx, transport.JoinTimeout())
	defer cancel()

	// Step (a): FIND_SUCCESSOR against the known node.
	reply, err := n.client.Call(joinCtx, knownAddr, transport.FindSuccessor, transport.FindSuccessorData{Identifier: n.self.ID}, true)
	if err != nil || reply == nil || reply.MsgType != transport.FindSuccessorReply {
		return n.joinBasic(knownAddr)
	}
	var succReply transport.FindSuccessorReplyData
	if err := reply.Decode(&succReply); err != nil || succReply.Successor == nil {
		return n.joinBasic(knownAddr)
	}
	n.ringV.SetSuccessor(fromWireRef(*succReply.Successor))

	// Step (b): learn full membership.
	allCtx, cancel2 := context.WithTimeout(ctx, transport.JoinTimeout())
	allReply, err := n.client.Call(allCtx, knownAddr, transport.GetAllNodes, nil, true)
	cancel2()
	if err != nil || allReply == nil || allReply.MsgType != transport.GetAllNodesReply {
		return n.joinBasic(knownAddr)
	}
	var nodeList transport.NodeListReplyData
	if err := allReply.Decode(&nodeList); err != nil {
		return n.joinBasic(knownAddr)
	}
	members := fromWireRefs(nodeList.Nodes)
	members = append(members, n.self)
	n.ringV.SetAllNodes(members)

	// Step (c): broadcast our arrival to everyone else.
	n.broadcastJoin(ctx, members)

	// Step (d): pull keys we're now responsible for from our successors.
	n.transferKeysOnJoin(ctx)

	n.setState(StateJoined)
	n.logger.Printf("joined ring via %s, %d members known", knownAddr, len(members))

	// Step (f): recover any hinted handoffs waiting for us.
	n.recoverHandoffs(ctx)
	return nil
}

// joinBasic is the fallback join: adopt the known node as our successor
// directly, with no membership broadcast or key transfer, trusting
// stabilization to converge the ring over time.
func (n *Node) joinBasic(knownAddr string) error {
	basicCtx, cancel := context.WithTimeout(context.Background(), transport.JoinTimeout())
	defer cancel()

	reply, err := n.client.Call(basicCtx, knownAddr, transport.FindSuccessor, transport.FindSuccessorData{Identifier: n.self.ID}, true)
	if err != nil || reply == nil || reply.MsgType != transport.FindSuccessorReply {
		n.ringV.SetSuccessor(ring.NodeRef{ID: 0, Address: knownAddr})
		n.setState(StateJoined)
		return fmt.Errorf("node: join fallback could not reach %s: %w", knownAddr, err)
	}
	var succReply transport.FindSuccessorReplyData
	if decErr := reply.Decode(&succReply); decErr != nil || succReply.Successor == nil {
		n.ringV.SetSuccessor(ring.NodeRef{Address: knownAddr})
	} else {
		n.ringV.SetSuccessor(fromWireRef(*succReply.Successor))
	}
	n.setState(StateJoined)
	return nil
}

func (n *Node) broadcastJoin(ctx context.Context, members []ring.NodeRef) {
	for _, m := range members {
		if m.ID == n.self.ID {
			continue
		}
		func(target ring.NodeRef) {
			callCtx, cancel := context.WithTimeout(ctx, transport.BroadcastTimeout())
			defer cancel()
			_, err := n.client.Call(callCtx, target.Address, transport.BroadcastJoin, transport.NodeAnnounceData{
				NodeID:  n.self.ID,
				Address: n.self.Address,
			}, true)
			if err != nil {
				n.logger.Printf("broadcast join to %d failed: %v", target.ID, err)
			}
		}(m)
	}
}

// transferKeysOnJoin requests keys from each of this node's N-1
// replica-range successors, accepting each returned key only if we have
// no local entry or the incoming version strictly dominates.
func (n *Node) transferKeysOnJoin(ctx context.Context) {
	successors := n.ringV.NSuccessors(n.self.ID, n.quorum.N)

	var predecessorID *int
	if pred, ok := n.ringV.Predecessor(); ok {
		id := pred.ID
		predecessorID = &id
	}

	for i, target := range successors {
		if i == 0 || target.ID == n.self.ID {
			continue // index 0 is self
		}

		callCtx, cancel := context.WithTimeout(ctx, transport.JoinTimeout())
		reply, err := n.client.Call(callCtx, target.Address, transport.TransferKeysRequest, transport.TransferKeysRequestData{
			NewNodeID:     n.self.ID,
			PredecessorID: predecessorID,
		}, true)
		cancel()
		if err != nil || reply == nil || reply.MsgType != transport.TransferKeysResponse {
			continue
		}
		var batch transport.KeyTransferData
		if err := reply.Decode(&batch); err != nil {
			continue
		}
		n.acceptTransferredKeys(batch.Keys)
	}
}

func (n *Node) acceptTransferredKeys(keys map[string]transport.KeyRecordData) {
	for key, rec := range keys {
		existing, hasExisting := n.store.Get(key)
		if hasExisting && !existing.Version.HappensBefore(rec.Version) {
			continue // local entry exists and is not strictly dominated
		}
		_, _ = n.store.Put(key, rec.Value, rec.Version)
	}
}
