package node

import (
	"context"
	"time"

	"chordkv/internal/ring"
	"chordkv/internal/ringspace"
	"chordkv/internal/transport"
)

// startStabilizationLoop launches the background goroutine driving
// stabilize/fix-fingers/check-predecessor/update-successor-list, each
// tick of interval, until Shutdown closes stopTick.
func (n *Node) startStabilizationLoop(interval time.Duration) {
	n.tickWG.Add(1)
	go func() {
		defer n.tickWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.stopTick:
				return
			case <-ticker.C:
				n.tick()
			}
		}
	}()
}

func (n *Node) tick() {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultTimeout())
	defer cancel()

	n.stabilize(ctx)
	n.fixNextFinger(ctx)
	n.checkPredecessor(ctx)
	n.refreshSuccessorList(ctx)
}

// stabilize asks our successor who it thinks its predecessor is; if that
// node lies strictly between us and our successor, it has joined more
// recently than our view accounts for, so we adopt it as the new
// successor. Either way we then NOTIFY the (possibly new) successor that
// we might be its predecessor.
func (n *Node) stabilize(ctx context.Context) {
	successor := n.ringV.Successor()
	if successor.ID == n.self.ID {
		return // alone in the ring
	}

	reply, err := n.client.Call(ctx, successor.Address, transport.GetPredecessor, nil, true)
	if err == nil && reply != nil && reply.MsgType == transport.GetPredecessorReply {
		var rep transport.GetPredecessorReplyData
		if decErr := reply.Decode(&rep); decErr == nil && rep.Predecessor != nil {
			candidate := fromWireRef(*rep.Predecessor)
			if candidate.ID != n.self.ID && ringspace.InArc(candidate.ID, n.self.ID, successor.ID, false, false) {
				n.ringV.SetSuccessor(candidate)
				successor = candidate
			}
		}
	}

	_, _ = n.client.Call(ctx, successor.Address, transport.Notify, transport.NodeAnnounceData{
		NodeID:  n.self.ID,
		Address: n.self.Address,
	}, false)
}

// fixNextFinger recomputes one finger table entry per tick, rotating
// through all m entries over time rather than recomputing the whole
// table on every tick.
func (n *Node) fixNextFinger(ctx context.Context) {
	m := int(n.ringV.M())
	if m == 0 {
		return
	}
	i := n.nextFingerToFix
	n.nextFingerToFix = (n.nextFingerToFix + 1) % m

	start := n.ringV.FingerStart(i)
	successor := n.ringV.FindSuccessor(start)
	n.ringV.SetFinger(i, successor)
}

// checkPredecessor pings the current predecessor; if it's unreachable we
// forget it, so a future NOTIFY can install a live replacement.
func (n *Node) checkPredecessor(ctx context.Context) {
	pred, ok := n.ringV.Predecessor()
	if !ok {
		return
	}
	_, err := n.client.Call(ctx, pred.Address, transport.Ping, nil, true)
	if err != nil {
		n.ringV.ClearPredecessor()
	}
}

// refreshSuccessorList asks the immediate successor for its own
// successor list and forms [successor] ++ that list, truncated to N.
func (n *Node) refreshSuccessorList(ctx context.Context) {
	successor := n.ringV.Successor()
	if successor.ID == n.self.ID {
		n.ringV.SetSuccessorList([]ring.NodeRef{n.self})
		return
	}

	reply, err := n.client.Call(ctx, successor.Address, transport.GetSuccessorList, nil, true)
	if err != nil || reply == nil || reply.MsgType != transport.GetSuccessorListReply {
		n.ringV.SetSuccessorList([]ring.NodeRef{successor})
		return
	}

	var rep transport.SuccessorListReplyData
	if err := reply.Decode(&rep); err != nil {
		n.ringV.SetSuccessorList([]ring.NodeRef{successor})
		return
	}
	merged := append([]ring.NodeRef{successor}, fromWireRefs(rep.SuccessorList)...)
	n.ringV.SetSuccessorList(merged)
}
