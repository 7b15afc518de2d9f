package node

import (
	"context"

	"chordkv/internal/storage"
	"chordkv/internal/transport"
)

// RecoverHandoffs runs hinted-handoff recovery: a node that just
// joined (or rejoined after an outage) asks each of its N-1 successors
// for whatever backup entries they are holding on its behalf,
// reconciles them into its own primary store, and replicates the
// reconciled versions forward so the rest of the replica set is
// brought up to date.
//
// Running this twice in a row changes nothing the second time: the
// UPDATE_BACKUP push in step 4 stores versions verbatim on the
// successors, so a repeat run hands back exactly what the first run
// pushed, reconciles nothing, and re-pushes the same versions.
func (n *Node) RecoverHandoffs(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recoverHandoffs(ctx)
}

func (n *Node) recoverHandoffs(ctx context.Context) {
	prevState := n.State()
	defer func() {
		if n.State() == StateRecovering {
			n.setState(prevState)
		}
	}()

	// Step 1: locate the next N-1 successors.
	successors := n.ringV.NSuccessors(n.self.ID, n.quorum.N)

	recovered := make(map[string]struct{})

	for _, target := range successors {
		if target.ID == n.self.ID {
			continue
		}

		// Step 2: ask for everything held under our id, which the
		// recipient deletes locally as it replies.
		callCtx, cancel := context.WithTimeout(ctx, transport.HandoffTimeout())
		reply, err := n.client.Call(callCtx, target.Address, transport.RecoverHandoff, transport.RecoverHandoffData{
			RequestingNodeID: n.self.ID,
		}, true)
		cancel()
		if err != nil || reply == nil || reply.MsgType != transport.RecoverHandoffReply {
			continue
		}

		var batch transport.KeyTransferData
		if err := reply.Decode(&batch); err != nil {
			continue
		}
		if len(batch.Keys) > 0 {
			// A non-empty handoff means we are rejoining after an outage.
			n.setState(StateRecovering)
		}
		for key, rec := range batch.Keys {
			// Step 3: reconcile against both the primary store and
			// anything another successor already handed back this
			// round for the same key.
			n.reconcileRecovered(key, storage.VersionedValue{Value: rec.Value, Version: rec.Version})
			recovered[key] = struct{}{}
		}
	}

	// Any backup entries this node itself was still holding under its
	// own id (e.g. filed by a peer that believed this node was the
	// sloppy-quorum primary while it was down) are now superseded by
	// the reconciliation above; fold them into the primary store the
	// same way promotion normally works, rather than leaving them to
	// rot in a backup bucket keyed by our own id.
	n.promoteBackupsForRecoveredPrimary(n.self.ID)

	if len(recovered) == 0 {
		return
	}

	// Step 4: push every recovered entry forward to the current N-1
	// successors so the authoritative version is replicated, not just
	// held locally. Unchanged entries are pushed too: step 2 purged
	// them from the successors' buckets, and without the push a repeat
	// recovery would leave this node holding the only copy.
	forwardTargets := n.peersOnly(n.ringV.NSuccessors(n.self.ID, n.quorum.N))
	for key := range recovered {
		vv, ok := n.store.Get(key)
		if !ok {
			continue
		}
		for _, target := range forwardTargets {
			updateCtx, cancel := context.WithTimeout(ctx, transport.UpdateBackupTimeout())
			_, _ = n.client.Call(updateCtx, target.Address, transport.UpdateBackup, transport.UpdateBackupData{
				Key:           key,
				Value:         vv.Value,
				Version:       vv.Version,
				PrimaryNodeID: n.self.ID,
			}, true)
			cancel()
		}
	}
}

// reconcileRecovered merges one recovered (key, value, version) into
// the primary store: accept outright if we have nothing, accept if the
// incoming version strictly dominates, merge-and-keep-incoming's-value
// on a genuine conflict, otherwise keep what we already have. Reports
// whether the primary store changed.
func (n *Node) reconcileRecovered(key string, incoming storage.VersionedValue) bool {
	existing, hasExisting := n.store.Get(key)
	if !hasExisting {
		_, err := n.store.Put(key, incoming.Value, incoming.Version)
		return err == nil
	}

	switch {
	case existing.Version.HappensBefore(incoming.Version):
		_, err := n.store.Put(key, incoming.Value, incoming.Version)
		return err == nil
	case incoming.Version.HappensBefore(existing.Version):
		return false // local already dominates; keep it
	case existing.Version.Equal(incoming.Version):
		return false // identical; nothing to do
	default:
		// Concurrent: keep incoming's value, but the stored version is
		// the clock-merge of both sides so neither write is lost
		// causally.
		merged := existing.Version.Merge(incoming.Version, n.self.ID)
		_, err := n.store.Put(key, incoming.Value, merged)
		return err == nil
	}
}

// promoteBackupsForRecoveredPrimary folds any backup bucket this node
// holds under primaryID into its own primary store and purges the
// bucket, via storage.PromoteBackups. It is called once, at the end of
// this node's own hinted-handoff recovery (primaryID == self): any
// entries peers filed under this node's id while it was unreachable
// are now superseded by the authoritative copies reconciled above.
func (n *Node) promoteBackupsForRecoveredPrimary(primaryID int) int {
	return n.store.PromoteBackups(primaryID)
}
