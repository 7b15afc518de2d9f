// Package cluster fans writes and reads out across a key's replica set
// and implements the quorum accounting and read-repair policy: N total
// replicas, W required write acknowledgments, R required read
// responses, with the coordinator's own local operation always
// counting as one of them.
package cluster

import (
	"context"

	"chordkv/internal/ring"
	"chordkv/internal/transport"
	"chordkv/internal/vclock"
)

// ReplicaAck is a replica that acknowledged a PUT_REPLICA call.
type ReplicaAck struct {
	Node ring.NodeRef
}

// ReplicaRead is one replica's response to a GET_REPLICA call.
type ReplicaRead struct {
	Node    ring.NodeRef
	Value   []byte
	Version vclock.Clock
}

// ReplicatePut fans PUT_REPLICA out to replicas in parallel and returns
// those that acknowledged. Each fan-out RPC gets its own timeout and
// its own channel slot, so one replica's failure never affects
// another.
func ReplicatePut(ctx context.Context, client *transport.Client, replicas []ring.NodeRef, key string, value []byte, version vclock.Clock, primaryID int) []ReplicaAck {
	if len(replicas) == 0 {
		return nil
	}

	type result struct {
		node ring.NodeRef
		ok   bool
	}
	results := make(chan result, len(replicas))

	for _, replica := range replicas {
		go func(r ring.NodeRef) {
			callCtx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout())
			defer cancel()

			reply, err := client.Call(callCtx, r.Address, transport.PutReplica, transport.PutReplicaData{
				Key:           key,
				Value:         value,
				Version:       version,
				PrimaryNodeID: primaryID,
			}, true)
			if err != nil || reply == nil || reply.MsgType != transport.PutReplicaReply {
				results <- result{node: r, ok: false}
				return
			}
			var ack transport.PutReplicaReplyData
			ok := reply.Decode(&ack) == nil && ack.Status == "ok"
			results <- result{node: r, ok: ok}
		}(replica)
	}

	acked := make([]ReplicaAck, 0, len(replicas))
	for range replicas {
		r := <-results
		if r.ok {
			acked = append(acked, ReplicaAck{Node: r.node})
		}
	}
	return acked
}

// ReplicateGet fans GET_REPLICA out to replicas in parallel and returns
// the responses that succeeded, in the order they arrived — the
// earliest-arriving response is index 0, which the quorum coordinator
// uses as its conflict tie-break.
func ReplicateGet(ctx context.Context, client *transport.Client, replicas []ring.NodeRef, key string, primaryIDHint *int) []ReplicaRead {
	if len(replicas) == 0 {
		return nil
	}

	type result struct {
		read ReplicaRead
		ok   bool
	}
	results := make(chan result, len(replicas))

	for _, replica := range replicas {
		go func(r ring.NodeRef) {
			callCtx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout())
			defer cancel()

			reply, err := client.Call(callCtx, r.Address, transport.GetReplica, transport.GetReplicaData{
				Key:           key,
				PrimaryNodeID: primaryIDHint,
			}, true)
			if err != nil || reply == nil || reply.MsgType != transport.GetReplicaReply {
				results <- result{ok: false}
				return
			}
			var rep transport.GetReplicaReplyData
			if reply.Decode(&rep) != nil || rep.Value == nil {
				results <- result{ok: false}
				return
			}
			results <- result{ok: true, read: ReplicaRead{Node: r, Value: rep.Value, Version: rep.Version}}
		}(replica)
	}

	reads := make([]ReplicaRead, 0, len(replicas))
	for range replicas {
		r := <-results
		if r.ok {
			reads = append(reads, r.read)
		}
	}
	return reads
}

// ReplicateDelete fans DELETE_REPLICA out to replicas in parallel and
// returns how many acknowledged. Deletes use the same W accounting as
// writes, with the coordinator's own local delete counting as one.
func ReplicateDelete(ctx context.Context, client *transport.Client, replicas []ring.NodeRef, key string, primaryID int) int {
	if len(replicas) == 0 {
		return 0
	}

	results := make(chan bool, len(replicas))
	for _, replica := range replicas {
		go func(r ring.NodeRef) {
			callCtx, cancel := context.WithTimeout(ctx, transport.DefaultTimeout())
			defer cancel()

			reply, err := client.Call(callCtx, r.Address, transport.DeleteReplica, transport.DeleteReplicaData{
				Key:           key,
				PrimaryNodeID: primaryID,
			}, true)
			if err != nil || reply == nil || reply.MsgType != transport.DeleteReplicaReply {
				results <- false
				return
			}
			var ack transport.StatusData
			results <- reply.Decode(&ack) == nil && ack.Status == "ok"
		}(replica)
	}

	acked := 0
	for range replicas {
		if <-results {
			acked++
		}
	}
	return acked
}

// Repair pushes latestValue/latestVersion to every stale replica. It
// performs the fan-out synchronously with per-target error isolation
// (best-effort — failures are not reported); read paths launch it with
// `go cluster.Repair(...)` so repair never delays the reply.
func Repair(ctx context.Context, client *transport.Client, staleReplicas []ring.NodeRef, key string, latestValue []byte, latestVersion vclock.Clock, selfID int) {
	if len(staleReplicas) == 0 {
		return
	}
	ReplicatePut(ctx, client, staleReplicas, key, latestValue, latestVersion, selfID)
}
