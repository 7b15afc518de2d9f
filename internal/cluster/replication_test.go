package cluster

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"chordkv/internal/ring"
	"chordkv/internal/transport"
	"chordkv/internal/vclock"
)

func mustPayload(t *testing.T, v any) []byte {
	t.Helper()
	data, err := sonic.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func startReplicaServer(t *testing.T, selfID int, store map[string][]byte) ring.NodeRef {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := transport.NewServer(selfID, ln.Addr().String(), log.New(io.Discard, "", 0))
	srv.Handle(transport.PutReplica, func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		var req transport.PutReplicaData
		if err := msg.Decode(&req); err != nil {
			t.Errorf("decode PUT_REPLICA: %v", err)
		}
		store[req.Key] = []byte("stored")
		return &transport.Message{
			MsgType: transport.PutReplicaReply,
			MsgID:   msg.MsgID,
			Data:    mustPayload(t, transport.PutReplicaReplyData{Status: "ok"}),
		}, nil
	})
	srv.Handle(transport.GetReplica, func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		var req transport.GetReplicaData
		if err := msg.Decode(&req); err != nil {
			t.Errorf("decode GET_REPLICA: %v", err)
		}
		val, ok := store[req.Key]
		if !ok {
			return &transport.Message{
				MsgType: transport.GetReplicaReply,
				MsgID:   msg.MsgID,
				Data:    mustPayload(t, transport.GetReplicaReplyData{}),
			}, nil
		}
		return &transport.Message{
			MsgType: transport.GetReplicaReply,
			MsgID:   msg.MsgID,
			Data: mustPayload(t, transport.GetReplicaReplyData{
				Value:   val,
				Version: vclock.Clock{selfID: 1},
			}),
		}, nil
	})
	srv.Handle(transport.DeleteReplica, func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		var req transport.DeleteReplicaData
		if err := msg.Decode(&req); err != nil {
			t.Errorf("decode DELETE_REPLICA: %v", err)
		}
		delete(store, req.Key)
		return &transport.Message{
			MsgType: transport.DeleteReplicaReply,
			MsgID:   msg.MsgID,
			Data:    mustPayload(t, transport.StatusData{Status: "ok"}),
		}, nil
	})
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ring.NodeRef{ID: selfID, Address: ln.Addr().String()}
}

func TestReplicatePutAcrossRealConnections(t *testing.T) {
	store1 := make(map[string][]byte)
	store2 := make(map[string][]byte)
	replicas := []ring.NodeRef{
		startReplicaServer(t, 2, store1),
		startReplicaServer(t, 3, store2),
	}

	client := transport.NewClient(1, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acked := ReplicatePut(ctx, client, replicas, "k1", []byte("v1"), vclock.Clock{1: 1}, 1)
	if len(acked) != 2 {
		t.Fatalf("expected both replicas to ack, got %d", len(acked))
	}
	if _, ok := store1["k1"]; !ok {
		t.Fatalf("replica 1 did not receive the write")
	}
	if _, ok := store2["k1"]; !ok {
		t.Fatalf("replica 2 did not receive the write")
	}
}

func TestReplicateGetAcrossRealConnections(t *testing.T) {
	store1 := map[string][]byte{"k1": []byte("stored")}
	replicas := []ring.NodeRef{startReplicaServer(t, 2, store1)}

	client := transport.NewClient(1, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reads := ReplicateGet(ctx, client, replicas, "k1", nil)
	if len(reads) != 1 {
		t.Fatalf("expected one successful read, got %d", len(reads))
	}
	if string(reads[0].Value) != "stored" {
		t.Fatalf("read value = %q, want %q", reads[0].Value, "stored")
	}
}

func TestReplicateDeleteCountsAcks(t *testing.T) {
	store1 := map[string][]byte{"k1": []byte("v1")}
	store2 := map[string][]byte{"k1": []byte("v1")}
	replicas := []ring.NodeRef{
		startReplicaServer(t, 2, store1),
		startReplicaServer(t, 3, store2),
		{ID: 4, Address: "127.0.0.1:1"}, // unreachable
	}

	client := transport.NewClient(1, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acked := ReplicateDelete(ctx, client, replicas, "k1", 1)
	if acked != 2 {
		t.Fatalf("expected 2 acks with one replica unreachable, got %d", acked)
	}
	if _, ok := store1["k1"]; ok {
		t.Fatalf("replica 1 still holds the deleted key")
	}
	if _, ok := store2["k1"]; ok {
		t.Fatalf("replica 2 still holds the deleted key")
	}
}

func TestReplicateGetMissingKeyIsSkipped(t *testing.T) {
	store1 := make(map[string][]byte)
	replicas := []ring.NodeRef{startReplicaServer(t, 2, store1)}

	client := transport.NewClient(1, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reads := ReplicateGet(ctx, client, replicas, "missing", nil)
	if len(reads) != 0 {
		t.Fatalf("expected no reads for a missing key, got %d", len(reads))
	}
}
