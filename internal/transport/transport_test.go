package transport

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func newTestServer(t *testing.T, selfID int, addr string) (*Server, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(selfID, ln.Addr().String(), log.New(io.Discard, "", 0))
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return srv, ln
}

func TestCallGetsMatchingReply(t *testing.T) {
	srv, ln := newTestServer(t, 1, "127.0.0.1:0")
	srv.Handle(Ping, func(ctx context.Context, msg *Message) (*Message, error) {
		data, err := sonic.Marshal(StatusData{Status: "alive"})
		if err != nil {
			return nil, err
		}
		return &Message{
			MsgType:       Pong,
			SenderID:      1,
			SenderAddress: ln.Addr().String(),
			MsgID:         msg.MsgID,
			Data:          data,
		}, nil
	})

	client := NewClient(2, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.Call(ctx, ln.Addr().String(), Ping, nil, true)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.MsgType != Pong {
		t.Fatalf("reply type = %s, want PONG", reply.MsgType)
	}
	var status StatusData
	if err := reply.Decode(&status); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if status.Status != "alive" {
		t.Fatalf("reply status = %q, want alive", status.Status)
	}
}

func TestCallWithNoHandlerReturnsError(t *testing.T) {
	_, ln := newTestServer(t, 1, "127.0.0.1:0")

	client := NewClient(2, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.Call(ctx, ln.Addr().String(), Get, GetData{Key: "k"}, true)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.MsgType != ErrorMsg {
		t.Fatalf("reply type = %s, want ERROR", reply.MsgType)
	}
	var errData ErrorData
	if err := reply.Decode(&errData); err != nil {
		t.Fatalf("decode error reply: %v", err)
	}
	if errData.Error == "" {
		t.Fatalf("expected the ERROR reply to carry a message")
	}
}

func TestCallToDeadAddressIsTransportError(t *testing.T) {
	client := NewClient(2, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "127.0.0.1:1", Ping, nil, true)
	if err == nil {
		t.Fatalf("expected a transport error dialing an unreachable port")
	}
	var te *TransportError
	if !asTransportError(err, &te) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
}

func asTransportError(err error, target **TransportError) bool {
	te, ok := err.(*TransportError)
	if !ok {
		return false
	}
	*target = te
	return true
}

func TestHandlerPanicBecomesErrorReply(t *testing.T) {
	srv, ln := newTestServer(t, 1, "127.0.0.1:0")
	srv.Handle(Get, func(ctx context.Context, msg *Message) (*Message, error) {
		panic("boom")
	})

	client := NewClient(2, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.Call(ctx, ln.Addr().String(), Get, nil, true)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.MsgType != ErrorMsg {
		t.Fatalf("reply type = %s, want ERROR", reply.MsgType)
	}
}

func TestFireAndForgetReturnsNoReply(t *testing.T) {
	srv, ln := newTestServer(t, 1, "127.0.0.1:0")
	done := make(chan struct{})
	srv.Handle(Notify, func(ctx context.Context, msg *Message) (*Message, error) {
		var req NodeAnnounceData
		if err := msg.Decode(&req); err != nil {
			t.Errorf("decode NOTIFY: %v", err)
		}
		close(done)
		return nil, nil
	})

	client := NewClient(2, "127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.Call(ctx, ln.Addr().String(), Notify, NodeAnnounceData{NodeID: 2}, false)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected nil reply for fire-and-forget call, got %v", reply)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handler never ran")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := PutReplicaData{
		Key:           "k",
		Value:         []byte("v"),
		Version:       map[int]uint64{7: 2},
		PrimaryNodeID: 7,
	}
	data, err := sonic.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg := &Message{MsgType: PutReplica, Data: data}

	var out PutReplicaData
	if err := msg.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Key != in.Key || string(out.Value) != string(in.Value) || out.PrimaryNodeID != in.PrimaryNodeID {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Version[7] != 2 {
		t.Fatalf("version did not survive the round trip with integer keys: %v", out.Version)
	}
}
