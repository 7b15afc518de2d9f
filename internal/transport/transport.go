// Package transport implements the node-to-node wire protocol: a
// length-prefixed JSON frame carried over TCP, a client that can send a
// message and optionally wait for its correlated reply, and a server
// that accepts connections and dispatches frames to registered
// handlers.
//
// Framing is a 4-byte big-endian length prefix followed by that many
// bytes of JSON. A caller that wants a reply holds its connection open
// and reads a single frame back, correlated by msg_id.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// MessageType names one wire operation. The enumeration is closed: a
// frame carrying a type not in this list is rejected.
type MessageType string

const (
	FindSuccessor      MessageType = "FIND_SUCCESSOR"
	FindSuccessorReply MessageType = "FIND_SUCCESSOR_REPLY"

	GetPredecessor      MessageType = "GET_PREDECESSOR"
	GetPredecessorReply MessageType = "GET_PREDECESSOR_REPLY"

	GetSuccessorList      MessageType = "GET_SUCCESSOR_LIST"
	GetSuccessorListReply MessageType = "GET_SUCCESSOR_LIST_REPLY"

	Notify MessageType = "NOTIFY"

	Put      MessageType = "PUT"
	PutReply MessageType = "PUT_REPLY"

	Get      MessageType = "GET"
	GetReply MessageType = "GET_REPLY"

	PutReplica      MessageType = "PUT_REPLICA"
	PutReplicaReply MessageType = "PUT_REPLICA_REPLY"

	GetReplica      MessageType = "GET_REPLICA"
	GetReplicaReply MessageType = "GET_REPLICA_REPLY"

	GetAllNodes      MessageType = "GET_ALL_NODES"
	GetAllNodesReply MessageType = "GET_ALL_NODES_REPLY"

	BroadcastJoin    MessageType = "BROADCAST_JOIN"
	BroadcastJoinAck MessageType = "BROADCAST_JOIN_ACK"

	TransferKeysRequest  MessageType = "TRANSFER_KEYS_REQUEST"
	TransferKeysResponse MessageType = "TRANSFER_KEYS_RESPONSE"

	RecoverHandoff      MessageType = "RECOVER_HANDOFF"
	RecoverHandoffReply MessageType = "RECOVER_HANDOFF_REPLY"

	UpdateBackup    MessageType = "UPDATE_BACKUP"
	UpdateBackupAck MessageType = "UPDATE_BACKUP_ACK"

	GetAllKeys      MessageType = "GET_ALL_KEYS"
	GetAllKeysReply MessageType = "GET_ALL_KEYS_REPLY"

	GetRingInfo      MessageType = "GET_RING_INFO"
	GetRingInfoReply MessageType = "GET_RING_INFO_REPLY"

	Ping MessageType = "PING"
	Pong MessageType = "PONG"

	ErrorMsg MessageType = "ERROR"

	Delete      MessageType = "DELETE"
	DeleteReply MessageType = "DELETE_REPLY"

	DeleteReplica      MessageType = "DELETE_REPLICA"
	DeleteReplicaReply MessageType = "DELETE_REPLICA_REPLY"
)

// Message is the wire envelope exchanged between nodes. Data holds the
// still-encoded payload; callers decode it into the tagged struct
// matching MsgType (see payload.go) via Decode.
type Message struct {
	MsgType       MessageType     `json:"msg_type"`
	SenderID      int             `json:"sender_id"`
	SenderAddress string          `json:"sender_address"`
	MsgID         string          `json:"msg_id"`
	Data          json.RawMessage `json:"data"`
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v any) error {
	data := m.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return sonic.Unmarshal(data, v)
}

func marshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// NewMessageID mints a fresh correlation token for an outgoing
// request frame.
func NewMessageID() string {
	return uuid.NewString()
}

// NewError builds an ERROR message carrying err's text, used by the
// dispatcher to convert handler failures into a wire reply.
func NewError(senderID int, senderAddress string, msgID string, err error) *Message {
	data, _ := marshalData(ErrorData{Error: err.Error()})
	return &Message{
		MsgType:       ErrorMsg,
		SenderID:      senderID,
		SenderAddress: senderAddress,
		MsgID:         msgID,
		Data:          data,
	}
}

// ErrNoHandler is returned (wrapped in an ERROR reply) when a message
// type has no registered handler.
var ErrNoHandler = errors.New("transport: no handler registered for message type")

// TransportError distinguishes connection/timeout failures from
// application-level errors, so callers can branch on error taxonomy
// instead of parsing message strings.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func writeFrame(w io.Writer, msg *Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var msg Message
	if err := sonic.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &msg, nil
}

// HandlerFunc processes one incoming message and optionally returns a
// reply frame. A nil reply means the message was fire-and-forget
// (e.g. NOTIFY).
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Server accepts connections on a listener and dispatches each frame to
// the handler registered for its message type.
type Server struct {
	selfID    int
	selfAddr  string
	logger    *log.Logger
	mu        sync.RWMutex
	handlers  map[MessageType]HandlerFunc
	listener  net.Listener
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer creates a Server identified by selfID/selfAddr, used to
// stamp sender fields on replies and error frames.
func NewServer(selfID int, selfAddr string, logger *log.Logger) *Server {
	return &Server{
		selfID:   selfID,
		selfAddr: selfAddr,
		logger:   logger,
		handlers: make(map[MessageType]HandlerFunc),
	}
}

// Handle registers fn as the handler for msgType. Registering the same
// type twice overwrites the previous handler.
func (s *Server) Handle(msgType MessageType, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = fn
}

// Serve runs the accept loop on ln until Close is called or ln itself
// errors. Each accepted connection is handled in its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight
// connections to finish their current frame.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Printf("connection read error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		reply := s.dispatch(msg)
		if reply == nil {
			continue
		}
		if err := writeFrame(conn, reply); err != nil {
			s.logger.Printf("connection write error to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) dispatch(msg *Message) *Message {
	s.mu.RLock()
	fn, ok := s.handlers[msg.MsgType]
	s.mu.RUnlock()

	if !ok {
		return NewError(s.selfID, s.selfAddr, msg.MsgID, fmt.Errorf("%w: %s", ErrNoHandler, msg.MsgType))
	}

	reply, err := s.runHandler(fn, msg)
	if err != nil {
		return NewError(s.selfID, s.selfAddr, msg.MsgID, err)
	}
	return reply
}

// runHandler invokes fn, converting a panic into an error so a broken
// handler produces an ERROR reply instead of killing the connection
// goroutine.
func (s *Server) runHandler(fn HandlerFunc, msg *Message) (reply *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(context.Background(), msg)
}

// Client dials peers and sends messages, optionally waiting for a
// correlated reply.
type Client struct {
	selfID   int
	selfAddr string
}

// NewClient creates a Client that stamps its own id/address as the
// sender on every outgoing message.
func NewClient(selfID int, selfAddr string) *Client {
	return &Client{selfID: selfID, selfAddr: selfAddr}
}

// Call sends msgType/data to address and, if wantReply is true, waits
// up to the context deadline for a single reply frame. All transport
// failures (refused connection, timeout, truncated read) are surfaced
// as a *TransportError rather than raw net/io errors, so callers can
// treat every flavor of peer unresponsiveness uniformly.
func (c *Client) Call(ctx context.Context, address string, msgType MessageType, data any, wantReply bool) (*Message, error) {
	return c.CallWithID(ctx, address, msgType, data, NewMessageID(), wantReply)
}

// CallWithID behaves like Call but uses msgID as the outgoing frame's
// correlation token instead of minting a fresh one. The node runtime
// uses this when forwarding a client request to the node actually
// responsible for a key, so the caller's msg_id survives the hop and
// the relayed reply still correlates with it.
func (c *Client) CallWithID(ctx context.Context, address string, msgType MessageType, data any, msgID string, wantReply bool) (*Message, error) {
	payload, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		MsgType:       msgType,
		SenderID:      c.selfID,
		SenderAddress: c.selfAddr,
		MsgID:         msgID,
		Data:          payload,
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "dial " + address, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, msg); err != nil {
		return nil, &TransportError{Op: "send to " + address, Err: err}
	}

	if !wantReply {
		return nil, nil
	}

	reply, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, &TransportError{Op: "read reply from " + address, Err: err}
	}
	if reply.MsgID != msgID {
		return nil, &TransportError{Op: "read reply from " + address, Err: fmt.Errorf("reply msg_id %q does not match request %q", reply.MsgID, msgID)}
	}
	return reply, nil
}

// DefaultTimeout returns the context.Context deadline conventionally
// used for quorum fan-out RPCs (PUT_REPLICA/GET_REPLICA).
func DefaultTimeout() time.Duration {
	return 2 * time.Second
}

// JoinTimeout is the longer deadline used for join-time RPCs
// (FIND_SUCCESSOR/GET_ALL_NODES/TRANSFER_KEYS_REQUEST during join),
// which may land on a member busy transferring keys.
func JoinTimeout() time.Duration {
	return 10 * time.Second
}

// BroadcastTimeout is the deadline used for BROADCAST_JOIN fan-out.
func BroadcastTimeout() time.Duration {
	return 5 * time.Second
}

// HandoffTimeout is the deadline used for RECOVER_HANDOFF RPCs.
func HandoffTimeout() time.Duration {
	return 5 * time.Second
}

// UpdateBackupTimeout is the deadline used for the UPDATE_BACKUP calls
// issued at the end of hinted-handoff recovery.
func UpdateBackupTimeout() time.Duration {
	return 3 * time.Second
}
