// Package node wires the ring view, local storage, replication engine
// and wire transport into one running Chord member: it dispatches
// client PUT/GET/DELETE requests, forwards them to whichever node is
// actually responsible, runs the periodic stabilization protocol, joins
// an existing ring, and recovers hinted handoffs after an outage.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"chordkv/internal/cluster"
	"chordkv/internal/ring"
	"chordkv/internal/ringspace"
	"chordkv/internal/storage"
	"chordkv/internal/transport"
)

// State is this node's membership lifecycle stage.
type State int32

const (
	StateInit State = iota
	StateStandalone
	StateJoined
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStandalone:
		return "STANDALONE"
	case StateJoined:
		return "JOINED"
	case StateRecovering:
		return "RECOVERING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ErrQuorumNotMet is wrapped by *QuorumError; present as a sentinel so
// callers can also match with errors.Is.
var ErrQuorumNotMet = errors.New("node: quorum not met")

// QuorumError reports a write or read that could not gather enough
// acknowledgments, carrying the threshold and the count actually
// obtained so callers can log or render a precise diagnostic.
type QuorumError struct {
	Op       string
	Required int
	Obtained int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("node: %s quorum not met: got %d, need %d", e.Op, e.Obtained, e.Required)
}

func (e *QuorumError) Unwrap() error {
	return ErrQuorumNotMet
}

// Config carries the per-node instance parameters surfaced by
// cmd/kvnode's flags.
type Config struct {
	ID        int
	Address   string
	M         uint
	N, R, W   int
	DataDir   string // empty disables persistence
	KnownAddr string // address of an existing ring member to join; empty means found a new ring
}

// Node is one running Chord member.
type Node struct {
	mu sync.Mutex // serializes multi-step ring mutations: join, stabilize tick, handoff recovery

	self   ring.NodeRef
	m      uint
	quorum *cluster.Quorum
	store  *storage.Store
	ringV  *ring.Ring
	client *transport.Client
	server *transport.Server
	logger *log.Logger

	state atomic.Int32

	nextFingerToFix int

	listener net.Listener
	stopTick chan struct{}
	stopOnce sync.Once
	tickWG   sync.WaitGroup
}

// New constructs a Node in state Init. The node starts as a founder of
// its own one-node ring (ring.New's default); call CreateRing or Join
// to pick the node's actual starting lifecycle state.
func New(cfg Config) (*Node, error) {
	if cfg.M == 0 {
		return nil, fmt.Errorf("node: m must be > 0")
	}
	quorum, err := cluster.NewQuorum(cfg.N, cfg.R, cfg.W)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	self := ring.NodeRef{ID: cfg.ID, Address: cfg.Address}
	store, err := storage.Open(cfg.ID, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: open storage: %w", err)
	}

	n := &Node{
		self:     self,
		m:        cfg.M,
		quorum:   quorum,
		store:    store,
		ringV:    ring.New(self, cfg.M, cfg.N),
		client:   transport.NewClient(cfg.ID, cfg.Address),
		logger:   log.New(os.Stderr, fmt.Sprintf("[node %d] ", cfg.ID), log.LstdFlags),
		stopTick: make(chan struct{}),
	}
	n.server = transport.NewServer(cfg.ID, cfg.Address, n.logger)
	n.registerHandlers()
	return n, nil
}

// Self returns this node's own ring reference.
func (n *Node) Self() ring.NodeRef {
	return n.self
}

// State reports the node's current lifecycle stage.
func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
}

// Quorum returns this node's N/R/W configuration.
func (n *Node) Quorum() *cluster.Quorum {
	return n.quorum
}

// RingView returns this node's view of the ring, for introspection.
func (n *Node) RingView() *ring.Ring {
	return n.ringV
}

// Storage returns this node's local store, for introspection.
func (n *Node) Storage() *storage.Store {
	return n.store
}

// M returns the identifier-space bit width.
func (n *Node) M() uint {
	return n.m
}

// HashKey hashes a client-supplied key into this node's identifier
// space.
func (n *Node) HashKey(key string) int {
	return ringspace.HashKey(key, n.m)
}

// ListenAndServe binds addr, starts the accept loop in the background,
// and starts the stabilization ticker. It returns once the listener is
// bound; Serve itself runs until Shutdown closes the listener.
func (n *Node) ListenAndServe() error {
	ln, err := net.Listen("tcp", n.self.Address)
	if err != nil {
		return fmt.Errorf("node: listen on %s: %w", n.self.Address, err)
	}
	n.listener = ln
	go func() {
		if err := n.server.Serve(ln); err != nil {
			n.logger.Printf("serve error: %v", err)
		}
	}()
	n.startStabilizationLoop(3 * time.Second)
	return nil
}

// CreateRing transitions Init -> Standalone: this node is alone in a
// brand-new ring.
func (n *Node) CreateRing() {
	n.setState(StateStandalone)
	n.logger.Printf("created new ring as node %d", n.self.ID)
}

// Shutdown stops accepting new connections, stops the stabilization
// ticker, and waits (bounded by ctx) for in-flight handlers to finish.
func (n *Node) Shutdown(ctx context.Context) error {
	n.setState(StateStopped)
	n.stopOnce.Do(func() { close(n.stopTick) })

	var listenErr error
	if n.listener != nil {
		listenErr = n.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		n.tickWG.Wait()
		n.server.Close()
		close(done)
	}()

	select {
	case <-done:
		return listenErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toWireRef(r ring.NodeRef) transport.NodeRefData {
	return transport.NodeRefData{NodeID: r.ID, Address: r.Address}
}

func fromWireRef(d transport.NodeRefData) ring.NodeRef {
	return ring.NodeRef{ID: d.NodeID, Address: d.Address}
}

func toWireRefs(refs []ring.NodeRef) []transport.NodeRefData {
	out := make([]transport.NodeRefData, len(refs))
	for i, r := range refs {
		out[i] = toWireRef(r)
	}
	return out
}

func fromWireRefs(data []transport.NodeRefData) []ring.NodeRef {
	out := make([]ring.NodeRef, len(data))
	for i, d := range data {
		out[i] = fromWireRef(d)
	}
	return out
}
