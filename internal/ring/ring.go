// Package ring holds one node's view of the Chord ring: its
// predecessor, successor, finger table, full membership list (when
// known) and successor list, plus the lookup algorithms built on top of
// that view (FindSuccessor, ClosestPrecedingNode, NSuccessors).
//
// Everything here is local bookkeeping; it never performs network I/O.
// The node runtime package drives the actual FIND_SUCCESSOR/NOTIFY RPCs
// and feeds their results back into a Ring via SetAllNodes/AddNode/
// RemoveNode/SetPredecessor/SetSuccessor.
package ring

import (
	"sort"
	"sync"

	"chordkv/internal/ringspace"
)

// ID is a Chord identifier, an integer in [0, 2^m).
type ID = int

// NodeRef identifies one ring member by id and dial address.
type NodeRef struct {
	ID      ID
	Address string
}

// Ring is one node's view of the ring. Safe for concurrent use.
type Ring struct {
	mu sync.RWMutex

	self NodeRef
	m    uint
	n    int // replication factor, bounds the successor list length

	predecessor   *NodeRef
	fingers       []NodeRef // fingers[i].ID == 0 value sentinel means "unset"; fingerSet tracks validity
	fingerSet     []bool
	allNodes      []NodeRef // sorted by ID ascending, includes self when known
	successorList []NodeRef
}

// New starts a ring view as a founder: alone in the ring, its own
// successor, no predecessor.
func New(self NodeRef, m uint, n int) *Ring {
	r := &Ring{
		self:      self,
		m:         m,
		n:         n,
		fingers:   make([]NodeRef, m),
		fingerSet: make([]bool, m),
		allNodes:  []NodeRef{self},
	}
	r.fingers[0] = self
	r.fingerSet[0] = true
	r.successorList = []NodeRef{self}
	return r
}

// Self returns this node's own reference.
func (r *Ring) Self() NodeRef {
	return r.self
}

// Predecessor returns this node's predecessor, if known.
func (r *Ring) Predecessor() (NodeRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.predecessor == nil {
		return NodeRef{}, false
	}
	return *r.predecessor, true
}

// SetPredecessor records pred as this node's predecessor.
func (r *Ring) SetPredecessor(pred NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := pred
	r.predecessor = &p
}

// ClearPredecessor forgets the current predecessor, e.g. after a failed
// liveness check.
func (r *Ring) ClearPredecessor() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predecessor = nil
}

// Successor returns finger[0], this node's immediate successor.
func (r *Ring) Successor() NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fingers[0]
}

// SetSuccessor sets finger[0].
func (r *Ring) SetSuccessor(node NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fingers[0] = node
	r.fingerSet[0] = true
}

// FingerStart returns finger[i]'s start identifier: (self + 2^i) mod 2^m.
func (r *Ring) FingerStart(i int) ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fingerStart(i)
}

func (r *Ring) fingerStart(i int) ID {
	offset := 1 << uint(i)
	mod := 1 << r.m
	return (r.self.ID + offset) % mod
}

// SetFinger sets finger[i] to node.
func (r *Ring) SetFinger(i int, node NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fingers[i] = node
	r.fingerSet[i] = true
}

// M returns the ring's bit-width.
func (r *Ring) M() uint {
	return r.m
}

// SuccessorList returns up to N nodes following self on the circle.
func (r *Ring) SuccessorList() []NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeRef, len(r.successorList))
	copy(out, r.successorList)
	return out
}

// SetSuccessorList replaces the successor list, truncated to N entries.
func (r *Ring) SetSuccessorList(nodes []NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(nodes) > r.n {
		nodes = nodes[:r.n]
	}
	r.successorList = append([]NodeRef(nil), nodes...)
}

// AllNodes returns the sorted full-membership list this node currently
// believes is alive, self included when known.
func (r *Ring) AllNodes() []NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeRef, len(r.allNodes))
	copy(out, r.allNodes)
	return out
}

// SetAllNodes replaces the full-membership list and recomputes the
// successor pointer, successor list and finger table from it, since
// all three are derived views of the same sorted list.
func (r *Ring) SetAllNodes(nodes []NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setAllNodesLocked(nodes)
}

func (r *Ring) setAllNodesLocked(nodes []NodeRef) {
	sorted := append([]NodeRef(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	// A rejoining node may appear both in a peer's membership reply and
	// as ourselves; equal ids collapse to one entry.
	deduped := sorted[:0]
	for _, n := range sorted {
		if len(deduped) > 0 && deduped[len(deduped)-1].ID == n.ID {
			continue
		}
		deduped = append(deduped, n)
	}
	r.allNodes = deduped
	r.rederiveFromAllNodesLocked()
}

// AddNode inserts node into the sorted membership list (no-op if
// already present) and rederives successor/finger state.
func (r *Ring) AddNode(node NodeRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.allNodes {
		if n.ID == node.ID {
			return
		}
	}
	nodes := append(append([]NodeRef(nil), r.allNodes...), node)
	r.setAllNodesLocked(nodes)
}

// RemoveNode deletes id from the membership list and rederives
// successor/finger state, clearing any finger entries that pointed at
// the removed node.
func (r *Ring) RemoveNode(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := make([]NodeRef, 0, len(r.allNodes))
	for _, n := range r.allNodes {
		if n.ID != id {
			nodes = append(nodes, n)
		}
	}
	r.setAllNodesLocked(nodes)
}

// rederiveFromAllNodesLocked recomputes successor, successor list and
// every finger entry from the current sorted allNodes list. Called with
// r.mu already held.
func (r *Ring) rederiveFromAllNodesLocked() {
	if len(r.allNodes) == 0 {
		return
	}

	succ := r.findResponsibleLocked((r.self.ID + 1) % (1 << r.m))
	if succ.ID == r.self.ID {
		// No other nodes known; stay our own successor.
		succ = r.self
	}
	r.fingers[0] = succ
	r.fingerSet[0] = true

	for i := 1; i < int(r.m); i++ {
		start := r.fingerStart(i)
		r.fingers[i] = r.findResponsibleLocked(start)
		r.fingerSet[i] = true
	}

	r.successorList = r.nSuccessorsLocked(r.self.ID, r.n)
}

// findResponsibleLocked returns the first node in the sorted
// membership list with ID >= id, wrapping to the first node otherwise.
func (r *Ring) findResponsibleLocked(id ID) NodeRef {
	idx := sort.Search(len(r.allNodes), func(i int) bool { return r.allNodes[i].ID >= id })
	if idx == len(r.allNodes) {
		idx = 0
	}
	return r.allNodes[idx]
}

// FindSuccessor answers: which node is responsible for identifier id?
//
// When the full membership list is non-empty this is a direct lookup:
// the first node with node_id >= id, wrapping to the first node
// otherwise. When membership is unknown it falls back to the finger
// table: if id lies in (self, successor] the successor is responsible;
// if self has a predecessor and id lies in (pred, self] self is
// responsible; otherwise the closest preceding finger is returned and
// the caller is expected to query it and iterate.
func (r *Ring) FindSuccessor(id ID) NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.allNodes) > 0 {
		return r.findResponsibleLocked(id)
	}

	succ := r.fingers[0]
	if succ.ID == r.self.ID {
		return r.self
	}
	if ringspace.InArc(id, r.self.ID, succ.ID, false, true) {
		return succ
	}
	if r.predecessor != nil && ringspace.InArc(id, r.predecessor.ID, r.self.ID, false, true) {
		return r.self
	}
	return r.closestPrecedingNodeLocked(id)
}

// ClosestPrecedingNode scans the finger table from the highest index to
// the lowest and returns the first entry whose node id lies strictly
// between self and id; if none qualifies, returns self.
func (r *Ring) ClosestPrecedingNode(id ID) NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closestPrecedingNodeLocked(id)
}

func (r *Ring) closestPrecedingNodeLocked(id ID) NodeRef {
	for i := int(r.m) - 1; i >= 0; i-- {
		if !r.fingerSet[i] {
			continue
		}
		f := r.fingers[i]
		if ringspace.InArc(f.ID, r.self.ID, id, false, false) {
			return f
		}
	}
	return r.self
}

// NSuccessors returns up to n distinct nodes starting at the node
// responsible for id and walking forward around the sorted membership
// list, wrapping as needed. This is the replica set for a key hashing
// to id.
func (r *Ring) NSuccessors(id ID, n int) []NodeRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nSuccessorsLocked(id, n)
}

func (r *Ring) nSuccessorsLocked(id ID, n int) []NodeRef {
	if len(r.allNodes) == 0 || n <= 0 {
		return nil
	}
	total := len(r.allNodes)
	if n > total {
		n = total
	}

	startIdx := sort.Search(total, func(i int) bool { return r.allNodes[i].ID >= id })
	if startIdx == total {
		startIdx = 0
	}

	out := make([]NodeRef, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.allNodes[(startIdx+i)%total])
	}
	return out
}
