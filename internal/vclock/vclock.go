// Package vclock implements vector clocks used to order writes across
// replicas without relying on synchronized wall-clock time.
//
// A Clock is a map from node id to a logical counter. Every time a node
// writes a key it increments its own counter; comparing two clocks tells
// us whether one happened-before the other, or whether they are
// concurrent and represent a real conflict that the caller must resolve.
package vclock

import (
	"maps"
	"strconv"

	"github.com/bytedance/sonic"
)

// Clock maps node id to logical counter. The zero value is an empty,
// usable clock.
type Clock map[int]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Increment bumps nodeID's counter by one, in place.
func (c Clock) Increment(nodeID int) {
	c[nodeID]++
}

// Update folds other into c in place, taking the element-wise maximum
// of each counter. Unlike Merge it adds no local increment: it only
// catches c up to what other has seen.
func (c Clock) Update(other Clock) {
	for node, cnt := range other {
		if cnt > c[node] {
			c[node] = cnt
		}
	}
}

// Merge takes the elementwise maximum of c and other, then increments
// nodeID's counter. This is the update used when a node accepts a
// replica write it did not originate: first catch up to everything the
// sender has seen, then record this node's own acceptance of it.
func (c Clock) Merge(other Clock, nodeID int) Clock {
	merged := c.Copy()
	for node, cnt := range other {
		if cnt > merged[node] {
			merged[node] = cnt
		}
	}
	merged.Increment(nodeID)
	return merged
}

// Copy returns a deep copy of c.
func (c Clock) Copy() Clock {
	cp := make(Clock, len(c))
	maps.Copy(cp, c)
	return cp
}

// HappensBefore reports whether c strictly happened-before other: every
// counter in c is <= the corresponding counter in other, and at least one
// is strictly less, over the union of both clocks' node ids.
func (c Clock) HappensBefore(other Clock) bool {
	strictlyLess := false
	for node := range union(c, other) {
		cv, ov := c[node], other[node]
		if cv > ov {
			return false
		}
		if cv < ov {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// ConcurrentWith reports whether neither clock happened-before the other,
// i.e. they were produced independently and represent a genuine conflict.
func (c Clock) ConcurrentWith(other Clock) bool {
	return !c.HappensBefore(other) && !other.HappensBefore(c) && !c.Equal(other)
}

// Dominates reports whether every counter in c is >= the corresponding
// counter in other, over the union of node ids. Equal clocks dominate
// each other.
func (c Clock) Dominates(other Clock) bool {
	for node := range union(c, other) {
		if c[node] < other[node] {
			return false
		}
	}
	return true
}

// Equal reports whether c and other carry identical counters.
func (c Clock) Equal(other Clock) bool {
	for node := range union(c, other) {
		if c[node] != other[node] {
			return false
		}
	}
	return true
}

func union(a, b Clock) map[int]struct{} {
	u := make(map[int]struct{}, len(a)+len(b))
	for node := range a {
		u[node] = struct{}{}
	}
	for node := range b {
		u[node] = struct{}{}
	}
	return u
}

// MarshalJSON encodes the clock as a JSON object with string keys, since
// JSON object keys must be strings.
func (c Clock) MarshalJSON() ([]byte, error) {
	strKeyed := make(map[string]uint64, len(c))
	for node, cnt := range c {
		strKeyed[strconv.Itoa(node)] = cnt
	}
	return sonic.Marshal(strKeyed)
}

// UnmarshalJSON decodes a JSON object with string keys back into a
// Clock keyed by int node id. Wire payloads and on-disk snapshots both
// round-trip clocks through JSON, so every consumer of a clock coming
// off the network or disk must go through this path rather than
// assuming integer keys survive encoding.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var strKeyed map[string]uint64
	if err := sonic.Unmarshal(data, &strKeyed); err != nil {
		return err
	}
	out := make(Clock, len(strKeyed))
	for key, cnt := range strKeyed {
		node, err := strconv.Atoi(key)
		if err != nil {
			return err
		}
		out[node] = cnt
	}
	*c = out
	return nil
}

// Resolve performs the N-way maximal-version resolution used when a
// quorum read returns several versions of the same key: a version is a
// candidate winner unless some other version strictly happened-after it.
// If exactly one candidate survives, it is the winner. If zero or more
// than one candidate survives (the remaining candidates are pairwise
// concurrent) Resolve reports a conflict by returning ok=false; the
// caller must then apply its own tie-break policy.
func Resolve(versions []Clock) (winner Clock, index int, ok bool) {
	winnerIdx := -1
	for i, v := range versions {
		dominated := false
		for j, other := range versions {
			if i == j {
				continue
			}
			// An identical clock at a lower index also counts: replicas
			// in sync hold equal versions, which is agreement, not a
			// conflict.
			if v.HappensBefore(other) || (j < i && v.Equal(other)) {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		if winnerIdx != -1 {
			// A second surviving candidate means the survivors are
			// concurrent with each other: a real conflict.
			return nil, -1, false
		}
		winnerIdx = i
	}
	if winnerIdx == -1 {
		return nil, -1, false
	}
	return versions[winnerIdx], winnerIdx, true
}
