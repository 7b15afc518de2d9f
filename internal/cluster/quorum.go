package cluster

import (
	"fmt"

	"chordkv/internal/ring"
	"chordkv/internal/vclock"
)

// ConsistencyLevel classifies a quorum configuration by how R+W
// relates to N.
type ConsistencyLevel string

const (
	Strong   ConsistencyLevel = "STRONG"
	Moderate ConsistencyLevel = "MODERATE"
	Eventual ConsistencyLevel = "EVENTUAL"
)

// Quorum holds the replication factor and read/write thresholds for
// one node. Invalid thresholds are rejected at construction, so a
// misconfigured node never starts serving.
type Quorum struct {
	N int
	R int
	W int
}

// NewQuorum validates and builds a Quorum. N is the total replica count
// (including the primary); R and W must each be in [1, N].
func NewQuorum(n, r, w int) (*Quorum, error) {
	q := &Quorum{N: n, R: r, W: w}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Quorum) validate() error {
	if q.R < 1 || q.R > q.N {
		return fmt.Errorf("cluster: read quorum %d out of range [1, %d]", q.R, q.N)
	}
	if q.W < 1 || q.W > q.N {
		return fmt.Errorf("cluster: write quorum %d out of range [1, %d]", q.W, q.N)
	}
	return nil
}

// UpdateConfig replaces N/R/W after validating the new values, leaving
// the current configuration untouched when the new one is rejected.
func (q *Quorum) UpdateConfig(n, r, w int) error {
	candidate := &Quorum{N: n, R: r, W: w}
	if err := candidate.validate(); err != nil {
		return err
	}
	q.N, q.R, q.W = n, r, w
	return nil
}

// ConsistencyLevel reports whether this configuration gives strong,
// moderate, or eventual consistency based on R+W versus N.
func (q *Quorum) ConsistencyLevel() ConsistencyLevel {
	switch {
	case q.R+q.W > q.N:
		return Strong
	case q.R+q.W == q.N:
		return Moderate
	default:
		return Eventual
	}
}

// WriteSatisfied reports whether acked (the count of replica
// acknowledgments, NOT including the coordinator's own local write)
// plus the local write is enough to meet W.
func (q *Quorum) WriteSatisfied(acked int) bool {
	return acked+1 >= q.W
}

// ReadSatisfied reports whether responded (the count of replica
// responses, NOT including the coordinator's own local read) plus the
// local read is enough to meet R.
func (q *Quorum) ReadSatisfied(responded int) bool {
	return responded+1 >= q.R
}

// ReadResolution is the outcome of reconciling a set of replica reads,
// including the coordinator's own local read, into a single value.
type ReadResolution struct {
	Value    []byte
	Version  vclock.Clock
	Stale    []ring.NodeRef
	Conflict bool
}

// ResolveRead combines the coordinator's own local read (if present)
// with replica reads and picks a winner using vclock.Resolve's N-way
// maximal-version algorithm. When the maximal set has more than one
// member the versions are genuinely concurrent; ResolveRead then picks
// the first-received entry as winner (reads arrive in wire order, so
// index 0 is first to respond) and reports Conflict=true without
// marking anything stale, since no reconciled ordering exists to judge
// staleness against.
// When there is a unique winner, every read whose version strictly
// happened-before the winner is marked stale for read-repair.
func ResolveRead(local *ReplicaRead, reads []ReplicaRead) ReadResolution {
	all := make([]ReplicaRead, 0, len(reads)+1)
	if local != nil {
		all = append(all, *local)
	}
	all = append(all, reads...)

	if len(all) == 0 {
		return ReadResolution{}
	}

	versions := make([]vclock.Clock, len(all))
	for i, r := range all {
		versions[i] = r.Version
	}

	winner, idx, ok := vclock.Resolve(versions)
	if !ok {
		return ReadResolution{Value: all[0].Value, Version: all[0].Version, Conflict: true}
	}

	var stale []ring.NodeRef
	for i, r := range all {
		if i == idx {
			continue
		}
		if r.Version.HappensBefore(winner) {
			stale = append(stale, r.Node)
		}
	}

	return ReadResolution{Value: all[idx].Value, Version: winner, Stale: stale}
}
