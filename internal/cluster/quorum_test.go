package cluster

import (
	"testing"

	"chordkv/internal/ring"
	"chordkv/internal/vclock"
)

func TestNewQuorumValidation(t *testing.T) {
	if _, err := NewQuorum(3, 0, 2); err == nil {
		t.Fatalf("expected error for R=0")
	}
	if _, err := NewQuorum(3, 2, 4); err == nil {
		t.Fatalf("expected error for W > N")
	}
	if _, err := NewQuorum(3, 2, 2); err != nil {
		t.Fatalf("expected valid config to pass: %v", err)
	}
}

func TestConsistencyLevelClassification(t *testing.T) {
	cases := []struct {
		n, r, w int
		want    ConsistencyLevel
	}{
		{3, 2, 2, Strong},
		{3, 1, 2, Moderate},
		{3, 1, 1, Eventual},
	}
	for _, c := range cases {
		q, err := NewQuorum(c.n, c.r, c.w)
		if err != nil {
			t.Fatalf("NewQuorum(%d,%d,%d): %v", c.n, c.r, c.w, err)
		}
		if got := q.ConsistencyLevel(); got != c.want {
			t.Errorf("ConsistencyLevel(N=%d,R=%d,W=%d) = %s, want %s", c.n, c.r, c.w, got, c.want)
		}
	}
}

func TestUpdateConfigRejectsInvalidAndKeepsCurrent(t *testing.T) {
	q, err := NewQuorum(3, 2, 2)
	if err != nil {
		t.Fatalf("new quorum: %v", err)
	}

	if err := q.UpdateConfig(3, 4, 2); err == nil {
		t.Fatalf("expected error for R > N")
	}
	if q.N != 3 || q.R != 2 || q.W != 2 {
		t.Fatalf("rejected update must leave config untouched, got N=%d R=%d W=%d", q.N, q.R, q.W)
	}

	if err := q.UpdateConfig(5, 3, 3); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	if q.ConsistencyLevel() != Strong {
		t.Fatalf("N=5 R=3 W=3 should classify as STRONG, got %s", q.ConsistencyLevel())
	}
}

func TestWriteAndReadSatisfied(t *testing.T) {
	q, _ := NewQuorum(3, 2, 2)
	if q.WriteSatisfied(0) {
		t.Fatalf("W=2 should not be satisfied by local write alone")
	}
	if !q.WriteSatisfied(1) {
		t.Fatalf("W=2 should be satisfied by local write + 1 ack")
	}
	if !q.ReadSatisfied(1) {
		t.Fatalf("R=2 should be satisfied by local read + 1 response")
	}
}

func TestResolveReadUniqueWinnerMarksStale(t *testing.T) {
	local := &ReplicaRead{Node: ring.NodeRef{ID: 1}, Value: []byte("old"), Version: vclock.Clock{1: 1}}
	reads := []ReplicaRead{
		{Node: ring.NodeRef{ID: 2}, Value: []byte("new"), Version: vclock.Clock{1: 1, 2: 1}},
	}

	res := ResolveRead(local, reads)
	if res.Conflict {
		t.Fatalf("expected a clear winner, got conflict")
	}
	if string(res.Value) != "new" {
		t.Fatalf("winner value = %q, want %q", res.Value, "new")
	}
	if len(res.Stale) != 1 || res.Stale[0].ID != 1 {
		t.Fatalf("expected local replica marked stale, got %v", res.Stale)
	}
}

func TestResolveReadConcurrentVersionsIsConflict(t *testing.T) {
	local := &ReplicaRead{Node: ring.NodeRef{ID: 1}, Value: []byte("a"), Version: vclock.Clock{1: 1}}
	reads := []ReplicaRead{
		{Node: ring.NodeRef{ID: 2}, Value: []byte("b"), Version: vclock.Clock{2: 1}},
	}

	res := ResolveRead(local, reads)
	if !res.Conflict {
		t.Fatalf("expected conflict for concurrent versions")
	}
	if string(res.Value) != "a" {
		t.Fatalf("expected first-received (local) to win conflict tie-break, got %q", res.Value)
	}
}

func TestResolveReadNoResponses(t *testing.T) {
	res := ResolveRead(nil, nil)
	if res.Value != nil || res.Version != nil {
		t.Fatalf("expected empty resolution when nothing responded")
	}
}
