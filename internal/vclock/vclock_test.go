package vclock

import "testing"

func TestHappensBefore(t *testing.T) {
	a := Clock{1: 1}
	b := Clock{1: 1, 2: 1}
	if !a.HappensBefore(b) {
		t.Fatalf("expected a to happen-before b")
	}
	if b.HappensBefore(a) {
		t.Fatalf("b should not happen-before a")
	}
}

func TestConcurrentWith(t *testing.T) {
	a := Clock{1: 2}
	b := Clock{2: 3}
	if !a.ConcurrentWith(b) {
		t.Fatalf("disjoint non-zero clocks should be concurrent")
	}
	if a.HappensBefore(b) || b.HappensBefore(a) {
		t.Fatalf("concurrent clocks must not happen-before each other")
	}
}

func TestEqualClocksNotConcurrent(t *testing.T) {
	a := Clock{1: 1, 2: 2}
	b := Clock{1: 1, 2: 2}
	if a.ConcurrentWith(b) {
		t.Fatalf("identical clocks are not concurrent")
	}
	if !a.Dominates(b) || !b.Dominates(a) {
		t.Fatalf("identical clocks should mutually dominate")
	}
}

func TestMergeThenIncrement(t *testing.T) {
	a := Clock{1: 1}
	b := Clock{2: 3}
	merged := a.Merge(b, 1)
	want := Clock{1: 2, 2: 3}
	if !merged.Equal(want) {
		t.Fatalf("merge(a,b,1) = %v, want %v", merged, want)
	}
	if _, ok := a[2]; ok {
		t.Fatalf("Merge must not mutate the receiver")
	}
}

func TestUpdateTakesElementwiseMax(t *testing.T) {
	a := Clock{1: 2, 2: 1}
	a.Update(Clock{2: 3, 3: 1})
	want := Clock{1: 2, 2: 3, 3: 1}
	if !a.Equal(want) {
		t.Fatalf("after update a = %v, want %v", a, want)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	a := Clock{1: 1}
	cp := a.Copy()
	cp.Increment(1)
	if a[1] != 1 {
		t.Fatalf("mutating the copy affected the original")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := Clock{1: 3, 42: 7}
	data, err := a.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Clock
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !a.Equal(out) {
		t.Fatalf("round trip mismatch: got %v, want %v", out, a)
	}
}

func TestResolveSingleWinner(t *testing.T) {
	older := Clock{1: 1}
	newer := Clock{1: 2}
	winner, idx, ok := Resolve([]Clock{older, newer})
	if !ok {
		t.Fatalf("expected a clear winner")
	}
	if idx != 1 || !winner.Equal(newer) {
		t.Fatalf("winner = %v (idx %d), want %v (idx 1)", winner, idx, newer)
	}
}

func TestResolveConflict(t *testing.T) {
	a := Clock{1: 1}
	b := Clock{2: 1}
	_, _, ok := Resolve([]Clock{a, b})
	if ok {
		t.Fatalf("concurrent versions must report a conflict")
	}
}

func TestResolveEqualVersionsAgree(t *testing.T) {
	a := Clock{1: 2, 2: 1}
	b := Clock{1: 2, 2: 1}
	winner, idx, ok := Resolve([]Clock{a, b})
	if !ok {
		t.Fatalf("identical versions are agreement, not a conflict")
	}
	if idx != 0 || !winner.Equal(a) {
		t.Fatalf("winner = %v (idx %d), want the first of the equal set", winner, idx)
	}
}

func TestResolveThreeWayWithOneLoser(t *testing.T) {
	loser := Clock{1: 1}
	winnerCandidateA := Clock{1: 2, 2: 1}
	winnerCandidateB := Clock{1: 1, 3: 1}
	_, _, ok := Resolve([]Clock{loser, winnerCandidateA, winnerCandidateB})
	if ok {
		t.Fatalf("two concurrent survivors should still be a conflict even with a dominated loser present")
	}
}
