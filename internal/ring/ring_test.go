package ring

import "testing"

func TestFounderIsOwnSuccessor(t *testing.T) {
	r := New(NodeRef{ID: 5, Address: "a"}, 6, 3)
	if succ := r.Successor(); succ.ID != 5 {
		t.Fatalf("founder successor = %v, want self", succ)
	}
	if _, ok := r.Predecessor(); ok {
		t.Fatalf("founder should have no predecessor")
	}
}

func TestSetAllNodesDerivesSuccessor(t *testing.T) {
	r := New(NodeRef{ID: 10, Address: "a"}, 6, 3)
	nodes := []NodeRef{
		{ID: 10, Address: "a"},
		{ID: 20, Address: "b"},
		{ID: 40, Address: "c"},
	}
	r.SetAllNodes(nodes)

	if succ := r.Successor(); succ.ID != 20 {
		t.Fatalf("successor = %v, want node 20", succ)
	}
}

func TestFindSuccessorWraps(t *testing.T) {
	r := New(NodeRef{ID: 10, Address: "a"}, 6, 3)
	r.SetAllNodes([]NodeRef{
		{ID: 10, Address: "a"},
		{ID: 20, Address: "b"},
		{ID: 40, Address: "c"},
	})

	got := r.FindSuccessor(50) // past the last node, should wrap to the first
	if got.ID != 10 {
		t.Fatalf("FindSuccessor(50) = %v, want wraparound to node 10", got)
	}

	got = r.FindSuccessor(25)
	if got.ID != 40 {
		t.Fatalf("FindSuccessor(25) = %v, want node 40", got)
	}
}

func TestNSuccessorsWrapsAndCaps(t *testing.T) {
	r := New(NodeRef{ID: 10, Address: "a"}, 6, 3)
	r.SetAllNodes([]NodeRef{
		{ID: 10, Address: "a"},
		{ID: 20, Address: "b"},
		{ID: 40, Address: "c"},
	})

	got := r.NSuccessors(35, 5) // more than the 3 members: capped at 3
	want := []int{40, 10, 20}
	if len(got) != len(want) {
		t.Fatalf("NSuccessors returned %d nodes, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("NSuccessors[%d] = %d, want %d", i, got[i].ID, id)
		}
	}
}

func TestAddNodeAndRemoveNode(t *testing.T) {
	r := New(NodeRef{ID: 10, Address: "a"}, 6, 3)
	r.AddNode(NodeRef{ID: 20, Address: "b"})
	if succ := r.Successor(); succ.ID != 20 {
		t.Fatalf("after AddNode successor = %v, want node 20", succ)
	}

	r.RemoveNode(20)
	if succ := r.Successor(); succ.ID != 10 {
		t.Fatalf("after RemoveNode successor = %v, want self again", succ)
	}
}

func TestSetAllNodesCollapsesDuplicateIDs(t *testing.T) {
	r := New(NodeRef{ID: 30, Address: "b"}, 6, 3)
	r.SetAllNodes([]NodeRef{
		{ID: 10, Address: "a"},
		{ID: 30, Address: "b"},
		{ID: 30, Address: "b"}, // rejoiner listed by a peer and by itself
		{ID: 50, Address: "c"},
	})

	if got := len(r.AllNodes()); got != 3 {
		t.Fatalf("membership size = %d, want 3 after dedupe", got)
	}
	succs := r.NSuccessors(30, 3)
	want := []int{30, 50, 10}
	for i, id := range want {
		if succs[i].ID != id {
			t.Fatalf("NSuccessors[%d] = %d, want %d", i, succs[i].ID, id)
		}
	}
}

func TestClosestPrecedingNodeFallsBackToSelf(t *testing.T) {
	r := New(NodeRef{ID: 10, Address: "a"}, 6, 3)
	got := r.ClosestPrecedingNode(15)
	if got.ID != 10 {
		t.Fatalf("with no fingers set, ClosestPrecedingNode should fall back to self, got %v", got)
	}
}

func TestFingerStartWrapsModM(t *testing.T) {
	r := New(NodeRef{ID: 60, Address: "a"}, 6, 3)
	start := r.FingerStart(3) // (60 + 8) mod 64 = 4
	if start != 4 {
		t.Fatalf("FingerStart(3) = %d, want 4", start)
	}
}
