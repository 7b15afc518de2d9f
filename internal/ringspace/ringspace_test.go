package ringspace

import "testing"

func TestHashKeyDeterministic(t *testing.T) {
	a := HashKey("alpha", 6)
	b := HashKey("alpha", 6)
	if a != b {
		t.Fatalf("hash not deterministic: %d != %d", a, b)
	}
	if a < 0 || a >= 1<<6 {
		t.Fatalf("hash %d out of range [0, 64)", a)
	}
}

func TestHashRespectsBitWidth(t *testing.T) {
	for m := uint(3); m <= 10; m++ {
		h := HashAddress("node1:9000", m)
		if h < 0 || h >= 1<<m {
			t.Fatalf("m=%d: hash %d out of range [0, %d)", m, h, 1<<m)
		}
	}
}

func TestInArcFullCircle(t *testing.T) {
	if !InArc(5, 10, 10, false, true) {
		t.Fatalf("a==b should mean the whole circle is in range")
	}
}

func TestInArcStraightInterval(t *testing.T) {
	cases := []struct {
		x, a, b          int
		incStart, incEnd bool
		want             bool
	}{
		{12, 10, 15, false, true, true},
		{10, 10, 15, false, true, false},
		{10, 10, 15, true, true, true},
		{15, 10, 15, false, true, true},
		{15, 10, 15, false, false, false},
	}
	for _, c := range cases {
		got := InArc(c.x, c.a, c.b, c.incStart, c.incEnd)
		if got != c.want {
			t.Errorf("InArc(%d,%d,%d,%v,%v) = %v, want %v", c.x, c.a, c.b, c.incStart, c.incEnd, got, c.want)
		}
	}
}

func TestInArcWraparound(t *testing.T) {
	cases := []struct {
		x, a, b int
		want    bool
	}{
		{5, 60, 10, true},  // wraps through 0
		{62, 60, 10, true}, // between 60 and 63
		{11, 60, 10, false},
		{50, 60, 10, false},
	}
	for _, c := range cases {
		got := InArc(c.x, c.a, c.b, false, true)
		if got != c.want {
			t.Errorf("InArc(%d,%d,%d) = %v, want %v", c.x, c.a, c.b, got, c.want)
		}
	}
}
