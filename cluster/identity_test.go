package cluster

import "testing"

func TestNewNodeIDShapeAndUniqueness(t *testing.T) {
	a := newNodeID()
	b := newNodeID()
	if len(a) != idLength {
		t.Fatalf("newNodeID() length = %d, want %d", len(a), idLength)
	}
	if !validNodeID(a) {
		t.Fatalf("newNodeID() produced an id that fails validNodeID: %q", a)
	}
	if a == b {
		t.Fatal("two calls to newNodeID() should not collide in practice")
	}
}

func TestValidNodeID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", true},
		{"", false},
		{"short", false},
		{"gggggggggggggggggggggggggggggggggggggggg", false}, // 'g' is not hex
	}
	for _, c := range cases {
		if got := validNodeID(c.id); got != c.want {
			t.Errorf("validNodeID(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}
