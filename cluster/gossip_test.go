package cluster

import (
	"testing"
	"time"
)

func newEngineFixture() (*Engine, *Registry, *Manager) {
	reg := NewRegistry()
	slots := NewSlotMap()
	mgr := NewManager(16, testLogEntry())
	e := NewEngine(reg, slots, mgr, 100*time.Millisecond, testLogEntry())
	return e, reg, mgr
}

func TestDigestBudgetCappedToKnownNodes(t *testing.T) {
	e, reg, _ := newEngineFixture()
	self := newTestNode("1111111111111111111111111111111111111a")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	if got := e.digestBudget(); got != 1 {
		t.Fatalf("digestBudget() with 1 known node = %d, want 1 (capped to total)", got)
	}
}

func TestDigestBudgetScalesWithClusterSize(t *testing.T) {
	e, reg, _ := newEngineFixture()
	for i := 0; i < 40; i++ {
		id := paddedHexID(i)
		if err := reg.Add(newTestNode(id)); err != nil {
			t.Fatal(err)
		}
	}
	if got := e.digestBudget(); got != 4 {
		t.Fatalf("digestBudget() with 40 nodes = %d, want 40/10=4", got)
	}
}

func TestBuildDigestExcludesSelf(t *testing.T) {
	e, reg, _ := newEngineFixture()
	self := newTestNode("2222222222222222222222222222222222222b")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	other := newTestNode("3333333333333333333333333333333333333c")
	if err := reg.Add(other); err != nil {
		t.Fatal(err)
	}
	digest := e.buildDigest()
	for _, g := range digest {
		if g.NodeID == self.ID {
			t.Fatal("buildDigest must never include the local node")
		}
	}
}

func TestBuildDigestAlwaysIncludesPFailNodes(t *testing.T) {
	e, reg, _ := newEngineFixture()
	self := newTestNode("4444444444444444444444444444444444444d")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	// Add more digest-eligible (slot-owning) nodes than the random sample
	// budget would normally cover, but mark one PFAIL: it must be included
	// regardless of the sample.
	suspect := newTestNode("5555555555555555555555555555555555555e")
	suspect.SetFlag(FlagPFail)
	if err := reg.Add(suspect); err != nil {
		t.Fatal(err)
	}
	e.slots.Assign(0, suspect.ID)
	for i := 0; i < 30; i++ {
		id := paddedHexID(i)
		if err := reg.Add(newTestNode(id)); err != nil {
			t.Fatal(err)
		}
		e.slots.Assign(i+1, id)
	}
	digest := e.buildDigest()
	found := false
	for _, g := range digest {
		if g.NodeID == suspect.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("buildDigest must always carry PFAIL-flagged nodes regardless of the random sample budget")
	}
}

func TestMergeGossipCreatesUnknownNodeInHandshake(t *testing.T) {
	e, reg, _ := newEngineFixture()
	self := newTestNode("6666666666666666666666666666666666666f")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	g := Gossip{NodeID: "7777777777777777777777777777777777777a", IP: "10.0.0.5", ClientPort: 6400, BusPort: 16400, ConfigEpoch: 2}
	e.MergeGossip("some-reporter", []Gossip{g}, time.Now())

	n, ok := reg.Get(g.NodeID)
	if !ok {
		t.Fatal("MergeGossip should add an unknown node from the digest")
	}
	if !n.HasFlag(FlagHandshake) {
		t.Fatal("a newly discovered node should start in the handshake state")
	}
	if n.ConfigEpoch != 2 {
		t.Fatal("MergeGossip should carry over the reported config epoch for a new node")
	}
}

func TestMergeGossipSkipsBlacklistedNode(t *testing.T) {
	e, reg, _ := newEngineFixture()
	self := newTestNode("8888888888888888888888888888888888888b")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	forgotten := "9999999999999999999999999999999999999c"
	reg.Forget(forgotten)

	e.MergeGossip("reporter", []Gossip{{NodeID: forgotten, IP: "10.0.0.9", ClientPort: 6401}}, time.Now())

	if _, ok := reg.Get(forgotten); ok {
		t.Fatal("MergeGossip must not resurrect a blacklisted node")
	}
}

func TestMergeGossipBumpsKnownNodeEpochOnly(t *testing.T) {
	e, reg, _ := newEngineFixture()
	self := newTestNode("1111111111111111111111111111111111112d")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	known := newTestNode("2222222222222222222222222222222222223e")
	known.ConfigEpoch = 5
	if err := reg.Add(known); err != nil {
		t.Fatal(err)
	}

	e.MergeGossip("reporter", []Gossip{{NodeID: known.ID, ConfigEpoch: 3}}, time.Now())
	if known.ConfigEpoch != 5 {
		t.Fatal("MergeGossip must not lower a known node's config epoch")
	}

	e.MergeGossip("reporter", []Gossip{{NodeID: known.ID, ConfigEpoch: 9}}, time.Now())
	if known.ConfigEpoch != 9 {
		t.Fatal("MergeGossip should raise a known node's config epoch when the reported one is higher")
	}
}

func TestMergeGossipRecordsFailureReportForSuspectFlags(t *testing.T) {
	e, reg, _ := newEngineFixture()
	self := newTestNode("3333333333333333333333333333333333334f")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	known := newTestNode("4444444444444444444444444444444444445a")
	if err := reg.Add(known); err != nil {
		t.Fatal(err)
	}

	e.MergeGossip("reporter-1", []Gossip{{NodeID: known.ID, Flags: FlagPFail}}, time.Now())

	reports := known.PurgeStaleReports(time.Hour, time.Now())
	if len(reports) != 1 || reports[0] != "reporter-1" {
		t.Fatal("MergeGossip should record a failure report for a node reported as PFAIL/FAIL")
	}
}

func paddedHexID(i int) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, idLength)
	for j := range b {
		b[j] = '0'
	}
	b[idLength-2] = hexdigits[(i/16)%16]
	b[idLength-1] = hexdigits[i%16]
	return string(b)
}
