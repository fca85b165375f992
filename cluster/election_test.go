package cluster

import (
	"testing"
	"time"
)

func newCoordinatorFixture() (*Coordinator, *Registry, *SlotMap) {
	reg := NewRegistry()
	slots := NewSlotMap()
	mgr := NewManager(16, testLogEntry())
	epochs := NewEpochCounter(1)
	c := NewCoordinator(reg, slots, mgr, epochs, 15*time.Second, testLogEntry())
	return c, reg, slots
}

// addVotingMaster registers self as the local node and gives it a slot, the
// minimum ShouldGrantVote requires of a voter.
func addVotingMaster(t *testing.T, reg *Registry, slots *SlotMap, self *Node) {
	t.Helper()
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	slots.Assign(0, self.ID)
}

func TestRankAmongOrdersByOffsetDescending(t *testing.T) {
	a := newTestNode("1111111111111111111111111111111111111a")
	b := newTestNode("2222222222222222222222222222222222222b")
	c := newTestNode("3333333333333333333333333333333333333c")
	a.SetReplOffset(100, time.Now())
	b.SetReplOffset(300, time.Now())
	c.SetReplOffset(200, time.Now())

	replicas := []*Node{a, b, c}
	if rank := rankAmong(b.ID, replicas); rank != 0 {
		t.Fatalf("rankAmong(b) = %d, want 0 (highest offset)", rank)
	}
	if rank := rankAmong(c.ID, replicas); rank != 1 {
		t.Fatalf("rankAmong(c) = %d, want 1", rank)
	}
	if rank := rankAmong(a.ID, replicas); rank != 2 {
		t.Fatalf("rankAmong(a) = %d, want 2 (lowest offset)", rank)
	}
}

func TestRankAmongUnknownNodeReturnsLength(t *testing.T) {
	a := newTestNode("4444444444444444444444444444444444444d")
	if rank := rankAmong("not-present", []*Node{a}); rank != 1 {
		t.Fatalf("rankAmong for an absent id = %d, want len(replicas)", rank)
	}
}

func TestEpochCounterBumpMonotonic(t *testing.T) {
	e := NewEpochCounter(5)
	if got := e.Bump(1); got != 6 {
		t.Fatalf("Bump(1) = %d, want 6", got)
	}
	if got := e.Bump(10); got != 11 {
		t.Fatalf("Bump(10) should raise the floor first, got %d", got)
	}
	if e.Current() != 11 {
		t.Fatalf("Current() = %d, want 11", e.Current())
	}
}

func TestCoordinatorScheduleFailoverIsIdempotentPerMaster(t *testing.T) {
	c, reg, _ := newCoordinatorFixture()
	self := newTestNode("5555555555555555555555555555555555555e")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	c.ScheduleFailover("master-1", now)
	firstFireAt := c.state.fireAt

	c.ScheduleFailover("master-1", now.Add(time.Second))
	if c.state.fireAt != firstFireAt {
		t.Fatal("scheduling a failover for an already-pending master must not reset the fire time")
	}
}

func TestCoordinatorCancelFailoverClearsPending(t *testing.T) {
	c, reg, _ := newCoordinatorFixture()
	self := newTestNode("6666666666666666666666666666666666666f")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	c.ScheduleFailover("master-1", time.Now())
	c.CancelFailover()
	if c.state.pendingMaster != "" {
		t.Fatal("CancelFailover should clear the pending master")
	}
}

func TestCoordinatorShouldGrantVoteRejectsStaleEpoch(t *testing.T) {
	c, reg, slots := newCoordinatorFixture()
	self := newTestNode("7777777777777777777777777777777777777a")
	addVotingMaster(t, reg, slots, self)
	candidate := NewNode("8888888888888888888888888888888888888b", Addr{}, FlagReplica)
	candidate.MasterID = self.ID

	var noClaims [NumSlots / 8]byte
	if err := c.ShouldGrantVote(candidate, 0, false, noClaims, time.Now()); err != ErrVoterNotEligible {
		t.Fatalf("expected ErrVoterNotEligible for a stale epoch, got %v", err)
	}
}

func TestCoordinatorShouldGrantVoteRequiresLocalVoterToBeASlottedMaster(t *testing.T) {
	c, reg, _ := newCoordinatorFixture()
	self := newTestNode("1111111111111111111111111111111111114f") // master, but owns no slots
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	master := newTestNode("2222222222222222222222222222222222225a")
	master.MarkFail(time.Now())
	if err := reg.Add(master); err != nil {
		t.Fatal(err)
	}
	candidate := NewNode("3333333333333333333333333333333333336b", Addr{}, FlagReplica)
	candidate.MasterID = master.ID

	var noClaims [NumSlots / 8]byte
	if err := c.ShouldGrantVote(candidate, 5, false, noClaims, time.Now()); err != ErrVoterNotEligible {
		t.Fatalf("a slotless local master should not be allowed to vote, got %v", err)
	}
}

func TestCoordinatorShouldGrantVoteRequiresFailedMaster(t *testing.T) {
	c, reg, slots := newCoordinatorFixture()
	self := newTestNode("9999999999999999999999999999999999999c")
	addVotingMaster(t, reg, slots, self)
	master := newTestNode("1111111111111111111111111111111111112d")
	if err := reg.Add(master); err != nil {
		t.Fatal(err)
	}
	candidate := NewNode("1111111111111111111111111111111111113e", Addr{}, FlagReplica)
	candidate.MasterID = master.ID

	var noClaims [NumSlots / 8]byte
	if err := c.ShouldGrantVote(candidate, 5, false, noClaims, time.Now()); err != ErrVoterNotEligible {
		t.Fatalf("expected ErrVoterNotEligible when the candidate's master is not FAILed, got %v", err)
	}

	master.MarkFail(time.Now())
	if err := c.ShouldGrantVote(candidate, 5, false, noClaims, time.Now()); err != nil {
		t.Fatalf("vote should be granted once the candidate's master is FAILed, got %v", err)
	}
}

func TestCoordinatorShouldGrantVoteForceOverridesFailCheck(t *testing.T) {
	c, reg, slots := newCoordinatorFixture()
	self := newTestNode("2222222222222222222222222222222222224f")
	addVotingMaster(t, reg, slots, self)
	master := newTestNode("3333333333333333333333333333333333335a")
	if err := reg.Add(master); err != nil {
		t.Fatal(err)
	}
	candidate := NewNode("4444444444444444444444444444444444446b", Addr{}, FlagReplica)
	candidate.MasterID = master.ID

	var noClaims [NumSlots / 8]byte
	if err := c.ShouldGrantVote(candidate, 5, true, noClaims, time.Now()); err != nil {
		t.Fatalf("FORCEACK should override the master-must-be-FAILed rule, got %v", err)
	}
}

func TestCoordinatorShouldGrantVoteOncePerEpoch(t *testing.T) {
	c, reg, slots := newCoordinatorFixture()
	self := newTestNode("5555555555555555555555555555555555557c")
	addVotingMaster(t, reg, slots, self)
	master := newTestNode("6666666666666666666666666666666666668d")
	master.MarkFail(time.Now())
	if err := reg.Add(master); err != nil {
		t.Fatal(err)
	}
	candidate := NewNode("7777777777777777777777777777777777779e", Addr{}, FlagReplica)
	candidate.MasterID = master.ID

	var noClaims [NumSlots / 8]byte
	if err := c.ShouldGrantVote(candidate, 5, false, noClaims, time.Now()); err != nil {
		t.Fatalf("first vote in this epoch should be granted, got %v", err)
	}
	if err := c.ShouldGrantVote(candidate, 5, false, noClaims, time.Now()); err != ErrAlreadyVoted {
		t.Fatalf("a second vote for the same master epoch must be rejected, got %v", err)
	}
}

func TestCoordinatorShouldGrantVoteRejectsStaleClaimedSlotOwner(t *testing.T) {
	c, reg, slots := newCoordinatorFixture()
	self := newTestNode("8888888888888888888888888888888888881a")
	addVotingMaster(t, reg, slots, self)

	master := newTestNode("9999999999999999999999999999999999992b")
	master.MarkFail(time.Now())
	if err := reg.Add(master); err != nil {
		t.Fatal(err)
	}
	rival := newTestNode("1111111111111111111111111111111111113c")
	rival.ConfigEpoch = 10
	if err := reg.Add(rival); err != nil {
		t.Fatal(err)
	}
	slots.Assign(5, rival.ID)

	candidate := NewNode("2222222222222222222222222222222222224d", Addr{}, FlagReplica)
	candidate.MasterID = master.ID

	var claims [NumSlots / 8]byte
	claims[5/8] |= 1 << uint(5%8)
	if err := c.ShouldGrantVote(candidate, 5, false, claims, time.Now()); err != ErrVoterNotEligible {
		t.Fatalf("a claimed slot still owned by an equal-or-higher epoch master must block the vote, got %v", err)
	}
}

func TestCoordinatorPromoteSelfTakesOverSlots(t *testing.T) {
	c, reg, slots := newCoordinatorFixture()
	self := NewNode("8888888888888888888888888888888888888f", Addr{}, FlagReplica)
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	slots.Assign(1, "old-master")
	slots.Assign(2, "old-master")

	c.promoteSelf("old-master", time.Now())

	if !self.IsMaster() || self.IsReplica() {
		t.Fatal("promoteSelf should convert the local node to a master")
	}
	if slots.Owner(1) != self.ID || slots.Owner(2) != self.ID {
		t.Fatal("promoteSelf should take over all of the former master's slots")
	}
}

func TestResolveConfigEpochCollisionPicksHigherID(t *testing.T) {
	c, _, _ := newCoordinatorFixture()
	a := newTestNode("1111111111111111111111111111111111111a")
	b := newTestNode("9999999999999999999999999999999999999z")
	a.ConfigEpoch = 3
	b.ConfigEpoch = 3

	c.ResolveConfigEpochCollision(a, b)

	if b.ConfigEpoch <= 3 {
		t.Fatal("the lexicographically larger node id should win and get a bumped epoch")
	}
	if a.ConfigEpoch != 3 {
		t.Fatal("the losing node's epoch should be untouched")
	}
}

func TestResolveConfigEpochCollisionNoOpWhenDifferent(t *testing.T) {
	c, _, _ := newCoordinatorFixture()
	a := newTestNode("1111111111111111111111111111111111111a")
	b := newTestNode("9999999999999999999999999999999999999z")
	a.ConfigEpoch = 3
	b.ConfigEpoch = 9

	c.ResolveConfigEpochCollision(a, b)

	if a.ConfigEpoch != 3 || b.ConfigEpoch != 9 {
		t.Fatal("ResolveConfigEpochCollision should be a no-op when epochs already differ")
	}
}
