package cluster

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestClusterConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		BindIP:     "127.0.0.1",
		ClientPort: 6379,
		BusPort:    16379,
		ConfigPath: filepath.Join(t.TempDir(), "nodes.conf"),
		Registerer: prometheus.NewRegistry(),
	}
}

func TestNewClusterAssignsMasterFlagsToSelf(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	self := c.Myself()
	if self == nil {
		t.Fatal("Myself() should return the local node after New")
	}
	if !self.IsMaster() {
		t.Fatal("a fresh cluster should start as an unassigned master")
	}
	if !self.HasFlag(FlagMyself) {
		t.Fatal("the local node should carry the myself flag")
	}
}

func TestNewClusterRejectsInvalidFixedNodeID(t *testing.T) {
	cfg := newTestClusterConfig(t)
	cfg.NodeID = "not-valid-hex"
	if _, err := New(cfg); err == nil {
		t.Fatal("New should reject a malformed fixed node id")
	}
}

func TestClusterAddDelFlushSlots(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.AddSlots([]int{0, 1, 2}); err != nil {
		t.Fatalf("AddSlots: %v", err)
	}
	if c.Slots().Owner(1) != c.Myself().ID {
		t.Fatal("AddSlots should assign the slots to the local node")
	}
	if err := c.DelSlots([]int{1}); err != nil {
		t.Fatalf("DelSlots: %v", err)
	}
	if c.Slots().Owner(1) != "" {
		t.Fatal("DelSlots should unassign the slot")
	}
	c.FlushSlots()
	if c.Slots().Owner(0) != "" || c.Slots().Owner(2) != "" {
		t.Fatal("FlushSlots should unassign every slot owned by the local node")
	}
}

func TestClusterAddSlotsRejectsOutOfRange(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.AddSlots([]int{NumSlots}); err != ErrSlotOutOfRange {
		t.Fatalf("AddSlots with an out-of-range slot = %v, want ErrSlotOutOfRange", err)
	}
}

func TestClusterAddSlotsRejectsAlreadyOwnedByAnother(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Slots().Assign(5, "someone-else")
	if err := c.AddSlots([]int{5}); err != ErrSlotAlreadyOwned {
		t.Fatalf("AddSlots over a foreign slot = %v, want ErrSlotAlreadyOwned", err)
	}
}

func TestClusterDelSlotsRejectsNotOwned(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.DelSlots([]int{9}); err != ErrSlotNotOwned {
		t.Fatalf("DelSlots on an unowned slot = %v, want ErrSlotNotOwned", err)
	}
}

func TestClusterForgetRejectsLocalNode(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Forget(c.Myself().ID); err == nil {
		t.Fatal("Forget should reject an attempt to forget the local node")
	}
}

func TestClusterReplicateAndFailoverRequiresReplica(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Failover(false); err != ErrNotReplica {
		t.Fatalf("Failover on a master = %v, want ErrNotReplica", err)
	}

	master := NewNode("1111111111111111111111111111111111111a", Addr{IP: "10.0.0.1", ClientPort: 6380, BusPort: 16380}, FlagMaster)
	if err := c.Registry().Add(master); err != nil {
		t.Fatal(err)
	}
	if err := c.Replicate(master.ID); err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	if !c.Myself().IsReplica() {
		t.Fatal("Replicate should convert the local node into a replica")
	}
	if c.Myself().MasterID != master.ID {
		t.Fatal("Replicate should record the new master id")
	}
}

func TestClusterSetConfigEpochRequiresEmptySlotSet(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.AddSlots([]int{0}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetConfigEpoch(5); err == nil {
		t.Fatal("SetConfigEpoch should reject a node that already owns slots")
	}
	c.FlushSlots()
	if err := c.SetConfigEpoch(5); err != nil {
		t.Fatalf("SetConfigEpoch on an empty slot set: %v", err)
	}
	if c.Myself().ConfigEpoch != 5 {
		t.Fatal("SetConfigEpoch should update the local node's config epoch")
	}
}

func TestClusterBumpEpochIsMonotonic(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := c.BumpEpoch()
	second := c.BumpEpoch()
	if second <= first {
		t.Fatalf("BumpEpoch should be strictly increasing: %d then %d", first, second)
	}
}

func TestClusterInfoReflectsSlotCoverage(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !c.IsDown() {
		t.Fatal("a fresh cluster with no slots assigned should report DOWN")
	}
	for slot := 0; slot < NumSlots; slot++ {
		c.Slots().Assign(slot, c.Myself().ID)
	}
	if c.IsDown() {
		t.Fatal("a cluster with full slot coverage and no FAILed masters should not be DOWN")
	}
}

func TestClusterSlotsRangesGroupsContiguousOwnership(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.AddSlots([]int{0, 1, 2, 5}); err != nil {
		t.Fatal(err)
	}
	ranges := c.SlotsRanges()
	if len(ranges) != 2 {
		t.Fatalf("SlotsRanges() = %d ranges, want 2 (0-2 and 5)", len(ranges))
	}
	if ranges[0].Start != 0 || ranges[0].End != 2 {
		t.Fatalf("first range = %+v, want [0,2]", ranges[0])
	}
	if ranges[1].Start != 5 || ranges[1].End != 5 {
		t.Fatalf("second range = %+v, want [5,5]", ranges[1])
	}
}

func TestClusterResetHardRotatesIdentity(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	oldID := c.Myself().ID
	if err := c.AddSlots([]int{0}); err != nil {
		t.Fatal(err)
	}
	c.Reset(true)
	if c.Myself().ID == oldID {
		t.Fatal("a hard reset should assign a new node identity")
	}
	if c.Slots().Owner(0) != "" {
		t.Fatal("Reset should release all slots owned by the local node")
	}
}

func TestClusterGetKeysInSlotValidatesRange(t *testing.T) {
	c, err := New(newTestClusterConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.GetKeysInSlot(-1, 10, func(int, int) []string { return nil }); err != ErrSlotOutOfRange {
		t.Fatalf("GetKeysInSlot with a negative slot = %v, want ErrSlotOutOfRange", err)
	}
	keys, err := c.GetKeysInSlot(0, 10, func(slot, count int) []string { return []string{"a", "b"} })
	if err != nil {
		t.Fatalf("GetKeysInSlot: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("GetKeysInSlot returned %d keys, want 2", len(keys))
	}
}
