package cluster

import "testing"

func fullyCoveredSlots(owner string) *SlotMap {
	m := NewSlotMap()
	for slot := 0; slot < NumSlots; slot++ {
		m.Assign(slot, owner)
	}
	return m
}

func TestRedirectNoKeysAlwaysExecutes(t *testing.T) {
	d := Redirect(NewSlotMap(), NewRegistry(), nil, false, false, false, nil)
	if d.Action != ActionExecute {
		t.Fatalf("Action = %v, want ActionExecute for a key-less command", d.Action)
	}
}

func TestRedirectCrossSlotRejected(t *testing.T) {
	reg := NewRegistry()
	self := newTestNode40("self")
	slots := fullyCoveredSlots(self.ID)
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	// Pick two keys virtually guaranteed to land on different slots.
	keys := []string{"a", "b"}
	if HashSlot(keys[0]) == HashSlot(keys[1]) {
		keys[1] = "c"
	}
	d := Redirect(slots, reg, keys, false, false, false, nil)
	if d.Action != ActionReject || d.Err != ErrCrossSlot {
		t.Fatalf("expected CROSSSLOT rejection, got %+v", d)
	}
}

func TestRedirectLocalOwnerExecutes(t *testing.T) {
	reg := NewRegistry()
	self := newTestNode40("self")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	slots := fullyCoveredSlots(self.ID)
	d := Redirect(slots, reg, []string{"foo"}, false, false, false, nil)
	if d.Action != ActionExecute {
		t.Fatalf("Action = %v, want ActionExecute when the local node owns the slot", d.Action)
	}
}

func TestRedirectRemoteOwnerMoved(t *testing.T) {
	reg := NewRegistry()
	self := newTestNode40("self")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	other := newTestNode("9999999999999999999999999999999999999a")
	other.Addr = Addr{IP: "10.0.0.9", ClientPort: 7000}
	if err := reg.Add(other); err != nil {
		t.Fatal(err)
	}
	slots := fullyCoveredSlots(other.ID)
	d := Redirect(slots, reg, []string{"foo"}, false, false, false, nil)
	if d.Action != ActionMoved {
		t.Fatalf("Action = %v, want ActionMoved", d.Action)
	}
	if d.Addr != "10.0.0.9:7000" {
		t.Fatalf("Addr = %q, want the remote owner's client address", d.Addr)
	}
	if got := d.ErrorReply(); got == "" {
		t.Fatal("ErrorReply should render a MOVED line")
	}
}

func TestRedirectMigratingKeyGoneAsksTarget(t *testing.T) {
	reg := NewRegistry()
	self := newTestNode40("self")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	target := newTestNode("8888888888888888888888888888888888888b")
	target.Addr = Addr{IP: "10.0.0.8", ClientPort: 7001}
	if err := reg.Add(target); err != nil {
		t.Fatal(err)
	}
	slots := fullyCoveredSlots(self.ID)
	slot := HashSlot("foo")
	slots.SetMigrating(slot, target.ID)

	d := Redirect(slots, reg, []string{"foo"}, false, false, false, func(string) bool { return false })
	if d.Action != ActionAsk {
		t.Fatalf("Action = %v, want ActionAsk when the key no longer exists locally during migration", d.Action)
	}
	if d.Addr != "10.0.0.8:7001" {
		t.Fatalf("Addr = %q, want the migration target's address", d.Addr)
	}
}

func TestRedirectMigratingKeyStillLocalExecutes(t *testing.T) {
	reg := NewRegistry()
	self := newTestNode40("self")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	target := newTestNode("7777777777777777777777777777777777777c")
	if err := reg.Add(target); err != nil {
		t.Fatal(err)
	}
	slots := fullyCoveredSlots(self.ID)
	slot := HashSlot("foo")
	slots.SetMigrating(slot, target.ID)

	d := Redirect(slots, reg, []string{"foo"}, false, false, false, func(string) bool { return true })
	if d.Action != ActionExecute {
		t.Fatalf("Action = %v, want ActionExecute when the key still exists locally", d.Action)
	}
}

func TestRedirectAskingImportedSlotExecutes(t *testing.T) {
	reg := NewRegistry()
	self := newTestNode40("self")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	owner := newTestNode("6666666666666666666666666666666666666d")
	if err := reg.Add(owner); err != nil {
		t.Fatal(err)
	}
	slots := fullyCoveredSlots(owner.ID)
	slot := HashSlot("foo")
	slots.SetImporting(slot, owner.ID)

	d := Redirect(slots, reg, []string{"foo"}, true, false, false, nil)
	if d.Action != ActionExecute {
		t.Fatalf("Action = %v, want ActionExecute for an ASKING connection hitting an importing slot", d.Action)
	}
}

func TestRedirectUnassignedSlotClusterDown(t *testing.T) {
	reg := NewRegistry()
	self := newTestNode40("self")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	// Leave one slot unassigned and cover the rest: the single uncovered slot
	// already makes the cluster DOWN, so the key is rejected with CLUSTERDOWN.
	slots := fullyCoveredSlots(self.ID)
	slot := HashSlot("foo")
	slots.Unassign(slot)

	d := Redirect(slots, reg, []string{"foo"}, false, false, false, nil)
	if d.Action != ActionReject || d.Err != ErrClusterDown {
		t.Fatalf("got %+v, want a CLUSTERDOWN rejection for an unassigned slot", d)
	}
	if got := d.ErrorReply(); len(got) < 11 || got[:11] != "CLUSTERDOWN" {
		t.Fatalf("ErrorReply = %q, want a CLUSTERDOWN line", got)
	}
}

func TestRedirectClusterDownRejectsWrites(t *testing.T) {
	reg := NewRegistry()
	reg.SetMyID("self")
	if err := reg.Add(newTestNode40("self")); err != nil {
		t.Fatal(err)
	}
	slots := NewSlotMap() // nothing assigned: cluster is DOWN
	d := Redirect(slots, reg, []string{"foo"}, false, false, false, nil)
	if d.Action != ActionReject || d.Err != ErrClusterDown {
		t.Fatalf("expected CLUSTERDOWN rejection, got %+v", d)
	}
}

func TestRedirectClusterDownAllowsReadsWhenConfigured(t *testing.T) {
	reg := NewRegistry()
	self := newTestNode40("self")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	// The key's slot is served locally; the cluster is DOWN because another
	// master that still owns a slot is FAIL.
	failed := newTestNode("5555555555555555555555555555555555555e")
	failed.SetFlag(FlagFail)
	if err := reg.Add(failed); err != nil {
		t.Fatal(err)
	}
	slots := fullyCoveredSlots(self.ID)
	slots.Assign((HashSlot("foo")+1)%NumSlots, failed.ID)
	d := Redirect(slots, reg, []string{"foo"}, false, true, true, nil)
	if d.Action == ActionReject && d.Err == ErrClusterDown {
		t.Fatal("a read-only command should not be rejected with CLUSTERDOWN when reads-when-down is allowed")
	}
}

func newTestNode40(id string) *Node {
	padded := id
	for len(padded) < idLength {
		padded += "0"
	}
	return NewNode(padded, Addr{IP: "127.0.0.1", ClientPort: 6379, BusPort: 16379}, FlagMaster)
}
