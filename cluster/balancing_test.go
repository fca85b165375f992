package cluster

import "testing"

func TestComputeBalanceReportEmptyRegistry(t *testing.T) {
	report := ComputeBalanceReport(NewSlotMap(), NewRegistry())
	if report.MasterCount != 0 || len(report.Nodes) != 0 {
		t.Fatal("an empty registry should produce an empty balance report")
	}
}

func TestComputeBalanceReportEvenSplit(t *testing.T) {
	reg := NewRegistry()
	slots := NewSlotMap()
	a := newTestNode("1111111111111111111111111111111111111a")
	b := newTestNode("2222222222222222222222222222222222222b")
	if err := reg.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(b); err != nil {
		t.Fatal(err)
	}
	half := NumSlots / 2
	for slot := 0; slot < half; slot++ {
		slots.Assign(slot, a.ID)
	}
	for slot := half; slot < NumSlots; slot++ {
		slots.Assign(slot, b.ID)
	}

	report := ComputeBalanceReport(slots, reg)
	if report.MasterCount != 2 {
		t.Fatalf("MasterCount = %d, want 2", report.MasterCount)
	}
	for _, n := range report.Nodes {
		if n.Deviation != 0 {
			t.Fatalf("node %s deviation = %d, want 0 for an exactly even split", n.NodeID, n.Deviation)
		}
	}
}

func TestComputeBalanceReportSortsByDeviationDescending(t *testing.T) {
	reg := NewRegistry()
	slots := NewSlotMap()
	a := newTestNode("3333333333333333333333333333333333333c")
	b := newTestNode("4444444444444444444444444444444444444d")
	if err := reg.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(b); err != nil {
		t.Fatal(err)
	}
	// a owns nearly everything, b owns almost nothing: a's |deviation| is larger.
	for slot := 0; slot < NumSlots-10; slot++ {
		slots.Assign(slot, a.ID)
	}
	for slot := NumSlots - 10; slot < NumSlots; slot++ {
		slots.Assign(slot, b.ID)
	}

	report := ComputeBalanceReport(slots, reg)
	if len(report.Nodes) != 2 {
		t.Fatalf("expected 2 node entries, got %d", len(report.Nodes))
	}
	if report.Nodes[0].NodeID != a.ID {
		t.Fatal("the node with the larger absolute deviation should be listed first")
	}
}
