package cluster

import "testing"

func TestHashSlotRange(t *testing.T) {
	keys := []string{"foo", "bar:baz", "user:1000", ""}
	for _, k := range keys {
		slot := HashSlot(k)
		if slot < 0 || slot >= NumSlots {
			t.Fatalf("HashSlot(%q) = %d, want [0, %d)", k, slot, NumSlots)
		}
	}
}

func TestHashSlotDeterministic(t *testing.T) {
	if HashSlot("user:1000") != HashSlot("user:1000") {
		t.Fatal("HashSlot must be deterministic for the same key")
	}
}

func TestHashSlotHashTag(t *testing.T) {
	// 同一个 hash tag 下的不同 key 必须落到同一个槽，这是多键命令能够
	// 跨 key 原子执行的前提。
	a := HashSlot("{user:1000}.following")
	b := HashSlot("{user:1000}.followers")
	if a != b {
		t.Fatalf("keys sharing a hash tag got different slots: %d != %d", a, b)
	}
	if a != HashSlot("user:1000") {
		t.Fatalf("hash tag slot should equal hashing the tag alone")
	}
}

func TestHashSlotHashTagEdgeCases(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"no brace", "plainkey"},
		{"unterminated brace", "foo{bar"},
		{"empty braces", "foo{}bar"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// 这些形状都应当退化为对整个 key 求哈希，不应该 panic 或越界。
			slot := HashSlot(c.key)
			if slot < 0 || slot >= NumSlots {
				t.Fatalf("HashSlot(%q) out of range: %d", c.key, slot)
			}
		})
	}
}

func TestHashSlotFirstTagOnly(t *testing.T) {
	// 多个 {…} 只使用第一对。
	withSecondTag := "{a}rest{b}"
	if HashSlot(withSecondTag) != HashSlot("a") {
		t.Fatal("HashSlot should only honor the first hash tag")
	}
}

func TestSlotBitmapRoundTrip(t *testing.T) {
	b := NewSlotBitmap()
	b.Set(0)
	b.Set(16383)
	b.Set(8192)
	if !b.Has(0) || !b.Has(16383) || !b.Has(8192) {
		t.Fatal("expected set bits to read back as set")
	}
	if b.Has(1) {
		t.Fatal("expected unset bit to read back as unset")
	}
	if b.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", b.Count())
	}

	b.Clear(8192)
	if b.Has(8192) || b.Count() != 2 {
		t.Fatal("Clear did not take effect")
	}

	raw := append([]byte(nil), b.Bytes()...)
	other := NewSlotBitmap()
	other.SetBytes(raw)
	if other.Count() != 2 || !other.Has(0) || !other.Has(16383) {
		t.Fatal("SetBytes did not reproduce the source bitmap")
	}
}

func TestSlotMapAssignAndUnassign(t *testing.T) {
	m := NewSlotMap()
	if m.Owner(100) != "" {
		t.Fatal("fresh SlotMap should have no owners")
	}
	m.Assign(100, "node-a")
	if m.Owner(100) != "node-a" {
		t.Fatal("Assign did not take effect")
	}
	m.Unassign(100)
	if m.Owner(100) != "" {
		t.Fatal("Unassign did not clear the owner")
	}
}

func TestSlotMapUnassignAllOwnedBy(t *testing.T) {
	m := NewSlotMap()
	m.Assign(1, "node-a")
	m.Assign(2, "node-a")
	m.Assign(3, "node-b")
	m.SetMigrating(1, "node-b")

	cleared := m.UnassignAllOwnedBy("node-a")
	if len(cleared) != 2 {
		t.Fatalf("expected 2 cleared slots, got %d", len(cleared))
	}
	if m.Owner(1) != "" || m.Owner(2) != "" {
		t.Fatal("node-a's slots should be unassigned")
	}
	if m.Owner(3) != "node-b" {
		t.Fatal("node-b's slot should be untouched")
	}
	if m.MigratingTo(1) != "" {
		t.Fatal("migration state referencing the removed node should be cleared")
	}
}

func TestSlotMapFullyCovered(t *testing.T) {
	m := NewSlotMap()
	if m.FullyCovered() {
		t.Fatal("empty SlotMap must not report full coverage")
	}
	for slot := 0; slot < NumSlots; slot++ {
		m.Assign(slot, "node-a")
	}
	if !m.FullyCovered() {
		t.Fatal("SlotMap with every slot assigned must report full coverage")
	}
}

func TestSlotMapMigrationLifecycle(t *testing.T) {
	m := NewSlotMap()
	m.Assign(5, "node-a")
	m.SetMigrating(5, "node-b")
	if m.MigratingTo(5) != "node-b" {
		t.Fatal("SetMigrating did not record the target")
	}
	m.SetImporting(6, "node-a")
	if m.ImportingFrom(6) != "node-a" {
		t.Fatal("SetImporting did not record the source")
	}
	m.ClearMigrationState(5)
	if m.MigratingTo(5) != "" {
		t.Fatal("ClearMigrationState did not clear the migrating-to target")
	}
}

func TestSlotMapMergeClaim(t *testing.T) {
	m := NewSlotMap()
	epochs := map[string]int64{"node-a": 1, "node-b": 2}
	epochOf := func(id string) int64 { return epochs[id] }

	if !m.MergeClaim(10, "node-a", 1, epochOf) {
		t.Fatal("claiming an unassigned slot must succeed")
	}
	if m.Owner(10) != "node-a" {
		t.Fatal("unassigned slot should now belong to the claimant")
	}

	// node-b claims with a higher epoch than node-a's recorded epoch: wins.
	if !m.MergeClaim(10, "node-b", 5, epochOf) {
		t.Fatal("a claim with a strictly higher epoch than the current owner must win")
	}
	if m.Owner(10) != "node-b" {
		t.Fatal("ownership should have transferred to node-b")
	}

	// node-a reclaims with an epoch that is not higher than node-b's: loses.
	if m.MergeClaim(10, "node-a", 2, epochOf) {
		t.Fatal("a claim with a non-higher epoch than the current owner must not win")
	}
	if m.Owner(10) != "node-b" {
		t.Fatal("ownership should remain with node-b after a losing claim")
	}
}

func TestSlotMapBitmapSnapshot(t *testing.T) {
	m := NewSlotMap()
	m.Assign(3, "node-a")
	m.Assign(9, "node-a")
	m.Assign(9999, "node-b")

	snap := m.Bitmap("node-a")
	if snap.Count() != 2 || !snap.Has(3) || !snap.Has(9) {
		t.Fatal("Bitmap snapshot does not match node-a's owned slots")
	}

	// Mutating the snapshot must not affect the SlotMap.
	snap.Set(9999)
	if m.Owner(9999) != "node-b" {
		t.Fatal("Bitmap snapshot mutation leaked back into SlotMap state")
	}
}
