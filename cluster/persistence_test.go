package cluster

import (
	"path/filepath"
	"testing"
)

func TestTopologyStoreLoadMissingFileReturnsEmptyResult(t *testing.T) {
	store := NewTopologyStore(filepath.Join(t.TempDir(), "nodes.conf"))
	result, err := store.Load()
	if err != nil {
		t.Fatalf("Load on a missing file: %v", err)
	}
	if len(result.Nodes) != 0 || result.LocalNodeID != "" {
		t.Fatal("Load on a missing file should return an empty, non-error result")
	}
}

func TestTopologyStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.conf")
	store := NewTopologyStore(path)

	reg := NewRegistry()
	self := newTestNode("1111111111111111111111111111111111111a")
	self.SetFlag(FlagMyself)
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	replica := NewNode("2222222222222222222222222222222222222b", Addr{IP: "10.0.0.2", ClientPort: 6380, BusPort: 16380}, FlagReplica)
	replica.MasterID = self.ID
	if err := reg.Add(replica); err != nil {
		t.Fatal(err)
	}

	slots := NewSlotMap()
	for _, s := range []int{0, 1, 2, 5, 100} {
		slots.Assign(s, self.ID)
	}

	if err := store.Save(reg, slots, 7, 3); err != nil {
		t.Fatalf("Save: %v", err)
	}

	result, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result.CurrentEpoch != 7 || result.LastVoteEpoch != 3 {
		t.Fatalf("Load epochs = (%d, %d), want (7, 3)", result.CurrentEpoch, result.LastVoteEpoch)
	}
	if result.LocalNodeID != self.ID {
		t.Fatalf("LocalNodeID = %q, want %q", result.LocalNodeID, self.ID)
	}
	if len(result.Nodes) != 2 {
		t.Fatalf("Load returned %d nodes, want 2", len(result.Nodes))
	}

	var loadedSelf, loadedReplica *Node
	for _, n := range result.Nodes {
		switch n.ID {
		case self.ID:
			loadedSelf = n
		case replica.ID:
			loadedReplica = n
		}
	}
	if loadedSelf == nil || loadedReplica == nil {
		t.Fatal("Load should round-trip both nodes by id")
	}
	if !loadedSelf.IsMaster() {
		t.Fatal("the master node should round-trip with its master flag")
	}
	for _, s := range []int{0, 1, 2, 5, 100} {
		if !loadedSelf.Slots.Has(s) {
			t.Fatalf("slot %d should round-trip as owned by %s", s, self.ID)
		}
	}
	if !loadedReplica.IsReplica() || loadedReplica.MasterID != self.ID {
		t.Fatal("the replica node should round-trip its role and master id")
	}
}

func TestFormatSlotRangesCompressesContiguousRuns(t *testing.T) {
	got := formatSlotRanges([]int{0, 1, 2, 5, 7, 8, 9})
	want := "0-2 5 7-9"
	if got != want {
		t.Fatalf("formatSlotRanges = %q, want %q", got, want)
	}
}

func TestFormatSlotRangesEmpty(t *testing.T) {
	if got := formatSlotRanges(nil); got != "" {
		t.Fatalf("formatSlotRanges(nil) = %q, want empty string", got)
	}
}

func TestParseSlotTokenSingleAndRange(t *testing.T) {
	lo, hi, err := parseSlotToken("42")
	if err != nil || lo != 42 || hi != 42 {
		t.Fatalf("parseSlotToken(42) = (%d, %d, %v), want (42, 42, nil)", lo, hi, err)
	}
	lo, hi, err = parseSlotToken("10-20")
	if err != nil || lo != 10 || hi != 20 {
		t.Fatalf("parseSlotToken(10-20) = (%d, %d, %v), want (10, 20, nil)", lo, hi, err)
	}
}

func TestParseNodeAddrRejectsMalformed(t *testing.T) {
	if _, _, _, err := parseNodeAddr("missing-bus-port"); err == nil {
		t.Fatal("parseNodeAddr should reject an address without @busport")
	}
	if _, _, _, err := parseNodeAddr("noport@16379"); err == nil {
		t.Fatal("parseNodeAddr should reject an address without :clientport")
	}
	ip, clientPort, busPort, err := parseNodeAddr("10.0.0.1:6379@16379")
	if err != nil || ip != "10.0.0.1" || clientPort != 6379 || busPort != 16379 {
		t.Fatalf("parseNodeAddr well-formed = (%q, %d, %d, %v)", ip, clientPort, busPort, err)
	}
}

func TestParseFlagsCSVRecognizesMyself(t *testing.T) {
	flags, isMyself := parseFlagsCSV("myself,master")
	if !isMyself {
		t.Fatal("parseFlagsCSV should detect the myself token")
	}
	if flags&FlagMaster == 0 {
		t.Fatal("parseFlagsCSV should set FlagMaster")
	}
}

func TestTopologyStoreLockPreventsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.conf")
	first := NewTopologyStore(path)
	if err := first.Lock(); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	defer first.Unlock()

	second := NewTopologyStore(path)
	if err := second.Lock(); err != ErrTopologyFileLocked {
		t.Fatalf("second Lock = %v, want ErrTopologyFileLocked", err)
	}
}
