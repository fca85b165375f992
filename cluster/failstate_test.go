package cluster

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newDetectorFixture() (*Detector, *Registry, *SlotMap) {
	reg := NewRegistry()
	slots := NewSlotMap()
	mgr := NewManager(16, testLogEntry())
	d := NewDetector(reg, slots, mgr, 100*time.Millisecond, nil, testLogEntry())
	return d, reg, slots
}

func TestDetectorMarksPFailWhenUnlinked(t *testing.T) {
	d, reg, _ := newDetectorFixture()
	n := newTestNode("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err := reg.Add(n); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	d.evaluate(n, now)
	if !n.HasFlag(FlagPFail) {
		t.Fatal("a node with no active link should be marked PFAIL")
	}
}

func TestDetectorReachesFailQuorum(t *testing.T) {
	d, reg, slots := newDetectorFixture()

	self := newTestNode("1111111111111111111111111111111111111a")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}

	other1 := newTestNode("2222222222222222222222222222222222222b")
	other2 := newTestNode("3333333333333333333333333333333333333c")
	suspect := newTestNode("4444444444444444444444444444444444444d")
	for i, n := range []*Node{self, other1, other2, suspect} {
		if n != self {
			if err := reg.Add(n); err != nil {
				t.Fatal(err)
			}
		}
		slots.Assign(i, n.ID) // each must own a slot to count toward quorum
	}

	now := time.Now()
	// 两个其它主节点的报告 + 本地的 PFAIL 判断 = 3 个怀疑者，
	// quorum = floor(4/2)+1 = 3。
	suspect.AddFailureReport(other1.ID, now)
	suspect.AddFailureReport(other2.ID, now)

	var failed string
	d.onFail = func(id string) { failed = id }

	d.evaluate(suspect, now)
	if !suspect.HasFlag(FlagFail) {
		t.Fatal("suspect should have reached FAIL quorum")
	}
	if failed != suspect.ID {
		t.Fatal("onFail callback should fire with the newly FAILed node id")
	}
}

func TestDetectorHandleFailMessage(t *testing.T) {
	d, reg, _ := newDetectorFixture()
	n := newTestNode("5555555555555555555555555555555555555e")
	if err := reg.Add(n); err != nil {
		t.Fatal(err)
	}
	var failed string
	d.onFail = func(id string) { failed = id }

	d.HandleFailMessage(n.ID, time.Now())
	if !n.HasFlag(FlagFail) {
		t.Fatal("HandleFailMessage should mark FAIL immediately without quorum")
	}
	if failed != n.ID {
		t.Fatal("onFail should fire on broadcast-accepted FAIL")
	}

	// A second delivery must not re-trigger onFail.
	failed = ""
	d.HandleFailMessage(n.ID, time.Now())
	if failed != "" {
		t.Fatal("HandleFailMessage should be a no-op once a node is already FAILed")
	}
}

func TestDetectorClearFailOnPongMasterWithSlotsStaysFailed(t *testing.T) {
	d, reg, _ := newDetectorFixture()
	n := newTestNode("6666666666666666666666666666666666666f")
	if err := reg.Add(n); err != nil {
		t.Fatal(err)
	}
	n.MarkFail(time.Now())

	slots := NewSlotMap()
	slots.Assign(0, n.ID)

	d.ClearFailOnPong(n, slots, time.Now())
	if !n.HasFlag(FlagFail) {
		t.Fatal("a FAILed master that still owns slots must stay FAILed until forgotten or superseded")
	}
}

func TestDetectorClearFailOnPongReplicaRecovers(t *testing.T) {
	d, reg, _ := newDetectorFixture()
	n := NewNode("7777777777777777777777777777777777777a", Addr{IP: "127.0.0.1", ClientPort: 6381, BusPort: 16381}, FlagReplica)
	if err := reg.Add(n); err != nil {
		t.Fatal(err)
	}
	n.MarkFail(time.Now())

	d.ClearFailOnPong(n, NewSlotMap(), time.Now())
	if n.HasFlag(FlagFail) {
		t.Fatal("a FAILed replica should clear FAIL once reachable again")
	}
}
