package cluster

import (
	"testing"
	"time"
)

func newManualFailoverFixture() (*ManualFailover, *Registry, *Manager) {
	reg := NewRegistry()
	slots := NewSlotMap()
	mgr := NewManager(16, testLogEntry())
	epochs := NewEpochCounter(1)
	coord := NewCoordinator(reg, slots, mgr, epochs, 15*time.Second, testLogEntry())
	mf := NewManualFailover(coord, reg, testLogEntry())
	return mf, reg, mgr
}

func TestManualFailoverStartRequiresReplica(t *testing.T) {
	mf, reg, mgr := newManualFailoverFixture()
	self := newTestNode("1111111111111111111111111111111111111a")
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	if err := mf.Start("some-master", mgr, false, time.Now()); err != ErrNotReplica {
		t.Fatalf("Start from a master node = %v, want ErrNotReplica", err)
	}
}

func TestManualFailoverForceSkipsOffsetWait(t *testing.T) {
	mf, reg, mgr := newManualFailoverFixture()
	self := NewNode("2222222222222222222222222222222222222b", Addr{}, FlagReplica)
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	master := newTestNode("3333333333333333333333333333333333333c")
	master.MarkFail(time.Now()) // irrelevant to FORCE, but keeps the fixture realistic
	if err := reg.Add(master); err != nil {
		t.Fatal(err)
	}

	if err := mf.Start(master.ID, mgr, true, time.Now()); err != nil {
		t.Fatalf("Start with force=true: %v", err)
	}
	if mf.phase != mfReady {
		t.Fatal("a forced manual failover should move straight to the ready phase")
	}
}

func TestManualFailoverStartWithoutLinkFails(t *testing.T) {
	mf, reg, mgr := newManualFailoverFixture()
	self := NewNode("4444444444444444444444444444444444444d", Addr{}, FlagReplica)
	reg.SetMyID(self.ID)
	if err := reg.Add(self); err != nil {
		t.Fatal(err)
	}
	if err := mf.Start("no-such-master", mgr, false, time.Now()); err != ErrNodeNotFound {
		t.Fatalf("Start without an established link to the master = %v, want ErrNodeNotFound", err)
	}
}

func TestManualFailoverOffsetHandshakeLifecycle(t *testing.T) {
	mf, _, _ := newManualFailoverFixture()
	mf.mu.Lock()
	mf.phase = mfRequested
	mf.masterID = "master-1"
	mf.mu.Unlock()

	mf.HandleOffsetReply(1000)
	if mf.phase != mfWaitingOffset || mf.targetOffset != 1000 {
		t.Fatal("HandleOffsetReply should record the target offset and advance the phase")
	}

	mf.CheckOffsetCaughtUp(500, time.Now())
	if mf.phase != mfWaitingOffset {
		t.Fatal("CheckOffsetCaughtUp should not advance before the local offset catches up")
	}

	mf.CheckOffsetCaughtUp(1000, time.Now())
	if mf.phase != mfReady {
		t.Fatal("CheckOffsetCaughtUp should advance to ready once the offset target is met")
	}
}

func TestManualFailoverPauseExpiry(t *testing.T) {
	mf, _, _ := newManualFailoverFixture()
	now := time.Now()
	mf.mu.Lock()
	mf.paused = true
	mf.pauseExpiry = now.Add(10 * time.Millisecond)
	mf.mu.Unlock()

	if !mf.IsPaused(now) {
		t.Fatal("IsPaused should report true before the pause expires")
	}
	if mf.IsPaused(now.Add(time.Second)) {
		t.Fatal("IsPaused should report false and self-clear once the pause window has elapsed")
	}
}

func TestManualFailoverResetClearsState(t *testing.T) {
	mf, _, _ := newManualFailoverFixture()
	mf.mu.Lock()
	mf.phase = mfWaitingOffset
	mf.masterID = "master-1"
	mf.targetOffset = 42
	mf.mu.Unlock()

	mf.Reset()
	if mf.phase != mfIdle || mf.masterID != "" || mf.targetOffset != 0 {
		t.Fatal("Reset should clear the in-progress handshake state")
	}
}
