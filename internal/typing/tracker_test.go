package typing

import (
	"sync"
	"testing"
	"time"
)

type expiryRecorder struct {
	mu    sync.Mutex
	pairs [][2]int64
}

func (r *expiryRecorder) record(sender, receiver int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, [2]int64{sender, receiver})
}

func (r *expiryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

func TestTracker_ExpiresOnceAfterInactivity(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTracker(50*time.Millisecond, rec.record)
	defer tracker.Close()

	if tracker.Start(1, 2) {
		t.Error("First Start should report not already typing")
	}
	if !tracker.IsTyping(1, 2) {
		t.Error("Pair should be typing")
	}

	time.Sleep(200 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("Expected exactly one expiry, got %d", rec.count())
	}
	if rec.pairs[0] != [2]int64{1, 2} {
		t.Errorf("Unexpected expired pair %v", rec.pairs[0])
	}
	if tracker.IsTyping(1, 2) {
		t.Error("Pair should no longer be typing")
	}
}

func TestTracker_RestartResetsTimer(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTracker(100*time.Millisecond, rec.record)
	defer tracker.Close()

	tracker.Start(1, 2)
	time.Sleep(60 * time.Millisecond)
	if !tracker.Start(1, 2) {
		t.Error("Second Start should report already typing")
	}
	time.Sleep(60 * time.Millisecond)

	// 120ms after the first Start but only 60ms after the second
	if rec.count() != 0 {
		t.Fatalf("Timer should have been reset, got %d expiries", rec.count())
	}

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("Expected exactly one expiry after reset, got %d", rec.count())
	}
	if tracker.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", tracker.Pending())
	}
}

func TestTracker_StopCancelsTimer(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTracker(30*time.Millisecond, rec.record)
	defer tracker.Close()

	tracker.Start(1, 2)
	if !tracker.Stop(1, 2) {
		t.Error("Stop should report the pair was typing")
	}
	if tracker.Stop(1, 2) {
		t.Error("Second Stop should report not typing")
	}

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("Stopped pair must not expire, got %d", rec.count())
	}
}

func TestTracker_CancelSender(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTracker(time.Minute, rec.record)
	defer tracker.Close()

	tracker.Start(1, 2)
	tracker.Start(1, 3)
	tracker.Start(4, 1)

	receivers := tracker.CancelSender(1)
	if len(receivers) != 2 {
		t.Fatalf("Expected 2 receivers, got %v", receivers)
	}
	got := map[int64]bool{receivers[0]: true, receivers[1]: true}
	if !got[2] || !got[3] {
		t.Errorf("Expected receivers 2 and 3, got %v", receivers)
	}
	if !tracker.IsTyping(4, 1) {
		t.Error("Other senders must be untouched")
	}
	if tracker.Pending() != 1 {
		t.Errorf("Expected 1 pending timer, got %d", tracker.Pending())
	}
}

func TestTracker_PairsAreIndependent(t *testing.T) {
	tracker := NewTracker(time.Minute, nil)
	defer tracker.Close()

	tracker.Start(1, 2)
	if tracker.IsTyping(2, 1) {
		t.Error("Typing is directional")
	}
	if tracker.IsTyping(1, 3) {
		t.Error("Typing is per receiver")
	}
}

func TestTracker_CloseStopsEverything(t *testing.T) {
	rec := &expiryRecorder{}
	tracker := NewTracker(20*time.Millisecond, rec.record)

	tracker.Start(1, 2)
	tracker.Start(3, 4)
	tracker.Close()
	tracker.Start(5, 6)

	time.Sleep(80 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("Closed tracker must not fire, got %d", rec.count())
	}
	if tracker.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", tracker.Pending())
	}
}

func TestNewTracker_DefaultTimeout(t *testing.T) {
	tracker := NewTracker(0, nil)
	if tracker.timeout != DefaultTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultTimeout, tracker.timeout)
	}
}
