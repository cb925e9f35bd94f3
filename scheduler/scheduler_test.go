package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestGocronTimerWaitsThenRepeatsUntilCancelled(t *testing.T) {
	timer := NewGocronTimer()
	defer timer.Stop()

	var runs atomic.Int32
	cancel, err := timer.Schedule(100*time.Millisecond, func() { runs.Add(1) })
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if n := runs.Load(); n != 0 {
		t.Errorf("runs before first interval = %d, want 0", n)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("runs = %d after 3s, want at least 2", runs.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	after := runs.Load()
	time.Sleep(400 * time.Millisecond)
	if n := runs.Load(); n != after {
		t.Errorf("runs after cancel = %d, want %d", n, after)
	}
}

func TestGocronTimerCancelLeavesOtherJobs(t *testing.T) {
	timer := NewGocronTimer()
	defer timer.Stop()

	var first, second atomic.Int32
	cancelFirst, err := timer.Schedule(100*time.Millisecond, func() { first.Add(1) })
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if _, err := timer.Schedule(100*time.Millisecond, func() { second.Add(1) }); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	cancelFirst()

	deadline := time.Now().Add(3 * time.Second)
	for second.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("remaining job never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := first.Load(); n != 0 {
		t.Errorf("cancelled job runs = %d, want 0", n)
	}
}
