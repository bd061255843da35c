package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsJobOnInterval(t *testing.T) {
	s := New(nil)
	var count int32
	if err := s.Add(Job{
		Name: "tick",
		Expr: "@every 1s",
		Run:  func() { atomic.AddInt32(&count, 1) },
	}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	s.Start()
	defer s.Stop()

	// cron's @every has one-second resolution, so three runs need ~3s.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&count) >= 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected job to run at least 3 times, ran %d", atomic.LoadInt32(&count))
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := New(nil)
	err := s.Add(Job{Name: "bad", Expr: "not a schedule", Run: func() {}})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
