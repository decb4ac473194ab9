package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestScheduler() *Scheduler {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAddJob(t *testing.T) {
	s := newTestScheduler()

	if err := s.AddJob("sweep", "@every 1m", func() {}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddJob("sweep", "@every 5m", func() {}); err == nil {
		t.Fatal("duplicate job name must be rejected")
	}
	if err := s.AddJob("bad", "not a schedule", func() {}); err != nil {
		if s.JobCount() != 1 {
			t.Errorf("job count = %d, want 1", s.JobCount())
		}
	} else {
		t.Fatal("invalid schedule must be rejected")
	}
}

func TestRemoveJob(t *testing.T) {
	s := newTestScheduler()
	s.AddJob("sweep", "@every 1m", func() {})
	s.RemoveJob("sweep")
	if s.JobCount() != 0 {
		t.Errorf("job count = %d after remove", s.JobCount())
	}
	// Removing an unknown name is a no-op.
	s.RemoveJob("sweep")

	// The name is free again.
	if err := s.AddJob("sweep", "@every 1m", func() {}); err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
}

func TestStart_RunsJobsUntilCancelled(t *testing.T) {
	s := newTestScheduler()
	var fired atomic.Int32
	if err := s.AddJob("tick", "@every 100ms", func() { fired.Add(1) }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := s.Start(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Start returned %v", err)
	}
	if fired.Load() == 0 {
		t.Fatal("job never fired")
	}
}
