package jobstore

import (
	"testing"
	"time"
)

func TestDequeuePrefersHigherPriority(t *testing.T) {
	m := NewMemory()
	_ = m.Enqueue(&Job{Name: "email", State: StateWaiting, Priority: 1, RunAt: time.Now()})
	_ = m.Enqueue(&Job{Name: "email", State: StateWaiting, Priority: 5, RunAt: time.Now()})

	job, ok := m.Dequeue()
	if !ok {
		t.Fatal("expected a dequeued job")
	}
	if job.Priority != 5 {
		t.Fatalf("expected highest priority job dispatched first, got priority=%d", job.Priority)
	}
	if job.State != StateActive {
		t.Fatalf("expected dequeued job to become active, got %s", job.State)
	}
}

func TestDequeueBreaksTiesByEarliestRunAt(t *testing.T) {
	m := NewMemory()
	later := time.Now().Add(time.Hour)
	earlier := time.Now()
	_ = m.Enqueue(&Job{Name: "a", State: StateWaiting, Priority: 3, RunAt: later})
	_ = m.Enqueue(&Job{Name: "b", State: StateWaiting, Priority: 3, RunAt: earlier})

	job, ok := m.Dequeue()
	if !ok {
		t.Fatal("expected a dequeued job")
	}
	if job.Name != "b" {
		t.Fatalf("expected earliest runAt job dispatched on tie, got %s", job.Name)
	}
}

func TestDelayedJobNotDispatchedBeforeRunAt(t *testing.T) {
	m := NewMemory()
	_ = m.Enqueue(&Job{Name: "future", State: StateDelayed, RunAt: time.Now().Add(time.Hour)})

	if _, ok := m.Dequeue(); ok {
		t.Fatal("expected no eligible job before runAt")
	}
}

func TestDelayedJobDispatchedOnceRunAtElapses(t *testing.T) {
	m := NewMemory()
	_ = m.Enqueue(&Job{Name: "ready", State: StateDelayed, RunAt: time.Now().Add(-time.Second)})

	job, ok := m.Dequeue()
	if !ok || job.Name != "ready" {
		t.Fatal("expected delayed job whose runAt has passed to be eligible")
	}
}

func TestStatsCountsByState(t *testing.T) {
	m := NewMemory()
	_ = m.Enqueue(&Job{Name: "a", State: StateWaiting})
	_ = m.Enqueue(&Job{Name: "b", State: StateCompleted})
	_ = m.Enqueue(&Job{Name: "c", State: StateFailed})

	stats := m.Stats()
	if stats.Waiting != 1 || stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCleanRemovesOldTerminalJobs(t *testing.T) {
	m := NewMemory()
	job := &Job{Name: "old", State: StateCompleted}
	_ = m.Enqueue(job)
	job.UpdatedAt = time.Now().Add(-time.Hour)

	removed := m.Clean(StateCompleted, time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 job cleaned, got %d", removed)
	}
	if _, ok := m.Get(job.ID); ok {
		t.Fatal("expected cleaned job to be gone")
	}
}
