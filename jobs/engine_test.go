package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distcore/enginekit/jobstore"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestHighestPriorityDispatchedFirst(t *testing.T) {
	store := jobstore.NewMemory()
	engine := New(store, DefaultConfig())
	defer engine.Shutdown()

	var mu sync.Mutex
	var firstData any
	var received int

	engine.Register("email", func(ctx context.Context, job *jobstore.Job) (any, error) {
		mu.Lock()
		if received == 0 {
			firstData = job.Data
		}
		received++
		mu.Unlock()
		return nil, nil
	})

	_, _ = engine.Add("email", map[string]string{"to": "a"}, AddOptions{Priority: 1})
	_, _ = engine.Add("email", map[string]string{"to": "b"}, AddOptions{Priority: 5})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received >= 1
	})

	mu.Lock()
	defer mu.Unlock()
	got := firstData.(map[string]string)
	if got["to"] != "b" {
		t.Fatalf("expected higher-priority job dispatched first, got %v", got)
	}
}

func TestHandlerMissingFailsWithoutRetry(t *testing.T) {
	store := jobstore.NewMemory()
	engine := New(store, DefaultConfig())
	defer engine.Shutdown()

	job, _ := engine.Add("unregistered", nil, AddOptions{})

	waitFor(t, time.Second, func() bool {
		j, _ := store.Get(job.ID)
		return j.State == jobstore.StateFailed
	})

	j, _ := store.Get(job.ID)
	if j.AttemptsMade != 0 {
		t.Fatalf("expected no attempts recorded for missing-handler failure, got %d", j.AttemptsMade)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	store := jobstore.NewMemory()
	cfg := DefaultConfig()
	cfg.Retry = RetryConfig{Attempts: 3, Backoff: BackoffExponential, Delay: 5 * time.Millisecond, MaxDelay: time.Second}
	engine := New(store, cfg)
	defer engine.Shutdown()

	var calls int32
	engine.Register("flaky", func(ctx context.Context, job *jobstore.Job) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	})

	job, _ := engine.Add("flaky", nil, AddOptions{})

	waitFor(t, 2*time.Second, func() bool {
		j, _ := store.Get(job.ID)
		return j.State == jobstore.StateCompleted
	})

	j, _ := store.Get(job.ID)
	if j.AttemptsMade != 3 {
		t.Fatalf("expected 3 attempts, got %d", j.AttemptsMade)
	}
}

func TestExhaustedRetriesEndInFailed(t *testing.T) {
	store := jobstore.NewMemory()
	cfg := DefaultConfig()
	cfg.Retry = RetryConfig{Attempts: 2, Backoff: BackoffFixed, Delay: time.Millisecond, MaxDelay: time.Millisecond}
	engine := New(store, cfg)
	defer engine.Shutdown()

	engine.Register("always-fails", func(ctx context.Context, job *jobstore.Job) (any, error) {
		return nil, errors.New("nope")
	})

	job, _ := engine.Add("always-fails", nil, AddOptions{})

	waitFor(t, time.Second, func() bool {
		j, _ := store.Get(job.ID)
		return j.State == jobstore.StateFailed
	})
}

func TestRetryDelayExponential(t *testing.T) {
	cfg := RetryConfig{Delay: 10 * time.Millisecond, MaxDelay: time.Second, Backoff: BackoffExponential}
	if d := retryDelay(cfg, 1); d != 10*time.Millisecond {
		t.Fatalf("expected 10ms, got %v", d)
	}
	if d := retryDelay(cfg, 2); d != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %v", d)
	}
	if d := retryDelay(cfg, 10); d != time.Second {
		t.Fatalf("expected capped at maxDelay 1s, got %v", d)
	}
}

func TestRetryDelayFixed(t *testing.T) {
	cfg := RetryConfig{Delay: 50 * time.Millisecond, MaxDelay: 30 * time.Millisecond, Backoff: BackoffFixed}
	if d := retryDelay(cfg, 5); d != 30*time.Millisecond {
		t.Fatalf("expected capped fixed delay, got %v", d)
	}
}

func TestPauseSkipsDispatchUntilResume(t *testing.T) {
	store := jobstore.NewMemory()
	engine := New(store, DefaultConfig())
	defer engine.Shutdown()

	var ran int32
	engine.Register("work", func(ctx context.Context, job *jobstore.Job) (any, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	})

	engine.Pause()
	job, _ := engine.Add("work", nil, AddOptions{})

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("expected no dispatch while paused")
	}

	engine.Resume()
	waitFor(t, time.Second, func() bool {
		j, _ := store.Get(job.ID)
		return j.State == jobstore.StateCompleted
	})
}

// TestIdleQueueDoesNotConsumeLimiterBudget guards against the
// dispatch loop burning limiter budget on ticks where no job is
// actually eligible to run. With a budget of 1 per window, a queue
// sitting idle across several ticks must not exhaust it before the
// first real job arrives.
func TestIdleQueueDoesNotConsumeLimiterBudget(t *testing.T) {
	store := jobstore.NewMemory()
	cfg := DefaultConfig()
	cfg.Limiter = &LimiterConfig{Max: 1, Duration: time.Minute}
	engine := New(store, cfg)
	defer engine.Shutdown()

	var ran int32
	engine.Register("work", func(ctx context.Context, job *jobstore.Job) (any, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	})

	// Let several idle dispatch ticks (50ms each) pass with an empty
	// queue before any job is ever added.
	time.Sleep(200 * time.Millisecond)

	job, _ := engine.Add("work", nil, AddOptions{})
	waitFor(t, time.Second, func() bool {
		j, _ := store.Get(job.ID)
		return j.State == jobstore.StateCompleted
	})
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected the single job to run once, got %d", ran)
	}
}

func TestMemoryStorePeekDoesNotAlterJobState(t *testing.T) {
	store := jobstore.NewMemory()
	if store.Peek() {
		t.Fatal("expected Peek to report false for an empty store")
	}

	job := &jobstore.Job{Name: "work", State: jobstore.StateWaiting}
	_ = store.Enqueue(job)

	if !store.Peek() {
		t.Fatal("expected Peek to report true once a waiting job exists")
	}

	got, _ := store.Get(job.ID)
	if got.State != jobstore.StateWaiting {
		t.Fatalf("expected Peek to leave job state untouched, got %v", got.State)
	}
}
