// Package jobs implements the Job Engine: handler registration, job
// submission, recurring schedules (interval and cron), a worker-pool
// dispatch loop gated by concurrency and an optional rate limiter, and
// retry-with-backoff.
//
// Design Notes:
//   - The dispatch loop generalizes a fixed task channel into a
//     priority/runAt-ordered Store: a wake channel replaces a buffered
//     task queue, since dispatch order must be recomputed from the
//     store on every wake rather than read off a FIFO channel.
//   - Retry backoff and worker accounting follow a retryTask/activeCount
//     pattern, supporting a fixed/exponential backoff policy rather
//     than always-exponential-with-jitter.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distcore/enginekit/cron"
	"github.com/distcore/enginekit/eventbus"
	"github.com/distcore/enginekit/jobstore"
	"github.com/distcore/enginekit/ratelimit"
)

// Backoff selects the retry delay growth model.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RetryConfig controls retry attempts and delay.
type RetryConfig struct {
	Attempts int
	Backoff  Backoff
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryConfig matches defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Backoff: BackoffExponential, Delay: time.Second, MaxDelay: 60 * time.Second}
}

// LimiterConfig enables the fixed-window dispatch-rate gate.
type LimiterConfig struct {
	Max      int64
	Duration time.Duration
}

// Config configures an Engine.
type Config struct {
	Concurrency int
	Retry       RetryConfig
	Limiter     *LimiterConfig

	OnComplete func(job *jobstore.Job)
	OnFailed   func(job *jobstore.Job)
	OnRetry    func(job *jobstore.Job)
}

// DefaultConfig matches defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 5, Retry: DefaultRetryConfig()}
}

// Handler executes one job's work and returns its result or an error.
type Handler func(ctx context.Context, job *jobstore.Job) (any, error)

// AddOptions configure Add/AddBulk.
type AddOptions struct {
	Delay    time.Duration
	Priority int
	Attempts int
	Metadata map[string]any
}

// ScheduleEvent is published on the schedule events topic (see
// SkippedTopic/ErrorTopic) so observers can react without the Engine
// depending on any particular sink.
type ScheduleEvent struct {
	Name string
	Err  error
}

// registration is a live scheduled source.
type registration struct {
	name           string
	jobName        string
	dataProducer   func() any
	maxConcurrency int
	activeCount    atomic.Int32

	cronSchedule *cron.Schedule
	intervalMs   time.Duration
	runOnStart   bool

	stop chan struct{}
}

// ScheduleConfig configures one recurring registration.
type ScheduleConfig struct {
	Name           string
	JobName        string
	DataProducer   func() any
	MaxConcurrency int

	// Exactly one of IntervalMs or CronExpr should be set.
	IntervalMs time.Duration
	RunOnStart bool

	CronExpr string
	CronTZ   string
}

// Engine is the C7 component.
type Engine struct {
	cfg   Config
	store jobstore.Store

	mu       sync.Mutex
	handlers map[string]Handler
	schedules map[string]*registration

	limiterStore *ratelimit.Store
	limiterKey   string

	paused       atomic.Bool
	activeWorkers atomic.Int32
	wake         chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	// SkippedTopic/ErrorTopic carry schedule:skipped and schedule:error
	// events respectively.
	SkippedTopic *eventbus.Topic[ScheduleEvent]
	ErrorTopic   *eventbus.Topic[ScheduleEvent]
}

// New creates an Engine dispatching jobs from store.
func New(store jobstore.Store, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	e := &Engine{
		cfg:          cfg,
		store:        store,
		handlers:     make(map[string]Handler),
		schedules:    make(map[string]*registration),
		wake:         make(chan struct{}, 1),
		shutdownCh:   make(chan struct{}),
		SkippedTopic: eventbus.NewTopic[ScheduleEvent]("schedule:skipped"),
		ErrorTopic:   eventbus.NewTopic[ScheduleEvent]("schedule:error"),
	}
	if cfg.Limiter != nil {
		e.limiterStore = ratelimit.NewStore(time.Minute)
		e.limiterKey = "dispatch"
	}

	e.wg.Add(1)
	go e.dispatchLoop()

	return e
}

// Register binds handler under name.
func (e *Engine) Register(name string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = handler
}

func (e *Engine) notifyWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Add enqueues one job of name and wakes the dispatcher.
func (e *Engine) Add(name string, data any, opts AddOptions) (*jobstore.Job, error) {
	now := time.Now()
	job := &jobstore.Job{
		Name:        name,
		Data:        data,
		State:       jobstore.StateWaiting,
		Priority:    opts.Priority,
		MaxAttempts: opts.Attempts,
		CreatedAt:   now,
		RunAt:       now,
		Metadata:    opts.Metadata,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = e.cfg.Retry.Attempts
	}
	if opts.Delay > 0 {
		job.State = jobstore.StateDelayed
		job.RunAt = now.Add(opts.Delay)
	}

	if err := e.store.Enqueue(job); err != nil {
		return nil, err
	}
	e.notifyWake()
	return job, nil
}

// AddBulk enqueues each item in list with the same contract as Add.
func (e *Engine) AddBulk(list []struct {
	Name string
	Data any
	Opts AddOptions
}) ([]*jobstore.Job, error) {
	out := make([]*jobstore.Job, 0, len(list))
	for _, item := range list {
		job, err := e.Add(item.Name, item.Data, item.Opts)
		if err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Pause halts new dispatches at the next loop turn.
func (e *Engine) Pause() { e.paused.Store(true) }

// Resume re-enables dispatch.
func (e *Engine) Resume() {
	e.paused.Store(false)
	e.notifyWake()
}

// Retry forcibly sets id back to waiting and wakes the dispatcher.
func (e *Engine) Retry(id string) error {
	job, ok := e.store.Get(id)
	if !ok {
		return &NotFoundError{What: "job", ID: id}
	}
	job.State = jobstore.StateWaiting
	job.RunAt = time.Now()
	if err := e.store.Update(job); err != nil {
		return err
	}
	e.notifyWake()
	return nil
}

// Shutdown pauses, unschedules everything, and waits up to 30s for
// activeWorkers to reach zero.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.Pause()

		e.mu.Lock()
		for name := range e.schedules {
			e.unscheduleLocked(name)
		}
		e.mu.Unlock()

		close(e.shutdownCh)

		deadline := time.After(30 * time.Second)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for e.activeWorkers.Load() > 0 {
			select {
			case <-deadline:
				return
			case <-ticker.C:
			}
		}
		e.wg.Wait()
	})
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.shutdownCh:
			return
		case <-e.wake:
		case <-ticker.C:
		}

		for !e.paused.Load() && int(e.activeWorkers.Load()) < e.cfg.Concurrency {
			if !e.store.Peek() {
				break
			}

			if e.limiterStore != nil {
				allowed, _ := e.limiterStore.Allow(e.limiterKey, e.cfg.Limiter.Max, e.cfg.Limiter.Duration)
				if !allowed {
					break
				}
			}

			job, ok := e.store.Dequeue()
			if !ok {
				break
			}

			e.activeWorkers.Add(1)
			e.wg.Add(1)
			go e.runWorker(job)
		}
	}
}

func (e *Engine) runWorker(job *jobstore.Job) {
	defer e.wg.Done()
	defer e.activeWorkers.Add(-1)
	defer e.notifyWake()

	e.mu.Lock()
	handler, ok := e.handlers[job.Name]
	e.mu.Unlock()

	if !ok {
		job.State = jobstore.StateFailed
		job.Error = &JobError{Message: (&HandlerMissingError{Name: job.Name}).Error()}
		_ = e.store.Update(job)
		if e.cfg.OnFailed != nil {
			e.cfg.OnFailed(job)
		}
		return
	}

	job.AttemptsMade++
	result, err := handler(context.Background(), job)
	if err == nil {
		job.State = jobstore.StateCompleted
		job.Result = result
		job.Error = nil
		_ = e.store.Update(job)
		if e.cfg.OnComplete != nil {
			e.cfg.OnComplete(job)
		}
		return
	}

	job.Error = &JobError{Message: err.Error()}

	if job.AttemptsMade < job.MaxAttempts {
		delay := retryDelay(e.cfg.Retry, job.AttemptsMade)
		job.State = jobstore.StateDelayed
		job.RunAt = time.Now().Add(delay)
		_ = e.store.Update(job)
		if e.cfg.OnRetry != nil {
			e.cfg.OnRetry(job)
		}
		return
	}

	job.State = jobstore.StateFailed
	_ = e.store.Update(job)
	if e.cfg.OnFailed != nil {
		e.cfg.OnFailed(job)
	}
}

// JobError is an alias of jobstore.JobError, so job errors set here are
// the same type the store persists.
type JobError = jobstore.JobError

// retryDelay computes the nth retry delay : n = attemptsMade, 1-indexed for the attempt that just
// failed.
func retryDelay(cfg RetryConfig, attemptsMade int) time.Duration {
	if cfg.Backoff == BackoffFixed {
		return minDuration(cfg.MaxDelay, cfg.Delay)
	}
	d := cfg.Delay * time.Duration(1<<uint(attemptsMade-1))
	return minDuration(cfg.MaxDelay, d)
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b < a {
		return b
	}
	return a
}
