// Package jobstore implements the Job Store Abstraction:
// enqueue/dequeue/update/get/list/stats/clean over Job records, with a
// dispatch ordering contract of (priority desc, runAt asc).
//
// Design Notes:
//   - The in-memory implementation serializes every operation under a
//     single mutex, mirroring the global-lock cache trade-off used
//     elsewhere in this codebase rather than attempting fine-grained
//     sharding.
//   - Dequeue flips a job's state to active before releasing the lock,
//     which is what makes "only one dispatcher may observe a job in
//     active" hold even when multiple Job Engine instances share a
//     Store.
package jobstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a Job's lifecycle stage.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StatePaused    State = "paused"
)

// JobError carries a handler failure's message and stack.
type JobError struct {
	Message string
	Stack   string
}

// Job is one unit of work tracked by a Store.
type Job struct {
	ID           string
	Name         string
	Data         any
	Result       any
	Error        *JobError
	State        State
	AttemptsMade int
	MaxAttempts  int
	Priority     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RunAt        time.Time
	Metadata     map[string]any
}

// Stats summarizes job counts by state.
type Stats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
}

// Store is the contract a job backend implements.
type Store interface {
	Enqueue(job *Job) error
	// Peek reports whether an eligible job is currently dispatchable,
	// without dequeuing it or altering its state.
	Peek() bool
	Dequeue() (*Job, bool)
	Update(job *Job) error
	Get(id string) (*Job, bool)
	List(state State) []*Job
	Stats() Stats
	Clean(state State, olderThan time.Duration) int
}

// Memory is an in-process Store guarded by a single mutex.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*Job)}
}

// Enqueue assigns an ID if absent and stores the job.
func (m *Memory) Enqueue(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	return nil
}

// eligible reports whether job is currently dispatchable.
func eligible(job *Job, now time.Time) bool {
	switch job.State {
	case StateWaiting:
		return true
	case StateDelayed:
		return !job.RunAt.After(now)
	default:
		return false
	}
}

// bestEligibleLocked selects the highest-priority, earliest-runAt
// eligible job. Callers must hold m.mu.
func (m *Memory) bestEligibleLocked(now time.Time) *Job {
	var best *Job
	for _, job := range m.jobs {
		if !eligible(job, now) {
			continue
		}
		if best == nil || job.Priority > best.Priority ||
			(job.Priority == best.Priority && job.RunAt.Before(best.RunAt)) {
			best = job
		}
	}
	return best
}

// Peek reports whether an eligible job is currently dispatchable,
// without dequeuing it or altering its state.
func (m *Memory) Peek() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bestEligibleLocked(time.Now()) != nil
}

// Dequeue selects the highest-priority, earliest-runAt eligible job and
// atomically flips it to active.
func (m *Memory) Dequeue() (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	best := m.bestEligibleLocked(now)
	if best == nil {
		return nil, false
	}

	best.State = StateActive
	best.UpdatedAt = now
	return best, true
}

// Update persists changes made to job.
func (m *Memory) Update(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.UpdatedAt = time.Now()
	m.jobs[job.ID] = job
	return nil
}

// Get returns the job with id, if known.
func (m *Memory) Get(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	return job, ok
}

// List returns jobs in state, or every job if state is "".
func (m *Memory) List(state State) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if state == "" || job.State == state {
			out = append(out, job)
		}
	}
	return out
}

// Stats summarizes job counts by state.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, job := range m.jobs {
		switch job.State {
		case StateWaiting:
			s.Waiting++
		case StateActive:
			s.Active++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateDelayed:
			s.Delayed++
		}
	}
	return s
}

// Clean removes jobs in state whose UpdatedAt is older than olderThan,
// returning the count removed.
func (m *Memory) Clean(state State, olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var removed int
	for id, job := range m.jobs {
		if job.State == state && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}
