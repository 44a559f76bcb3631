package jobs

import (
	"fmt"
	"time"

	"github.com/distcore/enginekit/cron"
	"github.com/distcore/enginekit/jobstore"
)

// Schedule registers a recurring source. Interval schedules fire every
// cfg.IntervalMs with optional RunOnStart; cron schedules compute the
// next fire time from cfg.CronExpr. Duplicate names are rejected.
func (e *Engine) Schedule(cfg ScheduleConfig) error {
	e.mu.Lock()
	if _, exists := e.schedules[cfg.Name]; exists {
		e.mu.Unlock()
		return &AlreadyExistsError{Name: cfg.Name}
	}

	reg := &registration{
		name:           cfg.Name,
		jobName:        cfg.JobName,
		dataProducer:   cfg.DataProducer,
		maxConcurrency: cfg.MaxConcurrency,
		intervalMs:     cfg.IntervalMs,
		runOnStart:     cfg.RunOnStart,
		stop:           make(chan struct{}),
	}

	if cfg.CronExpr != "" {
		sched, err := cron.Parse(cfg.CronExpr, cfg.CronTZ)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		reg.cronSchedule = sched
	}

	e.schedules[cfg.Name] = reg
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runSchedule(reg)
	return nil
}

// Unschedule cancels a registration's timer and drops it, reporting
// whether it existed.
func (e *Engine) Unschedule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unscheduleLocked(name)
}

func (e *Engine) unscheduleLocked(name string) bool {
	reg, ok := e.schedules[name]
	if !ok {
		return false
	}
	close(reg.stop)
	delete(e.schedules, name)
	return true
}

func (e *Engine) runSchedule(reg *registration) {
	defer e.wg.Done()

	if reg.cronSchedule != nil {
		e.runCronSchedule(reg)
		return
	}
	e.runIntervalSchedule(reg)
}

func (e *Engine) runIntervalSchedule(reg *registration) {
	if reg.intervalMs <= 0 {
		return
	}
	if reg.runOnStart {
		e.fireSchedule(reg)
	}

	ticker := time.NewTicker(reg.intervalMs)
	defer ticker.Stop()
	for {
		select {
		case <-reg.stop:
			return
		case <-e.shutdownCh:
			return
		case <-ticker.C:
			e.fireSchedule(reg)
		}
	}
}

func (e *Engine) runCronSchedule(reg *registration) {
	for {
		next, err := reg.cronSchedule.Next(time.Now())
		if err != nil {
			e.ErrorTopic.Publish(ScheduleEvent{Name: reg.name, Err: err})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-reg.stop:
			timer.Stop()
			return
		case <-e.shutdownCh:
			timer.Stop()
			return
		case <-timer.C:
			e.fireSchedule(reg)
		}
	}
}

// fireSchedule resolves data, enforces maxConcurrency, and enqueues a
// job named by the registration's JobName (the registration's own Name
// is not used as the job name), unless the engine is paused (in which
// case the tick is observable only as schedule:skipped).
func (e *Engine) fireSchedule(reg *registration) {
	if e.paused.Load() {
		e.SkippedTopic.Publish(ScheduleEvent{Name: reg.name})
		return
	}

	if reg.maxConcurrency > 0 && reg.activeCount.Load() >= int32(reg.maxConcurrency) {
		e.SkippedTopic.Publish(ScheduleEvent{Name: reg.name})
		return
	}

	data, err := func() (data any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicToError(r)
			}
		}()
		if reg.dataProducer == nil {
			return nil, nil
		}
		return reg.dataProducer(), nil
	}()
	if err != nil {
		e.ErrorTopic.Publish(ScheduleEvent{Name: reg.name, Err: err})
		return
	}

	reg.activeCount.Add(1)
	job, err := e.Add(reg.jobName, data, AddOptions{})
	if err != nil {
		reg.activeCount.Add(-1)
		e.ErrorTopic.Publish(ScheduleEvent{Name: reg.name, Err: err})
		return
	}
	_ = job

	// Decrement activeCount once the fired job reaches completed or
	// failed; a job waiting to be retried still counts.
	// Polled rather than hooked through OnComplete/OnFailed so a single
	// registration's concurrency cap works regardless of whether the
	// caller also set those engine-wide hooks.
	go e.awaitJobSettled(job.ID, reg)
}

func (e *Engine) awaitJobSettled(jobID string, reg *registration) {
	defer reg.activeCount.Add(-1)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		job, ok := e.store.Get(jobID)
		if !ok {
			return
		}
		if job.State == jobstore.StateCompleted || job.State == jobstore.StateFailed {
			return
		}
	}
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("jobs: schedule data producer panicked: %v", r)
}
