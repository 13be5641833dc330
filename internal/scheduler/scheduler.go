// Package scheduler runs the daemon's periodic maintenance tasks: traffic
// sampling, leak checks, and chain health sweeps.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexusvpn/nexus/internal/clock"
	"github.com/nexusvpn/nexus/internal/logging"
)

// TaskFunc performs one scheduled run. The context is cancelled when the
// scheduler stops or the task's timeout expires.
type TaskFunc func(ctx context.Context) error

// Schedule decides when a task runs next.
type Schedule interface {
	Next(after time.Time) time.Time
}

// IntervalSchedule runs at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an interval schedule.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

func (s *IntervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// Task is one periodic job.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	RunOnStart bool
	Timeout    time.Duration
}

// TaskStatus is a snapshot of one task's history.
type TaskStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
}

type entry struct {
	task    *Task
	status  TaskStatus
	nextRun time.Time
	running bool
}

// Scheduler owns a set of tasks and drives them from a single loop.
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[string]*entry
	clk     clock.Clock
	logger  *logging.Logger
	tick    time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// SchedulerOption adjusts a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTick overrides the poll granularity (tests).
func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tick = d }
}

// WithClock overrides the time source (tests).
func WithClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clk = c }
}

// New creates an empty scheduler.
func New(logger *logging.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		tasks:  make(map[string]*entry),
		clk:    &clock.RealClock{},
		logger: logger.WithComponent("scheduler"),
		tick:   time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a task. Adding after Start is allowed.
func (s *Scheduler) Add(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task %s: schedule is required", task.ID)
	}
	if task.Func == nil {
		return fmt.Errorf("task %s: function is required", task.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already registered", task.ID)
	}
	e := &entry{
		task:    task,
		status:  TaskStatus{ID: task.ID, Name: task.Name},
		nextRun: task.Schedule.Next(s.clk.Now()),
	}
	e.status.NextRun = e.nextRun
	s.tasks[task.ID] = e
	return nil
}

// Start launches the scheduling loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	ctx := s.ctx
	s.running = true

	for _, e := range s.tasks {
		if e.task.RunOnStart {
			s.launch(ctx, e)
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "tasks", s.TaskCount())
}

// Stop cancels running tasks and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// TaskCount returns the number of registered tasks.
func (s *Scheduler) TaskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Statuses returns every task's status sorted by name.
func (s *Scheduler) Statuses() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow triggers a task outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if !s.running {
		return fmt.Errorf("scheduler is not running")
	}
	s.launch(s.ctx, e)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.running || e.nextRun.IsZero() || e.nextRun.After(now) {
			continue
		}
		e.nextRun = e.task.Schedule.Next(now)
		e.status.NextRun = e.nextRun
		s.launch(ctx, e)
	}
}

// launch starts one task run. Held under s.mu.
func (s *Scheduler) launch(ctx context.Context, e *entry) {
	if e.running {
		return
	}
	e.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		runCtx := ctx
		var cancel context.CancelFunc
		if e.task.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, e.task.Timeout)
			defer cancel()
		}

		start := s.clk.Now()
		err := e.task.Func(runCtx)

		s.mu.Lock()
		e.running = false
		e.status.LastRun = start
		e.status.RunCount++
		if err != nil {
			e.status.ErrorCount++
			e.status.LastError = err.Error()
			s.logger.Warn("task failed", "id", e.task.ID, "error", err)
		} else {
			e.status.LastError = ""
		}
		s.mu.Unlock()
	}()
}
