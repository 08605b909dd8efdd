// Package worker runs the periodic custody jobs on cron schedules.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrUnknownJob is returned when triggering a job that was never registered
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning is returned when a run of the same job is still in progress
	ErrJobRunning = errors.New("job already running")
)

// JobFunc is one run of a periodic job
type JobFunc func(ctx context.Context) error

// JobStatus reports the state of a registered job
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Running    bool      `json:"running"`
	LastStart  time.Time `json:"lastStart,omitempty"`
	LastFinish time.Time `json:"lastFinish,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
	Failures   int       `json:"failures"`
	NextRun    time.Time `json:"nextRun,omitempty"`
}

type scheduledJob struct {
	name     string
	schedule string
	fn       JobFunc
	entryID  cron.EntryID
	running  atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

// Scheduler runs registered jobs on their cron schedules. A job never runs
// twice at once, whether triggered by its schedule or by RunNow.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	jobs    map[string]*scheduledJob
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler whose runs are bounded by timeout
func NewScheduler(timeout time.Duration, logger *zap.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cronLog := &cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		), cron.WithLogger(cronLog)),
		timeout: timeout,
		logger:  logger,
		jobs:    make(map[string]*scheduledJob),
		baseCtx: context.Background(),
	}
}

// Register adds a job. Schedules use the standard five-field cron syntax or
// descriptors such as "@hourly" and "@every 2m".
func (s *Scheduler) Register(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	job := &scheduledJob{name: name, schedule: schedule, fn: fn}
	job.status = JobStatus{Name: name, Schedule: schedule}
	id, err := s.cron.AddFunc(schedule, func() {
		s.mu.RLock()
		ctx := s.baseCtx
		s.mu.RUnlock()
		if err := s.run(ctx, job); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, name, err)
	}
	job.entryID = id
	s.jobs[name] = job
	return nil
}

// Start begins running schedules. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.started = true
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Strings("jobs", names))
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx expires.
// In-flight runs are cancelled when ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop().Done()
	select {
	case <-done:
		cancel()
		s.logger.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		cancel()
		s.logger.Warn("scheduler stop timed out, cancelling running jobs")
		return ctx.Err()
	}
}

// RunNow runs a job immediately in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job *scheduledJob) error {
	if !job.running.CompareAndSwap(false, true) {
		s.logger.Info("skipping job, previous run still in progress", zap.String("job", job.name))
		return ErrJobRunning
	}
	defer job.running.Store(false)

	start := time.Now()
	job.mu.Lock()
	job.status.Running = true
	job.status.LastStart = start
	job.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := job.fn(runCtx)

	job.mu.Lock()
	job.status.Running = false
	job.status.LastFinish = time.Now()
	job.status.Runs++
	job.status.LastError = ""
	if err != nil {
		job.status.Failures++
		job.status.LastError = err.Error()
	}
	job.mu.Unlock()

	s.logger.Debug("job run finished",
		zap.String("job", job.name),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("success", err == nil))
	return err
}

// Status returns the state of every registered job, sorted by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		job.mu.Lock()
		status := job.status
		job.mu.Unlock()
		if s.started {
			status.NextRun = s.cron.Entry(job.entryID).Next
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own logging into zap
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
