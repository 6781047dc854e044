// Package scheduler runs named jobs on periodic schedules inside the
// service process. When a Locker is configured every run is guarded by a
// distributed lock, so only one replica executes a given job at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dmitrymomot/promokit/pkg/logger"
	"github.com/dmitrymomot/promokit/pkg/requestid"
)

var (
	ErrJobAlreadyRegistered = errors.New("job already registered")
	ErrNoJobs               = errors.New("scheduler has no jobs")
	ErrUnknownJob           = errors.New("unknown job")
	ErrLocked               = errors.New("job is running elsewhere")
)

// Job is the work executed on every tick of its schedule.
type Job func(ctx context.Context) error

// Locker guards a job run across processes. Held reports whether an error
// returned by TryLock means another process owns the lock, as opposed to
// the lock backend failing.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
	Held(err error) bool
}

type job struct {
	name     string
	schedule Schedule
	fn       Job
	nextRun  time.Time
}

// Scheduler owns a set of jobs and runs each when it is due.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	tick    time.Duration
	lockTTL time.Duration
	locker  Locker
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Scheduler)

// WithTick sets how often due jobs are checked.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithLocker enables distributed locking with the given lock TTL.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:    make(map[string]*job),
		tick:    10 * time.Second,
		lockTTL: 5 * time.Minute,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. The first run happens on the first check after Start.
func (s *Scheduler) Add(name string, schedule Schedule, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return ErrJobAlreadyRegistered
	}
	s.jobs[name] = &job{name: name, schedule: schedule, fn: fn}

	s.logger.Info("registered periodic job",
		slog.String("job", name),
		slog.String("schedule", schedule.String()))
	return nil
}

// Jobs returns registered job names in lexical order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs due jobs until ctx is cancelled. Jobs run sequentially on the
// scheduler goroutine; a slow job delays the others rather than overlapping
// with itself.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.Jobs()) == 0 {
		return ErrNoJobs
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runDue(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return nil
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// RunNow executes a single job immediately, still honouring the lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}
	return s.run(ctx, j)
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.nextRun.IsZero() || !j.nextRun.After(now) {
			j.nextRun = j.schedule.Next(now)
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, k int) bool { return due[i].name < due[k].name })

	for _, j := range due {
		if ctx.Err() != nil {
			return
		}
		err := s.run(ctx, j)
		switch {
		case errors.Is(err, ErrLocked):
			s.logger.DebugContext(ctx, "periodic job skipped, lock held elsewhere", slog.String("job", j.name))
		case err != nil:
			s.logger.ErrorContext(ctx, "periodic job failed", slog.String("job", j.name), logger.Error(err))
		}
	}
}

// run tags ctx with a fresh request id so every log line of one run
// correlates.
func (s *Scheduler) run(ctx context.Context, j *job) error {
	ctx = requestid.WithContext(ctx, requestid.New())

	if s.locker != nil {
		release, err := s.locker.TryLock(ctx, "job:"+j.name, s.lockTTL)
		if err != nil {
			if s.locker.Held(err) {
				return errors.Join(ErrLocked, err)
			}
			return fmt.Errorf("acquire job lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WarnContext(ctx, "failed to release job lock", slog.String("job", j.name), logger.Error(err))
			}
		}()
	}

	started := s.now()
	if err := j.fn(ctx); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "periodic job finished",
		slog.String("job", j.name),
		logger.Duration(s.now().Sub(started)))
	return nil
}
