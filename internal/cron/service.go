// Package cron runs named maintenance jobs on cron schedules with
// second-level precision.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/npcbrain/internal/logging"
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// Status values recorded after each run.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// JobState is the outcome of a job's most recent run.
type JobState struct {
	LastRunAt  time.Time
	LastStatus string
	LastError  string
	Runs       int
}

// Job describes a registered job.
type Job struct {
	Name     string
	Schedule string
	State    JobState
}

type entry struct {
	job Job
	fn  JobFunc
	id  rcron.EntryID
}

// ErrJobExists is returned by AddJob for a duplicate name.
var ErrJobExists = errors.New("job already registered")

type Service struct {
	logger *zap.Logger
	parser rcron.Parser

	mu      sync.Mutex
	cron    *rcron.Cron
	jobs    map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewService(logger *zap.Logger) *Service {
	logger = logging.OrNop(logger).Named("cron")
	return &Service{
		logger: logger,
		parser: rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor),
		cron:   rcron.New(rcron.WithSeconds(), rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger))),
		jobs:   make(map[string]*entry),
		ctx:    context.Background(),
	}
}

// AddJob registers fn under name on a six-field cron spec (seconds first) or
// a descriptor such as "@every 10m". Jobs may be added before or after Start.
func (s *Service) AddJob(name, spec string, fn JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}
	e := &entry{job: Job{Name: name, Schedule: spec}, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("job %s: register: %w", name, err)
	}
	e.id = id
	s.jobs[name] = e
	s.logger.Debug("job registered", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// RemoveJob unregisters name and reports whether it existed.
func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.jobs, name)
	return true
}

// ListJobs returns the registered jobs sorted by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow executes name synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(name)
}

// Start begins firing scheduled jobs. Job contexts derive from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cron already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.logger.Info("cron started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts scheduling and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	defer cancel()

	select {
	case <-stopCtx.Done():
		s.logger.Info("cron stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("cron stop timed out waiting for running jobs")
		return ctx.Err()
	}
}

func (s *Service) execute(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return nil
	}

	start := time.Now()
	err := safeRun(ctx, e.fn)

	s.mu.Lock()
	e.job.State.LastRunAt = start
	e.job.State.Runs++
	if err != nil {
		e.job.State.LastStatus = StatusError
		e.job.State.LastError = err.Error()
	} else {
		e.job.State.LastStatus = StatusOK
		e.job.State.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
	} else {
		s.logger.Debug("job done", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	}
	return err
}

func safeRun(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
