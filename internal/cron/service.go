// Package cron runs named periodic jobs on robfig/cron. A job never overlaps
// with itself: a run that outlasts its interval delays the next one.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// DefaultStopTimeout bounds how long Stop waits for running jobs.
const DefaultStopTimeout = 5 * time.Second

// JobFunc is the body of a periodic job. ctx is cancelled by Stop.
type JobFunc func(ctx context.Context)

type job struct {
	name     string
	interval time.Duration
	runNow   bool
	fn       JobFunc
	wrapped  rcron.Job
	entryID  rcron.EntryID
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string
	Interval time.Duration
	Next     time.Time
	Prev     time.Time
}

type Service struct {
	mu          sync.Mutex
	logger      *slog.Logger
	stopTimeout time.Duration
	jobs        map[string]*job
	cron        *rcron.Cron
	runCtx      context.Context
	cancel      context.CancelFunc
	stopCh      chan struct{}
	started     sync.WaitGroup
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:      logger.With("component", "cron"),
		stopTimeout: DefaultStopTimeout,
		jobs:        make(map[string]*job),
	}
}

// SetStopTimeout changes how long Stop waits for running jobs. Jobs still
// running after it keep going; callers that share state with them must wait
// for them separately.
func (s *Service) SetStopTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.stopTimeout = d
	}
}

// Every registers fn to run every interval. With runNow the job also runs
// once as soon as the service starts. Registering after Start schedules the
// job immediately.
func (s *Service) Every(name string, interval time.Duration, runNow bool, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, interval: interval, runNow: runNow, fn: fn}
	s.jobs[name] = j

	if s.cron != nil {
		s.scheduleLocked(j)
		if runNow {
			s.runAsyncLocked(j)
		}
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("cron service already started")
	}
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithLogger(SlogLogger(s.logger)))
	for _, j := range s.sortedLocked() {
		s.scheduleLocked(j)
	}
	for _, j := range s.sortedLocked() {
		if j.runNow {
			s.runAsyncLocked(j)
		}
	}
	count := len(s.jobs)
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Info("cron started", "jobs", count)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) scheduleLocked(j *job) {
	runCtx := s.runCtx
	logger := s.logger
	j.wrapped = rcron.NewChain(
		rcron.Recover(SlogLogger(logger)),
		rcron.DelayIfStillRunning(SlogLogger(logger)),
	).Then(rcron.FuncJob(func() {
		if runCtx.Err() != nil {
			return
		}
		started := time.Now()
		logger.Debug("job started", "job", j.name)
		j.fn(runCtx)
		logger.Debug("job finished", "job", j.name, "elapsed", time.Since(started))
	}))
	j.entryID = s.cron.Schedule(rcron.Every(j.interval), j.wrapped)
}

// runAsyncLocked fires one run through the job's chain so it shares the
// no-overlap guard with scheduled runs.
func (s *Service) runAsyncLocked(j *job) {
	wrapped := j.wrapped
	s.started.Add(1)
	go func() {
		defer s.started.Done()
		wrapped.Run()
	}()
}

func (s *Service) sortedLocked() []*job {
	out := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].name < out[b].name })
	return out
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	timeout := s.stopTimeout
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if stopCh != nil {
		close(stopCh)
	}

	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.started.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("stop timeout waiting for running jobs")
	}
	s.logger.Info("cron stopped")
}

// Jobs lists registered jobs by name.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.sortedLocked() {
		info := JobInfo{Name: j.name, Interval: j.interval}
		if s.cron != nil {
			e := s.cron.Entry(j.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out = append(out, info)
	}
	return out
}
