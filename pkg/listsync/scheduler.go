// Package listsync keeps local IP list files up to date by periodically downloading
// them from their sources and atomically replacing the previous copy.
package listsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	defaultPoolSize     = 4
)

// Sync results reported to the observer.
const (
	ResultUpdated     = "updated"
	ResultNotModified = "not_modified"
	ResultError       = "error"
)

// Job describes one list to keep in sync.
type Job struct {
	Name        string
	Source      Source
	Destination string
	Interval    time.Duration
}

// Observer receives the outcome of every run.
type Observer func(job string, result string, duration time.Duration)

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithObserver registers fn to observe runs.
func WithObserver(fn Observer) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// WithPoolSize bounds the number of concurrent downloads.
func WithPoolSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.poolSize = n
		}
	}
}

// WithFetchTimeout bounds a single run.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

type jobState struct {
	Job
	running atomic.Bool

	mu           sync.Mutex
	lastModified time.Time
}

func (j *jobState) remoteModified() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastModified
}

func (j *jobState) setRemoteModified(t time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastModified = t
}

// Scheduler runs one ticker per job and executes the downloads on a shared worker pool.
type Scheduler struct {
	jobs     []*jobState
	logger   *zap.Logger
	observer Observer
	poolSize int
	timeout  time.Duration

	mu       sync.Mutex
	onUpdate []func(Job)
	pool     *ants.Pool
	cancel   context.CancelFunc
	stopped  bool
	loops    sync.WaitGroup
	inflight sync.WaitGroup
	stopOnce sync.Once
}

// New validates jobs and returns an idle Scheduler.
func New(jobs []Job, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		logger:   logger,
		poolSize: defaultPoolSize,
		timeout:  DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[string]string, len(jobs))
	for i, job := range jobs {
		if job.Destination == "" {
			return nil, fmt.Errorf("list job %d (%s): destination is required", i, job.Name)
		}
		if job.Source == nil {
			return nil, fmt.Errorf("list job %d (%s): source is required", i, job.Name)
		}
		if job.Interval <= 0 {
			return nil, fmt.Errorf("list job %d (%s): update interval must be positive", i, job.Name)
		}
		dest, err := filepath.Abs(job.Destination)
		if err != nil {
			return nil, fmt.Errorf("list job %d (%s): invalid destination: %w", i, job.Name, err)
		}
		if other, dup := seen[dest]; dup {
			return nil, fmt.Errorf("list jobs %s and %s write the same file %s", other, job.Name, dest)
		}
		seen[dest] = job.Name
		job.Destination = dest
		if job.Name == "" {
			job.Name = filepath.Base(dest)
		}
		s.jobs = append(s.jobs, &jobState{Job: job})
	}
	return s, nil
}

// Jobs returns the configured jobs.
func (s *Scheduler) Jobs() []Job {
	out := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Job
	}
	return out
}

// OnUpdate registers fn to be called after a list file was replaced.
func (s *Scheduler) OnUpdate(fn func(Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = append(s.onUpdate, fn)
}

// Start fetches every job immediately and then at its interval until ctx is done or
// Stop is called. A stopped Scheduler cannot be started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler stopped")
	}
	if s.pool != nil {
		return errors.New("scheduler already started")
	}
	if len(s.jobs) == 0 {
		return nil
	}

	pool, err := ants.NewPool(s.poolSize, ants.WithPanicHandler(func(p any) {
		s.logger.Error("list sync worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return fmt.Errorf("could not create worker pool: %w", err)
	}
	s.pool = pool

	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.loops.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info("list sync started", zap.Int("jobs", len(s.jobs)), zap.Int("workers", s.poolSize))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job *jobState) {
	defer s.loops.Done()

	s.submit(ctx, job)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.submit(ctx, job)
		}
	}
}

// submit schedules a run unless the previous one for the same job is still going.
func (s *Scheduler) submit(ctx context.Context, job *jobState) {
	if ctx.Err() != nil {
		return
	}
	if !job.running.CompareAndSwap(false, true) {
		s.logger.Debug("previous sync still running, skipping tick", zap.String("job", job.Name))
		return
	}

	// Runs outlive Stop so a started write is never abandoned halfway.
	runCtx := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	err := s.pool.Submit(func() {
		defer s.inflight.Done()
		defer job.running.Store(false)
		_ = s.run(runCtx, job)
	})
	if err != nil {
		s.inflight.Done()
		job.running.Store(false)
		s.logger.Warn("could not schedule list sync", zap.String("job", job.Name), zap.Error(err))
	}
}

// RunOnce fetches every job sequentially and returns the joined errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if err := s.run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Stop cancels future runs and waits for in-flight ones to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel, pool := s.cancel, s.pool
		s.stopped = true
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		s.loops.Wait()
		s.inflight.Wait()
		pool.Release()
		s.logger.Info("list sync stopped")
	})
}

// run downloads one list into a temporary file and renames it over the destination.
// The file's modification time is set to the remote one when the source reports it.
func (s *Scheduler) run(ctx context.Context, state *jobState) (err error) {
	job := state.Job
	start := time.Now()
	result := ResultUpdated
	logger := s.logger.With(zap.String("job", job.Name), zap.Stringer("source", job.Source))
	defer func() {
		if err != nil {
			result = ResultError
			logger.Warn("list sync failed", zap.Error(err))
		}
		if s.observer != nil {
			s.observer(job.Name, result, time.Since(start))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dir := filepath.Dir(job.Destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var since time.Time
	if _, statErr := os.Stat(job.Destination); statErr == nil {
		since = state.remoteModified()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(job.Destination)+".*.download")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	modified, err := job.Source.Download(ctx, tmp, since)
	if err != nil {
		tmp.Close()
		if errors.Is(err, ErrNotModified) {
			result = ResultNotModified
			logger.Debug("list not modified")
			return nil
		}
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, job.Destination); err != nil {
		return err
	}
	state.setRemoteModified(modified)
	if !modified.IsZero() {
		if err := os.Chtimes(job.Destination, modified, modified); err != nil {
			logger.Warn("could not set list modification time", zap.Error(err))
		}
	}

	logger.Info("list updated", zap.String("destination", job.Destination), zap.Duration("duration", time.Since(start)))

	s.mu.Lock()
	callbacks := append([]func(Job){}, s.onUpdate...)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(job)
	}
	return nil
}
