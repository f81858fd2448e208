package taskengine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// Runner executes one admitted task to its terminal state.
type Runner interface {
	Run(ctx domain.Context, task domain.Task)
}

// SchedulerOptions tune admission; zero values fall back to production
// defaults.
type SchedulerOptions struct {
	MaxConcurrent int
	Tick          time.Duration
	ImageTimeout  time.Duration
	VideoTimeout  time.Duration
}

// Scheduler admits pending tasks under a concurrency cap on a fixed tick. It
// owns the running set: ids it started whose workers have not yet exited.
type Scheduler struct {
	store  *Store
	runner Runner
	opts   SchedulerOptions

	mu      sync.Mutex
	running map[string]struct{}
}

func NewScheduler(store *Store, runner Runner, opts SchedulerOptions) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.ImageTimeout <= 0 {
		opts.ImageTimeout = 15 * time.Minute
	}
	if opts.VideoTimeout <= 0 {
		opts.VideoTimeout = 30 * time.Minute
	}
	return &Scheduler{
		store:   store,
		runner:  runner,
		opts:    opts,
		running: make(map[string]struct{}),
	}
}

// Run blocks, admitting tasks every tick until ctx is cancelled. Start it in
// its own goroutine after construction.
func (s *Scheduler) Run(ctx domain.Context) {
	slog.Info("task scheduler started",
		slog.Int("max_concurrent", s.opts.MaxConcurrent),
		slog.Duration("tick", s.opts.Tick))
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("task scheduler stopping")
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch fills free slots from the pending queue in priority order. It
// never blocks on task work; each admitted task runs in its own goroutine.
func (s *Scheduler) dispatch(ctx domain.Context) {
	free := s.opts.MaxConcurrent - s.RunningCount()
	if free <= 0 {
		return
	}
	pending, err := s.store.Pending(ctx)
	if err != nil {
		slog.Error("pending query failed", slog.Any("error", err))
		return
	}
	for _, t := range pending {
		if free <= 0 {
			return
		}
		if !s.claim(t.ID) {
			continue
		}
		admitted, err := s.store.Transition(ctx, t.ID, domain.TaskRunning, domain.TransitionExtra{})
		if err != nil {
			// Cancelled or timed out between the pending snapshot and
			// admission.
			s.release(t.ID)
			slog.Debug("task not admitted", slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		if err := s.store.SetTimeout(ctx, t.ID, s.timeoutFor(t.Type)); err != nil {
			slog.Warn("task timeout not armed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
		free--
		go s.spawn(ctx, admitted)
	}
}

func (s *Scheduler) spawn(ctx domain.Context, task domain.Task) {
	defer func() {
		s.release(task.ID)
		observability.ReleaseTask(string(task.Type))
	}()
	s.runner.Run(ctx, task)
}

// claim reserves the slot for id; false when the id is already running.
func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// RunningCount reports how many scheduler-started workers are still live.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) timeoutFor(typ domain.TaskType) time.Duration {
	if typ == domain.TaskVideoGeneration {
		return s.opts.VideoTimeout
	}
	return s.opts.ImageTimeout
}
