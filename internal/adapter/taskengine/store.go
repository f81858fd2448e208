// Package taskengine implements the asynchronous generation task registry,
// the scheduler that admits pending tasks under a concurrency cap, and the
// workers that drive admitted tasks to a terminal state.
package taskengine

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// Entropy for task ids; serialized by the store mutex.
var taskEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

// Store is the in-memory task registry. All mutation goes through the store
// mutex; callers receive snapshots, never aliases into registry state.
type Store struct {
	retention time.Duration
	now       func() time.Time

	mu     sync.Mutex
	tasks  map[string]*domain.Task
	timers map[string]*time.Timer
}

// NewStore returns an empty registry. retention bounds how long terminal
// tasks stay visible to polling clients before the reaper drops them.
func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{
		retention: retention,
		now:       time.Now,
		tasks:     make(map[string]*domain.Task),
		timers:    make(map[string]*time.Timer),
	}
}

// Create registers a new pending task and returns its snapshot.
func (s *Store) Create(ctx domain.Context, typ domain.TaskType, params domain.GenerationParams, priority int, owner string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t := &domain.Task{
		ID:        s.newIDLocked(now),
		Type:      typ,
		Status:    domain.TaskPending,
		Priority:  priority,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
		Owner:     owner,
	}
	s.tasks[t.ID] = t
	observability.SubmitTask(string(typ))
	slog.Debug("task created",
		slog.String("task_id", t.ID),
		slog.String("type", string(typ)),
		slog.Int("priority", priority))
	return snapshot(t), nil
}

func (s *Store) newIDLocked(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), taskEntropy)
	if err != nil {
		return fmt.Sprintf("task-%d", now.UnixNano())
	}
	return id.String()
}

// Get returns the task snapshot for id.
func (s *Store) Get(ctx domain.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=tasks.get: %s: %w", id, domain.ErrTaskNotFound)
	}
	return snapshot(t), nil
}

// List filters by owner and status when non-empty. Results are newest first;
// limit <= 0 returns all matches.
func (s *Store) List(ctx domain.Context, owner string, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if owner != "" && t.Owner != owner {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, snapshot(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transition applies a lifecycle change after validating it against the
// transition table. Terminal transitions clear the timeout timer and stamp
// CompletedAt; moving to running stamps StartedAt.
func (s *Store) Transition(ctx domain.Context, id string, status domain.TaskStatus, extra domain.TransitionExtra) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, status, extra)
}

func (s *Store) transitionLocked(id string, status domain.TaskStatus, extra domain.TransitionExtra) (domain.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=tasks.transition: %s: %w", id, domain.ErrTaskNotFound)
	}
	if !t.Status.CanTransition(status) {
		return domain.Task{}, fmt.Errorf("op=tasks.transition: %s -> %s: %w", t.Status, status, domain.ErrTaskTransition)
	}
	now := s.now()
	t.Status = status
	t.UpdatedAt = now
	if extra.Progress != nil {
		t.Progress = clampProgress(*extra.Progress)
	}
	switch status {
	case domain.TaskRunning:
		t.StartedAt = &now
		observability.StartTask(string(t.Type))
	case domain.TaskCompleted:
		t.CompletedAt = &now
		t.Progress = 100
		t.Result = extra.Result
		observability.CompleteTask(string(t.Type))
	case domain.TaskFailed:
		t.CompletedAt = &now
		t.Error = extra.Error
		observability.FailTask(string(t.Type))
	case domain.TaskCancelled:
		t.CompletedAt = &now
		observability.CancelTask(string(t.Type))
	}
	if status.Terminal() {
		s.clearTimerLocked(id)
	}
	return snapshot(t), nil
}

// SetProgress raises progress on a running task. Regressing values and
// reports racing a terminal transition are dropped silently.
func (s *Store) SetProgress(ctx domain.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=tasks.progress: %s: %w", id, domain.ErrTaskNotFound)
	}
	if t.Status != domain.TaskRunning {
		return nil
	}
	p := clampProgress(progress)
	if p <= t.Progress {
		return nil
	}
	t.Progress = p
	t.UpdatedAt = s.now()
	return nil
}

// SetTimeout arms the wall deadline for a live task. Expiry fails the task
// with reason "timeout" unless it reached a terminal state first. Re-arming
// replaces the previous deadline.
func (s *Store) SetTimeout(ctx domain.Context, id string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=tasks.timeout: %s: %w", id, domain.ErrTaskNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("op=tasks.timeout: status %s: %w", t.Status, domain.ErrTaskTransition)
	}
	s.clearTimerLocked(id)
	s.timers[id] = time.AfterFunc(d, func() { s.expire(id, d) })
	return nil
}

func (s *Store) expire(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		return
	}
	if _, err := s.transitionLocked(id, domain.TaskFailed, domain.TransitionExtra{Error: "timeout"}); err != nil {
		return
	}
	slog.Warn("task timed out",
		slog.String("task_id", id),
		slog.String("type", string(t.Type)),
		slog.Duration("timeout", d))
}

// Cancel moves a pending or running task to cancelled. Cancelling an already
// cancelled task is a no-op; completed and failed tasks cannot be cancelled.
func (s *Store) Cancel(ctx domain.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("op=tasks.cancel: %s: %w", id, domain.ErrTaskNotFound)
	}
	switch t.Status {
	case domain.TaskCancelled:
		return false, nil
	case domain.TaskCompleted, domain.TaskFailed:
		return false, fmt.Errorf("op=tasks.cancel: status %s: %w", t.Status, domain.ErrTaskCancel)
	}
	if _, err := s.transitionLocked(id, domain.TaskCancelled, domain.TransitionExtra{}); err != nil {
		return false, err
	}
	slog.Info("task cancelled", slog.String("task_id", id), slog.String("type", string(t.Type)))
	return true, nil
}

// Delete removes a terminal task from the registry.
func (s *Store) Delete(ctx domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=tasks.delete: %s: %w", id, domain.ErrTaskNotFound)
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("op=tasks.delete: status %s: %w", t.Status, domain.ErrTaskDelete)
	}
	s.clearTimerLocked(id)
	delete(s.tasks, id)
	return nil
}

// Pending returns pending tasks in admission order: priority descending,
// ties broken by creation time ascending.
func (s *Store) Pending(ctx domain.Context) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, 8)
	for _, t := range s.tasks {
		if t.Status == domain.TaskPending {
			out = append(out, snapshot(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Stats counts tasks per status, including zeroes for empty statuses.
func (s *Store) Stats(ctx domain.Context) (map[domain.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.TaskStatus]int{
		domain.TaskPending:   0,
		domain.TaskRunning:   0,
		domain.TaskCompleted: 0,
		domain.TaskFailed:    0,
		domain.TaskCancelled: 0,
	}
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}

// ReapOnce drops terminal tasks whose terminal timestamp fell outside the
// retention window and reports how many were removed.
func (s *Store) ReapOnce() int {
	cutoff := s.now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.tasks {
		if !t.Status.Terminal() {
			continue
		}
		at := t.UpdatedAt
		if t.CompletedAt != nil {
			at = *t.CompletedAt
		}
		if at.Before(cutoff) {
			s.clearTimerLocked(id)
			delete(s.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("terminal tasks reaped", slog.Int("removed", removed), slog.Time("cutoff", cutoff))
	}
	return removed
}

// RunReaper blocks, sweeping terminal tasks every interval until ctx ends.
func (s *Store) RunReaper(ctx domain.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("task reaper stopping")
			return
		case <-ticker.C:
			s.ReapOnce()
		}
	}
}

func (s *Store) clearTimerLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 99 {
		return 99
	}
	return p
}

// snapshot copies a task so registry state never escapes the mutex.
func snapshot(t *domain.Task) domain.Task {
	out := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	if t.Result != nil {
		r := *t.Result
		out.Result = &r
	}
	return out
}
