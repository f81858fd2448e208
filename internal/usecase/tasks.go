package usecase

import (
	"fmt"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// TaskService is the thin application seam over the task store used by the
// async endpoints.
type TaskService struct {
	Store domain.TaskStore
}

// NewTaskService constructs a TaskService.
func NewTaskService(store domain.TaskStore) TaskService {
	return TaskService{Store: store}
}

// Submit validates the task type and registers a pending task owned by the
// caller's session.
func (s TaskService) Submit(ctx domain.Context, typ string, params domain.GenerationParams, priority int) (domain.Task, error) {
	tt, err := domain.ParseTaskType(typ)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=usecase.submit: type %q: %w", typ, err)
	}
	if params.Credential.SessionID == "" {
		return domain.Task{}, fmt.Errorf("op=usecase.submit: %w", domain.ErrUnauthorized)
	}
	return s.Store.Create(ctx, tt, params, priority, params.Credential.SessionID)
}

// Status returns the task snapshot.
func (s TaskService) Status(ctx domain.Context, id string) (domain.Task, error) {
	return s.Store.Get(ctx, id)
}

// Result returns the terminal payload of a completed task; any other state
// reports ErrTaskNotCompleted with the current status.
func (s TaskService) Result(ctx domain.Context, id string) (domain.TaskResult, error) {
	t, err := s.Store.Get(ctx, id)
	if err != nil {
		return domain.TaskResult{}, err
	}
	if t.Status != domain.TaskCompleted || t.Result == nil {
		return domain.TaskResult{}, fmt.Errorf("op=usecase.result: status %s: %w", t.Status, domain.ErrTaskNotCompleted)
	}
	return *t.Result, nil
}

// Cancel requests cancellation and reports whether state changed.
func (s TaskService) Cancel(ctx domain.Context, id string) (bool, error) {
	return s.Store.Cancel(ctx, id)
}

// Delete removes a terminal task.
func (s TaskService) Delete(ctx domain.Context, id string) error {
	return s.Store.Delete(ctx, id)
}

// List returns task snapshots filtered by owner and status.
func (s TaskService) List(ctx domain.Context, owner string, status string, limit int) ([]domain.Task, error) {
	var st domain.TaskStatus
	if status != "" {
		st = domain.TaskStatus(status)
		switch st {
		case domain.TaskPending, domain.TaskRunning, domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled:
		default:
			return nil, fmt.Errorf("op=usecase.list: status %q: %w", status, domain.ErrInvalidRequest)
		}
	}
	return s.Store.List(ctx, owner, st, limit)
}

// Stats counts tasks per lifecycle status.
func (s TaskService) Stats(ctx domain.Context) (map[domain.TaskStatus]int, error) {
	return s.Store.Stats(ctx)
}
