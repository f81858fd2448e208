package taskengine

import (
	"errors"
	"log/slog"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// Generator runs the generation pipeline for one task type. Implemented by
// the generate usecase.
type Generator interface {
	Generate(ctx domain.Context, typ domain.TaskType, params domain.GenerationParams, hooks domain.RunHooks) (domain.TaskResult, error)
}

// Worker drives one admitted task through the generation pipeline and writes
// the terminal state back to the store.
type Worker struct {
	store *Store
	gen   Generator
}

func NewWorker(store *Store, gen Generator) *Worker {
	return &Worker{store: store, gen: gen}
}

// Run executes the task to a terminal state. Progress reports stream into the
// store; the cancelled hook rereads store state so external cancellations and
// timeouts abort the wait at the next poll boundary.
func (w *Worker) Run(ctx domain.Context, task domain.Task) {
	log := slog.Default().With(slog.String("task_id", task.ID), slog.String("type", string(task.Type)))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("task worker panic", slog.Any("recover", rec))
			if _, err := w.store.Transition(ctx, task.ID, domain.TaskFailed, domain.TransitionExtra{Error: "internal error"}); err != nil {
				log.Debug("panic state not recorded", slog.Any("error", err))
			}
		}
	}()
	hooks := domain.RunHooks{
		OnProgress: func(percent int) {
			if err := w.store.SetProgress(ctx, task.ID, percent); err != nil {
				log.Debug("progress dropped", slog.Any("error", err))
			}
		},
		Cancelled: func() bool {
			t, err := w.store.Get(ctx, task.ID)
			if err != nil {
				return true
			}
			return t.Status != domain.TaskRunning
		},
	}
	result, err := w.gen.Generate(ctx, task.Type, task.Params, hooks)
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			// The store already holds the terminal state that aborted the
			// run; any partial result is discarded.
			log.Info("task run aborted")
			return
		}
		if _, terr := w.store.Transition(ctx, task.ID, domain.TaskFailed, domain.TransitionExtra{Error: err.Error()}); terr != nil {
			log.Debug("failure state not recorded", slog.Any("error", terr))
		}
		log.Warn("task failed", slog.Any("error", err))
		return
	}
	if _, err := w.store.Transition(ctx, task.ID, domain.TaskCompleted, domain.TransitionExtra{Result: &result}); err != nil {
		// Lost the race against cancel or timeout; the result is discarded.
		log.Info("task result discarded", slog.Any("error", err))
		return
	}
	log.Info("task completed",
		slog.Int("urls", len(result.URLs)),
		slog.Int64("latency_ms", result.LatencyMS),
		slog.Int("polls", result.Polls))
}
