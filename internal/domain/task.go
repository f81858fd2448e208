package domain

import "time"

// TaskType selects which generation pipeline a task drives.
type TaskType string

const (
	TaskImageGeneration  TaskType = "image_generation"
	TaskImageComposition TaskType = "image_composition"
	TaskVideoGeneration  TaskType = "video_generation"
)

// ParseTaskType validates a client-provided task type string.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskImageGeneration, TaskImageComposition, TaskVideoGeneration:
		return TaskType(s), nil
	}
	return "", ErrInvalidRequest
}

// ServiceKind maps a task type onto its quota bucket. Compositions consume
// image quota.
func (t TaskType) ServiceKind() ServiceKind {
	if t == TaskVideoGeneration {
		return ServiceVideo
	}
	return ServiceImage
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransition encodes the task transition table:
//
//	pending  -> running, cancelled, failed (timeout)
//	running  -> completed, failed, cancelled
//	terminal -> (none)
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskPending:
		return to == TaskRunning || to == TaskCancelled || to == TaskFailed
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed || to == TaskCancelled
	}
	return false
}

// GenerationParams is the client request payload for one generation, shared by
// the sync endpoints and async task params. Credential never leaves the
// process; outward task views must redact it.
type GenerationParams struct {
	Model            string     `json:"model"`
	Prompt           string     `json:"prompt"`
	NegativePrompt   string     `json:"negative_prompt,omitempty"`
	Ratio            string     `json:"ratio,omitempty"`      // e.g. 16:9
	Resolution       string     `json:"resolution,omitempty"` // 480p|720p|1080p|2k
	SampleStrength   *float64   `json:"sample_strength,omitempty"`
	Seed             *int64     `json:"seed,omitempty"`
	Count            int        `json:"count,omitempty"` // multi-image target
	Images           []string   `json:"images,omitempty"`
	DurationSeconds  int        `json:"duration,omitempty"` // video
	IntelligentRatio bool       `json:"intelligent_ratio,omitempty"`
	Credential       Credential `json:"-"`
}

// TaskResult is the terminal payload of a successful task.
type TaskResult struct {
	URLs      []string `json:"urls"`
	HistoryID string   `json:"history_id,omitempty"`
	LatencyMS int64    `json:"latency_ms"`
	Polls     int      `json:"polls,omitempty"`
}

// Task is one asynchronous generation job tracked by the task store.
// Invariants: terminal tasks never transition; StartedAt <= CompletedAt when
// both set; Progress == 100 iff Status == completed; cancellation only from
// pending or running.
type Task struct {
	ID          string           `json:"id"`
	Type        TaskType         `json:"type"`
	Status      TaskStatus       `json:"status"`
	Priority    int              `json:"priority"`
	Params      GenerationParams `json:"-"`
	Progress    int              `json:"progress"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      *TaskResult      `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Owner       string           `json:"owner,omitempty"`
}

// TaskStore is the in-memory task registry port.
type TaskStore interface {
	Create(ctx Context, typ TaskType, params GenerationParams, priority int, owner string) (Task, error)
	Get(ctx Context, id string) (Task, error)
	List(ctx Context, owner string, status TaskStatus, limit int) ([]Task, error)
	// Transition validates against the transition table and applies extras.
	Transition(ctx Context, id string, status TaskStatus, extra TransitionExtra) (Task, error)
	// SetProgress bumps progress monotonically for a running task.
	SetProgress(ctx Context, id string, progress int) error
	// SetTimeout arms a deadline after which the task fails with a timeout error.
	SetTimeout(ctx Context, id string, d time.Duration) error
	// Cancel moves a pending/running task to cancelled; reports whether state changed.
	Cancel(ctx Context, id string) (bool, error)
	// Delete removes a terminal task.
	Delete(ctx Context, id string) error
	// Pending returns pending tasks, priority descending, creation time ascending.
	Pending(ctx Context) ([]Task, error)
	Stats(ctx Context) (map[TaskStatus]int, error)
}

// TransitionExtra carries optional fields applied with a status transition.
type TransitionExtra struct {
	Result   *TaskResult
	Error    string
	Progress *int
}
