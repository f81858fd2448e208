package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// maxBatchTasks caps one batch submit request.
const maxBatchTasks = 20

// submitResponse is the envelope returned by the async submit endpoints.
type submitResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// asyncSubmit enqueues one task and returns immediately.
func (s *Server) asyncSubmit(typ domain.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := CredentialFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		req, ok := s.decodeGeneration(w, r)
		if !ok {
			return
		}
		task, err := s.Tasks.Submit(r.Context(), string(typ), req.params(cred), req.Priority)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, submitResponse{TaskID: task.ID, Status: string(task.Status), CreatedAt: task.CreatedAt})
	}
}

// AsyncImageGenerationHandler enqueues a text-to-image task.
func (s *Server) AsyncImageGenerationHandler() http.HandlerFunc {
	return s.asyncSubmit(domain.TaskImageGeneration)
}

// AsyncImageCompositionHandler enqueues an image blend task.
func (s *Server) AsyncImageCompositionHandler() http.HandlerFunc {
	return s.asyncSubmit(domain.TaskImageComposition)
}

// AsyncVideoGenerationHandler enqueues an image-to-video task.
func (s *Server) AsyncVideoGenerationHandler() http.HandlerFunc {
	return s.asyncSubmit(domain.TaskVideoGeneration)
}

// taskForOwner loads a task and hides it from callers that do not own it.
// Non-owners get the same 404 as a missing id so task ids do not leak.
func (s *Server) taskForOwner(r *http.Request, id string) (domain.Task, error) {
	cred, ok := CredentialFrom(r)
	if !ok {
		return domain.Task{}, domain.ErrUnauthorized
	}
	if vr := ValidateTaskID(id); !vr.Valid {
		return domain.Task{}, fmt.Errorf("%w: malformed task id", domain.ErrInvalidRequest)
	}
	t, err := s.Tasks.Status(r.Context(), id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Owner != "" && t.Owner != cred.SessionID {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return t, nil
}

// TaskStatusHandler reports the live task snapshot. Params stay redacted via
// the domain JSON tags.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.taskForOwner(r, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

// TaskResultHandler returns the terminal result of a completed task, or 409
// with the live status while the task is still in flight.
func (s *Server) TaskResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.taskForOwner(r, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		res, err := s.Tasks.Result(r.Context(), t.ID)
		if err != nil {
			writeError(w, r, err, map[string]any{"status": string(t.Status), "progress": t.Progress})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "status": string(t.Status), "result": res})
	}
}

// TaskCancelHandler cancels a pending or running task. Cancelling an already
// cancelled task reports cancelled=false rather than an error.
func (s *Server) TaskCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.taskForOwner(r, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		changed, err := s.Tasks.Cancel(r.Context(), t.ID)
		if err != nil {
			writeError(w, r, err, map[string]any{"status": string(t.Status)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "cancelled": changed})
	}
}

// TaskDeleteHandler removes a terminal task from the store.
func (s *Server) TaskDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.taskForOwner(r, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Tasks.Delete(r.Context(), t.ID); err != nil {
			writeError(w, r, err, map[string]any{"status": string(t.Status)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "deleted": true})
	}
}

// BatchSubmitHandler creates tasks one by one and reports per-item outcomes,
// so a bad entry never blocks the rest of the batch.
func (s *Server) BatchSubmitHandler() http.HandlerFunc {
	type batchItem struct {
		Type     string            `json:"type"`
		Params   generationRequest `json:"params"`
		Priority int               `json:"priority"`
	}
	type itemResult struct {
		Index     int        `json:"index"`
		TaskID    string     `json:"task_id,omitempty"`
		Status    string     `json:"status,omitempty"`
		CreatedAt *time.Time `json:"created_at,omitempty"`
		Error     *apiError  `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := CredentialFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxGenerationBody)
		var req struct {
			Tasks []batchItem `json:"tasks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidRequest), nil)
			return
		}
		// The batch shape is validated by hand: running the struct validator
		// here would fail the whole request on the first bad item, and the
		// contract is per-item outcomes.
		if len(req.Tasks) == 0 {
			writeError(w, r, fmt.Errorf("%w: tasks required", domain.ErrInvalidRequest), nil)
			return
		}
		if len(req.Tasks) > maxBatchTasks {
			writeError(w, r, fmt.Errorf("%w: batch exceeds %d tasks", domain.ErrInvalidRequest, maxBatchTasks), nil)
			return
		}
		results := make([]itemResult, 0, len(req.Tasks))
		submitted := 0
		for i, item := range req.Tasks {
			res := itemResult{Index: i}
			if verrs, err := validateStruct(item.Params); err != nil {
				res.Error = &apiError{Code: "INVALID_REQUEST", Message: "validation failed", Details: verrs}
			} else if task, err := s.Tasks.Submit(r.Context(), item.Type, item.Params.params(cred), item.Priority); err != nil {
				_, code := mapError(err)
				res.Error = &apiError{Code: code, Message: err.Error()}
			} else {
				created := task.CreatedAt
				res.TaskID = task.ID
				res.Status = string(task.Status)
				res.CreatedAt = &created
				submitted++
			}
			results = append(results, res)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results":   results,
			"submitted": submitted,
			"failed":    len(results) - submitted,
		})
	}
}

// BatchCancelHandler cancels tasks by id with one outcome per id.
func (s *Server) BatchCancelHandler() http.HandlerFunc {
	type itemResult struct {
		ID        string    `json:"id"`
		Cancelled bool      `json:"cancelled"`
		Error     *apiError `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			IDs []string `json:"ids" validate:"required,min=1,max=50,dive,min=1,max=64"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidRequest), nil)
			return
		}
		if verrs, err := validateStruct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidRequest), verrs)
			return
		}
		results := make([]itemResult, 0, len(req.IDs))
		cancelled := 0
		for _, id := range req.IDs {
			res := itemResult{ID: id}
			t, err := s.taskForOwner(r, id)
			if err == nil {
				res.Cancelled, err = s.Tasks.Cancel(r.Context(), t.ID)
			}
			if err != nil {
				_, code := mapError(err)
				res.Error = &apiError{Code: code, Message: err.Error()}
			}
			if res.Cancelled {
				cancelled++
			}
			results = append(results, res)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results, "cancelled": cancelled})
	}
}

// TaskListHandler returns the caller's tasks, newest first.
func (s *Server) TaskListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := CredentialFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		status := r.URL.Query().Get("status")
		if vr := ValidateStatusFilter(status); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: bad status filter", domain.ErrInvalidRequest), vr.Errors)
			return
		}
		limit, vr := QueryInt(r, "limit", 50, 1, 200)
		if !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: bad limit", domain.ErrInvalidRequest), vr.Errors)
			return
		}
		tasks, err := s.Tasks.List(r.Context(), cred.SessionID, status, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
	}
}

// TaskStatsHandler reports task counts per lifecycle status.
func (s *Server) TaskStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Tasks.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
