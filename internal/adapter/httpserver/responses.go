package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// mapError resolves a domain error chain to its HTTP status and stable code.
// Batch endpoints reuse it for per-item error entries.
func mapError(err error) (status int, code string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrUnsupportedModel):
		return http.StatusBadRequest, "UNSUPPORTED_MODEL"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case errors.Is(err, domain.ErrInsufficientCredit):
		return http.StatusTooManyRequests, "INSUFFICIENT_CREDIT"
	case errors.Is(err, domain.ErrQuotaIO):
		return http.StatusInternalServerError, "QUOTA_IO"
	case errors.Is(err, domain.ErrUploadTimeout):
		return http.StatusBadGateway, "UPLOAD_TIMEOUT"
	case errors.Is(err, domain.ErrUploadNetwork):
		return http.StatusBadGateway, "UPLOAD_NETWORK"
	case errors.Is(err, domain.ErrUploadAuth):
		return http.StatusBadGateway, "UPLOAD_AUTH"
	case errors.Is(err, domain.ErrUploadCommit):
		return http.StatusBadGateway, "UPLOAD_COMMIT_FAILED"
	case errors.Is(err, domain.ErrUpstreamGeneration):
		return http.StatusBadGateway, "UPSTREAM_GENERATION_FAILED"
	case errors.Is(err, domain.ErrUpstreamProtocol):
		return http.StatusBadGateway, "UPSTREAM_PROTOCOL"
	case errors.Is(err, domain.ErrResultExtraction):
		return http.StatusBadGateway, "RESULT_EXTRACTION_FAILED"
	case errors.Is(err, domain.ErrPollTimeout):
		return http.StatusGatewayTimeout, "POLL_TIMEOUT"
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound, "TASK_NOT_FOUND"
	case errors.Is(err, domain.ErrTaskNotCompleted):
		return http.StatusConflict, "TASK_NOT_COMPLETED"
	case errors.Is(err, domain.ErrTaskCancel):
		return http.StatusConflict, "TASK_CANCEL_FAILED"
	case errors.Is(err, domain.ErrTaskDelete):
		return http.StatusConflict, "TASK_DELETE_FAILED"
	case errors.Is(err, domain.ErrTaskTransition):
		return http.StatusConflict, "TASK_TRANSITION_FAILED"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	status, code := mapError(err)
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error(), Details: details}})
}
