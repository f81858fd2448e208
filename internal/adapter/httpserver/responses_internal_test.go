package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

type respErr struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func Test_writeError_Mapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", domain.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
		{"model", domain.ErrUnsupportedModel, http.StatusBadRequest, "UNSUPPORTED_MODEL"},
		{"unauthorized", domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"quota", domain.ErrQuotaExceeded, http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
		{"credit", domain.ErrInsufficientCredit, http.StatusTooManyRequests, "INSUFFICIENT_CREDIT"},
		{"quota_io", domain.ErrQuotaIO, http.StatusInternalServerError, "QUOTA_IO"},
		{"upload_net", domain.ErrUploadNetwork, http.StatusBadGateway, "UPLOAD_NETWORK"},
		{"upload_to", domain.ErrUploadTimeout, http.StatusBadGateway, "UPLOAD_TIMEOUT"},
		{"upload_auth", domain.ErrUploadAuth, http.StatusBadGateway, "UPLOAD_AUTH"},
		{"upload_commit", domain.ErrUploadCommit, http.StatusBadGateway, "UPLOAD_COMMIT_FAILED"},
		{"upstream_gen", domain.ErrUpstreamGeneration, http.StatusBadGateway, "UPSTREAM_GENERATION_FAILED"},
		{"upstream_proto", domain.ErrUpstreamProtocol, http.StatusBadGateway, "UPSTREAM_PROTOCOL"},
		{"extract", domain.ErrResultExtraction, http.StatusBadGateway, "RESULT_EXTRACTION_FAILED"},
		{"poll_to", domain.ErrPollTimeout, http.StatusGatewayTimeout, "POLL_TIMEOUT"},
		{"task_missing", domain.ErrTaskNotFound, http.StatusNotFound, "TASK_NOT_FOUND"},
		{"task_pending", domain.ErrTaskNotCompleted, http.StatusConflict, "TASK_NOT_COMPLETED"},
		{"task_cancel", domain.ErrTaskCancel, http.StatusConflict, "TASK_CANCEL_FAILED"},
		{"task_delete", domain.ErrTaskDelete, http.StatusConflict, "TASK_DELETE_FAILED"},
		{"task_transition", domain.ErrTaskTransition, http.StatusConflict, "TASK_TRANSITION_FAILED"},
		{"internal", assertError("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			rw := httptest.NewRecorder()
			writeError(rw, r, c.err, nil)
			res := rw.Result()
			if res.StatusCode != c.wantStatus {
				t.Fatalf("status: got %d want %d", res.StatusCode, c.wantStatus)
			}
			var e respErr
			_ = json.NewDecoder(res.Body).Decode(&e)
			_ = res.Body.Close()
			if e.Error.Code != c.wantCode {
				t.Fatalf("code: got %s want %s", e.Error.Code, c.wantCode)
			}
		})
	}
}

func Test_writeError_WrappedChain(t *testing.T) {
	err := fmt.Errorf("op=usecase.generate: image 10/10 today: %w", domain.ErrQuotaExceeded)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	writeError(rw, r, err, nil)
	res := rw.Result()
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status: got %d want 429", res.StatusCode)
	}
	var e respErr
	_ = json.NewDecoder(res.Body).Decode(&e)
	_ = res.Body.Close()
	if e.Error.Code != "QUOTA_EXCEEDED" {
		t.Fatalf("code: got %s", e.Error.Code)
	}
	if e.Error.Message == "" {
		t.Fatalf("message should carry the wrapped chain")
	}
}

func Test_writeJSON_ContentType(t *testing.T) {
	rw := httptest.NewRecorder()
	writeJSON(rw, http.StatusOK, map[string]string{"a": "b"})
	res := rw.Result()
	if got := res.Header.Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Fatalf("content-type: got %s", got)
	}
}

type assertError string

func (a assertError) Error() string { return string(a) }
