package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/taskengine"
	"github.com/fairyhunter13/jimeng-gateway/internal/app"
	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
	"github.com/fairyhunter13/jimeng-gateway/internal/usecase"
)

const routerTestToken = "4de9a1b27c83f0e5a6b1d49f82c7e310"

func testRouter(t *testing.T, limiter httpserver.RateAllower) http.Handler {
	t.Helper()
	cfg := config.Config{Port: 5566, RateLimitPerMin: 1000, CORSAllowOrigins: "*"}
	store := taskengine.NewStore(time.Hour)
	srv := httpserver.NewServer(cfg,
		usecase.GenerateService{},
		usecase.NewTaskService(store),
		usecase.UsageService{},
		func(domain.Region) []string { return []string{"jimeng-4.0"} },
		func(context.Context) error { return nil },
		nil,
	)
	return app.BuildRouter(cfg, srv, limiter)
}

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.com, https://b.com", []string{"https://a.com", "https://b.com"}},
		{"  ,  ", []string{"*"}},
	}
	for _, c := range cases {
		got := app.ParseOrigins(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("len mismatch for %q: %v vs %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("mismatch idx %d: %v vs %v", i, got, c.want)
			}
		}
	}
}

func TestBuildRouter_PublicEndpoints(t *testing.T) {
	h := testRouter(t, nil)
	for _, target := range []string{"/healthz", "/readyz", "/ping", "/v1/models", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Result().StatusCode != http.StatusOK {
			t.Fatalf("%s: want 200, got %d", target, rec.Result().StatusCode)
		}
	}
}

func TestBuildRouter_AuthBoundary(t *testing.T) {
	h := testRouter(t, nil)
	cases := []struct {
		method string
		target string
	}{
		{http.MethodPost, "/v1/images/generations"},
		{http.MethodPost, "/v1/async/videos/generations"},
		{http.MethodGet, "/v1/usage/quota"},
		{http.MethodGet, "/v1/async/tasks"},
		{http.MethodDelete, "/v1/async/tasks/some-id"},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(c.method, c.target, nil))
		if rec.Result().StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s without credential: want 401, got %d", c.method, c.target, rec.Result().StatusCode)
		}
	}
}

func TestBuildRouter_AuthedTaskLookup(t *testing.T) {
	h := testRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/async/tasks/01J5XK3V9GQZJ4P2M8R7T6W5YD/status", nil)
	req.Header.Set("Authorization", "Bearer "+routerTestToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: want 404, got %d", rec.Result().StatusCode)
	}
}

func TestBuildRouter_SecurityHeaders(t *testing.T) {
	h := testRouter(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	res := rec.Result()
	if res.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	if res.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing frame options header")
	}
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(context.Context, string, int64) (bool, time.Duration, error) {
	return false, 42 * time.Second, nil
}

func TestBuildRouter_SessionLimiterWired(t *testing.T) {
	h := testRouter(t, denyAllLimiter{})

	req := httptest.NewRequest(http.MethodPost, "/v1/async/images/generations", strings.NewReader(`{"prompt":"x"}`))
	req.Header.Set("Authorization", "Bearer "+routerTestToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", res.StatusCode)
	}
	if got := res.Header.Get("Retry-After"); got != "42" {
		t.Fatalf("Retry-After = %q, want 42", got)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "RATE_LIMITED" {
		t.Fatalf("code = %q, want RATE_LIMITED", body.Error.Code)
	}

	// The read-only group is not session limited.
	req = httptest.NewRequest(http.MethodGet, "/v1/async/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+routerTestToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("read endpoint under deny-all limiter: want 200, got %d", rec.Result().StatusCode)
	}
}
