//go:build e2e

// Package e2e_test drives a running gateway over HTTP. Point E2E_BASE_URL at
// the instance under test and set E2E_TOKEN to a real sessionid to exercise
// live generations; with a synthetic token the suite still validates the
// public surface, auth boundary, task lifecycle, and error envelopes, since
// upstream failures only surface once a task runs.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// e2eFakeToken parses as a valid credential but is unknown upstream. Tasks
// submitted with it reach a terminal failed state instead of completing.
const e2eFakeToken = "0f1e2d3c4b5a69788796a5b4c3d2e1f0"

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func gatewayURL() string { return getenv("E2E_BASE_URL", "http://localhost:5566") }

func sessionToken() string { return getenv("E2E_TOKEN", e2eFakeToken) }

// liveUpstream reports whether a real sessionid was provided, i.e. whether
// completed generations are a reasonable expectation.
func liveUpstream() bool { return os.Getenv("E2E_TOKEN") != "" }

// doJSON issues an authenticated request and decodes the JSON response body.
func doJSON(t *testing.T, client *http.Client, method, path string, payload any) (int, map[string]any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s %s payload: %v", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, gatewayURL()+path, body)
	if err != nil {
		t.Fatalf("build %s %s: %v", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+sessionToken())

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s %s body: %v", method, path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode %s %s body %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, decoded
}

// waitForGatewayReady polls /healthz until the gateway answers or the
// deadline passes.
func waitForGatewayReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(gatewayURL() + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("gateway not ready at %s after %s", gatewayURL(), timeout)
}

// waitForTerminal polls the task status endpoint until the task leaves
// pending/running or the deadline passes, and returns the last view.
func waitForTerminal(t *testing.T, client *http.Client, taskID string, timeout time.Duration) map[string]any {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		code, body := doJSON(t, client, http.MethodGet, "/v1/async/tasks/"+taskID+"/status", nil)
		if code != http.StatusOK {
			t.Fatalf("status poll for %s returned %d: %#v", taskID, code, body)
		}
		last = body
		switch body["status"] {
		case "completed", "failed", "cancelled":
			return body
		}
		time.Sleep(2 * time.Second)
	}
	t.Logf("task %s still non-terminal after %s: %#v", taskID, timeout, last)
	return last
}

// submitAsyncImage submits one async image task and returns its id.
func submitAsyncImage(t *testing.T, client *http.Client, prompt string) string {
	t.Helper()

	code, body := doJSON(t, client, http.MethodPost, "/v1/async/images/generations", map[string]any{
		"prompt": prompt,
	})
	if code != http.StatusOK {
		t.Fatalf("async submit returned %d: %#v", code, body)
	}
	id, _ := body["task_id"].(string)
	if id == "" {
		t.Fatalf("async submit returned no task_id: %#v", body)
	}
	if st, _ := body["status"].(string); st != "pending" {
		t.Fatalf("fresh task should be pending, got %q", st)
	}
	return id
}

func errorCode(body map[string]any) string {
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := errObj["code"].(string)
	return code
}

func dumpJSON(t *testing.T, label string, v any) {
	t.Helper()
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Logf("%s: marshal failed: %v", label, err)
		return
	}
	t.Logf("%s:\n%s", label, raw)
}
