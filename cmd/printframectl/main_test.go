package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"printframe/pkg/domain"
)

func newStatusServer(t *testing.T, completeAfter int32) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/batches/b1/status":
			n := calls.Add(1)
			agg := domain.AggregateStatus{Total: 2, Processing: 2}
			if completeAfter > 0 && n >= completeAfter {
				agg = domain.AggregateStatus{Total: 2, Completed: 1, Failed: 1, Progress: 50, IsComplete: true}
			}
			_ = json.NewEncoder(w).Encode(agg)
		case r.Method == http.MethodPost && r.URL.Path == "/batches/b1/dispatch":
			_ = json.NewEncoder(w).Encode(domain.DispatchResult{Success: true, ProcessedCount: 2, Errors: []string{}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "batch not found"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWatchExitsZeroOnComplete(t *testing.T) {
	srv := newStatusServer(t, 3)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-addr", srv.URL, "-interval", "20ms", "-timeout", "5s", "watch", "b1"}, &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "batch b1 complete: 1 completed, 1 failed") {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestWatchExitsTwoOnTimeout(t *testing.T) {
	srv := newStatusServer(t, 0)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-addr", srv.URL, "-interval", "10ms", "-timeout", "60ms", "watch", "b1"}, &stdout, &stderr)
	if code != exitTimeout {
		t.Fatalf("exit code = %d, want %d", code, exitTimeout)
	}
	if !strings.Contains(stderr.String(), "still running") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestStatusAndDispatch(t *testing.T) {
	srv := newStatusServer(t, 1)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"-addr", srv.URL, "status", "b1"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("status exit code = %d, stderr: %s", code, stderr.String())
	}
	var agg domain.AggregateStatus
	if err := json.Unmarshal(stdout.Bytes(), &agg); err != nil || !agg.IsComplete {
		t.Fatalf("unexpected status output %q: %v", stdout.String(), err)
	}

	stdout.Reset()
	if code := run(context.Background(), []string{"-addr", srv.URL, "dispatch", "b1"}, &stdout, &stderr); code != exitOK {
		t.Fatalf("dispatch exit code = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"processedCount": 2`) {
		t.Fatalf("unexpected dispatch output: %s", stdout.String())
	}

	stderr.Reset()
	if code := run(context.Background(), []string{"-addr", srv.URL, "status", "missing"}, &stdout, &stderr); code != exitErr {
		t.Fatalf("missing batch exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "batch not found") {
		t.Fatalf("expected server error message, got %s", stderr.String())
	}
}

func TestUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"status"}, &stdout, &stderr); code != exitErr {
		t.Fatalf("missing batch id exit code = %d", code)
	}
	if code := run(context.Background(), []string{"frobnicate", "b1"}, &stdout, &stderr); code != exitErr {
		t.Fatalf("unknown command exit code = %d", code)
	}
}
