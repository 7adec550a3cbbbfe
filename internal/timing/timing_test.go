package timing

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/orblab/orblab/internal/orbstack"
)

func TestTimedLogsStartAndCompletion(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	done := Timed(logger, "vm_create")
	done(nil)

	logs := buf.String()
	if !strings.Contains(logs, "starting vm_create") {
		t.Fatalf("missing start line: %q", logs)
	}
	if !strings.Contains(logs, "completed vm_create in") {
		t.Fatalf("missing completion line: %q", logs)
	}
}

func TestTimedLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	done := Timed(logger, "vm_delete")
	done(errors.New("boom"))

	if !strings.Contains(buf.String(), "failed vm_delete after") {
		t.Fatalf("missing failure line: %q", buf.String())
	}
}

func TestOperationPassesErrorThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	wantErr := errors.New("boom")

	err := Operation(context.Background(), logger, "deploy", func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Operation() error = %v, want %v", err, wantErr)
	}
}

func TestMetricsObserveExecution(t *testing.T) {
	m := NewMetrics()

	m.ObserveExecution(context.Background(), orbstack.ExecutionRecord{
		Operation: "run", Success: true, Attempts: 1, Duration: 120 * time.Millisecond,
	})
	m.ObserveExecution(context.Background(), orbstack.ExecutionRecord{
		Operation: "run", Success: false, Attempts: 4, Duration: 8 * time.Second,
	})
	m.ObserveExecution(context.Background(), orbstack.ExecutionRecord{
		Operation: "push", Error: "command timed out", Duration: time.Minute,
	})

	if got := testutil.ToFloat64(m.executionsTotal.WithLabelValues("run", "success")); got != 1 {
		t.Fatalf("run success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.executionsTotal.WithLabelValues("run", "failure")); got != 1 {
		t.Fatalf("run failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.executionsTotal.WithLabelValues("push", "error")); got != 1 {
		t.Fatalf("push error = %v, want 1", got)
	}
}

func TestMetricsIncRetry(t *testing.T) {
	m := NewMetrics()
	m.IncRetry()
	m.IncRetry()
	if got := testutil.ToFloat64(m.retriesTotal); got != 2 {
		t.Fatalf("retries = %v, want 2", got)
	}
}

func TestSetMachineStatesReplacesCounts(t *testing.T) {
	m := NewMetrics()
	m.SetMachineStates(map[string]int{"running": 3, "stopped": 1})
	if got := testutil.ToFloat64(m.machines.WithLabelValues("running")); got != 3 {
		t.Fatalf("running = %v, want 3", got)
	}

	// A later poll fully replaces the previous one.
	m.SetMachineStates(map[string]int{"running": 2})
	if got := testutil.ToFloat64(m.machines.WithLabelValues("running")); got != 2 {
		t.Fatalf("running = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.machines.WithLabelValues("stopped")); got != 0 {
		t.Fatalf("stopped = %v, want 0", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.IncRetry()
	m.ObserveExecution(context.Background(), orbstack.ExecutionRecord{Operation: "run"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code == 0 {
		t.Fatal("handler did not respond")
	}
}

func TestMetricsHandlerServes(t *testing.T) {
	m := NewMetrics()
	m.IncRetry()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "orblab_exec_retries_total") {
		t.Fatalf("metrics body missing retry counter:\n%s", rec.Body.String())
	}
}
