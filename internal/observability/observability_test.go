package observability

import (
	"context"
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/ngome/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize some metrics so they appear in Gather (CounterVec only appears after first use).
	m.SandboxExecutionsTotal.WithLabelValues("sandboxed", "success").Inc()
	m.DispatchesTotal.WithLabelValues("stop", "success").Inc()
	m.OutputsStoredTotal.WithLabelValues("txt").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"ngome_sandbox_executions_total",
		"ngome_ipc_dispatches_total",
		"ngome_outputs_stored_total",
		"ngome_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.DispatchesTotal.WithLabelValues("tasks", "success").Inc()
	m.DispatchesTotal.WithLabelValues("tasks", "success").Inc()
	m.DispatchesTotal.WithLabelValues("tasks", "error").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "ngome_ipc_dispatches_total" {
			family = f
			break
		}
	}
	if family == nil {
		t.Fatal("dispatch counter not found")
	}

	counts := make(map[string]float64)
	for _, metric := range family.GetMetric() {
		var status string
		for _, label := range metric.GetLabel() {
			if label.GetName() == "status" {
				status = label.GetValue()
			}
		}
		counts[status] = metric.GetCounter().GetValue()
	}
	if counts["success"] != 2 {
		t.Errorf("success count = %v, want 2", counts["success"])
	}
	if counts["error"] != 1 {
		t.Errorf("error count = %v, want 1", counts["error"])
	}
}

// --- HealthChecker ---

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("CheckHealth status = %q, want ok", got.Status)
	}
}

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("CheckReady status = %q, want ok", got.Status)
	}
}

func TestHealthChecker_FailingCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("index", func(ctx context.Context) error { return nil })
	h.AddCheck("sandbox", func(ctx context.Context) error { return errors.New("shell missing") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("CheckReady status = %q, want degraded", got.Status)
	}
	if got.Checks["index"].Status != "ok" {
		t.Errorf("index check = %+v, want ok", got.Checks["index"])
	}
	if got.Checks["sandbox"].Status != "fail" {
		t.Errorf("sandbox check = %+v, want fail", got.Checks["sandbox"])
	}
	if got.Checks["sandbox"].Message != "shell missing" {
		t.Errorf("sandbox message = %q", got.Checks["sandbox"].Message)
	}
}

func TestDirWritable(t *testing.T) {
	ctx := context.Background()

	check := DirWritable(t.TempDir())
	if err := check(ctx); err != nil {
		t.Errorf("writable dir: %v", err)
	}

	missing := DirWritable("/nonexistent/outputs")
	if err := missing(ctx); err == nil {
		t.Error("expected error for missing directory")
	}
}

// --- Tracing ---

func TestTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(nil)
	if err != nil {
		t.Fatalf("NewTracerSetup(nil) error: %v", err)
	}
	if ts != nil {
		t.Fatal("expected nil TracerSetup for nil config")
	}
	// Nil TracerSetup still yields a usable noop tracer.
	if ts.Tracer() == nil {
		t.Error("expected noop tracer from nil TracerSetup")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil TracerSetup: %v", err)
	}
}
