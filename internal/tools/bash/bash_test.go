package bash

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/ngome/internal/jobs"
	"github.com/jkaninda/ngome/internal/output"
	"github.com/jkaninda/ngome/internal/permission"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	tool  *Tool
	jobs  *jobs.Registry
	store *output.Store
}

func newTestTool(t *testing.T, perms permission.Handler) *env {
	t.Helper()
	logger := discardLogger()
	store, err := output.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := jobs.New(logger)
	sb := sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, logger)
	tool := New(sb, reg, store, perms, nil, logger, Options{WorkDir: t.TempDir()})
	return &env{tool: tool, jobs: reg, store: store}
}

func decodeResult(t *testing.T, res *tools.Result) runResult {
	t.Helper()
	payload := strings.TrimPrefix(res.Output, "bash command failed: ")
	var out runResult
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		t.Fatalf("decoding result %q: %v", res.Output, err)
	}
	return out
}

func waitForTerminal(t *testing.T, reg *jobs.Registry, taskID string) jobs.Summary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := reg.Get(taskID); ok && s.Status.Terminal() {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", taskID)
	return jobs.Summary{}
}

func TestExecuteForeground(t *testing.T) {
	e := newTestTool(t, permission.AllowAll{})
	res, err := e.tool.Execute(context.Background(), map[string]any{"script": "echo hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("not successful: %s", res.Output)
	}
	out := decodeResult(t, res)
	if out.ExitCode != 0 {
		t.Fatalf("exit code = %d", out.ExitCode)
	}
	if out.Stdout.Content == nil || out.Stdout.Content.Text != "hi\n" {
		t.Fatalf("stdout = %+v", out.Stdout)
	}
	if out.Stderr != nil {
		t.Fatalf("unexpected stderr: %+v", out.Stderr)
	}
	if out.Status != "" || out.TaskID != "" {
		t.Fatalf("foreground result carries job fields: %+v", out)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	e := newTestTool(t, permission.AllowAll{})
	res, err := e.tool.Execute(context.Background(), map[string]any{"script": "echo boom >&2; exit 2"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("failed command reported success")
	}
	if !strings.HasPrefix(res.Output, "bash command failed: ") {
		t.Fatalf("output = %q", res.Output)
	}
	out := decodeResult(t, res)
	if out.ExitCode != 2 {
		t.Fatalf("exit code = %d", out.ExitCode)
	}
	if out.Stderr == nil || !strings.Contains(out.Stderr.Content.Text, "boom") {
		t.Fatalf("stderr = %+v", out.Stderr)
	}
}

func TestExecuteMissingScript(t *testing.T) {
	e := newTestTool(t, permission.AllowAll{})
	if _, err := e.tool.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := e.tool.Execute(context.Background(), map[string]any{"script": "  "}); err == nil {
		t.Fatal("expected error for blank script")
	}
}

func TestExecutePermissionDenied(t *testing.T) {
	e := newTestTool(t, permission.DenyUnsafe{})
	res, err := e.tool.Execute(context.Background(), map[string]any{
		"script": "echo hi",
		"mode":   "unsafe",
	})
	if err != nil {
		t.Fatalf("denial must not be an error: %v", err)
	}
	if res.Success {
		t.Fatal("denied execution reported success")
	}
	if !strings.Contains(res.Output, "Permission denied") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestExecuteUnknownModeRejected(t *testing.T) {
	e := newTestTool(t, permission.AllowAll{})
	if _, err := e.tool.Execute(context.Background(), map[string]any{
		"script": "echo hi",
		"mode":   "yolo",
	}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestExecuteBackground(t *testing.T) {
	e := newTestTool(t, permission.AllowAll{})
	res, err := e.tool.Execute(context.Background(), map[string]any{
		"script":  "echo started; sleep 0.1",
		"timeout": float64(0),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("not successful: %s", res.Output)
	}
	out := decodeResult(t, res)
	if out.Status != "running" {
		t.Fatalf("status = %q", out.Status)
	}
	if out.TaskID == "" || out.PID <= 0 {
		t.Fatalf("missing job identity: %+v", out)
	}
	if out.Stdout.Content == nil {
		t.Fatal("ack has no stdout preview")
	}

	sum := waitForTerminal(t, e.jobs, out.TaskID)
	if sum.Status != jobs.StatusCompleted || sum.ExitCode != 0 {
		t.Fatalf("job = %+v", sum)
	}

	// The live output file must have captured stdout.
	data, err := os.ReadFile(sum.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "started") {
		t.Fatalf("output file = %q", data)
	}

	completed := e.jobs.DrainCompleted()
	if len(completed) != 1 || completed[0].TaskID != out.TaskID {
		t.Fatalf("drain = %+v", completed)
	}
}

func TestExecuteTimeoutPromotesToBackground(t *testing.T) {
	e := newTestTool(t, permission.AllowAll{})
	start := time.Now()
	res, err := e.tool.Execute(context.Background(), map[string]any{
		"script":  "echo before; sleep 30",
		"timeout": float64(1),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("promotion took too long: %s", elapsed)
	}
	out := decodeResult(t, res)
	if out.Status != "running" || out.TaskID == "" {
		t.Fatalf("promotion ack = %+v", out)
	}
	if out.Stdout.Content == nil || !strings.Contains(out.Stdout.Content.Text, "before") {
		t.Fatalf("preview = %+v", out.Stdout)
	}
	if res.Metadata["promotion_reason"] == nil {
		t.Fatalf("metadata = %+v", res.Metadata)
	}

	if !e.jobs.KillByTaskID(out.TaskID) {
		t.Fatal("promoted job not killable")
	}
	sum := waitForTerminal(t, e.jobs, out.TaskID)
	if sum.Status != jobs.StatusKilled {
		t.Fatalf("status = %q", sum.Status)
	}
}

func TestExecuteLargeOutputStored(t *testing.T) {
	e := newTestTool(t, permission.AllowAll{})
	res, err := e.tool.Execute(context.Background(), map[string]any{
		"script":    "seq 1 2000",
		"max_lines": float64(800),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decodeResult(t, res)
	if !out.Stdout.IsStored() {
		t.Fatalf("large output not stored: %+v", out.Stdout)
	}
	if !strings.HasPrefix(out.Stdout.URL, "outputs/") {
		t.Fatalf("url = %q", out.Stdout.URL)
	}
	data, err := e.store.Read(out.Stdout.URL)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.HasPrefix(string(data), "1\n2\n") {
		t.Fatalf("stored data = %q", data[:20])
	}
}

func TestExecuteLineLimitKeepsTeeFile(t *testing.T) {
	e := newTestTool(t, permission.AllowAll{})
	res, err := e.tool.Execute(context.Background(), map[string]any{
		"script":    "for i in $(seq 1 50); do echo $i; done",
		"max_lines": float64(10),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decodeResult(t, res)
	if !out.Stdout.IsStored() {
		t.Fatalf("line overflow not referenced: %+v", out.Stdout)
	}
	if !strings.Contains(out.Stdout.Content.Text, "[showing last 10 of 50 lines]") {
		t.Fatalf("preview = %q", out.Stdout.Content.Text)
	}
	if !strings.HasSuffix(out.Stdout.Content.Text[:len(out.Stdout.Content.Text)-len("\n[showing last 10 of 50 lines]")], "50") {
		t.Fatalf("preview tail = %q", out.Stdout.Content.Text)
	}
	// Full output must be readable at the referenced path.
	path := filepath.Join(e.store.Dir(), strings.TrimPrefix(out.Stdout.URL, "outputs/"))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "1\n2\n") {
		t.Fatalf("tee file = %q", data)
	}
}

func TestExecuteInlineRunRemovesTeeFile(t *testing.T) {
	e := newTestTool(t, permission.AllowAll{})
	res, err := e.tool.Execute(context.Background(), map[string]any{"script": "echo small"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("not successful: %s", res.Output)
	}
	files, err := os.ReadDir(e.store.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("leftover files: %v", files)
	}
}

func TestExecuteEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	logger := discardLogger()
	store, err := output.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sb := sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, logger)
	tool := New(sb, jobs.New(logger), store, permission.AllowAll{}, nil, logger, Options{
		WorkDir: t.TempDir(),
		Tracer:  tracer,
	})

	if _, err := tool.Execute(context.Background(), map[string]any{"script": "echo hi"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "bash.execute" {
		t.Fatalf("spans = %+v", spans)
	}
	var mode string
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "bash.mode" {
			mode = attr.Value.AsString()
		}
	}
	if mode != "sandboxed" {
		t.Errorf("bash.mode attribute = %q", mode)
	}
}

func TestExecuteBackgroundIndexesOutputFile(t *testing.T) {
	logger := discardLogger()
	index, err := output.OpenIndex(filepath.Join(t.TempDir(), "index.db"), logger)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer index.Close()
	store, err := output.NewStore(t.TempDir(), logger, output.WithIndex(index))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := jobs.New(logger)
	sb := sandbox.NewProcessSandbox(sandbox.ProcessConfig{}, logger)
	tool := New(sb, reg, store, permission.AllowAll{}, nil, logger, Options{WorkDir: t.TempDir()})

	res, err := tool.Execute(context.Background(), map[string]any{
		"script":  "echo job output",
		"timeout": float64(0),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decodeResult(t, res)
	waitForTerminal(t, reg, out.TaskID)

	// The tee file enters the index once the job is terminal; the
	// registration runs just after the status flips, so poll briefly.
	url := "outputs/" + out.TaskID + ".txt"
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := index.Get(context.Background(), url)
		if err == nil && rec != nil {
			if rec.TaskID != out.TaskID || rec.SizeBytes == 0 {
				t.Fatalf("record = %+v", rec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tee file %s never indexed: %v", url, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTailLines(t *testing.T) {
	text := "a\nb\nc\nd\n"
	got, total, truncated := tailLines(text, 2)
	if got != "c\nd" || total != 4 || !truncated {
		t.Fatalf("tailLines = %q, %d, %v", got, total, truncated)
	}
	got, total, truncated = tailLines("a\nb", 5)
	if got != "a\nb" || total != 2 || truncated {
		t.Fatalf("tailLines = %q, %d, %v", got, total, truncated)
	}
}

func TestHeadLines(t *testing.T) {
	got, truncated := headLines("a\nb\nc\n", 2)
	if got != "a\nb" || !truncated {
		t.Fatalf("headLines = %q, %v", got, truncated)
	}
	got, truncated = headLines("only\n", 2)
	if got != "only\n" || truncated {
		t.Fatalf("headLines = %q, %v", got, truncated)
	}
}
