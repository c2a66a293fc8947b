// Package bash implements the sandboxed shell execution tool. It is the
// bridge between the agent and the OS: the permission policy gates every
// run, scripts execute inside a process sandbox, long runs become
// background jobs tracked by the job registry, and large output lands in
// the output store as a URL instead of raw bytes.
package bash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/jobs"
	"github.com/jkaninda/ngome/internal/naming"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/output"
	"github.com/jkaninda/ngome/internal/permission"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/tools"
)

const (
	// DefaultMaxLines is how many output lines come back inline when the
	// caller does not say otherwise.
	DefaultMaxLines = 200

	// MaxLinesCeiling caps max_lines no matter what the caller asks for.
	MaxLinesCeiling = 800

	defaultTimeout = 30 * time.Second
	maxTimeout     = 10 * time.Minute

	noOutputYet = "(no output yet)"
)

// Options tunes a bash tool instance. Zero values pick safe defaults.
type Options struct {
	// DefaultTimeout is the foreground budget when the call omits "timeout".
	DefaultTimeout time.Duration

	// MaxTimeout clamps the foreground budget.
	MaxTimeout time.Duration

	// WorkDir is the session working directory scripts run in.
	WorkDir string

	// PathDirs are prepended to the sandboxed PATH, typically the
	// wrapper-script directory exposing IPC commands.
	PathDirs []string

	// Env adds extra environment variables to every execution.
	Env map[string]string

	// Tracer emits a span per invocation when set.
	Tracer trace.Tracer
}

// Tool runs shell scripts through the sandbox. It implements tools.Tool.
type Tool struct {
	sandbox sandbox.Sandbox
	jobs    *jobs.Registry
	store   *output.Store
	perms   permission.Handler
	metrics *observability.MetricsCollector
	logger  *slog.Logger
	opts    Options
}

// New creates the bash tool. Metrics may be nil.
func New(
	sb sandbox.Sandbox,
	reg *jobs.Registry,
	store *output.Store,
	perms permission.Handler,
	metrics *observability.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) *Tool {
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.MaxTimeout == 0 {
		opts.MaxTimeout = maxTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{
		sandbox: sb,
		jobs:    reg,
		store:   store,
		perms:   perms,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
	}
}

func (t *Tool) Name() string { return "bash" }

func (t *Tool) Description() string {
	return `Execute a shell script in a sandboxed environment.

Modes: "sandboxed" (default, no network), "network" (first-use approval),
"unsafe" (full access, approved per script).

Timeout semantics: 0 runs the script in the background immediately and
returns a task id; a positive timeout runs it in the foreground for up to
that many seconds, after which it is moved to the background and the task
id is returned instead.

Output over the inline limit is saved to a file under outputs/ and you
receive its path; read it with head, tail or grep. Background job output
streams to a file you can tail while the job runs.`
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"script": map[string]any{
				"type":        "string",
				"description": "Shell script to execute.",
			},
			"mode": map[string]any{
				"type":        "string",
				"enum":        []string{"sandboxed", "network", "unsafe"},
				"description": "Execution mode. Defaults to sandboxed.",
			},
			"expect": map[string]any{
				"type":        "string",
				"enum":        []string{"text", "image", "video", "binary", "auto"},
				"description": "Expected output format. Defaults to auto-detection.",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Seconds to wait in the foreground. 0 backgrounds immediately; on expiry the run is promoted to a background job.",
			},
			"max_lines": map[string]any{
				"type":        "integer",
				"description": "Maximum output lines returned inline. Defaults to 200, capped at 800.",
			},
		},
		"required": []string{"script"},
	}
}

// runResult is the JSON payload returned to the agent.
type runResult struct {
	Stdout   output.Entry  `json:"stdout"`
	Stderr   *output.Entry `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	TaskID   string        `json:"task_id,omitempty"`
	PID      int           `json:"pid,omitempty"`
	Status   string        `json:"status,omitempty"`
}

// Execute runs one script per the parsed parameters.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	script, _ := params["script"].(string)
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("script is required")
	}

	mode, err := permission.ParseMode(stringParam(params, "mode"))
	if err != nil {
		return nil, err
	}
	expect := output.ParseFormat(stringParam(params, "expect"))
	maxLines := intParam(params, "max_lines", DefaultMaxLines)
	if maxLines < 1 {
		maxLines = 1
	}
	if maxLines > MaxLinesCeiling {
		maxLines = MaxLinesCeiling
	}
	timeout, background := t.resolveTimeout(params)

	if t.opts.Tracer != nil {
		var span trace.Span
		ctx, span = t.opts.Tracer.Start(ctx, "bash.execute",
			trace.WithAttributes(
				attribute.String("bash.mode", string(mode)),
				attribute.Bool("bash.background", background),
			))
		defer span.End()
	}

	allowed, err := t.perms.Check(ctx, mode, script)
	if err != nil {
		if errors.Is(err, permission.ErrDenied) {
			t.record(mode, "denied")
			return denied(mode, err.Error()), nil
		}
		return nil, fmt.Errorf("permission check: %w", err)
	}
	if !allowed {
		t.record(mode, "denied")
		return denied(mode, ""), nil
	}

	taskID := naming.TaskID()
	teeURL := "outputs/" + taskID + ".txt"
	req := sandbox.ExecutionRequest{
		Script:     script,
		WorkingDir: t.opts.WorkDir,
		Env:        t.opts.Env,
		PathDirs:   t.opts.PathDirs,
		OutputPath: filepath.Join(t.store.Dir(), taskID+".txt"),
	}

	proc, err := t.sandbox.Start(ctx, req)
	if err != nil {
		t.record(mode, "spawn_error")
		return nil, fmt.Errorf("starting sandboxed process: %w", err)
	}

	if background {
		return t.backgroundAck(ctx, proc, script, mode, taskID, req.OutputPath, maxLines, "")
	}
	return t.foreground(ctx, proc, script, mode, expect, taskID, teeURL, req.OutputPath, timeout, maxLines)
}

// foreground waits for the process up to timeout, then either renders the
// completed result or promotes the run to a background job.
func (t *Tool) foreground(
	ctx context.Context,
	proc *sandbox.Process,
	script string,
	mode permission.Mode,
	expect output.Format,
	taskID, teeURL, outputPath string,
	timeout time.Duration,
	maxLines int,
) (*tools.Result, error) {
	start := time.Now()
	type waitOutcome struct {
		code int
		err  error
	}
	done := make(chan waitOutcome, 1)
	go func() {
		code, err := proc.Wait()
		done <- waitOutcome{code, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = proc.Signal(syscall.SIGKILL)
		<-done
		t.store.Remove(teeURL)
		t.record(mode, "cancelled")
		return nil, ctx.Err()

	case w := <-done:
		if w.err != nil {
			t.store.Remove(teeURL)
			t.record(mode, "error")
			return nil, fmt.Errorf("waiting for process: %w", w.err)
		}
		return t.renderCompleted(ctx, proc, mode, expect, taskID, teeURL, w.code, maxLines, time.Since(start))

	case <-timer.C:
		promoted, err := t.backgroundAck(ctx, proc, script, mode, taskID, outputPath, maxLines,
			fmt.Sprintf("still running after %s, moved to background", timeout))
		if err != nil {
			return nil, err
		}
		t.logger.Info("foreground command promoted to background",
			slog.String("task_id", taskID),
			slog.Duration("timeout", timeout),
		)
		t.record(mode, "promoted")
		return promoted, nil
	}
}

// renderCompleted builds the result for a foreground run that finished
// within its budget.
func (t *Tool) renderCompleted(
	ctx context.Context,
	proc *sandbox.Process,
	mode permission.Mode,
	expect output.Format,
	taskID, teeURL string,
	exitCode, maxLines int,
	elapsed time.Duration,
) (*tools.Result, error) {
	stdout := proc.Stdout()
	stderr := proc.Stderr()

	stdoutEntry, keepTee, err := t.renderStdout(ctx, stdout, expect, taskID, teeURL, maxLines)
	if err != nil {
		return nil, err
	}
	if keepTee {
		if err := t.store.RecordStored(ctx, teeURL, taskID); err != nil {
			t.logger.Warn("indexing kept output file failed",
				slog.String("url", teeURL),
				slog.String("error", err.Error()),
			)
		}
	} else {
		t.store.Remove(teeURL)
	}

	res := runResult{Stdout: stdoutEntry, ExitCode: exitCode}
	if len(stderr) > 0 {
		e := inlineTail(string(stderr), maxLines)
		res.Stderr = &e
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	t.logger.Info("bash command completed",
		slog.String("task_id", taskID),
		slog.String("mode", string(mode)),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", elapsed),
	)
	if t.metrics != nil {
		t.metrics.SandboxExecutionDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
	}

	meta := map[string]any{"task_id": taskID, "exit_code": exitCode}
	if exitCode != 0 {
		t.record(mode, "failed")
		return &tools.Result{
			Output:   "bash command failed: " + string(payload),
			Metadata: meta,
			Success:  false,
		}, nil
	}
	t.record(mode, "ok")
	return &tools.Result{Output: string(payload), Metadata: meta, Success: true}, nil
}

// renderStdout classifies stdout for the result. Small output stays inline;
// over the byte limit the output store takes it; over the line limit the
// live tee file already holds the full text, so it becomes the reference
// and only a tail preview is returned.
func (t *Tool) renderStdout(
	ctx context.Context,
	data []byte,
	expect output.Format,
	taskID, teeURL string,
	maxLines int,
) (output.Entry, bool, error) {
	if len(data) == 0 {
		return output.Entry{}, false, nil
	}

	entry, err := t.store.Save(ctx, data, expect, taskID)
	if err != nil {
		return output.Entry{}, false, fmt.Errorf("saving output: %w", err)
	}
	if entry.IsStored() || entry.Content == nil || entry.Content.Type != "text" {
		return entry, false, nil
	}

	preview, total, truncated := tailLines(entry.Content.Text, maxLines)
	if !truncated {
		return entry, false, nil
	}
	text := fmt.Sprintf("%s\n[showing last %d of %d lines]", preview, maxLines, total)
	return output.Entry{URL: teeURL, Content: output.TextContent(text, true)}, true, nil
}

// backgroundAck registers the process as a background job and returns the
// running acknowledgement. reason is non-empty for timeout promotions.
func (t *Tool) backgroundAck(
	ctx context.Context,
	proc *sandbox.Process,
	script string,
	mode permission.Mode,
	taskID, outputPath string,
	maxLines int,
	reason string,
) (*tools.Result, error) {
	spec := jobs.Spec{
		TaskID:     taskID,
		PID:        proc.PID(),
		Script:     script,
		Mode:       string(mode),
		OutputPath: outputPath,
		Stdin:      proc.StdinPipe(),
		Process:    proc.OSProcess(),
		Wait:       proc.Wait,
		Signal:     proc.Signal,
		OnFinish:   t.finalizeTee,
	}
	if err := t.jobs.Register(spec); err != nil {
		_ = proc.Signal(syscall.SIGKILL)
		proc.Wait()
		t.record(mode, "error")
		return nil, fmt.Errorf("registering background job: %w", err)
	}

	preview := noOutputYet
	if snapshot := proc.Stdout(); len(snapshot) > 0 {
		preview, _ = headLines(string(snapshot), maxLines)
	}

	res := runResult{
		Stdout: output.Entry{Content: output.TextContent(preview, false)},
		TaskID: taskID,
		PID:    proc.PID(),
		Status: string(jobs.StatusRunning),
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	meta := map[string]any{"task_id": taskID, "pid": proc.PID(), "background": true}
	if reason != "" {
		meta["promotion_reason"] = reason
	} else {
		t.record(mode, "background")
	}
	t.logger.Info("background job started",
		slog.String("task_id", taskID),
		slog.Int("pid", proc.PID()),
		slog.String("mode", string(mode)),
	)
	return &tools.Result{Output: string(payload), Metadata: meta, Success: true}, nil
}

// finalizeTee settles a background job's tee file once the job is
// terminal: an empty file is removed, anything else enters the index so
// listings and retention sweeps see it.
func (t *Tool) finalizeTee(done jobs.Completed) {
	if done.OutputPath == "" {
		return
	}
	url := "outputs/" + done.TaskID + ".txt"
	info, err := os.Stat(done.OutputPath)
	if err != nil || info.Size() == 0 {
		_ = t.store.Remove(url)
		return
	}
	if err := t.store.RecordStored(context.Background(), url, done.TaskID); err != nil {
		t.logger.Warn("indexing job output failed",
			slog.String("task_id", done.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Tool) resolveTimeout(params map[string]any) (time.Duration, bool) {
	v, ok := params["timeout"]
	if !ok {
		return clampTimeout(t.opts.DefaultTimeout, t.opts.MaxTimeout), false
	}
	seconds, ok := asFloat(v)
	if !ok || seconds <= 0 {
		return 0, true
	}
	return clampTimeout(time.Duration(seconds*float64(time.Second)), t.opts.MaxTimeout), false
}

func clampTimeout(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

func (t *Tool) record(mode permission.Mode, status string) {
	if t.metrics != nil {
		t.metrics.SandboxExecutionsTotal.WithLabelValues(string(mode), status).Inc()
	}
}

func denied(mode permission.Mode, detail string) *tools.Result {
	msg := fmt.Sprintf("Permission denied for %s execution.", mode.Description())
	if detail != "" {
		msg += " " + detail
	}
	return &tools.Result{Output: msg, Success: false}
}

// inlineTail builds a plain inline entry capped at maxLines from the end.
func inlineTail(text string, maxLines int) output.Entry {
	preview, total, truncated := tailLines(text, maxLines)
	if truncated {
		preview = fmt.Sprintf("%s\n[showing last %d of %d lines]", preview, maxLines, total)
	}
	return output.Entry{Content: output.TextContent(preview, truncated)}
}

// tailLines returns the last n lines of text, the total line count, and
// whether anything was dropped.
func tailLines(text string, n int) (string, int, bool) {
	lines := splitLines(text)
	if len(lines) <= n {
		return text, len(lines), false
	}
	return strings.Join(lines[len(lines)-n:], "\n"), len(lines), true
}

// headLines returns the first n lines of text and whether anything was
// dropped.
func headLines(text string, n int) (string, bool) {
	lines := splitLines(text)
	if len(lines) <= n {
		return text, false
	}
	return strings.Join(lines[:n], "\n"), true
}

// splitLines splits on newlines without counting a trailing newline as an
// extra empty line.
func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	f, ok := asFloat(v)
	if !ok {
		return def
	}
	return int(f)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
