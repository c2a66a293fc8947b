// Package jobs tracks background processes spawned by the bash sandbox.
//
// The registry is the single source of truth for background jobs: it owns
// the process handles and stdin pipes, serializes status transitions per
// task, and feeds completions to the agent loop via DrainCompleted.
package jobs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/ngome/internal/observability"
)

// Sentinel errors returned by registry operations.
var (
	ErrNotFound      = errors.New("job not found or already dead")
	ErrDuplicateTask = errors.New("task id already registered for a live job")
)

// Status is the lifecycle state of a background job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool { return s != StatusRunning }

// Spec describes a freshly spawned background process handed to the registry.
type Spec struct {
	TaskID     string
	PID        int
	Script     string
	Mode       string // Permission mode the job was started under.
	OutputPath string // File receiving the job's combined output, if any.
	Stdin      io.WriteCloser
	Process    *os.Process

	// Wait blocks until the process exits and returns its exit code.
	// The registry runs it on a dedicated goroutine (the reaper).
	Wait func() (int, error)

	// Signal overrides signal delivery, used in tests. When nil the
	// registry signals Process, or the PID directly as a fallback.
	Signal func(os.Signal) error

	// OnFinish is called exactly once when the job reaches a terminal
	// state, outside the registry lock. May be nil.
	OnFinish func(Completed)
}

// Summary is a point-in-time snapshot of one job.
type Summary struct {
	TaskID     string
	PID        int
	Script     string
	Mode       string
	Status     Status
	ExitCode   int
	Error      string
	OutputPath string
	StartedAt  time.Time
}

// Completed is one terminal transition delivered by DrainCompleted.
type Completed struct {
	TaskID     string
	PID        int
	Script     string
	Status     Status
	ExitCode   int
	Error      string
	OutputPath string
}

// job is the registry's internal record. Guarded by Registry.mu.
type job struct {
	Summary
	stdin    io.WriteCloser
	signal   func(os.Signal) error
	onFinish func(Completed)
}

// Registry is a thread-safe background job table keyed by task id,
// with a secondary PID index. It may be shared freely across components.
type Registry struct {
	logger     *slog.Logger
	killSignal os.Signal
	metrics    *observability.MetricsCollector

	mu        sync.Mutex
	jobs      map[string]*job // task id → job
	byPID     map[int]string  // pid → task id (live jobs only)
	completed []Completed     // undelivered terminal transitions
}

// Option configures a Registry.
type Option func(*Registry)

// WithKillSignal sets the signal sent by Kill. Default: SIGKILL.
func WithKillSignal(sig os.Signal) Option {
	return func(r *Registry) { r.killSignal = sig }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:     logger,
		killSignal: syscall.SIGKILL,
		jobs:       make(map[string]*job),
		byPID:      make(map[int]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a new Running job and starts its reaper.
// Fails with ErrDuplicateTask if the task id is already held by a live job;
// a terminal job with the same id is evicted and replaced.
func (r *Registry) Register(spec Spec) error {
	if spec.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if spec.Wait == nil {
		return fmt.Errorf("wait function is required")
	}

	signalFn := spec.Signal
	if signalFn == nil {
		proc := spec.Process
		pid := spec.PID
		signalFn = func(sig os.Signal) error {
			if proc != nil {
				return proc.Signal(sig)
			}
			s, ok := sig.(syscall.Signal)
			if !ok {
				s = syscall.SIGKILL
			}
			return syscall.Kill(pid, s)
		}
	}

	r.mu.Lock()
	if existing, ok := r.jobs[spec.TaskID]; ok && !existing.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, spec.TaskID)
	}
	j := &job{
		Summary: Summary{
			TaskID:     spec.TaskID,
			PID:        spec.PID,
			Script:     spec.Script,
			Mode:       spec.Mode,
			Status:     StatusRunning,
			OutputPath: spec.OutputPath,
			StartedAt:  time.Now(),
		},
		stdin:    spec.Stdin,
		signal:   signalFn,
		onFinish: spec.OnFinish,
	}
	r.jobs[spec.TaskID] = j
	r.byPID[spec.PID] = spec.TaskID
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.JobsRunning.Inc()
	}
	r.logger.Debug("registered background job",
		slog.String("task_id", spec.TaskID),
		slog.Int("pid", spec.PID),
	)

	go r.reap(spec.TaskID, spec.Wait)
	return nil
}

// reap waits for the process to exit and records the terminal status.
// A process whose exit cannot be determined is marked Failed, never left
// Running indefinitely.
func (r *Registry) reap(taskID string, wait func() (int, error)) {
	code, err := wait()
	if err != nil {
		r.finish(taskID, StatusFailed, 0, err.Error())
		return
	}
	r.finish(taskID, StatusCompleted, code, "")
}

// finish records a terminal transition if the job is still Running.
// Transitions on already-terminal jobs (e.g. a natural exit observed
// after a kill) are ignored, keeping per-task ordering total.
func (r *Registry) finish(taskID string, status Status, exitCode int, errMsg string) {
	r.mu.Lock()
	j, ok := r.jobs[taskID]
	if !ok || j.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	j.Status = status
	j.ExitCode = exitCode
	j.Error = errMsg
	delete(r.byPID, j.PID)
	stdin := j.stdin
	j.stdin = nil
	onFinish := j.onFinish
	j.onFinish = nil
	done := completedFrom(j)
	r.completed = append(r.completed, done)
	r.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if onFinish != nil {
		onFinish(done)
	}
	if r.metrics != nil {
		r.metrics.JobsRunning.Dec()
		r.metrics.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
	}
	r.logger.Debug("job finished",
		slog.String("task_id", taskID),
		slog.String("status", string(status)),
		slog.Int("exit_code", exitCode),
	)
}

func completedFrom(j *job) Completed {
	return Completed{
		TaskID:     j.TaskID,
		PID:        j.PID,
		Script:     j.Script,
		Status:     j.Status,
		ExitCode:   j.ExitCode,
		Error:      j.Error,
		OutputPath: j.OutputPath,
	}
}

// Kill signals the live job owning pid. Returns true iff a Running job
// was found and the signal was delivered; a second kill, or a kill on a
// job that already exited, returns false.
func (r *Registry) Kill(pid int) bool {
	r.mu.Lock()
	taskID, ok := r.byPID[pid]
	r.mu.Unlock()
	if !ok {
		r.recordKill("not_found")
		return false
	}
	return r.KillByTaskID(taskID)
}

// KillByTaskID is Kill keyed by task id.
func (r *Registry) KillByTaskID(taskID string) bool {
	r.mu.Lock()
	j, ok := r.jobs[taskID]
	if !ok || j.Status.Terminal() {
		r.mu.Unlock()
		r.recordKill("not_found")
		return false
	}

	if err := j.signal(r.killSignal); err != nil {
		r.mu.Unlock()
		r.logger.Warn("failed to kill job",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		r.recordKill("error")
		return false
	}

	j.Status = StatusKilled
	delete(r.byPID, j.PID)
	stdin := j.stdin
	j.stdin = nil
	onFinish := j.onFinish
	j.onFinish = nil
	done := completedFrom(j)
	r.completed = append(r.completed, done)
	r.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if onFinish != nil {
		onFinish(done)
	}
	if r.metrics != nil {
		r.metrics.JobsRunning.Dec()
		r.metrics.JobsFinishedTotal.WithLabelValues(string(StatusKilled)).Inc()
	}
	r.recordKill("killed")
	r.logger.Info("killed job", slog.String("task_id", taskID), slog.Int("pid", j.PID))
	return true
}

func (r *Registry) recordKill(result string) {
	if r.metrics != nil {
		r.metrics.JobKillsTotal.WithLabelValues(result).Inc()
	}
}

// InputTerminal writes raw bytes to a live job's stdin.
// Fails with ErrNotFound if the job is absent or already terminal.
func (r *Registry) InputTerminal(taskID string, data []byte) error {
	r.mu.Lock()
	j, ok := r.jobs[taskID]
	if !ok || j.Status.Terminal() || j.stdin == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	stdin := j.stdin
	r.mu.Unlock()

	// Write outside the lock so a slow pipe cannot stall the registry.
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("writing to stdin of %s: %w", taskID, err)
	}
	return nil
}

// DrainCompleted returns jobs that reached a terminal state since the
// last drain. Each completion is delivered exactly once.
func (r *Registry) DrainCompleted() []Completed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.completed
	r.completed = nil
	return out
}

// Get returns a snapshot of the job with the given task id.
func (r *Registry) Get(taskID string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[taskID]
	if !ok {
		return Summary{}, false
	}
	return j.Summary, true
}

// GetByPID returns a snapshot of the job owning pid, live or terminal.
func (r *Registry) GetByPID(pid int) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.PID == pid {
			return j.Summary, true
		}
	}
	return Summary{}, false
}

// List returns a snapshot of all jobs, oldest first.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	out := make([]Summary, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Summary)
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out
}

// HasRunning reports whether any job is still Running.
func (r *Registry) HasRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if !j.Status.Terminal() {
			return true
		}
	}
	return false
}

// FormatRunning returns a human-readable summary of running jobs,
// one line per job, or "" when nothing is running.
func (r *Registry) FormatRunning() string {
	var b strings.Builder
	for _, j := range r.List() {
		if j.Status.Terminal() {
			continue
		}
		preview := j.Script
		if len(preview) > 50 {
			preview = preview[:50] + "..."
		}
		outPath := j.OutputPath
		if outPath == "" {
			outPath = "(no output)"
		}
		fmt.Fprintf(&b, "  - PID %d: `%s` -> %s\n", j.PID, preview, outPath)
	}
	return b.String()
}
