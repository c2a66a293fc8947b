package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// defaultMaxOutputBytes caps in-memory stdout/stderr to prevent OOM
	// from chatty commands. Full output still reaches OutputPath when set.
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	defaultShell      = "/bin/bash"
	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 120
	defaultMemoryMB   = 1024
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	Shell          string
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	MaxOutputBytes int64 // In-memory capture cap per stream. Default: 1 MiB.
}

// ProcessSandbox executes shell scripts as isolated OS processes.
//
// Isolation guarantees:
//   - Process runs in its own process group (Setpgid); signals reach the
//     whole group, so children of the script are terminated too
//   - No environment inheritance from the parent, only a minimal safe set
//     plus explicit additions
//   - Resource limits enforced via ulimit
//   - In-memory stdout/stderr capped to prevent OOM
//
// Network access is not restricted at this layer; the permission policy
// decides whether a network-capable invocation is allowed before any
// process is spawned.
type ProcessSandbox struct {
	shell          string
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	maxOutput      int
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	shell := cfg.Shell
	if shell == "" {
		shell = defaultShell
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	maxOutput := int(cfg.MaxOutputBytes)
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}

	return &ProcessSandbox{
		shell:          shell,
		defaultTimeout: timeout,
		defaultLimits:  limits,
		maxOutput:      maxOutput,
		logger:         logger,
	}
}

// Execute runs a script to completion in an isolated process environment.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc, err := s.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	done := make(chan struct{})
	var exitCode int
	var waitErr error
	go func() {
		exitCode, waitErr = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = proc.Signal(syscall.SIGKILL)
		<-done
		s.logger.Warn("sandbox execution timed out",
			slog.Duration("timeout", timeout),
			slog.Duration("duration", time.Since(start)),
		)
		return nil, fmt.Errorf("execution timed out after %s", timeout)
	}
	duration := time.Since(start)

	if waitErr != nil {
		return nil, fmt.Errorf("execution failed: %w", waitErr)
	}

	s.logger.Info("sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(proc.Stdout())),
		slog.Int("stderr_bytes", len(proc.Stderr())),
	)

	return &ExecutionResult{
		Stdout:   proc.Stdout(),
		Stderr:   proc.Stderr(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Start spawns a script without waiting for it. The caller owns the returned
// handle and must eventually call Wait.
func (s *ProcessSandbox) Start(ctx context.Context, req ExecutionRequest) (*Process, error) {
	if strings.TrimSpace(req.Script) == "" {
		return nil, fmt.Errorf("empty script")
	}

	workDir := req.WorkingDir
	removeWorkDir := false
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "ngome-sandbox-*")
		if err != nil {
			return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
		}
		workDir = tmp
		removeWorkDir = true
	}

	limits := s.resolveLimits(req.Limits)

	// The script is wrapped so resource limits apply before it runs:
	//
	//   sh -c 'ulimit -v KB; ulimit -t SEC; exec "$@"' _ <shell> -c <script>
	//
	// Passing the script as a positional parameter keeps it out of the
	// wrapper string, so it is never re-interpolated by the outer shell.
	memKB := limits.MaxMemoryMB * 1024
	wrapper := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, limits.MaxCPUSeconds,
	)
	cmd := exec.Command("/bin/sh", "-c", wrapper, "_", s.shell, "-c", req.Script)
	cmd.Dir = workDir
	cmd.Env = s.buildEnv(workDir, req.PathDirs, req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutBuf := &captureBuffer{remaining: s.maxOutput}
	stderrBuf := &captureBuffer{remaining: s.maxOutput}

	var outFile *os.File
	if req.OutputPath != "" {
		f, err := os.OpenFile(req.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("opening output file %s: %w", req.OutputPath, err)
		}
		outFile = f
		cmd.Stdout = io.MultiWriter(stdoutBuf, f)
		cmd.Stderr = io.MultiWriter(stderrBuf, f)
	} else {
		cmd.Stdout = stdoutBuf
		cmd.Stderr = stderrBuf
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	s.logger.Info("sandbox spawning",
		slog.Int("script_len", len(req.Script)),
		slog.String("dir", workDir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
	)

	if err := cmd.Start(); err != nil {
		stdin.Close()
		if outFile != nil {
			outFile.Close()
		}
		if removeWorkDir {
			os.RemoveAll(workDir)
		}
		return nil, fmt.Errorf("spawning sandbox process: %w", err)
	}

	return &Process{
		cmd:           cmd,
		pid:           cmd.Process.Pid,
		stdin:         stdin,
		stdout:        stdoutBuf,
		stderr:        stderrBuf,
		outFile:       outFile,
		workDir:       workDir,
		removeWorkDir: removeWorkDir,
	}, nil
}

func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// buildEnv constructs a minimal, safe environment. The parent process's
// environment is NEVER inherited. This prevents API keys and other
// secrets from leaking into sandboxed scripts.
func (s *ProcessSandbox) buildEnv(workDir string, pathDirs []string, extra map[string]string) []string {
	path := "/usr/local/bin:/usr/bin:/bin"
	if len(pathDirs) > 0 {
		path = strings.Join(pathDirs, ":") + ":" + path
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// Process is a handle to a spawned sandbox process. Ownership transfers to
// the job registry for background jobs; no other component retains it.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	stdin  io.WriteCloser
	stdout *captureBuffer
	stderr *captureBuffer

	outFile       *os.File
	workDir       string
	removeWorkDir bool

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// StdinPipe returns the process's stdin writer.
func (p *Process) StdinPipe() io.WriteCloser { return p.stdin }

// OSProcess returns the underlying os.Process handle.
func (p *Process) OSProcess() *os.Process { return p.cmd.Process }

// Stdout returns a snapshot of captured stdout so far.
func (p *Process) Stdout() []byte { return p.stdout.Snapshot() }

// Stderr returns a snapshot of captured stderr so far.
func (p *Process) Stderr() []byte { return p.stderr.Snapshot() }

// Wait blocks until the process exits and returns its exit code.
// Safe to call more than once; later calls return the recorded result.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if p.outFile != nil {
			p.outFile.Close()
		}
		if p.removeWorkDir {
			os.RemoveAll(p.workDir)
		}
		if err == nil {
			p.exitCode = 0
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
			return
		}
		p.exitCode = -1
		p.waitErr = err
	})
	return p.exitCode, p.waitErr
}

// Signal delivers a signal to the entire process group.
func (p *Process) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal type %T", sig)
	}
	// Negative PID = the whole process group.
	return syscall.Kill(-p.pid, s)
}

// captureBuffer is a size-capped concurrent write buffer. Excess data is
// silently discarded rather than treated as an error.
type captureBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	remaining int
}

func (cb *captureBuffer) Write(p []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	n := len(p)
	if cb.remaining <= 0 {
		return n, nil
	}
	if len(p) > cb.remaining {
		p = p[:cb.remaining]
	}
	written, err := cb.buf.Write(p)
	cb.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

func (cb *captureBuffer) Snapshot() []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]byte, cb.buf.Len())
	copy(out, cb.buf.Bytes())
	return out
}
