// Package sandbox provides isolated execution environments for shell scripts.
// All agent-issued scripts run through a sandbox, never directly on the host
// environment of the parent process.
package sandbox

import (
	"context"
	"time"
)

// Sandbox executes scripts in an isolated environment.
type Sandbox interface {
	// Execute runs a script to completion and returns its captured output.
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)

	// Start spawns a script and returns a handle without waiting.
	// Used for background jobs and foreground runs that may be promoted
	// to background on timeout.
	Start(ctx context.Context, req ExecutionRequest) (*Process, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Script is the shell script text to execute.
	Script string

	// WorkingDir is the directory the script runs in. It doubles as the
	// sandboxed HOME and TMPDIR. Empty = an isolated temp dir.
	WorkingDir string

	// Env adds extra environment variables to the sanitized base set.
	// These are merged on top of the sandbox's minimal safe environment.
	Env map[string]string

	// PathDirs are directories prepended to the sandboxed PATH, typically
	// the wrapper-script directory exposing IPC commands.
	PathDirs []string

	// Timeout overrides the sandbox default for Execute. Zero = use default.
	// Ignored by Start.
	Timeout time.Duration

	// OutputPath, when set, receives a live copy of the process's combined
	// stdout and stderr. Used by background jobs so output survives beyond
	// the in-memory cap.
	OutputPath string

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ExecutionResult captures the outcome of a completed script.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}
