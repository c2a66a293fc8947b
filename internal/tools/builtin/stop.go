package builtin

import (
	"context"
	"fmt"

	"github.com/jkaninda/ngome/internal/jobs"
	"github.com/jkaninda/ngome/internal/tools"
)

// Stop terminates a background task by PID. The signal is sent from
// outside the sandbox, so a sandboxed script can stop tasks it could not
// reach itself.
type Stop struct {
	registry *jobs.Registry
}

// NewStop creates the stop command.
func NewStop(registry *jobs.Registry) *Stop {
	return &Stop{registry: registry}
}

func (s *Stop) Name() string { return "stop" }

func (s *Stop) Description() string {
	return "Stop a background task by PID. Usage: stop <pid>"
}

func (s *Stop) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pid": map[string]any{
				"type":        "integer",
				"description": "Process ID to stop.",
			},
		},
		"required": []string{"pid"},
	}
}

func (s *Stop) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	pid, ok := intField(params, "pid")
	if !ok || pid <= 0 {
		return nil, fmt.Errorf("pid must be a positive integer")
	}

	summary, known := s.registry.GetByPID(pid)
	if s.registry.Kill(pid) {
		out := fmt.Sprintf("Stopped process %d", pid)
		if known {
			out = fmt.Sprintf("Stopped process %d (task %s)", pid, summary.TaskID)
		}
		return &tools.Result{Output: out, Success: true}, nil
	}
	return &tools.Result{
		Output:  fmt.Sprintf("Failed to stop process %d: not found or already dead", pid),
		Success: false,
	}, nil
}

func intField(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
