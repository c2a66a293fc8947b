package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/ngome/internal/jobs"
	"github.com/jkaninda/ngome/internal/tools"
)

const scriptPreviewLen = 60

// Tasks lists background tasks in every state, running and terminal.
type Tasks struct {
	registry *jobs.Registry
}

// NewTasks creates the tasks command.
func NewTasks(registry *jobs.Registry) *Tasks {
	return &Tasks{registry: registry}
}

func (t *Tasks) Name() string { return "tasks" }

func (t *Tasks) Description() string {
	return "List background tasks: running, completed, failed and killed."
}

func (t *Tasks) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filter": map[string]any{
				"type":        "string",
				"description": "Only show tasks whose status matches this filter.",
			},
		},
	}
}

func (t *Tasks) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	filter, _ := params["filter"].(string)

	all := t.registry.List()
	var b strings.Builder
	for _, job := range all {
		status := statusLine(job)
		if filter != "" && !strings.Contains(status, filter) {
			continue
		}

		preview := job.Script
		if len(preview) > scriptPreviewLen {
			preview = preview[:scriptPreviewLen] + "..."
		}
		outPath := job.OutputPath
		if outPath == "" {
			outPath = "(no output)"
		}

		fmt.Fprintf(&b, "PID %d [%s]\n  task_id: %s\n  script: %s\n  output: %s\n\n",
			job.PID, status, job.TaskID, preview, outPath)
	}

	if b.Len() == 0 {
		return &tools.Result{Output: "No background tasks.", Success: true}, nil
	}
	return &tools.Result{Output: b.String(), Success: true}, nil
}

func statusLine(job jobs.Summary) string {
	switch job.Status {
	case jobs.StatusRunning:
		return "running"
	case jobs.StatusCompleted:
		return fmt.Sprintf("exit %d", job.ExitCode)
	case jobs.StatusFailed:
		return "failed: " + job.Error
	case jobs.StatusKilled:
		return "killed"
	default:
		return string(job.Status)
	}
}
