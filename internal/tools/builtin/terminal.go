package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/ngome/internal/jobs"
	"github.com/jkaninda/ngome/internal/tools"
)

// KillTerminal terminates a background task by its task id.
type KillTerminal struct {
	registry *jobs.Registry
}

// NewKillTerminal creates the kill_terminal command.
func NewKillTerminal(registry *jobs.Registry) *KillTerminal {
	return &KillTerminal{registry: registry}
}

func (k *KillTerminal) Name() string { return "kill_terminal" }

func (k *KillTerminal) Description() string {
	return "Terminate a background task by the task id returned when it was started."
}

func (k *KillTerminal) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task identifier returned by bash when the task was backgrounded.",
			},
		},
		"required": []string{"task_id"},
	}
}

func (k *KillTerminal) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	taskID := strings.TrimSpace(stringField(params, "task_id"))
	if taskID == "" {
		return nil, fmt.Errorf("task_id must not be empty")
	}

	killed := k.registry.KillByTaskID(taskID)
	message := "Background task terminated"
	if !killed {
		message = "Background task not found or already stopped"
	}

	payload, err := json.Marshal(map[string]any{
		"ok":      killed,
		"task_id": taskID,
		"killed":  killed,
		"message": message,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return &tools.Result{Output: string(payload), Success: true}, nil
}

// InputTerminal writes to a background task's stdin.
type InputTerminal struct {
	registry *jobs.Registry
}

// NewInputTerminal creates the input_terminal command.
func NewInputTerminal(registry *jobs.Registry) *InputTerminal {
	return &InputTerminal{registry: registry}
}

func (i *InputTerminal) Name() string { return "input_terminal" }

func (i *InputTerminal) Description() string {
	return "Write text to a background task's stdin. Appends a newline unless told otherwise."
}

func (i *InputTerminal) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task identifier returned by bash when the task was backgrounded.",
			},
			"input": map[string]any{
				"type":        "string",
				"description": "Text written to the task's stdin.",
			},
			"append_newline": map[string]any{
				"type":        "boolean",
				"description": "Append a trailing newline before writing. Default true.",
			},
		},
		"required": []string{"task_id", "input"},
	}
}

func (i *InputTerminal) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	taskID := strings.TrimSpace(stringField(params, "task_id"))
	if taskID == "" {
		return nil, fmt.Errorf("task_id must not be empty")
	}

	data := []byte(stringField(params, "input"))
	appendNewline := true
	if v, ok := params["append_newline"].(bool); ok {
		appendNewline = v
	}
	if appendNewline {
		data = append(data, '\n')
	}

	if err := i.registry.InputTerminal(taskID, data); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{"ok": true, "task_id": taskID})
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return &tools.Result{Output: string(payload), Success: true}, nil
}

func stringField(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
