package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/ngome/internal/tools"
)

// reloadAction is the marker value the agent loop looks for.
const reloadAction = "reload"

// Reload asks the agent loop to load stored file content back into context.
// It does not read the file itself; it only emits a marker that the loop
// interprets after the command returns.
type Reload struct{}

// NewReload creates the reload command.
func NewReload() *Reload { return &Reload{} }

func (r *Reload) Name() string { return "reload" }

func (r *Reload) Description() string {
	return "Load a stored output file back into context. Usage: reload outputs/<name>.txt"
}

func (r *Reload) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Relative path of the file to reload, e.g. outputs/amber-forest-thunder-pearl.txt.",
			},
		},
		"required": []string{"url"},
	}
}

func (r *Reload) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	url := strings.TrimSpace(stringField(params, "url"))
	if url == "" {
		return nil, fmt.Errorf("url must not be empty")
	}

	payload, err := json.Marshal(reloadMarker{Action: reloadAction, URL: url})
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return &tools.Result{Output: string(payload), Success: true}, nil
}

type reloadMarker struct {
	Action string `json:"action"`
	URL    string `json:"url"`
}

// ParseReloadURL extracts the URL from a reload marker. The agent loop
// calls this on command output to detect reload requests; anything that is
// not a well-formed reload marker returns false.
func ParseReloadURL(s string) (string, bool) {
	var m reloadMarker
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return "", false
	}
	if m.Action != reloadAction || m.URL == "" {
		return "", false
	}
	return m.URL, true
}
