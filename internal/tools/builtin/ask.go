package builtin

import (
	"context"
	"fmt"

	"github.com/jkaninda/ngome/internal/llm"
	"github.com/jkaninda/ngome/internal/tools"
)

// Ask queries a fast model about piped content. Only the model's answer
// enters the caller's context, so large inputs can be summarized without
// paying for their full size.
type Ask struct {
	provider llm.Provider
}

// NewAsk creates the ask command backed by the given provider.
func NewAsk(provider llm.Provider) *Ask {
	return &Ask{provider: provider}
}

func (a *Ask) Name() string { return "ask" }

func (a *Ask) Description() string {
	return `Query a fast model about piped content. Usage: cat big.txt | ask "summarize this"`
}

func (a *Ask) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "The question or instruction about the input content.",
			},
			"input": map[string]any{
				"type":        "string",
				"description": "Input content, normally piped via stdin.",
			},
		},
		"required": []string{"prompt"},
	}
}

func (a *Ask) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	prompt := stringField(params, "prompt")
	input := stringField(params, "input")
	if input == "" {
		return &tools.Result{
			Output:  "No input provided. Pipe content to ask.",
			Success: true,
		}, nil
	}

	content := fmt.Sprintf("<context>\n%s\n</context>\n\n%s", input, prompt)
	resp, err := a.provider.SendMessage(ctx, &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: content}},
	})
	if err != nil {
		return nil, fmt.Errorf("querying model: %w", err)
	}
	return &tools.Result{Output: resp.Content, Success: true}, nil
}
