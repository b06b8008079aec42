package tools

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QuestionWaiter parks a turn until the user answers or the wait times
// out. Implemented by the agent runtime's question registry.
type QuestionWaiter interface {
	Ask(ctx context.Context, threadID uuid.UUID, toolUseID, question string, options []string) (string, error)
}

// NewAskUserTool returns the one user-mediated suspension point. The
// handler parks on the waiter; an answer on any channel bound to the
// thread resolves it, a timeout surfaces as a tool failure.
func NewAskUserTool(waiter QuestionWaiter, timeout time.Duration) Definition {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Definition{
		Name:        "ask_user",
		Description: "Ask the user a question and wait for their answer before continuing",
		Permission:  PermAsk,
		Timeout:     timeout,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string", "description": "The question to put to the user"},
				"options": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional answer suggestions rendered as buttons; free-form answers are always accepted",
				},
			},
			"required":             []any{"question"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			question, _ := inv.Input["question"].(string)
			if strings.TrimSpace(question) == "" {
				return ErrorResult("question is required")
			}
			var options []string
			if raw, ok := inv.Input["options"].([]any); ok {
				for _, o := range raw {
					if s, ok := o.(string); ok && s != "" {
						options = append(options, s)
					}
				}
			}

			answer, err := waiter.Ask(ctx, inv.ThreadID, inv.ToolUseID, question, options)
			if err != nil {
				if err == context.DeadlineExceeded || ctx.Err() == context.DeadlineExceeded {
					return ErrorResult("timeout")
				}
				return ErrorResult("ask_user: " + err.Error()).WithError(err)
			}
			return NewResult(answer)
		},
	}
}

// Notifier delivers an out-of-band message to the operator channel.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// ActionLogger records outbound writes for webhook echo dedup. Implemented
// by the store.
type ActionLogger interface {
	LogAction(ctx context.Context, kind, repo, id, body string) error
}

// NewNotifyTool returns the operator notification tool. Every send is
// recorded in the action log so an echo webhook can be matched.
func NewNotifyTool(notifier Notifier, actions ActionLogger) Definition {
	return Definition{
		Name:        "telegram_send",
		Description: "Send a message to the operator's Telegram chat",
		Permission:  PermNotify,
		Timeout:     30 * time.Second,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Message text"},
			},
			"required":             []any{"text"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, inv *Invocation) *Result {
			text, _ := inv.Input["text"].(string)
			if strings.TrimSpace(text) == "" {
				return ErrorResult("text is required")
			}
			if notifier == nil {
				return ErrorResult("telegram is not configured")
			}
			if err := notifier.Notify(ctx, text); err != nil {
				return ErrorResult("send failed: " + err.Error())
			}
			if actions != nil {
				actions.LogAction(ctx, "telegram_send", "", inv.ThreadID.String(), text)
			}
			return NewResult("message delivered")
		},
	}
}
