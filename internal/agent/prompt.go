package agent

import (
	"fmt"
	"strings"

	"github.com/gigi-dev/gigi/internal/providers"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/tools"
)

const systemPromptBase = `You are Gigi, an autonomous development assistant running inside a self-hosted workspace.

You work on code in a local workspace, interact with a Gitea forge, and talk to your operator over web chat and Telegram.

Rules:
- Use tools to act; never claim to have done something you did not do through a tool.
- When a task needs a decision only the operator can make, use ask_user.
- When you finish work on an issue, push a branch, open a pull request and notify the operator.
- Keep replies concise. The operator reads them on small screens.`

// systemPrompt composes the system message for a turn from the thread
// context and the thread's forge references.
func systemPrompt(thread *store.Thread, refs []store.Reference) string {
	var sb strings.Builder
	sb.WriteString(systemPromptBase)

	if thread.RepoTag != "" {
		fmt.Fprintf(&sb, "\n\nActive repository: %s", thread.RepoTag)
	}
	if len(refs) > 0 {
		sb.WriteString("\n\nLinked artifacts:")
		for _, r := range refs {
			switch r.RefType {
			case store.RefIssue, store.RefPR:
				fmt.Fprintf(&sb, "\n- %s %s#%d (%s)", r.RefType, r.Repo, r.Number, r.Status)
			default:
				fmt.Fprintf(&sb, "\n- %s %s %s", r.RefType, r.Repo, r.SHA)
			}
		}
	}
	if len(thread.Tags) > 0 {
		fmt.Fprintf(&sb, "\n\nThread tags: %s", strings.Join(thread.Tags, ", "))
	}
	return sb.String()
}

// buildMessages converts the thread's visible event tail into provider
// messages. The caller passes the non-compacted slice, which includes the
// latest summary if the thread has been compacted.
func buildMessages(thread *store.Thread, refs []store.Reference, events []*store.Event) []providers.Message {
	messages := []providers.Message{
		{Role: "system", Content: systemPrompt(thread, refs)},
	}

	for _, ev := range events {
		switch ev.Type {
		case store.TypeSummary:
			origin := ""
			if ev.Meta["origin_thread"] != "" && ev.Meta["origin_thread"] != thread.ID.String() {
				origin = " (from the parent thread)"
			}
			messages = append(messages, providers.Message{
				Role:    "user",
				Content: fmt.Sprintf("[Summary of earlier conversation%s]\n%s", origin, ev.Content.Text),
			})

		case store.TypeText:
			role := "user"
			if ev.Direction == store.DirectionOut {
				role = "assistant"
			}
			messages = append(messages, providers.Message{Role: role, Content: ev.Content.Text})

		case store.TypeToolUse:
			msg := providers.Message{Role: "assistant"}
			for _, b := range ev.Content.Blocks {
				switch b.Type {
				case "text":
					msg.Content += b.Text
				case "tool_use":
					msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
						ID:        b.ToolUseID,
						Name:      b.ToolName,
						Arguments: b.Input,
					})
				}
			}
			messages = append(messages, msg)

		case store.TypeToolResult:
			for _, b := range ev.Content.Blocks {
				if b.Type != "tool_result" {
					continue
				}
				messages = append(messages, providers.Message{
					Role:       "tool",
					Content:    b.Output,
					ToolCallID: b.ToolUseID,
					IsError:    b.IsError,
				})
			}

		case store.TypeStatusChange:
			// lifecycle markers are not part of the model's context
		}
	}
	return messages
}

// toolSpecs converts the registry catalog into provider tool specs.
func toolSpecs(registry *tools.Registry) []providers.ToolSpec {
	defs := registry.Defs()
	specs := make([]providers.ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, providers.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Schema,
		})
	}
	return specs
}
