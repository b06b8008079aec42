package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/pkg/protocol"
)

// maxMessageLen is Telegram's hard cap per message.
const maxMessageLen = 4096

// consumeOutbound forwards turn results and questions for this chat's
// threads. Streaming chunks are skipped: Telegram gets final text only.
func (c *Channel) consumeOutbound(ctx context.Context) {
	defer close(c.subDone)

	sub := c.bus.SubscribeGlobal()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged():
			slog.Warn("telegram: outbound subscription lagged, resubscribing")
			sub.Close()
			sub = c.bus.SubscribeGlobal()
		case msg, ok := <-sub.Events():
			if !ok {
				return
			}
			c.deliver(ctx, msg)
		}
	}
}

func (c *Channel) deliver(ctx context.Context, msg protocol.ServerMessage) {
	if msg.ConversationID == "" {
		return
	}
	id, err := uuid.Parse(msg.ConversationID)
	if err != nil || !c.owns(id) {
		return
	}
	text, ok := renderFrame(msg)
	if !ok {
		return
	}
	if err := c.Notify(ctx, text); err != nil {
		slog.Error("telegram: outbound delivery failed", "thread", id, "error", err)
	}
}

// renderFrame turns a server frame into chat text. Frames that do not
// warrant a chat message return ok=false.
func renderFrame(msg protocol.ServerMessage) (string, bool) {
	switch msg.Type {
	case protocol.TypeAgentDone:
		var p protocol.AgentDonePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Text == "" {
			return "", false
		}
		return clip(p.Text), true
	case protocol.TypeAskUser:
		var p protocol.AskUserPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", false
		}
		var sb strings.Builder
		sb.WriteString("❓ ")
		sb.WriteString(p.Question)
		for i, opt := range p.Options {
			fmt.Fprintf(&sb, "\n%d) %s", i+1, opt)
		}
		return clip(sb.String()), true
	case protocol.TypeAgentError:
		var p protocol.AgentErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", false
		}
		return clip("⚠️ Turn failed: " + p.Reason), true
	case protocol.TypeAgentStopped:
		return "⏹ Turn stopped.", true
	default:
		return "", false
	}
}

func clip(s string) string {
	runes := []rune(s)
	if len(runes) <= maxMessageLen {
		return s
	}
	return string(runes[:maxMessageLen-1]) + "…"
}
