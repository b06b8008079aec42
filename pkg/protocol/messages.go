package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is bumped on breaking wire changes.
const ProtocolVersion = 1

// Client→server message types.
const (
	TypeChatSend     = "chat.send"
	TypeChatNew      = "chat.new"
	TypeChatResume   = "chat.resume"
	TypeChatStop     = "chat.stop"
	TypeViewNavigate = "view.navigate"
	TypeTitleUpdate  = "title.update"
	TypePing         = "ping"
	TypePong         = "pong"
)

// Server→client message types.
const (
	TypeAgentStart         = "agent_start"
	TypeTextChunk          = "text_chunk"
	TypeToolUse            = "tool_use"
	TypeToolProgress       = "tool_progress"
	TypeToolResult         = "tool_result"
	TypeAskUser            = "ask_user"
	TypeAgentDone          = "agent_done"
	TypeAgentError         = "agent_error"
	TypeAgentStopped       = "agent_stopped"
	TypeConversationUpdate = "conversation_update"
	TypeTitleUpdated       = "title_update"
	TypeViewCommand        = "view_command"
	TypeConversationList   = "conversation_list"
	TypeMessageHistory     = "message_history"
)

// ClientMessage is the discriminated union sent by WS clients.
// Exactly one payload field is populated, selected by Type.
type ClientMessage struct {
	Type string `json:"type"`

	// chat.send / chat.resume / chat.stop / title.update
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Repo           string   `json:"repo,omitempty"`

	// chat.new
	Channel string `json:"channel,omitempty"`
	Topic   string `json:"topic,omitempty"`

	// view.navigate
	Target string `json:"target,omitempty"`
	ID     string `json:"id,omitempty"`

	// ask_user answer routing: set when the message answers a pending question
	QuestionID string `json:"question_id,omitempty"`
}

// Validate checks the union invariants for the given message type.
func (m *ClientMessage) Validate() error {
	switch m.Type {
	case TypeChatSend:
		if m.Message == "" {
			return fmt.Errorf("chat.send: message is required")
		}
	case TypeChatNew:
		if m.Channel == "" {
			return fmt.Errorf("chat.new: channel is required")
		}
	case TypeChatResume, TypeChatStop:
		if m.ConversationID == "" {
			return fmt.Errorf("%s: conversation_id is required", m.Type)
		}
	case TypeTitleUpdate:
		if m.ConversationID == "" || m.Topic == "" {
			return fmt.Errorf("title.update: conversation_id and topic are required")
		}
	case TypeViewNavigate:
		if m.Target == "" {
			return fmt.Errorf("view.navigate: target is required")
		}
	case TypePing, TypePong:
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// ServerMessage is the discriminated union pushed to WS clients.
// Every message carries the originating thread id (where applicable),
// the persisted event seq, and a monotonic server timestamp.
type ServerMessage struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Seq            int64           `json:"seq,omitempty"`
	Timestamp      time.Time       `json:"ts"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewServerMessage builds a ServerMessage, marshalling payload.
// A payload that fails to marshal is replaced with an error note so the
// stream never silently drops a frame.
func NewServerMessage(typ, conversationID string, seq int64, payload any) ServerMessage {
	msg := ServerMessage{
		Type:           typ,
		ConversationID: conversationID,
		Seq:            seq,
		Timestamp:      time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			data, _ = json.Marshal(map[string]string{"error": "payload marshal: " + err.Error()})
		}
		msg.Payload = data
	}
	return msg
}

// TextChunkPayload carries partial assistant text.
type TextChunkPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload announces a tool invocation requested by the model.
type ToolUsePayload struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload reports the outcome of a tool invocation.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Retries   int    `json:"retries,omitempty"`
}

// ToolProgressPayload is emitted by long-running tools that publish progress.
type ToolProgressPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Note      string `json:"note,omitempty"`
	Percent   int    `json:"percent,omitempty"`
}

// AskUserPayload suspends the turn until the user answers.
// Options are rendered as buttons by the UI; any free-form answer is
// accepted regardless.
type AskUserPayload struct {
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question"`
	Options    []string `json:"options,omitempty"`
}

// AgentDonePayload concludes a turn with final usage totals.
type AgentDonePayload struct {
	Text         string  `json:"text,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CacheRead    int64   `json:"cache_read_tokens,omitempty"`
	CacheWrite   int64   `json:"cache_write_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
}

// AgentErrorPayload reports an aborted turn.
type AgentErrorPayload struct {
	Reason string `json:"reason"`
}

// ViewCommandPayload mirrors a navigation hint to other clients of the
// same user.
type ViewCommandPayload struct {
	Target string `json:"target"`
	ID     string `json:"id,omitempty"`
}
