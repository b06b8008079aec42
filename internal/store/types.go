package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors. HTTP and tool layers map these with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvariant        = errors.New("invariant violation")
	ErrInvalidInput     = errors.New("invalid input")
	ErrBudgetExceeded   = errors.New("budget exceeded")
	ErrPermissionDenied = errors.New("permission denied")
)

// Thread lifecycle status.
type ThreadStatus string

const (
	StatusActive   ThreadStatus = "active"
	StatusPaused   ThreadStatus = "paused"
	StatusStopped  ThreadStatus = "stopped"
	StatusArchived ThreadStatus = "archived"
)

// Event direction.
const (
	DirectionIn  = "inbound"
	DirectionOut = "outbound"
)

// Event channels.
const (
	ChannelWeb         = "web"
	ChannelTelegram    = "telegram"
	ChannelWebhook     = "webhook"
	ChannelGiteaReview = "gitea_review"
	ChannelSystem      = "system"
)

// Event message types.
const (
	TypeText         = "text"
	TypeToolUse      = "tool_use"
	TypeToolResult   = "tool_result"
	TypeStatusChange = "status_change"
	TypeSummary      = "summary"
)

// Usage tracks token consumption and cost for one LLM call or one thread
// aggregate.
type Usage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
	DurationMS       int64   `json:"duration_ms,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CacheReadTokens += u2.CacheReadTokens
	u.CacheWriteTokens += u2.CacheWriteTokens
	u.CostUSD += u2.CostUSD
	u.DurationMS += u2.DurationMS
}

// Thread is one durable line of work. "Conversation" pre-fork and "thread"
// post-fork are the same entity.
type Thread struct {
	ID           uuid.UUID    `json:"id"`
	Topic        string       `json:"topic"`
	Channel      string       `json:"channel"`
	Status       ThreadStatus `json:"status"`
	ParentID     *uuid.UUID   `json:"parent_id,omitempty"`
	ForkEventID  *uuid.UUID   `json:"fork_event_id,omitempty"`
	ForkSeq      int64        `json:"fork_seq,omitempty"`
	AgentRunning bool         `json:"agent_running"`
	RepoTag      string       `json:"repo_tag,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Usage        Usage        `json:"usage"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Block is one element of interleaved assistant content.
type Block struct {
	Type      string          `json:"type"` // "text", "tool_use", "tool_result"
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// StatusChange is the payload of a status_change event.
type StatusChange struct {
	From   ThreadStatus `json:"from"`
	To     ThreadStatus `json:"to"`
	Reason string       `json:"reason,omitempty"`
}

// Content is the structured body of an event: a plain text span, a list of
// interleaved blocks, or a status payload. Exactly one field is set.
type Content struct {
	Text   string        `json:"text,omitempty"`
	Blocks []Block       `json:"blocks,omitempty"`
	Status *StatusChange `json:"status,omitempty"`
}

// Event is the unit of conversation history. Seq is dense and strictly
// increasing within a thread, starting at 1.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	ThreadID  uuid.UUID         `json:"thread_id"`
	Seq       int64             `json:"seq"`
	Direction string            `json:"direction"`
	Actor     string            `json:"actor"`
	Channel   string            `json:"channel"`
	Type      string            `json:"type"`
	Content   Content           `json:"content"`
	Meta      map[string]string `json:"meta,omitempty"`
	Usage     *Usage            `json:"usage,omitempty"`
	Compacted bool              `json:"compacted"`
	CreatedAt time.Time         `json:"created_at"`
}

// EventInput is the caller-supplied part of an event; the store assigns
// id, seq and created_at.
type EventInput struct {
	Direction string
	Actor     string
	Channel   string
	Type      string
	Content   Content
	Meta      map[string]string
	Usage     *Usage
}

// Reference types and statuses.
const (
	RefIssue  = "issue"
	RefPR     = "pr"
	RefCommit = "commit"
	RefBranch = "branch"

	RefOpen    = "open"
	RefClosed  = "closed"
	RefMerged  = "merged"
	RefUnknown = "unknown"
)

// Reference links a thread to an external forge artifact.
// (thread, ref_type, repo, number|sha) is unique.
type Reference struct {
	ThreadID  uuid.UUID `json:"thread_id"`
	RefType   string    `json:"ref_type"`
	Repo      string    `json:"repo"`
	Number    int64     `json:"number,omitempty"`
	SHA       string    `json:"sha,omitempty"`
	Status    string    `json:"status"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActionRecord is a self-log of an outbound write performed by a tool,
// used to dedupe webhook echoes.
type ActionRecord struct {
	Kind      string    `json:"kind"` // "create_pr", "comment", "telegram_send", ...
	Repo      string    `json:"repo,omitempty"`
	ID        string    `json:"id,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	Meta      string    `json:"meta,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadFilter narrows ListThreads.
type ThreadFilter struct {
	Status ThreadStatus
	Limit  int
}

// EventFilter narrows ListEvents. BeforeSeq/AfterSeq are exclusive bounds;
// zero means unbounded.
type EventFilter struct {
	BeforeSeq        int64
	AfterSeq         int64
	Limit            int
	IncludeCompacted bool
}

// PeriodUsage is the rollup for one accounting period (calendar day).
type PeriodUsage struct {
	Day   string `json:"day"` // "2006-01-02"
	Usage Usage  `json:"usage"`
}

// SearchMatch is one hit from Store.Search.
type SearchMatch struct {
	ThreadID uuid.UUID `json:"thread_id"`
	Topic    string    `json:"topic"`
	Seq      int64     `json:"seq,omitempty"` // 0 = topic match
	Snippet  string    `json:"snippet"`
	Updated  time.Time `json:"updated_at"`
}
