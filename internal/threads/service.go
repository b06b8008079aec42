package threads

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/providers"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/pkg/protocol"
)

const (
	// DefaultKeepLast is how many live events survive a compaction.
	DefaultKeepLast = 8
	// DefaultRecommendAt is the live-event count above which compaction
	// is recommended.
	DefaultRecommendAt = 50
	// MinQueryLength bounds Search.
	MinQueryLength = 2
)

// Service owns thread lifecycle: creation, forking, compaction, lineage,
// status transitions and search. All durable state goes through the store.
type Service struct {
	st       *store.Store
	bus      *bus.Bus
	provider providers.Provider

	keepLast    int
	recommendAt int
}

func NewService(st *store.Store, b *bus.Bus, provider providers.Provider) *Service {
	return &Service{
		st:          st,
		bus:         b,
		provider:    provider,
		keepLast:    DefaultKeepLast,
		recommendAt: DefaultRecommendAt,
	}
}

// Create opens a new thread on a channel.
func (s *Service) Create(ctx context.Context, channel, topic, repo string, tags []string) (*store.Thread, error) {
	th, err := s.st.CreateThread(ctx, store.CreateThreadInput{
		Channel: channel,
		Topic:   topic,
		RepoTag: repo,
		Tags:    tags,
	})
	if err != nil {
		return nil, err
	}
	s.notifyUpdate(th)
	return th, nil
}

// Get returns one thread.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.Thread, error) {
	return s.st.GetThread(ctx, id)
}

// List returns threads, newest first.
func (s *Service) List(ctx context.Context, f store.ThreadFilter) ([]*store.Thread, error) {
	return s.st.ListThreads(ctx, f)
}

// Fork branches a child thread off the parent at forkEvent (zero value =
// the parent's tail). With compactParent the child starts with a summary
// event covering the parent's history up to the fork point; otherwise the
// child starts empty.
func (s *Service) Fork(ctx context.Context, parentID uuid.UUID, forkEventID uuid.UUID, topic string, compactParent bool) (*store.Thread, error) {
	parent, err := s.st.GetThread(ctx, parentID)
	if err != nil {
		return nil, err
	}

	if forkEventID == uuid.Nil {
		events, err := s.st.ListEvents(ctx, parentID, store.EventFilter{IncludeCompacted: true})
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("%w: cannot fork an empty thread", store.ErrConflict)
		}
		forkEventID = events[len(events)-1].ID
	}
	forkEvent, err := s.st.GetEvent(ctx, forkEventID)
	if err != nil {
		return nil, err
	}
	if forkEvent.ThreadID != parentID {
		return nil, fmt.Errorf("%w: fork point does not belong to parent", store.ErrInvariant)
	}

	if topic == "" {
		topic = parent.Topic + " (fork)"
	}
	child, err := s.st.CreateThread(ctx, store.CreateThreadInput{
		Channel:     parent.Channel,
		Topic:       topic,
		RepoTag:     parent.RepoTag,
		Tags:        parent.Tags,
		ParentID:    &parentID,
		ForkEventID: &forkEventID,
	})
	if err != nil {
		return nil, err
	}

	if compactParent {
		prefix, err := s.st.ListEvents(ctx, parentID, store.EventFilter{
			BeforeSeq:        forkEvent.Seq + 1,
			IncludeCompacted: true,
		})
		if err != nil {
			return nil, err
		}
		summary, err := s.summarize(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("fork summary: %w", err)
		}
		if _, err := s.st.AppendEvent(ctx, child.ID, store.EventInput{
			Direction: store.DirectionIn,
			Actor:     "gigi",
			Channel:   store.ChannelSystem,
			Type:      store.TypeSummary,
			Content:   store.Content{Text: summary},
			Meta:      map[string]string{"origin_thread": parentID.String()},
		}); err != nil {
			return nil, err
		}
	}

	slog.Info("thread forked", "parent", parentID, "child", child.ID, "fork_seq", forkEvent.Seq, "compacted", compactParent)
	s.notifyUpdate(child)
	return child, nil
}

// Compact replaces all but the last keepLast live events with one summary
// event. Compacted events are hidden, not deleted. Summaries from earlier
// compactions (including a forked parent's) stay visible ahead of the new
// one, each tagged with its origin thread.
func (s *Service) Compact(ctx context.Context, threadID uuid.UUID) error {
	unlock := s.st.LockThread(threadID)
	defer unlock()

	live, err := s.st.ListEvents(ctx, threadID, store.EventFilter{})
	if err != nil {
		return err
	}
	// Summaries are never re-compacted; count only the raw tail.
	var raw []*store.Event
	for _, ev := range live {
		if ev.Type != store.TypeSummary {
			raw = append(raw, ev)
		}
	}
	if len(raw) <= s.keepLast {
		return fmt.Errorf("%w: nothing to compact (%d live events, keeping %d)", store.ErrConflict, len(raw), s.keepLast)
	}

	prefix := raw[:len(raw)-s.keepLast]
	upTo := prefix[len(prefix)-1].Seq

	summary, err := s.summarize(ctx, prefix)
	if err != nil {
		return fmt.Errorf("compact summary: %w", err)
	}

	if err := s.st.MarkCompacted(ctx, threadID, upTo); err != nil {
		return err
	}
	if _, err := s.st.AppendEventLocked(ctx, threadID, store.EventInput{
		Direction: store.DirectionOut,
		Actor:     "gigi",
		Channel:   store.ChannelSystem,
		Type:      store.TypeSummary,
		Content:   store.Content{Text: summary},
		Meta: map[string]string{
			"origin_thread": threadID.String(),
			"covers_to_seq": fmt.Sprintf("%d", upTo),
		},
	}); err != nil {
		return err
	}

	slog.Info("thread compacted", "thread", threadID, "through_seq", upTo, "kept", s.keepLast)
	return nil
}

// CompactionRecommended reports whether the thread's visible tail has
// outgrown the threshold.
func (s *Service) CompactionRecommended(ctx context.Context, threadID uuid.UUID) (bool, error) {
	n, err := s.st.CountLiveEvents(ctx, threadID)
	if err != nil {
		return false, err
	}
	return n > int64(s.recommendAt), nil
}

// Lineage describes a thread's position in the fork forest.
type Lineage struct {
	Parent    *store.Thread   `json:"parent,omitempty"`
	Children  []*store.Thread `json:"children,omitempty"`
	ForkEvent *store.Event    `json:"fork_event,omitempty"`
}

// GetLineage returns {parent, children, fork point} for a thread.
func (s *Service) GetLineage(ctx context.Context, threadID uuid.UUID) (*Lineage, error) {
	th, err := s.st.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	lin := &Lineage{}
	if th.ParentID != nil {
		if parent, err := s.st.GetThread(ctx, *th.ParentID); err == nil {
			lin.Parent = parent
		}
		if th.ForkEventID != nil {
			if ev, err := s.st.GetEvent(ctx, *th.ForkEventID); err == nil {
				lin.ForkEvent = ev
			}
		}
	}
	children, err := s.st.Children(ctx, threadID)
	if err != nil {
		return nil, err
	}
	lin.Children = children
	return lin, nil
}

// Transition applies a lifecycle change, enforcing the allowed edges:
// paused⇆active (runtime only), any→stopped, any→archived, stopped→paused.
func (s *Service) Transition(ctx context.Context, threadID uuid.UUID, to store.ThreadStatus) error {
	th, err := s.st.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if th.Status == to {
		return nil
	}
	allowed := false
	switch to {
	case store.StatusStopped, store.StatusArchived:
		allowed = true
	case store.StatusPaused:
		allowed = th.Status == store.StatusStopped || th.Status == store.StatusActive
	case store.StatusActive:
		allowed = th.Status == store.StatusPaused
	}
	if !allowed {
		return fmt.Errorf("%w: cannot transition %s -> %s", store.ErrConflict, th.Status, to)
	}
	if err := s.st.SetThreadStatus(ctx, threadID, to); err != nil {
		return err
	}
	if _, err := s.st.AppendEvent(ctx, threadID, store.EventInput{
		Direction: store.DirectionIn,
		Actor:     "user",
		Channel:   store.ChannelSystem,
		Type:      store.TypeStatusChange,
		Content:   store.Content{Status: &store.StatusChange{From: th.Status, To: to}},
	}); err != nil {
		slog.Warn("threads: status event append failed", "thread", threadID, "error", err)
	}
	if updated, err := s.st.GetThread(ctx, threadID); err == nil {
		s.notifyUpdate(updated)
	}
	return nil
}

// Rename updates the topic and mirrors the change to subscribers.
func (s *Service) Rename(ctx context.Context, threadID uuid.UUID, topic string) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: topic is required", store.ErrInvalidInput)
	}
	if err := s.st.SetThreadTopic(ctx, threadID, topic); err != nil {
		return err
	}
	s.bus.Publish(threadID, protocol.NewServerMessage(protocol.TypeTitleUpdated, threadID.String(), 0, map[string]string{"topic": topic}))
	return nil
}

// Delete removes a thread; the store only permits this from archived.
func (s *Service) Delete(ctx context.Context, threadID uuid.UUID) error {
	return s.st.DeleteThread(ctx, threadID)
}

// AddReference binds an external artifact to the thread.
func (s *Service) AddReference(ctx context.Context, ref store.Reference) error {
	return s.st.UpsertReference(ctx, ref)
}

// Search matches thread topics and event bodies, topic hits ranked first.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]store.SearchMatch, error) {
	if len(strings.TrimSpace(query)) < MinQueryLength {
		return nil, fmt.Errorf("%w: query must be at least %d characters", store.ErrInvalidInput, MinQueryLength)
	}
	return s.st.Search(ctx, query, limit)
}

// summarize renders the events as a transcript and asks the model for a
// compaction summary.
func (s *Service) summarize(ctx context.Context, events []*store.Event) (string, error) {
	transcript := renderTranscript(events)
	if transcript == "" {
		return "(empty conversation)", nil
	}
	if s.provider == nil {
		return fallbackSummary(events), nil
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You summarize development conversations. Produce a compact summary that preserves decisions, open questions, file paths, branch names, issue and PR numbers, and any unfinished work. Plain prose, no preamble."},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		slog.Warn("threads: summarizer unavailable, using fallback", "error", err)
		return fallbackSummary(events), nil
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return fallbackSummary(events), nil
	}
	return summary, nil
}

func renderTranscript(events []*store.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case store.TypeText, store.TypeSummary:
			if ev.Content.Text != "" {
				fmt.Fprintf(&sb, "[%s] %s\n", ev.Actor, ev.Content.Text)
			}
		case store.TypeToolUse:
			for _, b := range ev.Content.Blocks {
				if b.Type == "text" && b.Text != "" {
					fmt.Fprintf(&sb, "[%s] %s\n", ev.Actor, b.Text)
				}
				if b.Type == "tool_use" {
					fmt.Fprintf(&sb, "[%s] ran tool %s(%s)\n", ev.Actor, b.ToolName, truncate(string(b.Input), 120))
				}
			}
		case store.TypeToolResult:
			for _, b := range ev.Content.Blocks {
				status := "ok"
				if b.IsError {
					status = "failed"
				}
				fmt.Fprintf(&sb, "[tool %s %s] %s\n", b.ToolName, status, truncate(b.Output, 200))
			}
		}
	}
	return sb.String()
}

func fallbackSummary(events []*store.Event) string {
	return fmt.Sprintf("Earlier conversation of %d events is unavailable in detail. Ask the user to restate anything important.", len(events))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (s *Service) notifyUpdate(th *store.Thread) {
	s.bus.Publish(th.ID, protocol.NewServerMessage(protocol.TypeConversationUpdate, th.ID.String(), 0, th))
}
