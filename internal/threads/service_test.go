package threads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/providers"
	"github.com/gigi-dev/gigi/internal/store"
)

// cannedSummarizer returns a fixed summary for every Chat call.
type cannedSummarizer struct {
	summary string
	calls   int
}

func (p *cannedSummarizer) Name() string         { return "canned" }
func (p *cannedSummarizer) DefaultModel() string { return "test" }

func (p *cannedSummarizer) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.calls++
	return &providers.ChatResponse{Content: p.summary, FinishReason: "stop"}, nil
}

func (p *cannedSummarizer) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func newTestService(t *testing.T) (*Service, *store.Store, *cannedSummarizer) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	summarizer := &cannedSummarizer{summary: "summary of earlier work"}
	return NewService(st, bus.New(), summarizer), st, summarizer
}

func seedEvents(t *testing.T, st *store.Store, threadID uuid.UUID, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		direction := store.DirectionIn
		actor := "user"
		if i%2 == 0 {
			direction = store.DirectionOut
			actor = "gigi"
		}
		_, err := st.AppendEvent(context.Background(), threadID, store.EventInput{
			Direction: direction,
			Actor:     actor,
			Channel:   store.ChannelWeb,
			Type:      store.TypeText,
			Content:   store.Content{Text: fmt.Sprintf("message %d", i)},
		})
		if err != nil {
			t.Fatalf("seed event %d: %v", i, err)
		}
	}
}

func TestFork_EmptyChildWithoutCompaction(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	parent, err := svc.Create(ctx, store.ChannelWeb, "parent", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	seedEvents(t, st, parent.ID, 10)

	child, err := svc.Fork(ctx, parent.ID, uuid.Nil, "", false)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	events, err := st.ListEvents(ctx, child.ID, store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("child should start empty, has %d events", len(events))
	}

	lin, err := svc.GetLineage(ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lin.Parent == nil || lin.Parent.ID != parent.ID {
		t.Fatal("lineage parent missing")
	}
	if lin.ForkEvent == nil || lin.ForkEvent.Seq != 10 {
		t.Fatalf("fork point = %+v", lin.ForkEvent)
	}

	// Child gets its own sequence; parent is untouched.
	ev, err := st.AppendEvent(ctx, child.ID, store.EventInput{
		Direction: store.DirectionIn, Actor: "user", Channel: store.ChannelWeb,
		Type: store.TypeText, Content: store.Content{Text: "continue here"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 1 {
		t.Fatalf("child seq = %d, want 1", ev.Seq)
	}
	if tail, _ := st.TailSeq(ctx, parent.ID); tail != 10 {
		t.Fatalf("parent tail moved to %d", tail)
	}
}

func TestFork_CompactParentSeedsSummary(t *testing.T) {
	svc, st, summarizer := newTestService(t)
	ctx := context.Background()

	parent, _ := svc.Create(ctx, store.ChannelWeb, "parent", "", nil)
	seedEvents(t, st, parent.ID, 6)

	child, err := svc.Fork(ctx, parent.ID, uuid.Nil, "branch", true)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if summarizer.calls != 1 {
		t.Fatalf("summarizer calls = %d", summarizer.calls)
	}

	events, _ := st.ListEvents(ctx, child.ID, store.EventFilter{})
	if len(events) != 1 || events[0].Type != store.TypeSummary {
		t.Fatalf("child events = %+v", events)
	}
	if events[0].Meta["origin_thread"] != parent.ID.String() {
		t.Fatalf("summary origin = %q", events[0].Meta["origin_thread"])
	}
	if events[0].Content.Text != "summary of earlier work" {
		t.Fatalf("summary text = %q", events[0].Content.Text)
	}
}

func TestFork_RejectsForeignForkPoint(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	a, _ := svc.Create(ctx, store.ChannelWeb, "a", "", nil)
	b, _ := svc.Create(ctx, store.ChannelWeb, "b", "", nil)
	seedEvents(t, st, a.ID, 1)
	seedEvents(t, st, b.ID, 1)

	foreign, _ := st.ListEvents(ctx, b.ID, store.EventFilter{})
	_, err := svc.Fork(ctx, a.ID, foreign[0].ID, "", false)
	if !errors.Is(err, store.ErrInvariant) {
		t.Fatalf("want ErrInvariant, got %v", err)
	}
}

func TestCompact_KeepsTailAndAppendsSummary(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	th, _ := svc.Create(ctx, store.ChannelWeb, "busy", "", nil)
	seedEvents(t, st, th.ID, 20)

	if err := svc.Compact(ctx, th.ID); err != nil {
		t.Fatalf("compact: %v", err)
	}

	visible, _ := st.ListEvents(ctx, th.ID, store.EventFilter{})
	// keepLast raw events + the new summary
	if len(visible) != DefaultKeepLast+1 {
		t.Fatalf("visible = %d, want %d", len(visible), DefaultKeepLast+1)
	}
	last := visible[len(visible)-1]
	if last.Type != store.TypeSummary {
		t.Fatalf("last visible event is %s", last.Type)
	}
	if last.Meta["origin_thread"] != th.ID.String() {
		t.Fatalf("summary origin = %q", last.Meta["origin_thread"])
	}

	all, _ := st.ListEvents(ctx, th.ID, store.EventFilter{IncludeCompacted: true})
	if len(all) != 21 {
		t.Fatalf("full history = %d, want 21 (originals preserved)", len(all))
	}
}

func TestCompact_ForkedChildKeepsParentSummaryFirst(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	parent, _ := svc.Create(ctx, store.ChannelWeb, "parent", "", nil)
	seedEvents(t, st, parent.ID, 4)
	child, err := svc.Fork(ctx, parent.ID, uuid.Nil, "", true)
	if err != nil {
		t.Fatal(err)
	}
	seedEvents(t, st, child.ID, 15)

	if err := svc.Compact(ctx, child.ID); err != nil {
		t.Fatalf("compact child: %v", err)
	}

	visible, _ := st.ListEvents(ctx, child.ID, store.EventFilter{})
	var summaries []*store.Event
	for _, ev := range visible {
		if ev.Type == store.TypeSummary {
			summaries = append(summaries, ev)
		}
	}
	if len(summaries) != 2 {
		t.Fatalf("want parent + child summaries, got %d", len(summaries))
	}
	if summaries[0].Meta["origin_thread"] != parent.ID.String() {
		t.Fatal("parent summary must come first")
	}
	if summaries[1].Meta["origin_thread"] != child.ID.String() {
		t.Fatal("child summary must carry its own thread id")
	}
}

func TestCompact_NothingToDo(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	th, _ := svc.Create(ctx, store.ChannelWeb, "small", "", nil)
	seedEvents(t, st, th.ID, 3)

	err := svc.Compact(ctx, th.ID)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestTransition_Rules(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		from    store.ThreadStatus
		to      store.ThreadStatus
		wantErr bool
	}{
		{"pause to active", store.StatusPaused, store.StatusActive, false},
		{"active to paused", store.StatusActive, store.StatusPaused, false},
		{"pause to stopped", store.StatusPaused, store.StatusStopped, false},
		{"stopped reopen", store.StatusStopped, store.StatusPaused, false},
		{"stopped to active", store.StatusStopped, store.StatusActive, true},
		{"archive from anywhere", store.StatusStopped, store.StatusArchived, false},
		{"archived cannot activate", store.StatusArchived, store.StatusActive, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th, err := svc.Create(ctx, store.ChannelWeb, "t", "", nil)
			if err != nil {
				t.Fatal(err)
			}
			// Walk the thread into the starting state.
			switch tt.from {
			case store.StatusActive:
				svc.Transition(ctx, th.ID, store.StatusActive)
			case store.StatusStopped:
				svc.Transition(ctx, th.ID, store.StatusStopped)
			case store.StatusArchived:
				svc.Transition(ctx, th.ID, store.StatusArchived)
			}
			err = svc.Transition(ctx, th.ID, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("transition %s->%s: err = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestSearch_MinQueryLength(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Search(context.Background(), "x", 10)
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}

func TestSearch_TopicRanksFirst(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	bodyThread, _ := svc.Create(ctx, store.ChannelWeb, "unrelated", "", nil)
	st.AppendEvent(ctx, bodyThread.ID, store.EventInput{
		Direction: store.DirectionIn, Actor: "user", Channel: store.ChannelWeb,
		Type: store.TypeText, Content: store.Content{Text: "the websocket handler is broken"},
	})
	topicThread, _ := svc.Create(ctx, store.ChannelWeb, "websocket rewrite", "", nil)
	_ = topicThread

	matches, err := svc.Search(ctx, "websocket", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) < 2 {
		t.Fatalf("matches = %d", len(matches))
	}
	if matches[0].Seq != 0 || !strings.Contains(matches[0].Topic, "websocket") {
		t.Fatalf("first match should be the topic hit: %+v", matches[0])
	}
}

func TestCompactionRecommended(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	th, _ := svc.Create(ctx, store.ChannelWeb, "t", "", nil)
	seedEvents(t, st, th.ID, DefaultRecommendAt)
	if rec, _ := svc.CompactionRecommended(ctx, th.ID); rec {
		t.Fatal("at threshold should not recommend")
	}
	seedEvents(t, st, th.ID, 1)
	if rec, _ := svc.CompactionRecommended(ctx, th.ID); !rec {
		t.Fatal("above threshold should recommend")
	}
}
