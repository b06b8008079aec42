package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustThread(t *testing.T, s *Store, channel string) *Thread {
	t.Helper()
	th, err := s.CreateThread(context.Background(), CreateThreadInput{Channel: channel, Topic: "test"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return th
}

func textEvent(text string) EventInput {
	return EventInput{
		Direction: DirectionIn,
		Actor:     "user",
		Channel:   ChannelWeb,
		Type:      TypeText,
		Content:   Content{Text: text},
	}
}

func TestAppendEvent_DenseSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, ChannelWeb)

	for i := 1; i <= 5; i++ {
		ev, err := s.AppendEvent(ctx, th.ID, textEvent("msg"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.Seq != int64(i) {
			t.Errorf("append %d: seq = %d, want %d", i, ev.Seq, i)
		}
	}

	events, err := s.ListEvents(ctx, th.ID, EventFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d: seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestAppendEvent_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, ChannelWeb)

	in := EventInput{
		Direction: DirectionOut,
		Actor:     "gigi",
		Channel:   ChannelWeb,
		Type:      TypeToolUse,
		Content: Content{Blocks: []Block{
			{Type: "text", Text: "let me check"},
			{Type: "tool_use", ToolUseID: "tu_1", ToolName: "bash", Input: []byte(`{"command":"ls"}`)},
		}},
		Meta:  map[string]string{"tu_1": "file.txt"},
		Usage: &Usage{InputTokens: 10, OutputTokens: 20, CostUSD: 0.003},
	}
	appended, err := s.AppendEvent(ctx, th.ID, in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetEvent(ctx, appended.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Actor != "gigi" || got.Type != TypeToolUse {
		t.Errorf("actor/type mismatch: %q %q", got.Actor, got.Type)
	}
	if len(got.Content.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(got.Content.Blocks))
	}
	if got.Content.Blocks[1].ToolName != "bash" {
		t.Errorf("tool name = %q, want bash", got.Content.Blocks[1].ToolName)
	}
	if got.Meta["tu_1"] != "file.txt" {
		t.Errorf("meta lost: %v", got.Meta)
	}
	if got.Usage == nil || got.Usage.CostUSD != 0.003 {
		t.Errorf("usage lost: %+v", got.Usage)
	}
}

func TestCreateThread_ForkInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent := mustThread(t, s, ChannelWeb)
	other := mustThread(t, s, ChannelWeb)

	parentEv, err := s.AppendEvent(ctx, parent.ID, textEvent("in parent"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	otherEv, err := s.AppendEvent(ctx, other.ID, textEvent("in other"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// fork point from a different thread is rejected
	_, err = s.CreateThread(ctx, CreateThreadInput{
		Channel: ChannelWeb, ParentID: &parent.ID, ForkEventID: &otherEv.ID,
	})
	if !errors.Is(err, ErrInvariant) {
		t.Errorf("foreign fork point: err = %v, want ErrInvariant", err)
	}

	// missing fork point is rejected
	_, err = s.CreateThread(ctx, CreateThreadInput{Channel: ChannelWeb, ParentID: &parent.ID})
	if !errors.Is(err, ErrInvariant) {
		t.Errorf("missing fork point: err = %v, want ErrInvariant", err)
	}

	// valid fork
	child, err := s.CreateThread(ctx, CreateThreadInput{
		Channel: ChannelWeb, ParentID: &parent.ID, ForkEventID: &parentEv.ID,
	})
	if err != nil {
		t.Fatalf("valid fork: %v", err)
	}
	if child.ForkSeq != parentEv.Seq {
		t.Errorf("fork seq = %d, want %d", child.ForkSeq, parentEv.Seq)
	}

	kids, err := s.Children(ctx, parent.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(kids) != 1 || kids[0].ID != child.ID {
		t.Errorf("children = %v", kids)
	}
}

func TestReferences_UniqueAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, ChannelWebhook)

	ref := Reference{ThreadID: th.ID, RefType: RefIssue, Repo: "gigi", Number: 42, Status: RefOpen, URL: "http://forge/gigi/issues/42"}
	if err := s.UpsertReference(ctx, ref); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// second upsert updates in place, no duplicate
	ref.Status = RefClosed
	if err := s.UpsertReference(ctx, ref); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	refs, err := s.ListReferences(ctx, th.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("refs = %d, want 1", len(refs))
	}
	if refs[0].Status != RefClosed {
		t.Errorf("status = %q, want closed", refs[0].Status)
	}

	found, err := s.FindThreadByReference(ctx, "gigi", RefIssue, 42)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != th.ID {
		t.Errorf("found thread %s, want %s", found.ID, th.ID)
	}

	if _, err := s.FindThreadByReference(ctx, "gigi", RefIssue, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing ref: err = %v, want ErrNotFound", err)
	}
}

func TestMarkCompacted_VisibleSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, ChannelWeb)

	for i := 0; i < 10; i++ {
		if _, err := s.AppendEvent(ctx, th.ID, textEvent("e")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkCompacted(ctx, th.ID, 7); err != nil {
		t.Fatalf("mark: %v", err)
	}
	summary := EventInput{
		Direction: DirectionOut, Actor: "gigi", Channel: ChannelSystem,
		Type: TypeSummary, Content: Content{Text: "summary of 1-7"},
	}
	if _, err := s.AppendEvent(ctx, th.ID, summary); err != nil {
		t.Fatal(err)
	}

	visible, err := s.ListEvents(ctx, th.ID, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	// 3 live tail events + summary
	if len(visible) != 4 {
		t.Errorf("visible = %d, want 4", len(visible))
	}

	all, err := s.ListEvents(ctx, th.ID, EventFilter{IncludeCompacted: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 11 {
		t.Errorf("all = %d, want 11", len(all))
	}
}

func TestActionLog_EchoWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	digest := ActionDigest("create_pr", "gigi", "7", "fix bug")
	err := s.RecordAction(ctx, ActionRecord{Kind: "create_pr", Repo: "gigi", ID: "7", Digest: digest})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	hit, err := s.HasRecentAction(ctx, digest, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Error("expected recent action hit within window")
	}

	hit, err = s.HasRecentAction(ctx, ActionDigest("create_pr", "gigi", "8", "other"), 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("unexpected hit for different digest")
	}
}

func TestMarkDelivery_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MarkDelivery(ctx, "d-1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.MarkDelivery(ctx, "d-1"); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate: err = %v, want ErrConflict", err)
	}
}

func TestConfig_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetConfig(ctx, "budget"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key: err = %v, want ErrNotFound", err)
	}
	if err := s.SetConfig(ctx, "budget", "10.00"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConfig(ctx, "budget", "12.50"); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetConfig(ctx, "budget")
	if err != nil {
		t.Fatal(err)
	}
	if v != "12.50" {
		t.Errorf("value = %q, want 12.50", v)
	}
}

func TestUsage_RollupAndPeriodCost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, ChannelWeb)

	for i := 0; i < 3; i++ {
		err := s.AddThreadUsage(ctx, th.ID, Usage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.01})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Usage.InputTokens != 300 || got.Usage.CostUSD < 0.029 {
		t.Errorf("aggregate = %+v", got.Usage)
	}

	cost, err := s.PeriodCost(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cost < 0.029 || cost > 0.031 {
		t.Errorf("period cost = %f, want ≈0.03", cost)
	}

	stats, err := s.UsageStats(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats days = %d, want 1", len(stats))
	}
}

func TestDeleteThread_OnlyArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, ChannelWeb)

	if err := s.DeleteThread(ctx, th.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("delete active: err = %v, want ErrConflict", err)
	}
	if err := s.SetThreadStatus(ctx, th.ID, StatusArchived); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteThread(ctx, th.ID); err != nil {
		t.Fatalf("delete archived: %v", err)
	}
	if _, err := s.GetThread(ctx, th.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestSearch_TopicBeforeBody(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1, _ := s.CreateThread(ctx, CreateThreadInput{Channel: ChannelWeb, Topic: "deploy pipeline"})
	t2, _ := s.CreateThread(ctx, CreateThreadInput{Channel: ChannelWeb, Topic: "unrelated"})
	if _, err := s.AppendEvent(ctx, t2.ID, textEvent("let's fix the deploy script")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Search(ctx, "d", 10); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("short query: err = %v, want ErrInvalidInput", err)
	}

	matches, err := s.Search(ctx, "deploy", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].ThreadID != t1.ID || matches[0].Seq != 0 {
		t.Errorf("first match should be the topic hit, got %+v", matches[0])
	}
	if matches[1].ThreadID != t2.ID || matches[1].Seq != 1 {
		t.Errorf("second match should be the body hit, got %+v", matches[1])
	}
}
