package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/internal/store"
)

func newEnforcerFixture(t *testing.T) (*Enforcer, *store.Store, *store.Thread, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewEnforcer(st, ws)
	t.Cleanup(e.Close)

	ctx := context.Background()
	th, err := st.CreateThread(ctx, store.CreateThreadInput{
		Channel: store.ChannelWebhook,
		Topic:   "Issue #42: bug",
		RepoTag: "gigi/gigi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertReference(ctx, store.Reference{
		ThreadID: th.ID,
		RefType:  store.RefIssue,
		Repo:     "gigi/gigi",
		Number:   42,
		Status:   store.RefOpen,
	}); err != nil {
		t.Fatal(err)
	}
	return e, st, th, ws
}

func appendPush(t *testing.T, st *store.Store, threadID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	_, err := st.AppendEvent(ctx, threadID, store.EventInput{
		Direction: store.DirectionOut,
		Actor:     "gigi",
		Channel:   store.ChannelWebhook,
		Type:      store.TypeToolUse,
		Content: store.Content{Blocks: []store.Block{{
			Type:      "tool_use",
			ToolUseID: "tu_push",
			ToolName:  "bash",
			Input:     json.RawMessage(`{"command":"git push origin fix-42"}`),
		}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = st.AppendEvent(ctx, threadID, store.EventInput{
		Direction: store.DirectionOut,
		Actor:     "gigi",
		Channel:   store.ChannelWebhook,
		Type:      store.TypeToolResult,
		Content: store.Content{Blocks: []store.Block{{
			Type:      "tool_result",
			ToolUseID: "tu_push",
			ToolName:  "bash",
			Output:    "branch pushed",
		}}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEnforcer_MilestoneProgression(t *testing.T) {
	e, st, th, ws := newEnforcerFixture(t)
	ctx := context.Background()

	refs, _ := st.ListReferences(ctx, th.ID)
	e.Track(ctx, th, refs)

	// Nothing observable happened yet: no injection.
	if directive, ok := e.Advance(ctx, th.ID); ok {
		t.Fatalf("initial state should not inject, got %q", directive)
	}

	// Code change → push directive.
	if err := os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main\n\nfunc fix() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	directive, ok := e.Advance(ctx, th.ID)
	if !ok || !strings.Contains(directive, "push") {
		t.Fatalf("after change: ok=%v directive=%q", ok, directive)
	}

	// Successful git push in the tool history → PR directive.
	appendPush(t, st, th.ID)
	directive, ok = e.Advance(ctx, th.ID)
	if !ok || !strings.Contains(directive, "pull request") {
		t.Fatalf("after push: ok=%v directive=%q", ok, directive)
	}

	// PR opened via the forge tool → notify directive.
	if err := st.RecordAction(ctx, store.ActionRecord{Kind: "pr_create", Repo: "gigi/gigi", ID: "7"}); err != nil {
		t.Fatal(err)
	}
	directive, ok = e.Advance(ctx, th.ID)
	if !ok || !strings.Contains(directive, "telegram_send") {
		t.Fatalf("after pr: ok=%v directive=%q", ok, directive)
	}

	// Operator notified → task complete, no further injection.
	if err := st.RecordAction(ctx, store.ActionRecord{Kind: "telegram_send", ID: th.ID.String()}); err != nil {
		t.Fatal(err)
	}
	if directive, ok := e.Advance(ctx, th.ID); ok {
		t.Fatalf("done task should not inject, got %q", directive)
	}
	if _, ok := e.Advance(ctx, th.ID); ok {
		t.Fatal("completed task should be forgotten")
	}
}

func TestEnforcer_CycleCap(t *testing.T) {
	e, st, th, ws := newEnforcerFixture(t)
	ctx := context.Background()

	refs, _ := st.ListReferences(ctx, th.ID)
	e.Track(ctx, th, refs)

	if err := os.WriteFile(filepath.Join(ws, "stuck.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	injections := 0
	for i := 0; i < maxEnforcementCycles+3; i++ {
		if _, ok := e.Advance(ctx, th.ID); ok {
			injections++
		}
	}
	if injections != maxEnforcementCycles {
		t.Fatalf("injections = %d, want cap %d", injections, maxEnforcementCycles)
	}
}

func TestEnforcer_Stale(t *testing.T) {
	e, st, th, _ := newEnforcerFixture(t)
	ctx := context.Background()

	refs, _ := st.ListReferences(ctx, th.ID)
	e.Track(ctx, th, refs)

	if stale := e.Stale(time.Hour); len(stale) != 0 {
		t.Fatalf("fresh task reported stale: %v", stale)
	}

	e.mu.Lock()
	e.tasks[th.ID].StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	e.mu.Unlock()

	stale := e.Stale(time.Hour)
	if len(stale) != 1 || stale[0].Issue != 42 {
		t.Fatalf("stale = %v", stale)
	}
}

func TestEnforcer_NoIssueNoTask(t *testing.T) {
	e, st, _, _ := newEnforcerFixture(t)
	ctx := context.Background()

	plain, err := st.CreateThread(ctx, store.CreateThreadInput{Channel: store.ChannelWeb, Topic: "chat"})
	if err != nil {
		t.Fatal(err)
	}
	e.Track(ctx, plain, nil)
	if _, ok := e.Advance(ctx, plain.ID); ok {
		t.Fatal("thread without an issue reference must not be tracked")
	}
}
