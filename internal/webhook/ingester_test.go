package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/threads"
)

const testSecret = "s3cret"

type recordingDispatcher struct {
	calls []uuid.UUID
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, threadID uuid.UUID) error {
	d.calls = append(d.calls, threadID)
	return nil
}

func newTestIngester(t *testing.T) (*Ingester, *store.Store, *recordingDispatcher) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	disp := &recordingDispatcher{}
	svc := threads.NewService(st, bus.New(), nil)
	ing := NewIngester(st, svc, bus.New(), WithSecret(testSecret), WithDispatcher(disp))
	return ing, st, disp
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, ing *Ingester, kind, deliveryID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/forge", strings.NewReader(body))
	req.Header.Set(headerEvent, kind)
	req.Header.Set(headerDelivery, deliveryID)
	req.Header.Set(headerSignature, sign(testSecret, []byte(body)))
	rec := httptest.NewRecorder()
	ing.ServeHTTP(rec, req)
	return rec
}

func issueBody(action string, number int64, title string) string {
	return fmt.Sprintf(`{
		"action": %q,
		"issue": {"number": %d, "title": %q, "body": "something is wrong", "state": "open", "html_url": "https://git.example.com/gigi/gigi/issues/%d"},
		"repository": {"full_name": "gigi/gigi"},
		"sender": {"login": "alice"}
	}`, action, number, title, number)
}

func TestWebhook_BadSignature(t *testing.T) {
	ing, _, _ := newTestIngester(t)

	body := issueBody("opened", 1, "x")
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/forge", strings.NewReader(body))
	req.Header.Set(headerEvent, kindIssues)
	req.Header.Set(headerDelivery, "d-1")
	req.Header.Set(headerSignature, "deadbeef")
	rec := httptest.NewRecorder()
	ing.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	ing, _, _ := newTestIngester(t)

	body := issueBody("opened", 1, "x")
	if rec := deliver(t, ing, kindIssues, "d-dup", body); rec.Code != http.StatusNoContent {
		t.Fatalf("first delivery = %d, want 204", rec.Code)
	}
	if rec := deliver(t, ing, kindIssues, "d-dup", body); rec.Code != http.StatusConflict {
		t.Fatalf("replay = %d, want 409", rec.Code)
	}
}

func TestWebhook_IssueLifecycle(t *testing.T) {
	ing, st, disp := newTestIngester(t)
	ctx := context.Background()

	rec := deliver(t, ing, kindIssues, "d-1", issueBody("opened", 42, "bug"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("opened = %d: %s", rec.Code, rec.Body.String())
	}

	th, err := st.FindThreadByReference(ctx, "gigi/gigi", store.RefIssue, 42)
	if err != nil {
		t.Fatalf("thread not bound: %v", err)
	}
	if th.Topic != "Issue #42: bug" {
		t.Fatalf("topic = %q", th.Topic)
	}
	refs, _ := st.ListReferences(ctx, th.ID)
	if len(refs) != 1 || refs[0].Status != store.RefOpen {
		t.Fatalf("refs = %+v", refs)
	}
	events, _ := st.ListEvents(ctx, th.ID, store.EventFilter{})
	if len(events) != 1 || events[0].Channel != store.ChannelWebhook {
		t.Fatalf("events = %+v", events)
	}
	if !strings.HasPrefix(events[0].Actor, "forge:alice") {
		t.Fatalf("actor = %q", events[0].Actor)
	}
	if len(disp.calls) != 1 || disp.calls[0] != th.ID {
		t.Fatalf("dispatcher calls = %v", disp.calls)
	}

	// Closing the issue stops the thread and flips the reference.
	rec = deliver(t, ing, kindIssues, "d-2", issueBody("closed", 42, "bug"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("closed = %d", rec.Code)
	}
	th, _ = st.GetThread(ctx, th.ID)
	if th.Status != store.StatusStopped {
		t.Fatalf("thread status = %s", th.Status)
	}
	refs, _ = st.ListReferences(ctx, th.ID)
	if refs[0].Status != store.RefClosed {
		t.Fatalf("ref status = %s", refs[0].Status)
	}
	// One webhook event plus the status_change from the transition.
	events, _ = st.ListEvents(ctx, th.ID, store.EventFilter{})
	webhookEvents := 0
	for _, ev := range events {
		if ev.Channel == store.ChannelWebhook {
			webhookEvents++
		}
	}
	if webhookEvents != 2 {
		t.Fatalf("webhook events = %d, want 2", webhookEvents)
	}
}

func TestWebhook_UnroutableEventDropped(t *testing.T) {
	ing, st, _ := newTestIngester(t)
	ctx := context.Background()

	// "closed" for an issue nobody tracked: accepted, no thread created.
	rec := deliver(t, ing, kindIssues, "d-1", issueBody("closed", 99, "old"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := st.FindThreadByReference(ctx, "gigi/gigi", store.RefIssue, 99); err == nil {
		t.Fatal("thread should not have been created")
	}
}

func TestWebhook_EchoDropped(t *testing.T) {
	ing, st, disp := newTestIngester(t)
	ctx := context.Background()

	deliver(t, ing, kindIssues, "d-1", issueBody("opened", 7, "task"))
	th, _ := st.FindThreadByReference(ctx, "gigi/gigi", store.RefIssue, 7)
	disp.calls = nil

	// The agent just posted this comment through the forge tool.
	logger := store.ActionLog{S: st}
	if err := logger.LogAction(ctx, "comment_create", "gigi/gigi", "7", "done, see PR"); err != nil {
		t.Fatal(err)
	}

	body := `{
		"action": "created",
		"issue": {"number": 7, "title": "task", "state": "open"},
		"comment": {"body": "done, see PR"},
		"repository": {"full_name": "gigi/gigi"},
		"sender": {"login": "gigi-bot"}
	}`
	rec := deliver(t, ing, kindIssueComment, "d-2", body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("echo delivery = %d", rec.Code)
	}

	events, _ := st.ListEvents(ctx, th.ID, store.EventFilter{})
	if len(events) != 1 {
		t.Fatalf("echo appended an event: %+v", events)
	}
	if len(disp.calls) != 0 {
		t.Fatal("echo must not wake the agent")
	}
}

func TestWebhook_CommentRoutesAndWakes(t *testing.T) {
	ing, st, disp := newTestIngester(t)
	ctx := context.Background()

	deliver(t, ing, kindIssues, "d-1", issueBody("opened", 7, "task"))
	th, _ := st.FindThreadByReference(ctx, "gigi/gigi", store.RefIssue, 7)
	disp.calls = nil

	body := `{
		"action": "created",
		"issue": {"number": 7, "title": "task", "state": "open"},
		"comment": {"body": "any progress?", "html_url": "https://git.example.com/gigi/gigi/issues/7#c1"},
		"repository": {"full_name": "gigi/gigi"},
		"sender": {"login": "alice"}
	}`
	if rec := deliver(t, ing, kindIssueComment, "d-2", body); rec.Code != http.StatusNoContent {
		t.Fatalf("comment = %d", rec.Code)
	}

	events, _ := st.ListEvents(ctx, th.ID, store.EventFilter{})
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if !strings.Contains(events[1].Content.Text, "any progress?") {
		t.Fatalf("comment text missing: %q", events[1].Content.Text)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("dispatcher calls = %v", disp.calls)
	}
}

func TestWebhook_PullRequestMergedAndPushRouting(t *testing.T) {
	ing, st, _ := newTestIngester(t)
	ctx := context.Background()

	prBody := func(action string, merged bool) string {
		return fmt.Sprintf(`{
			"action": %q,
			"pull_request": {"number": 5, "title": "fix crash", "body": "fixes #42", "merged": %v, "html_url": "https://git.example.com/gigi/gigi/pulls/5", "head": {"ref": "fix-42"}},
			"repository": {"full_name": "gigi/gigi"},
			"sender": {"login": "alice"}
		}`, action, merged)
	}

	deliver(t, ing, kindPullRequest, "d-1", prBody("opened", false))
	th, err := st.FindThreadByReference(ctx, "gigi/gigi", store.RefPR, 5)
	if err != nil {
		t.Fatalf("pr thread: %v", err)
	}
	if th.Topic != "PR #5: fix crash" {
		t.Fatalf("topic = %q", th.Topic)
	}

	// A push to the PR's head branch lands on the same thread.
	pushBody := `{
		"ref": "refs/heads/fix-42",
		"commits": [{"id": "abc1234def", "message": "guard nil usage"}],
		"repository": {"full_name": "gigi/gigi"},
		"sender": {"login": "alice"}
	}`
	if rec := deliver(t, ing, kindPush, "d-2", pushBody); rec.Code != http.StatusNoContent {
		t.Fatalf("push = %d", rec.Code)
	}
	events, _ := st.ListEvents(ctx, th.ID, store.EventFilter{})
	if len(events) != 2 || !strings.Contains(events[1].Content.Text, "fix-42") {
		t.Fatalf("push event missing: %+v", events)
	}

	// Merge flips the reference to merged and stops the thread.
	deliver(t, ing, kindPullRequest, "d-3", prBody("closed", true))
	refs, _ := st.ListReferences(ctx, th.ID)
	var prStatus string
	for _, ref := range refs {
		if ref.RefType == store.RefPR {
			prStatus = ref.Status
		}
	}
	if prStatus != store.RefMerged {
		t.Fatalf("pr status = %q, want merged", prStatus)
	}
	th, _ = st.GetThread(ctx, th.ID)
	if th.Status != store.StatusStopped {
		t.Fatalf("thread status = %s", th.Status)
	}
}

func TestWebhook_MalformedPayload(t *testing.T) {
	cases := []struct {
		name string
		kind string
		body string
	}{
		{"issues without issue", kindIssues, `{"action": "opened", "repository": {"full_name": "gigi/gigi"}}`},
		{"comment without comment object", kindIssueComment, `{
			"action": "created",
			"issue": {"number": 7, "title": "task", "state": "open"},
			"repository": {"full_name": "gigi/gigi"},
			"sender": {"login": "alice"}
		}`},
		{"workflow_run without run object", kindPipeline, `{
			"action": "completed",
			"repository": {"full_name": "gigi/gigi"}
		}`},
		{"missing repository", kindIssues, `{"action": "opened", "issue": {"number": 1, "title": "x"}}`},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing, _, _ := newTestIngester(t)
			rec := deliver(t, ing, tc.kind, fmt.Sprintf("d-%d", i), tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}
