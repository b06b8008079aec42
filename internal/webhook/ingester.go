// Package webhook ingests signed forge deliveries and binds them to
// threads: verify, deduplicate, parse, route, append.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/threads"
	"github.com/gigi-dev/gigi/pkg/protocol"
)

// SecretKey is the config-table key holding the shared webhook secret.
const SecretKey = "webhook_secret"

const (
	maxBodySize    = 1 << 20
	handlerTimeout = 10 * time.Second
	echoWindow     = 30 * time.Second
)

// Dispatcher wakes the agent on a thread. Wired to the runtime; nil in
// deployments that only mirror forge activity.
type Dispatcher interface {
	Dispatch(ctx context.Context, threadID uuid.UUID) error
}

// Ingester is the HTTP endpoint for forge webhooks.
type Ingester struct {
	st       *store.Store
	threads  *threads.Service
	bus      *bus.Bus
	dispatch Dispatcher
	secret   string // static override; empty = read from config table
}

type Option func(*Ingester)

// WithDispatcher makes the ingester start agent turns for deliveries that
// warrant work (issue opened, comment created).
func WithDispatcher(d Dispatcher) Option {
	return func(i *Ingester) { i.dispatch = d }
}

// WithSecret pins the signing secret instead of reading the config table.
func WithSecret(secret string) Option {
	return func(i *Ingester) { i.secret = secret }
}

func NewIngester(st *store.Store, svc *threads.Service, b *bus.Bus, opts ...Option) *Ingester {
	i := &Ingester{st: st, threads: svc, bus: b}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ServeHTTP handles POST /api/webhooks/forge. 204 accept (including
// silent drops), 401 bad signature, 409 duplicate delivery.
func (i *Ingester) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	kind := r.Header.Get(headerEvent)
	deliveryID := r.Header.Get(headerDelivery)
	if kind == "" || deliveryID == "" {
		http.Error(w, "missing event headers", http.StatusBadRequest)
		return
	}

	if !i.verifySignature(ctx, body, r.Header.Get(headerSignature)) {
		slog.Warn("webhook: signature mismatch", "delivery", deliveryID, "kind", kind)
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	if err := i.st.MarkDelivery(ctx, deliveryID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, "duplicate delivery", http.StatusConflict)
			return
		}
		slog.Error("webhook: mark delivery", "delivery", deliveryID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	d, err := parseDelivery(kind, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := i.process(ctx, d); err != nil {
		slog.Error("webhook: process", "delivery", deliveryID, "kind", kind, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (i *Ingester) verifySignature(ctx context.Context, body []byte, got string) bool {
	secret := i.secret
	if secret == "" {
		var err error
		secret, err = i.st.GetConfig(ctx, SecretKey)
		if err != nil {
			slog.Error("webhook: secret unavailable", "error", err)
			return false
		}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}

func (i *Ingester) process(ctx context.Context, d *delivery) error {
	if echo, err := i.isEcho(ctx, d); err != nil {
		return err
	} else if echo {
		slog.Debug("webhook: dropped echo of own action", "kind", d.Kind, "repo", d.Repository.FullName)
		return nil
	}

	switch d.Kind {
	case kindIssues:
		return i.processIssue(ctx, d)
	case kindPullRequest:
		return i.processPull(ctx, d)
	case kindIssueComment:
		return i.processComment(ctx, d)
	case kindPush:
		return i.processByBranch(ctx, d, d.branch())
	case kindPipeline:
		return i.processByBranch(ctx, d, d.WorkflowRun.HeadBranch)
	case kindRelease:
		// No thread binding for releases; mirrored only when a branch
		// thread exists for the tag's repo is not derivable, so drop.
		slog.Debug("webhook: release event dropped", "repo", d.Repository.FullName)
		return nil
	default:
		slog.Debug("webhook: unhandled event kind", "kind", d.Kind)
		return nil
	}
}

// isEcho matches the delivery against recent self-authored writes.
func (i *Ingester) isEcho(ctx context.Context, d *delivery) (bool, error) {
	repo := d.Repository.FullName
	var digest string
	switch {
	case d.Kind == kindIssues && d.Action == "opened":
		digest = store.ActionDigest("issue_create", repo, fmt.Sprintf("%d", d.Issue.Number), d.Issue.Body)
	case d.Kind == kindPullRequest && d.Action == "opened":
		digest = store.ActionDigest("pr_create", repo, fmt.Sprintf("%d", d.PullRequest.Number), d.PullRequest.Body)
	case d.Kind == kindIssueComment && d.Action == "created":
		digest = store.ActionDigest("comment_create", repo, fmt.Sprintf("%d", d.Issue.Number), d.Comment.Body)
	default:
		return false, nil
	}
	return i.st.HasRecentAction(ctx, digest, echoWindow)
}

func (i *Ingester) processIssue(ctx context.Context, d *delivery) error {
	repo := d.Repository.FullName
	th, err := i.st.FindThreadByReference(ctx, repo, store.RefIssue, d.Issue.Number)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if d.Action != "opened" {
			return nil
		}
		th, err = i.threads.Create(ctx, store.ChannelWebhook,
			fmt.Sprintf("Issue #%d: %s", d.Issue.Number, d.Issue.Title), repo, nil)
		if err != nil {
			return err
		}
		if err := i.st.UpsertReference(ctx, store.Reference{
			ThreadID: th.ID,
			RefType:  store.RefIssue,
			Repo:     repo,
			Number:   d.Issue.Number,
			Status:   store.RefOpen,
			URL:      d.Issue.HTMLURL,
		}); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	if err := i.appendInbound(ctx, th.ID, d); err != nil {
		return err
	}

	switch d.Action {
	case "closed":
		if err := i.st.SetReferenceStatus(ctx, repo, store.RefIssue, d.Issue.Number, store.RefClosed); err != nil {
			return err
		}
		if err := i.threads.Transition(ctx, th.ID, store.StatusStopped); err != nil {
			return err
		}
	case "reopened":
		if err := i.st.SetReferenceStatus(ctx, repo, store.RefIssue, d.Issue.Number, store.RefOpen); err != nil {
			return err
		}
	case "opened":
		i.wake(ctx, th.ID)
	}
	return nil
}

func (i *Ingester) processPull(ctx context.Context, d *delivery) error {
	repo := d.Repository.FullName
	pr := d.PullRequest
	th, err := i.st.FindThreadByReference(ctx, repo, store.RefPR, pr.Number)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if d.Action != "opened" {
			return nil
		}
		th, err = i.threads.Create(ctx, store.ChannelWebhook,
			fmt.Sprintf("PR #%d: %s", pr.Number, pr.Title), repo, nil)
		if err != nil {
			return err
		}
		if err := i.st.UpsertReference(ctx, store.Reference{
			ThreadID: th.ID,
			RefType:  store.RefPR,
			Repo:     repo,
			Number:   pr.Number,
			Status:   store.RefOpen,
			URL:      pr.HTMLURL,
		}); err != nil {
			return err
		}
		if pr.Head.Ref != "" {
			// Branch refs carry the branch name in the sha column so
			// pushes to the head branch route to this thread.
			if err := i.st.UpsertReference(ctx, store.Reference{
				ThreadID: th.ID,
				RefType:  store.RefBranch,
				Repo:     repo,
				SHA:      pr.Head.Ref,
				Status:   store.RefOpen,
			}); err != nil {
				return err
			}
		}
	case err != nil:
		return err
	}

	if err := i.appendInbound(ctx, th.ID, d); err != nil {
		return err
	}

	if d.Action == "closed" {
		status := store.RefClosed
		if pr.Merged {
			status = store.RefMerged
		}
		if err := i.st.SetReferenceStatus(ctx, repo, store.RefPR, pr.Number, status); err != nil {
			return err
		}
		if err := i.threads.Transition(ctx, th.ID, store.StatusStopped); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingester) processComment(ctx context.Context, d *delivery) error {
	repo := d.Repository.FullName
	th, err := i.st.FindThreadByReference(ctx, repo, store.RefIssue, d.Issue.Number)
	if errors.Is(err, store.ErrNotFound) {
		th, err = i.st.FindThreadByReference(ctx, repo, store.RefPR, d.Issue.Number)
	}
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("webhook: comment on unbound artifact dropped",
			"repo", repo, "number", d.Issue.Number)
		return nil
	}
	if err != nil {
		return err
	}
	if err := i.appendInbound(ctx, th.ID, d); err != nil {
		return err
	}
	if d.Action == "created" {
		i.wake(ctx, th.ID)
	}
	return nil
}

func (i *Ingester) processByBranch(ctx context.Context, d *delivery, branch string) error {
	if branch == "" {
		return nil
	}
	th, err := i.st.FindThreadByBranch(ctx, d.Repository.FullName, branch)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return i.appendInbound(ctx, th.ID, d)
}

// appendInbound persists the normalized event and mirrors it to
// subscribers.
func (i *Ingester) appendInbound(ctx context.Context, threadID uuid.UUID, d *delivery) error {
	actor := "forge:" + d.Sender.Login
	ev, err := i.st.AppendEvent(ctx, threadID, store.EventInput{
		Direction: store.DirectionIn,
		Actor:     actor,
		Channel:   store.ChannelWebhook,
		Type:      store.TypeText,
		Content:   store.Content{Text: d.summary()},
		Meta: map[string]string{
			"forge_event":  d.Kind,
			"forge_action": d.Action,
		},
	})
	if err != nil {
		return fmt.Errorf("append webhook event: %w", err)
	}
	i.bus.Publish(threadID, protocol.NewServerMessage(
		protocol.TypeConversationUpdate, threadID.String(), ev.Seq, ev))
	return nil
}

func (i *Ingester) wake(ctx context.Context, threadID uuid.UUID) {
	if i.dispatch == nil {
		return
	}
	if err := i.dispatch.Dispatch(ctx, threadID); err != nil {
		slog.Warn("webhook: agent dispatch failed", "thread", threadID, "error", err)
	}
}
