// Package router turns inbound messages from heterogeneous channels into
// a single linearized sequence per thread and decides whether the agent
// should run.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/internal/agent"
	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/threads"
	"github.com/gigi-dev/gigi/pkg/protocol"
)

const maxDerivedTopic = 80

// Agent is the slice of the runtime the router drives. Answer carries the
// seq of the persisted message so the runtime can tell consumed answers
// apart from messages still awaiting a turn.
type Agent interface {
	Dispatch(ctx context.Context, threadID uuid.UUID) error
	Answer(threadID uuid.UUID, seq int64, text string) bool
	Running(threadID uuid.UUID) bool
}

// Inbound is one normalized message from any channel.
type Inbound struct {
	Channel  string
	Actor    string
	ThreadID uuid.UUID // uuid.Nil starts a new thread
	Text     string
	Topic    string // optional; derived from Text when empty
	Repo     string
	Tags     []string
}

// Outcome reports what Route did with the message.
type Outcome struct {
	Thread     *store.Thread
	Event      *store.Event
	Answered   bool // resumed a parked ask_user instead of starting a turn
	Dispatched bool
}

type Router struct {
	st      *store.Store
	threads *threads.Service
	bus     *bus.Bus
	agent   Agent
}

func New(st *store.Store, svc *threads.Service, b *bus.Bus, a Agent) *Router {
	return &Router{st: st, threads: svc, bus: b, agent: a}
}

// Route attaches the message to a thread, persists it, and either resumes
// a parked question or starts an agent turn. A live turn on the thread is
// not an error: the message lands in history and the runtime runs a
// follow-up turn for it once the live turn completes.
func (rt *Router) Route(ctx context.Context, in Inbound) (*Outcome, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, fmt.Errorf("%w: message text is required", store.ErrInvalidInput)
	}
	if in.Channel == "" {
		return nil, fmt.Errorf("%w: channel is required", store.ErrInvalidInput)
	}
	if in.Actor == "" {
		in.Actor = "user"
	}

	th, err := rt.resolveThread(ctx, in)
	if err != nil {
		return nil, err
	}

	ev, err := rt.st.AppendEvent(ctx, th.ID, store.EventInput{
		Direction: store.DirectionIn,
		Actor:     in.Actor,
		Channel:   in.Channel,
		Type:      store.TypeText,
		Content:   store.Content{Text: in.Text},
	})
	if err != nil {
		return nil, fmt.Errorf("append inbound: %w", err)
	}
	rt.bus.Publish(th.ID, protocol.NewServerMessage(
		protocol.TypeConversationUpdate, th.ID.String(), ev.Seq, ev))

	out := &Outcome{Thread: th, Event: ev}

	// A parked ask_user consumes the message; the suspended turn resumes.
	if rt.agent.Answer(th.ID, ev.Seq, in.Text) {
		out.Answered = true
		return out, nil
	}

	switch err := rt.agent.Dispatch(ctx, th.ID); {
	case err == nil:
		out.Dispatched = true
		return out, nil
	case errors.Is(err, agent.ErrAgentBusy):
		slog.Debug("router: turn live, message queued in history", "thread", th.ID)
		return out, nil
	default:
		return out, err
	}
}

func (rt *Router) resolveThread(ctx context.Context, in Inbound) (*store.Thread, error) {
	if in.ThreadID == uuid.Nil {
		topic := in.Topic
		if topic == "" {
			topic = deriveTopic(in.Text)
		}
		return rt.threads.Create(ctx, in.Channel, topic, in.Repo, in.Tags)
	}

	th, err := rt.threads.Get(ctx, in.ThreadID)
	if err != nil {
		return nil, err
	}
	switch th.Status {
	case store.StatusArchived:
		return nil, fmt.Errorf("%w: thread is archived", store.ErrConflict)
	case store.StatusStopped:
		// Messaging a stopped thread reopens it.
		if err := rt.threads.Transition(ctx, th.ID, store.StatusPaused); err != nil {
			return nil, err
		}
		return rt.threads.Get(ctx, th.ID)
	}
	return th, nil
}

// deriveTopic takes the first line of the message, truncated.
func deriveTopic(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	runes := []rune(line)
	if len(runes) > maxDerivedTopic {
		return string(runes[:maxDerivedTopic-1]) + "…"
	}
	return line
}
