package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/providers"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/tools"
	"github.com/gigi-dev/gigi/pkg/protocol"
)

// Sentinel errors surfaced by Dispatch.
var (
	ErrAgentBusy = errors.New("agent already running on this thread")
	errStopped   = errors.New("turn stopped")
)

// BudgetKey is the config entry holding the period budget ceiling in USD.
// Zero or missing means unmetered.
const BudgetKey = "budget_usd"

// Config tunes the runtime.
type Config struct {
	Model         string
	MaxIterations int           // LLM round-trips per turn
	TurnTimeout   time.Duration // whole-turn ceiling
	Workspace     string
}

// Runtime executes agent turns: one live turn per thread, streamed to the
// bus, every block persisted before its segment is published.
type Runtime struct {
	st        *store.Store
	bus       *bus.Bus
	registry  *tools.Registry
	provider  providers.Provider
	questions *Questions
	enforcer  *Enforcer
	cfg       Config
	tracer    trace.Tracer

	mu       sync.Mutex
	running  map[uuid.UUID]*run
	answered map[uuid.UUID]map[int64]struct{} // seqs consumed by ask_user parks
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRuntime(st *store.Store, b *bus.Bus, registry *tools.Registry, provider providers.Provider, questions *Questions, enforcer *Enforcer, cfg Config) *Runtime {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 10 * time.Minute
	}
	r := &Runtime{
		st:        st,
		bus:       b,
		registry:  registry,
		provider:  provider,
		questions: questions,
		enforcer:  enforcer,
		cfg:       cfg,
		tracer:    otel.Tracer("gigi/agent"),
		running:   make(map[uuid.UUID]*run),
		answered:  make(map[uuid.UUID]map[int64]struct{}),
	}
	questions.SetNotifier(func(q Question) {
		b.Publish(q.ThreadID, protocol.NewServerMessage(protocol.TypeAskUser, q.ThreadID.String(), 0, protocol.AskUserPayload{
			QuestionID: q.ID.String(),
			Question:   q.Text,
			Options:    q.Options,
		}))
	})
	return r
}

// Questions exposes the pending-question registry so channels can route
// answers and chat.stop can dismiss parks.
func (r *Runtime) Questions() *Questions { return r.questions }

// Answer resolves a pending ask_user question on the thread, resuming the
// parked turn. Reports whether a question was waiting. The seq identifies
// the persisted answer event; the live turn consumes it through the park,
// so the post-turn follow-up check must not count it as unanswered.
func (r *Runtime) Answer(threadID uuid.UUID, seq int64, text string) bool {
	if !r.questions.Resolve(threadID, text) {
		return false
	}
	r.mu.Lock()
	set := r.answered[threadID]
	if set == nil {
		set = make(map[int64]struct{})
		r.answered[threadID] = set
	}
	set[seq] = struct{}{}
	r.mu.Unlock()
	return true
}

// Running reports whether a turn is live on the thread.
func (r *Runtime) Running(threadID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[threadID]
	return ok
}

// BudgetUSD reads the configured period ceiling; 0 means unmetered.
func (r *Runtime) BudgetUSD(ctx context.Context) float64 {
	raw, err := r.st.GetConfig(ctx, BudgetKey)
	if err != nil {
		return 0
	}
	budget, _ := strconv.ParseFloat(raw, 64)
	return budget
}

// CheckBudget refuses new turns once the period aggregate crosses the
// ceiling. A turn already running is never interrupted by the budget.
func (r *Runtime) CheckBudget(ctx context.Context) error {
	budget := r.BudgetUSD(ctx)
	if budget <= 0 {
		return nil
	}
	spent, err := r.st.PeriodCost(ctx)
	if err != nil {
		return fmt.Errorf("budget check: %w", err)
	}
	if spent >= budget {
		return fmt.Errorf("%w: $%.4f of $%.2f spent this period", store.ErrBudgetExceeded, spent, budget)
	}
	return nil
}

// Dispatch starts a turn on the thread. The triggering inbound event must
// already be persisted. Refuses when a turn is live (ErrAgentBusy), when
// the thread cannot run (stopped/archived), or when the budget is spent.
func (r *Runtime) Dispatch(ctx context.Context, threadID uuid.UUID) error {
	thread, err := r.st.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	switch thread.Status {
	case store.StatusPaused, store.StatusActive:
	default:
		return fmt.Errorf("%w: thread is %s", store.ErrConflict, thread.Status)
	}
	if err := r.CheckBudget(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.running[threadID]; exists {
		r.mu.Unlock()
		return ErrAgentBusy
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rn := &run{cancel: cancel, done: make(chan struct{})}
	r.running[threadID] = rn
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			close(rn.done)
			r.mu.Lock()
			delete(r.running, threadID)
			delete(r.answered, threadID)
			r.mu.Unlock()
		}()
		r.execute(runCtx, threadID)
	}()
	return nil
}

// Stop raises cooperative cancellation on the thread's live turn and
// dismisses any parked question. Returns false when nothing was running.
func (r *Runtime) Stop(threadID uuid.UUID) bool {
	r.questions.Cancel(threadID)

	r.mu.Lock()
	rn, ok := r.running[threadID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	rn.cancel()
	return true
}

// execute runs the turn plus any enforcement follow-ups, restoring thread
// status when done.
func (r *Runtime) execute(ctx context.Context, threadID uuid.UUID) {
	if err := r.st.SetThreadStatus(ctx, threadID, store.StatusActive); err != nil {
		slog.Error("agent: set active", "thread", threadID, "error", err)
		return
	}
	defer func() {
		// The turn may have stopped the thread (webhook close); only an
		// active thread returns to paused.
		bg := context.WithoutCancel(ctx)
		if t, err := r.st.GetThread(bg, threadID); err == nil && t.Status == store.StatusActive {
			r.st.SetThreadStatus(bg, threadID, store.StatusPaused)
		}
	}()

	for cycle := 0; ; cycle++ {
		tail, err := r.turn(ctx, threadID)
		if err != nil {
			return
		}
		// Messages routed while the turn was live were persisted past its
		// snapshot but never entered the context; answer them now.
		if more, err := r.hasInboundAfter(ctx, threadID, tail); err == nil && more {
			if err := r.CheckBudget(ctx); err != nil {
				slog.Warn("agent: follow-up halted by budget", "thread", threadID)
				return
			}
			slog.Info("agent: follow-up turn for queued message", "thread", threadID)
			continue
		}
		if r.enforcer == nil {
			return
		}
		// Enforcement cycles are normal turns: they cost tokens and obey
		// the budget.
		if err := r.CheckBudget(ctx); err != nil {
			slog.Warn("agent: enforcement halted by budget", "thread", threadID)
			return
		}
		directive, ok := r.enforcer.Advance(ctx, threadID)
		if !ok {
			return
		}
		if _, err := r.st.AppendEvent(ctx, threadID, store.EventInput{
			Direction: store.DirectionIn,
			Actor:     "gigi:enforcer",
			Channel:   store.ChannelSystem,
			Type:      store.TypeText,
			Content:   store.Content{Text: directive},
		}); err != nil {
			slog.Error("agent: enforcement inject", "thread", threadID, "error", err)
			return
		}
		slog.Info("agent: enforcement follow-up", "thread", threadID, "cycle", cycle+1)
	}
}

// hasInboundAfter reports whether unconsumed inbound events landed past
// the given sequence number. Answers routed into a parked ask_user were
// already consumed by the live turn and do not count.
func (r *Runtime) hasInboundAfter(ctx context.Context, threadID uuid.UUID, seq int64) (bool, error) {
	events, err := r.st.ListEvents(ctx, threadID, store.EventFilter{AfterSeq: seq})
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	consumed := make(map[int64]struct{}, len(r.answered[threadID]))
	for s := range r.answered[threadID] {
		consumed[s] = struct{}{}
	}
	r.mu.Unlock()
	for _, ev := range events {
		if ev.Direction != store.DirectionIn {
			continue
		}
		if _, ok := consumed[ev.Seq]; ok {
			continue
		}
		return true, nil
	}
	return false, nil
}

// turn is one LLM streaming session plus its tool calls. It returns the
// sequence number of the last event in its snapshot so the caller can
// detect messages that arrived while the turn ran.
func (r *Runtime) turn(ctx context.Context, threadID uuid.UUID) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("thread.id", threadID.String())))
	defer span.End()

	thread, err := r.st.GetThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	refs, err := r.st.ListReferences(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if r.enforcer != nil {
		r.enforcer.Track(ctx, thread, refs)
	}
	events, err := r.st.ListEvents(ctx, threadID, store.EventFilter{})
	if err != nil {
		return 0, err
	}
	var tail int64
	if len(events) > 0 {
		tail = events[len(events)-1].Seq
	}

	r.publish(threadID, protocol.TypeAgentStart, 0, nil)

	messages := buildMessages(thread, refs, events)
	specs := toolSpecs(r.registry)
	retries := newRetryTracker()
	start := time.Now()

	var totalUsage store.Usage
	var finalText string

	for iteration := 0; iteration < r.cfg.MaxIterations; iteration++ {
		resp, err := r.provider.ChatStream(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    specs,
			Model:    r.cfg.Model,
		}, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				r.publish(threadID, protocol.TypeTextChunk, 0, protocol.TextChunkPayload{Text: chunk.Content})
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return tail, r.finishInterrupted(ctx, threadID, nil)
			}
			return tail, r.finishError(ctx, threadID, err)
		}

		if resp.Usage == nil {
			resp.Usage = &providers.Usage{}
		}
		callUsage := store.Usage{
			InputTokens:      int64(resp.Usage.InputTokens),
			OutputTokens:     int64(resp.Usage.OutputTokens),
			CacheReadTokens:  int64(resp.Usage.CacheReadTokens),
			CacheWriteTokens: int64(resp.Usage.CacheWriteTokens),
			CostUSD:          providers.Cost(r.modelName(), resp.Usage),
		}
		totalUsage.Add(callUsage)

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			ev, err := r.st.AppendEvent(ctx, threadID, store.EventInput{
				Direction: store.DirectionOut,
				Actor:     "gigi",
				Channel:   thread.Channel,
				Type:      store.TypeText,
				Content:   store.Content{Text: finalText},
				Usage:     &callUsage,
			})
			if err != nil {
				return tail, r.finishError(ctx, threadID, err)
			}
			_ = ev
			break
		}

		// Persist the assistant block list before announcing any segment.
		blocks := []store.Block{}
		if resp.Content != "" {
			blocks = append(blocks, store.Block{Type: "text", Text: resp.Content})
		}
		for _, tc := range resp.ToolCalls {
			blocks = append(blocks, store.Block{
				Type:      "tool_use",
				ToolUseID: tc.ID,
				ToolName:  tc.Name,
				Input:     tc.Arguments,
			})
		}
		useEv, err := r.st.AppendEvent(ctx, threadID, store.EventInput{
			Direction: store.DirectionOut,
			Actor:     "gigi",
			Channel:   thread.Channel,
			Type:      store.TypeToolUse,
			Content:   store.Content{Blocks: blocks},
			Usage:     &callUsage,
		})
		if err != nil {
			return tail, r.finishError(ctx, threadID, err)
		}
		for _, tc := range resp.ToolCalls {
			r.publish(threadID, protocol.TypeToolUse, useEv.Seq, protocol.ToolUsePayload{
				ToolUseID: tc.ID,
				Name:      tc.Name,
				Input:     tc.Arguments,
			})
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Tool calls within one turn run sequentially, in emitted order.
		for i, tc := range resp.ToolCalls {
			if ctx.Err() != nil {
				return tail, r.finishInterrupted(ctx, threadID, resp.ToolCalls[i:])
			}
			result, attempts := r.invokeTool(ctx, thread, tc, retries)
			if ctx.Err() != nil && result.IsError {
				return tail, r.finishInterrupted(ctx, threadID, resp.ToolCalls[i:])
			}

			resEv, err := r.st.AppendEvent(ctx, threadID, store.EventInput{
				Direction: store.DirectionOut,
				Actor:     "gigi",
				Channel:   thread.Channel,
				Type:      store.TypeToolResult,
				Content: store.Content{Blocks: []store.Block{{
					Type:      "tool_result",
					ToolUseID: tc.ID,
					ToolName:  tc.Name,
					Output:    result.Output,
					IsError:   result.IsError,
				}}},
			})
			if err != nil {
				return tail, r.finishError(ctx, threadID, err)
			}
			r.publish(threadID, protocol.TypeToolResult, resEv.Seq, protocol.ToolResultPayload{
				ToolUseID: tc.ID,
				Name:      tc.Name,
				Output:    result.Output,
				IsError:   result.IsError,
				Retries:   attempts,
			})

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.Output,
				ToolCallID: tc.ID,
				IsError:    result.IsError,
			})
		}
	}

	totalUsage.DurationMS = time.Since(start).Milliseconds()
	if err := r.st.AddThreadUsage(ctx, threadID, totalUsage); err != nil {
		slog.Error("agent: usage rollup", "thread", threadID, "error", err)
	}

	r.publish(threadID, protocol.TypeAgentDone, 0, protocol.AgentDonePayload{
		Text:         finalText,
		InputTokens:  totalUsage.InputTokens,
		OutputTokens: totalUsage.OutputTokens,
		CacheRead:    totalUsage.CacheReadTokens,
		CacheWrite:   totalUsage.CacheWriteTokens,
		CostUSD:      totalUsage.CostUSD,
		DurationMS:   totalUsage.DurationMS,
	})
	span.SetAttributes(
		attribute.Float64("usage.cost_usd", totalUsage.CostUSD),
		attribute.Int64("usage.output_tokens", totalUsage.OutputTokens),
	)
	return tail, nil
}

// invokeTool runs one tool call with retry accounting. The third request
// for the same canonical input short-circuits with the escalation
// directive instead of running the handler.
func (r *Runtime) invokeTool(ctx context.Context, thread *store.Thread, tc providers.ToolCall, retries *retryTracker) (*tools.Result, int) {
	ctx, span := r.tracer.Start(ctx, "agent.tool",
		trace.WithAttributes(attribute.String("tool.name", tc.Name)))
	defer span.End()

	key := canonicalKey(tc.Name, tc.Arguments)
	if retries.count(key) >= maxToolAttempts-1 {
		attempts := retries.recordFailure(key)
		slog.Warn("agent: tool attempt cap, escalating", "tool", tc.Name, "attempts", attempts)
		return tools.ErrorResult(escalationDirective(tc.Name)), attempts
	}

	inv := &tools.Invocation{
		ToolUseID: tc.ID,
		ThreadID:  thread.ID,
		Channel:   thread.Channel,
		Actor:     "gigi",
		Progress: func(note string, percent int) {
			r.publish(thread.ID, protocol.TypeToolProgress, 0, protocol.ToolProgressPayload{
				ToolUseID: tc.ID,
				Name:      tc.Name,
				Note:      note,
				Percent:   percent,
			})
		},
	}
	result := r.registry.Invoke(ctx, tc.Name, tc.Arguments, inv)
	if result == nil {
		result = tools.ErrorResult("tool returned no result")
	}
	if !result.IsError {
		return result, retries.count(key)
	}

	attempts := retries.recordFailure(key)
	if attempts < maxToolAttempts {
		result.Output = recoveryHint(tc.Name, result.Output, attempts)
	} else {
		result.Output = escalationDirective(tc.Name)
	}
	return result, attempts
}

// finishInterrupted routes a turn killed by its context: a deadline means
// the turn failed (agent_error), anything else is operator cancellation
// (agent_stopped).
func (r *Runtime) finishInterrupted(ctx context.Context, threadID uuid.UUID, orphans []providers.ToolCall) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.failOrphans(ctx, threadID, orphans, "turn timed out")
		return r.finishError(ctx, threadID, fmt.Errorf("turn timed out after %s", r.cfg.TurnTimeout))
	}
	return r.finishStopped(ctx, threadID, orphans)
}

// failOrphans appends synthetic failures for tool_use blocks the turn
// never got to answer, keeping every tool_use paired with a result.
func (r *Runtime) failOrphans(ctx context.Context, threadID uuid.UUID, orphans []providers.ToolCall, output string) {
	if len(orphans) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	thread, err := r.st.GetThread(bg, threadID)
	if err != nil {
		return
	}
	for _, tc := range orphans {
		ev, err := r.st.AppendEvent(bg, threadID, store.EventInput{
			Direction: store.DirectionOut,
			Actor:     "gigi",
			Channel:   thread.Channel,
			Type:      store.TypeToolResult,
			Content: store.Content{Blocks: []store.Block{{
				Type:      "tool_result",
				ToolUseID: tc.ID,
				ToolName:  tc.Name,
				Output:    output,
				IsError:   true,
			}}},
		})
		if err != nil {
			continue
		}
		r.publish(threadID, protocol.TypeToolResult, ev.Seq, protocol.ToolResultPayload{
			ToolUseID: tc.ID,
			Name:      tc.Name,
			Output:    output,
			IsError:   true,
		})
	}
}

// finishStopped acknowledges cooperative cancellation: orphaned tool_use
// blocks get a synthetic failure, the stop is persisted, the thread pauses.
func (r *Runtime) finishStopped(ctx context.Context, threadID uuid.UUID, orphans []providers.ToolCall) error {
	r.failOrphans(ctx, threadID, orphans, "cancelled")
	bg := context.WithoutCancel(ctx)

	ev, err := r.st.AppendEvent(bg, threadID, store.EventInput{
		Direction: store.DirectionOut,
		Actor:     "gigi",
		Channel:   store.ChannelSystem,
		Type:      store.TypeStatusChange,
		Content: store.Content{Status: &store.StatusChange{
			From:   store.StatusActive,
			To:     store.StatusPaused,
			Reason: "stopped",
		}},
	})
	var seq int64
	if err == nil {
		seq = ev.Seq
	}
	r.st.SetThreadStatus(bg, threadID, store.StatusPaused)
	r.publish(threadID, protocol.TypeAgentStopped, seq, nil)
	return errStopped
}

// finishError persists the abort as a durable event before surfacing it,
// so a restart reproduces the same user-visible history.
func (r *Runtime) finishError(ctx context.Context, threadID uuid.UUID, cause error) error {
	bg := context.WithoutCancel(ctx)
	slog.Error("agent: turn failed", "thread", threadID, "error", cause)

	ev, err := r.st.AppendEvent(bg, threadID, store.EventInput{
		Direction: store.DirectionOut,
		Actor:     "gigi",
		Channel:   store.ChannelSystem,
		Type:      store.TypeStatusChange,
		Content: store.Content{Status: &store.StatusChange{
			From:   store.StatusActive,
			To:     store.StatusPaused,
			Reason: "error: " + cause.Error(),
		}},
	})
	var seq int64
	if err == nil {
		seq = ev.Seq
	}
	r.st.SetThreadStatus(bg, threadID, store.StatusPaused)
	r.publish(threadID, protocol.TypeAgentError, seq, protocol.AgentErrorPayload{Reason: cause.Error()})
	return cause
}

func (r *Runtime) publish(threadID uuid.UUID, typ string, seq int64, payload any) {
	r.bus.Publish(threadID, protocol.NewServerMessage(typ, threadID.String(), seq, payload))
}

func (r *Runtime) modelName() string {
	if r.cfg.Model != "" {
		return r.cfg.Model
	}
	return r.provider.DefaultModel()
}

// canonicalKey reproduces the registry's canonical input form for the
// retry ledger without invoking the tool.
func canonicalKey(name string, raw json.RawMessage) string {
	input := map[string]any{}
	if len(raw) > 0 {
		json.Unmarshal(raw, &input)
	}
	inv := tools.Invocation{Tool: name, Input: input}
	return inv.Canonical()
}
