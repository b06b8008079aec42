package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Question is one pending ask_user suspension.
type Question struct {
	ID        uuid.UUID `json:"id"`
	ThreadID  uuid.UUID `json:"thread_id"`
	ToolUseID string    `json:"tool_use_id"`
	Text      string    `json:"question"`
	Options   []string  `json:"options,omitempty"`
}

type pendingQuestion struct {
	Question
	answer chan string
	cancel chan struct{}
}

// Questions tracks pending ask_user parks, at most one per thread. An
// inbound message on any channel bound to the thread resolves the park.
type Questions struct {
	mu       sync.Mutex
	byThread map[uuid.UUID]*pendingQuestion

	// notify publishes the ask_user segment; set by the runtime at boot.
	notify func(q Question)
}

func NewQuestions() *Questions {
	return &Questions{byThread: make(map[uuid.UUID]*pendingQuestion)}
}

// SetNotifier installs the segment publisher. Must be called before the
// first Ask.
func (qs *Questions) SetNotifier(fn func(q Question)) { qs.notify = fn }

// Ask parks until the question is answered, cancelled, or ctx expires.
// The tool-level timeout bounds ctx, so the park is never unbounded.
func (qs *Questions) Ask(ctx context.Context, threadID uuid.UUID, toolUseID, text string, options []string) (string, error) {
	q := &pendingQuestion{
		Question: Question{
			ID:        uuid.New(),
			ThreadID:  threadID,
			ToolUseID: toolUseID,
			Text:      text,
			Options:   options,
		},
		answer: make(chan string, 1),
		cancel: make(chan struct{}),
	}

	qs.mu.Lock()
	if _, exists := qs.byThread[threadID]; exists {
		qs.mu.Unlock()
		return "", fmt.Errorf("thread already has a pending question")
	}
	qs.byThread[threadID] = q
	qs.mu.Unlock()

	defer func() {
		qs.mu.Lock()
		if qs.byThread[threadID] == q {
			delete(qs.byThread, threadID)
		}
		qs.mu.Unlock()
	}()

	if qs.notify != nil {
		qs.notify(q.Question)
	}

	select {
	case answer := <-q.answer:
		return answer, nil
	case <-q.cancel:
		return "", fmt.Errorf("question cancelled")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve delivers an answer to the thread's pending question. Returns
// false when nothing is parked, in which case the caller treats the
// message as a normal inbound turn.
func (qs *Questions) Resolve(threadID uuid.UUID, answer string) bool {
	qs.mu.Lock()
	q, ok := qs.byThread[threadID]
	if ok {
		delete(qs.byThread, threadID)
	}
	qs.mu.Unlock()
	if !ok {
		return false
	}
	q.answer <- answer
	return true
}

// Cancel dismisses the thread's pending question, if any. Used by
// chat.stop so the UI can clear the prompt.
func (qs *Questions) Cancel(threadID uuid.UUID) bool {
	qs.mu.Lock()
	q, ok := qs.byThread[threadID]
	if ok {
		delete(qs.byThread, threadID)
	}
	qs.mu.Unlock()
	if !ok {
		return false
	}
	close(q.cancel)
	return true
}

// Pending returns the thread's parked question, if any.
func (qs *Questions) Pending(threadID uuid.UUID) (Question, bool) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q, ok := qs.byThread[threadID]
	if !ok {
		return Question{}, false
	}
	return q.Question, true
}
