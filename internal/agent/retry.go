package agent

import "fmt"

// maxToolAttempts caps invocations of the same (tool, canonical input)
// within one turn. The third request short-circuits with an escalation
// directive instead of running the handler again.
const maxToolAttempts = 3

// retryTracker is the turn-local failure ledger. Keys are the canonical
// serialized form of the validated input, so two calls with reordered
// arguments count as the same attempt. A new turn starts fresh.
type retryTracker struct {
	failures map[string]int
}

func newRetryTracker() *retryTracker {
	return &retryTracker{failures: make(map[string]int)}
}

// failures returns the number of recorded failures for the key.
func (r *retryTracker) count(key string) int {
	return r.failures[key]
}

// recordFailure increments and returns the new count.
func (r *retryTracker) recordFailure(key string) int {
	r.failures[key]++
	return r.failures[key]
}

// recoveryHint is appended to a failed tool result so the model tries a
// different approach instead of repeating the same call.
func recoveryHint(toolName, errMsg string, attempt int) string {
	return fmt.Sprintf("%s\n\n[Attempt %d of %d for %s failed. Try a different approach: change the inputs, use another tool, or break the task into smaller steps.]",
		errMsg, attempt, maxToolAttempts, toolName)
}

// escalationDirective replaces the tool result once the attempt cap is
// reached. The model is expected to surface the problem to the operator
// rather than loop.
func escalationDirective(toolName string) string {
	return fmt.Sprintf("This %s call has failed %d times with the same input. Do not retry it. Summarize what you tried and what went wrong, and ask the operator for guidance on how to proceed.",
		toolName, maxToolAttempts)
}
