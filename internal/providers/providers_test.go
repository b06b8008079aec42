package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRetryDo_TransientThenSuccess(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	attempts := 0
	result, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &HTTPError{Status: 529, Body: "overloaded"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || attempts != 3 {
		t.Fatalf("result=%q attempts=%d", result, attempts)
	}
}

func TestRetryDo_PermanentFailsFast(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	attempts := 0
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		attempts++
		return "", &HTTPError{Status: 401, Body: "bad key"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("401 should not retry, got %d attempts", attempts)
	}
}

func TestRetryDo_GivesUp(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		return "", &HTTPError{Status: 500, Body: "boom"}
	})
	if err == nil || !strings.Contains(err.Error(), "giving up") {
		t.Fatalf("want giving-up error, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatal("underlying HTTPError should be wrapped")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		got := IsTransient(&HTTPError{Status: tt.status})
		if got != tt.want {
			t.Errorf("IsTransient(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are not transient")
	}
}

func TestCost(t *testing.T) {
	u := &Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	got := Cost("claude-sonnet-4-5", u)
	if got < 17.9 || got > 18.1 {
		t.Fatalf("sonnet 1M/1M = %f, want ~18", got)
	}
	if Cost("claude-sonnet-4-5", nil) != 0 {
		t.Fatal("nil usage costs nothing")
	}
	cached := &Usage{CacheReadTokens: 1_000_000}
	if c := Cost("claude-sonnet-4-5", cached); c < 0.29 || c > 0.31 {
		t.Fatalf("cache read discount wrong: %f", c)
	}
}

func sseEvent(event, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func TestAnthropicChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		var sb strings.Builder
		sb.WriteString(sseEvent("message_start", `{"message":{"usage":{"input_tokens":120,"cache_read_input_tokens":40}}}`))
		sb.WriteString(sseEvent("content_block_start", `{"index":0,"content_block":{"type":"text"}}`))
		sb.WriteString(sseEvent("content_block_delta", `{"delta":{"type":"text_delta","text":"Let me check."}}`))
		sb.WriteString(sseEvent("content_block_start", `{"index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"gitea"}}`))
		sb.WriteString(sseEvent("content_block_delta", `{"delta":{"type":"input_json_delta","partial_json":"{\"action\":"}}`))
		sb.WriteString(sseEvent("content_block_delta", `{"delta":{"type":"input_json_delta","partial_json":"\"list_repos\"}"}}`))
		sb.WriteString(sseEvent("message_delta", `{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":33}}`))
		sb.WriteString(sseEvent("message_stop", `{}`))
		w.Write([]byte(sb.String()))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	var chunks []string
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "what repos do I have?"}},
	}, func(c StreamChunk) {
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "Let me check." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(chunks) != 1 || chunks[0] != "Let me check." {
		t.Errorf("chunks = %v", chunks)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "tu_1" || tc.Name != "gitea" {
		t.Errorf("tool call = %+v", tc)
	}
	if string(tc.Arguments) != `{"action":"list_repos"}` {
		t.Errorf("arguments = %s", tc.Arguments)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 33 || resp.Usage.CacheReadTokens != 40 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicChatStream_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sseEvent("error", `{"error":{"type":"overloaded_error","message":"try later"}}`)))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	_, err := p.ChatStream(context.Background(), ChatRequest{}, nil)
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Fatalf("want stream error, got %v", err)
	}
}
