package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/config"
	"github.com/gigi-dev/gigi/internal/router"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/threads"
	"github.com/gigi-dev/gigi/pkg/protocol"
)

type fakeAgent struct {
	dispatched []uuid.UUID
	stopped    []uuid.UUID
	budget     float64
}

func (a *fakeAgent) Dispatch(ctx context.Context, threadID uuid.UUID) error {
	a.dispatched = append(a.dispatched, threadID)
	return nil
}
func (a *fakeAgent) Answer(threadID uuid.UUID, seq int64, text string) bool { return false }
func (a *fakeAgent) Running(threadID uuid.UUID) bool                        { return false }
func (a *fakeAgent) Stop(threadID uuid.UUID) bool {
	a.stopped = append(a.stopped, threadID)
	return true
}
func (a *fakeAgent) BudgetUSD(ctx context.Context) float64 { return a.budget }

type fixture struct {
	server *Server
	st     *store.Store
	bus    *bus.Bus
	svc    *threads.Service
	agent  *fakeAgent
	ts     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	svc := threads.NewService(st, b, nil)
	ag := &fakeAgent{budget: 25}
	rt := router.New(st, svc, b, ag)

	cfg := config.Default()
	cfg.Gateway.RateLimitRPS = 0 // not under test here

	s := NewServer(cfg, st, b, svc, rt, ag, nil)
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)

	return &fixture{server: s, st: st, bus: b, svc: svc, agent: ag, ts: ts}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestREST_ThreadCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	th, err := f.svc.Create(ctx, store.ChannelWeb, "rest test", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, body := f.get(t, "/api/threads")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	var list []store.Thread
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != th.ID {
		t.Fatalf("list = %+v", list)
	}

	resp, _ = f.get(t, "/api/threads/"+th.ID.String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get = %d", resp.StatusCode)
	}

	resp, _ = f.get(t, "/api/threads/"+uuid.NewString())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing thread = %d, want 404", resp.StatusCode)
	}
}

func TestREST_EventsAndFork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	th, _ := f.svc.Create(ctx, store.ChannelWeb, "fork me", "", nil)
	for i := 0; i < 3; i++ {
		f.st.AppendEvent(ctx, th.ID, store.EventInput{
			Direction: store.DirectionIn, Actor: "user", Channel: store.ChannelWeb,
			Type: store.TypeText, Content: store.Content{Text: fmt.Sprintf("m%d", i)},
		})
	}

	resp, body := f.get(t, "/api/threads/"+th.ID.String()+"/events")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events = %d", resp.StatusCode)
	}
	var events []store.Event
	json.Unmarshal(body, &events)
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}

	resp = f.post(t, "/api/threads/"+th.ID.String()+"/fork", `{"topic":"branch"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fork = %d", resp.StatusCode)
	}
	var child store.Thread
	json.NewDecoder(resp.Body).Decode(&child)
	if child.ParentID == nil || *child.ParentID != th.ID {
		t.Fatalf("child = %+v", child)
	}

	resp, body = f.get(t, "/api/threads/"+child.ID.String()+"/lineage")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lineage = %d: %s", resp.StatusCode, body)
	}
}

func TestREST_CompactConflict(t *testing.T) {
	f := newFixture(t)
	th, _ := f.svc.Create(context.Background(), store.ChannelWeb, "small", "", nil)

	resp := f.post(t, "/api/threads/"+th.ID.String()+"/compact", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("compact empty thread = %d, want 409", resp.StatusCode)
	}
}

func TestREST_RefsAndByRef(t *testing.T) {
	f := newFixture(t)
	th, _ := f.svc.Create(context.Background(), store.ChannelWeb, "issue work", "gigi/gigi", nil)

	resp := f.post(t, "/api/threads/"+th.ID.String()+"/refs",
		`{"ref_type":"issue","repo":"gigi/gigi","number":42}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add ref = %d", resp.StatusCode)
	}

	resp, body := f.get(t, "/api/threads/by-ref/gigi/gigi/issue/42")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("by-ref = %d: %s", resp.StatusCode, body)
	}
	var got store.Thread
	json.Unmarshal(body, &got)
	if got.ID != th.ID {
		t.Fatalf("by-ref thread = %s", got.ID)
	}

	resp, _ = f.get(t, "/api/threads/by-ref/gigi/gigi/issue/99")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown ref = %d, want 404", resp.StatusCode)
	}
}

func TestREST_SearchValidation(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.get(t, "/api/search?q=x")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short query = %d, want 400", resp.StatusCode)
	}
}

func TestREST_Budget(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/api/usage/budget")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("budget = %d", resp.StatusCode)
	}
	var got map[string]any
	json.Unmarshal(body, &got)
	if got["budget_usd"].(float64) != 25 {
		t.Fatalf("budget payload = %v", got)
	}
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg protocol.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestWS_ChatNewAndSend(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	if err := conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.TypeChatNew, Channel: store.ChannelWeb, Topic: "ws test",
	}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeConversationUpdate {
		t.Fatalf("frame = %+v", frame)
	}
	var th store.Thread
	if err := json.Unmarshal(frame.Payload, &th); err != nil {
		t.Fatal(err)
	}
	if th.Topic != "ws test" {
		t.Fatalf("topic = %q", th.Topic)
	}

	if err := conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.TypeChatSend, ConversationID: th.ID.String(), Message: "hello",
	}); err != nil {
		t.Fatal(err)
	}
	// The router mirrors the persisted inbound event to subscribers.
	frame = readFrame(t, conn)
	if frame.Type != protocol.TypeConversationUpdate || frame.Seq != 1 {
		t.Fatalf("frame = %+v", frame)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(f.agent.dispatched) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(f.agent.dispatched) != 1 || f.agent.dispatched[0] != th.ID {
		t.Fatalf("dispatched = %v", f.agent.dispatched)
	}
}

func TestWS_LiveStreamDelivery(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	th, _ := f.svc.Create(context.Background(), store.ChannelWeb, "stream", "", nil)
	if err := conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.TypeChatResume, ConversationID: th.ID.String(),
	}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame.Type != protocol.TypeMessageHistory {
		t.Fatalf("frame = %+v", frame)
	}
	if frame := readFrame(t, conn); frame.Type != protocol.TypeConversationUpdate {
		t.Fatalf("frame = %+v", frame)
	}

	// Anything published on the thread reaches the resumed client.
	f.bus.Publish(th.ID, protocol.NewServerMessage(protocol.TypeTextChunk, th.ID.String(), 0,
		protocol.TextChunkPayload{Text: "partial"}))
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeTextChunk {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestWS_StopAndPing(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	th, _ := f.svc.Create(context.Background(), store.ChannelWeb, "stop me", "", nil)
	if err := conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.TypeChatStop, ConversationID: th.ID.String(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(protocol.ClientMessage{Type: protocol.TypePing}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypePong {
		t.Fatalf("frame = %+v", frame)
	}
	if len(f.agent.stopped) != 1 || f.agent.stopped[0] != th.ID {
		t.Fatalf("stopped = %v", f.agent.stopped)
	}
}

func TestWS_InvalidMessageGetsError(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	if err := conn.WriteJSON(protocol.ClientMessage{Type: "chat.send"}); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeAgentError {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(2)
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed >= 10 {
		t.Fatal("limiter never throttled")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("fresh address must pass")
	}
	if NewIPRateLimiter(0).Enabled() {
		t.Fatal("rps 0 must disable limiting")
	}
}
