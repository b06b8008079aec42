package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/router"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	// Two missed pongs close the connection.
	pongWait     = 2*pingInterval + 5*time.Second
	maxFrameSize = 1 << 20

	historySnapshot = 100
)

// Client is one WebSocket connection. Outbound frames flow through a
// bounded queue; overflow closes the socket with a Lagged reason and the
// client resyncs by seq.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan protocol.ServerMessage
	done chan struct{}

	mu   sync.Mutex
	subs map[uuid.UUID]*bus.Subscription

	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan protocol.ServerMessage, bus.QueueSize),
		done:   make(chan struct{}),
		subs:   make(map[uuid.UUID]*bus.Subscription),
	}
}

// Run pumps the connection until it closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

// Close tears down the connection and every subscription.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, sub := range c.subs {
			sub.Close()
		}
		c.subs = nil
		c.mu.Unlock()
		c.conn.Close()
	})
}

// Send queues a frame. A full queue means the client cannot keep up: it
// is disconnected rather than blocking the publisher.
func (c *Client) Send(msg protocol.ServerMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		slog.Warn("gateway: client lagged, disconnecting", "client", c.id)
		c.closeLagged()
	}
}

func (c *Client) closeLagged() {
	deadline := time.Now().Add(writeWait)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "lagged"), deadline)
	c.Close()
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway: read error", "client", c.id, "error", err)
			}
			return
		}
		if err := msg.Validate(); err != nil {
			c.sendError("", err.Error())
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypePing:
		c.Send(protocol.NewServerMessage(protocol.TypePong, "", 0, nil))
	case protocol.TypePong:
	case protocol.TypeChatNew:
		c.handleChatNew(ctx, msg)
	case protocol.TypeChatSend:
		c.handleChatSend(ctx, msg)
	case protocol.TypeChatResume:
		c.handleChatResume(ctx, msg)
	case protocol.TypeChatStop:
		c.handleChatStop(msg)
	case protocol.TypeTitleUpdate:
		c.handleTitleUpdate(ctx, msg)
	case protocol.TypeViewNavigate:
		c.server.mirror(c, protocol.NewServerMessage(protocol.TypeViewCommand, "", 0,
			protocol.ViewCommandPayload{Target: msg.Target, ID: msg.ID}))
	}
}

func (c *Client) handleChatNew(ctx context.Context, msg protocol.ClientMessage) {
	th, err := c.server.threads.Create(ctx, msg.Channel, msg.Topic, msg.Repo, msg.Tags)
	if err != nil {
		c.sendError("", err.Error())
		return
	}
	c.subscribe(th.ID)
	c.Send(protocol.NewServerMessage(protocol.TypeConversationUpdate, th.ID.String(), 0, th))
}

func (c *Client) handleChatSend(ctx context.Context, msg protocol.ClientMessage) {
	if max := c.server.cfg.Gateway.MaxMessageChars; max > 0 && len(msg.Message) > max {
		c.sendError(msg.ConversationID, "message too long")
		return
	}
	in := router.Inbound{
		Channel: store.ChannelWeb,
		Actor:   "user",
		Text:    msg.Message,
		Repo:    msg.Repo,
		Tags:    msg.Tags,
	}
	if msg.ConversationID != "" {
		id, err := uuid.Parse(msg.ConversationID)
		if err != nil {
			c.sendError(msg.ConversationID, "invalid conversation id")
			return
		}
		in.ThreadID = id
		c.subscribe(id)
	}

	out, err := c.server.router.Route(ctx, in)
	if err != nil {
		c.sendError(msg.ConversationID, errorReason(err))
		return
	}
	c.subscribe(out.Thread.ID)
	if msg.ConversationID == "" {
		// Tell the sender which thread its message landed on.
		c.Send(protocol.NewServerMessage(protocol.TypeConversationUpdate,
			out.Thread.ID.String(), out.Event.Seq, out.Thread))
	}
}

func (c *Client) handleChatResume(ctx context.Context, msg protocol.ClientMessage) {
	id, err := uuid.Parse(msg.ConversationID)
	if err != nil {
		c.sendError(msg.ConversationID, "invalid conversation id")
		return
	}
	th, err := c.server.threads.Get(ctx, id)
	if err != nil {
		c.sendError(msg.ConversationID, errorReason(err))
		return
	}
	c.subscribe(id)

	events, err := c.server.st.ListEvents(ctx, id, store.EventFilter{Limit: historySnapshot})
	if err != nil {
		c.sendError(msg.ConversationID, errorReason(err))
		return
	}
	var seq int64
	if n := len(events); n > 0 {
		seq = events[n-1].Seq
	}
	c.Send(protocol.NewServerMessage(protocol.TypeMessageHistory, id.String(), seq, events))
	c.Send(protocol.NewServerMessage(protocol.TypeConversationUpdate, id.String(), seq, th))
}

func (c *Client) handleChatStop(msg protocol.ClientMessage) {
	id, err := uuid.Parse(msg.ConversationID)
	if err != nil {
		c.sendError(msg.ConversationID, "invalid conversation id")
		return
	}
	if !c.server.agent.Stop(id) {
		slog.Debug("gateway: stop on idle thread", "thread", id)
	}
}

func (c *Client) handleTitleUpdate(ctx context.Context, msg protocol.ClientMessage) {
	id, err := uuid.Parse(msg.ConversationID)
	if err != nil {
		c.sendError(msg.ConversationID, "invalid conversation id")
		return
	}
	if err := c.server.threads.Rename(ctx, id, msg.Topic); err != nil {
		c.sendError(msg.ConversationID, errorReason(err))
	}
}

// subscribe attaches the client to a thread's live stream. Idempotent.
func (c *Client) subscribe(threadID uuid.UUID) {
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[threadID]; ok {
		c.mu.Unlock()
		return
	}
	sub := c.server.bus.Subscribe(threadID)
	c.subs[threadID] = sub
	c.mu.Unlock()

	go func() {
		for {
			select {
			case msg, ok := <-sub.Events():
				if !ok {
					return
				}
				c.Send(msg)
			case <-sub.Lagged():
				slog.Warn("gateway: bus subscription lagged", "client", c.id, "thread", threadID)
				c.closeLagged()
				return
			case <-c.done:
				return
			}
		}
	}()
}

func (c *Client) sendError(convID, reason string) {
	c.Send(protocol.NewServerMessage(protocol.TypeAgentError, convID, 0,
		protocol.AgentErrorPayload{Reason: reason}))
}

// errorReason strips wrapping noise but keeps the sentinel's phrasing.
func errorReason(err error) string {
	switch {
	case errors.Is(err, store.ErrBudgetExceeded):
		return "budget exceeded: new turns are refused until the next period"
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	default:
		return err.Error()
	}
}
