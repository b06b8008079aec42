// Package telegram connects the workspace to a single operator chat via
// the Bot API, using long polling. Inbound text is routed like any other
// channel; outbound turn results and questions are pushed to the chat.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"

	"github.com/gigi-dev/gigi/internal/bus"
	"github.com/gigi-dev/gigi/internal/config"
	"github.com/gigi-dev/gigi/internal/router"
	"github.com/gigi-dev/gigi/internal/store"
	"github.com/gigi-dev/gigi/internal/threads"
)

// Agent is the runtime slice the channel needs for /stop and /status.
type Agent interface {
	Stop(threadID uuid.UUID) bool
	Running(threadID uuid.UUID) bool
	BudgetUSD(ctx context.Context) float64
}

// sender is the part of the Bot API the channel writes through.
// Narrowed for tests.
type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Channel is the Telegram binding. It is pinned to one chat id: messages
// from anywhere else are ignored.
type Channel struct {
	bot     *telego.Bot
	send    sender
	cfg     config.TelegramConfig
	router  *router.Router
	agent   Agent
	bus     *bus.Bus
	threads *threads.Service
	st      *store.Store

	mu      sync.Mutex
	current uuid.UUID          // thread bound to the chat right now
	mine    map[uuid.UUID]bool // threads this chat has touched

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	subDone    chan struct{}
}

func New(cfg config.TelegramConfig, rt *router.Router, ag Agent, b *bus.Bus, svc *threads.Service, st *store.Store) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		bot:     bot,
		send:    bot,
		cfg:     cfg,
		router:  rt,
		agent:   ag,
		bus:     b,
		threads: svc,
		st:      st,
		mine:    make(map[uuid.UUID]bool),
	}, nil
}

// Start begins long polling and the outbound fan-in.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})
	c.subDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram connected", "username", c.bot.Username(), "chat", c.cfg.ChatID)

	go c.consumeOutbound(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the goroutines so Telegram releases
// the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	for _, done := range []chan struct{}{c.pollDone, c.subDone} {
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram goroutine did not exit within timeout")
		}
	}
	return nil
}

// Notify implements the notifier used by the telegram_send tool and the
// stale-task cron job: a direct message to the operator chat.
func (c *Channel) Notify(ctx context.Context, text string) error {
	_, err := c.send.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: c.cfg.ChatID},
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.Chat.ID != c.cfg.ChatID {
		slog.Warn("telegram: message from unknown chat ignored", "chat", msg.Chat.ID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if cmd, arg := parseCommand(text); cmd != "" {
		c.handleCommand(ctx, cmd, arg)
		return
	}

	in := router.Inbound{
		Channel:  store.ChannelTelegram,
		Actor:    "user",
		Text:     text,
		ThreadID: c.currentThread(),
	}
	out, err := c.router.Route(ctx, in)
	if err != nil {
		c.reply(ctx, "Could not handle that: "+err.Error())
		return
	}
	c.bindThread(out.Thread.ID)
	if out.Answered {
		c.reply(ctx, "Got it, resuming.")
	}
}

func (c *Channel) handleCommand(ctx context.Context, cmd, arg string) {
	switch cmd {
	case "new":
		topic := arg
		if topic == "" {
			topic = "telegram chat"
		}
		th, err := c.threads.Create(ctx, store.ChannelTelegram, topic, "", nil)
		if err != nil {
			c.reply(ctx, "Could not create thread: "+err.Error())
			return
		}
		c.bindThread(th.ID)
		c.reply(ctx, fmt.Sprintf("New thread %q started.", th.Topic))
	case "stop":
		id := c.currentThread()
		if id == uuid.Nil {
			c.reply(ctx, "No active thread.")
			return
		}
		if c.agent.Stop(id) {
			c.reply(ctx, "Stopping the current turn.")
		} else {
			c.reply(ctx, "Nothing is running.")
		}
	case "status":
		c.reply(ctx, c.statusText(ctx))
	default:
		c.reply(ctx, "Commands: /new [topic], /stop, /status")
	}
}

func (c *Channel) statusText(ctx context.Context) string {
	id := c.currentThread()
	if id == uuid.Nil {
		return "No active thread. Send a message or /new to start one."
	}
	th, err := c.threads.Get(ctx, id)
	if err != nil {
		return "Active thread is gone: " + err.Error()
	}
	running := "idle"
	if c.agent.Running(id) {
		running = "running"
	}
	spent, _ := c.st.PeriodCost(ctx)
	line := fmt.Sprintf("%q — %s, agent %s, $%.4f spent", th.Topic, th.Status, running, spent)
	if budget := c.agent.BudgetUSD(ctx); budget > 0 {
		line += fmt.Sprintf(" of $%.2f", budget)
	}
	return line
}

func (c *Channel) reply(ctx context.Context, text string) {
	if err := c.Notify(ctx, text); err != nil {
		slog.Error("telegram reply failed", "error", err)
	}
}

func (c *Channel) currentThread() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Channel) bindThread(id uuid.UUID) {
	c.mu.Lock()
	c.current = id
	c.mine[id] = true
	c.mu.Unlock()
}

func (c *Channel) owns(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mine[id]
}

// parseCommand splits "/cmd arg..." and strips a @botname suffix.
func parseCommand(text string) (cmd, arg string) {
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.Index(head, "@"); at > 0 {
		head = head[:at]
	}
	return head, strings.TrimSpace(rest)
}
