package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gigi-dev/gigi/internal/agent"
	"github.com/gigi-dev/gigi/internal/store"
)

// Notifier delivers operator-facing notices; the telegram channel
// implements it. Nil is allowed and falls back to logging.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// StaleTasks surfaces enforcement tasks that have been open longer than
// threshold without reaching done.
func StaleTasks(e *agent.Enforcer, notify Notifier, threshold time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		stale := e.Stale(threshold)
		if len(stale) == 0 {
			return nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d task(s) stalled for over %s:", len(stale), threshold)
		for _, task := range stale {
			fmt.Fprintf(&sb, "\n• %s #%d — %s since %s",
				task.Repo, task.Issue, task.State, task.StartedAt.Format("15:04 MST"))
		}
		if notify == nil {
			slog.Warn("stale enforcement tasks", "count", len(stale))
			return nil
		}
		return notify.Notify(ctx, sb.String())
	}
}

// PruneDeliveries drops webhook delivery records older than retention.
// Deliveries only need to survive the forge's retry horizon.
func PruneDeliveries(st *store.Store, retention time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return st.PruneDeliveries(ctx, retention)
	}
}
