package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAdd_RejectsInvalidExpression(t *testing.T) {
	s := New()
	if err := s.Add("bad", "not a cron expr", func(context.Context) error { return nil }); err == nil {
		t.Fatal("invalid expression must be rejected")
	}
	if err := s.Add("hourly", "0 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
}

func TestRunDue_FiresMatchingJobs(t *testing.T) {
	s := New()
	var hourly, daily atomic.Int32
	s.Add("hourly", "0 * * * *", func(context.Context) error {
		hourly.Add(1)
		return nil
	})
	s.Add("daily", "30 3 * * *", func(context.Context) error {
		daily.Add(1)
		return nil
	})

	// Top of an arbitrary hour: only the hourly job is due.
	at := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	s.runDue(context.Background(), at)
	waitFor(t, func() bool { return hourly.Load() == 1 })
	if daily.Load() != 0 {
		t.Fatal("daily job fired off-schedule")
	}

	// 03:30: both the daily prune and nothing else.
	at = time.Date(2026, 8, 24, 3, 30, 0, 0, time.UTC)
	s.runDue(context.Background(), at)
	waitFor(t, func() bool { return daily.Load() == 1 })
	if hourly.Load() != 1 {
		t.Fatal("hourly job fired at half past")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
