package server

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestParseCronExpressionUTC_Valid(t *testing.T) {
	schedule, err := parseCronExpressionUTC("*/5 * * * *")
	if err != nil {
		t.Fatalf("parseCronExpressionUTC error: %v", err)
	}

	next := schedule.Next(time.Date(2026, 2, 20, 10, 2, 0, 0, time.UTC))
	want := time.Date(2026, 2, 20, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%s, want=%s", next.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestParseCronExpressionUTC_RejectsTimezonePrefixes(t *testing.T) {
	for _, expr := range []string{
		"CRON_TZ=America/Los_Angeles * * * * *",
		"TZ=UTC * * * * *",
		"",
		"not a schedule",
	} {
		if _, err := parseCronExpressionUTC(expr); err == nil {
			t.Fatalf("parseCronExpressionUTC(%q) expected error", expr)
		}
	}
}

func TestRetentionSweeper_SweepRunsEveryJob(t *testing.T) {
	var ran []string
	s, err := NewRetentionSweeper("0 * * * *", slog.New(slog.DiscardHandler),
		PruneJob{Name: "events", Run: func(context.Context) error {
			ran = append(ran, "events")
			return errors.New("locked")
		}},
		PruneJob{Name: "memory", Run: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("job context should carry a deadline")
			}
			ran = append(ran, "memory")
			return nil
		}},
	)
	if err != nil {
		t.Fatalf("NewRetentionSweeper: %v", err)
	}

	s.Sweep(context.Background())
	if len(ran) != 2 || ran[0] != "events" || ran[1] != "memory" {
		t.Errorf("ran = %v, want [events memory]", ran)
	}

	s.Start()
	s.Stop()
}

func TestRetentionSweeper_InvalidSchedule(t *testing.T) {
	if _, err := NewRetentionSweeper("every hour", nil); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
