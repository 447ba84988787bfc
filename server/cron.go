package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// PruneJob is one retention task, such as pruning the event store or the
// conversation memory store.
type PruneJob struct {
	Name    string
	Run     func(ctx context.Context) error
	Timeout time.Duration // default: 1 minute
}

// RetentionSweeper runs PruneJobs on a UTC cron schedule.
type RetentionSweeper struct {
	cron   *cron.Cron
	jobs   []PruneJob
	logger *slog.Logger
}

// NewRetentionSweeper schedules jobs on expr (five-field, UTC).
func NewRetentionSweeper(expr string, logger *slog.Logger, jobs ...PruneJob) (*RetentionSweeper, error) {
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &RetentionSweeper{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		jobs:   jobs,
		logger: logger,
	}
	s.cron.Schedule(schedule, cron.FuncJob(func() { s.Sweep(context.Background()) }))
	return s, nil
}

// Sweep runs every job once. A failing job is logged and does not stop
// the others.
func (s *RetentionSweeper) Sweep(ctx context.Context) {
	for _, job := range s.jobs {
		timeout := job.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := job.Run(jobCtx)
		cancel()
		if err != nil {
			s.logger.Error("retention sweep failed", "job", job.Name, "err", err)
			continue
		}
		s.logger.Debug("retention sweep finished", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
	}
}

// Start begins the schedule in the background.
func (s *RetentionSweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *RetentionSweeper) Stop() {
	<-s.cron.Stop().Done()
}
