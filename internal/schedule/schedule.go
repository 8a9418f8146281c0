// Package schedule runs a task periodically, on a cron expression or an
// ISO-8601 duration.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/go-co-op/gocron/v2"
)

// MinInterval is the shortest period between two scheduled runs
const MinInterval = time.Minute

// New creates a stopped scheduler running task on the schedule. The task runs
// once right after the scheduler starts. A run is skipped while the previous
// one is still in progress.
func New(ctx context.Context, cfg model.Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		interval, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing schedule.cron: %w", err)
		}
		if interval < MinInterval {
			return nil, fmt.Errorf("schedule.cron runs every %s, at least %s is required", interval, MinInterval)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing schedule.duration: %w", err)
		}
		if d < MinInterval {
			return nil, fmt.Errorf("schedule.duration %s is shorter than %s", cfg.Duration, MinInterval)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// Run starts the scheduler and blocks until ctx is done
func Run(ctx context.Context, s gocron.Scheduler) error {
	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}
	return nil
}
