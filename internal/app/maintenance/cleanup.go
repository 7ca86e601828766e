package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jpcarreira/condoflow/internal/services"
	"github.com/jpcarreira/condoflow/pkg/logger"
)

// Options tunes the periodic sweeps.
type Options struct {
	// Schedule is a cron expression for the cleanup sweep.
	Schedule string

	// CodeGrace is how long expired access codes are kept before deletion,
	// so operators can still inspect recently expired rows.
	CodeGrace time.Duration

	// ActivityRetentionDays bounds the activity log. Zero disables pruning.
	ActivityRetentionDays int

	// FollowUpSchedule optionally runs the follow-up processor from inside
	// the process. Empty means the external trigger is the only driver.
	FollowUpSchedule string
}

// Cleaner owns the background jobs: expired-code deletion, activity log
// retention and the optional internal follow-up trigger.
type Cleaner struct {
	codes     *services.AccessCodeService
	activity  *services.ActivityService
	processor *services.FollowUpProcessor
	opts      Options
	cron      *cron.Cron
}

// NewCleaner constructs a Cleaner. The processor may be nil when the batch
// run is driven externally only.
func NewCleaner(codes *services.AccessCodeService, activity *services.ActivityService, processor *services.FollowUpProcessor, opts Options) (*Cleaner, error) {
	if codes == nil {
		return nil, errors.New("maintenance: access code service is required")
	}
	if activity == nil {
		return nil, errors.New("maintenance: activity service is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = "0 3 * * *"
	}
	if opts.CodeGrace <= 0 {
		opts.CodeGrace = 7 * 24 * time.Hour
	}

	return &Cleaner{
		codes:     codes,
		activity:  activity,
		processor: processor,
		opts:      opts,
	}, nil
}

// Start registers the cron jobs and begins running them.
func (c *Cleaner) Start() error {
	if c.cron != nil {
		return errors.New("maintenance: already started")
	}

	runner := cron.New()
	if _, err := runner.AddFunc(c.opts.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := c.RunOnce(ctx); err != nil {
			logger.WithModule("maintenance").Error("cleanup sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("maintenance: schedule %q: %w", c.opts.Schedule, err)
	}

	if c.processor != nil && c.opts.FollowUpSchedule != "" {
		if _, err := runner.AddFunc(c.opts.FollowUpSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := c.processor.Run(ctx); err != nil {
				logger.WithModule("maintenance").Error("follow-up run failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("maintenance: follow-up schedule %q: %w", c.opts.FollowUpSchedule, err)
		}
	}

	runner.Start()
	c.cron = runner
	logger.WithModule("maintenance").Info("background jobs started",
		zap.String("schedule", c.opts.Schedule),
		zap.String("followup_schedule", c.opts.FollowUpSchedule))
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs.
func (c *Cleaner) Stop() {
	if c.cron == nil {
		return
	}
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.cron = nil
}

// RunOnce executes one cleanup sweep. Each task runs even when an earlier
// one fails; the errors are combined.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	log := logger.WithModule("maintenance")
	var errs error

	removed, err := c.codes.CleanupExpired(ctx, c.opts.CodeGrace)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("expired codes: %w", err))
	} else if removed > 0 {
		log.Info("expired access codes removed", zap.Int64("count", removed))
	}

	if c.opts.ActivityRetentionDays > 0 {
		pruned, err := c.activity.CleanupOlderThan(ctx, c.opts.ActivityRetentionDays)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("activity retention: %w", err))
		} else if pruned > 0 {
			log.Info("activity records pruned", zap.Int64("count", pruned))
		}
	}

	return errs
}
