package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jpcarreira/condoflow/internal/models"
	"github.com/jpcarreira/condoflow/internal/notify"
	"github.com/jpcarreira/condoflow/pkg/logger"
	"github.com/jpcarreira/condoflow/pkg/metrics"
)

const (
	// DefaultBatchSize caps how many due schedules one run will claim.
	DefaultBatchSize = 20

	// DefaultRetryBackoff is the delay before a failed dispatch is retried.
	DefaultRetryBackoff = 4 * time.Hour
)

// RunSummary reports one processor run. Success reflects only whether the run
// itself executed; individual dispatch failures are counted, not fatal.
type RunSummary struct {
	Success   bool      `json:"success"`
	Processed int       `json:"processed"`
	Errors    int       `json:"errors"`
	Total     int       `json:"total"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// FollowUpProcessor drains due reminder schedules: it claims each row,
// assembles the dispatch payload and records the outcome. Multiple instances
// may run concurrently; the conditional claim update keeps each schedule with
// exactly one of them.
type FollowUpProcessor struct {
	db       *gorm.DB
	notifier notify.Notifier
	codes    *AccessCodeService
	activity *ActivityService

	batchSize    int
	retryBackoff time.Duration
	now          func() time.Time
}

// ProcessorOption customises a FollowUpProcessor.
type ProcessorOption func(*FollowUpProcessor)

// WithProcessorClock injects a clock for tests.
func WithProcessorClock(clock func() time.Time) ProcessorOption {
	return func(p *FollowUpProcessor) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithBatchSize overrides the per-run claim limit.
func WithBatchSize(size int) ProcessorOption {
	return func(p *FollowUpProcessor) {
		if size > 0 {
			p.batchSize = size
		}
	}
}

// WithRetryBackoff overrides the delay applied after a failed dispatch.
func WithRetryBackoff(backoff time.Duration) ProcessorOption {
	return func(p *FollowUpProcessor) {
		if backoff > 0 {
			p.retryBackoff = backoff
		}
	}
}

// NewFollowUpProcessor constructs the batch processor.
func NewFollowUpProcessor(db *gorm.DB, notifier notify.Notifier, codes *AccessCodeService, activity *ActivityService, opts ...ProcessorOption) (*FollowUpProcessor, error) {
	if db == nil {
		return nil, errors.New("followup processor: db is required")
	}
	if notifier == nil {
		return nil, errors.New("followup processor: notifier is required")
	}
	if codes == nil {
		return nil, errors.New("followup processor: access code service is required")
	}
	if activity == nil {
		return nil, errors.New("followup processor: activity service is required")
	}

	processor := &FollowUpProcessor{
		db:           db,
		notifier:     notifier,
		codes:        codes,
		activity:     activity,
		batchSize:    DefaultBatchSize,
		retryBackoff: DefaultRetryBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(processor)
	}
	return processor, nil
}

// Run executes one batch pass over due schedules. Per-schedule failures are
// isolated: a failed dispatch marks that row and the loop continues. Only a
// failure to select the batch at all yields Success=false.
func (p *FollowUpProcessor) Run(ctx context.Context) (*RunSummary, error) {
	ctx = ensureContext(ctx)
	log := logger.WithModule("followup_processor")

	started := p.now()
	summary := &RunSummary{Success: true, StartedAt: started}

	due, err := p.selectDue(ctx, started)
	if err != nil {
		summary.Success = false
		summary.Duration = time.Since(started).String()
		return summary, fmt.Errorf("followup processor: select due schedules: %w", err)
	}
	summary.Total = len(due)

	for _, schedule := range due {
		if err := ctx.Err(); err != nil {
			log.Warn("run interrupted", zap.Int("remaining", summary.Total-summary.Processed-summary.Errors))
			break
		}

		claimed, err := p.claim(ctx, &schedule)
		if err != nil {
			log.Error("claim failed", zap.String("schedule_id", schedule.ID), zap.Error(err))
			summary.Errors++
			continue
		}
		if !claimed {
			// Another instance took this one between select and claim.
			metrics.FollowUpOutcomes.WithLabelValues(string(schedule.FollowUpType), "skipped").Inc()
			summary.Total--
			continue
		}

		if err := p.dispatch(ctx, &schedule); err != nil {
			p.recordFailure(ctx, &schedule, err)
			summary.Errors++
			continue
		}

		p.recordSuccess(ctx, &schedule)
		summary.Processed++
	}

	elapsed := time.Since(started)
	summary.Duration = elapsed.String()
	metrics.FollowUpRunDuration.Observe(elapsed.Seconds())

	p.recordActivity(ctx, ActivityEntry{
		EventType: EventProcessorRun,
		Severity:  SeverityInfo,
		Success:   true,
		Metadata: map[string]any{
			"total":     summary.Total,
			"processed": summary.Processed,
			"errors":    summary.Errors,
		},
	})

	log.Info("run complete",
		zap.Int("total", summary.Total),
		zap.Int("processed", summary.Processed),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", elapsed))

	return summary, nil
}

// selectDue returns schedules ready for processing: pending rows whose time
// has come plus failed rows whose retry backoff has elapsed. Failed rows with
// no next attempt are terminal and never reselected. Rows whose attempt count
// already reached the cap are excluded outright, so the outcome writers can
// never push attempt_count past max_attempts.
func (p *FollowUpProcessor) selectDue(ctx context.Context, now time.Time) ([]models.FollowUpSchedule, error) {
	var due []models.FollowUpSchedule
	err := p.db.WithContext(ctx).
		Where("attempt_count < max_attempts AND ((status = ? AND scheduled_for <= ?) OR (status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?))",
			models.FollowUpPending, now, models.FollowUpFailed, now).
		Order("scheduled_for ASC").
		Limit(p.batchSize).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	return due, nil
}

// claim atomically moves a schedule into processing. The update is guarded by
// the status observed at selection time, so of N concurrent claimants exactly
// one sees RowsAffected==1.
func (p *FollowUpProcessor) claim(ctx context.Context, schedule *models.FollowUpSchedule) (bool, error) {
	result := p.db.WithContext(ctx).Model(&models.FollowUpSchedule{}).
		Where("id = ? AND status = ?", schedule.ID, schedule.Status).
		Update("status", models.FollowUpProcessing)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	schedule.Status = models.FollowUpProcessing
	return true, nil
}

// dispatch assembles the payload for one claimed schedule and sends it.
func (p *FollowUpProcessor) dispatch(ctx context.Context, schedule *models.FollowUpSchedule) error {
	var assistance models.Assistance
	if err := p.db.WithContext(ctx).First(&assistance, "id = ?", schedule.AssistanceID).Error; err != nil {
		return fmt.Errorf("load assistance %s: %w", schedule.AssistanceID, err)
	}

	var supplier models.Supplier
	if err := p.db.WithContext(ctx).First(&supplier, "id = ?", schedule.SupplierID).Error; err != nil {
		return fmt.Errorf("load supplier %s: %w", schedule.SupplierID, err)
	}

	meta, err := schedule.DecodeMetadata()
	if err != nil {
		return err
	}

	code, err := p.codes.IssueOrReuse(ctx, schedule.SupplierID, &schedule.AssistanceID, 0)
	if err != nil {
		return fmt.Errorf("issue reminder code: %w", err)
	}

	template, err := templateForType(schedule.FollowUpType)
	if err != nil {
		return err
	}

	data := map[string]any{
		"SupplierName": supplier.Name,
		"BuildingName": assistance.BuildingName,
		"Description":  assistance.Description,
		"PortalURL":    p.codes.PortalURL(code.Code),
	}
	if meta.WorkDate != nil {
		data["WorkDate"] = meta.WorkDate.Format("Monday, 2 January 2006")
	}
	if meta.ExpectedCompletion != nil {
		data["ExpectedCompletion"] = meta.ExpectedCompletion.Format("Monday, 2 January 2006")
	}

	return p.notifier.Send(ctx, notify.Notification{
		To:       supplier.Email,
		Template: template,
		Data:     data,
	})
}

func (p *FollowUpProcessor) recordSuccess(ctx context.Context, schedule *models.FollowUpSchedule) {
	now := p.now()
	updates := map[string]any{
		"status":          models.FollowUpSent,
		"sent_at":         now,
		"attempt_count":   gorm.Expr("attempt_count + 1"),
		"next_attempt_at": nil,
	}
	if err := p.db.WithContext(ctx).Model(&models.FollowUpSchedule{}).
		Where("id = ?", schedule.ID).
		Updates(updates).Error; err != nil {
		logger.WithModule("followup_processor").Error("failed to mark schedule sent",
			zap.String("schedule_id", schedule.ID), zap.Error(err))
	}

	metrics.FollowUpOutcomes.WithLabelValues(string(schedule.FollowUpType), "sent").Inc()
	p.recordActivity(ctx, ActivityEntry{
		EventType: EventFollowUpSent,
		Severity:  SeverityInfo,
		ActorRef:  schedule.SupplierID,
		Success:   true,
		Metadata: map[string]any{
			"schedule_id":    schedule.ID,
			"follow_up_type": schedule.FollowUpType,
		},
	})
}

func (p *FollowUpProcessor) recordFailure(ctx context.Context, schedule *models.FollowUpSchedule, cause error) {
	attempts := schedule.AttemptCount + 1
	updates := map[string]any{
		"status":        models.FollowUpFailed,
		"attempt_count": attempts,
	}

	terminal := attempts >= schedule.MaxAttempts
	if terminal {
		updates["next_attempt_at"] = nil
	} else {
		updates["next_attempt_at"] = p.now().Add(p.retryBackoff)
	}

	if err := p.db.WithContext(ctx).Model(&models.FollowUpSchedule{}).
		Where("id = ?", schedule.ID).
		Updates(updates).Error; err != nil {
		logger.WithModule("followup_processor").Error("failed to mark schedule failed",
			zap.String("schedule_id", schedule.ID), zap.Error(err))
	}

	metrics.FollowUpOutcomes.WithLabelValues(string(schedule.FollowUpType), "failed").Inc()
	severity := SeverityWarning
	if terminal {
		severity = SeverityCritical
	}
	p.recordActivity(ctx, ActivityEntry{
		EventType: EventFollowUpFailed,
		Severity:  severity,
		ActorRef:  schedule.SupplierID,
		Success:   false,
		Metadata: map[string]any{
			"schedule_id":    schedule.ID,
			"follow_up_type": schedule.FollowUpType,
			"attempt":        attempts,
			"terminal":       terminal,
			"error":          cause.Error(),
		},
	})

	logger.WithModule("followup_processor").Warn("dispatch failed",
		zap.String("schedule_id", schedule.ID),
		zap.Int("attempt", attempts),
		zap.Bool("terminal", terminal),
		zap.Error(cause))
}

func (p *FollowUpProcessor) recordActivity(ctx context.Context, entry ActivityEntry) {
	if err := p.activity.Record(ctx, entry); err != nil {
		logger.WithModule("followup_processor").Error("failed to record activity", zap.Error(err))
	}
}

func templateForType(kind models.FollowUpType) (notify.Template, error) {
	switch kind {
	case models.FollowUpQuotationReminder:
		return notify.TemplateQuotationReminder, nil
	case models.FollowUpDateConfirmation:
		return notify.TemplateDateConfirmation, nil
	case models.FollowUpWorkReminder:
		return notify.TemplateWorkReminder, nil
	case models.FollowUpCompletionReminder:
		return notify.TemplateCompletionReminder, nil
	}
	return "", fmt.Errorf("no template for follow-up type %q", kind)
}
