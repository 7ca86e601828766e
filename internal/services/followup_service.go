package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jpcarreira/condoflow/internal/models"
	"github.com/jpcarreira/condoflow/pkg/logger"
)

// CreateFollowUpRequest describes a new reminder to plan.
type CreateFollowUpRequest struct {
	AssistanceID string
	SupplierID   string
	FollowUpType models.FollowUpType
	Priority     models.FollowUpPriority
	ScheduledFor time.Time
	MaxAttempts  int
	Metadata     models.FollowUpMetadata
}

// FollowUpFilters narrows List queries.
type FollowUpFilters struct {
	Status       models.FollowUpStatus
	FollowUpType models.FollowUpType
	AssistanceID string
	SupplierID   string
	DueBefore    *time.Time
}

// FollowUpListOptions controls pagination and filtering for schedule queries.
type FollowUpListOptions struct {
	Page     int
	PageSize int
	Filters  FollowUpFilters
}

// DefaultMaxAttempts is the delivery budget applied when a create request
// does not set one.
const DefaultMaxAttempts = 3

// FollowUpService manages the lifecycle of reminder schedules outside the
// batch processor: creation, cancellation, rescheduling and queries.
type FollowUpService struct {
	db          *gorm.DB
	activity    *ActivityService
	maxAttempts int
	now         func() time.Time
}

// FollowUpOption customises a FollowUpService.
type FollowUpOption func(*FollowUpService)

// WithFollowUpClock injects a clock for tests.
func WithFollowUpClock(clock func() time.Time) FollowUpOption {
	return func(s *FollowUpService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithDefaultMaxAttempts overrides the delivery budget applied to schedules
// created without an explicit one.
func WithDefaultMaxAttempts(attempts int) FollowUpOption {
	return func(s *FollowUpService) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// NewFollowUpService constructs a FollowUpService.
func NewFollowUpService(db *gorm.DB, activity *ActivityService, opts ...FollowUpOption) (*FollowUpService, error) {
	if db == nil {
		return nil, errors.New("followup service: db is required")
	}
	if activity == nil {
		return nil, errors.New("followup service: activity service is required")
	}

	service := &FollowUpService{db: db, activity: activity, maxAttempts: DefaultMaxAttempts, now: time.Now}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Create plans a new follow-up. A scheduled_for in the past is legal; the
// schedule simply becomes due on the next processor run.
func (s *FollowUpService) Create(ctx context.Context, req CreateFollowUpRequest) (*models.FollowUpSchedule, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(req.AssistanceID) == "" {
		return nil, errors.New("followup service: assistance id is required")
	}
	if strings.TrimSpace(req.SupplierID) == "" {
		return nil, errors.New("followup service: supplier id is required")
	}
	if !req.FollowUpType.Valid() {
		return nil, fmt.Errorf("followup service: unknown follow-up type %q", req.FollowUpType)
	}
	if req.ScheduledFor.IsZero() {
		return nil, errors.New("followup service: scheduled_for is required")
	}
	if err := req.Metadata.Validate(req.FollowUpType); err != nil {
		return nil, fmt.Errorf("followup service: %w", err)
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("followup service: unknown priority %q", req.Priority)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	metadata, err := models.EncodeMetadata(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("followup service: %w", err)
	}

	var assistance models.Assistance
	if err := s.db.WithContext(ctx).First(&assistance, "id = ?", req.AssistanceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("followup service: assistance %s: %w", req.AssistanceID, ErrAssistanceNotFound)
		}
		return nil, fmt.Errorf("followup service: load assistance: %w", err)
	}

	schedule := &models.FollowUpSchedule{
		AssistanceID: req.AssistanceID,
		SupplierID:   req.SupplierID,
		FollowUpType: req.FollowUpType,
		Priority:     priority,
		ScheduledFor: req.ScheduledFor,
		Status:       models.FollowUpPending,
		MaxAttempts:  maxAttempts,
		Metadata:     metadata,
	}
	if err := s.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return nil, fmt.Errorf("followup service: create schedule: %w", err)
	}

	return schedule, nil
}

// Get loads one schedule with its assistance and supplier.
func (s *FollowUpService) Get(ctx context.Context, id string) (*models.FollowUpSchedule, error) {
	ctx = ensureContext(ctx)

	var schedule models.FollowUpSchedule
	err := s.db.WithContext(ctx).
		Preload("Assistance").
		Preload("Supplier").
		First(&schedule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("followup service: load schedule: %w", err)
	}
	return &schedule, nil
}

// List returns schedules matching the filters, newest scheduled first.
func (s *FollowUpService) List(ctx context.Context, opts FollowUpListOptions) ([]models.FollowUpSchedule, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := applyFollowUpFilters(s.db.WithContext(ctx).Model(&models.FollowUpSchedule{}), opts.Filters)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("followup service: count schedules: %w", err)
	}

	var schedules []models.FollowUpSchedule
	err := query.
		Preload("Assistance").
		Preload("Supplier").
		Order("scheduled_for DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&schedules).Error
	if err != nil {
		return nil, 0, fmt.Errorf("followup service: list schedules: %w", err)
	}
	return schedules, total, nil
}

// Cancel marks a schedule cancelled. Any state short of terminal success can
// be cancelled, including failed schedules awaiting a retry; a sent schedule
// cannot, the message is already out.
func (s *FollowUpService) Cancel(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)

	schedule, err := s.loadForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if schedule.Status == models.FollowUpSent {
		return ErrScheduleTerminal
	}

	updates := map[string]any{
		"status":          models.FollowUpCancelled,
		"next_attempt_at": nil,
	}
	if err := s.db.WithContext(ctx).Model(schedule).Updates(updates).Error; err != nil {
		return fmt.Errorf("followup service: cancel schedule: %w", err)
	}

	s.recordActivity(ctx, ActivityEntry{
		EventType: EventScheduleCancelled,
		Severity:  SeverityInfo,
		ActorRef:  schedule.SupplierID,
		Success:   true,
		Metadata: map[string]any{
			"schedule_id":    schedule.ID,
			"follow_up_type": schedule.FollowUpType,
		},
	})
	return nil
}

// Reschedule moves a non-sent schedule back to pending at a new time and
// resets its attempt counter: an operator putting a schedule back on the
// calendar re-arms it with a fresh delivery budget, even when earlier
// attempts exhausted the old one.
func (s *FollowUpService) Reschedule(ctx context.Context, id string, scheduledFor time.Time) (*models.FollowUpSchedule, error) {
	ctx = ensureContext(ctx)

	if scheduledFor.IsZero() {
		return nil, errors.New("followup service: scheduled_for is required")
	}

	schedule, err := s.loadForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if schedule.Status == models.FollowUpSent {
		return nil, ErrScheduleTerminal
	}

	updates := map[string]any{
		"status":          models.FollowUpPending,
		"scheduled_for":   scheduledFor,
		"attempt_count":   0,
		"next_attempt_at": nil,
	}
	if err := s.db.WithContext(ctx).Model(schedule).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("followup service: reschedule: %w", err)
	}

	schedule.Status = models.FollowUpPending
	schedule.ScheduledFor = scheduledFor
	schedule.AttemptCount = 0
	schedule.NextAttemptAt = nil
	return schedule, nil
}

func (s *FollowUpService) loadForUpdate(ctx context.Context, id string) (*models.FollowUpSchedule, error) {
	var schedule models.FollowUpSchedule
	if err := s.db.WithContext(ctx).First(&schedule, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("followup service: load schedule: %w", err)
	}
	return &schedule, nil
}

func (s *FollowUpService) recordActivity(ctx context.Context, entry ActivityEntry) {
	if err := s.activity.Record(ctx, entry); err != nil {
		logger.WithModule("followup").Error("failed to record activity", zap.Error(err))
	}
}

func applyFollowUpFilters(query *gorm.DB, filters FollowUpFilters) *gorm.DB {
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.FollowUpType != "" {
		query = query.Where("follow_up_type = ?", filters.FollowUpType)
	}
	if filters.AssistanceID != "" {
		query = query.Where("assistance_id = ?", filters.AssistanceID)
	}
	if filters.SupplierID != "" {
		query = query.Where("supplier_id = ?", filters.SupplierID)
	}
	if filters.DueBefore != nil {
		query = query.Where("scheduled_for <= ?", *filters.DueBefore)
	}
	return query
}
