package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jpcarreira/condoflow/internal/models"
)

// Activity event types recorded by this subsystem.
const (
	EventLogin             = "login"
	EventCodeInvalid       = "magic_code_invalid"
	EventValidationError   = "validation_error"
	EventRateLimited       = "rate_limited"
	EventCodeIssued        = "code_issued"
	EventInviteDispatch    = "portal_invite_dispatch"
	EventFollowUpSent      = "followup_sent"
	EventFollowUpFailed    = "followup_failed"
	EventProcessorRun      = "followup_processor_run"
	EventScheduleCancelled = "followup_cancelled"
)

// Severity levels for activity entries.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ActivityEntry captures a single security or lifecycle event to persist.
type ActivityEntry struct {
	EventType string
	Severity  string
	ActorRef  string
	IPAddress string
	Success   bool
	Metadata  map[string]any
}

// ActivityFilters encapsulates optional filters when querying the activity log.
type ActivityFilters struct {
	EventType string
	Severity  string
	ActorRef  string
	Since     *time.Time
	Until     *time.Time
}

// ActivityListOptions controls pagination and filtering for activity queries.
type ActivityListOptions struct {
	Page     int
	PageSize int
	Filters  ActivityFilters
}

// ActivityService persists and retrieves append-only activity records.
type ActivityService struct {
	db *gorm.DB
}

// NewActivityService constructs an ActivityService using the provided database handle.
func NewActivityService(db *gorm.DB) (*ActivityService, error) {
	if db == nil {
		return nil, errors.New("activity service: db is required")
	}
	return &ActivityService{db: db}, nil
}

// Record stores an activity entry, marshalling metadata into JSON form.
func (s *ActivityService) Record(ctx context.Context, entry ActivityEntry) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(entry.EventType) == "" {
		return errors.New("activity service: event type is required")
	}

	severity := strings.TrimSpace(entry.Severity)
	if severity == "" {
		severity = SeverityInfo
	}

	payload := ""
	if entry.Metadata != nil {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("activity service: marshal metadata: %w", err)
		}
		payload = string(encoded)
	}

	record := models.ActivityLog{
		EventType: strings.TrimSpace(entry.EventType),
		Severity:  severity,
		ActorRef:  strings.TrimSpace(entry.ActorRef),
		IPAddress: strings.TrimSpace(entry.IPAddress),
		Success:   entry.Success,
		Metadata:  payload,
	}

	return s.db.WithContext(ctx).Create(&record).Error
}

// List returns paginated activity records ordered by creation time descending.
func (s *ActivityService) List(ctx context.Context, opts ActivityListOptions) ([]models.ActivityLog, int64, error) {
	ctx = ensureContext(ctx)

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		results []models.ActivityLog
		total   int64
	)

	query := s.db.WithContext(ctx).Model(&models.ActivityLog{})
	query = applyActivityFilters(query, opts.Filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("activity service: count records: %w", err)
	}

	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("activity service: list records: %w", err)
	}

	return results, total, nil
}

// CleanupOlderThan removes activity records older than the supplied retention window (in days).
func (s *ActivityService) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	ctx = ensureContext(ctx)

	if retentionDays <= 0 {
		return 0, errors.New("activity service: retentionDays must be positive")
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.ActivityLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("activity service: cleanup records: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func applyActivityFilters(query *gorm.DB, filters ActivityFilters) *gorm.DB {
	if filters.EventType != "" {
		query = query.Where("event_type = ?", filters.EventType)
	}
	if filters.Severity != "" {
		query = query.Where("severity = ?", filters.Severity)
	}
	if filters.ActorRef != "" {
		query = query.Where("actor_ref = ?", filters.ActorRef)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}
	return query
}
