package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jpcarreira/condoflow/internal/models"
	"github.com/jpcarreira/condoflow/internal/notify"
	"github.com/jpcarreira/condoflow/internal/ratelimit"
	"github.com/jpcarreira/condoflow/pkg/crypto"
	"github.com/jpcarreira/condoflow/pkg/logger"
	"github.com/jpcarreira/condoflow/pkg/metrics"
)

const (
	// DefaultInviteTTL is the validity of an operator-issued portal invite.
	DefaultInviteTTL = 24 * time.Hour

	// DefaultReminderTTL is the validity of codes minted for reminder links.
	// Reminder codes live long so a supplier can act days after the email.
	DefaultReminderTTL = 30 * 24 * time.Hour

	// maxGenerationRetries bounds regeneration on a uniqueness conflict.
	maxGenerationRetries = 3

	// Defaults for the authoritative validation rate limits.
	DefaultOriginAttempts = 10
	DefaultCodeAttempts   = 5
	DefaultLimitWindow    = time.Minute
)

// IssueCodeRequest describes a code to mint. When AssistanceID is set the
// resulting session is scoped to that single assistance.
type IssueCodeRequest struct {
	SupplierID     string
	AssistanceID   *string
	TTL            time.Duration
	DispatchInvite bool
}

// ValidateRequest is a portal entry attempt.
type ValidateRequest struct {
	Code   string
	Origin string
}

// ValidationResult is returned on a successful code validation. It carries
// everything the portal needs to render the session.
type ValidationResult struct {
	Token       string             `json:"token"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Supplier    *models.Supplier   `json:"supplier"`
	Assistance  *models.Assistance `json:"assistance,omitempty"`
	AccessCount int                `json:"access_count"`
	LastUsedAt  time.Time          `json:"last_used_at"`
}

// AccessCodeService mints, reuses and validates the single-factor access
// codes that gate the supplier portal.
type AccessCodeService struct {
	db       *gorm.DB
	notifier notify.Notifier
	limiter  *ratelimit.Limiter
	activity *ActivityService
	sessions *SessionTokenService

	inviteTTL      time.Duration
	reminderTTL    time.Duration
	codeLength     int
	portalBaseURL  string
	originAttempts int
	codeAttempts   int
	limitWindow    time.Duration
	now            func() time.Time
}

// AccessCodeOption customises an AccessCodeService.
type AccessCodeOption func(*AccessCodeService)

// WithAccessCodeClock injects a clock for tests.
func WithAccessCodeClock(clock func() time.Time) AccessCodeOption {
	return func(s *AccessCodeService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithInviteTTL overrides the default invite validity.
func WithInviteTTL(ttl time.Duration) AccessCodeOption {
	return func(s *AccessCodeService) {
		if ttl > 0 {
			s.inviteTTL = ttl
		}
	}
}

// WithReminderTTL overrides the default reminder-code validity.
func WithReminderTTL(ttl time.Duration) AccessCodeOption {
	return func(s *AccessCodeService) {
		if ttl > 0 {
			s.reminderTTL = ttl
		}
	}
}

// WithCodeLength overrides the generated code length.
func WithCodeLength(length int) AccessCodeOption {
	return func(s *AccessCodeService) {
		if length > 0 {
			s.codeLength = length
		}
	}
}

// WithPortalBaseURL sets the public base URL embedded in portal links.
func WithPortalBaseURL(baseURL string) AccessCodeOption {
	return func(s *AccessCodeService) {
		s.portalBaseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithValidationLimits tunes the authoritative rate limits applied before any
// code lookup. Zero values keep the defaults.
func WithValidationLimits(perOrigin, perCode int, window time.Duration) AccessCodeOption {
	return func(s *AccessCodeService) {
		if perOrigin > 0 {
			s.originAttempts = perOrigin
		}
		if perCode > 0 {
			s.codeAttempts = perCode
		}
		if window > 0 {
			s.limitWindow = window
		}
	}
}

// NewAccessCodeService constructs the service. The limiter and activity log
// are mandatory: validation must never run without them.
func NewAccessCodeService(db *gorm.DB, limiter *ratelimit.Limiter, activity *ActivityService, sessions *SessionTokenService, notifier notify.Notifier, opts ...AccessCodeOption) (*AccessCodeService, error) {
	if db == nil {
		return nil, errors.New("access code service: db is required")
	}
	if limiter == nil {
		return nil, errors.New("access code service: rate limiter is required")
	}
	if activity == nil {
		return nil, errors.New("access code service: activity service is required")
	}
	if sessions == nil {
		return nil, errors.New("access code service: session token service is required")
	}

	service := &AccessCodeService{
		db:             db,
		notifier:       notifier,
		limiter:        limiter,
		activity:       activity,
		sessions:       sessions,
		inviteTTL:      DefaultInviteTTL,
		reminderTTL:    DefaultReminderTTL,
		codeLength:     crypto.DefaultCodeLength,
		originAttempts: DefaultOriginAttempts,
		codeAttempts:   DefaultCodeAttempts,
		limitWindow:    DefaultLimitWindow,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Issue mints a fresh access code for a supplier. On a uniqueness conflict
// the code is regenerated up to maxGenerationRetries times. When
// DispatchInvite is set the portal invite email is sent after the code is
// persisted; a dispatch failure is logged but never rolls back issuance.
func (s *AccessCodeService) Issue(ctx context.Context, req IssueCodeRequest) (*models.AccessCode, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(req.SupplierID) == "" {
		return nil, errors.New("access code service: supplier id is required")
	}

	var supplier models.Supplier
	if err := s.db.WithContext(ctx).First(&supplier, "id = ?", req.SupplierID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("access code service: supplier %s: %w", req.SupplierID, ErrSupplierNotFound)
		}
		return nil, fmt.Errorf("access code service: load supplier: %w", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.inviteTTL
	}

	code, err := s.createCode(s.db.WithContext(ctx), req.SupplierID, req.AssistanceID, ttl)
	if err != nil {
		return nil, err
	}

	metrics.CodesIssued.WithLabelValues("invite").Inc()
	s.recordActivity(ctx, ActivityEntry{
		EventType: EventCodeIssued,
		Severity:  SeverityInfo,
		ActorRef:  req.SupplierID,
		Success:   true,
		Metadata: map[string]any{
			"code_prefix": truncateCode(code.Code),
			"expires_at":  code.ExpiresAt,
		},
	})

	if req.DispatchInvite {
		s.dispatchInvite(ctx, code, &supplier)
	}

	return code, nil
}

// IssueOrReuse returns an existing unexpired code for the supplier and
// assistance pair, minting a new one only when none exists. The lookup and
// the insert run in one transaction under a row lock so concurrent reminder
// dispatches converge on a single code.
func (s *AccessCodeService) IssueOrReuse(ctx context.Context, supplierID string, assistanceID *string, ttl time.Duration) (*models.AccessCode, error) {
	ctx = ensureContext(ctx)

	if ttl <= 0 {
		ttl = s.reminderTTL
	}

	var code *models.AccessCode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("supplier_id = ? AND expires_at > ?", supplierID, s.now())
		if assistanceID != nil {
			query = query.Where("assistance_id = ?", *assistanceID)
		} else {
			query = query.Where("assistance_id IS NULL")
		}

		var existing models.AccessCode
		if err := query.Order("expires_at DESC").First(&existing).Error; err == nil {
			code = &existing
			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("access code service: lookup reusable code: %w", err)
		}

		minted, err := s.createCode(tx, supplierID, assistanceID, ttl)
		if err != nil {
			return err
		}
		metrics.CodesIssued.WithLabelValues("reminder").Inc()
		code = minted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return code, nil
}

// Validate authenticates a submitted code. Rate limits are checked before the
// code is looked up so rejected attempts never reach the table, and every
// failure mode collapses into the single ErrCodeInvalid sentinel.
func (s *AccessCodeService) Validate(ctx context.Context, req ValidateRequest) (*ValidationResult, error) {
	ctx = ensureContext(ctx)
	log := logger.WithModule("access_code")

	submitted := strings.ToUpper(strings.TrimSpace(req.Code))

	if decision, err := s.checkLimits(ctx, submitted, req.Origin); err != nil {
		metrics.CodeValidations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("access code service: rate limit check: %w", err)
	} else if !decision.Allowed {
		metrics.CodeValidations.WithLabelValues("rate_limited").Inc()
		s.recordActivity(ctx, ActivityEntry{
			EventType: EventRateLimited,
			Severity:  SeverityWarning,
			IPAddress: req.Origin,
			Success:   false,
			Metadata:  map[string]any{"code_prefix": truncateCode(submitted)},
		})
		return nil, &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	if !crypto.ValidCodeShape(submitted) {
		return nil, s.rejectCode(ctx, EventValidationError, submitted, req.Origin, "malformed")
	}

	now := s.now()
	var code models.AccessCode
	err := s.db.WithContext(ctx).
		Preload("Supplier").
		Where("code = ? AND expires_at > ?", submitted, now).
		First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, s.rejectCode(ctx, EventCodeInvalid, submitted, req.Origin, "unknown_or_expired")
		}
		metrics.CodeValidations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("access code service: lookup code: %w", err)
	}

	// Usage counters update atomically in SQL; concurrent validations of the
	// same code must not lose increments.
	if err := s.db.WithContext(ctx).Model(&models.AccessCode{}).
		Where("id = ?", code.ID).
		Updates(map[string]any{
			"access_count": gorm.Expr("access_count + 1"),
			"last_used_at": now,
		}).Error; err != nil {
		log.Error("failed to record code usage", zap.Error(err))
	}

	var assistance *models.Assistance
	if code.AssistanceID != nil {
		var a models.Assistance
		if err := s.db.WithContext(ctx).First(&a, "id = ?", *code.AssistanceID).Error; err != nil {
			log.Warn("scoped assistance missing for access code", zap.String("assistance_id", *code.AssistanceID))
		} else {
			assistance = &a
		}
	}

	token, err := s.sessions.Generate(code.SupplierID, code.AssistanceID)
	if err != nil {
		metrics.CodeValidations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("access code service: issue session: %w", err)
	}

	metrics.CodeValidations.WithLabelValues("success").Inc()
	s.recordActivity(ctx, ActivityEntry{
		EventType: EventLogin,
		Severity:  SeverityInfo,
		ActorRef:  code.SupplierID,
		IPAddress: req.Origin,
		Success:   true,
		Metadata: map[string]any{
			"code_prefix":  truncateCode(submitted),
			"access_count": code.AccessCount + 1,
		},
	})

	return &ValidationResult{
		Token:       token,
		ExpiresAt:   code.ExpiresAt,
		Supplier:    code.Supplier,
		Assistance:  assistance,
		AccessCount: code.AccessCount + 1,
		LastUsedAt:  now,
	}, nil
}

// CleanupExpired deletes codes past their expiry plus the grace period.
func (s *AccessCodeService) CleanupExpired(ctx context.Context, grace time.Duration) (int64, error) {
	ctx = ensureContext(ctx)
	cutoff := s.now().Add(-grace)
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&models.AccessCode{})
	if result.Error != nil {
		return 0, fmt.Errorf("access code service: cleanup expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PortalURL builds the supplier-facing link embedding a code.
func (s *AccessCodeService) PortalURL(code string) string {
	if s.portalBaseURL == "" {
		return ""
	}
	return s.portalBaseURL + "/portal?code=" + code
}

func (s *AccessCodeService) createCode(tx *gorm.DB, supplierID string, assistanceID *string, ttl time.Duration) (*models.AccessCode, error) {
	for attempt := 0; attempt < maxGenerationRetries; attempt++ {
		value, err := crypto.GenerateAccessCode(s.codeLength)
		if err != nil {
			return nil, fmt.Errorf("access code service: generate code: %w", err)
		}

		code := &models.AccessCode{
			Code:         value,
			SupplierID:   supplierID,
			AssistanceID: assistanceID,
			ExpiresAt:    s.now().Add(ttl),
		}
		if err := tx.Create(code).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			return nil, fmt.Errorf("access code service: persist code: %w", err)
		}
		return code, nil
	}
	return nil, ErrCodeCollision
}

func (s *AccessCodeService) checkLimits(ctx context.Context, code, origin string) (ratelimit.Decision, error) {
	if origin != "" {
		decision, err := s.limiter.Allow(ctx, ratelimit.OriginKey(origin), s.originAttempts, s.limitWindow)
		if err != nil {
			return ratelimit.Decision{}, err
		}
		if !decision.Allowed {
			metrics.RateLimitRejections.WithLabelValues("origin").Inc()
			return decision, nil
		}
	}
	if code != "" {
		decision, err := s.limiter.Allow(ctx, ratelimit.CodeKey(code), s.codeAttempts, s.limitWindow)
		if err != nil {
			return ratelimit.Decision{}, err
		}
		if !decision.Allowed {
			metrics.RateLimitRejections.WithLabelValues("code").Inc()
			return decision, nil
		}
	}
	return ratelimit.Decision{Allowed: true}, nil
}

// rejectCode records a failed validation under the given event type. Malformed
// submissions log as validation_error, real lookups that miss as
// magic_code_invalid; callers always get the same opaque sentinel back.
func (s *AccessCodeService) rejectCode(ctx context.Context, eventType, code, origin, reason string) error {
	metrics.CodeValidations.WithLabelValues("invalid").Inc()
	s.recordActivity(ctx, ActivityEntry{
		EventType: eventType,
		Severity:  SeverityWarning,
		IPAddress: origin,
		Success:   false,
		Metadata: map[string]any{
			"code_prefix": truncateCode(code),
			"reason":      reason,
		},
	})
	return ErrCodeInvalid
}

func (s *AccessCodeService) dispatchInvite(ctx context.Context, code *models.AccessCode, supplier *models.Supplier) {
	log := logger.WithModule("access_code")

	if s.notifier == nil {
		log.Warn("invite requested but no notifier configured", zap.String("supplier_id", supplier.ID))
		return
	}

	data := map[string]any{
		"SupplierName": supplier.Name,
		"PortalURL":    s.PortalURL(code.Code),
		"ExpiresAt":    code.ExpiresAt.Format(time.RFC1123),
	}
	if code.AssistanceID != nil {
		var assistance models.Assistance
		if err := s.db.WithContext(ctx).First(&assistance, "id = ?", *code.AssistanceID).Error; err == nil {
			data["BuildingName"] = assistance.BuildingName
		}
	}

	err := s.notifier.Send(ctx, notify.Notification{
		To:       supplier.Email,
		Template: notify.TemplatePortalInvite,
		Data:     data,
	})
	s.recordActivity(ctx, ActivityEntry{
		EventType: EventInviteDispatch,
		Severity:  SeverityInfo,
		ActorRef:  supplier.ID,
		Success:   err == nil,
		Metadata:  map[string]any{"recipient": supplier.Email},
	})
	if err != nil {
		log.Error("portal invite dispatch failed", zap.String("supplier_id", supplier.ID), zap.Error(err))
	}
}

func (s *AccessCodeService) recordActivity(ctx context.Context, entry ActivityEntry) {
	if err := s.activity.Record(ctx, entry); err != nil {
		logger.WithModule("access_code").Error("failed to record activity", zap.Error(err))
	}
}
