package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jpcarreira/condoflow/internal/models"
	"github.com/jpcarreira/condoflow/internal/services"
	appErrors "github.com/jpcarreira/condoflow/pkg/errors"
	"github.com/jpcarreira/condoflow/pkg/logger"
	"github.com/jpcarreira/condoflow/pkg/response"
	"github.com/jpcarreira/condoflow/pkg/validator"
)

// PortalHandler serves the supplier-facing session endpoints.
type PortalHandler struct {
	codes *services.AccessCodeService
}

// NewPortalHandler builds a PortalHandler.
func NewPortalHandler(codes *services.AccessCodeService) (*PortalHandler, error) {
	if codes == nil {
		return nil, errors.New("portal handler: access code service is required")
	}
	return &PortalHandler{codes: codes}, nil
}

type validateSessionRequest struct {
	MagicCode string `json:"magicCode" binding:"required" validate:"required,min=8,max=64"`
}

type sessionSupplier struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	Specialization string `json:"specialization,omitempty"`
}

type validateSessionResponse struct {
	Valid        bool             `json:"valid"`
	Supplier     *sessionSupplier `json:"supplier,omitempty"`
	AssistanceID *string          `json:"assistance_id,omitempty"`
	AccessCount  int              `json:"access_count,omitempty"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty"`
	SessionToken string           `json:"session_token,omitempty"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// ValidateSession exchanges an access code for a scoped portal session.
// Every code failure yields the same generic payload with status 200; only
// rate limiting is distinguishable, via 429.
func (h *PortalHandler) ValidateSession(c *gin.Context) {
	var req validateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// A malformed body is treated like an invalid code to avoid leaking
		// what a well-formed submission looks like.
		response.Success(c, http.StatusOK, validateSessionResponse{
			Valid: false,
			Error: appErrors.ErrInvalidCode.Message,
		})
		return
	}
	if err := validator.ValidateStruct(req); err != nil {
		response.Success(c, http.StatusOK, validateSessionResponse{
			Valid: false,
			Error: appErrors.ErrInvalidCode.Message,
		})
		return
	}

	result, err := h.codes.Validate(c.Request.Context(), services.ValidateRequest{
		Code:   req.MagicCode,
		Origin: c.ClientIP(),
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrRateLimited):
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(err)))
			response.Error(c, appErrors.ErrRateLimit)
		case errors.Is(err, services.ErrCodeInvalid):
			response.Success(c, http.StatusOK, validateSessionResponse{
				Valid: false,
				Error: appErrors.ErrInvalidCode.Message,
			})
		default:
			logger.WithModule("portal").Error("session validation failed", zap.Error(err))
			response.Error(c, appErrors.ErrInternalServer)
		}
		return
	}

	payload := validateSessionResponse{
		Valid:        true,
		Supplier:     toSessionSupplier(result.Supplier),
		AccessCount:  result.AccessCount,
		LastUsedAt:   &result.LastUsedAt,
		SessionToken: result.Token,
		ExpiresAt:    &result.ExpiresAt,
	}
	if result.Assistance != nil {
		payload.AssistanceID = &result.Assistance.ID
	}
	response.Success(c, http.StatusOK, payload)
}

// retryAfterSeconds extracts the limiter's advice from a rate-limit error,
// rounded up so a sub-second remainder never advertises an instant retry.
func retryAfterSeconds(err error) int {
	var rle *services.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return int((rle.RetryAfter + time.Second - 1) / time.Second)
	}
	return 1
}

func toSessionSupplier(supplier *models.Supplier) *sessionSupplier {
	if supplier == nil {
		return nil
	}
	return &sessionSupplier{
		ID:             supplier.ID,
		Name:           supplier.Name,
		Email:          supplier.Email,
		Phone:          supplier.Phone,
		Specialization: supplier.Specialization,
	}
}
