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

// FollowUpHandler serves schedule management and the batch trigger.
type FollowUpHandler struct {
	followups *services.FollowUpService
	processor *services.FollowUpProcessor
}

// NewFollowUpHandler builds a FollowUpHandler.
func NewFollowUpHandler(followups *services.FollowUpService, processor *services.FollowUpProcessor) (*FollowUpHandler, error) {
	if followups == nil {
		return nil, errors.New("followup handler: followup service is required")
	}
	if processor == nil {
		return nil, errors.New("followup handler: processor is required")
	}
	return &FollowUpHandler{followups: followups, processor: processor}, nil
}

// Process runs one batch pass. Overlapping triggers are safe: claimed rows
// are skipped by later claimants.
func (h *FollowUpHandler) Process(c *gin.Context) {
	summary, err := h.processor.Run(c.Request.Context())
	if err != nil {
		logger.WithModule("followups").Error("processor run failed", zap.Error(err))
		response.Error(c, appErrors.ErrInternalServer)
		return
	}
	response.Success(c, http.StatusOK, summary)
}

type createFollowUpRequest struct {
	AssistanceID       string     `json:"assistance_id" binding:"required" validate:"required,uuid"`
	SupplierID         string     `json:"supplier_id" binding:"required" validate:"required,uuid"`
	FollowUpType       string     `json:"follow_up_type" binding:"required" validate:"required"`
	Priority           string     `json:"priority" validate:"omitempty,oneof=normal urgent critical"`
	ScheduledFor       time.Time  `json:"scheduled_for" binding:"required" validate:"required"`
	MaxAttempts        int        `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	WorkDate           *time.Time `json:"work_date,omitempty"`
	ExpectedCompletion *time.Time `json:"expected_completion,omitempty"`
	Note               string     `json:"note,omitempty" validate:"omitempty,max=500"`
}

// Create plans a new follow-up schedule.
func (h *FollowUpHandler) Create(c *gin.Context) {
	var req createFollowUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.NewBadRequest("invalid request body"))
		return
	}
	if err := validator.ValidateStruct(req); err != nil {
		response.Error(c, appErrors.NewBadRequest(err.Error()))
		return
	}

	schedule, err := h.followups.Create(c.Request.Context(), services.CreateFollowUpRequest{
		AssistanceID: req.AssistanceID,
		SupplierID:   req.SupplierID,
		FollowUpType: models.FollowUpType(req.FollowUpType),
		Priority:     models.FollowUpPriority(req.Priority),
		ScheduledFor: req.ScheduledFor,
		MaxAttempts:  req.MaxAttempts,
		Metadata: models.FollowUpMetadata{
			WorkDate:           req.WorkDate,
			ExpectedCompletion: req.ExpectedCompletion,
			Note:               req.Note,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAssistanceNotFound):
			response.Error(c, appErrors.ErrNotFound)
		default:
			response.Error(c, appErrors.NewBadRequest(err.Error()))
		}
		return
	}
	response.Success(c, http.StatusCreated, schedule)
}

// List returns schedules matching the query filters.
func (h *FollowUpHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	filters := services.FollowUpFilters{
		Status:       models.FollowUpStatus(c.Query("status")),
		FollowUpType: models.FollowUpType(c.Query("follow_up_type")),
		AssistanceID: c.Query("assistance_id"),
		SupplierID:   c.Query("supplier_id"),
	}

	schedules, total, err := h.followups.List(c.Request.Context(), services.FollowUpListOptions{
		Page:     page,
		PageSize: pageSize,
		Filters:  filters,
	})
	if err != nil {
		logger.WithModule("followups").Error("list failed", zap.Error(err))
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, schedules, &response.Meta{
		Page:    page,
		PerPage: pageSize,
		Total:   int(total),
	})
}

// Get returns one schedule with its relations.
func (h *FollowUpHandler) Get(c *gin.Context) {
	schedule, err := h.followups.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrScheduleNotFound) {
			response.Error(c, appErrors.ErrNotFound)
			return
		}
		logger.WithModule("followups").Error("get failed", zap.Error(err))
		response.Error(c, appErrors.ErrInternalServer)
		return
	}
	response.Success(c, http.StatusOK, schedule)
}

// Cancel marks a schedule cancelled.
func (h *FollowUpHandler) Cancel(c *gin.Context) {
	err := h.followups.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrScheduleNotFound):
			response.Error(c, appErrors.ErrNotFound)
		case errors.Is(err, services.ErrScheduleTerminal):
			response.Error(c, appErrors.ErrConflict)
		default:
			logger.WithModule("followups").Error("cancel failed", zap.Error(err))
			response.Error(c, appErrors.ErrInternalServer)
		}
		return
	}
	response.Success(c, http.StatusOK, gin.H{"cancelled": true})
}

type rescheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for" binding:"required" validate:"required"`
}

// Reschedule moves a schedule back to pending at a new time.
func (h *FollowUpHandler) Reschedule(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.NewBadRequest("invalid request body"))
		return
	}

	schedule, err := h.followups.Reschedule(c.Request.Context(), c.Param("id"), req.ScheduledFor)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrScheduleNotFound):
			response.Error(c, appErrors.ErrNotFound)
		case errors.Is(err, services.ErrScheduleTerminal):
			response.Error(c, appErrors.ErrConflict)
		default:
			logger.WithModule("followups").Error("reschedule failed", zap.Error(err))
			response.Error(c, appErrors.ErrInternalServer)
		}
		return
	}
	response.Success(c, http.StatusOK, schedule)
}
