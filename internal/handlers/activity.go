package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jpcarreira/condoflow/internal/services"
	appErrors "github.com/jpcarreira/condoflow/pkg/errors"
	"github.com/jpcarreira/condoflow/pkg/logger"
	"github.com/jpcarreira/condoflow/pkg/response"
)

// ActivityHandler exposes the append-only activity log to operators.
type ActivityHandler struct {
	activity *services.ActivityService
}

// NewActivityHandler builds an ActivityHandler.
func NewActivityHandler(activity *services.ActivityService) (*ActivityHandler, error) {
	if activity == nil {
		return nil, errors.New("activity handler: activity service is required")
	}
	return &ActivityHandler{activity: activity}, nil
}

// List returns paginated activity records, newest first.
func (h *ActivityHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	filters := services.ActivityFilters{
		EventType: c.Query("event_type"),
		Severity:  c.Query("severity"),
		ActorRef:  c.Query("actor"),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.NewBadRequest("since must be RFC3339"))
			return
		}
		filters.Since = &since
	}
	if raw := c.Query("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.NewBadRequest("until must be RFC3339"))
			return
		}
		filters.Until = &until
	}

	entries, total, err := h.activity.List(c.Request.Context(), services.ActivityListOptions{
		Page:     page,
		PageSize: pageSize,
		Filters:  filters,
	})
	if err != nil {
		logger.WithModule("activity").Error("list failed", zap.Error(err))
		response.Error(c, appErrors.ErrInternalServer)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, entries, &response.Meta{
		Page:    page,
		PerPage: pageSize,
		Total:   int(total),
	})
}
