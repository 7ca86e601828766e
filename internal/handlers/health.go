package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jpcarreira/condoflow/pkg/response"
)

// HealthHandler reports process liveness and database reachability.
type HealthHandler struct {
	db *gorm.DB
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check responds 200 when the database answers, 503 otherwise.
func (h *HealthHandler) Check(c *gin.Context) {
	status := "ok"
	httpStatus := http.StatusOK

	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	response.Success(c, httpStatus, gin.H{"status": status})
}
