package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/jpcarreira/condoflow/internal/handlers"
	"github.com/jpcarreira/condoflow/internal/middleware"
	"github.com/jpcarreira/condoflow/internal/ratelimit"
	"github.com/jpcarreira/condoflow/internal/services"
)

// RouterConfig wires the services the HTTP surface exposes.
type RouterConfig struct {
	DB        *gorm.DB
	Codes     *services.AccessCodeService
	FollowUps *services.FollowUpService
	Processor *services.FollowUpProcessor
	Activity  *services.ActivityService
	Limiter   *ratelimit.Limiter

	// Advisory per-IP budget applied to all API routes. Zero disables it.
	HTTPRateMax    int
	HTTPRateWindow time.Duration
}

// NewRouter assembles the gin engine with all middleware and routes.
func NewRouter(cfg RouterConfig) (*gin.Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("router: db is required")
	}

	portal, err := handlers.NewPortalHandler(cfg.Codes)
	if err != nil {
		return nil, err
	}
	followups, err := handlers.NewFollowUpHandler(cfg.FollowUps, cfg.Processor)
	if err != nil {
		return nil, err
	}
	activity, err := handlers.NewActivityHandler(cfg.Activity)
	if err != nil {
		return nil, err
	}
	health := handlers.NewHealthHandler(cfg.DB)

	router := gin.New()
	router.Use(
		middleware.Recovery(),
		middleware.AccessLog(),
		middleware.Metrics(),
		middleware.SecurityHeaders(),
	)

	router.GET("/health", health.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Bare aliases kept for the external scheduler and the portal frontend.
	router.POST("/process-followups", followups.Process)
	router.POST("/validate-session", portal.ValidateSession)

	apiGroup := router.Group("/api")
	if cfg.Limiter != nil && cfg.HTTPRateMax > 0 && cfg.HTTPRateWindow > 0 {
		apiGroup.Use(middleware.RateLimit(cfg.Limiter, cfg.HTTPRateMax, cfg.HTTPRateWindow))
	}

	apiGroup.POST("/portal/validate-session", portal.ValidateSession)

	followupGroup := apiGroup.Group("/followups")
	{
		followupGroup.POST("/process", followups.Process)
		followupGroup.POST("", followups.Create)
		followupGroup.GET("", followups.List)
		followupGroup.GET("/:id", followups.Get)
		followupGroup.POST("/:id/cancel", followups.Cancel)
		followupGroup.POST("/:id/reschedule", followups.Reschedule)
	}

	apiGroup.GET("/activity", activity.List)

	return router, nil
}
