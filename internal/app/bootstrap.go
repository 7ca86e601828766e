package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/jpcarreira/condoflow/internal/api"
	"github.com/jpcarreira/condoflow/internal/app/maintenance"
	"github.com/jpcarreira/condoflow/internal/cache"
	"github.com/jpcarreira/condoflow/internal/database"
	"github.com/jpcarreira/condoflow/internal/notify"
	"github.com/jpcarreira/condoflow/internal/ratelimit"
	"github.com/jpcarreira/condoflow/internal/services"
	"github.com/jpcarreira/condoflow/pkg/logger"
	"github.com/jpcarreira/condoflow/pkg/mail"
)

// Application bundles every running component of the service.
type Application struct {
	Config  *Config
	Server  *http.Server
	Cleaner *maintenance.Cleaner

	redis *cache.RedisClient
}

// Bootstrap wires the full runtime stack from configuration: database,
// shared counter store, services, HTTP surface and background jobs.
func Bootstrap(cfg *Config) (*Application, error) {
	log := logger.WithModule("bootstrap")

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open database: %w", err)
	}
	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("bootstrap: migrate: %w", err)
	}

	appRef := &Application{Config: cfg}

	// The rate limiter counts in a shared store: Redis when configured,
	// otherwise the database. Both survive restarts and span instances.
	var counterStore cache.Store
	if cfg.Cache.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: redis: %w", err)
		}
		appRef.redis = redisClient
		counterStore = redisClient
		log.Info("rate limit counters backed by redis", zap.String("addr", cfg.Cache.Redis.Addr))
	} else {
		counterStore = cache.NewDatabaseStore(db)
		log.Info("rate limit counters backed by database")
	}

	limiter, err := ratelimit.New(counterStore)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: rate limiter: %w", err)
	}

	var notifier notify.Notifier
	if cfg.Email.Enabled {
		mailer, err := mail.NewSMTPMailer(cfg.Email)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: smtp: %w", err)
		}
		notifier, err = notify.NewMailNotifier(mailer)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: notifier: %w", err)
		}
	} else {
		notifier = noopNotifier{}
		log.Warn("email disabled; notifications will be dropped")
	}

	activity, err := services.NewActivityService(db)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: activity service: %w", err)
	}

	sessions, err := services.NewSessionTokenService(services.SessionTokenConfig{
		Secret: cfg.Portal.SessionTokenSecret,
		Issuer: "condoflow",
		TTL:    cfg.Portal.SessionTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: session tokens: %w", err)
	}

	codes, err := services.NewAccessCodeService(db, limiter, activity, sessions, notifier,
		services.WithPortalBaseURL(cfg.Portal.BaseURL),
		services.WithInviteTTL(cfg.Portal.InviteTTL),
		services.WithReminderTTL(cfg.Portal.ReminderTTL),
		services.WithCodeLength(cfg.Portal.CodeLength),
		services.WithValidationLimits(
			cfg.FollowUps.RateLimitPerOrigin,
			cfg.FollowUps.RateLimitPerCode,
			cfg.FollowUps.RateLimitWindow,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: access code service: %w", err)
	}

	followups, err := services.NewFollowUpService(db, activity,
		services.WithDefaultMaxAttempts(cfg.FollowUps.MaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: followup service: %w", err)
	}

	processor, err := services.NewFollowUpProcessor(db, notifier, codes, activity,
		services.WithBatchSize(cfg.FollowUps.BatchSize),
		services.WithRetryBackoff(cfg.FollowUps.RetryBackoff),
	)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: followup processor: %w", err)
	}

	router, err := api.NewRouter(api.RouterConfig{
		DB:             db,
		Codes:          codes,
		FollowUps:      followups,
		Processor:      processor,
		Activity:       activity,
		Limiter:        limiter,
		HTTPRateMax:    cfg.FollowUps.HTTPRateMax,
		HTTPRateWindow: cfg.FollowUps.HTTPRateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: router: %w", err)
	}

	cleaner, err := maintenance.NewCleaner(codes, activity, processor, maintenance.Options{
		Schedule:              cfg.Maintenance.Schedule,
		CodeGrace:             cfg.Maintenance.CodeGrace,
		ActivityRetentionDays: cfg.Maintenance.ActivityRetentionDays,
		FollowUpSchedule:      cfg.FollowUps.InternalSchedule,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: maintenance: %w", err)
	}

	appRef.Server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	appRef.Cleaner = cleaner

	return appRef, nil
}

// Run starts the background jobs and serves HTTP until ctx is cancelled,
// then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	log := logger.WithModule("app")

	if err := a.Cleaner.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.Cleaner.Stop()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	a.Cleaner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn("redis close failed", zap.Error(err))
		}
	}
	return nil
}

// noopNotifier drops every notification. Dispatch is reported as failed so
// follow-up schedules are not falsely marked sent.
type noopNotifier struct{}

func (noopNotifier) Send(context.Context, notify.Notification) error {
	return mail.ErrSMTPDisabled
}
