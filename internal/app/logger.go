package app

import "github.com/jpcarreira/condoflow/pkg/logger"

// ConfigureLogging initialises the global logger from configuration.
func ConfigureLogging(cfg LogConfig) error {
	return logger.Init(cfg.Level, cfg.Format)
}
