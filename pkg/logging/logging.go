// Package logging builds the process logger from configuration.
package logging

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/munin/pkg/config"
)

// New constructs a zap logger honoring the configured level and mode.
// Development mode emits console-friendly output; production mode emits
// structured JSON.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "logging: invalid level %q", cfg.Level)
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "logging: build logger")
	}
	return logger, nil
}
