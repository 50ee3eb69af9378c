package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// NewLogger builds a zap logger from the logging config. Format "console"
// selects the human-readable development encoder; anything else is JSON.
func NewLogger(cfg models.LoggingConfig) (*zap.Logger, error) {
	logger, _, err := NewLeveledLogger(cfg)
	return logger, err
}

// NewLeveledLogger is NewLogger that also returns the logger's level so
// callers can raise or lower it at runtime.
func NewLeveledLogger(cfg models.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	atom := zap.NewAtomicLevelAt(level)
	zc.Level = atom

	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("building logger: %w", err)
	}
	return logger.With(zap.String("service", "areg")), atom, nil
}
