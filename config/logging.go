package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build creates the process logger. The text format uses zap's console
// encoder.
func (l LoggingConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if l.Format == "text" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
