package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a zap logger with console encoding for readability. The returned
// AtomicLevel can be changed at runtime with SetLevel.
func New(level string) (*zap.Logger, zap.AtomicLevel, error) {
	atomicLevel := zap.NewAtomicLevel()
	if err := SetLevel(atomicLevel, level); err != nil {
		return nil, atomicLevel, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            atomicLevel,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, atomicLevel, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, atomicLevel, nil
}

// ParseLevel parses a level name such as "debug" or "warn". Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}

// SetLevel changes atomicLevel to the named level.
func SetLevel(atomicLevel zap.AtomicLevel, level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	atomicLevel.SetLevel(parsed)
	return nil
}
