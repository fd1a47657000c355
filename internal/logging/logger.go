package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development and local environments log at
// debug level unless level says otherwise; everything else defaults to info.
func New(env, level string) (*zap.Logger, error) {
	cfg := configFor(env)

	lvl, err := resolveLevel(env, level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("env", env)), nil
}

func isDevelopment(env string) bool {
	return env == "development" || env == "local"
}

func resolveLevel(env, level string) (zap.AtomicLevel, error) {
	if strings.TrimSpace(level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		return zap.NewAtomicLevelAt(parsed), nil
	}
	if isDevelopment(env) {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}
	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}

func configFor(env string) zap.Config {
	var cfg zap.Config
	if isDevelopment(env) {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
