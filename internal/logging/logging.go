package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. filter is a level name as accepted by
// GRAPHSHELL_TRACING_FILTER; verbose forces debug output on the console encoder.
func New(filter string, verbose bool) (*zap.Logger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(ParseLevel(filter))
	}
	cfg.DisableStacktrace = !verbose
	return cfg.Build(zap.Fields(zap.String("app", "graphshell")))
}

// ParseLevel maps a filter string to a zap level. Filters may carry a
// target prefix ("graphshell=debug"); only the level part is used.
// Unknown values fall back to info.
func ParseLevel(filter string) zapcore.Level {
	f := strings.TrimSpace(strings.ToLower(filter))
	if i := strings.LastIndex(f, "="); i >= 0 {
		f = f[i+1:]
	}
	switch f {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
