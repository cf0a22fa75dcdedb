package utils

import "go.uber.org/zap"

// LoggerName prefixes every log entry of the process.
const LoggerName = "studyfed"

// NewLogger returns the process logger. When debug is true it uses the development
// config (console encoding, debug level, stack traces); otherwise production JSON at info level.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = !debug
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(LoggerName), nil
}
