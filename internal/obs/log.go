package obs

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   = zap.NewNop()
)

// NewLogger builds a JSON production logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level = strings.TrimSpace(level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("obs: parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// SetLogger installs the process-wide logger returned by Logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// Logger returns the shared logger. It discards output until SetLogger runs.
func Logger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}
