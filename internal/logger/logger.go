// Package logger provides component-scoped structured loggers used
// throughout the engine.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseMu sync.Mutex
	base   *zap.Logger
)

// SetLevel changes the minimum level of all loggers created afterwards.
func SetLevel(level zapcore.Level) {
	baseMu.Lock()
	defer baseMu.Unlock()
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), level)
	base = zap.New(core)
}

func rootLogger() *zap.Logger {
	baseMu.Lock()
	defer baseMu.Unlock()
	if base == nil {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), zapcore.InfoLevel)
		base = zap.New(core)
	}
	return base
}

// New returns a sugared logger scoped to the named component.
func New(component string) *zap.SugaredLogger {
	return rootLogger().Sugar().With("component", component)
}

// ForTorrent returns a logger scoped to a component and a torrent,
// fielded with a short prefix of its info hash.
func ForTorrent(component string, infoHash [20]byte) *zap.SugaredLogger {
	return New(component).With("torrent", shortHash(infoHash))
}

func shortHash(h [20]byte) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 0; i < 4; i++ {
		b[i*2] = hex[h[i]>>4]
		b[i*2+1] = hex[h[i]&0xf]
	}
	return string(b)
}
