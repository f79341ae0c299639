// Package logging holds the process-wide zap logger and the field
// helpers shared by the sync client packages.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slvnlrt/spacedrive/pkg/querykey"
)

var (
	mu     sync.RWMutex
	global *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the global logger. An unknown level falls back to info.
func Init(cfg Config) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
		zc.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Replace(logger)
	return nil
}

// Replace swaps the global logger. A nil logger resets it so the next
// L() builds a default one.
func Replace(logger *zap.Logger) {
	mu.Lock()
	global = logger
	mu.Unlock()
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if global != nil {
		return global.Sync()
	}
	return nil
}

// SetLevel changes the global log level at runtime. Invalid levels are
// ignored.
func SetLevel(name string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return
	}
	level.SetLevel(l)
}

// Level returns the current global level.
func Level() zapcore.Level {
	return level.Level()
}

// L returns the global logger, building a production logger on first
// use.
func L() *zap.Logger {
	mu.RLock()
	logger := global
	mu.RUnlock()
	if logger != nil {
		return logger
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		zc := zap.NewProductionConfig()
		zc.Level = level
		built, err := zc.Build()
		if err != nil {
			built = zap.NewNop()
		}
		global = built
	}
	return global
}

// Named returns logger when it is non-nil, otherwise a named child of
// the global logger. Components call it with the logger from their
// options.
func Named(logger *zap.Logger, name string) *zap.Logger {
	if logger != nil {
		return logger
	}
	return L().Named(name)
}

// Key logs a query key as an object with its method, resource and
// digest.
func Key(k querykey.Key) zap.Field {
	return zap.Object("key", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("method", k.Method())
		if t := k.ResourceType(); t != "" {
			enc.AddString("resource_type", t)
		}
		if id := k.ResourceID(); id != "" {
			enc.AddString("resource_id", id)
		}
		if s := k.PathScope(); s != "" {
			enc.AddString("path_scope", s)
		}
		enc.AddString("hash", k.Hash())
		return nil
	}))
}

// JobID logs a job id.
func JobID(id string) zap.Field {
	return zap.String("job_id", id)
}
