package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// Init initializes the global logger.
// Environment can be "dev", "uat", or "prod"; anything but "dev" logs JSON.
func Init(service, env, level string) {
	l, err := Build(service, env, level)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	Set(l)

	l.Sugar().Infow("logger initialized",
		"env", env,
		"level", level,
	)
}

// Build constructs a logger without installing it globally.
// Every entry carries a "service" field.
func Build(service, env, level string) (*zap.Logger, error) {
	var cfg zap.Config

	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build(zap.AddCaller(), zap.Fields(zap.String("service", service)))
}

// Set replaces the global logger (tests install zap.NewNop or an observer).
func Set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
	sugar = l.Sugar()
}

// L returns the base structured Zap logger (for performance-sensitive paths).
func L() *zap.Logger {
	mu.RLock()
	l := log
	mu.RUnlock()
	if l == nil {
		Init("unknown", "dev", "info")
		return L()
	}
	return l
}

// S returns the Sugared logger (for convenience).
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Named returns a child of the global logger scoped to a component,
// e.g. logger.Named("token") logs with logger="token".
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync flushes any buffered logs (defer this in main()).
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
