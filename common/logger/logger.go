package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		panic(err)
	}
	base = l
}

// New returns a named sugared logger for one component.
func New(name string) *zap.SugaredLogger {
	return base.Named(name).Sugar()
}

// SetLevel rebuilds the base logger at the given level. Used once at startup
// from config; named loggers created afterwards inherit it.
func SetLevel(level string) error {
	lv, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lv)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	base = l
	return nil
}
