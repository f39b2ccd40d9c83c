// Package erlog wraps go.uber.org/zap to provide the structured logging
// and stage-timing conventions used across the pipeline. It generalizes
// github.com/ehdc-llpg/internal/debug's printf-style DebugHeader /
// DebugOutput / DebugTiming helpers (which only ever wrote to the
// standard logger behind a bool flag) into an explicit, leveled logger
// value threaded through the pipeline instead of a package-level
// singleton (Design Note §9).
package erlog

import (
	"time"

	"go.uber.org/zap"
)

// New builds a SugaredLogger for the given level and format. format is
// "json" (production default) or "console" (human-readable, for local
// runs); any other value falls back to "console".
func New(level string, format string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Timed runs fn, logging its start and successful completion (with
// duration) at debug level under the given operation name, and a
// failure at warn level. Mirrors the teacher's
// debug.DebugTiming but always runs fn and always logs, rather than
// gating behind a bool.
func Timed(log *zap.SugaredLogger, op string, fn func() error) error {
	start := time.Now()
	log.Debugw("stage starting", "op", op)
	err := fn()
	elapsed := time.Since(start)
	if err != nil {
		log.Warnw("stage failed", "op", op, "elapsed", elapsed, "error", err)
		return err
	}
	log.Debugw("stage completed", "op", op, "elapsed", elapsed)
	return nil
}
