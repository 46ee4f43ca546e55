// Package logging builds the zap logger used throughout npbackup and
// tracks the worst level reached during a run, which the CLI entry layer
// uses to choose a process exit code.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is one of the four log levels that map to a process exit code.
type Level int32

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
	LevelCritical
)

// ExitCode returns the exit code assigned to a worst-level-reached
// value: 20=ok, 30=warn, 40=error, 50=critical.
func (l Level) ExitCode() int {
	switch l {
	case LevelWarn:
		return 30
	case LevelError:
		return 40
	case LevelCritical:
		return 50
	default:
		return 20
	}
}

// Tracker records the worst level logged during a run via its zapcore.Core
// wrapper, so the entry layer can compute an exit code after the run
// completes without re-scanning log output.
type Tracker struct {
	worst int32
}

// NewTracker returns a Tracker initialized at LevelInfo (success).
func NewTracker() *Tracker {
	return &Tracker{worst: int32(LevelInfo)}
}

// Worst returns the highest level observed so far.
func (t *Tracker) Worst() Level {
	return Level(atomic.LoadInt32(&t.worst))
}

// observe ratchets the worst level upward; it never decreases.
func (t *Tracker) observe(l Level) {
	for {
		cur := atomic.LoadInt32(&t.worst)
		if int32(l) <= cur {
			return
		}
		if atomic.CompareAndSwapInt32(&t.worst, cur, int32(l)) {
			return
		}
	}
}

// core wraps a zapcore.Core, forwarding all writes while observing the
// worst zapcore.Level seen so the Tracker can report it afterward.
type core struct {
	zapcore.Core
	tracker *Tracker
}

func (c *core) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *core) Write(e zapcore.Entry, fields []zapcore.Field) error {
	switch e.Level {
	case zapcore.WarnLevel:
		c.tracker.observe(LevelWarn)
	case zapcore.ErrorLevel:
		c.tracker.observe(LevelError)
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		c.tracker.observe(LevelCritical)
	}
	return c.Core.Write(e, fields)
}

// Build constructs a zap logger at the requested level string
// (debug/info/warn/error), development-style encoding for debug and
// production (JSON) encoding otherwise, wrapped so Tracker observes
// every Warn/Error/Critical entry written through it.
func Build(level string, tracker *Tracker) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return &core{Core: c, tracker: tracker}
	}))
	if err != nil {
		return nil, err
	}
	return logger, nil
}
