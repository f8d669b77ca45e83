// Package logging builds the zap loggers used by the kern CLI.
package logging

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TimeLayout is the wall-clock prefix of every console line.
const TimeLayout = "[15:04:05]"

// New returns a console logger writing "[HH:MM:SS] message" lines to w.
// Debug entries are only emitted when verbose is set and carry a "[DEBUG]"
// tag; warnings and errors are tagged the same way.
func New(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(newEncoder(), zapcore.AddSync(w), level)
	return zap.New(core)
}

func newEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout(TimeLayout),
		EncodeLevel:      encodeLevel,
		EncodeDuration:   zapcore.MillisDurationEncoder,
		ConsoleSeparator: " ",
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// encodeLevel leaves info lines untagged.
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == zapcore.InfoLevel {
		return
	}
	enc.AppendString("[" + l.CapitalString() + "]")
}

// NewObserved returns a logger that records entries at or above level, for
// tests.
func NewObserved(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}
