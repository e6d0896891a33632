// Package logging builds the daemon's structured logger and adapts it to the
// logger interfaces expected by third-party schedulers.
package logging

import (
	"io"
	"log/slog"

	"github.com/nicktill/telemetryd/pkg/config"
)

// New returns a logger writing to w using the configured level and format.
func New(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// CronLogger adapts a slog.Logger to cron.Logger. Info messages from the
// cron library are demoted to debug; they fire on every schedule.
type CronLogger struct {
	L *slog.Logger
}

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.L.Debug("cron: "+msg, keysAndValues...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.L.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
