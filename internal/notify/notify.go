// Package notify shows short, transient notices to the person dictating.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gen2brain/beeep"
)

// Level classifies a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notifier displays a notice. Delivery failures are swallowed.
type Notifier interface {
	Notify(ctx context.Context, level Level, message string)
}

// Desktop raises a desktop notification through the OS notification center.
type Desktop struct {
	appName string
	logger  *slog.Logger

	mu      sync.Mutex
	enabled bool
	send    func(title, message, icon string) error
}

func NewDesktop(appName string, enabled bool, logger *slog.Logger) *Desktop {
	return &Desktop{
		appName: appName,
		logger:  logger.With(slog.String("component", "notify")),
		enabled: enabled,
		send:    beeep.Notify,
	}
}

func (d *Desktop) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

func (d *Desktop) Notify(_ context.Context, level Level, message string) {
	d.mu.Lock()
	enabled, send := d.enabled, d.send
	d.mu.Unlock()
	if !enabled {
		return
	}
	title := d.appName
	if level == LevelError {
		title += ": error"
	}
	if err := send(title, truncate(message, 200), ""); err != nil {
		d.logger.Debug("desktop notification failed", slog.String("error", err.Error()))
	}
}

// Log writes notices to the structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With(slog.String("component", "notify"))}
}

func (l *Log) Notify(ctx context.Context, level Level, message string) {
	lvl := slog.LevelInfo
	if level == LevelError {
		lvl = slog.LevelError
	}
	l.logger.Log(ctx, lvl, message, slog.String("notice", string(level)))
}

// Multi fans a notice out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, level Level, message string) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, level, message)
		}
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
