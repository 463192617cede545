// Package notify carries job lifecycle events to interested parties. Delivery
// is fire-and-forget: a failing sink must never fail the job that emitted the
// event.
package notify

import (
	"log/slog"

	"dlhub/internal/model"
)

// Notifier receives lifecycle events for one queue.
type Notifier interface {
	Added(rec *model.Record)
	Updated(rec *model.Record)
	Completed(rec *model.Record)
	Canceled(storageKey string)
	Cleared(storageKey string)
	Renamed(rec *model.Record)
}

// LogNotifier writes events to a structured logger. It is the default sink
// and the fallback wherever no push channel is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Added(rec *model.Record) {
	n.Logger.Info("job added", "key", rec.StorageKey, "provider", rec.Provider, "title", rec.Title)
}

func (n *LogNotifier) Updated(rec *model.Record) {
	n.Logger.Debug("job updated", "key", rec.StorageKey, "status", rec.Status, "percent", rec.Percent)
}

func (n *LogNotifier) Completed(rec *model.Record) {
	n.Logger.Info("job completed", "key", rec.StorageKey, "status", rec.Status, "filename", rec.Filename)
}

func (n *LogNotifier) Canceled(storageKey string) {
	n.Logger.Info("job canceled", "key", storageKey)
}

func (n *LogNotifier) Cleared(storageKey string) {
	n.Logger.Info("job cleared", "key", storageKey)
}

func (n *LogNotifier) Renamed(rec *model.Record) {
	n.Logger.Info("job renamed", "key", rec.StorageKey, "filename", rec.Filename)
}

// Multi fans one event out to several sinks.
type Multi []Notifier

func (m Multi) Added(rec *model.Record)     { m.each(func(n Notifier) { n.Added(rec) }) }
func (m Multi) Updated(rec *model.Record)   { m.each(func(n Notifier) { n.Updated(rec) }) }
func (m Multi) Completed(rec *model.Record) { m.each(func(n Notifier) { n.Completed(rec) }) }
func (m Multi) Canceled(key string)         { m.each(func(n Notifier) { n.Canceled(key) }) }
func (m Multi) Cleared(key string)          { m.each(func(n Notifier) { n.Cleared(key) }) }
func (m Multi) Renamed(rec *model.Record)   { m.each(func(n Notifier) { n.Renamed(rec) }) }

func (m Multi) each(fn func(Notifier)) {
	for _, n := range m {
		if n != nil {
			fn(n)
		}
	}
}
