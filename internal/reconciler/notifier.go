package reconciler

import (
	"context"
	"log/slog"
	"time"
)

// Notification types.
const (
	NotifyLocked   = "escrow.locked"
	NotifyReleased = "escrow.released"
	NotifyMismatch = "escrow.mismatch"
)

// Notification is one state-change announcement emitted after the mirror has
// been updated. Delivery is best-effort; the mirror is already consistent by
// the time a notification goes out.
type Notification struct {
	Type     string    `json:"type"`
	EscrowID string    `json:"escrowId"`
	Status   string    `json:"status,omitempty"`
	Amount   int64     `json:"amount,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier receives state-change notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) {
	l.Logger.Info("notification",
		"type", n.Type, "escrow_id", n.EscrowID,
		"status", n.Status, "amount", n.Amount)
}

// MultiNotifier fans one notification out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) {
	for _, sink := range m {
		sink.Notify(ctx, n)
	}
}
