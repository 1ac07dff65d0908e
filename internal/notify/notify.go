// Package notify delivers operator alerts.
package notify

import (
	"context"

	"rentreclaim/internal/logging"
)

// Notifier sends one plain-text (Markdown) alert.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Nop discards every message.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, string) error { return nil }

// Deliver sends text and logs a failure instead of returning it. Alerting is
// never allowed to fail a cycle.
func Deliver(ctx context.Context, n Notifier, text string) {
	if n == nil {
		return
	}
	if err := n.Send(ctx, text); err != nil {
		logging.Get(logging.CategoryNotify).Warnf("Alert delivery failed: %v", err)
	}
}
