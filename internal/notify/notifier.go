// Package notify pushes engine events (executions, venue health) outward to
// Telegram and Discord. Delivery is outbound-only and best-effort: a failed
// send is logged, never retried into the hot path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every sender, filtered by event type.
// An empty event list allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers to all senders when the event type passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch collects per-sender failures; one failing channel does not stop
// the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
