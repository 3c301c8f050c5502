package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// Event types accepted by the notifier filter.
const (
	EventExecSettled  = "execution_settled"
	EventExecFailed   = "execution_failed"
	EventExecTimedOut = "execution_timed_out"
	EventVenueDown    = "venue_down"
	EventVenueUp      = "venue_up"
)

// Bridge formats engine events into operator notifications. It consumes the
// coordinator's result stream and per-venue status transitions.
type Bridge struct {
	notifier *Notifier
	logger   *slog.Logger

	lastState map[domain.VenueID]domain.VenueState
}

func NewBridge(notifier *Notifier, logger *slog.Logger) *Bridge {
	return &Bridge{
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "notify_bridge")),
		lastState: make(map[domain.VenueID]domain.VenueState),
	}
}

// RunExecutions forwards finished executions until the channel closes or ctx
// is done.
func (b *Bridge) RunExecutions(ctx context.Context, results <-chan domain.ExecutionRecord) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-results:
			if !ok {
				return nil
			}
			b.OnExecution(ctx, rec)
		}
	}
}

// OnExecution sends one notification per terminal or timed-out record.
func (b *Bridge) OnExecution(ctx context.Context, rec domain.ExecutionRecord) {
	var event, title string
	switch rec.State {
	case domain.ExecSettled:
		event = EventExecSettled
		title = fmt.Sprintf("%s settled", titleKind(rec.Kind))
	case domain.ExecFailed:
		event = EventExecFailed
		title = fmt.Sprintf("%s failed", titleKind(rec.Kind))
	case domain.ExecTimedOut:
		event = EventExecTimedOut
		title = fmt.Sprintf("%s timed out", titleKind(rec.Kind))
	default:
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Token: %s\n", rec.Token.Hex())
	fmt.Fprintf(&sb, "Size: %.4f ETH\n", rec.AmountETH)
	if rec.State == domain.ExecSettled {
		fmt.Fprintf(&sb, "Realized: %+.6f ETH\n", rec.RealizedETH)
	}
	if rec.TxHash != "" {
		fmt.Fprintf(&sb, "Tx: %s\n", rec.TxHash)
	}
	if rec.FailReason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", rec.FailReason)
	}

	if err := b.notifier.Notify(ctx, event, title, sb.String()); err != nil {
		b.logger.Warn("execution notification failed",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()))
	}
}

func titleKind(kind domain.OpportunityKind) string {
	s := string(kind)
	if s == "" {
		return "Execution"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// OnVenueStatus notifies only on state transitions, not on every report.
func (b *Bridge) OnVenueStatus(ctx context.Context, status domain.VenueStatus) {
	prev, seen := b.lastState[status.Venue]
	b.lastState[status.Venue] = status.State
	if seen && prev == status.State {
		return
	}

	switch status.State {
	case domain.VenueDownState:
		msg := fmt.Sprintf("Venue %s is DOWN after %d reconnect attempts.", status.Venue, status.Reconnects)
		if err := b.notifier.Notify(ctx, EventVenueDown, "Venue down", msg); err != nil {
			b.logger.Warn("venue notification failed", slog.String("error", err.Error()))
		}
	case domain.VenueUp:
		if !seen {
			return // initial UP is not news
		}
		msg := fmt.Sprintf("Venue %s recovered (sequence %d).", status.Venue, status.LastSequence)
		if err := b.notifier.Notify(ctx, EventVenueUp, "Venue recovered", msg); err != nil {
			b.logger.Warn("venue notification failed", slog.String("error", err.Error()))
		}
	}
}
