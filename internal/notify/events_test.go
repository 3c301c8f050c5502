package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

type recordingSender struct {
	titles   []string
	messages []string
}

func (r *recordingSender) Send(ctx context.Context, title, message string) error {
	r.titles = append(r.titles, title)
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func newTestBridge(events []string) (*Bridge, *recordingSender) {
	sender := &recordingSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBridge(NewNotifier([]Sender{sender}, events, logger), logger), sender
}

func TestOnExecutionSettledMessage(t *testing.T) {
	b, sender := newTestBridge(nil)

	b.OnExecution(context.Background(), domain.ExecutionRecord{
		ID:          "exec-1",
		Kind:        domain.OppArbitrage,
		Token:       common.HexToAddress("0xaa"),
		State:       domain.ExecSettled,
		TxHash:      "0xfeed",
		AmountETH:   0.5,
		RealizedETH: 0.012,
	})

	if len(sender.titles) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sender.titles))
	}
	if sender.titles[0] != "Arbitrage settled" {
		t.Fatalf("title = %q", sender.titles[0])
	}
	msg := sender.messages[0]
	for _, want := range []string{"0.5000 ETH", "+0.012000 ETH", "0xfeed"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestOnExecutionNonTerminalIgnored(t *testing.T) {
	b, sender := newTestBridge(nil)
	b.OnExecution(context.Background(), domain.ExecutionRecord{
		ID:    "exec-1",
		State: domain.ExecSubmitted,
	})
	if len(sender.titles) != 0 {
		t.Fatalf("submitted state produced a notification")
	}
}

func TestEventFilterDropsUnlistedEvents(t *testing.T) {
	b, sender := newTestBridge([]string{EventExecFailed})

	b.OnExecution(context.Background(), domain.ExecutionRecord{
		ID: "a", Kind: domain.OppSnipe, State: domain.ExecSettled,
	})
	b.OnExecution(context.Background(), domain.ExecutionRecord{
		ID: "b", Kind: domain.OppSnipe, State: domain.ExecFailed, FailReason: "reverted",
	})

	if len(sender.titles) != 1 || sender.titles[0] != "Snipe failed" {
		t.Fatalf("titles = %v, want only the failure", sender.titles)
	}
}

func TestVenueStatusNotifiesOnTransitionsOnly(t *testing.T) {
	b, sender := newTestBridge(nil)
	ctx := context.Background()

	// Initial UP is not a transition worth reporting.
	b.OnVenueStatus(ctx, domain.VenueStatus{Venue: domain.VenueKumbaya, State: domain.VenueUp})
	if len(sender.titles) != 0 {
		t.Fatalf("initial UP notified")
	}

	b.OnVenueStatus(ctx, domain.VenueStatus{Venue: domain.VenueKumbaya, State: domain.VenueDownState, Reconnects: 5})
	b.OnVenueStatus(ctx, domain.VenueStatus{Venue: domain.VenueKumbaya, State: domain.VenueDownState, Reconnects: 6})
	b.OnVenueStatus(ctx, domain.VenueStatus{Venue: domain.VenueKumbaya, State: domain.VenueUp, LastSequence: 99})

	if len(sender.titles) != 2 {
		t.Fatalf("notifications = %d, want 2 (down once, recover once)", len(sender.titles))
	}
	if sender.titles[0] != "Venue down" || sender.titles[1] != "Venue recovered" {
		t.Fatalf("titles = %v", sender.titles)
	}
}
