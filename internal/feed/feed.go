package feed

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/atalantalabs/atalanta/internal/domain"
	"github.com/atalantalabs/atalanta/internal/platform/evm"
)

// Engine runs one VenueAdapter per configured venue and reports aggregate
// health. A single venue failing permanently does not take the others down.
type Engine struct {
	adapters map[domain.VenueID]*VenueAdapter
	logger   *slog.Logger
}

// DialWS returns a dial function for NewVenueAdapter that opens a fresh
// websocket subscription client against the given endpoint.
func DialWS(url string, logger *slog.Logger) func(ctx context.Context) (logStream, error) {
	return func(ctx context.Context) (logStream, error) {
		c := evm.NewWSClient(url, logger)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// NewEngine groups adapters for lifecycle management.
func NewEngine(adapters []*VenueAdapter, logger *slog.Logger) *Engine {
	m := make(map[domain.VenueID]*VenueAdapter, len(adapters))
	for _, a := range adapters {
		m[a.info.ID] = a
	}
	return &Engine{adapters: m, logger: logger.With(slog.String("component", "feed_engine"))}
}

// Run blocks until ctx is cancelled. Adapter errors other than cancellation
// are logged and swallowed so one venue cannot stop the rest.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for id, a := range e.adapters {
		g.Go(func() error {
			err := a.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("venue adapter stopped",
					slog.String("venue", string(id)), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	<-ctx.Done()
	_ = g.Wait()
	return ctx.Err()
}

// States snapshots every adapter's health state.
func (e *Engine) States() map[domain.VenueID]domain.VenueState {
	out := make(map[domain.VenueID]domain.VenueState, len(e.adapters))
	for id, a := range e.adapters {
		out[id] = a.State()
	}
	return out
}
