package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atalantalabs/atalanta/internal/domain"
)

const deltaBuf = 64

// Engine fans snapshot deltas out to every registered strategy and runs each
// candidate through the filter, confidence, and risk pipeline before emitting
// it to the output channel consumed by the execution coordinator.
type Engine struct {
	registry *Registry
	filter   *TokenFilter
	scorer   ConfidenceScorer
	riskGate RiskGate
	out      chan<- domain.Opportunity
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	deltaChs map[string]chan domain.SnapshotDelta
	closed   bool

	recent *ring
}

// NewEngine wires the detection pipeline. out is consumed by the executor;
// sends respect context cancellation.
func NewEngine(
	registry *Registry,
	filter *TokenFilter,
	scorer ConfidenceScorer,
	riskGate RiskGate,
	out chan<- domain.Opportunity,
	opts Options,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		registry: registry,
		filter:   filter,
		scorer:   scorer,
		riskGate: riskGate,
		out:      out,
		opts:     opts,
		logger:   logger.With(slog.String("component", "detect_engine")),
		deltaChs: make(map[string]chan domain.SnapshotDelta),
		recent:   newRing(opts.RecentSize),
	}
}

// Recent returns up to limit recently emitted opportunities, newest first.
func (e *Engine) Recent(limit int) []domain.Opportunity {
	return e.recent.recent(limit)
}

// Filter exposes the token filter for the API surface.
func (e *Engine) Filter() *TokenFilter { return e.filter }

// HandleDelta fans a market delta out to every strategy channel. A strategy
// that cannot keep up loses deltas rather than backpressuring the market
// store; markets move on regardless.
func (e *Engine) HandleDelta(ctx context.Context, delta domain.SnapshotDelta) error {
	if delta.Kind == domain.DeltaNone {
		return nil
	}
	if delta.Kind == domain.DeltaPriceMove && abs(delta.PriceMoveBps) < e.opts.PriceMoveTriggerBps {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	chs := e.deltaChs
	e.mu.Unlock()

	for name, ch := range chs {
		select {
		case ch <- delta:
		case <-ctx.Done():
			return ctx.Err()
		default:
			e.logger.Debug("strategy lagging, delta dropped", slog.String("strategy", name))
		}
	}
	return nil
}

// Run starts one goroutine per registered strategy and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	names := e.registry.List()

	e.mu.Lock()
	for _, name := range names {
		e.deltaChs[name] = make(chan domain.SnapshotDelta, deltaBuf)
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		// The channels stay open: HandleDelta may hold a copy of the map
		// and send outside the mutex, and a send racing a close panics.
		// Receivers exit on ctx, and the closed flag stops later sends.
		e.deltaChs = make(map[string]chan domain.SnapshotDelta)
		e.closed = true
		e.mu.Unlock()
	}()

	e.logger.Info("detection engine started", slog.Any("strategies", names))
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			return e.runStrategy(gctx, name)
		})
	}
	return g.Wait()
}

func (e *Engine) runStrategy(ctx context.Context, name string) error {
	strat, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if err := strat.Init(ctx); err != nil {
		e.logger.Error("strategy init failed",
			slog.String("strategy", name), slog.String("error", err.Error()))
		return err
	}
	defer func() { _ = strat.Close() }()

	e.mu.Lock()
	ch := e.deltaChs[name]
	e.mu.Unlock()
	if ch == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delta, ok := <-ch:
			if !ok {
				return nil
			}
			candidates, err := strat.OnDelta(ctx, delta)
			if err != nil {
				e.logger.Warn("strategy error",
					slog.String("strategy", name), slog.String("error", err.Error()))
				continue
			}
			for _, c := range candidates {
				e.emit(ctx, c)
			}
		}
	}
}

// emit finalizes one candidate: identity, expiry, filter, confidence and
// risk gates, then the output channel. Dropped candidates are logged at
// debug, vetoes at info.
func (e *Engine) emit(ctx context.Context, opp domain.Opportunity) {
	if !e.filter.Allowed(opp.Token) {
		e.logger.Debug("token filtered", slog.String("token", opp.Token.Hex()))
		return
	}

	now := time.Now()
	opp.ID = uuid.NewString()
	opp.DetectedAt = now
	if opp.ExpiresAt.IsZero() {
		opp.ExpiresAt = now.Add(e.opts.OpportunityTTL)
	}
	if opp.ResourceKey == "" {
		opp.ResourceKey = domain.ResourceKey(opp.Token, e.opts.WalletLane)
	}
	if opp.SlippageBps == 0 {
		opp.SlippageBps = e.opts.DefaultSlippageBps
	}
	if opp.SlippageBps > e.opts.MaxSlippageBps {
		opp.SlippageBps = e.opts.MaxSlippageBps
	}

	switch opp.Kind {
	case domain.OppSnipe:
		if !e.gateSnipe(ctx, &opp) {
			return
		}
	case domain.OppArbitrage:
		// A honeypot listed on two venues shows a fake cross-venue margin
		// because the sell leg reverts, so arbitrage passes the same hard
		// veto as snipes.
		if !e.gateRisk(ctx, &opp) {
			return
		}
	}

	if opp.Expired(time.Now()) {
		e.logger.Debug("candidate expired during gating", slog.String("id", opp.ID))
		return
	}

	select {
	case e.out <- opp:
		e.recent.add(opp)
		e.logger.Info("opportunity emitted",
			slog.String("id", opp.ID),
			slog.String("kind", string(opp.Kind)),
			slog.String("token", opp.Token.Hex()),
			slog.Float64("expected_eth", opp.ExpectedValueETH),
			slog.Int("confidence", opp.Confidence))
	case <-ctx.Done():
	}
}

// gateSnipe applies the launch-score filter, the risk gate, and the
// confidence floor.
func (e *Engine) gateSnipe(ctx context.Context, opp *domain.Opportunity) bool {
	if e.scorer != nil {
		conf, err := e.scorer.Confidence(ctx, opp.Token)
		if err != nil {
			e.logger.Warn("confidence scoring failed, dropping",
				slog.String("token", opp.Token.Hex()), slog.String("error", err.Error()))
			return false
		}
		opp.Confidence = conf
	}

	if !e.gateRisk(ctx, opp) {
		return false
	}

	if opp.Confidence < e.opts.MinConfidence {
		e.logger.Debug("confidence below threshold",
			slog.String("token", opp.Token.Hex()), slog.Int("confidence", opp.Confidence))
		return false
	}
	return true
}

// gateRisk applies the hard risk veto to any candidate that swaps the
// token. Soft risk flags discount confidence instead of dropping the
// candidate; probe failures fail closed.
func (e *Engine) gateRisk(ctx context.Context, opp *domain.Opportunity) bool {
	if e.riskGate == nil {
		return true
	}
	report, err := e.riskGate.Evaluate(ctx, opp.Token)
	if err != nil {
		// Fail closed: no report, no trade.
		e.logger.Info("risk evaluation failed, dropping",
			slog.String("token", opp.Token.Hex()), slog.String("error", err.Error()))
		return false
	}
	if report.Veto() {
		e.filter.Ban(opp.Token)
		e.logger.Info("risk veto",
			slog.String("token", opp.Token.Hex()), slog.Int("score", report.Score))
		return false
	}
	opp.RiskScore = report.Score
	opp.Confidence -= 10 * report.SoftFlagCount()
	return true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
