package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atalantalabs/atalanta/internal/cache/redis"
	"github.com/atalantalabs/atalanta/internal/crypto"
	"github.com/atalantalabs/atalanta/internal/detect"
	"github.com/atalantalabs/atalanta/internal/domain"
	"github.com/atalantalabs/atalanta/internal/exec"
	"github.com/atalantalabs/atalanta/internal/feed"
	"github.com/atalantalabs/atalanta/internal/market"
	"github.com/atalantalabs/atalanta/internal/notify"
	"github.com/atalantalabs/atalanta/internal/platform/evm"
	"github.com/atalantalabs/atalanta/internal/platform/walletd"
	"github.com/atalantalabs/atalanta/internal/predict"
	"github.com/atalantalabs/atalanta/internal/risk"
	"github.com/atalantalabs/atalanta/internal/server"
	"github.com/atalantalabs/atalanta/internal/server/handler"
	"github.com/atalantalabs/atalanta/internal/server/ws"
)

// pipeline bundles market state, venue feeds, risk, and detection for the
// modes that consume the on-chain event stream.
type pipeline struct {
	venues   map[domain.VenueID]domain.VenueInfo
	weth     common.Address
	market   *market.Store
	chain    *evm.Client
	features *risk.ChainFeatureSource
	riskEval *risk.Evaluator
	scorer   *predict.Scorer
	registry *detect.Registry
	arb      *detect.ArbStrategy
	engine   *detect.Engine // nil when detection is disabled
	feeds    *feed.Engine
	oppCh    chan domain.Opportunity
	bridge   *notify.Bridge
}

// FullMode runs the complete engine: venue feeds, market store, detection,
// risk gating, execution through the external signer, reconciliation,
// archival, notifications, and the HTTP/WebSocket API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	p, err := a.buildPipeline(ctx, deps, true)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	defer p.chain.Close()

	signer, err := a.buildSigner()
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	coord, err := a.buildCoordinator(deps, p, signer)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	execIn := make(chan domain.Opportunity, 32)
	g.Go(func() error {
		return a.fanOutOpportunities(ctx, deps, p.oppCh, execIn)
	})
	g.Go(func() error {
		return coord.Run(ctx, execIn)
	})
	g.Go(func() error {
		return a.fanOutExecutions(ctx, deps, p.bridge, coord.Results())
	})

	// Reconciler restores held keys from a previous process, then polls the
	// signer for timed-out submissions.
	reconciler := exec.NewReconciler(coord, signer, deps.ExecutionStore, a.cfg.Exec.ReconcileEvery.Duration, a.logger)
	g.Go(func() error {
		return reconciler.Run(ctx)
	})

	g.Go(func() error {
		return p.engine.Run(ctx)
	})
	g.Go(func() error {
		return p.feeds.Run(ctx)
	})

	if deps.Archiver != nil && a.cfg.S3.RetentionDays > 0 {
		g.Go(func() error {
			return a.runArchiver(ctx, deps)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, p, coord, signer)
	}

	return g.Wait()
}

// DetectMode runs feeds and detection but never submits: detected
// opportunities are published and logged only. Useful for tuning thresholds
// against live markets.
func (a *App) DetectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting detect mode")

	g, ctx := errgroup.WithContext(ctx)

	p, err := a.buildPipeline(ctx, deps, true)
	if err != nil {
		return fmt.Errorf("detect mode: %w", err)
	}
	defer p.chain.Close()

	g.Go(func() error {
		return a.fanOutOpportunities(ctx, deps, p.oppCh, nil)
	})
	g.Go(func() error {
		return p.engine.Run(ctx)
	})
	g.Go(func() error {
		return p.feeds.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, p, nil, nil)
	}

	return g.Wait()
}

// MonitorMode runs feeds and the market store for read-only observation: the
// price cache, venue health surface, and API stay live but no strategies run.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	p, err := a.buildPipeline(ctx, deps, false)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	defer p.chain.Close()

	g.Go(func() error {
		return p.feeds.Run(ctx)
	})

	// HTTP server is always started in monitor mode.
	a.startHTTPServer(ctx, g, deps, p, nil, nil)

	return g.Wait()
}

// ServerMode serves the API over persisted history and shared caches without
// touching the chain. Intended for standalone API nodes next to an engine
// instance that shares the same Postgres and Redis.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	if deps.Archiver != nil && a.cfg.S3.RetentionDays > 0 {
		g.Go(func() error {
			return a.runArchiver(ctx, deps)
		})
	}

	a.startHTTPServer(ctx, g, deps, nil, nil, nil)

	return g.Wait()
}

// buildPipeline wires the event path: venue feeds into the market store,
// deltas into the detector, swap activity into the feature source, and venue
// health into the status cache, signal bus, and notifier.
func (a *App) buildPipeline(ctx context.Context, deps *Dependencies, withDetect bool) (*pipeline, error) {
	weth := common.HexToAddress(a.cfg.Chain.WETH)

	p := &pipeline{
		venues: a.venueInfos(),
		weth:   weth,
		market: market.NewStore(weth, a.logger),
		bridge: notify.NewBridge(deps.Notifier, a.logger),
	}

	chain, err := evm.Dial(ctx, a.cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain rpc: %w", err)
	}
	p.chain = chain

	p.features = risk.NewChainFeatureSource(
		chain,
		p.market,
		a.launchRouter(),
		weth,
		common.HexToAddress(a.cfg.Exec.Recipient),
		a.logger,
	)
	p.riskEval = risk.NewEvaluator(p.features, risk.Thresholds{
		MinLiquidityETH:   a.cfg.Risk.MinLiquidityETH,
		MaxTopHolderShare: a.cfg.Risk.MaxTopHolderShare,
		MaxDevWalletShare: a.cfg.Risk.MaxDevWalletShare,
		MaxSellTaxBps:     a.cfg.Risk.MaxSellTaxBps,
		EvalTimeout:       a.cfg.Risk.EvalTimeout.Duration,
	}, 10*time.Second, a.logger)
	p.scorer = predict.NewScorer(30*time.Minute, a.logger)

	if withDetect {
		opts := a.detectOptions()
		gas := detect.GasModel{
			GasLimit:    a.cfg.Exec.GasLimit,
			GasPriceWei: gweiToWei(a.cfg.Exec.MaxGasPriceGwei * a.cfg.Exec.GasMultiplier),
		}

		p.registry = detect.NewRegistry()
		p.registry.Register(detect.NewSnipeStrategy(opts, gas))
		p.arb = detect.NewArbStrategy(p.market, p.venues, weth, opts, gas)
		p.registry.Register(p.arb)
		p.registry.Register(detect.NewLiquidationStrategy(opts, gas))

		filter := detect.NewTokenFilter(a.cfg.Detect.Blacklist, a.cfg.Detect.Whitelist)
		p.oppCh = make(chan domain.Opportunity, 64)
		p.engine = detect.NewEngine(
			p.registry,
			filter,
			&launchConfidence{features: p.features, scorer: p.scorer},
			p.riskEval,
			p.oppCh,
			opts,
			a.logger,
		)
	}

	sink := func(ctx context.Context, ev domain.VenueEvent) {
		p.features.Observe(ev)
		delta, err := p.market.Apply(ev)
		if err != nil {
			if !errors.Is(err, domain.ErrStaleEvent) {
				a.logger.Warn("market apply failed",
					slog.String("venue", string(ev.Venue)),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if delta.Kind == domain.DeltaNone {
			return
		}
		if snap := delta.Snapshot; snap.Price > 0 && deps.PriceCache != nil {
			if err := deps.PriceCache.SetPrice(ctx, delta.Key, snap.Price, snap.UpdatedAt); err != nil {
				a.logger.Debug("price cache update failed", slog.String("error", err.Error()))
			}
		}
		if p.engine != nil {
			_ = p.engine.HandleDelta(ctx, delta)
		}
	}

	status := func(ctx context.Context, st domain.VenueStatus) {
		p.market.SetVenueDown(st.Venue, st.State == domain.VenueDownState)
		if deps.VenueStatusCache != nil {
			if err := deps.VenueStatusCache.Set(ctx, st); err != nil {
				a.logger.Debug("venue status cache update failed", slog.String("error", err.Error()))
			}
		}
		a.publish(ctx, deps, redis.ChannelVenueStatus, "venue_status", map[string]any{
			"venue":         string(st.Venue),
			"state":         string(st.State),
			"last_sequence": st.LastSequence,
			"reconnects":    st.Reconnects,
		})
		p.bridge.OnVenueStatus(ctx, st)
	}

	feedOpts := feed.Options{
		ReconnectBase:   a.cfg.Feed.ReconnectBase.Duration,
		ReconnectMax:    a.cfg.Feed.ReconnectMax.Duration,
		ReconnectBudget: a.cfg.Feed.ReconnectBudget,
		ResyncTimeout:   a.cfg.Feed.ResyncTimeout.Duration,
		ResyncMaxBlocks: a.cfg.Feed.ResyncMaxBlocks,
		ProbeEvery:      a.cfg.Feed.HealthProbeEvery.Duration,
	}

	adapters := make([]*feed.VenueAdapter, 0, len(a.cfg.Venues))
	for _, vc := range a.cfg.Venues {
		info := p.venues[domain.VenueID(vc.ID)]
		wsURL := vc.WSURL
		if wsURL == "" {
			wsURL = a.cfg.Chain.WSURL
		}
		adapters = append(adapters, feed.NewVenueAdapter(
			info,
			weth,
			feed.DialWS(wsURL, a.logger),
			chain,
			sink,
			status,
			feedOpts,
			a.logger,
		))
	}
	p.feeds = feed.NewEngine(adapters, a.logger)

	return p, nil
}

// buildSigner resolves the signer API token and constructs the walletd
// client for the configured lane.
func (a *App) buildSigner() (*walletd.Client, error) {
	token, err := crypto.LoadToken(crypto.TokenConfig{
		RawToken:      a.cfg.Signer.APIToken,
		EncryptedPath: a.cfg.Signer.EncryptedTokenPath,
		Password:      a.cfg.Signer.TokenPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("signer token: %w", err)
	}

	client := walletd.NewClient(
		a.cfg.Signer.BaseURL,
		token,
		a.cfg.Exec.WalletLane,
		a.cfg.Signer.RequestTimeout.Duration,
	)
	if a.cfg.Signer.HMACKeyID != "" && a.cfg.Signer.HMACSecret != "" {
		client = client.WithRequestAuth(&crypto.RequestAuth{
			KeyID:  a.cfg.Signer.HMACKeyID,
			Secret: a.cfg.Signer.HMACSecret,
		})
	}
	return client, nil
}

func (a *App) buildCoordinator(deps *Dependencies, p *pipeline, signer *walletd.Client) (*exec.Coordinator, error) {
	if a.cfg.Exec.Recipient == "" {
		return nil, errors.New("exec: recipient address not configured")
	}

	builder := exec.NewIntentBuilder(
		p.venues,
		p.weth,
		common.HexToAddress(a.cfg.Exec.Recipient),
		a.cfg.Exec.GasLimit,
		gweiToWei(a.cfg.Exec.MaxGasPriceGwei),
	)

	var locks domain.LockManager
	if a.cfg.Exec.DistributedLock {
		locks = deps.LockManager
	}

	return exec.NewCoordinator(
		builder,
		signer,
		a.revalidator(p),
		marketPrices{store: p.market},
		locks,
		deps.ExecutionStore,
		deps.OpportunityStore,
		deps.AuditStore,
		exec.Options{
			WalletLane:      a.cfg.Exec.WalletLane,
			SubmitTimeout:   a.cfg.Exec.SubmitTimeout.Duration,
			DistributedLock: a.cfg.Exec.DistributedLock,
		},
		uuid.NewString,
		a.logger,
	), nil
}

// revalidator re-checks an opportunity against current market state after its
// resource key is locked. The market has usually moved by then; anything that
// no longer clears the profit floor is aborted before an intent is built.
func (a *App) revalidator(p *pipeline) exec.Revalidator {
	minMargin := a.cfg.Detect.MinProfitBps
	return func(opp domain.Opportunity) error {
		switch opp.Kind {
		case domain.OppArbitrage:
			if p.arb == nil {
				return nil
			}
			cur, ok := p.arb.Scan(opp.Token)
			if !ok || cur.NetMarginBps < minMargin {
				return domain.ErrNotProfitable
			}
			if cur.BuyVenue != opp.BuyVenue || cur.SellVenue != opp.SellVenue {
				// The profitable direction flipped; the priced path is gone.
				return domain.ErrNotProfitable
			}
		case domain.OppSnipe:
			for _, snap := range p.market.SnapshotsForToken(opp.Token) {
				if snap.Key.Venue == opp.BuyVenue {
					if snap.Unverified {
						return domain.ErrNotProfitable
					}
					return nil
				}
			}
			return domain.ErrNotProfitable
		}
		return nil
	}
}

// fanOutOpportunities persists and publishes every detected opportunity, then
// forwards it to the executor when one is attached.
func (a *App) fanOutOpportunities(ctx context.Context, deps *Dependencies, in <-chan domain.Opportunity, out chan<- domain.Opportunity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-in:
			if !ok {
				return nil
			}
			if deps.OpportunityStore != nil {
				if err := deps.OpportunityStore.Insert(ctx, opp); err != nil {
					a.logger.Warn("opportunity insert failed",
						slog.String("id", opp.ID), slog.String("error", err.Error()))
				}
			}
			a.publish(ctx, deps, redis.ChannelOpportunities, "opportunity", map[string]any{
				"id":                 opp.ID,
				"kind":               string(opp.Kind),
				"token":              opp.Token.Hex(),
				"buy_venue":          string(opp.BuyVenue),
				"sell_venue":         string(opp.SellVenue),
				"amount_eth":         opp.AmountETH,
				"expected_value_eth": opp.ExpectedValueETH,
				"net_margin_bps":     opp.NetMarginBps,
				"confidence":         opp.Confidence,
				"expires_at":         opp.ExpiresAt.UTC().Format(time.RFC3339),
			})
			if out == nil {
				continue
			}
			select {
			case out <- opp:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// fanOutExecutions publishes finished execution records and pushes them to
// the notifier bridge.
func (a *App) fanOutExecutions(ctx context.Context, deps *Dependencies, bridge *notify.Bridge, results <-chan domain.ExecutionRecord) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-results:
			if !ok {
				return nil
			}
			a.publish(ctx, deps, redis.ChannelExecutions, "execution", map[string]any{
				"id":           rec.ID,
				"kind":         string(rec.Kind),
				"token":        rec.Token.Hex(),
				"state":        string(rec.State),
				"tx_hash":      rec.TxHash,
				"amount_eth":   rec.AmountETH,
				"realized_eth": rec.RealizedETH,
				"fail_reason":  rec.FailReason,
			})
			bridge.OnExecution(ctx, rec)
		}
	}
}

// runArchiver moves aged executions and opportunities to object storage once
// a day, pruning rows past the retention window.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	archive := func() {
		before := time.Now().UTC().AddDate(0, 0, -a.cfg.S3.RetentionDays)
		if _, err := deps.Archiver.ArchiveExecutions(ctx, before); err != nil {
			a.logger.Error("execution archive failed", slog.String("error", err.Error()))
		}
		if _, err := deps.Archiver.ArchiveOpportunities(ctx, before); err != nil {
			a.logger.Error("opportunity archive failed", slog.String("error", err.Error()))
		}
	}

	archive()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			archive()
		}
	}
}

// startHTTPServer adds the HTTP/WebSocket API goroutines to the errgroup.
// pipeline, coord, and signer may be nil; the handlers degrade to 501 for the
// endpoints that need them.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	p *pipeline,
	coord *exec.Coordinator,
	signer *walletd.Client,
) {
	started := time.Now().UTC()

	health := handler.NewHealthHandler(a.cfg.Mode, started, a.logger)
	if deps.Postgres != nil {
		health.WithProbe("postgres", deps.Postgres.Ping)
	}
	if deps.Redis != nil {
		health.WithProbe("redis", deps.Redis.Ping)
	}
	if deps.S3 != nil {
		health.WithProbe("s3", deps.S3.Health)
	}
	if signer != nil {
		health.WithProbe("signer", signer.Healthy)
	}

	var recent handler.RecentSource
	var strategies []string
	var acceptor handler.Acceptor
	var scanner handler.ArbScanner
	var tokens handler.TokenLister
	var riskGate handler.RiskGate
	var features handler.FeatureSource
	var scorer handler.LaunchScorer
	if p != nil {
		tokens = p.market
		riskGate = p.riskEval
		features = p.features
		scorer = p.scorer
		if p.engine != nil {
			recent = p.engine
		}
		if p.arb != nil {
			scanner = p.arb
		}
		if p.registry != nil {
			strategies = p.registry.List()
		}
	}
	if coord != nil {
		acceptor = coord
	}

	handlers := server.Handlers{
		Health:        health,
		Venues:        handler.NewVenueHandler(deps.VenueStatusCache, a.logger),
		Executions:    handler.NewExecutionHandler(deps.ExecutionStore, a.logger),
		Opportunities: handler.NewOpportunityHandler(deps.OpportunityStore, recent, a.logger),
		Engine: handler.NewEngineHandler(
			acceptor, scanner, tokens, riskGate, features, scorer,
			handler.SnipeDefaults{
				Venue:          a.launchVenue(),
				WalletLane:     a.cfg.Exec.WalletLane,
				SlippageBps:    a.cfg.Detect.DefaultSlipBps,
				MaxSlippageBps: a.cfg.Detect.MaxSlipBps,
				TTL:            a.cfg.Detect.OpportunityTTL.Duration,
			},
			a.logger,
		),
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:       a.cfg.Mode,
		Strategies: strategies,
		StartedAt:  started,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// publish sends a typed JSON envelope on the signal bus; failures are logged
// and never block the event path.
func (a *App) publish(ctx context.Context, deps *Dependencies, channel, kind string, payload map[string]any) {
	if deps.SignalBus == nil {
		return
	}
	data, err := json.Marshal(map[string]any{"type": kind, "payload": payload})
	if err != nil {
		return
	}
	if err := deps.SignalBus.Publish(ctx, channel, data); err != nil {
		a.logger.Debug("signal publish failed",
			slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

// venueInfos converts the configured venue roster into the domain registry.
func (a *App) venueInfos() map[domain.VenueID]domain.VenueInfo {
	m := make(map[domain.VenueID]domain.VenueInfo, len(a.cfg.Venues))
	for _, vc := range a.cfg.Venues {
		id := domain.VenueID(vc.ID)
		m[id] = domain.VenueInfo{
			ID:           id,
			Factory:      common.HexToAddress(vc.Factory),
			Router:       common.HexToAddress(vc.Router),
			FeeBps:       vc.FeeBps,
			EstLatencyMs: vc.EstLatencyMs,
			Perps:        vc.Perps,
		}
	}
	return m
}

// launchVenue is the venue whose factory launches are sniped: the first one
// marked track_launches, else the first non-perps venue.
func (a *App) launchVenue() domain.VenueID {
	for _, vc := range a.cfg.Venues {
		if vc.TrackLaunches {
			return domain.VenueID(vc.ID)
		}
	}
	for _, vc := range a.cfg.Venues {
		if !vc.Perps {
			return domain.VenueID(vc.ID)
		}
	}
	return ""
}

// launchRouter is the router used for sell simulations and prediction probes.
func (a *App) launchRouter() common.Address {
	id := a.launchVenue()
	for _, vc := range a.cfg.Venues {
		if domain.VenueID(vc.ID) == id {
			return common.HexToAddress(vc.Router)
		}
	}
	return common.Address{}
}

func (a *App) detectOptions() detect.Options {
	return detect.Options{
		MinProfitBps:        a.cfg.Detect.MinProfitBps,
		PriceMoveTriggerBps: a.cfg.Detect.PriceMoveTriggerBps,
		SnipeBudgetETH:      a.cfg.Detect.SnipeBudgetETH,
		ArbSizeETH:          a.cfg.Detect.ArbSizeETH,
		MinTradeETH:         a.cfg.Detect.MinTradeETH,
		DefaultSlippageBps:  a.cfg.Detect.DefaultSlipBps,
		MaxSlippageBps:      a.cfg.Detect.MaxSlipBps,
		MinLiquidityETH:     a.cfg.Risk.MinLiquidityETH,
		MinConfidence:       a.cfg.Detect.MinConfidence,
		OpportunityTTL:      a.cfg.Detect.OpportunityTTL.Duration,
		WalletLane:          a.cfg.Exec.WalletLane,
		RecentSize:          a.cfg.Detect.RecentWindowSize,
	}
}

// launchConfidence adapts the feature probe plus launch scorer to the
// detector's confidence gate.
type launchConfidence struct {
	features *risk.ChainFeatureSource
	scorer   *predict.Scorer
}

func (l *launchConfidence) Confidence(ctx context.Context, token common.Address) (int, error) {
	f, err := l.features.Features(ctx, token)
	if err != nil {
		return 0, err
	}
	return int(l.scorer.ScoreLaunch(f).Score), nil
}

// marketPrices adapts the market store to the coordinator's price source.
type marketPrices struct {
	store *market.Store
}

func (m marketPrices) Price(token string, venue domain.VenueID) (float64, bool) {
	for _, snap := range m.store.SnapshotsForToken(common.HexToAddress(token)) {
		if snap.Key.Venue == venue && snap.Price > 0 {
			return snap.Price, true
		}
	}
	return 0, false
}

func gweiToWei(gwei float64) *big.Int {
	return new(big.Int).SetUint64(uint64(gwei * 1e9))
}
