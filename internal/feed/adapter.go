// Package feed turns raw per-venue websocket log streams into normalized
// domain.VenueEvent values with per-venue monotonic sequencing, and owns the
// reconnect/resync lifecycle that keeps the market store honest about what
// each venue currently knows.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/atalantalabs/atalanta/internal/domain"
	"github.com/atalantalabs/atalanta/internal/platform/evm"
)

// EventSink receives normalized events in venue sequence order.
type EventSink func(ctx context.Context, ev domain.VenueEvent)

// StatusSink receives venue health transitions.
type StatusSink func(ctx context.Context, st domain.VenueStatus)

// logStream is the subscription surface of evm.WSClient.
type logStream interface {
	SubscribeLogs(ctx context.Context, f evm.LogFilter) error
	OnLog(evm.LogHandler)
	Done() <-chan struct{}
	Err() error
	Close()
}

// chainReader is the refetch surface of evm.Client.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetReserves(ctx context.Context, pool common.Address) (evm.Reserves, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Options tunes the reconnect and resync behavior of one adapter.
type Options struct {
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectBudget int
	ResyncTimeout   time.Duration
	// ResyncMaxBlocks bounds gap replay; wider gaps get a reserve refetch.
	ResyncMaxBlocks uint64
	ProbeEvery      time.Duration
}

type poolInfo struct {
	token0 common.Address
	token1 common.Address
	token  common.Address // the non-WETH side
}

// VenueAdapter runs one venue's event stream: connect, subscribe, normalize,
// detect gaps, resync, and publish health. Events reach the sink from a
// single goroutine, so per-venue ordering is preserved end to end.
type VenueAdapter struct {
	info   domain.VenueInfo
	weth   common.Address
	dial   func(ctx context.Context) (logStream, error)
	chain  chainReader
	sink   EventSink
	status StatusSink
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	pools      map[common.Address]poolInfo
	lastSeq    uint64
	lastBlock  uint64
	lastEvent  time.Time
	reconnects int

	resyncing atomic.Bool
	state     atomic.Value // domain.VenueState
}

// NewVenueAdapter builds an adapter for one venue. dial is called for every
// connection attempt and must return a fresh, connected stream.
func NewVenueAdapter(
	info domain.VenueInfo,
	weth common.Address,
	dial func(ctx context.Context) (logStream, error),
	chain chainReader,
	sink EventSink,
	status StatusSink,
	opts Options,
	logger *slog.Logger,
) *VenueAdapter {
	a := &VenueAdapter{
		info:   info,
		weth:   weth,
		dial:   dial,
		chain:  chain,
		sink:   sink,
		status: status,
		opts:   opts,
		logger: logger.With(slog.String("component", "feed"), slog.String("venue", string(info.ID))),
		pools:  make(map[common.Address]poolInfo),
	}
	a.state.Store(domain.VenueDownState)
	return a
}

// State returns the adapter's current health state.
func (a *VenueAdapter) State() domain.VenueState {
	return a.state.Load().(domain.VenueState)
}

// TrackPool registers a pool whose Sync/Swap logs the adapter should
// normalize. token0/token1 must match the pool's own ordering.
func (a *VenueAdapter) TrackPool(pool, token0, token1 common.Address) {
	token := token0
	if token0 == a.weth {
		token = token1
	}
	a.mu.Lock()
	a.pools[pool] = poolInfo{token0: token0, token1: token1, token: token}
	a.mu.Unlock()
}

// Run drives the connection lifecycle until ctx is cancelled. Connection
// failures back off exponentially with jitter; once the reconnect budget is
// exhausted the venue goes DOWN and only the slower health probe keeps
// trying.
func (a *VenueAdapter) Run(ctx context.Context) error {
	bo := backoff{base: a.opts.ReconnectBase, max: a.opts.ReconnectMax}
	attempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := a.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("stream disconnected", slog.String("error", err.Error()))

		attempt++
		a.mu.Lock()
		a.reconnects++
		a.mu.Unlock()

		if attempt > a.opts.ReconnectBudget {
			a.setState(ctx, domain.VenueDownState)
			a.logger.Error("reconnect budget exhausted, venue down",
				slog.Int("attempts", attempt))
			if err := a.probeUntilUp(ctx); err != nil {
				return err
			}
			attempt = 0
			bo.reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.next()):
		}
	}
}

// runConnection dials, subscribes, resyncs if this is not the first
// connection, and then blocks until the stream dies or ctx is cancelled.
func (a *VenueAdapter) runConnection(ctx context.Context) error {
	stream, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer stream.Close()

	stream.OnLog(func(lg types.Log) { a.handleLog(ctx, lg) })

	if err := stream.SubscribeLogs(ctx, a.filter()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	a.mu.Lock()
	hadGap := a.lastSeq > 0
	a.mu.Unlock()

	if hadGap {
		a.setState(ctx, domain.VenueResyncing)
		a.resyncing.Store(true)
		if err := a.resync(ctx); err != nil {
			a.logger.Warn("resync failed, events stay unverified",
				slog.String("error", err.Error()))
		} else {
			a.resyncing.Store(false)
		}
	}
	a.setState(ctx, domain.VenueUp)
	a.logger.Info("stream up", slog.Int("pools", a.poolCount()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stream.Done():
		err := stream.Err()
		if err == nil {
			err = domain.ErrWSDisconnect
		}
		return err
	}
}

func (a *VenueAdapter) filter() evm.LogFilter {
	a.mu.Lock()
	addrs := make([]common.Address, 0, len(a.pools)+1)
	if !a.info.Perps {
		addrs = append(addrs, a.info.Factory)
	} else {
		addrs = append(addrs, a.info.Router)
	}
	for pool := range a.pools {
		addrs = append(addrs, pool)
	}
	a.mu.Unlock()

	topics := [][]common.Hash{{evm.TopicPairCreated, evm.TopicSync, evm.TopicSwap, evm.TopicPositionLiquidatable}}
	return evm.LogFilter{Addresses: addrs, Topics: topics}
}

// handleLog normalizes one raw log. Runs on the stream's read goroutine.
func (a *VenueAdapter) handleLog(ctx context.Context, lg types.Log) {
	if lg.Removed {
		return
	}
	seq := evm.SequenceOf(lg)

	a.mu.Lock()
	if seq <= a.lastSeq {
		a.mu.Unlock()
		return
	}
	// A jump of more than one block while connected means the node skipped
	// logs under us; flag the stream unverified until a resync completes.
	if a.lastBlock > 0 && lg.BlockNumber > a.lastBlock+1 && !a.resyncing.Load() {
		a.resyncing.Store(true)
		go a.resyncAndClear(ctx)
	}
	a.lastSeq = seq
	a.lastBlock = lg.BlockNumber
	a.lastEvent = time.Now()
	a.mu.Unlock()

	if len(lg.Topics) == 0 {
		return
	}
	switch lg.Topics[0] {
	case evm.TopicPairCreated:
		a.handlePairCreated(ctx, lg, seq)
	case evm.TopicSync:
		a.handleSync(ctx, lg, seq)
	case evm.TopicSwap:
		a.handleSwap(ctx, lg, seq)
	case evm.TopicPositionLiquidatable:
		a.handleLiquidation(ctx, lg, seq)
	}
}

func (a *VenueAdapter) handlePairCreated(ctx context.Context, lg types.Log, seq uint64) {
	pc, err := evm.ParsePairCreated(lg)
	if err != nil {
		a.logger.Warn("dropping bad PairCreated", slog.String("error", err.Error()))
		return
	}
	// Only WETH pairs are tradable by this engine.
	if pc.Token0 != a.weth && pc.Token1 != a.weth {
		return
	}
	a.TrackPool(pc.Pair, pc.Token0, pc.Token1)

	a.mu.Lock()
	info := a.pools[pc.Pair]
	a.mu.Unlock()

	a.sink(ctx, domain.VenueEvent{
		Venue:      a.info.ID,
		Pair:       pc.Pair,
		Token:      info.token,
		Kind:       domain.EventPoolCreated,
		Sequence:   seq,
		Unverified: a.resyncing.Load(),
		ObservedAt: time.Now(),
		PoolCreated: &domain.PoolCreatedPayload{
			Token0: pc.Token0,
			Token1: pc.Token1,
			Pair:   pc.Pair,
			PairN:  pc.PairN,
			TxHash: pc.TxHash,
		},
	})
}

func (a *VenueAdapter) handleSync(ctx context.Context, lg types.Log, seq uint64) {
	a.mu.Lock()
	info, tracked := a.pools[lg.Address]
	a.mu.Unlock()
	if !tracked {
		return
	}
	sy, err := evm.ParseSync(lg)
	if err != nil {
		a.logger.Warn("dropping bad Sync", slog.String("error", err.Error()))
		return
	}
	a.sink(ctx, domain.VenueEvent{
		Venue:      a.info.ID,
		Pair:       lg.Address,
		Token:      info.token,
		Kind:       domain.EventLiquidityChanged,
		Sequence:   seq,
		Unverified: a.resyncing.Load(),
		ObservedAt: time.Now(),
		Liquidity: &domain.LiquidityPayload{
			Reserve0: sy.Reserve0,
			Reserve1: sy.Reserve1,
		},
	})
}

func (a *VenueAdapter) handleSwap(ctx context.Context, lg types.Log, seq uint64) {
	a.mu.Lock()
	info, tracked := a.pools[lg.Address]
	a.mu.Unlock()
	if !tracked {
		return
	}
	sw, err := evm.ParseSwap(lg)
	if err != nil {
		a.logger.Warn("dropping bad Swap", slog.String("error", err.Error()))
		return
	}
	// Reserves ride on the Sync log emitted just before the Swap in the same
	// transaction; the market store already folded it, so the swap event only
	// carries amounts.
	a.sink(ctx, domain.VenueEvent{
		Venue:      a.info.ID,
		Pair:       lg.Address,
		Token:      info.token,
		Kind:       domain.EventSwap,
		Sequence:   seq,
		Unverified: a.resyncing.Load(),
		ObservedAt: time.Now(),
		Swap: &domain.SwapPayload{
			Amount0In:  sw.Amount0In,
			Amount1In:  sw.Amount1In,
			Amount0Out: sw.Amount0Out,
			Amount1Out: sw.Amount1Out,
		},
	})
}

func (a *VenueAdapter) handleLiquidation(ctx context.Context, lg types.Log, seq uint64) {
	pl, err := evm.ParsePositionLiquidatable(lg)
	if err != nil {
		a.logger.Warn("dropping bad PositionLiquidatable", slog.String("error", err.Error()))
		return
	}
	a.sink(ctx, domain.VenueEvent{
		Venue:      a.info.ID,
		Pair:       lg.Address,
		Kind:       domain.EventLiquidationTrigger,
		Sequence:   seq,
		Unverified: a.resyncing.Load(),
		ObservedAt: time.Now(),
		Liquidation: &domain.LiquidationPayload{
			PositionID:    pl.PositionID.Hex(),
			Account:       pl.Account,
			CollateralWei: pl.Collateral,
			DebtWei:       pl.Debt,
			HealthFactor:  pl.HealthFactor,
			BonusBps:      pl.BonusBps,
		},
	})
}

// resync closes a sequence gap. Short gaps replay the missed logs; anything
// wider gets authoritative reserve refetches for every tracked pool, emitted
// as verified liquidity events at the head sequence.
func (a *VenueAdapter) resync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ResyncTimeout)
	defer cancel()

	head, err := a.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head block: %w", err)
	}

	a.mu.Lock()
	fromBlock := a.lastBlock + 1
	pools := make([]common.Address, 0, len(a.pools))
	tokens := make(map[common.Address]poolInfo, len(a.pools))
	for p, info := range a.pools {
		pools = append(pools, p)
		tokens[p] = info
	}
	a.mu.Unlock()

	if fromBlock > 1 && head >= fromBlock && head-fromBlock <= a.opts.ResyncMaxBlocks {
		return a.replayGap(ctx, fromBlock, head, pools)
	}
	return a.refetchReserves(ctx, head, pools, tokens)
}

func (a *VenueAdapter) replayGap(ctx context.Context, from, to uint64, pools []common.Address) error {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: append([]common.Address{a.info.Factory}, pools...),
	}
	logs, err := a.chain.FilterLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("replay %d-%d: %w", from, to, err)
	}
	a.logger.Info("replaying gap",
		slog.Uint64("from", from), slog.Uint64("to", to), slog.Int("logs", len(logs)))
	for _, lg := range logs {
		a.handleLog(ctx, lg)
	}
	return nil
}

func (a *VenueAdapter) refetchReserves(ctx context.Context, head uint64, pools []common.Address, infos map[common.Address]poolInfo) error {
	seqBase := head << 16
	for i, pool := range pools {
		res, err := a.chain.GetReserves(ctx, pool)
		if err != nil {
			return fmt.Errorf("refetch %s: %w", pool.Hex(), err)
		}
		seq := seqBase | uint64(i&0xffff)
		a.mu.Lock()
		if seq > a.lastSeq {
			a.lastSeq = seq
			a.lastBlock = head
		}
		a.mu.Unlock()
		a.sink(ctx, domain.VenueEvent{
			Venue:      a.info.ID,
			Pair:       pool,
			Token:      infos[pool].token,
			Kind:       domain.EventLiquidityChanged,
			Sequence:   seq,
			ObservedAt: time.Now(),
			Liquidity: &domain.LiquidityPayload{
				Reserve0: res.Reserve0,
				Reserve1: res.Reserve1,
			},
		})
	}
	a.logger.Info("reserve refetch complete",
		slog.Uint64("head", head), slog.Int("pools", len(pools)))
	return nil
}

func (a *VenueAdapter) resyncAndClear(ctx context.Context) {
	a.setState(ctx, domain.VenueResyncing)
	if err := a.resync(ctx); err != nil {
		a.logger.Warn("in-stream resync failed", slog.String("error", err.Error()))
		return
	}
	a.resyncing.Store(false)
	a.setState(ctx, domain.VenueUp)
}

// probeUntilUp retries the chain at the health-probe interval while the venue
// is DOWN. Returns once a probe succeeds, leaving Run to reconnect.
func (a *VenueAdapter) probeUntilUp(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.ProbeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := a.chain.BlockNumber(probeCtx)
			cancel()
			if err == nil {
				a.logger.Info("health probe succeeded, reconnecting")
				return nil
			}
			a.logger.Debug("health probe failed", slog.String("error", err.Error()))
		}
	}
}

func (a *VenueAdapter) setState(ctx context.Context, st domain.VenueState) {
	a.state.Store(st)
	if a.status == nil {
		return
	}
	a.mu.Lock()
	status := domain.VenueStatus{
		Venue:        a.info.ID,
		State:        st,
		LastSequence: a.lastSeq,
		Reconnects:   a.reconnects,
	}
	if !a.lastEvent.IsZero() {
		status.LastEventAt = a.lastEvent.UnixMilli()
	}
	a.mu.Unlock()
	a.status(ctx, status)
}

func (a *VenueAdapter) poolCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pools)
}
