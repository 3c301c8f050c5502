package feed

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/atalantalabs/atalanta/internal/domain"
	"github.com/atalantalabs/atalanta/internal/platform/evm"
)

var (
	testWETH    = common.HexToAddress("0x4200000000000000000000000000000000000006")
	testFactory = common.HexToAddress("0x53447989580f541bc138d29A0FcCf72AfbBE1355")
	testPool    = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	testToken   = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
)

type fakeStream struct {
	mu      sync.Mutex
	handler evm.LogHandler
	filters []evm.LogFilter
	done    chan struct{}
	err     error
}

func newFakeStream() *fakeStream {
	return &fakeStream{done: make(chan struct{})}
}

func (s *fakeStream) SubscribeLogs(ctx context.Context, f evm.LogFilter) error {
	s.mu.Lock()
	s.filters = append(s.filters, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) OnLog(h evm.LogHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *fakeStream) emit(lg types.Log) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(lg)
	}
}

func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		s.err = err
		close(s.done)
	}
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }
func (s *fakeStream) Err() error            { return s.err }
func (s *fakeStream) Close()                { s.fail(errors.New("closed")) }

type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	reserves map[common.Address]evm.Reserves
	logs     []types.Log
	headErr  error
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.headErr
}

func (c *fakeChain) GetReserves(ctx context.Context, pool common.Address) (evm.Reserves, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reserves[pool]
	if !ok {
		return evm.Reserves{}, errors.New("unknown pool")
	}
	return r, nil
}

func (c *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs, nil
}

type collector struct {
	mu     sync.Mutex
	events []domain.VenueEvent
	status []domain.VenueStatus
}

func (c *collector) sink(ctx context.Context, ev domain.VenueEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) onStatus(ctx context.Context, st domain.VenueStatus) {
	c.mu.Lock()
	c.status = append(c.status, st)
	c.mu.Unlock()
}

func (c *collector) snapshot() []domain.VenueEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.VenueEvent, len(c.events))
	copy(out, c.events)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testAdapter(t *testing.T, dial func(ctx context.Context) (logStream, error), chain chainReader, col *collector, opts Options) *VenueAdapter {
	t.Helper()
	info := domain.VenueInfo{ID: domain.VenueKumbaya, Factory: testFactory, FeeBps: 30}
	return NewVenueAdapter(info, testWETH, dial, chain, col.sink, col.onStatus, opts, testLogger())
}

func pairCreatedLog(block uint64, idx uint, token0, token1, pool common.Address) types.Log {
	data := append(common.LeftPadBytes(pool.Bytes(), 32), common.LeftPadBytes(big.NewInt(1).Bytes(), 32)...)
	return types.Log{
		Address:     testFactory,
		Topics:      []common.Hash{evm.TopicPairCreated, common.BytesToHash(common.LeftPadBytes(token0.Bytes(), 32)), common.BytesToHash(common.LeftPadBytes(token1.Bytes(), 32))},
		Data:        data,
		BlockNumber: block,
		Index:       idx,
	}
}

func syncLog(block uint64, idx uint, pool common.Address, r0, r1 int64) types.Log {
	data := append(common.LeftPadBytes(big.NewInt(r0).Bytes(), 32), common.LeftPadBytes(big.NewInt(r1).Bytes(), 32)...)
	return types.Log{
		Address:     pool,
		Topics:      []common.Hash{evm.TopicSync},
		Data:        data,
		BlockNumber: block,
		Index:       idx,
	}
}

func TestPairCreatedTracksWETHPoolsOnly(t *testing.T) {
	col := &collector{}
	a := testAdapter(t, nil, &fakeChain{}, col, Options{})
	ctx := context.Background()

	a.handleLog(ctx, pairCreatedLog(100, 0, testWETH, testToken, testPool))

	other := common.HexToAddress("0xcccc000000000000000000000000000000000003")
	a.handleLog(ctx, pairCreatedLog(100, 1, testToken, other, common.HexToAddress("0xdddd000000000000000000000000000000000004")))

	events := col.snapshot()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (non-WETH pair must be ignored)", len(events))
	}
	ev := events[0]
	if ev.Kind != domain.EventPoolCreated || ev.Pair != testPool || ev.Token != testToken {
		t.Errorf("unexpected event: %+v", ev)
	}
	if a.poolCount() != 1 {
		t.Errorf("poolCount = %d, want 1", a.poolCount())
	}
}

func TestSyncOnTrackedPoolEmitsLiquidity(t *testing.T) {
	col := &collector{}
	a := testAdapter(t, nil, &fakeChain{}, col, Options{})
	ctx := context.Background()
	a.TrackPool(testPool, testWETH, testToken)

	a.handleLog(ctx, syncLog(101, 0, testPool, 5000, 6000))
	// Untracked pool is ignored.
	a.handleLog(ctx, syncLog(101, 1, common.HexToAddress("0xeeee000000000000000000000000000000000005"), 1, 1))

	events := col.snapshot()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != domain.EventLiquidityChanged {
		t.Fatalf("Kind = %s", ev.Kind)
	}
	if ev.Liquidity.Reserve0.Int64() != 5000 || ev.Liquidity.Reserve1.Int64() != 6000 {
		t.Errorf("reserves = %s/%s", ev.Liquidity.Reserve0, ev.Liquidity.Reserve1)
	}
	if ev.Sequence != 101<<16 {
		t.Errorf("Sequence = %d, want %d", ev.Sequence, uint64(101)<<16)
	}
}

func TestDuplicateAndStaleLogsDropped(t *testing.T) {
	col := &collector{}
	a := testAdapter(t, nil, &fakeChain{}, col, Options{})
	ctx := context.Background()
	a.TrackPool(testPool, testWETH, testToken)

	a.handleLog(ctx, syncLog(102, 3, testPool, 1, 1))
	a.handleLog(ctx, syncLog(102, 3, testPool, 1, 1)) // duplicate
	a.handleLog(ctx, syncLog(102, 1, testPool, 2, 2)) // stale

	if n := len(col.snapshot()); n != 1 {
		t.Errorf("got %d events, want 1", n)
	}
}

func TestBlockGapTriggersResyncAndVerifiedRefetch(t *testing.T) {
	col := &collector{}
	chain := &fakeChain{
		head: 210,
		reserves: map[common.Address]evm.Reserves{
			testPool: {Reserve0: big.NewInt(7777), Reserve1: big.NewInt(8888)},
		},
	}
	// ResyncMaxBlocks 0 forces the reserve-refetch path.
	a := testAdapter(t, nil, chain, col, Options{ResyncTimeout: time.Second})
	ctx := context.Background()
	a.TrackPool(testPool, testWETH, testToken)

	a.handleLog(ctx, syncLog(100, 0, testPool, 1, 1))
	// Jump from block 100 to 200: gap.
	a.handleLog(ctx, syncLog(200, 0, testPool, 2, 2))

	// resyncAndClear runs async; wait for the refetch event.
	deadline := time.Now().Add(2 * time.Second)
	var refetched bool
	for time.Now().Before(deadline) {
		for _, ev := range col.snapshot() {
			if ev.Kind == domain.EventLiquidityChanged && !ev.Unverified &&
				ev.Liquidity.Reserve0.Int64() == 7777 {
				refetched = true
			}
		}
		if refetched {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !refetched {
		t.Fatal("no verified refetch event after gap")
	}
	if a.resyncing.Load() {
		t.Error("resyncing flag still set after successful refetch")
	}

	// The in-gap event must have been tagged unverified.
	var gapTagged bool
	for _, ev := range col.snapshot() {
		if ev.Sequence == 200<<16 && ev.Unverified {
			gapTagged = true
		}
	}
	if !gapTagged {
		t.Error("event observed during the gap was not tagged unverified")
	}
}

func TestReconnectBudgetExhaustionMarksVenueDown(t *testing.T) {
	col := &collector{}
	chain := &fakeChain{headErr: errors.New("node down")}
	var dialOK atomic.Bool
	dial := func(ctx context.Context) (logStream, error) {
		if dialOK.Load() {
			return newFakeStream(), nil
		}
		return nil, errors.New("refused")
	}
	opts := Options{
		ReconnectBase:   time.Millisecond,
		ReconnectMax:    2 * time.Millisecond,
		ReconnectBudget: 2,
		ProbeEvery:      5 * time.Millisecond,
	}
	a := testAdapter(t, dial, chain, col, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if a.State() == domain.VenueDownState {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if a.State() != domain.VenueDownState {
		t.Error("venue not marked DOWN after budget exhaustion")
	}

	// Probe recovery: node comes back, adapter should dial again and go UP.
	chain.mu.Lock()
	chain.headErr = nil
	chain.head = 300
	chain.mu.Unlock()
	dialOK.Store(true)

	deadline = time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if a.State() == domain.VenueUp {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if a.State() != domain.VenueUp {
		t.Error("venue did not recover to UP after probe success")
	}
	cancel()
	<-done
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := backoff{base: 100 * time.Millisecond, max: time.Second}
	prevMax := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.next()
		if d > time.Second {
			t.Fatalf("delay %v exceeds cap", d)
		}
		if d < 50*time.Millisecond {
			t.Fatalf("delay %v below half the base", d)
		}
		if d > prevMax {
			prevMax = d
		}
	}
	if prevMax < 200*time.Millisecond {
		t.Errorf("backoff never grew past %v", prevMax)
	}
	b.reset()
	if b.attempt != 0 {
		t.Error("reset did not clear attempt counter")
	}
}
