package market

import (
	"errors"
	"log/slog"
	"math"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

var (
	testWETH  = common.HexToAddress("0x4200000000000000000000000000000000000006")
	testToken = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testPair  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func testStore() *Store {
	return NewStore(testWETH, slog.Default())
}

func eth(n float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(n), big.NewFloat(1e18))
	wei, _ := f.Int(nil)
	return wei
}

func poolCreated(venue domain.VenueID, seq uint64, reserveETH, reserveToken float64) domain.VenueEvent {
	return domain.VenueEvent{
		Venue:    venue,
		Pair:     testPair,
		Token:    testToken,
		Kind:     domain.EventPoolCreated,
		Sequence: seq,
		ObservedAt: time.Now(),
		PoolCreated: &domain.PoolCreatedPayload{
			Token0:   testWETH,
			Token1:   testToken,
			Pair:     testPair,
			Reserve0: eth(reserveETH),
			Reserve1: eth(reserveToken),
		},
	}
}

func syncEvent(venue domain.VenueID, seq uint64, reserveETH, reserveToken float64) domain.VenueEvent {
	return domain.VenueEvent{
		Venue:    venue,
		Pair:     testPair,
		Token:    testToken,
		Kind:     domain.EventLiquidityChanged,
		Sequence: seq,
		ObservedAt: time.Now(),
		Liquidity: &domain.LiquidityPayload{
			Reserve0: eth(reserveETH),
			Reserve1: eth(reserveToken),
		},
	}
}

func TestApplyDerivesPriceFromReserves(t *testing.T) {
	s := testStore()
	delta, err := s.Apply(poolCreated(domain.VenueKumbaya, 1, 10, 1000))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if delta.Kind != domain.DeltaPoolCreated {
		t.Fatalf("delta kind = %s, want pool_created", delta.Kind)
	}
	snap, ok := s.Read(domain.PairKey{Venue: domain.VenueKumbaya, Pair: testPair})
	if !ok {
		t.Fatal("expected snapshot after apply")
	}
	if math.Abs(snap.Price-0.01) > 1e-9 {
		t.Fatalf("price = %g, want 0.01", snap.Price)
	}
	if math.Abs(snap.LiquidityETH-10) > 1e-9 {
		t.Fatalf("liquidity = %g, want 10", snap.LiquidityETH)
	}
}

func TestApplyRejectsStaleAndDuplicate(t *testing.T) {
	s := testStore()
	if _, err := s.Apply(poolCreated(domain.VenueKumbaya, 5, 10, 1000)); err != nil {
		t.Fatalf("apply seq 5: %v", err)
	}

	// Duplicate.
	if _, err := s.Apply(poolCreated(domain.VenueKumbaya, 5, 99, 1)); !errors.Is(err, domain.ErrStaleEvent) {
		t.Fatalf("duplicate: err = %v, want ErrStaleEvent", err)
	}
	// Older.
	if _, err := s.Apply(syncEvent(domain.VenueKumbaya, 3, 99, 1)); !errors.Is(err, domain.ErrStaleEvent) {
		t.Fatalf("older: err = %v, want ErrStaleEvent", err)
	}

	snap, _ := s.Read(domain.PairKey{Venue: domain.VenueKumbaya, Pair: testPair})
	if snap.Sequence != 5 || math.Abs(snap.Price-0.01) > 1e-9 {
		t.Fatalf("stale events mutated state: seq=%d price=%g", snap.Sequence, snap.Price)
	}
}

// Delivering events shuffled (with duplicates) must converge to the same
// snapshot as delivering them in sorted per-venue order.
func TestOutOfOrderDeliveryConverges(t *testing.T) {
	events := []domain.VenueEvent{
		poolCreated(domain.VenueKumbaya, 1, 10, 1000),
		syncEvent(domain.VenueKumbaya, 2, 11, 910),
		syncEvent(domain.VenueKumbaya, 3, 12, 840),
		syncEvent(domain.VenueKumbaya, 4, 9, 1120),
		syncEvent(domain.VenueKumbaya, 5, 14, 730),
	}

	sorted := testStore()
	for _, ev := range events {
		if _, err := sorted.Apply(ev); err != nil {
			t.Fatalf("sorted apply seq %d: %v", ev.Sequence, err)
		}
	}
	want, _ := sorted.Read(domain.PairKey{Venue: domain.VenueKumbaya, Pair: testPair})

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]domain.VenueEvent{}, events...)
		// At-least-once delivery: include duplicates too.
		shuffled = append(shuffled, events[rng.Intn(len(events))], events[rng.Intn(len(events))])
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		s := testStore()
		for _, ev := range shuffled {
			if _, err := s.Apply(ev); err != nil && !errors.Is(err, domain.ErrStaleEvent) {
				t.Fatalf("shuffled apply: %v", err)
			}
		}
		got, ok := s.Read(domain.PairKey{Venue: domain.VenueKumbaya, Pair: testPair})
		if !ok {
			t.Fatal("no snapshot after shuffled delivery")
		}
		if got.Sequence != want.Sequence || got.Price != want.Price || got.LiquidityETH != want.LiquidityETH {
			t.Fatalf("trial %d diverged: got seq=%d price=%g, want seq=%d price=%g",
				trial, got.Sequence, got.Price, want.Sequence, want.Price)
		}
	}
}

func TestVenueDownExcludesPairs(t *testing.T) {
	s := testStore()
	if _, err := s.Apply(poolCreated(domain.VenueKumbaya, 1, 10, 1000)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	s.SetVenueDown(domain.VenueKumbaya, true)

	if _, err := s.Apply(syncEvent(domain.VenueKumbaya, 2, 11, 900)); !errors.Is(err, domain.ErrVenueDown) {
		t.Fatalf("err = %v, want ErrVenueDown", err)
	}
	if _, ok := s.Read(domain.PairKey{Venue: domain.VenueKumbaya, Pair: testPair}); ok {
		t.Fatal("Read returned snapshot for DOWN venue")
	}
	if snaps := s.SnapshotsForToken(testToken); len(snaps) != 0 {
		t.Fatalf("SnapshotsForToken = %d entries, want 0 while venue DOWN", len(snaps))
	}

	// Recovery restores reads and applies.
	s.SetVenueDown(domain.VenueKumbaya, false)
	if _, err := s.Apply(syncEvent(domain.VenueKumbaya, 2, 11, 900)); err != nil {
		t.Fatalf("apply after recovery: %v", err)
	}
	if snaps := s.SnapshotsForToken(testToken); len(snaps) != 1 {
		t.Fatalf("SnapshotsForToken = %d entries after recovery, want 1", len(snaps))
	}
}

func TestUnverifiedSnapshotsHiddenFromTokenView(t *testing.T) {
	s := testStore()
	ev := poolCreated(domain.VenueKumbaya, 1, 10, 1000)
	ev.Unverified = true
	if _, err := s.Apply(ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if snaps := s.SnapshotsForToken(testToken); len(snaps) != 0 {
		t.Fatalf("unverified snapshot leaked into token view")
	}

	// Once a verified event lands the pair becomes visible again.
	if _, err := s.Apply(syncEvent(domain.VenueKumbaya, 2, 10, 1000)); err != nil {
		t.Fatalf("apply verified: %v", err)
	}
	if snaps := s.SnapshotsForToken(testToken); len(snaps) != 1 {
		t.Fatalf("verified snapshot missing from token view")
	}
}

func TestDeltaReportsPriceMoveBps(t *testing.T) {
	s := testStore()
	if _, err := s.Apply(poolCreated(domain.VenueKumbaya, 1, 10, 1000)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Price 0.01 -> 0.0125: a 25% move, 2500 bps.
	delta, err := s.Apply(syncEvent(domain.VenueKumbaya, 2, 10, 800))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if math.Abs(delta.PriceMoveBps-2500) > 1 {
		t.Fatalf("PriceMoveBps = %g, want ~2500", delta.PriceMoveBps)
	}
}

func TestConcurrentAppliesAcrossPairs(t *testing.T) {
	s := testStore()
	pairs := make([]common.Address, 8)
	for i := range pairs {
		pairs[i] = common.BigToAddress(big.NewInt(int64(i + 100)))
	}

	done := make(chan struct{})
	for i, pair := range pairs {
		go func(i int, pair common.Address) {
			defer func() { done <- struct{}{} }()
			for seq := uint64(1); seq <= 200; seq++ {
				ev := domain.VenueEvent{
					Venue:    domain.VenueKumbaya,
					Pair:     pair,
					Token:    common.BigToAddress(big.NewInt(int64(i + 500))),
					Kind:     domain.EventLiquidityChanged,
					Sequence: seq,
					ObservedAt: time.Now(),
					Liquidity: &domain.LiquidityPayload{
						Reserve0: eth(10),
						Reserve1: eth(float64(1000 + seq)),
					},
				}
				if _, err := s.Apply(ev); err != nil {
					t.Errorf("pair %d seq %d: %v", i, seq, err)
					return
				}
			}
		}(i, pair)
	}
	for range pairs {
		<-done
	}

	for _, pair := range pairs {
		snap, ok := s.Read(domain.PairKey{Venue: domain.VenueKumbaya, Pair: pair})
		if !ok || snap.Sequence != 200 {
			t.Fatalf("pair %s final seq = %d, want 200", pair.Hex(), snap.Sequence)
		}
	}
}
