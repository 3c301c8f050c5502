package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

var (
	testToken  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testRouter = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testWETH   = common.HexToAddress("0x4200000000000000000000000000000000000006")
	testWallet = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func testVenues() map[domain.VenueID]domain.VenueInfo {
	return map[domain.VenueID]domain.VenueInfo{
		"kumbaya": {ID: "kumbaya", Router: testRouter},
		"prismfi": {ID: "prismfi", Router: testRouter},
	}
}

func testBuilder() *IntentBuilder {
	return NewIntentBuilder(testVenues(), testWETH, testWallet, 300_000, big.NewInt(55_000_000_000))
}

type fakeSubmitter struct {
	mu      sync.Mutex
	calls   []domain.TxIntent
	refs    []string
	results []func() (domain.SubmitResult, error)
}

func (f *fakeSubmitter) SignAndSubmit(ctx context.Context, intent domain.TxIntent, ref string) (domain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, intent)
	f.refs = append(f.refs, ref)
	if len(f.results) == 0 {
		return domain.SubmitResult{Status: domain.SubmitSettled, TxHash: "0xabc"}, nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next()
}

func (f *fakeSubmitter) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func settled(hash string, outWei *big.Int) func() (domain.SubmitResult, error) {
	return func() (domain.SubmitResult, error) {
		return domain.SubmitResult{Status: domain.SubmitSettled, TxHash: hash, AmountOutWei: outWei}, nil
	}
}

func rejected(reason string) func() (domain.SubmitResult, error) {
	return func() (domain.SubmitResult, error) {
		return domain.SubmitResult{Status: domain.SubmitRejected, Reason: reason}, nil
	}
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]domain.ExecutionRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]domain.ExecutionRecord)}
}

func (s *memStore) Create(ctx context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *memStore) UpdateState(ctx context.Context, id string, state domain.ExecState, txHash, failReason string, realizedETH float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.State = state
	rec.TxHash = txHash
	rec.FailReason = failReason
	rec.RealizedETH = realizedETH
	s.recs[id] = rec
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	return nil, nil
}

func (s *memStore) ListUnreconciled(ctx context.Context) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExecutionRecord
	for _, rec := range s.recs {
		if rec.State == domain.ExecTimedOut {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.ExecutionRecord, error) {
	return nil, nil
}

func (s *memStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type fixedPrice float64

func (p fixedPrice) Price(token string, venue domain.VenueID) (float64, bool) {
	return float64(p), true
}

func testOpp(kind domain.OpportunityKind) domain.Opportunity {
	return domain.Opportunity{
		ID:          "opp-1",
		Kind:        kind,
		ResourceKey: domain.ResourceKey(testToken, "lane-0"),
		Token:       testToken,
		BuyVenue:    "kumbaya",
		SellVenue:   "prismfi",
		AmountETH:   0.5,
		SlippageBps: 200,
		DetectedAt:  time.Now(),
		ExpiresAt:   time.Now().Add(30 * time.Second),
	}
}

func newTestCoordinator(t *testing.T, sub Submitter, store domain.ExecutionStore, revalidate Revalidator) *Coordinator {
	t.Helper()
	var n int
	newID := func() string {
		n++
		return fmt.Sprintf("exec-%d", n)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(testBuilder(), sub, revalidate, fixedPrice(0.001), nil,
		store, nil, nil,
		Options{WalletLane: "lane-0", SubmitTimeout: time.Second}, newID, logger)
}

func TestAcceptSettlesAndReleasesKey(t *testing.T) {
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		settled("0xdead", big.NewInt(520_000_000_000_000_000)),
	}}
	store := newMemStore()
	c := newTestCoordinator(t, sub, store, nil)

	rec, err := c.Accept(context.Background(), testOpp(domain.OppSnipe))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if rec.State != domain.ExecSettled {
		t.Fatalf("state = %s, want settled", rec.State)
	}
	if rec.TxHash != "0xdead" {
		t.Fatalf("tx hash = %s", rec.TxHash)
	}
	if c.InFlight() != 0 {
		t.Fatalf("key still held after settlement")
	}
	got, err := store.GetByID(context.Background(), rec.ID)
	if err != nil || got.State != domain.ExecSettled {
		t.Fatalf("persisted state = %v %v", got.State, err)
	}
}

func TestContendedKeyIsDroppedNotQueued(t *testing.T) {
	release := make(chan struct{})
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		func() (domain.SubmitResult, error) {
			<-release
			return domain.SubmitResult{Status: domain.SubmitSettled, TxHash: "0x1"}, nil
		},
	}}
	c := newTestCoordinator(t, sub, newMemStore(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.Accept(context.Background(), testOpp(domain.OppSnipe)); err != nil {
			t.Errorf("first accept: %v", err)
		}
	}()

	waitFor(t, func() bool { return c.InFlight() == 1 })

	second := testOpp(domain.OppSnipe)
	second.ID = "opp-2"
	_, err := c.Accept(context.Background(), second)
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("second accept err = %v, want ErrBusy", err)
	}

	close(release)
	<-done
	if sub.submitted() != 1 {
		t.Fatalf("submissions = %d, want 1 (contender dropped, not queued)", sub.submitted())
	}
}

func TestExpiredOpportunityNeverSubmitted(t *testing.T) {
	sub := &fakeSubmitter{}
	store := newMemStore()
	c := newTestCoordinator(t, sub, store, nil)

	opp := testOpp(domain.OppSnipe)
	opp.ExpiresAt = time.Now().Add(-time.Second)
	_, err := c.Accept(context.Background(), opp)
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if sub.submitted() != 0 {
		t.Fatalf("expired opportunity was submitted")
	}
	if store.count() != 0 {
		t.Fatalf("expired opportunity created a record")
	}
	if c.InFlight() != 0 {
		t.Fatalf("expired opportunity left a key held")
	}
}

func TestRevalidationAbortLeavesNoRecord(t *testing.T) {
	sub := &fakeSubmitter{}
	store := newMemStore()
	// Margin collapsed between detection and accept.
	revalidate := func(opp domain.Opportunity) error {
		return fmt.Errorf("margin 30bps below floor 50bps")
	}
	c := newTestCoordinator(t, sub, store, revalidate)

	_, err := c.Accept(context.Background(), testOpp(domain.OppArbitrage))
	if !errors.Is(err, domain.ErrNotProfitable) {
		t.Fatalf("err = %v, want ErrNotProfitable", err)
	}
	if sub.submitted() != 0 {
		t.Fatalf("aborted opportunity was submitted")
	}
	if store.count() != 0 {
		t.Fatalf("aborted opportunity created a record")
	}
	if c.InFlight() != 0 {
		t.Fatalf("aborted opportunity left a key held")
	}
}

func TestRejectedSubmissionFreesKey(t *testing.T) {
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		rejected("min out not met"),
		settled("0x2", big.NewInt(1)),
	}}
	c := newTestCoordinator(t, sub, newMemStore(), nil)

	rec, err := c.Accept(context.Background(), testOpp(domain.OppSnipe))
	if !errors.Is(err, domain.ErrExecRejected) {
		t.Fatalf("err = %v, want ErrExecRejected", err)
	}
	if rec.State != domain.ExecFailed {
		t.Fatalf("state = %s, want failed", rec.State)
	}

	// The key must be free for the next opportunity on the same token.
	next := testOpp(domain.OppSnipe)
	next.ID = "opp-2"
	rec2, err := c.Accept(context.Background(), next)
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if rec2.State != domain.ExecSettled {
		t.Fatalf("second state = %s", rec2.State)
	}
}

func TestArbRejectedBuyLegSkipsSellLeg(t *testing.T) {
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		rejected("slippage"),
	}}
	c := newTestCoordinator(t, sub, newMemStore(), nil)

	_, err := c.Accept(context.Background(), testOpp(domain.OppArbitrage))
	if !errors.Is(err, domain.ErrExecRejected) {
		t.Fatalf("err = %v", err)
	}
	if sub.submitted() != 1 {
		t.Fatalf("submissions = %d, want 1 (sell leg must not run)", sub.submitted())
	}
}

func TestArbSettledComputesNetRealized(t *testing.T) {
	// Buy settles for tokens, sell settles for 0.52 ETH against 0.5 in.
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		settled("0xbuy", big.NewInt(1_000_000)),
		settled("0xsell", big.NewInt(520_000_000_000_000_000)),
	}}
	c := newTestCoordinator(t, sub, newMemStore(), nil)

	rec, err := c.Accept(context.Background(), testOpp(domain.OppArbitrage))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if rec.State != domain.ExecSettled {
		t.Fatalf("state = %s", rec.State)
	}
	want := 0.52 - 0.5
	if diff := rec.RealizedETH - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("realized = %f, want %f", rec.RealizedETH, want)
	}
	if sub.refs[0] != rec.ID+"/0" || sub.refs[1] != rec.ID+"/1" {
		t.Fatalf("leg references = %v", sub.refs)
	}
}

func TestTimeoutHoldsKeyUntilReconciled(t *testing.T) {
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		func() (domain.SubmitResult, error) {
			return domain.SubmitResult{Status: domain.SubmitTimedOut}, nil
		},
	}}
	store := newMemStore()
	c := newTestCoordinator(t, sub, store, nil)

	rec, err := c.Accept(context.Background(), testOpp(domain.OppSnipe))
	if !errors.Is(err, domain.ErrReconciling) {
		t.Fatalf("err = %v, want ErrReconciling", err)
	}
	if rec.State != domain.ExecTimedOut {
		t.Fatalf("state = %s, want timed_out", rec.State)
	}
	if c.InFlight() != 1 {
		t.Fatalf("timed-out key was released before reconciliation")
	}

	// Same key is still blocked.
	retry := testOpp(domain.OppSnipe)
	retry.ID = "opp-2"
	if _, err := c.Accept(context.Background(), retry); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("retry err = %v, want ErrBusy", err)
	}

	// Signer reports the transaction landed; reconciliation frees the key.
	q := &refQuerier{res: map[string]domain.SubmitResult{
		rec.ID: {
			Status:       domain.SubmitSettled,
			TxHash:       "0xlate",
			AmountOutWei: big.NewInt(510_000_000_000_000_000),
		},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(c, q, store, time.Minute, logger)
	r.Sweep(context.Background())

	if c.InFlight() != 0 {
		t.Fatalf("reconciled key still held")
	}
	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.State != domain.ExecSettled || got.TxHash != "0xlate" {
		t.Fatalf("reconciled record = %+v", got)
	}
}

func TestReconcilerNeverSignedFails(t *testing.T) {
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		func() (domain.SubmitResult, error) {
			return domain.SubmitResult{Status: domain.SubmitTimedOut}, nil
		},
	}}
	store := newMemStore()
	c := newTestCoordinator(t, sub, store, nil)

	rec, _ := c.Accept(context.Background(), testOpp(domain.OppSnipe))

	q := &refQuerier{} // signer has no trace of anything
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(c, q, store, time.Minute, logger)
	r.Sweep(context.Background())

	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.State != domain.ExecFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.FailReason != "never signed" {
		t.Fatalf("fail reason = %q", got.FailReason)
	}
	if c.InFlight() != 0 {
		t.Fatalf("never-signed key still held")
	}
}

func TestReconcilerPendingKeepsKeyBlocked(t *testing.T) {
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		func() (domain.SubmitResult, error) {
			return domain.SubmitResult{Status: domain.SubmitTimedOut}, nil
		},
	}}
	store := newMemStore()
	c := newTestCoordinator(t, sub, store, nil)
	rec, _ := c.Accept(context.Background(), testOpp(domain.OppSnipe))

	q := &refQuerier{res: map[string]domain.SubmitResult{
		rec.ID: {Status: domain.SubmitTimedOut},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewReconciler(c, q, store, time.Minute, logger).Sweep(context.Background())

	if c.InFlight() != 1 {
		t.Fatalf("pending key was released")
	}
}

func TestReconcilerArbLandedBuyLegIsNotNeverSigned(t *testing.T) {
	// Buy leg settles, sell leg times out client-side and never reaches the
	// signer. The signer knows only the buy leg's reference.
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		settled("0xlanded", big.NewInt(1_000_000)),
		func() (domain.SubmitResult, error) {
			return domain.SubmitResult{Status: domain.SubmitTimedOut}, nil
		},
	}}
	store := newMemStore()
	c := newTestCoordinator(t, sub, store, nil)

	rec, err := c.Accept(context.Background(), testOpp(domain.OppArbitrage))
	if !errors.Is(err, domain.ErrReconciling) {
		t.Fatalf("err = %v, want ErrReconciling", err)
	}

	q := &refQuerier{res: map[string]domain.SubmitResult{
		rec.ID + "/0": {Status: domain.SubmitSettled, TxHash: "0xlanded", AmountOutWei: big.NewInt(1_000_000)},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewReconciler(c, q, store, time.Minute, logger).Sweep(context.Background())

	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.State != domain.ExecFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.FailReason == "never signed" {
		t.Fatalf("landed buy leg resolved as never signed")
	}
	if got.TxHash != "0xlanded" {
		t.Fatalf("tx hash = %q, want the landed buy leg's hash", got.TxHash)
	}
	if c.InFlight() != 0 {
		t.Fatalf("resolved key still held")
	}
}

func TestReconcilerArbAllLegsUnknownFailsAsNeverSigned(t *testing.T) {
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		func() (domain.SubmitResult, error) {
			return domain.SubmitResult{Status: domain.SubmitTimedOut}, nil
		},
	}}
	store := newMemStore()
	c := newTestCoordinator(t, sub, store, nil)

	rec, _ := c.Accept(context.Background(), testOpp(domain.OppArbitrage))

	q := &refQuerier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewReconciler(c, q, store, time.Minute, logger).Sweep(context.Background())

	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.State != domain.ExecFailed || got.FailReason != "never signed" {
		t.Fatalf("record = %+v, want failed/never signed", got)
	}
	if c.InFlight() != 0 {
		t.Fatalf("never-signed key still held")
	}
}

func TestReconcilerArbBothLegsSettled(t *testing.T) {
	sub := &fakeSubmitter{results: []func() (domain.SubmitResult, error){
		settled("0xbuy", big.NewInt(1_000_000)),
		func() (domain.SubmitResult, error) {
			return domain.SubmitResult{Status: domain.SubmitTimedOut}, nil
		},
	}}
	store := newMemStore()
	c := newTestCoordinator(t, sub, store, nil)

	rec, _ := c.Accept(context.Background(), testOpp(domain.OppArbitrage))

	// The sell leg did land on the signer side despite the client timeout.
	q := &refQuerier{res: map[string]domain.SubmitResult{
		rec.ID + "/0": {Status: domain.SubmitSettled, TxHash: "0xbuy", AmountOutWei: big.NewInt(1_000_000)},
		rec.ID + "/1": {Status: domain.SubmitSettled, TxHash: "0xsell", AmountOutWei: big.NewInt(520_000_000_000_000_000)},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	NewReconciler(c, q, store, time.Minute, logger).Sweep(context.Background())

	got, _ := store.GetByID(context.Background(), rec.ID)
	if got.State != domain.ExecSettled || got.TxHash != "0xsell" {
		t.Fatalf("record = %+v, want settled on the sell leg", got)
	}
	want := 0.52 - 0.5
	if diff := got.RealizedETH - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("realized = %f, want %f", got.RealizedETH, want)
	}
	if c.InFlight() != 0 {
		t.Fatalf("settled key still held")
	}
}

func TestRestoreReblocksTimedOutKeys(t *testing.T) {
	store := newMemStore()
	store.Create(context.Background(), domain.ExecutionRecord{
		ID:          "exec-old",
		ResourceKey: domain.ResourceKey(testToken, "lane-0"),
		Token:       testToken,
		State:       domain.ExecTimedOut,
	})

	sub := &fakeSubmitter{}
	c := newTestCoordinator(t, sub, store, nil)
	if err := c.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if _, err := c.Accept(context.Background(), testOpp(domain.OppSnipe)); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy after restore", err)
	}
	if sub.submitted() != 0 {
		t.Fatalf("restored key allowed a submission")
	}
}

// refQuerier resolves only references it actually knows, the way walletd
// stores submissions by exact reference; anything else is a 404.
type refQuerier struct {
	res map[string]domain.SubmitResult
}

func (q *refQuerier) QueryStatus(ctx context.Context, ref string) (domain.SubmitResult, error) {
	res, ok := q.res[ref]
	if !ok {
		return domain.SubmitResult{}, domain.ErrNotFound
	}
	return res, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
