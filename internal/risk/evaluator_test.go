package risk

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

type stubSource struct {
	feats domain.TokenFeatures
	err   error
	delay time.Duration
	calls int
}

func (s *stubSource) Features(ctx context.Context, token common.Address) (domain.TokenFeatures, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return domain.TokenFeatures{}, ctx.Err()
		}
	}
	if s.err != nil {
		return domain.TokenFeatures{}, s.err
	}
	f := s.feats
	f.Token = token
	return f, nil
}

func testThresholds() Thresholds {
	return Thresholds{
		MinLiquidityETH:   0.5,
		MaxTopHolderShare: 0.6,
		MaxDevWalletShare: 0.25,
		MaxSellTaxBps:     1000,
		EvalTimeout:       200 * time.Millisecond,
	}
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func cleanFeatures() domain.TokenFeatures {
	return domain.TokenFeatures{
		LiquidityETH:     5,
		HolderCount:      80,
		TopHolderShare:   0.3,
		DevWalletShare:   0.1,
		ContractVerified: true,
		SellSimulated:    true,
		SellTaxBps:       0,
	}
}

func TestEvaluateCleanToken(t *testing.T) {
	src := &stubSource{feats: cleanFeatures()}
	e := NewEvaluator(src, testThresholds(), time.Minute, discard())

	r, err := e.Evaluate(context.Background(), common.HexToAddress("0x01"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if r.Veto() {
		t.Error("clean token vetoed")
	}
	if r.Score != 0 {
		t.Errorf("Score = %d, want 0", r.Score)
	}
	if r.SoftFlagCount() != 0 {
		t.Errorf("SoftFlagCount = %d, want 0", r.SoftFlagCount())
	}
}

func TestEvaluateHoneypotHardVeto(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.TokenFeatures)
	}{
		{"sell simulation failed", func(f *domain.TokenFeatures) { f.SellSimulated = false }},
		{"confiscatory sell tax", func(f *domain.TokenFeatures) { f.SellTaxBps = 5000 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			feats := cleanFeatures()
			tc.mutate(&feats)
			src := &stubSource{feats: feats}
			e := NewEvaluator(src, testThresholds(), time.Minute, discard())

			r, err := e.Evaluate(context.Background(), common.HexToAddress("0x02"))
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if !r.HoneypotSuspected || !r.Veto() {
				t.Errorf("expected hard veto, got %+v", r)
			}
			if r.Score < 60 {
				t.Errorf("Score = %d, want >= 60", r.Score)
			}
		})
	}
}

func TestEvaluateSoftFlags(t *testing.T) {
	feats := cleanFeatures()
	feats.LiquidityETH = 0.1
	feats.TopHolderShare = 0.9
	feats.ContractVerified = false

	src := &stubSource{feats: feats}
	e := NewEvaluator(src, testThresholds(), time.Minute, discard())

	r, err := e.Evaluate(context.Background(), common.HexToAddress("0x03"))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if r.Veto() {
		t.Error("soft flags must not hard-veto")
	}
	if !r.LowLiquidity || !r.ConcentratedHolders || !r.UnverifiedContract {
		t.Errorf("flags not raised: %+v", r)
	}
	if r.SoftFlagCount() != 3 {
		t.Errorf("SoftFlagCount = %d, want 3", r.SoftFlagCount())
	}
}

func TestEvaluateFailsClosedOnProbeError(t *testing.T) {
	src := &stubSource{err: errors.New("rpc down")}
	e := NewEvaluator(src, testThresholds(), time.Minute, discard())

	_, err := e.Evaluate(context.Background(), common.HexToAddress("0x04"))
	if !errors.Is(err, domain.ErrRiskVeto) {
		t.Errorf("err = %v, want ErrRiskVeto", err)
	}
}

func TestEvaluateFailsClosedOnDeadline(t *testing.T) {
	src := &stubSource{feats: cleanFeatures(), delay: time.Second}
	th := testThresholds()
	th.EvalTimeout = 20 * time.Millisecond
	e := NewEvaluator(src, th, time.Minute, discard())

	start := time.Now()
	_, err := e.Evaluate(context.Background(), common.HexToAddress("0x05"))
	if !errors.Is(err, domain.ErrRiskVeto) {
		t.Errorf("err = %v, want ErrRiskVeto", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("deadline not enforced")
	}
}

func TestEvaluateCachesReports(t *testing.T) {
	src := &stubSource{feats: cleanFeatures()}
	e := NewEvaluator(src, testThresholds(), time.Minute, discard())
	ctx := context.Background()
	token := common.HexToAddress("0x06")

	if _, err := e.Evaluate(ctx, token); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if _, err := e.Evaluate(ctx, token); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1", src.calls)
	}
}
