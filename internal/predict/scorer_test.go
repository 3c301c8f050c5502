package predict

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atalantalabs/atalanta/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestScoreLaunchRangeAndOrdering(t *testing.T) {
	s := NewScorer(time.Minute, discard())

	strong := domain.TokenFeatures{
		Token:            common.HexToAddress("0x01"),
		LiquidityETH:     15,
		HolderCount:      150,
		TxCount24h:       1500,
		BuySellRatio:     2.0,
		ContractVerified: true,
		ContractAgeHours: 48,
		SellSimulated:    true,
		SellTaxBps:       100,
	}
	weak := domain.TokenFeatures{
		Token:          common.HexToAddress("0x02"),
		LiquidityETH:   0.05,
		HolderCount:    3,
		BuySellRatio:   0.2,
		DevWalletShare: 0.5,
		TopHolderShare: 0.9,
		SellSimulated:  false,
	}

	ps := s.ScoreLaunch(strong)
	pw := s.ScoreLaunch(weak)

	for _, p := range []Prediction{ps, pw} {
		if p.Score < 0 || p.Score > 100 {
			t.Errorf("score %f out of range", p.Score)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			t.Errorf("confidence %f out of range", p.Confidence)
		}
	}
	if ps.Score <= pw.Score {
		t.Errorf("strong token scored %f, weak %f; want strong > weak", ps.Score, pw.Score)
	}
	if pw.Score != 0 {
		t.Errorf("weak token score = %f, want clamped to 0", pw.Score)
	}
}

func TestScoreLaunchCachesPerToken(t *testing.T) {
	s := NewScorer(time.Minute, discard())
	f := domain.TokenFeatures{Token: common.HexToAddress("0x03"), LiquidityETH: 5, SellSimulated: true}

	first := s.ScoreLaunch(f)
	f.LiquidityETH = 0.01 // changed features, same token
	second := s.ScoreLaunch(f)
	if first.Score != second.Score {
		t.Errorf("cache miss on second call: %f vs %f", first.Score, second.Score)
	}

	s.Invalidate(f.Token)
	third := s.ScoreLaunch(f)
	if third.Score == first.Score {
		t.Error("Invalidate did not force re-evaluation")
	}
}

func TestFailedSellSimulationDragsScoreDown(t *testing.T) {
	base := domain.TokenFeatures{LiquidityETH: 5, HolderCount: 60, TxCount24h: 200, BuySellRatio: 1.0, ContractVerified: true}

	ok := base
	ok.Token = common.HexToAddress("0x04")
	ok.SellSimulated = true

	bad := base
	bad.Token = common.HexToAddress("0x05")
	bad.SellSimulated = false

	if heuristicScore(ok)-heuristicScore(bad) != 30 {
		t.Errorf("sell simulation penalty = %f, want 30", heuristicScore(ok)-heuristicScore(bad))
	}
}

func TestPredictMove(t *testing.T) {
	t.Run("insufficient data", func(t *testing.T) {
		change, conf := PredictMove([]float64{1, 2, 3})
		if change != 0 || conf != 0.2 {
			t.Errorf("got change %f conf %f, want 0 and 0.2", change, conf)
		}
	})

	t.Run("uptrend yields positive drift", func(t *testing.T) {
		prices := make([]float64, 15)
		for i := range prices {
			prices[i] = 1 + float64(i)*0.05
		}
		change, conf := PredictMove(prices)
		if change <= 0 {
			t.Errorf("change = %f, want > 0 for rising prices", change)
		}
		if conf < 0.3 || conf > 0.8 {
			t.Errorf("confidence %f out of [0.3, 0.8]", conf)
		}
	})

	t.Run("downtrend yields negative drift", func(t *testing.T) {
		prices := make([]float64, 15)
		for i := range prices {
			prices[i] = 2 - float64(i)*0.05
		}
		change, _ := PredictMove(prices)
		if change >= 0 {
			t.Errorf("change = %f, want < 0 for falling prices", change)
		}
	})

	t.Run("flat prices give zero drift", func(t *testing.T) {
		prices := make([]float64, 15)
		for i := range prices {
			prices[i] = 1
		}
		change, _ := PredictMove(prices)
		if change != 0 {
			t.Errorf("change = %f, want 0 for flat prices", change)
		}
	})
}
