// Package predict scores token launches on a 0-100 scale from the shared
// feature vector. The detector uses the score as a confidence filter: below
// the configured minimum a snipe candidate is dropped before risk evaluation
// is even attempted.
package predict

import (
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// Prediction is one scoring result.
type Prediction struct {
	Token common.Address
	// Score is 0-100, higher is better.
	Score float64
	// Confidence is 0-1, how much data backed the score.
	Confidence float64
	CreatedAt  time.Time
}

// Scorer is a heuristic launch scorer. Results are cached per token so the
// API surface and the detector share one evaluation.
type Scorer struct {
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewScorer creates a scorer whose results stay cached for ttl.
func NewScorer(ttl time.Duration, logger *slog.Logger) *Scorer {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Scorer{
		cache:  gocache.New(ttl, 2*ttl),
		logger: logger.With(slog.String("component", "predict")),
	}
}

// ScoreLaunch evaluates a token's feature vector. Cached per token address.
func (s *Scorer) ScoreLaunch(f domain.TokenFeatures) Prediction {
	key := f.Token.Hex()
	if v, ok := s.cache.Get(key); ok {
		return v.(Prediction)
	}

	p := Prediction{
		Token:      f.Token,
		Score:      heuristicScore(f),
		Confidence: confidenceOf(f),
		CreatedAt:  time.Now(),
	}
	s.cache.Set(key, p, gocache.DefaultExpiration)
	s.logger.Debug("scored launch",
		slog.String("token", key),
		slog.Float64("score", p.Score),
		slog.Float64("confidence", p.Confidence))
	return p
}

// Invalidate drops a cached score, used when fresh features arrive.
func (s *Scorer) Invalidate(token common.Address) {
	s.cache.Delete(token.Hex())
}

// heuristicScore starts from a neutral 50 and moves by liquidity depth,
// holder distribution, activity, buy pressure, and sell-side safety.
func heuristicScore(f domain.TokenFeatures) float64 {
	score := 50.0

	switch {
	case f.LiquidityETH > 10:
		score += 20
	case f.LiquidityETH > 1:
		score += 10
	case f.LiquidityETH < 0.1:
		score -= 20
	}

	switch {
	case f.HolderCount > 100:
		score += 15
	case f.HolderCount > 50:
		score += 10
	case f.HolderCount < 10:
		score -= 10
	}

	switch {
	case f.TxCount24h > 1000:
		score += 15
	case f.TxCount24h > 100:
		score += 5
	}

	switch {
	case f.BuySellRatio > 1.5:
		score += 10
	case f.BuySellRatio > 0 && f.BuySellRatio < 0.5:
		score -= 15
	}

	if !f.SellSimulated {
		score -= 30
	} else if f.SellTaxBps > 1000 {
		score -= 10
	}

	if f.DevWalletShare > 0.3 {
		score -= 15
	}
	if f.TopHolderShare > 0.6 {
		score -= 10
	}
	if !f.ContractVerified {
		score -= 5
	}
	if f.ContractAgeHours > 24 {
		score += 5
	}
	if f.PriceVolatility > 0.5 {
		score -= 5
	}

	return math.Max(0, math.Min(100, score))
}

// confidenceOf grows with the amount of observed activity behind the
// features; a token with no history scores with low conviction.
func confidenceOf(f domain.TokenFeatures) float64 {
	c := 0.3
	if f.TxCount24h > 0 {
		c += math.Min(0.3, float64(f.TxCount24h)/1000*0.3)
	}
	if f.HolderCount > 0 {
		c += math.Min(0.2, float64(f.HolderCount)/200*0.2)
	}
	if f.SellSimulated {
		c += 0.2
	}
	return math.Min(0.9, c)
}

// PredictMove estimates near-term drift from recent prices: moving-average
// crossover scaled by realized volatility. Returns the expected fractional
// change and a confidence that shrinks as volatility grows. Fewer than ten
// samples yields a zero-change, low-confidence answer.
func PredictMove(prices []float64) (change, confidence float64) {
	if len(prices) < 10 {
		return 0, 0.2
	}
	if len(prices) > 20 {
		prices = prices[len(prices)-20:]
	}

	shortMA := mean(prices[len(prices)-5:])
	longMA := mean(prices[len(prices)-10:])

	trend := 0.0
	if shortMA > longMA {
		trend = 1
	} else if shortMA < longMA {
		trend = -1
	}

	var returns []float64
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
		}
	}
	vol := stddev(returns)

	change = trend * vol * 2
	confidence = math.Min(0.8, math.Max(0.3, 1-vol))
	return change, confidence
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}
