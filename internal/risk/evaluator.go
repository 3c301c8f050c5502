// Package risk gates candidate opportunities on token safety. The evaluator
// is fail-closed: if the feature probe cannot finish inside the caller's
// deadline the token is treated as unsafe and the opportunity is dropped.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// FeatureSource produces the feature vector for a token. Implementations
// probe the chain (sell simulation, contract code, holder queries) and must
// honor the context deadline.
type FeatureSource interface {
	Features(ctx context.Context, token common.Address) (domain.TokenFeatures, error)
}

// Thresholds are the safety limits applied to a feature vector.
type Thresholds struct {
	MinLiquidityETH   float64
	MaxTopHolderShare float64
	MaxDevWalletShare float64
	MaxSellTaxBps     float64
	EvalTimeout       time.Duration
}

// Evaluator scores tokens and raises hard/soft safety flags. Reports are
// cached briefly so back-to-back opportunities on one token share a probe.
type Evaluator struct {
	source FeatureSource
	th     Thresholds
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. cacheTTL bounds report reuse; a fresh
// token launch changes fast, so the TTL should stay well under a minute.
func NewEvaluator(source FeatureSource, th Thresholds, cacheTTL time.Duration, logger *slog.Logger) *Evaluator {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	return &Evaluator{
		source: source,
		th:     th,
		cache:  gocache.New(cacheTTL, time.Minute),
		logger: logger.With(slog.String("component", "risk")),
	}
}

// Evaluate probes the token and returns its safety report. A probe error or
// deadline expiry returns ErrRiskVeto: no report means no trade.
func (e *Evaluator) Evaluate(ctx context.Context, token common.Address) (domain.RiskReport, error) {
	key := token.Hex()
	if v, ok := e.cache.Get(key); ok {
		return v.(domain.RiskReport), nil
	}

	if e.th.EvalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.th.EvalTimeout)
		defer cancel()
	}

	feats, err := e.source.Features(ctx, token)
	if err != nil {
		e.logger.Warn("feature probe failed, vetoing",
			slog.String("token", key), slog.String("error", err.Error()))
		return domain.RiskReport{}, fmt.Errorf("%w: probing %s: %v", domain.ErrRiskVeto, key, err)
	}
	if ctx.Err() != nil {
		return domain.RiskReport{}, fmt.Errorf("%w: probe deadline for %s: %v", domain.ErrRiskVeto, key, ctx.Err())
	}

	report := e.assess(feats)
	e.cache.Set(key, report, gocache.DefaultExpiration)

	if report.Veto() {
		e.logger.Info("hard veto",
			slog.String("token", key), slog.Int("score", report.Score))
	}
	return report, nil
}

// assess turns a feature vector into flags and a 0-100 danger score.
func (e *Evaluator) assess(f domain.TokenFeatures) domain.RiskReport {
	r := domain.RiskReport{
		Token:       f.Token,
		EvaluatedAt: time.Now(),
	}

	// A failed sell simulation or a confiscatory sell tax is the honeypot
	// signature: buys clear, sells do not.
	if !f.SellSimulated || f.SellTaxBps > e.th.MaxSellTaxBps {
		r.HoneypotSuspected = true
	}
	if f.LiquidityETH < e.th.MinLiquidityETH {
		r.LowLiquidity = true
	}
	if f.TopHolderShare > e.th.MaxTopHolderShare || f.DevWalletShare > e.th.MaxDevWalletShare {
		r.ConcentratedHolders = true
	}
	if !f.ContractVerified {
		r.UnverifiedContract = true
	}

	score := 0
	if r.HoneypotSuspected {
		score += 60
	}
	if r.LowLiquidity {
		score += 15
	}
	if r.ConcentratedHolders {
		score += 15
	}
	if r.UnverifiedContract {
		score += 10
	}
	if f.SellTaxBps > 0 && f.SellTaxBps <= e.th.MaxSellTaxBps {
		// Tolerated tax still costs margin.
		score += int(f.SellTaxBps / 100)
	}
	if score > 100 {
		score = 100
	}
	r.Score = score
	return r
}
