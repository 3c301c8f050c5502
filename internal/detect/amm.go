package detect

import "math/big"

var (
	bpsDenom  = big.NewInt(10000)
	weiPerEth = new(big.Float).SetFloat64(1e18)
)

// getAmountOut is the constant-product quote for a v2-style pool: the output
// for amountIn given reserves and the venue fee in basis points.
//
//	out = in*(10000-fee)*rOut / (rIn*10000 + in*(10000-fee))
func getAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps float64) *big.Int {
	if amountIn == nil || amountIn.Sign() <= 0 ||
		reserveIn == nil || reserveIn.Sign() <= 0 ||
		reserveOut == nil || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	feeMul := big.NewInt(10000 - int64(feeBps))
	inWithFee := new(big.Int).Mul(amountIn, feeMul)
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Add(new(big.Int).Mul(reserveIn, bpsDenom), inWithFee)
	return num.Div(num, den)
}

// priceImpactBps estimates how far amountIn moves the pool price.
func priceImpactBps(amountIn, reserveIn *big.Int) float64 {
	if amountIn == nil || reserveIn == nil || reserveIn.Sign() <= 0 {
		return 0
	}
	impact := new(big.Float).Quo(new(big.Float).SetInt(amountIn), new(big.Float).SetInt(reserveIn))
	out, _ := new(big.Float).Mul(impact, big.NewFloat(10000)).Float64()
	return out
}

func ethToWei(eth float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(eth), weiPerEth).Int(nil)
	return wei
}

func weiToEth(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEth).Float64()
	return out
}

// GasModel prices transaction overhead for opportunity scoring. Static by
// design: the detector needs a stable cost floor, not a live fee oracle.
type GasModel struct {
	GasLimit uint64
	// GasPriceWei is the assumed price, already including the safety
	// multiplier applied at submit time.
	GasPriceWei *big.Int
}

// CostETH returns the ETH cost of n transactions under the model.
func (g GasModel) CostETH(n int) float64 {
	if g.GasPriceWei == nil || n <= 0 {
		return 0
	}
	per := new(big.Int).Mul(new(big.Int).SetUint64(g.GasLimit), g.GasPriceWei)
	return weiToEth(new(big.Int).Mul(per, big.NewInt(int64(n))))
}
