// Package exec drives accepted opportunities through the per-resource-key
// execution state machine: lock, revalidate, build the transaction intent,
// dispatch to the external signer, record the outcome, release. At most one
// execution is ever in flight per resource key.
package exec

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// Router call selectors.
var (
	// swapExactETHForTokensSupportingFeeOnTransferTokens(uint256,address[],address,uint256)
	selSwapETHForTokens = ethcrypto.Keccak256([]byte("swapExactETHForTokensSupportingFeeOnTransferTokens(uint256,address[],address,uint256)"))[:4]
	// swapExactTokensForETHSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)
	selSwapTokensForETH = ethcrypto.Keccak256([]byte("swapExactTokensForETHSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)"))[:4]
	// liquidatePosition(bytes32)
	selLiquidate = ethcrypto.Keccak256([]byte("liquidatePosition(bytes32)"))[:4]
)

var weiPerEth = new(big.Float).SetFloat64(1e18)

// IntentBuilder turns opportunities into signed-ready transaction intents.
// The slippage bound becomes MinOutWei, which the signer must treat as a hard
// constraint.
type IntentBuilder struct {
	venues    map[domain.VenueID]domain.VenueInfo
	weth      common.Address
	recipient common.Address // walletd's lane address, receives swap output
	gasLimit  uint64
	maxGasWei *big.Int
}

// NewIntentBuilder wires the builder with the venue registry and gas model.
// maxGasWei already includes the safety multiplier.
func NewIntentBuilder(venues map[domain.VenueID]domain.VenueInfo, weth, recipient common.Address, gasLimit uint64, maxGasWei *big.Int) *IntentBuilder {
	return &IntentBuilder{
		venues:    venues,
		weth:      weth,
		recipient: recipient,
		gasLimit:  gasLimit,
		maxGasWei: maxGasWei,
	}
}

// Build returns the ordered intents for the opportunity. Snipes and
// liquidations are single transactions; arbitrage is a buy leg followed by a
// sell leg, each carrying its own min-out bound.
func (b *IntentBuilder) Build(opp domain.Opportunity, price float64) ([]domain.TxIntent, error) {
	switch opp.Kind {
	case domain.OppSnipe:
		intent, err := b.buyIntent(opp.BuyVenue, opp.Token, opp.AmountETH, price, opp.SlippageBps, opp.ExpiresAt)
		if err != nil {
			return nil, err
		}
		return []domain.TxIntent{intent}, nil

	case domain.OppArbitrage:
		buy, err := b.buyIntent(opp.BuyVenue, opp.Token, opp.AmountETH, price, opp.SlippageBps, opp.ExpiresAt)
		if err != nil {
			return nil, err
		}
		sell, err := b.sellIntent(opp.SellVenue, opp.Token, opp.AmountETH, opp.NetMarginBps, opp.SlippageBps, opp.ExpiresAt)
		if err != nil {
			return nil, err
		}
		return []domain.TxIntent{buy, sell}, nil

	case domain.OppLiquidation:
		intent, err := b.liquidateIntent(opp)
		if err != nil {
			return nil, err
		}
		return []domain.TxIntent{intent}, nil

	default:
		return nil, fmt.Errorf("unknown opportunity kind %q", opp.Kind)
	}
}

// buyIntent spends amountETH of native ETH for tokens through the venue
// router. minOut derives from the snapshot price discounted by the slippage
// bound.
func (b *IntentBuilder) buyIntent(venue domain.VenueID, token common.Address, amountETH, price, slippageBps float64, deadline time.Time) (domain.TxIntent, error) {
	info, ok := b.venues[venue]
	if !ok {
		return domain.TxIntent{}, fmt.Errorf("%w: %s", domain.ErrUnknownVenue, venue)
	}
	if price <= 0 {
		return domain.TxIntent{}, fmt.Errorf("no price for %s on %s", token.Hex(), venue)
	}

	valueWei := ethToWei(amountETH)
	expectedTokens := amountETH / price
	minOut := ethToWei(expectedTokens * (1 - slippageBps/10000))

	data := make([]byte, 0, 4+32*6)
	data = append(data, selSwapETHForTokens...)
	data = append(data, abiWord(minOut)...)
	data = append(data, abiWord(big.NewInt(128))...) // path offset
	data = append(data, abiAddress(b.recipient)...)
	data = append(data, abiWord(big.NewInt(deadline.Unix()))...)
	data = append(data, abiWord(big.NewInt(2))...) // path length
	data = append(data, abiAddress(b.weth)...)
	data = append(data, abiAddress(token)...)

	return domain.TxIntent{
		To:        info.Router,
		ValueWei:  valueWei,
		Data:      data,
		GasLimit:  b.gasLimit,
		MinOutWei: minOut,
		MaxGasWei: b.maxGasWei,
		Deadline:  deadline,
	}, nil
}

// sellIntent unloads the tokens bought on the buy leg. The min-out enforces
// that the round trip keeps at least the detected margin minus slippage.
func (b *IntentBuilder) sellIntent(venue domain.VenueID, token common.Address, amountETH, marginBps, slippageBps float64, deadline time.Time) (domain.TxIntent, error) {
	info, ok := b.venues[venue]
	if !ok {
		return domain.TxIntent{}, fmt.Errorf("%w: %s", domain.ErrUnknownVenue, venue)
	}

	// Sell everything received; amountIn 0 tells the router to use the full
	// token balance via the supporting-fee variant convention walletd applies.
	// The slippage bound is the floor: a margin estimate below it must not
	// weaken the min-out, or a bad estimate strips the leg of slippage
	// protection entirely.
	mult := 1 + (marginBps-slippageBps)/10000
	if floor := 1 - slippageBps/10000; mult < floor {
		mult = floor
	}
	minEthOut := ethToWei(amountETH * mult)

	data := make([]byte, 0, 4+32*7)
	data = append(data, selSwapTokensForETH...)
	data = append(data, abiWord(big.NewInt(0))...) // amountIn: full balance
	data = append(data, abiWord(minEthOut)...)
	data = append(data, abiWord(big.NewInt(160))...) // path offset
	data = append(data, abiAddress(b.recipient)...)
	data = append(data, abiWord(big.NewInt(deadline.Unix()))...)
	data = append(data, abiWord(big.NewInt(2))...) // path length
	data = append(data, abiAddress(token)...)
	data = append(data, abiAddress(b.weth)...)

	return domain.TxIntent{
		To:        info.Router,
		ValueWei:  new(big.Int),
		Data:      data,
		GasLimit:  b.gasLimit,
		MinOutWei: minEthOut,
		MaxGasWei: b.maxGasWei,
		Deadline:  deadline,
	}, nil
}

func (b *IntentBuilder) liquidateIntent(opp domain.Opportunity) (domain.TxIntent, error) {
	info, ok := b.venues[opp.BuyVenue]
	if !ok {
		return domain.TxIntent{}, fmt.Errorf("%w: %s", domain.ErrUnknownVenue, opp.BuyVenue)
	}
	if opp.Liquidation == nil {
		return domain.TxIntent{}, fmt.Errorf("liquidation opportunity %s has no payload", opp.ID)
	}

	data := make([]byte, 0, 4+32)
	data = append(data, selLiquidate...)
	data = append(data, common.HexToHash(opp.Liquidation.PositionID).Bytes()...)

	return domain.TxIntent{
		To:        info.Router,
		ValueWei:  new(big.Int),
		Data:      data,
		GasLimit:  b.gasLimit,
		MaxGasWei: b.maxGasWei,
		Deadline:  opp.ExpiresAt,
	}, nil
}

func abiWord(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func abiAddress(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func ethToWei(eth float64) *big.Int {
	if eth < 0 {
		eth = 0
	}
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
