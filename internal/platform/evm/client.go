package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Function selectors for the v2 pool and router calls the engine issues.
var (
	selGetReserves   = []byte{0x09, 0x02, 0xf1, 0xac} // getReserves()
	selToken0        = []byte{0x0d, 0xfe, 0x16, 0x81} // token0()
	selToken1        = []byte{0xd2, 0x12, 0x20, 0xa7} // token1()
	selGetAmountsOut = []byte{0xd0, 0x6c, 0xa6, 0x1f} // getAmountsOut(uint256,address[])
)

// Reserves is the getReserves() result for a v2 pool.
type Reserves struct {
	Reserve0  *big.Int
	Reserve1  *big.Int
	BlockTime uint32
}

// Client wraps the HTTP JSON-RPC connection used for resync refetches,
// risk probes, and gas pricing. Subscription traffic goes over WSClient.
type Client struct {
	ec *ethclient.Client
}

// Dial connects to the HTTP RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing rpc %s: %w", url, err)
	}
	return &Client{ec: ec}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.ec.Close()
}

// BlockNumber returns the current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ec.BlockNumber(ctx)
}

// SuggestGasPrice returns the node's gas price estimate in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.ec.SuggestGasPrice(ctx)
}

// GetReserves fetches the current reserves of a v2 pool. Used to rebuild a
// pair snapshot after a sequence gap instead of replaying missed logs.
func (c *Client) GetReserves(ctx context.Context, pool common.Address) (Reserves, error) {
	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: selGetReserves}, nil)
	if err != nil {
		return Reserves{}, fmt.Errorf("getReserves %s: %w", pool.Hex(), err)
	}
	if len(out) < 96 {
		return Reserves{}, fmt.Errorf("getReserves %s: short return: %d bytes", pool.Hex(), len(out))
	}
	return Reserves{
		Reserve0:  new(big.Int).SetBytes(out[:32]),
		Reserve1:  new(big.Int).SetBytes(out[32:64]),
		BlockTime: uint32(new(big.Int).SetBytes(out[64:96]).Uint64()),
	}, nil
}

// PoolTokens returns the token0/token1 pair of a v2 pool.
func (c *Client) PoolTokens(ctx context.Context, pool common.Address) (common.Address, common.Address, error) {
	t0, err := c.callAddress(ctx, pool, selToken0)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("token0 %s: %w", pool.Hex(), err)
	}
	t1, err := c.callAddress(ctx, pool, selToken1)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("token1 %s: %w", pool.Hex(), err)
	}
	return t0, t1, nil
}

func (c *Client) callAddress(ctx context.Context, to common.Address, data []byte) (common.Address, error) {
	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) < 32 {
		return common.Address{}, fmt.Errorf("short return: %d bytes", len(out))
	}
	return common.BytesToAddress(out[12:32]), nil
}

// HasCode reports whether the address carries contract code. A token whose
// address holds no code cannot be traded and trips the unverified flag.
func (c *Client) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := c.ec.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("getCode %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

// AmountsOut quotes router.getAmountsOut for the given path. Returns the
// final hop's output amount.
func (c *Client) AmountsOut(ctx context.Context, router common.Address, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data := make([]byte, 0, 4+32*(3+len(path)))
	data = append(data, selGetAmountsOut...)
	data = append(data, common.LeftPadBytes(amountIn.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(64).Bytes(), 32)...) // offset of path array
	data = append(data, common.LeftPadBytes(big.NewInt(int64(len(path))).Bytes(), 32)...)
	for _, a := range path {
		data = append(data, common.LeftPadBytes(a.Bytes(), 32)...)
	}

	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getAmountsOut via %s: %w", router.Hex(), err)
	}
	// abi: offset word, length word, then len(path) amounts.
	need := 64 + 32*len(path)
	if len(out) < need {
		return nil, fmt.Errorf("getAmountsOut via %s: short return: %d bytes", router.Hex(), len(out))
	}
	last := out[need-32 : need]
	return new(big.Int).SetBytes(last), nil
}

// SimulateSell dry-runs a token-to-WETH swap through the router with eth_call
// from the probe address. A revert is the classic honeypot signature: buys
// succeed, sells do not. The returned output amount lets the caller estimate
// effective sell tax against the quoted amount.
func (c *Client) SimulateSell(ctx context.Context, router, token, weth, from common.Address, amountIn *big.Int) (*big.Int, error) {
	quoted, err := c.AmountsOut(ctx, router, amountIn, []common.Address{token, weth})
	if err != nil {
		return nil, err
	}
	// swapExactTokensForETHSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)
	sel := []byte{0x79, 0x1a, 0xc9, 0x47}
	deadline := big.NewInt(1<<62 - 1)
	data := make([]byte, 0, 4+32*9)
	data = append(data, sel...)
	data = append(data, common.LeftPadBytes(amountIn.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(0).Bytes(), 32)...)   // amountOutMin
	data = append(data, common.LeftPadBytes(big.NewInt(160).Bytes(), 32)...) // path offset
	data = append(data, common.LeftPadBytes(from.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(deadline.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(2).Bytes(), 32)...) // path length
	data = append(data, common.LeftPadBytes(token.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(weth.Bytes(), 32)...)

	if _, err := c.ec.CallContract(ctx, ethereum.CallMsg{From: from, To: &router, Data: data}, nil); err != nil {
		return nil, fmt.Errorf("sell simulation reverted: %w", err)
	}
	return quoted, nil
}

// FilterLogs fetches historical logs, used to bound-replay a small gap when
// the missed range is short enough.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.ec.FilterLogs(ctx, q)
}
