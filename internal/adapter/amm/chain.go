package amm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// getReserves() on a Uniswap V2 style pair.
var getReservesSelector = ethcrypto.Keccak256([]byte("getReserves()"))[:4]

// ReserveReader reads raw pool reserves in token0/token1 order.
type ReserveReader interface {
	Reserves(ctx context.Context, pool common.Address) (reserve0, reserve1 *big.Int, err error)
}

// EthReserveReader reads pair reserves over JSON-RPC.
type EthReserveReader struct {
	client *ethclient.Client
}

// DialReserveReader connects to an Ethereum JSON-RPC endpoint.
func DialReserveReader(ctx context.Context, rpcURL string) (*EthReserveReader, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("amm: dial %s: %w", rpcURL, err)
	}
	return &EthReserveReader{client: c}, nil
}

// Reserves calls getReserves() on pool at the latest block.
func (r *EthReserveReader) Reserves(ctx context.Context, pool common.Address) (*big.Int, *big.Int, error) {
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: getReservesSelector}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("amm: getReserves %s: %w", pool.Hex(), err)
	}
	return decodeReserves(out)
}

// Close releases the RPC connection.
func (r *EthReserveReader) Close() {
	r.client.Close()
}

// decodeReserves unpacks (uint112 reserve0, uint112 reserve1, uint32 ts).
func decodeReserves(out []byte) (*big.Int, *big.Int, error) {
	if len(out) < 64 {
		return nil, nil, errors.New("amm: short getReserves response")
	}
	r0 := new(big.Int).SetBytes(out[0:32])
	r1 := new(big.Int).SetBytes(out[32:64])
	return r0, r1, nil
}

// SwapRequest is one exact-input swap.
type SwapRequest struct {
	Pool         common.Address
	Symbol       string
	Buy          bool
	AmountIn     float64
	MinAmountOut float64
	// ExpectedOut is the quote the adapter priced the swap at.
	ExpectedOut float64
	Route       []string
	Deadline    time.Time
}

// SwapReceipt is the settled outcome of a swap.
type SwapReceipt struct {
	TxHash    common.Hash
	AmountOut float64
	GasCost   float64
}

// SwapExecutor submits swaps. Transaction signing lives behind this interface.
type SwapExecutor interface {
	Swap(ctx context.Context, req SwapRequest) (SwapReceipt, error)
}

// DryRunExecutor settles every swap at its quoted amount without touching the
// chain. The hash is derived from the request so repeated runs are stable.
type DryRunExecutor struct {
	GasCost float64
}

func (d DryRunExecutor) Swap(_ context.Context, req SwapRequest) (SwapReceipt, error) {
	if req.ExpectedOut < req.MinAmountOut {
		return SwapReceipt{}, fmt.Errorf("amm: quote %.8f below minimum out %.8f", req.ExpectedOut, req.MinAmountOut)
	}
	payload := fmt.Sprintf("%s|%s|%t|%.12f|%d", req.Pool.Hex(), req.Symbol, req.Buy, req.AmountIn, req.Deadline.UnixNano())
	return SwapReceipt{
		TxHash:    ethcrypto.Keccak256Hash([]byte(payload)),
		AmountOut: req.ExpectedOut,
		GasCost:   d.GasCost,
	}, nil
}
