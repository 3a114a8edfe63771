package clock

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrChainRead is returned when the latest header cannot be read.
var ErrChainRead = errors.New("clock: chain read failed")

// HeaderReader is the subset of the go-ethereum client the chain clock needs.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Chain reads ticks from the latest block header of an EVM chain. The header
// timestamp is used as the wall clock so both readings come from the same block.
type Chain struct {
	client  HeaderReader
	closeFn func()
}

// NewChain wraps an existing header reader. The result is guarded so a
// reorganisation onto a shorter chain never moves the clock backwards.
func NewChain(client HeaderReader) *Monotonic {
	return NewMonotonic(&Chain{client: client})
}

// DialChain connects to an RPC endpoint and returns a guarded chain clock plus
// a function that closes the connection.
func DialChain(ctx context.Context, rpcURL string) (*Monotonic, func(), error) {
	if rpcURL == "" {
		return nil, nil, fmt.Errorf("%w: rpc url is required", ErrInvalidConfig)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrChainRead, err)
	}
	c := &Chain{client: client, closeFn: client.Close}
	return NewMonotonic(c), c.Close, nil
}

// Now implements Source.
func (c *Chain) Now(ctx context.Context) (Instant, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Instant{}, fmt.Errorf("%w: %v", ErrChainRead, err)
	}
	if header == nil || header.Number == nil {
		return Instant{}, fmt.Errorf("%w: empty header", ErrChainRead)
	}
	if !header.Number.IsUint64() {
		return Instant{}, fmt.Errorf("%w: block number out of range", ErrChainRead)
	}
	return Instant{
		Tick: header.Number.Uint64(),
		Time: time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

// Close releases the underlying connection if the clock owns one.
func (c *Chain) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}
