// Package chain moves staked items and reward tokens on an EVM chain. The
// ledger's custody account signs every transaction; item owners approve it
// on the collection before staking.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/stakeledger/internal/circuitbreaker"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrInvalidItem       = errors.New("chain: invalid item id")
	ErrNotOwner          = errors.New("chain: item not owned by sender")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrCircuitOpen       = errors.New("chain: endpoint circuit open")
)

// TxError wraps transaction failures with context
type TxError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

const (
	// DefaultGasLimit is used when estimation fails
	DefaultGasLimit = uint64(150000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 60 * time.Second

	// DefaultPollInterval between receipt checks
	DefaultPollInterval = 2 * time.Second
)

// Config for creating a new signer
type Config struct {
	RPCURL              string
	PrivateKey          string // Hex string, 0x prefix optional
	ChainID             int64
	ConfirmationTimeout time.Duration
}

// Option configures the signer
type Option func(*Signer)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(s *Signer) {
		s.client = client
	}
}

// WithPollInterval overrides the receipt polling interval
func WithPollInterval(d time.Duration) Option {
	return func(s *Signer) {
		s.pollInterval = d
	}
}

// WithBreaker replaces the per-contract circuit breaker
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Signer) {
		s.breaker = b
	}
}

// Signer sends transactions from the custody account and waits for them to
// be mined. Sends are serialized so nonces never collide.
type Signer struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	timeout      time.Duration
	pollInterval time.Duration
	breaker      *circuitbreaker.Breaker

	sendMu sync.Mutex
}

// NewSigner creates a new Signer, dialing cfg.RPCURL unless a client is given.
func NewSigner(ctx context.Context, cfg Config, opts ...Option) (*Signer, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	s := &Signer{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:      big.NewInt(cfg.ChainID),
		timeout:      cfg.ConfirmationTimeout,
		pollInterval: DefaultPollInterval,
		breaker:      circuitbreaker.New(5, 30*time.Second),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultConfirmationTimeout
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		s.client = client
	}
	return s, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	return nil
}

// Address returns the custody account address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Client returns the underlying client. It also serves block headers to the
// ledger clock.
func (s *Signer) Client() EthClient {
	return s.client
}

// Close closes the client connection
func (s *Signer) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// call runs a read-only contract call at the latest block.
func (s *Signer) call(ctx context.Context, op string, to common.Address, data []byte) ([]byte, error) {
	key := to.Hex()
	if !s.breaker.Allow(key) {
		return nil, &TxError{Op: op, Err: ErrCircuitOpen}
	}
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{From: s.address, To: &to, Data: data}, nil)
	s.record(key, err)
	return out, err
}

// transact signs and sends a call to contract, then waits for it to be mined.
func (s *Signer) transact(ctx context.Context, op string, contract common.Address, data []byte) (*types.Receipt, error) {
	key := contract.Hex()
	if !s.breaker.Allow(key) {
		return nil, &TxError{Op: op, Err: ErrCircuitOpen}
	}
	hash, err := s.send(ctx, op, contract, data)
	if err != nil {
		s.record(key, err)
		return nil, err
	}
	receipt, err := s.waitMined(ctx, op, hash)
	s.record(key, err)
	return receipt, err
}

// record feeds the outcome of an RPC round trip to the breaker. Reverts and
// failed estimates mean the endpoint answered, so they count as healthy.
func (s *Signer) record(key string, err error) {
	var txErr *TxError
	switch {
	case err == nil,
		errors.Is(err, ErrTransactionFailed),
		errors.As(err, &txErr) && strings.HasSuffix(txErr.Op, ".estimate"),
		isRevert(err):
		s.breaker.RecordSuccess(key)
	case errors.Is(err, context.Canceled):
	default:
		s.breaker.RecordFailure(key)
	}
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

func (s *Signer) send(ctx context.Context, op string, contract common.Address, data []byte) (common.Hash, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, &TxError{Op: op + ".nonce", Err: err}
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &TxError{Op: op + ".gas_price", Err: err}
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// estimation fails when the call would revert
		return common.Hash{}, &TxError{Op: op + ".estimate", Err: err}
	}
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
	if err != nil {
		return common.Hash{}, &TxError{Op: op + ".sign", Err: err}
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &TxError{Op: op + ".send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed.Hash(), nil
}

// waitMined polls for the receipt of hash until it is mined or the
// confirmation timeout passes.
func (s *Signer) waitMined(ctx context.Context, op string, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &TxError{Op: op, TxHash: hash.Hex(), Err: ErrTransactionFailed}
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Op: op, TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func parseAddress(addr string) (common.Address, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr), nil
}
