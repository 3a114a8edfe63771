package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stakeledger/internal/circuitbreaker"
	"github.com/mbd888/stakeledger/internal/clock"
)

var _ clock.HeaderReader = (EthClient)(nil)

var (
	collectionAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	tokenAddr      = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	holderAddr     = common.HexToAddress("0x000000000000000000000000000000000000a11c")
)

// fakeEth is an in-memory chain with one ERC-721 collection and one ERC-20
// token. Sent transactions are applied immediately.
type fakeEth struct {
	mu         sync.Mutex
	erc721     abi.ABI
	erc20      abi.ABI
	owners     map[string]common.Address
	balances   map[common.Address]*big.Int
	receipts   map[common.Hash]*types.Receipt
	sent       []*types.Transaction
	revert     bool
	noReceipts bool
	sendErr    error
	nonce      uint64
}

func newFakeEth(t *testing.T) *fakeEth {
	t.Helper()
	erc721, err := abi.JSON(strings.NewReader(erc721ABI))
	require.NoError(t, err)
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	return &fakeEth{
		erc721:   erc721,
		erc20:    erc20,
		owners:   make(map[string]common.Address),
		balances: make(map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++

	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	} else {
		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err != nil {
			return err
		}
		f.apply(from, *tx.To(), tx.Data())
	}
	if !f.noReceipts {
		f.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: big.NewInt(100), GasUsed: 50_000}
	}
	return nil
}

func (f *fakeEth) apply(from, to common.Address, data []byte) {
	switch to {
	case collectionAddr:
		args, _ := f.erc721.Methods["transferFrom"].Inputs.Unpack(data[4:])
		id := args[2].(*big.Int)
		f.owners[id.String()] = args[1].(common.Address)
	case tokenAddr:
		args, _ := f.erc20.Methods["transfer"].Inputs.Unpack(data[4:])
		recipient, amount := args[0].(common.Address), args[1].(*big.Int)
		f.balances[from].Sub(f.balances[from], amount)
		if f.balances[recipient] == nil {
			f.balances[recipient] = new(big.Int)
		}
		f.balances[recipient].Add(f.balances[recipient], amount)
	}
}

func (f *fakeEth) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeEth) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch *call.To {
	case collectionAddr:
		args, err := f.erc721.Methods["ownerOf"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		owner, ok := f.owners[args[0].(*big.Int).String()]
		if !ok {
			return nil, errors.New("execution reverted: ERC721: invalid token ID")
		}
		return f.erc721.Methods["ownerOf"].Outputs.Pack(owner)
	case tokenAddr:
		args, err := f.erc20.Methods["balanceOf"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		bal := f.balances[args[0].(common.Address)]
		if bal == nil {
			bal = new(big.Int)
		}
		return f.erc20.Methods["balanceOf"].Outputs.Pack(bal)
	}
	return nil, errors.New("unknown contract")
}

func (f *fakeEth) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), Time: 1_700_000_000}, nil
}

func (f *fakeEth) Close() {}

func newTestSigner(t *testing.T, client EthClient, opts ...Option) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(context.Background(), Config{
		RPCURL:              "http://fake",
		PrivateKey:          "0x" + common.Bytes2Hex(crypto.FromECDSA(key)),
		ChainID:             84532,
		ConfirmationTimeout: 200 * time.Millisecond,
	}, append([]Option{WithClient(client), WithPollInterval(5 * time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestNewSigner_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := NewSigner(ctx, Config{PrivateKey: strings.Repeat("a", 64), ChainID: 1})
	assert.ErrorIs(t, err, ErrRPCConnection)
	_, err = NewSigner(ctx, Config{RPCURL: "http://x", PrivateKey: "abcd", ChainID: 1})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
	_, err = NewSigner(ctx, Config{RPCURL: "http://x", PrivateKey: strings.Repeat("z", 64), ChainID: 1})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
	_, err = NewSigner(ctx, Config{RPCURL: "http://x", PrivateKey: strings.Repeat("a", 64)})
	assert.Error(t, err)
}

func TestERC721Custodian_TransferInAndOut(t *testing.T) {
	eth := newFakeEth(t)
	signer := newTestSigner(t, eth)
	custodian, err := NewERC721Custodian(signer, collectionAddr.Hex())
	require.NoError(t, err)
	ctx := context.Background()

	eth.owners["42"] = holderAddr

	require.NoError(t, custodian.TransferIn(ctx, holderAddr.Hex(), "42"))
	owner, err := custodian.OwnerOf(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), owner)
	require.Len(t, eth.sent, 1)
	assert.Equal(t, collectionAddr, *eth.sent[0].To())

	err = custodian.TransferIn(ctx, holderAddr.Hex(), "42")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Len(t, eth.sent, 1, "no transaction for a failed ownership check")

	require.NoError(t, custodian.TransferOut(ctx, strings.ToLower(holderAddr.Hex()), "42"))
	owner, err = custodian.OwnerOf(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, holderAddr, owner)
	assert.Equal(t, uint64(2), eth.nonce)
}

func TestERC721Custodian_Errors(t *testing.T) {
	eth := newFakeEth(t)
	signer := newTestSigner(t, eth)
	custodian, err := NewERC721Custodian(signer, collectionAddr.Hex())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = NewERC721Custodian(signer, "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	assert.ErrorIs(t, custodian.TransferIn(ctx, "nope", "1"), ErrInvalidAddress)
	assert.ErrorIs(t, custodian.TransferIn(ctx, holderAddr.Hex(), "one"), ErrInvalidItem)
	assert.Error(t, custodian.TransferIn(ctx, holderAddr.Hex(), "7"), "unknown token")

	eth.owners["7"] = holderAddr
	eth.revert = true
	err = custodian.TransferIn(ctx, holderAddr.Hex(), "7")
	assert.ErrorIs(t, err, ErrTransactionFailed)
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.NotEmpty(t, txErr.TxHash)
}

func TestSigner_ConfirmationTimeout(t *testing.T) {
	eth := newFakeEth(t)
	eth.noReceipts = true
	signer := newTestSigner(t, eth)
	custodian, err := NewERC721Custodian(signer, collectionAddr.Hex())
	require.NoError(t, err)

	eth.owners["1"] = holderAddr
	err = custodian.TransferIn(context.Background(), holderAddr.Hex(), "1")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestERC20Payer(t *testing.T) {
	eth := newFakeEth(t)
	signer := newTestSigner(t, eth)
	payer, err := NewERC20Payer(signer, tokenAddr.Hex())
	require.NoError(t, err)
	ctx := context.Background()

	eth.balances[signer.Address()] = big.NewInt(1_000)

	bal, err := payer.BalanceOf(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), bal.Uint64())

	require.NoError(t, payer.PayOut(ctx, holderAddr.Hex(), uint256.NewInt(250)))
	bal, err = payer.BalanceOf(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), bal.Uint64())
	assert.Equal(t, int64(250), eth.balances[holderAddr].Int64())

	eth.revert = true
	err = payer.PayOut(ctx, holderAddr.Hex(), uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrTransactionFailed)

	assert.ErrorIs(t, payer.PayOut(ctx, "0x123", uint256.NewInt(1)), ErrInvalidAddress)
}

func TestSigner_CircuitOpensOnRPCFailures(t *testing.T) {
	eth := newFakeEth(t)
	breaker := circuitbreaker.New(2, time.Minute)
	signer := newTestSigner(t, eth, WithBreaker(breaker))
	payer, err := NewERC20Payer(signer, tokenAddr.Hex())
	require.NoError(t, err)
	custodian, err := NewERC721Custodian(signer, collectionAddr.Hex())
	require.NoError(t, err)
	ctx := context.Background()

	eth.balances[signer.Address()] = big.NewInt(100)
	eth.sendErr = errors.New("connection refused")

	for i := 0; i < 2; i++ {
		err := payer.PayOut(ctx, holderAddr.Hex(), uint256.NewInt(1))
		var txErr *TxError
		require.ErrorAs(t, err, &txErr)
		assert.Equal(t, "payout.send", txErr.Op)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(tokenAddr.Hex()))

	eth.sendErr = nil
	err = payer.PayOut(ctx, holderAddr.Hex(), uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	_, err = payer.BalanceOf(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, eth.sent)

	// other contracts keep their own circuit
	eth.owners["3"] = holderAddr
	require.NoError(t, custodian.TransferIn(ctx, holderAddr.Hex(), "3"))
}

func TestSigner_RevertsDoNotOpenCircuit(t *testing.T) {
	eth := newFakeEth(t)
	breaker := circuitbreaker.New(1, time.Minute)
	signer := newTestSigner(t, eth, WithBreaker(breaker))
	custodian, err := NewERC721Custodian(signer, collectionAddr.Hex())
	require.NoError(t, err)
	ctx := context.Background()

	// ownerOf reverts for unknown tokens
	assert.Error(t, custodian.TransferIn(ctx, holderAddr.Hex(), "404"))

	eth.owners["5"] = holderAddr
	eth.revert = true
	assert.ErrorIs(t, custodian.TransferIn(ctx, holderAddr.Hex(), "5"), ErrTransactionFailed)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(collectionAddr.Hex()))
}
