package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// ERC20Payer pays rewards from the signer's balance of one ERC-20 token.
type ERC20Payer struct {
	signer *Signer
	token  common.Address
	abi    abi.ABI
}

// NewERC20Payer binds signer to the token at address.
func NewERC20Payer(signer *Signer, token string) (*ERC20Payer, error) {
	addr, err := parseAddress(token)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &ERC20Payer{signer: signer, token: addr, abi: parsed}, nil
}

// BalanceOf returns the custody account's token balance.
func (p *ERC20Payer) BalanceOf(ctx context.Context) (*uint256.Int, error) {
	data, err := p.abi.Pack("balanceOf", p.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	result, err := p.signer.call(ctx, "balance_of", p.token, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	balance, overflow := uint256.FromBig(new(big.Int).SetBytes(result))
	if overflow {
		return nil, fmt.Errorf("balanceOf returned more than 256 bits")
	}
	return balance, nil
}

// PayOut transfers amount to recipient and waits for the transfer to be
// mined.
func (p *ERC20Payer) PayOut(ctx context.Context, recipient string, amount *uint256.Int) error {
	to, err := parseAddress(recipient)
	if err != nil {
		return err
	}
	data, err := p.abi.Pack("transfer", to, amount.ToBig())
	if err != nil {
		return &TxError{Op: "payout.pack", Err: err}
	}
	_, err = p.signer.transact(ctx, "payout", p.token, data)
	return err
}
