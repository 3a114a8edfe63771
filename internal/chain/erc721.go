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

// ERC721 minimal ABI for custody transfers
const erc721ABI = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"getApproved","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"name":"isApprovedForAll","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"name":"transferFrom","outputs":[],"type":"function"}
]`

// ERC721Custodian holds items of one ERC-721 collection in the signer's
// account.
type ERC721Custodian struct {
	signer     *Signer
	collection common.Address
	abi        abi.ABI
}

// NewERC721Custodian binds signer to the collection at address.
func NewERC721Custodian(signer *Signer, collection string) (*ERC721Custodian, error) {
	addr, err := parseAddress(collection)
	if err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC721 ABI: %w", err)
	}
	return &ERC721Custodian{signer: signer, collection: addr, abi: parsed}, nil
}

// OwnerOf returns the current owner of itemID.
func (c *ERC721Custodian) OwnerOf(ctx context.Context, itemID string) (common.Address, error) {
	id, err := tokenID(itemID)
	if err != nil {
		return common.Address{}, err
	}
	data, err := c.abi.Pack("ownerOf", id)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack ownerOf call: %w", err)
	}
	result, err := c.signer.call(ctx, "owner_of", c.collection, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to call ownerOf: %w", err)
	}
	out, err := c.abi.Unpack("ownerOf", result)
	if err != nil || len(out) != 1 {
		return common.Address{}, fmt.Errorf("failed to decode ownerOf result: %v", err)
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected ownerOf result type %T", out[0])
	}
	return owner, nil
}

// TransferIn pulls itemID from owner into the custody account. The owner
// must have approved the custody account for the item or the collection.
func (c *ERC721Custodian) TransferIn(ctx context.Context, owner, itemID string) error {
	from, err := parseAddress(owner)
	if err != nil {
		return err
	}
	return c.transfer(ctx, "transfer_in", from, c.signer.Address(), itemID)
}

// TransferOut returns itemID from the custody account to owner.
func (c *ERC721Custodian) TransferOut(ctx context.Context, owner, itemID string) error {
	to, err := parseAddress(owner)
	if err != nil {
		return err
	}
	return c.transfer(ctx, "transfer_out", c.signer.Address(), to, itemID)
}

func (c *ERC721Custodian) transfer(ctx context.Context, op string, from, to common.Address, itemID string) error {
	current, err := c.OwnerOf(ctx, itemID)
	if err != nil {
		return err
	}
	if current != from {
		return fmt.Errorf("%w: item %s is owned by %s", ErrNotOwner, itemID, current.Hex())
	}

	id, _ := tokenID(itemID)
	data, err := c.abi.Pack("transferFrom", from, to, id)
	if err != nil {
		return &TxError{Op: op + ".pack", Err: err}
	}
	_, err = c.signer.transact(ctx, op, c.collection, data)
	return err
}

func tokenID(itemID string) (*big.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(itemID))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidItem, itemID)
	}
	return v.ToBig(), nil
}
