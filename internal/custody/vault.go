// Package custody holds items of one non-fungible collection on behalf of
// their owners. Vault is the in-process collection used when no chain
// endpoint is configured: it tracks ownership itself and can mint.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidItem   = errors.New("invalid item id")
	ErrUnknownItem   = errors.New("item does not exist")
	ErrNotOwner      = errors.New("caller does not own item")
	ErrAlreadyMinted = errors.New("item already minted")
)

// Vault is an in-memory collection registry plus custody account.
type Vault struct {
	mu      sync.RWMutex
	address string
	owners  map[string]string // itemID → owner
}

// NewVault creates an empty collection whose custody account is address.
func NewVault(address string) *Vault {
	return &Vault{
		address: normalize(address),
		owners:  make(map[string]string),
	}
}

// Address returns the custody account that holds staked items.
func (v *Vault) Address() string { return v.address }

// Mint creates itemID owned by to.
func (v *Vault) Mint(_ context.Context, to, itemID string) (string, error) {
	to = normalize(to)
	if to == "" {
		return "", fmt.Errorf("%w: recipient is required", ErrNotOwner)
	}
	id, err := canonicalID(itemID)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.owners[id]; ok {
		return "", ErrAlreadyMinted
	}
	v.owners[id] = to
	return id, nil
}

// OwnerOf returns the current owner of itemID. Staked items are owned by
// the custody account.
func (v *Vault) OwnerOf(_ context.Context, itemID string) (string, error) {
	id, err := canonicalID(itemID)
	if err != nil {
		return "", err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	owner, ok := v.owners[id]
	if !ok {
		return "", ErrUnknownItem
	}
	return owner, nil
}

// ItemsOf lists the items owned by owner in ascending id order.
func (v *Vault) ItemsOf(_ context.Context, owner string) []string {
	owner = normalize(owner)
	v.mu.RLock()
	defer v.mu.RUnlock()

	var items []string
	for id, o := range v.owners {
		if o == owner {
			items = append(items, id)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if len(items[i]) != len(items[j]) {
			return len(items[i]) < len(items[j])
		}
		return items[i] < items[j]
	})
	return items
}

// TransferIn moves itemID from owner into custody.
func (v *Vault) TransferIn(ctx context.Context, owner, itemID string) error {
	return v.transfer(normalize(owner), v.address, itemID)
}

// TransferOut returns itemID from custody to owner.
func (v *Vault) TransferOut(ctx context.Context, owner, itemID string) error {
	return v.transfer(v.address, normalize(owner), itemID)
}

func (v *Vault) transfer(from, to, itemID string) error {
	id, err := canonicalID(itemID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	current, ok := v.owners[id]
	if !ok {
		return ErrUnknownItem
	}
	if current != from || from == "" {
		return fmt.Errorf("%w: item %s is held by %s", ErrNotOwner, id, current)
	}
	v.owners[id] = to
	return nil
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func canonicalID(itemID string) (string, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(itemID))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidItem, itemID)
	}
	return v.Dec(), nil
}
