// Package idgen generates identifiers for ledger events and pool entries.
//
// IDs are UUIDv7 in hex: a millisecond timestamp first, so ids from one
// process sort in creation order.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// WithPrefix returns prefix followed by 32 hex characters (e.g. "evt_",
// "pool_").
func WithPrefix(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		panic("idgen: " + err.Error())
	}
	return prefix + hex.EncodeToString(u[:])
}
