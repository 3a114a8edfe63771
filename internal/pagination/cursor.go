// Package pagination encodes opaque cursors for newest-first listings such
// as the ledger event log.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

const sep = "."

// Cursor points at the last row of a page. The next page starts strictly
// after it.
type Cursor struct {
	ID        string
	CreatedAt time.Time
}

// String encodes c as URL-safe text.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 36) + sep + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Encode is shorthand for Cursor{ID: id, CreatedAt: createdAt}.String().
func Encode(createdAt time.Time, id string) string {
	return Cursor{ID: id, CreatedAt: createdAt}.String()
}

// Decode parses s. An empty s is the first page and yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), sep)
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{ID: id, CreatedAt: time.Unix(0, nanos).UTC()}, nil
}

// ComputePage trims rows, fetched with limit+1, down to limit and returns
// the cursor for the following page. key extracts the cursor fields of a row.
func ComputePage[T any](rows []T, limit int, key func(T) (time.Time, string)) (page []T, next string, more bool) {
	if limit <= 0 || len(rows) <= limit {
		return rows, "", false
	}
	page = rows[:limit]
	createdAt, id := key(page[limit-1])
	return page, Encode(createdAt, id), true
}
