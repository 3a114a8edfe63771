// Package auth maps API keys to owner addresses.
//
// Reads of the ledger are public. Stake, unstake, withdraw and claim act for
// the address the presented key belongs to, and the admin routes further
// require that address to be the ledger administrator.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrKeyExists     = errors.New("API key already exists")
)

const (
	keyPrefix = "sk_"
	idPrefix  = "ak_"
	// imported keys must carry at least this many bytes after the prefix
	minImportedSecret = 16
	// LastUsed is written at most this often per key
	touchInterval = time.Minute
)

// APIKey is the stored form of a key. The raw key is never kept.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Address   string     `json:"address"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

func (k *APIKey) usable(now time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || now.Before(*k.ExpiresAt))
}

// Store persists API keys.
type Store interface {
	// Create returns ErrKeyExists when a key with the same hash is stored.
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAddress(ctx context.Context, addr string) ([]*APIKey, error)
	// Update stores LastUsed and Revoked. Revocation is sticky.
	Update(ctx context.Context, key *APIKey) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithKeyTTL makes generated keys expire ttl after creation. Imported keys
// never expire.
func WithKeyTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// Manager issues and checks keys.
type Manager struct {
	store Store
	now   func() time.Time
	ttl   time.Duration
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GenerateKey creates a key for address. The raw key is returned once and
// only its hash is stored.
func (m *Manager) GenerateKey(ctx context.Context, address, name string) (string, *APIKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, err
	}
	raw := keyPrefix + hex.EncodeToString(secret)

	key := m.newKey(hashKey(raw), address, name)
	if m.ttl > 0 {
		exp := key.CreatedAt.Add(m.ttl)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ImportKey registers a key from configuration, such as the administrator
// key. Importing the same key for the same address again returns the stored
// key; for another address it fails with ErrKeyExists.
func (m *Manager) ImportKey(ctx context.Context, raw, address, name string) (*APIKey, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, keyPrefix) || len(raw) < len(keyPrefix)+minImportedSecret {
		return nil, ErrInvalidAPIKey
	}
	hash := hashKey(raw)
	existing, err := m.store.GetByHash(ctx, hash)
	switch {
	case err == nil && strings.EqualFold(existing.Address, address):
		return existing, nil
	case err == nil:
		return nil, ErrKeyExists
	case !errors.Is(err, ErrKeyNotFound):
		return nil, err
	}

	key := m.newKey(hash, address, name)
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (m *Manager) newKey(hash, address, name string) *APIKey {
	return &APIKey{
		ID:        idPrefix + hash[:16],
		Hash:      hash,
		Address:   strings.ToLower(address),
		Name:      name,
		CreatedAt: m.now(),
	}
}

// ValidateKey returns the live key for raw. A leading "Bearer " is accepted.
func (m *Manager) ValidateKey(ctx context.Context, raw string) (*APIKey, error) {
	raw = stripScheme(raw)
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.usable(now) {
		return nil, ErrInvalidAPIKey
	}
	if now.Sub(key.LastUsed) >= touchInterval {
		m.touch(*key, now)
	}
	return key, nil
}

// touch records use off the request path. Failures only cost accuracy of
// LastUsed.
func (m *Manager) touch(key APIKey, at time.Time) {
	key.LastUsed = at
	key.Revoked = false
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.store.Update(ctx, &key)
	}()
}

// ListKeys returns every key of address, revoked ones included.
func (m *Manager) ListKeys(ctx context.Context, address string) ([]*APIKey, error) {
	return m.store.GetByAddress(ctx, strings.ToLower(address))
}

// RevokeKey revokes keyID if address owns it and it is not revoked yet.
func (m *Manager) RevokeKey(ctx context.Context, keyID, address string) error {
	keys, err := m.ListKeys(ctx, address)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID != keyID || k.Revoked {
			continue
		}
		k.Revoked = true
		return m.store.Update(ctx, k)
	}
	return ErrKeyNotFound
}

// stripScheme drops a case-insensitive "Bearer " prefix and surrounding space.
func stripScheme(s string) string {
	s = strings.TrimSpace(s)
	if scheme, token, ok := strings.Cut(s, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return s
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
