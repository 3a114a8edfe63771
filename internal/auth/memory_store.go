package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps keys in process, indexed by hash.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*APIKey
	byID   map[string]string // id -> hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*APIKey),
		byID:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[key.Hash]; ok {
		return ErrKeyExists
	}
	if _, ok := s.byID[key.ID]; ok {
		return ErrKeyExists
	}
	cp := *key
	s.byHash[key.Hash] = &cp
	s.byID[key.ID] = key.Hash
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

// GetByAddress lists an owner's keys, newest first.
func (s *MemoryStore) GetByAddress(_ context.Context, addr string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*APIKey
	for _, k := range s.byHash {
		if strings.EqualFold(k.Address, addr) {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.byID[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	k := s.byHash[hash]
	if key.LastUsed.After(k.LastUsed) {
		k.LastUsed = key.LastUsed
	}
	k.Revoked = k.Revoked || key.Revoked
	return nil
}
