package rewardpool

import (
	"context"
	"sync"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory pool store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	summary Summary
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory pool store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) GetSummary(context.Context) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.summary
	return &s, nil
}

func (m *MemoryStore) Credit(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var balance, funded = m.summary.Balance, m.summary.TotalFunded
	if _, overflow := balance.AddOverflow(&balance, &e.Amount); overflow {
		return ErrInvalidAmount
	}
	if _, overflow := funded.AddOverflow(&funded, &e.Amount); overflow {
		return ErrInvalidAmount
	}
	m.summary.Balance, m.summary.TotalFunded = balance, funded
	m.summary.UpdatedAt = e.CreatedAt
	m.append(e)
	return nil
}

func (m *MemoryStore) Debit(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.summary.Balance.Lt(&e.Amount) {
		return ErrInsufficientBalance
	}
	m.summary.Balance.Sub(&m.summary.Balance, &e.Amount)
	m.summary.TotalPaid.Add(&m.summary.TotalPaid, &e.Amount)
	m.summary.UpdatedAt = e.CreatedAt
	m.append(e)
	return nil
}

func (m *MemoryStore) append(e *Entry) {
	cp := *e
	m.entries = append(m.entries, &cp)
}

func (m *MemoryStore) History(_ context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if account != "" && e.Account != account {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
