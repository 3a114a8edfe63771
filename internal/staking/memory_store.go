package staking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time assertions.
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)

// MemoryStore is an in-memory Store implementation for demo/testing.
// Transactions take the write lock for their whole duration and restore a
// snapshot when they fail.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	params   *Parameters
	rates    []RateEntry
	records  map[string]*StakeRecord
	accounts map[string]*RewardAccount
	events   []*Event
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func newMemState() *memState {
	return &memState{
		records:  make(map[string]*StakeRecord),
		accounts: make(map[string]*RewardAccount),
	}
}

func recordKey(owner, itemID string) string { return owner + "/" + itemID }

// clone copies every value the store hands out by pointer. Events are
// immutable once appended, so the slice header copy suffices for them.
func (s *memState) clone() *memState {
	cp := newMemState()
	if s.params != nil {
		p := *s.params
		cp.params = &p
	}
	cp.rates = append([]RateEntry(nil), s.rates...)
	for k, r := range s.records {
		cp.records[k] = r.Clone()
	}
	for k, a := range s.accounts {
		cp.accounts[k] = a.Clone()
	}
	cp.events = s.events[:len(s.events):len(s.events)]
	return cp
}

// WithTx implements Store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memoryTx{state: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) GetParameters(ctx context.Context) (*Parameters, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getParameters()
}

func (m *MemoryStore) ListRates(ctx context.Context) ([]RateEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listRates(), nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, owner, itemID string) (*StakeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getRecord(owner, itemID)
}

func (m *MemoryStore) ListRecordsByOwner(ctx context.Context, owner string) ([]*StakeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listRecordsByOwner(owner), nil
}

func (m *MemoryStore) ListUnbonding(ctx context.Context, startedBefore time.Time, limit int) ([]*StakeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listUnbonding(startedBefore, limit), nil
}

func (m *MemoryStore) Stats(ctx context.Context, withdrawableBefore time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.stats(withdrawableBefore), nil
}

func (m *MemoryStore) GetRewardAccount(ctx context.Context, owner string) (*RewardAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getRewardAccount(owner), nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, owner, before string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listEvents(owner, before, limit), nil
}

// memoryTx runs under the store's write lock.
type memoryTx struct {
	state *memState
}

func (t *memoryTx) GetParameters(context.Context) (*Parameters, error) {
	return t.state.getParameters()
}

func (t *memoryTx) ListRates(context.Context) ([]RateEntry, error) {
	return t.state.listRates(), nil
}

func (t *memoryTx) GetRecord(_ context.Context, owner, itemID string) (*StakeRecord, error) {
	return t.state.getRecord(owner, itemID)
}

func (t *memoryTx) ListRecordsByOwner(_ context.Context, owner string) ([]*StakeRecord, error) {
	return t.state.listRecordsByOwner(owner), nil
}

func (t *memoryTx) ListUnbonding(_ context.Context, startedBefore time.Time, limit int) ([]*StakeRecord, error) {
	return t.state.listUnbonding(startedBefore, limit), nil
}

func (t *memoryTx) Stats(_ context.Context, withdrawableBefore time.Time) (*Stats, error) {
	return t.state.stats(withdrawableBefore), nil
}

func (t *memoryTx) GetRewardAccount(_ context.Context, owner string) (*RewardAccount, error) {
	return t.state.getRewardAccount(owner), nil
}

func (t *memoryTx) ListEvents(_ context.Context, owner, before string, limit int) ([]*Event, error) {
	return t.state.listEvents(owner, before, limit), nil
}

func (t *memoryTx) PutParameters(_ context.Context, p *Parameters) error {
	cp := *p
	t.state.params = &cp
	return nil
}

func (t *memoryTx) AppendRate(_ context.Context, e RateEntry) error {
	if n := len(t.state.rates); n > 0 && e.EffectiveFromTick <= t.state.rates[n-1].EffectiveFromTick {
		return ErrNonMonotonicTick
	}
	t.state.rates = append(t.state.rates, e)
	return nil
}

func (t *memoryTx) CreateRecord(_ context.Context, r *StakeRecord) error {
	key := recordKey(r.Owner, r.ItemID)
	if _, ok := t.state.records[key]; ok {
		return ErrAlreadyStaked
	}
	t.state.records[key] = r.Clone()
	return nil
}

func (t *memoryTx) UpdateRecord(_ context.Context, r *StakeRecord) error {
	key := recordKey(r.Owner, r.ItemID)
	if _, ok := t.state.records[key]; !ok {
		return ErrNotStaked
	}
	t.state.records[key] = r.Clone()
	return nil
}

func (t *memoryTx) DeleteRecord(_ context.Context, owner, itemID string) error {
	key := recordKey(owner, itemID)
	if _, ok := t.state.records[key]; !ok {
		return ErrNotStaked
	}
	delete(t.state.records, key)
	return nil
}

func (t *memoryTx) PutRewardAccount(_ context.Context, a *RewardAccount) error {
	t.state.accounts[a.Owner] = a.Clone()
	return nil
}

func (t *memoryTx) AppendEvent(_ context.Context, e *Event) error {
	cp := *e
	t.state.events = append(t.state.events, &cp)
	return nil
}

// --- shared read paths ---

func (s *memState) getParameters() (*Parameters, error) {
	if s.params == nil {
		return nil, ErrNotInitialized
	}
	cp := *s.params
	return &cp, nil
}

func (s *memState) listRates() []RateEntry {
	return append([]RateEntry(nil), s.rates...)
}

func (s *memState) getRecord(owner, itemID string) (*StakeRecord, error) {
	r, ok := s.records[recordKey(owner, itemID)]
	if !ok {
		return nil, ErrNotStaked
	}
	return r.Clone(), nil
}

func (s *memState) listRecordsByOwner(owner string) []*StakeRecord {
	var result []*StakeRecord
	for _, r := range s.records {
		if r.Owner == owner {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StakedAtTick != result[j].StakedAtTick {
			return result[i].StakedAtTick < result[j].StakedAtTick
		}
		return result[i].ItemID < result[j].ItemID
	})
	return result
}

func (s *memState) listUnbonding(startedBefore time.Time, limit int) []*StakeRecord {
	var result []*StakeRecord
	for _, r := range s.records {
		if r.IsUnbonding && r.UnbondingStartedAt != nil && !r.UnbondingStartedAt.After(startedBefore) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UnbondingStartedAt.Before(*result[j].UnbondingStartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *memState) stats(withdrawableBefore time.Time) *Stats {
	st := &Stats{}
	for _, r := range s.records {
		if !r.IsUnbonding {
			st.Staked++
			continue
		}
		st.Unbonding++
		if r.UnbondingStartedAt != nil && !r.UnbondingStartedAt.After(withdrawableBefore) {
			st.Withdrawable++
		}
	}
	return st
}

func (s *memState) getRewardAccount(owner string) *RewardAccount {
	if a, ok := s.accounts[owner]; ok {
		return a.Clone()
	}
	return &RewardAccount{Owner: owner}
}

func (s *memState) listEvents(owner, before string, limit int) []*Event {
	start := len(s.events) - 1
	if before != "" {
		start = -1
		for i, e := range s.events {
			if e.ID == before {
				start = i - 1
				break
			}
		}
	}
	var result []*Event
	for i := start; i >= 0; i-- {
		e := s.events[i]
		if owner != "" && e.Owner != owner {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}
