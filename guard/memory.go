package guard

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

// MemoryStore is an in-process Store. It is only safe for a single
// facilitator process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Reserve(_ context.Context, nonce string, expiresAt time.Time) error {
	if nonce == "" {
		return ErrEmptyNonce
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[nonce]; ok {
		return ErrNonceExists
	}
	m.entries[nonce] = memoryEntry{state: StateOutstanding, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, nonce string, expiresAt time.Time) (bool, State, error) {
	if nonce == "" {
		return false, StateAbsent, ErrEmptyNonce
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[nonce]
	switch {
	case !ok:
		m.entries[nonce] = memoryEntry{state: StateClaimed, expiresAt: expiresAt}
		return true, StateAbsent, nil
	case e.state == StateOutstanding:
		e.state = StateClaimed
		m.entries[nonce] = e
		return true, StateOutstanding, nil
	default:
		return false, e.state, nil
	}
}

func (m *MemoryStore) Finalize(_ context.Context, nonce string, outcome State) error {
	if err := checkOutcome(outcome); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[nonce]
	if !ok || e.state != StateClaimed {
		return ErrNotClaimed
	}
	e.state = outcome
	m.entries[nonce] = e
	return nil
}

func (m *MemoryStore) State(_ context.Context, nonce string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[nonce].state, nil
}

func (m *MemoryStore) Lookup(_ context.Context, nonce string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[nonce]
	return Entry{State: e.state, ExpiresAt: e.expiresAt}, nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for nonce, e := range m.entries {
		if e.expiresAt.IsZero() || !e.expiresAt.Before(now) {
			continue
		}
		if e.state == StateOutstanding || e.state == StateDead {
			delete(m.entries, nonce)
			removed++
		}
	}
	return removed, nil
}
