package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*Transaction
	byNonce     map[string]string
	bySignature map[string]string
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*Transaction),
		byNonce:     make(map[string]string),
		bySignature: make(map[string]string),
		now:         time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byNonce[tx.Nonce]; ok {
		return ErrDuplicate
	}
	if tx.Signature != "" {
		if _, ok := m.bySignature[tx.Signature]; ok {
			return ErrDuplicate
		}
	}

	prepare(tx, m.now())
	stored := *tx
	m.byID[stored.ID] = &stored
	m.byNonce[stored.Nonce] = stored.ID
	if stored.Signature != "" {
		m.bySignature[stored.Signature] = stored.ID
	}
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, id string, status Status, signature string) error {
	if err := checkFinal(status); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != StatusPending {
		return ErrInvalidTransition
	}
	if signature != "" && tx.Signature == "" {
		if _, taken := m.bySignature[signature]; taken {
			return ErrDuplicate
		}
		tx.Signature = signature
		m.bySignature[signature] = id
	}
	tx.Status = status
	tx.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) GetByNonce(_ context.Context, nonce string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.byNonce, nonce)
}

func (m *MemoryStore) GetBySignature(_ context.Context, signature string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(m.bySignature, signature)
}

func (m *MemoryStore) lookup(index map[string]string, key string) (*Transaction, error) {
	id, ok := index[key]
	if !ok || key == "" {
		return nil, ErrNotFound
	}
	tx := *m.byID[id]
	return &tx, nil
}

func (m *MemoryStore) ListByPayer(_ context.Context, payer string, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Transaction
	for _, tx := range m.byID {
		if tx.Payer == payer {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
