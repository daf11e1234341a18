package fraud

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	txOrder      []string // ids in ingestion order
	alerts       map[string]*Alert
	alertOrder   []string
	alertsByTx   map[string]string // transaction id -> alert id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		alerts:       make(map[string]*Alert),
		alertsByTx:   make(map[string]string),
	}
}

func (m *MemoryStore) SaveTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; ok {
		return ErrDuplicateTransaction
	}
	cp := *tx
	m.transactions[tx.ID] = &cp
	m.txOrder = append(m.txOrder, tx.ID)
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) UpdateTransactionStatus(_ context.Context, id string, status TransactionStatus) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	tx.Status = status
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListRecentTransactions(_ context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Transaction, 0, limit)
	for i := len(m.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.transactions[m.txOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SaveAlert(_ context.Context, alert *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alertsByTx[alert.TransactionID]; ok {
		return ErrDuplicateAlert
	}
	cp := *alert
	m.alerts[alert.ID] = &cp
	m.alertOrder = append(m.alertOrder, alert.ID)
	m.alertsByTx[alert.TransactionID] = alert.ID
	return nil
}

func (m *MemoryStore) AlertExistsForTransaction(_ context.Context, txID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.alertsByTx[txID]
	return ok, nil
}

func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Alert, 0, limit)
	for i := len(m.alertOrder) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.alerts[m.alertOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}
