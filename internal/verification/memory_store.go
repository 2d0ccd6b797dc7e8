package verification

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory verification store for demo/development mode.
type MemoryStore struct {
	byAccount map[string]*Verification
	byInquiry map[string]string // inquiry id → account id
	events    map[string]time.Time
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory verification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAccount: make(map[string]*Verification),
		byInquiry: make(map[string]string),
		events:    make(map[string]time.Time),
	}
}

func (m *MemoryStore) Create(ctx context.Context, v *Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *v
	m.byAccount[v.AccountID] = &cp
	if v.InquiryID != "" {
		m.byInquiry[v.InquiryID] = v.AccountID
	}
	return nil
}

func (m *MemoryStore) GetByAccount(ctx context.Context, accountID string) (*Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.byAccount[accountID]
	if !ok {
		return nil, ErrVerificationNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) GetByInquiryID(ctx context.Context, inquiryID string) (*Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accountID, ok := m.byInquiry[inquiryID]
	if !ok {
		return nil, ErrVerificationNotFound
	}
	v, ok := m.byAccount[accountID]
	if !ok {
		return nil, ErrVerificationNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, v *Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.byAccount[v.AccountID]
	if !ok {
		return ErrVerificationNotFound
	}
	// Drop the superseded inquiry mapping so a late webhook for an
	// abandoned inquiry no longer resolves to this record.
	if prev.InquiryID != "" && prev.InquiryID != v.InquiryID {
		delete(m.byInquiry, prev.InquiryID)
	}
	cp := *v
	m.byAccount[v.AccountID] = &cp
	if v.InquiryID != "" {
		m.byInquiry[v.InquiryID] = v.AccountID
	}
	return nil
}

func (m *MemoryStore) ListPendingSync(ctx context.Context, limit int) ([]*Verification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Verification
	for _, v := range m.byAccount {
		if v.InquiryID == "" {
			continue
		}
		if v.Status != StatusInProgress && v.Status != StatusPendingReview {
			continue
		}
		cp := *v
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.events[eventID]; seen {
		return false, nil
	}
	m.events[eventID] = at
	return true, nil
}

func (m *MemoryStore) PruneEvents(ctx context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, at := range m.events {
		if at.Before(before) {
			delete(m.events, id)
		}
	}
	return nil
}
