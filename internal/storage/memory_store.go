package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/service-matching/internal/models"
)

// MemoryStore is an in-process Store used for local runs and tests. Match
// transactions are serialized on a single mutex and staged until commit.
type MemoryStore struct {
	mu            sync.RWMutex
	requests      map[string]*models.ServiceRequest
	providers     map[string]models.Provider
	notifications map[string]map[string]models.NotificationRecord // request -> provider -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]*models.ServiceRequest),
		providers:     make(map[string]models.Provider),
		notifications: make(map[string]map[string]models.NotificationRecord),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to models.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrStatusConflict
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetPaymentIntent(ctx context.Context, id, paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.PaymentIntentID = paymentIntentID
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordExpansion(ctx context.Context, id string, radiusKm, attempt int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if (r.CurrentSearchRadius != nil && *r.CurrentSearchRadius > radiusKm) || r.ExpansionAttempts >= attempt {
		return ErrStaleExpansion
	}
	radius := radiusKm
	ts := at
	r.CurrentSearchRadius = &radius
	r.ExpansionAttempts = attempt
	r.LastExpansionAt = &ts
	r.UpdatedAt = at
	return nil
}

func (m *MemoryStore) UpsertProvider(ctx context.Context, p models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	m.providers[p.ID] = p
	return nil
}

func (m *MemoryStore) ApplyProviderUpdate(ctx context.Context, u models.ProviderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[u.ProviderID]
	if !ok {
		return ErrNotFound
	}
	loc := u.Loc
	p.Loc = &loc
	p.Available = u.Available
	p.UpdatedAt = u.ReportedAt
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	m.providers[p.ID] = p
	return nil
}

func (m *MemoryStore) InMatchTx(ctx context.Context, fn func(tx MatchTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{store: m, staged: make(map[string]map[string]models.NotificationRecord)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for reqID, byProvider := range tx.staged {
		dst, ok := m.notifications[reqID]
		if !ok {
			dst = make(map[string]models.NotificationRecord)
			m.notifications[reqID] = dst
		}
		for provID, rec := range byProvider {
			dst[provID] = rec
		}
	}
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, requestID string) ([]models.NotificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.NotificationRecord, 0, len(m.notifications[requestID]))
	for _, rec := range m.notifications[requestID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NotifiedAt.Equal(out[j].NotifiedAt) {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].NotifiedAt.Before(out[j].NotifiedAt)
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// memoryTx runs with MemoryStore.mu held.
type memoryTx struct {
	store  *MemoryStore
	staged map[string]map[string]models.NotificationRecord
}

func (t *memoryTx) exists(requestID, providerID string) bool {
	if _, ok := t.store.notifications[requestID][providerID]; ok {
		return true
	}
	_, ok := t.staged[requestID][providerID]
	return ok
}

func (t *memoryTx) EligibleProviders(ctx context.Context, requestID, serviceType string) ([]models.Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Provider, 0)
	for _, p := range t.store.providers {
		if !p.Available || p.ServiceType != serviceType {
			continue
		}
		if t.exists(requestID, p.ID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) NotificationExists(ctx context.Context, requestID, providerID string) (bool, error) {
	return t.exists(requestID, providerID), nil
}

func (t *memoryTx) InsertNotification(ctx context.Context, rec models.NotificationRecord) error {
	if t.exists(rec.RequestID, rec.ProviderID) {
		return ErrDuplicateNotification
	}
	byProvider, ok := t.staged[rec.RequestID]
	if !ok {
		byProvider = make(map[string]models.NotificationRecord)
		t.staged[rec.RequestID] = byProvider
	}
	byProvider[rec.ProviderID] = rec
	return nil
}

func cloneRequest(r *models.ServiceRequest) *models.ServiceRequest {
	c := *r
	c.LineItems = append([]models.LineItem(nil), r.LineItems...)
	if r.CurrentSearchRadius != nil {
		v := *r.CurrentSearchRadius
		c.CurrentSearchRadius = &v
	}
	if r.LastExpansionAt != nil {
		v := *r.LastExpansionAt
		c.LastExpansionAt = &v
	}
	return &c
}
