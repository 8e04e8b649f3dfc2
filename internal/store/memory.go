package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Every method takes the single mutex for its whole duration, which gives
// the same atomicity the Postgres statements provide.
type MemoryStore struct {
	mu sync.RWMutex

	orders          map[string]*model.OrderReservation // by client order id
	ordersByCorrID  map[uuid.UUID]string
	transfers       map[uuid.UUID]*model.TransferRecord
	transferClients map[string]uuid.UUID
	adjustments     map[adjustmentKey]model.Adjustment

	now func() time.Time
}

type adjustmentKey struct {
	correlationID uuid.UUID
	instrument    instrument.Instrument
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:          make(map[string]*model.OrderReservation),
		ordersByCorrID:  make(map[uuid.UUID]string),
		transfers:       make(map[uuid.UUID]*model.TransferRecord),
		transferClients: make(map[string]uuid.UUID),
		adjustments:     make(map[adjustmentKey]model.Adjustment),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// --- Order reservations ---

func (s *MemoryStore) ReserveOrderSlot(_ context.Context, r *model.OrderReservation) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ordersByCorrID[r.CorrelationID]; exists {
		return "", false, nil
	}
	if _, exists := s.orders[r.ClientOrderID]; exists {
		return "", false, nil
	}
	for _, o := range s.orders {
		if o.Instrument == r.Instrument && o.State == model.OrderReserved {
			return "", false, nil
		}
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.State = model.OrderReserved

	// Store a copy to avoid external mutation.
	copy := *r
	s.orders[r.ClientOrderID] = &copy
	s.ordersByCorrID[r.CorrelationID] = r.ClientOrderID
	return r.ClientOrderID, true, nil
}

func (s *MemoryStore) OpenOrders(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []*model.OrderReservation
	for _, o := range s.orders {
		if o.State == model.OrderReserved {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })

	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, o.ClientOrderID)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, u model.OrderUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[u.ClientOrderID]
	if !ok || o.State != model.OrderReserved {
		return nil
	}
	o.ExchangeState = u.ExchangeState
	o.FilledContracts = u.FilledContracts
	o.AvgFillPrice = u.AvgFillPrice
	o.Complete = u.Complete
	if u.Complete {
		o.State = model.OrderConfirmed
	}
	return nil
}

func (s *MemoryStore) MarkOrderLost(_ context.Context, clientOrderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[clientOrderID]
	if !ok || o.State != model.OrderReserved {
		return false, nil
	}
	o.State = model.OrderLost
	return true, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, clientOrderID string) (*model.OrderReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("get order %s: %w", clientOrderID, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ClaimLostOrders(_ context.Context) ([]model.OrderReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var claimed []model.OrderReservation
	for _, o := range s.orders {
		if o.State != model.OrderLost || o.SweptAt != nil {
			continue
		}
		sweptAt := now
		o.SweptAt = &sweptAt
		claimed = append(claimed, *o)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed, nil
}

// --- Transfer records ---

func (s *MemoryStore) InsertTransfer(_ context.Context, t *model.TransferRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transfers[t.ID]; exists {
		return false, nil
	}
	if _, exists := s.transferClients[t.ClientID]; exists {
		return false, nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.State = model.TransferPending

	copy := *t
	s.transfers[t.ID] = &copy
	s.transferClients[t.ClientID] = t.ID
	return true, nil
}

func (s *MemoryStore) OpenNonExternalDeposits(_ context.Context) ([]model.TransferRecord, error) {
	return s.pendingTransfers(model.TransferInternal), nil
}

func (s *MemoryStore) OpenExternalDeposits(_ context.Context) ([]model.TransferRecord, error) {
	return s.pendingTransfers(model.TransferDeposit), nil
}

func (s *MemoryStore) pendingTransfers(kind model.TransferKind) []model.TransferRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []model.TransferRecord
	for _, t := range s.transfers {
		if t.State == model.TransferPending && t.Kind == kind {
			records = append(records, *t)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records
}

func (s *MemoryStore) UpdateTransfer(_ context.Context, u model.TransferUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[u.ID]
	if !ok || t.State != model.TransferPending {
		return nil
	}
	t.State = u.State
	t.ExchangeState = u.ExchangeState
	if u.TransactionID != "" {
		t.TransactionID = u.TransactionID
	}
	return nil
}

func (s *MemoryStore) MarkTransferLost(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok || t.State != model.TransferPending {
		return false, nil
	}
	t.State = model.TransferLost
	return true, nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id uuid.UUID) (*model.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("get transfer %s: %w", id, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ClaimLostTransfers(_ context.Context) ([]model.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var claimed []model.TransferRecord
	for _, t := range s.transfers {
		if t.State != model.TransferLost || t.SweptAt != nil {
			continue
		}
		sweptAt := now
		t.SweptAt = &sweptAt
		claimed = append(claimed, *t)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed, nil
}

// --- Adjustments (append-only) ---

func (s *MemoryStore) InsertAdjustment(_ context.Context, a *model.Adjustment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := adjustmentKey{a.CorrelationID, a.Instrument}
	if _, exists := s.adjustments[key]; exists {
		return false, nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.adjustments[key] = *a
	return true, nil
}

func (s *MemoryStore) GetAdjustment(_ context.Context, correlationID uuid.UUID, inst instrument.Instrument) (*model.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.adjustments[adjustmentKey{correlationID, inst}]
	if !ok {
		return nil, fmt.Errorf("get adjustment %s: %w", correlationID, ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) ListAdjustments(_ context.Context, limit int) ([]model.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	all := make([]model.Adjustment, 0, len(s.adjustments))
	for _, a := range s.adjustments {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
