package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only point lookups are cached. Listings that drive reconciliation
// (open orders, pending transfers) and the sweep claims always hit the
// primary, since a stale answer there would skip or repeat work.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ReserveOrderSlot(ctx context.Context, r *model.OrderReservation) (string, bool, error) {
	return s.primary.ReserveOrderSlot(ctx, r)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, u model.OrderUpdate) error {
	if err := s.primary.UpdateOrder(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, orderKey(u.ClientOrderID))
	return nil
}

func (s *CachedStore) MarkOrderLost(ctx context.Context, clientOrderID string) (bool, error) {
	newlyLost, err := s.primary.MarkOrderLost(ctx, clientOrderID)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, orderKey(clientOrderID))
	return newlyLost, nil
}

func (s *CachedStore) ClaimLostOrders(ctx context.Context) ([]model.OrderReservation, error) {
	claimed, err := s.primary.ClaimLostOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range claimed {
		s.rdb.Del(ctx, orderKey(o.ClientOrderID))
	}
	return claimed, nil
}

func (s *CachedStore) InsertTransfer(ctx context.Context, t *model.TransferRecord) (bool, error) {
	return s.primary.InsertTransfer(ctx, t)
}

func (s *CachedStore) UpdateTransfer(ctx context.Context, u model.TransferUpdate) error {
	if err := s.primary.UpdateTransfer(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, transferKey(u.ID))
	return nil
}

func (s *CachedStore) MarkTransferLost(ctx context.Context, id uuid.UUID) (bool, error) {
	newlyLost, err := s.primary.MarkTransferLost(ctx, id)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, transferKey(id))
	return newlyLost, nil
}

func (s *CachedStore) ClaimLostTransfers(ctx context.Context) ([]model.TransferRecord, error) {
	claimed, err := s.primary.ClaimLostTransfers(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range claimed {
		s.rdb.Del(ctx, transferKey(t.ID))
	}
	return claimed, nil
}

func (s *CachedStore) InsertAdjustment(ctx context.Context, a *model.Adjustment) (bool, error) {
	inserted, err := s.primary.InsertAdjustment(ctx, a)
	if err != nil {
		return false, err
	}
	if inserted {
		// Adjustments never change, so the written value can be cached as is.
		s.cache(ctx, adjustmentCacheKey(a.CorrelationID, a.Instrument), a)
	}
	return inserted, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOrder(ctx context.Context, clientOrderID string) (*model.OrderReservation, error) {
	var o model.OrderReservation
	if s.lookup(ctx, orderKey(clientOrderID), &o) {
		return &o, nil
	}

	fresh, err := s.primary.GetOrder(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, orderKey(clientOrderID), fresh)
	return fresh, nil
}

func (s *CachedStore) GetTransfer(ctx context.Context, id uuid.UUID) (*model.TransferRecord, error) {
	var t model.TransferRecord
	if s.lookup(ctx, transferKey(id), &t) {
		return &t, nil
	}

	fresh, err := s.primary.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, transferKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetAdjustment(ctx context.Context, correlationID uuid.UUID, inst instrument.Instrument) (*model.Adjustment, error) {
	key := adjustmentCacheKey(correlationID, inst)
	var a model.Adjustment
	if s.lookup(ctx, key, &a) {
		return &a, nil
	}

	fresh, err := s.primary.GetAdjustment(ctx, correlationID, inst)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) OpenOrders(ctx context.Context) ([]string, error) {
	return s.primary.OpenOrders(ctx)
}

func (s *CachedStore) OpenNonExternalDeposits(ctx context.Context) ([]model.TransferRecord, error) {
	return s.primary.OpenNonExternalDeposits(ctx)
}

func (s *CachedStore) OpenExternalDeposits(ctx context.Context) ([]model.TransferRecord, error) {
	return s.primary.OpenExternalDeposits(ctx)
}

func (s *CachedStore) ListAdjustments(ctx context.Context, limit int) ([]model.Adjustment, error) {
	return s.primary.ListAdjustments(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, out any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func orderKey(clientOrderID string) string { return fmt.Sprintf("hedge:order:%s", clientOrderID) }
func transferKey(id uuid.UUID) string      { return fmt.Sprintf("hedge:transfer:%s", id) }
func adjustmentCacheKey(id uuid.UUID, inst instrument.Instrument) string {
	return fmt.Sprintf("hedge:adjustment:%s:%d", id, inst.ID())
}
