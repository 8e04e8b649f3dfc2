// Package store defines the persistence interface for the hedge engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The store is the serialization point for the whole engine: every creation
// is an atomic insert-if-absent and every state transition is guarded by the
// expected current state, so overlapping control-loop runs cannot corrupt
// rows or double-place orders.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/model"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// OrderStore persists order reservations.
type OrderStore interface {
	// ReserveOrderSlot atomically inserts a reserved row keyed by the
	// correlation id. It returns the client order id and true for the first
	// writer, and false when a reservation for the correlation id (or any
	// still-reserved order on the same instrument) already exists.
	ReserveOrderSlot(ctx context.Context, r *model.OrderReservation) (string, bool, error)

	// OpenOrders returns the client order ids of reserved rows, oldest first.
	OpenOrders(ctx context.Context) ([]string, error)

	// UpdateOrder records venue-reported details. A complete order moves to
	// confirmed; rows that are no longer reserved are left untouched.
	UpdateOrder(ctx context.Context, u model.OrderUpdate) error

	// MarkOrderLost moves a reserved row to lost. It reports whether this
	// call made the transition; repeats are no-ops.
	MarkOrderLost(ctx context.Context, clientOrderID string) (bool, error)

	// GetOrder retrieves a reservation by client order id.
	GetOrder(ctx context.Context, clientOrderID string) (*model.OrderReservation, error)

	// ClaimLostOrders marks every lost, not yet swept order as swept and
	// returns them. Each lost row is returned by exactly one call.
	ClaimLostOrders(ctx context.Context) ([]model.OrderReservation, error)
}

// TransferStore persists internal transfer and external deposit records.
type TransferStore interface {
	// InsertTransfer inserts a pending record unless one with the same
	// client id exists. It reports whether the row was inserted.
	InsertTransfer(ctx context.Context, t *model.TransferRecord) (bool, error)

	// OpenNonExternalDeposits returns pending internal transfers.
	OpenNonExternalDeposits(ctx context.Context) ([]model.TransferRecord, error)

	// OpenExternalDeposits returns pending external deposits.
	OpenExternalDeposits(ctx context.Context) ([]model.TransferRecord, error)

	// UpdateTransfer applies venue-reported state to a pending record.
	UpdateTransfer(ctx context.Context, u model.TransferUpdate) error

	// MarkTransferLost moves a pending record to lost. It reports whether
	// this call made the transition; repeats are no-ops.
	MarkTransferLost(ctx context.Context, id uuid.UUID) (bool, error)

	// GetTransfer retrieves a record by id.
	GetTransfer(ctx context.Context, id uuid.UUID) (*model.TransferRecord, error)

	// ClaimLostTransfers marks every lost, not yet swept record as swept and
	// returns them. Each lost row is returned by exactly one call.
	ClaimLostTransfers(ctx context.Context) ([]model.TransferRecord, error)
}

// AdjustmentStore persists the append-only adjustment audit log.
type AdjustmentStore interface {
	// InsertAdjustment appends an adjustment keyed by (correlation id,
	// instrument). A replay of the same key is a no-op and returns false.
	InsertAdjustment(ctx context.Context, a *model.Adjustment) (bool, error)

	// GetAdjustment reads one adjustment back.
	GetAdjustment(ctx context.Context, correlationID uuid.UUID, inst instrument.Instrument) (*model.Adjustment, error)

	// ListAdjustments returns the most recent adjustments, newest first.
	ListAdjustments(ctx context.Context, limit int) ([]model.Adjustment, error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	OrderStore
	TransferStore
	AdjustmentStore
}
