package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

var (
	ErrInvalidAmount  = errors.New("transfers: amount must be positive")
	ErrMissingAddress = errors.New("transfers: deposit address is required")
	ErrDuplicate      = errors.New("transfers: client id already registered")
)

// Registrar creates pending transfer records. Client ids are snowflake ids
// so they are unique across instances sharing the store, provided each
// instance runs with its own node id (0-1023).
type Registrar struct {
	store store.TransferStore
	node  *snowflake.Node
}

// NewRegistrar creates a registrar for one snowflake node.
func NewRegistrar(st store.TransferStore, nodeID int64) (*Registrar, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Registrar{store: st, node: node}, nil
}

// RegisterInternalTransfer records a venue-internal transfer about to be
// submitted. The returned ClientID is what the venue must be given.
func (r *Registrar) RegisterInternalTransfer(ctx context.Context, amount decimal.Decimal) (*model.TransferRecord, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return r.register(ctx, &model.TransferRecord{
		Kind:   model.TransferInternal,
		Amount: amount,
	})
}

// RegisterExternalDeposit records an on-chain deposit expected at address.
func (r *Registrar) RegisterExternalDeposit(ctx context.Context, address string, amount decimal.Decimal) (*model.TransferRecord, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if address == "" {
		return nil, ErrMissingAddress
	}
	return r.register(ctx, &model.TransferRecord{
		Kind:    model.TransferDeposit,
		Amount:  amount,
		Address: address,
	})
}

func (r *Registrar) register(ctx context.Context, t *model.TransferRecord) (*model.TransferRecord, error) {
	t.ID = uuid.New()
	t.ClientID = r.node.Generate().String()

	inserted, err := r.store.InsertTransfer(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", t.Kind, err)
	}
	if !inserted {
		return nil, fmt.Errorf("register %s %s: %w", t.Kind, t.ClientID, ErrDuplicate)
	}

	slog.Info("transfer registered",
		"transfer_id", t.ID,
		"client_id", t.ClientID,
		"kind", t.Kind,
		"amount", t.Amount.String(),
	)
	return t, nil
}
