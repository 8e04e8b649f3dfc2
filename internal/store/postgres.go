package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// BTC amounts and prices are stored as NUMERIC for exact decimal precision;
// USD quantities are BIGINT cents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- Order reservations ---

const orderColumns = `correlation_id::TEXT, instrument_id, client_order_id,
	action_type, action_size, target_usd_cents, usd_cents_before_order,
	state, exchange_state, filled_contracts, avg_fill_price::TEXT, complete,
	created_at, swept_at`

func (s *PostgresStore) ReserveOrderSlot(ctx context.Context, r *model.OrderReservation) (string, bool, error) {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// No conflict target: both the primary key and the one-reserved-per-
	// instrument index turn the insert into a no-op.
	var clientOrderID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO order_reservations
		    (correlation_id, instrument_id, client_order_id, action_type, action_size,
		     target_usd_cents, usd_cents_before_order, state, created_at)
		 VALUES ($1::UUID, $2, $3, $4, $5, $6, $7, 'reserved', $8)
		 ON CONFLICT DO NOTHING
		 RETURNING client_order_id`,
		r.CorrelationID.String(), r.Instrument.ID(), r.ClientOrderID,
		string(r.Action.Kind), int64(r.Action.Contracts),
		r.TargetUSDCents, r.USDCentsBeforeOrder, createdAt,
	).Scan(&clientOrderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		if isUniqueViolation(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reserve order slot %s: %w", r.CorrelationID, err)
	}

	r.State = model.OrderReserved
	r.CreatedAt = createdAt
	return clientOrderID, true, nil
}

func (s *PostgresStore) OpenOrders(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT client_order_id FROM order_reservations
		 WHERE state = 'reserved' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, u model.OrderUpdate) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE order_reservations
		 SET exchange_state = $2, filled_contracts = $3, avg_fill_price = $4::NUMERIC,
		     complete = $5,
		     state = CASE WHEN $5 THEN 'confirmed' ELSE state END,
		     updated_at = now()
		 WHERE client_order_id = $1 AND state = 'reserved'`,
		u.ClientOrderID, u.ExchangeState, int64(u.FilledContracts),
		u.AvgFillPrice.String(), u.Complete,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", u.ClientOrderID, err)
	}
	return nil
}

func (s *PostgresStore) MarkOrderLost(ctx context.Context, clientOrderID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE order_reservations SET state = 'lost', updated_at = now()
		 WHERE client_order_id = $1 AND state = 'reserved'`, clientOrderID)
	if err != nil {
		return false, fmt.Errorf("mark order lost %s: %w", clientOrderID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, clientOrderID string) (*model.OrderReservation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM order_reservations WHERE client_order_id = $1`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get order %s: %w", clientOrderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	return o, nil
}

func (s *PostgresStore) ClaimLostOrders(ctx context.Context) ([]model.OrderReservation, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE order_reservations SET swept_at = now()
		 WHERE state = 'lost' AND swept_at IS NULL
		 RETURNING `+orderColumns)
	if err != nil {
		return nil, fmt.Errorf("claim lost orders: %w", err)
	}
	defer rows.Close()

	var orders []model.OrderReservation
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// --- Transfer records ---

const transferColumns = `id::TEXT, client_id, kind, amount::TEXT, address, state,
	exchange_state, transaction_id, created_at, swept_at`

func (s *PostgresStore) InsertTransfer(ctx context.Context, t *model.TransferRecord) (bool, error) {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO transfer_records (id, client_id, kind, amount, address, state, created_at)
		 VALUES ($1::UUID, $2, $3, $4::NUMERIC, $5, 'pending', $6)
		 ON CONFLICT DO NOTHING`,
		t.ID.String(), t.ClientID, string(t.Kind), t.Amount.String(), t.Address, createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert transfer %s: %w", t.ClientID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	t.State = model.TransferPending
	t.CreatedAt = createdAt
	return true, nil
}

func (s *PostgresStore) OpenNonExternalDeposits(ctx context.Context) ([]model.TransferRecord, error) {
	return s.pendingTransfers(ctx, model.TransferInternal)
}

func (s *PostgresStore) OpenExternalDeposits(ctx context.Context) ([]model.TransferRecord, error) {
	return s.pendingTransfers(ctx, model.TransferDeposit)
}

func (s *PostgresStore) pendingTransfers(ctx context.Context, kind model.TransferKind) ([]model.TransferRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferColumns+` FROM transfer_records
		 WHERE state = 'pending' AND kind = $1 ORDER BY created_at`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("pending transfers %s: %w", kind, err)
	}
	defer rows.Close()

	var records []model.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *t)
	}
	return records, rows.Err()
}

func (s *PostgresStore) UpdateTransfer(ctx context.Context, u model.TransferUpdate) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE transfer_records
		 SET state = $2, exchange_state = $3,
		     transaction_id = COALESCE(NULLIF($4, ''), transaction_id),
		     updated_at = now()
		 WHERE id = $1::UUID AND state = 'pending'`,
		u.ID.String(), string(u.State), u.ExchangeState, u.TransactionID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) MarkTransferLost(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfer_records SET state = 'lost', updated_at = now()
		 WHERE id = $1::UUID AND state = 'pending'`, id.String())
	if err != nil {
		return false, fmt.Errorf("mark transfer lost %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id uuid.UUID) (*model.TransferRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfer_records WHERE id = $1::UUID`, id.String())
	t, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get transfer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ClaimLostTransfers(ctx context.Context) ([]model.TransferRecord, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE transfer_records SET swept_at = now()
		 WHERE state = 'lost' AND swept_at IS NULL
		 RETURNING `+transferColumns)
	if err != nil {
		return nil, fmt.Errorf("claim lost transfers: %w", err)
	}
	defer rows.Close()

	var records []model.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *t)
	}
	return records, rows.Err()
}

// --- Adjustments (append-only) ---

const adjustmentColumns = `correlation_id::TEXT, instrument_id, exchange_ref,
	action_type, action_size, action_unit, size_usd_cents, target_usd_cents,
	usd_cents_before_adjustment, usd_cents_after_adjustment, created_at`

func (s *PostgresStore) InsertAdjustment(ctx context.Context, a *model.Adjustment) (bool, error) {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO adjustments
		    (correlation_id, instrument_id, exchange_ref, action_type, action_size, action_unit,
		     size_usd_cents, target_usd_cents, usd_cents_before_adjustment,
		     usd_cents_after_adjustment, created_at)
		 VALUES ($1::UUID, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (correlation_id, instrument_id) DO NOTHING`,
		a.CorrelationID.String(), a.Instrument.ID(), a.ExchangeRef,
		string(a.ActionType), int64(a.ActionSize), a.ActionUnit,
		a.SizeUSDCents, a.TargetUSDCents, a.USDCentsBeforeAdjustment,
		a.USDCentsAfterAdjustment, createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert adjustment %s: %w", a.CorrelationID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	a.CreatedAt = createdAt
	return true, nil
}

func (s *PostgresStore) GetAdjustment(ctx context.Context, correlationID uuid.UUID, inst instrument.Instrument) (*model.Adjustment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+adjustmentColumns+` FROM adjustments
		 WHERE correlation_id = $1::UUID AND instrument_id = $2`,
		correlationID.String(), inst.ID())
	a, err := scanAdjustment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get adjustment %s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get adjustment %s: %w", correlationID, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAdjustments(ctx context.Context, limit int) ([]model.Adjustment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+adjustmentColumns+` FROM adjustments
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()

	var adjustments []model.Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		adjustments = append(adjustments, *a)
	}
	return adjustments, rows.Err()
}

// --- Scanning ---

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*model.OrderReservation, error) {
	var o model.OrderReservation
	var correlationID, actionType, state, avgPrice string
	var instID int16
	var actionSize, filled int64

	if err := row.Scan(&correlationID, &instID, &o.ClientOrderID,
		&actionType, &actionSize, &o.TargetUSDCents, &o.USDCentsBeforeOrder,
		&state, &o.ExchangeState, &filled, &avgPrice, &o.Complete,
		&o.CreatedAt, &o.SweptAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(correlationID)
	if err != nil {
		return nil, fmt.Errorf("order correlation id %q: %w", correlationID, err)
	}
	inst, err := instrument.FromID(instID)
	if err != nil {
		return nil, err
	}

	o.CorrelationID = id
	o.Instrument = inst
	o.Action = model.HedgeAction{Kind: model.ActionKind(actionType), Contracts: uint32(actionSize)}
	o.State = model.OrderState(state)
	o.FilledContracts = uint32(filled)
	o.AvgFillPrice, _ = decimal.NewFromString(avgPrice)
	return &o, nil
}

func scanTransfer(row rowScanner) (*model.TransferRecord, error) {
	var t model.TransferRecord
	var id, kind, amount, state string

	if err := row.Scan(&id, &t.ClientID, &kind, &amount, &t.Address, &state,
		&t.ExchangeState, &t.TransactionID, &t.CreatedAt, &t.SweptAt); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("transfer id %q: %w", id, err)
	}
	t.ID = parsed
	t.Kind = model.TransferKind(kind)
	t.State = model.TransferState(state)
	t.Amount, _ = decimal.NewFromString(amount)
	return &t, nil
}

func scanAdjustment(row rowScanner) (*model.Adjustment, error) {
	var a model.Adjustment
	var correlationID, actionType string
	var instID int16
	var actionSize int64

	if err := row.Scan(&correlationID, &instID, &a.ExchangeRef,
		&actionType, &actionSize, &a.ActionUnit, &a.SizeUSDCents, &a.TargetUSDCents,
		&a.USDCentsBeforeAdjustment, &a.USDCentsAfterAdjustment, &a.CreatedAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(correlationID)
	if err != nil {
		return nil, fmt.Errorf("adjustment correlation id %q: %w", correlationID, err)
	}
	inst, err := instrument.FromID(instID)
	if err != nil {
		return nil, err
	}
	a.CorrelationID = id
	a.Instrument = inst
	a.ActionType = model.ActionKind(actionType)
	a.ActionSize = uint32(actionSize)
	return &a, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
