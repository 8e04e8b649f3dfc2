// Package ledger reads the synthetic-dollar liability the hedge must offset.
//
// The double-entry bookkeeping itself lives elsewhere; this package only
// reads its user_trades read model.
package ledger

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Source reports the liability and how far the ledger lags behind trading.
type Source interface {
	// TargetLiabilityInCents returns the total USD-cent liability owed to
	// synthetic-dollar holders.
	TargetLiabilityInCents(ctx context.Context) (int64, error)

	// UnaccountedTrades returns the number of trades not yet booked.
	UnaccountedTrades(ctx context.Context) (int64, error)
}

// PostgresLedger reads the user_trades read model.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger source over pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) TargetLiabilityInCents(ctx context.Context) (int64, error) {
	var cents int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(usd_cents), 0)::BIGINT
		 FROM user_trades
		 WHERE ledger_tx_id IS NOT NULL`,
	).Scan(&cents)
	if err != nil {
		return 0, fmt.Errorf("query liability: %w", err)
	}
	return cents, nil
}

func (l *PostgresLedger) UnaccountedTrades(ctx context.Context) (int64, error) {
	var n int64
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_trades WHERE ledger_tx_id IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query unaccounted trades: %w", err)
	}
	return n, nil
}

// Static is a Source with settable values, used in paper mode and tests.
type Static struct {
	liability atomic.Int64
	lag       atomic.Int64
}

// NewStatic creates a static source.
func NewStatic(liabilityCents, unaccounted int64) *Static {
	s := &Static{}
	s.liability.Store(liabilityCents)
	s.lag.Store(unaccounted)
	return s
}

// SetLiability replaces the reported liability.
func (s *Static) SetLiability(cents int64) { s.liability.Store(cents) }

// SetUnaccounted replaces the reported ledger lag.
func (s *Static) SetUnaccounted(n int64) { s.lag.Store(n) }

func (s *Static) TargetLiabilityInCents(context.Context) (int64, error) {
	return s.liability.Load(), nil
}

func (s *Static) UnaccountedTrades(context.Context) (int64, error) {
	return s.lag.Load(), nil
}
