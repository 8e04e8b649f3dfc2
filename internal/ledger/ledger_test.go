package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(5000, 1)

	l, err := s.TargetLiabilityInCents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), l)

	s.SetLiability(-300)
	s.SetUnaccounted(4)
	l, _ = s.TargetLiabilityInCents(ctx)
	n, _ := s.UnaccountedTrades(ctx)
	assert.Equal(t, int64(-300), l)
	assert.Equal(t, int64(4), n)
}

func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS user_trades (
			id           BIGSERIAL PRIMARY KEY,
			usd_cents    BIGINT NOT NULL,
			ledger_tx_id UUID
		);
		TRUNCATE user_trades;
		INSERT INTO user_trades (usd_cents, ledger_tx_id) VALUES
			(1000, gen_random_uuid()),
			(2500, gen_random_uuid()),
			(-500, gen_random_uuid()),
			(9999, NULL),
			(1, NULL);`)
	require.NoError(t, err)

	l := NewPostgresLedger(pool)

	liability, err := l.TargetLiabilityInCents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), liability, "unbooked trades are excluded")

	lag, err := l.UnaccountedTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lag)
}
