package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hedge-engine/internal/adjustment"
	"github.com/atmx/hedge-engine/internal/correlation"
	"github.com/atmx/hedge-engine/internal/exchange"
	"github.com/atmx/hedge-engine/internal/hedge"
	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/orders"
	"github.com/atmx/hedge-engine/internal/publisher"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/transfers"
)

type env struct {
	hedger *Hedger
	store  *store.MemoryStore
	paper  *exchange.PaperExchange
	ledger *ledger.Static
	latest *publisher.Latest
}

type envOption func(*Deps, *store.MemoryStore)

func newEnv(t *testing.T, liability, position int64, opts ...envOption) *env {
	t.Helper()
	params := hedge.Params{DeadbandCents: 50, CloseThresholdCents: 1000, ContractNotionalCents: 100}
	engine, err := hedge.NewEngine(params)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	paper := exchange.NewPaperExchange("BTC-USD-SWAP", params.ContractNotionalCents)
	paper.SetPosition(position)
	src := ledger.NewStatic(liability, 0)
	latest := publisher.NewLatest()

	deps := Deps{
		Engine:      engine,
		Ledger:      src,
		Exchange:    paper,
		Orders:      st,
		Adjustments: adjustment.NewLedger(st, nil, ""),
		OrderRecon:  orders.NewReconciler(st, paper),
		Transfers:   transfers.NewReconciler(st, paper),
		Sweeper:     transfers.NewSweeper(st, st, latest),
		Publisher:   latest,
	}
	for _, opt := range opts {
		opt(&deps, st)
	}

	h := New(Config{Instrument: instrument.BTCUSDSwap, MaxLedgerLag: 2}, deps)
	return &env{hedger: h, store: st, paper: paper, ledger: src, latest: latest}
}

// --- Adjust ---

func TestAdjust_SellScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 5000, -4800)

	out, err := e.hedger.Adjust(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipNone, out.Skipped)
	assert.Equal(t, model.Sell(2), out.Action)
	assert.Equal(t, int64(-5000), out.TargetUSDCents)
	assert.Equal(t, 1, e.paper.Orders())

	open, err := e.store.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{correlation.ClientOrderID(out.CorrelationID)}, open)

	adj, err := e.store.GetAdjustment(ctx, out.CorrelationID, instrument.BTCUSDSwap)
	require.NoError(t, err)
	assert.Equal(t, model.ActionSell, adj.ActionType)
	assert.Equal(t, uint32(2), adj.ActionSize)
	assert.Equal(t, int64(200), adj.SizeUSDCents)
	assert.Equal(t, int64(-4800), adj.USDCentsBeforeAdjustment)
	assert.Equal(t, int64(-5000), adj.USDCentsAfterAdjustment)
	assert.Equal(t, out.ClientOrderID, adj.ExchangeRef)
}

func TestAdjust_CloseScenario(t *testing.T) {
	e := newEnv(t, 0, -300)

	out, err := e.hedger.Adjust(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ClosePosition(), out.Action)
	require.NotNil(t, out.Adjustment)
	assert.Equal(t, int64(300), out.Adjustment.SizeUSDCents)
	assert.Equal(t, int64(0), out.Adjustment.USDCentsAfterAdjustment)
}

func TestAdjust_InsideDeadbandDoesNothing(t *testing.T) {
	e := newEnv(t, 5000, -4970)

	out, err := e.hedger.Adjust(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipNoDecision, out.Skipped)
	assert.Equal(t, 0, e.paper.Orders())

	open, _ := e.store.OpenOrders(context.Background())
	assert.Empty(t, open, "no reservation without an actionable decision")
}

func TestAdjust_LedgerLagSkips(t *testing.T) {
	e := newEnv(t, 5000, 0)
	e.ledger.SetUnaccounted(3)

	out, err := e.hedger.Adjust(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipLedgerLag, out.Skipped)
	assert.Equal(t, 0, e.paper.Orders())

	// At the limit it proceeds.
	e.ledger.SetUnaccounted(2)
	out, err = e.hedger.Adjust(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipNone, out.Skipped)
}

func TestAdjust_UsesTickCorrelationID(t *testing.T) {
	e := newEnv(t, 5000, 0)
	id := correlation.New()

	out, err := e.hedger.Adjust(correlation.WithID(context.Background(), id))
	require.NoError(t, err)
	assert.Equal(t, id, out.CorrelationID)
	assert.Equal(t, correlation.ClientOrderID(id), out.ClientOrderID)

	// Replaying the same tick cannot place a second order, even when the
	// decision is still actionable.
	e.paper.SetPosition(0)
	out, err = e.hedger.Adjust(correlation.WithID(context.Background(), id))
	require.NoError(t, err)
	assert.Equal(t, SkipSlotTaken, out.Skipped)
	assert.Equal(t, 1, e.paper.Orders())
}

func TestAdjust_InFlightOrderBlocksNewOne(t *testing.T) {
	e := newEnv(t, 5000, 0)

	_, err := e.hedger.Adjust(context.Background())
	require.NoError(t, err)

	// The first order is still reserved until the poll flow confirms it.
	e.ledger.SetLiability(9000)
	out, err := e.hedger.Adjust(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipSlotTaken, out.Skipped)
	assert.Equal(t, 1, e.paper.Orders())

	_, err = e.hedger.Poll(context.Background())
	require.NoError(t, err)

	out, err = e.hedger.Adjust(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipNone, out.Skipped)
	assert.Equal(t, 2, e.paper.Orders())
}

func TestAdjust_ConcurrentRunsPlaceOneOrder(t *testing.T) {
	e := newEnv(t, 5000, 0)

	var wg sync.WaitGroup
	var placed atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.hedger.Adjust(context.Background())
			if err == nil && out.Skipped == SkipNone {
				placed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), placed.Load())
	assert.Equal(t, 1, e.paper.Orders())
}

func TestAdjust_PlacementFailureLeavesReservation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 5000, 0)
	e.paper.FailPlacement(exchange.NewError(exchange.KindTransport, "", "connection reset"))

	out, err := e.hedger.Adjust(ctx)
	require.Error(t, err)
	assert.Equal(t, exchange.KindTransport, exchange.KindOf(err))

	o, err := e.store.GetOrder(ctx, out.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderReserved, o.State)

	_, err = e.store.GetAdjustment(ctx, out.CorrelationID, instrument.BTCUSDSwap)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The venue never saw it, so the poll flow marks it lost and sweeps.
	e.paper.FailPlacement(nil)
	poll, err := e.hedger.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, poll.Orders.Lost)
	require.NotNil(t, poll.Sweep)
	assert.Equal(t, 1, poll.Sweep.Orders)
}

func TestAdjust_EstimatesAfterWhenRereadFails(t *testing.T) {
	e := newEnv(t, 5000, -4800, func(d *Deps, _ *store.MemoryStore) {
		d.Exchange = &flakyPosition{Client: d.Exchange, okCalls: 1}
	})

	out, err := e.hedger.Adjust(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out.Adjustment)
	assert.Equal(t, int64(-5000), out.Adjustment.USDCentsAfterAdjustment)
}

func TestAdjust_PersistFailureDoesNotFailCycle(t *testing.T) {
	e := newEnv(t, 5000, 0, func(d *Deps, st *store.MemoryStore) {
		d.Adjustments = adjustment.NewLedger(brokenAdjustments{st}, nil, "")
	})

	out, err := e.hedger.Adjust(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipNone, out.Skipped)
	assert.Equal(t, 1, e.paper.Orders())
}

// --- Poll ---

func TestPoll_ConfirmsAndPublishes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 5000, -4800)

	out, err := e.hedger.Adjust(ctx)
	require.NoError(t, err)

	poll, err := e.hedger.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, orders.Result{Confirmed: 1}, poll.Orders)
	assert.Nil(t, poll.Sweep, "nothing lost, no sweep")

	o, err := e.store.GetOrder(ctx, out.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderConfirmed, o.State)

	snap, ok := e.latest.Snapshot()
	require.True(t, ok)
	assert.Equal(t, int64(-5000), snap.USDCents)
	require.NotNil(t, snap.LiabilityCents)
	assert.Equal(t, int64(5000), *snap.LiabilityCents)
}

func TestPoll_SweepsOnlyNewLosses(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0, 0)

	reg, err := transfers.NewRegistrar(e.store, 7)
	require.NoError(t, err)
	_, err = reg.RegisterInternalTransfer(ctx, mustDecimal("0.3"))
	require.NoError(t, err)

	poll, err := e.hedger.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, poll.Transfers.Lost)
	require.NotNil(t, poll.Sweep)
	assert.Equal(t, 1, poll.Sweep.Transfers)
	assert.Len(t, e.latest.Alerts(), 1)

	poll, err = e.hedger.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, poll.NewlyLost())
	assert.Nil(t, poll.Sweep)
	assert.Len(t, e.latest.Alerts(), 1)
}

func TestPoll_PositionFailureStillReconciles(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0, 0)
	reg, err := transfers.NewRegistrar(e.store, 7)
	require.NoError(t, err)
	_, err = reg.RegisterInternalTransfer(ctx, mustDecimal("1"))
	require.NoError(t, err)

	e.paper.FailPosition(errors.New("venue down"))

	poll, err := e.hedger.Poll(ctx)
	require.Error(t, err)
	assert.Nil(t, poll.Position)
	assert.Equal(t, 1, poll.Transfers.Lost)
	assert.NotNil(t, poll.Sweep)
}

func TestPoll_OrderErrorStillSweepsTransferLosses(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 5000, 0)
	e.paper.FailPlacement(errors.New("reject"))
	out, _ := e.hedger.Adjust(ctx)
	e.paper.FailPlacement(nil)
	e.paper.FailOrderDetails(out.ClientOrderID, exchange.NewError(exchange.KindUnexpectedResponse, "50011", "Too many requests"))

	reg, err := transfers.NewRegistrar(e.store, 7)
	require.NoError(t, err)
	_, err = reg.RegisterInternalTransfer(ctx, mustDecimal("1"))
	require.NoError(t, err)

	poll, err := e.hedger.Poll(ctx)
	require.Error(t, err)
	assert.Equal(t, exchange.KindUnexpectedResponse, exchange.KindOf(err))
	assert.Equal(t, 1, poll.Transfers.Lost)
	require.NotNil(t, poll.Sweep)
	assert.Equal(t, 1, poll.Sweep.Transfers)
}
