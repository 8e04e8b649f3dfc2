package transfers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/publisher"
	"github.com/atmx/hedge-engine/internal/store"
)

// SweepResult reports what one sweep claimed.
type SweepResult struct {
	Orders    int             `json:"orders"`
	Transfers int             `json:"transfers"`
	LostBTC   decimal.Decimal `json:"lost_btc"`
}

// Sweeper raises recovery alerts for lost records. Each lost record is
// claimed by exactly one sweep, so funds are accounted once no matter how
// often Sweep runs. Lost rows are never revived.
type Sweeper struct {
	orders    store.OrderStore
	transfers store.TransferStore
	publisher publisher.Publisher
}

// NewSweeper creates a sweeper. pub may be nil.
func NewSweeper(orders store.OrderStore, transfers store.TransferStore, pub publisher.Publisher) *Sweeper {
	if pub == nil {
		pub = publisher.Nop{}
	}
	return &Sweeper{orders: orders, transfers: transfers, publisher: pub}
}

// Sweep claims every lost, unswept order and transfer and emits one alert per
// claimed row.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{LostBTC: decimal.Zero}

	orders, err := s.orders.ClaimLostOrders(ctx)
	if err != nil {
		return res, fmt.Errorf("claim lost orders: %w", err)
	}
	for _, o := range orders {
		res.Orders++
		metrics.LostRecordsSwept.WithLabelValues(string(model.LostOrder)).Inc()
		slog.Warn("lost order swept",
			"correlation_id", o.CorrelationID,
			"client_order_id", o.ClientOrderID,
			"action", o.Action.String(),
			"target_usd_cents", o.TargetUSDCents,
		)
		s.alert(ctx, model.LostRecordAlert{
			Kind:      model.LostOrder,
			Ref:       o.ClientOrderID,
			Amount:    decimal.Zero,
			CreatedAt: o.CreatedAt,
			SweptAt:   sweptAt(o.SweptAt),
		})
	}

	transfers, err := s.transfers.ClaimLostTransfers(ctx)
	if err != nil {
		return res, fmt.Errorf("claim lost transfers: %w", err)
	}
	for _, t := range transfers {
		kind := model.LostTransfer
		if t.Kind == model.TransferDeposit {
			kind = model.LostDeposit
		}
		res.Transfers++
		res.LostBTC = res.LostBTC.Add(t.Amount)
		metrics.LostRecordsSwept.WithLabelValues(string(kind)).Inc()
		metrics.LostFundsBTC.WithLabelValues(string(kind)).Add(t.Amount.InexactFloat64())
		slog.Warn("lost transfer swept",
			"transfer_id", t.ID,
			"client_id", t.ClientID,
			"kind", t.Kind,
			"amount", t.Amount.String(),
			"address", t.Address,
		)
		s.alert(ctx, model.LostRecordAlert{
			Kind:      kind,
			Ref:       t.ClientID,
			Amount:    t.Amount,
			Address:   t.Address,
			CreatedAt: t.CreatedAt,
			SweptAt:   sweptAt(t.SweptAt),
		})
	}

	if res.Orders > 0 || res.Transfers > 0 {
		slog.Info("sweep completed",
			"orders", res.Orders,
			"transfers", res.Transfers,
			"lost_btc", res.LostBTC.String(),
		)
	}
	return res, nil
}

func (s *Sweeper) alert(ctx context.Context, a model.LostRecordAlert) {
	if err := s.publisher.PublishAlert(ctx, a); err != nil {
		slog.Warn("lost record alert not published", "kind", a.Kind, "ref", a.Ref, "err", err)
	}
}

func sweptAt(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
