// Package exchange defines the hedging venue collaborator used by the control
// loop and the reconcilers, together with its error taxonomy.
//
// Two implementations are provided: BridgeClient talks HTTP to a sidecar that
// owns the venue's authentication and wire protocol, and PaperExchange keeps
// everything in memory for dry runs and tests.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Venue-reported transfer and deposit states.
const (
	StatePending  = "pending"
	StateSuccess  = "success"
	StateFailed   = "failed"
	StateCanceled = "canceled"
)

// Venue-reported order states after which the order no longer fills.
const (
	OrderStateFilled   = "filled"
	OrderStateCanceled = "canceled"
)

// Position is the venue-reported hedge position.
type Position struct {
	USDCents     int64  `json:"usd_cents"`
	InstrumentID string `json:"instrument_id"`
}

// OrderDetails describes an order as the venue knows it.
type OrderDetails struct {
	ClientOrderID   string          `json:"client_order_id"`
	InstrumentID    string          `json:"instrument_id"`
	Side            Side            `json:"side"`
	State           string          `json:"state"`
	Complete        bool            `json:"complete"`
	FilledContracts uint32          `json:"filled_contracts"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	Fee             decimal.Decimal `json:"fee"`
}

// Ended reports whether the order is finished on the venue, either fully
// filled or canceled with whatever it filled so far.
func (d OrderDetails) Ended() bool {
	return d.Complete || d.State == OrderStateFilled || d.State == OrderStateCanceled
}

// TransferDetails describes a venue-internal transfer.
type TransferDetails struct {
	ClientID string          `json:"client_id"`
	State    string          `json:"state"`
	Amount   decimal.Decimal `json:"amount"`
}

// DepositDetails describes an on-chain deposit as seen by the venue.
type DepositDetails struct {
	Address       string          `json:"address"`
	Amount        decimal.Decimal `json:"amount"`
	State         string          `json:"state"`
	TransactionID string          `json:"transaction_id"`
}

// Client is the venue collaborator. Every call carries its own network
// timeout; failures are reported as *Error values.
type Client interface {
	Position(ctx context.Context) (Position, error)
	PlaceOrder(ctx context.Context, clientOrderID string, side Side, contracts uint32) error
	ClosePositions(ctx context.Context, clientOrderID string) error
	OrderDetails(ctx context.Context, clientOrderID string) (OrderDetails, error)
	TransferStateByClientID(ctx context.Context, clientID string) (TransferDetails, error)
	FetchDeposit(ctx context.Context, address string, amount decimal.Decimal) (DepositDetails, error)
}
