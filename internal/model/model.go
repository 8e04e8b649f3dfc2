// Package model defines the core domain types shared across the hedge engine.
// USD quantities are signed integer cents; BTC amounts and prices use
// shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/instrument"
)

// ActionKind tags the variant of a HedgeAction.
type ActionKind string

const (
	ActionDoNothing     ActionKind = "do_nothing"
	ActionClosePosition ActionKind = "close_position"
	ActionBuy           ActionKind = "buy"
	ActionSell          ActionKind = "sell"
)

// ActionUnit is the unit in which action sizes are expressed.
const ActionUnit = "contract"

// HedgeAction is the output of one hedge decision. Contracts is non-zero
// exactly when Kind is ActionBuy or ActionSell.
type HedgeAction struct {
	Kind      ActionKind `json:"kind"`
	Contracts uint32     `json:"contracts,omitempty"`
}

// DoNothing, ClosePosition, Buy and Sell construct the four variants.
func DoNothing() HedgeAction     { return HedgeAction{Kind: ActionDoNothing} }
func ClosePosition() HedgeAction { return HedgeAction{Kind: ActionClosePosition} }
func Buy(n uint32) HedgeAction   { return HedgeAction{Kind: ActionBuy, Contracts: n} }
func Sell(n uint32) HedgeAction  { return HedgeAction{Kind: ActionSell, Contracts: n} }

// IsActionable reports whether the action requires an exchange call.
func (a HedgeAction) IsActionable() bool {
	return a.Kind != ActionDoNothing && a.Kind != ""
}

func (a HedgeAction) String() string {
	switch a.Kind {
	case ActionBuy, ActionSell:
		return fmt.Sprintf("%s(%d)", a.Kind, a.Contracts)
	case "":
		return string(ActionDoNothing)
	default:
		return string(a.Kind)
	}
}

// OrderState is the lifecycle state of an order reservation.
type OrderState string

const (
	OrderReserved  OrderState = "reserved"
	OrderConfirmed OrderState = "confirmed"
	OrderLost      OrderState = "lost"
)

// OrderReservation is the durable claim that a hedge order for one decision
// is in flight. At most one exists per correlation id.
type OrderReservation struct {
	CorrelationID       uuid.UUID             `json:"correlation_id" db:"correlation_id"`
	Instrument          instrument.Instrument `json:"instrument" db:"instrument_id"`
	ClientOrderID       string                `json:"client_order_id" db:"client_order_id"`
	Action              HedgeAction           `json:"action"`
	TargetUSDCents      int64                 `json:"target_usd_cents" db:"target_usd_cents"`
	USDCentsBeforeOrder int64                 `json:"usd_cents_before_order" db:"usd_cents_before_order"`
	State               OrderState            `json:"state" db:"state"`
	ExchangeState       string                `json:"exchange_state,omitempty" db:"exchange_state"`
	FilledContracts     uint32                `json:"filled_contracts" db:"filled_contracts"`
	AvgFillPrice        decimal.Decimal       `json:"avg_fill_price" db:"avg_fill_price"`
	Complete            bool                  `json:"complete" db:"complete"`
	CreatedAt           time.Time             `json:"created_at" db:"created_at"`
	SweptAt             *time.Time            `json:"swept_at,omitempty" db:"swept_at"`
}

// OrderUpdate carries exchange-reported order details into the store.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeState   string
	FilledContracts uint32
	AvgFillPrice    decimal.Decimal
	Complete        bool
}

// TransferKind distinguishes venue-internal transfers from on-chain deposits.
type TransferKind string

const (
	TransferInternal TransferKind = "internal_transfer"
	TransferDeposit  TransferKind = "external_deposit"
)

// TransferState is the lifecycle state of a transfer record.
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferConfirmed TransferState = "confirmed"
	TransferLost      TransferState = "lost"
)

// TransferRecord tracks a fund movement whose venue-side outcome is not yet
// known. Address is only set for external deposits.
type TransferRecord struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	ClientID      string          `json:"client_id" db:"client_id"`
	Kind          TransferKind    `json:"kind" db:"kind"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Address       string          `json:"address,omitempty" db:"address"`
	State         TransferState   `json:"state" db:"state"`
	ExchangeState string          `json:"exchange_state,omitempty" db:"exchange_state"`
	TransactionID string          `json:"transaction_id,omitempty" db:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	SweptAt       *time.Time      `json:"swept_at,omitempty" db:"swept_at"`
}

// TransferUpdate carries exchange-reported transfer details into the store.
type TransferUpdate struct {
	ID            uuid.UUID
	State         TransferState
	ExchangeState string
	TransactionID string
}

// Adjustment is an immutable audit record of one hedge decision and its
// outcome. Once written it is never modified or deleted.
type Adjustment struct {
	CorrelationID            uuid.UUID             `json:"correlation_id" db:"correlation_id"`
	Instrument               instrument.Instrument `json:"instrument" db:"instrument_id"`
	ExchangeRef              string                `json:"exchange_ref" db:"exchange_ref"`
	ActionType               ActionKind            `json:"action_type" db:"action_type"`
	ActionSize               uint32                `json:"action_size" db:"action_size"`
	ActionUnit               string                `json:"action_unit" db:"action_unit"`
	SizeUSDCents             int64                 `json:"size_usd_cents" db:"size_usd_cents"`
	TargetUSDCents           int64                 `json:"target_usd_cents" db:"target_usd_cents"`
	USDCentsBeforeAdjustment int64                 `json:"usd_cents_before_adjustment" db:"usd_cents_before_adjustment"`
	USDCentsAfterAdjustment  int64                 `json:"usd_cents_after_adjustment" db:"usd_cents_after_adjustment"`
	CreatedAt                time.Time             `json:"created_at" db:"created_at"`
}

// PositionSnapshot is a point-in-time view of the hedge published for
// downstream observability.
type PositionSnapshot struct {
	Instrument     instrument.Instrument `json:"instrument"`
	USDCents       int64                 `json:"usd_cents"`
	LiabilityCents *int64                `json:"liability_cents,omitempty"`
	ObservedAt     time.Time             `json:"observed_at"`
}

// LostRecordKind names the kind of record a LostRecordAlert refers to.
type LostRecordKind string

const (
	LostOrder    LostRecordKind = "order"
	LostTransfer LostRecordKind = "internal_transfer"
	LostDeposit  LostRecordKind = "external_deposit"
)

// LostRecordAlert is emitted once per lost record when it is swept.
type LostRecordAlert struct {
	Kind      LostRecordKind  `json:"kind"`
	Ref       string          `json:"ref"`
	Amount    decimal.Decimal `json:"amount"`
	Address   string          `json:"address,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SweptAt   time.Time       `json:"swept_at"`
}
