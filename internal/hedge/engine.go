// Package hedge implements the hedge decision engine: a pure function from
// (target position, current position) to the order action that moves the
// venue position toward the target.
//
// All quantities are signed USD cents. Negative means short on the venue.
// The engine performs no I/O and keeps no state between calls.
package hedge

import (
	"errors"
	"math"

	"github.com/atmx/hedge-engine/internal/model"
)

var (
	// ErrInvalidParams is returned when the engine parameters cannot produce
	// a meaningful decision (non-positive contract notional, negative bands).
	ErrInvalidParams = errors.New("hedge: invalid engine parameters")
)

// Params are the operational knobs of the decision engine.
type Params struct {
	// DeadbandCents is the tolerance inside which no adjustment is issued.
	DeadbandCents int64 `json:"deadband_cents" yaml:"deadband_cents"`

	// CloseThresholdCents: when |target| is below this and a position is
	// open, flatten it fully instead of nudging toward a near-zero target.
	CloseThresholdCents int64 `json:"close_threshold_cents" yaml:"close_threshold_cents"`

	// ContractNotionalCents is the fixed USD value of one venue contract.
	ContractNotionalCents int64 `json:"contract_notional_cents" yaml:"contract_notional_cents"`
}

// Engine turns positions into actions. It is stateless and safe for
// concurrent use.
type Engine struct {
	p Params
}

// NewEngine validates params and returns an engine.
func NewEngine(p Params) (*Engine, error) {
	if p.ContractNotionalCents <= 0 || p.DeadbandCents < 0 || p.CloseThresholdCents < 0 {
		return nil, ErrInvalidParams
	}
	return &Engine{p: p}, nil
}

// Params returns the engine parameters.
func (e *Engine) Params() Params {
	return e.p
}

// Decide computes the action for a target and a current position:
//
//  1. diff = target - current
//  2. |diff| < deadband                      → DoNothing
//  3. |target| < closeThreshold, current ≠ 0 → ClosePosition
//  4. contracts = floor(|diff| / notional)   → Buy if diff > 0, Sell if diff < 0,
//     DoNothing if it rounds to zero
//
// Rounding is always toward under-hedging. Decide is total over int64.
func (e *Engine) Decide(targetCents, currentCents int64) model.HedgeAction {
	mag, negative := diff(targetCents, currentCents)

	if mag < uint64(e.p.DeadbandCents) {
		return model.DoNothing()
	}

	if abs(targetCents) < uint64(e.p.CloseThresholdCents) && currentCents != 0 {
		return model.ClosePosition()
	}

	contracts := mag / uint64(e.p.ContractNotionalCents)
	if contracts == 0 {
		return model.DoNothing()
	}
	if contracts > math.MaxUint32 {
		contracts = math.MaxUint32
	}

	if negative {
		return model.Sell(uint32(contracts))
	}
	return model.Buy(uint32(contracts))
}

// ContractsValueCents returns the USD notional of n contracts.
func (e *Engine) ContractsValueCents(n uint32) int64 {
	return int64(n) * e.p.ContractNotionalCents
}

// TargetFromLiability converts a liability owed to users into the desired
// venue position: the platform must be short by the liability.
func TargetFromLiability(liabilityCents int64) int64 {
	if liabilityCents == math.MinInt64 {
		return math.MaxInt64
	}
	return -liabilityCents
}

// diff returns |a-b| and whether a-b is negative, without overflowing.
func diff(a, b int64) (uint64, bool) {
	if a >= b {
		return uint64(a) - uint64(b), false
	}
	return uint64(b) - uint64(a), true
}

func abs(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}
