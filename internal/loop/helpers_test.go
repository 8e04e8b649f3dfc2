package loop

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/exchange"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// flakyPosition answers the first okCalls position reads, then fails.
type flakyPosition struct {
	exchange.Client
	okCalls int32
	calls   atomic.Int32
}

func (f *flakyPosition) Position(ctx context.Context) (exchange.Position, error) {
	if f.calls.Add(1) > f.okCalls {
		return exchange.Position{}, exchange.NewError(exchange.KindTransport, "", "timeout")
	}
	return f.Client.Position(ctx)
}

// brokenAdjustments fails every insert.
type brokenAdjustments struct {
	*store.MemoryStore
}

func (brokenAdjustments) InsertAdjustment(context.Context, *model.Adjustment) (bool, error) {
	return false, errors.New("disk full")
}
