package exchange

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// PaperExchange is an in-memory venue. Orders fill immediately at a fixed
// price and move the position by contracts * notional. Transfers and
// deposits are registered by the test or dry-run harness.
//
// Failures can be injected per call to exercise the reconcilers.
type PaperExchange struct {
	mu sync.Mutex

	instrument    string
	notionalCents int64
	price         decimal.Decimal
	positionCents int64

	orders    map[string]OrderDetails
	transfers map[string]TransferDetails
	deposits  map[string]DepositDetails

	positionErr error
	placeErr    error
	orderErrs   map[string]error
	transferErr map[string]error
	depositErr  map[string]error
}

// NewPaperExchange creates a paper venue for one instrument.
func NewPaperExchange(instrument string, contractNotionalCents int64) *PaperExchange {
	return &PaperExchange{
		instrument:    instrument,
		notionalCents: contractNotionalCents,
		price:         decimal.NewFromInt(60000),
		orders:        make(map[string]OrderDetails),
		transfers:     make(map[string]TransferDetails),
		deposits:      make(map[string]DepositDetails),
		orderErrs:     make(map[string]error),
		transferErr:   make(map[string]error),
		depositErr:    make(map[string]error),
	}
}

// --- Harness controls ---

// SetPosition overrides the current position.
func (p *PaperExchange) SetPosition(usdCents int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positionCents = usdCents
}

// SetPrice sets the fill price reported for new orders.
func (p *PaperExchange) SetPrice(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

// FailPosition makes Position return err until cleared with nil.
func (p *PaperExchange) FailPosition(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positionErr = err
}

// FailPlacement makes PlaceOrder and ClosePositions return err until cleared.
func (p *PaperExchange) FailPlacement(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placeErr = err
}

// FailOrderDetails makes OrderDetails return err for one client order id.
func (p *PaperExchange) FailOrderDetails(clientOrderID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setErr(p.orderErrs, clientOrderID, err)
}

// SetTransfer registers a venue-side transfer.
func (p *PaperExchange) SetTransfer(d TransferDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transfers[d.ClientID] = d
}

// FailTransfer makes TransferStateByClientID return err for one client id.
func (p *PaperExchange) FailTransfer(clientID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setErr(p.transferErr, clientID, err)
}

// SetDeposit registers a venue-side deposit.
func (p *PaperExchange) SetDeposit(d DepositDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deposits[depositKey(d.Address, d.Amount)] = d
}

// FailDeposit makes FetchDeposit return err for one address and amount.
func (p *PaperExchange) FailDeposit(address string, amount decimal.Decimal, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setErr(p.depositErr, depositKey(address, amount), err)
}

// Orders returns the number of orders the venue has accepted.
func (p *PaperExchange) Orders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

// --- Client ---

func (p *PaperExchange) Position(_ context.Context) (Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.positionErr != nil {
		return Position{}, p.positionErr
	}
	return Position{USDCents: p.positionCents, InstrumentID: p.instrument}, nil
}

func (p *PaperExchange) PlaceOrder(_ context.Context, clientOrderID string, side Side, contracts uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.placeErr != nil {
		return p.placeErr
	}
	if _, dup := p.orders[clientOrderID]; dup {
		return NewError(KindParameterClientIDError, codeParameterError, "Duplicated clOrdId")
	}

	delta := int64(contracts) * p.notionalCents
	if side == SideSell {
		delta = -delta
	}
	p.positionCents += delta
	p.orders[clientOrderID] = OrderDetails{
		ClientOrderID:   clientOrderID,
		InstrumentID:    p.instrument,
		Side:            side,
		State:           OrderStateFilled,
		Complete:        true,
		FilledContracts: contracts,
		AvgFillPrice:    p.price,
	}
	return nil
}

func (p *PaperExchange) ClosePositions(_ context.Context, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.placeErr != nil {
		return p.placeErr
	}
	if _, dup := p.orders[clientOrderID]; dup {
		return NewError(KindParameterClientIDError, codeParameterError, "Duplicated clOrdId")
	}

	side := SideBuy
	if p.positionCents > 0 {
		side = SideSell
	}
	abs := p.positionCents
	if abs < 0 {
		abs = -abs
	}
	var contracts uint32
	if p.notionalCents > 0 {
		contracts = uint32(abs / p.notionalCents)
	}
	p.positionCents = 0
	p.orders[clientOrderID] = OrderDetails{
		ClientOrderID:   clientOrderID,
		InstrumentID:    p.instrument,
		Side:            side,
		State:           OrderStateFilled,
		Complete:        true,
		FilledContracts: contracts,
		AvgFillPrice:    p.price,
	}
	return nil
}

func (p *PaperExchange) OrderDetails(_ context.Context, clientOrderID string) (OrderDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.orderErrs[clientOrderID]; ok {
		return OrderDetails{}, err
	}
	d, ok := p.orders[clientOrderID]
	if !ok {
		return OrderDetails{}, NewError(KindOrderDoesNotExist, codeOrderDoesNotExist, "Order does not exist")
	}
	return d, nil
}

func (p *PaperExchange) TransferStateByClientID(_ context.Context, clientID string) (TransferDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.transferErr[clientID]; ok {
		return TransferDetails{}, err
	}
	d, ok := p.transfers[clientID]
	if !ok {
		return TransferDetails{}, NewError(KindWithdrawalIDDoesNotExist, codeWithdrawalIDDoesNotExist, "Withdrawal ID does not exist")
	}
	return d, nil
}

func (p *PaperExchange) FetchDeposit(_ context.Context, address string, amount decimal.Decimal) (DepositDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := depositKey(address, amount)
	if err, ok := p.depositErr[key]; ok {
		return DepositDetails{}, err
	}
	d, ok := p.deposits[key]
	if !ok {
		return DepositDetails{}, NewError(KindUnexpectedResponse, "58100", "Deposit not found")
	}
	return d, nil
}

func (p *PaperExchange) setErr(m map[string]error, key string, err error) {
	if err == nil {
		delete(m, key)
		return
	}
	m[key] = err
}

func depositKey(address string, amount decimal.Decimal) string {
	return address + "|" + amount.String()
}
