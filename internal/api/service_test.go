package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/adjustment"
	"github.com/atmx/hedge-engine/internal/api"
	"github.com/atmx/hedge-engine/internal/correlation"
	"github.com/atmx/hedge-engine/internal/exchange"
	"github.com/atmx/hedge-engine/internal/hedge"
	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/loop"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/orders"
	"github.com/atmx/hedge-engine/internal/publisher"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/transfers"
)

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	paper  *exchange.PaperExchange
	latest *publisher.Latest
	ledger *ledger.Static
}

// newTestEnv wires a Service over the in-memory store and the paper venue.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	paper := exchange.NewPaperExchange("BTC-USD-SWAP", 100)
	latest := publisher.NewLatest()
	src := ledger.NewStatic(0, 0)

	engine, err := hedge.NewEngine(hedge.Params{DeadbandCents: 50, CloseThresholdCents: 1000, ContractNotionalCents: 100})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	reg, err := transfers.NewRegistrar(ms, 1)
	if err != nil {
		t.Fatalf("registrar: %v", err)
	}
	adjustments := adjustment.NewLedger(ms, nil, "")

	hedger := loop.New(loop.Config{Instrument: instrument.BTCUSDSwap, MaxLedgerLag: 2}, loop.Deps{
		Engine:      engine,
		Ledger:      src,
		Exchange:    paper,
		Orders:      ms,
		Adjustments: adjustments,
		OrderRecon:  orders.NewReconciler(ms, paper),
		Transfers:   transfers.NewReconciler(ms, paper),
		Sweeper:     transfers.NewSweeper(ms, ms, latest),
		Publisher:   latest,
	})

	svc := api.NewService(api.Config{
		Store:       ms,
		Exchange:    paper,
		Instrument:  instrument.BTCUSDSwap,
		Adjustments: adjustments,
		Registrar:   reg,
		Latest:      latest,
		Flows:       hedger,
	})

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{router: r, store: ms, paper: paper, latest: latest, ledger: src}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, w.Body.String())
	}
}

// --- Position ---

func TestGetPosition_Live(t *testing.T) {
	env := newTestEnv(t)
	env.paper.SetPosition(-4200)

	w := env.do(t, "GET", "/api/v1/position", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.PositionResponse
	decode(t, w, &resp)
	if resp.USDCents != -4200 || resp.Stale {
		t.Errorf("unexpected position %+v", resp)
	}
	if resp.Instrument != instrument.BTCUSDSwap {
		t.Errorf("expected BTC-USD-SWAP, got %s", resp.Instrument)
	}
}

func TestGetPosition_FallsBackToSnapshot(t *testing.T) {
	env := newTestEnv(t)
	liability := int64(900)
	env.latest.PublishPosition(context.Background(), model.PositionSnapshot{
		Instrument:     instrument.BTCUSDSwap,
		USDCents:       -800,
		LiabilityCents: &liability,
		ObservedAt:     time.Now(),
	})
	env.paper.FailPosition(errors.New("venue down"))

	w := env.do(t, "GET", "/api/v1/position", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp api.PositionResponse
	decode(t, w, &resp)
	if !resp.Stale || resp.USDCents != -800 {
		t.Errorf("expected stale snapshot, got %+v", resp)
	}
}

func TestGetPosition_Unavailable(t *testing.T) {
	env := newTestEnv(t)
	env.paper.FailPosition(errors.New("venue down"))

	w := env.do(t, "GET", "/api/v1/position", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

// --- Adjust flow through the API ---

func TestTriggerAdjust_ThenInspect(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetLiability(5000)
	env.paper.SetPosition(-4800)

	w := env.do(t, "POST", "/api/v1/hedge/adjust", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out loop.Outcome
	decode(t, w, &out)
	if out.Action != model.Sell(2) {
		t.Fatalf("expected sell(2), got %s", out.Action)
	}

	// The order is open until polled.
	w = env.do(t, "GET", "/api/v1/orders/open", nil)
	var open []model.OrderReservation
	decode(t, w, &open)
	if len(open) != 1 || open[0].ClientOrderID != out.ClientOrderID {
		t.Fatalf("expected the new order to be open, got %+v", open)
	}

	// Lookup by client order id and by dashed correlation id.
	for _, ref := range []string{out.ClientOrderID, out.CorrelationID.String()} {
		w = env.do(t, "GET", "/api/v1/orders/"+ref, nil)
		if w.Code != http.StatusOK {
			t.Errorf("GET order %s: expected 200, got %d", ref, w.Code)
		}
	}

	w = env.do(t, "GET", "/api/v1/adjustments/"+out.CorrelationID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var adj model.Adjustment
	decode(t, w, &adj)
	if adj.SizeUSDCents != 200 || adj.USDCentsAfterAdjustment != -5000 {
		t.Errorf("unexpected adjustment %+v", adj)
	}

	w = env.do(t, "GET", "/api/v1/adjustments?limit=10", nil)
	var list []model.Adjustment
	decode(t, w, &list)
	if len(list) != 1 {
		t.Errorf("expected 1 adjustment, got %d", len(list))
	}

	w = env.do(t, "POST", "/api/v1/hedge/poll", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("poll: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "GET", "/api/v1/orders/open", nil)
	decode(t, w, &open)
	if len(open) != 0 {
		t.Errorf("expected no open orders after poll, got %d", len(open))
	}
}

func TestAdjustments_BadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/adjustments?limit=0", http.StatusBadRequest},
		{"/api/v1/adjustments?limit=abc", http.StatusBadRequest},
		{"/api/v1/adjustments/not-a-uuid", http.StatusBadRequest},
		{"/api/v1/adjustments/" + correlation.New().String(), http.StatusNotFound},
		{"/api/v1/orders/xyz", http.StatusBadRequest},
		{"/api/v1/orders/" + correlation.ClientOrderID(correlation.New()), http.StatusNotFound},
		{"/api/v1/transfers/not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := env.do(t, "GET", tt.path, nil)
		if w.Code != tt.want {
			t.Errorf("GET %s: expected %d, got %d", tt.path, tt.want, w.Code)
		}
	}
}

func TestListAdjustments_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/adjustments", nil)
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

// --- Transfers ---

func TestRegisterTransfer(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/transfers", api.TransferRequest{Amount: decimal.RequireFromString("0.25")})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec model.TransferRecord
	decode(t, w, &rec)
	if rec.Kind != model.TransferInternal || rec.State != model.TransferPending || rec.ClientID == "" {
		t.Fatalf("unexpected record %+v", rec)
	}

	w = env.do(t, "GET", "/api/v1/transfers/"+rec.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegisterDeposit_Validation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/deposits", api.DepositRequest{Amount: decimal.NewFromInt(1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing address: expected 400, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/deposits", api.DepositRequest{Address: "bc1q", Amount: decimal.NewFromInt(-1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative amount: expected 400, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/deposits", api.DepositRequest{Address: "bc1q", Amount: decimal.NewFromInt(1)})
	if w.Code != http.StatusCreated {
		t.Errorf("valid deposit: expected 201, got %d", w.Code)
	}
}

func TestRegisterTransfer_BadJSON(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/transfers", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestLostTransferAppearsInAlerts(t *testing.T) {
	env := newTestEnv(t)

	// The paper venue does not know this transfer, so the poll loses it.
	env.do(t, "POST", "/api/v1/transfers", api.TransferRequest{Amount: decimal.RequireFromString("0.5")})
	w := env.do(t, "POST", "/api/v1/hedge/poll", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("poll: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/alerts", nil)
	var alerts []model.LostRecordAlert
	decode(t, w, &alerts)
	if len(alerts) != 1 || alerts[0].Kind != model.LostTransfer {
		t.Fatalf("expected one lost transfer alert, got %+v", alerts)
	}
	if !alerts[0].Amount.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected amount 0.5, got %s", alerts[0].Amount)
	}
}
