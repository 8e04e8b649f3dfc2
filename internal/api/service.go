// Package api provides the HTTP handlers for inspecting the hedge and for
// registering transfers the poll flow should track.
//
// BTC amounts use shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/adjustment"
	"github.com/atmx/hedge-engine/internal/correlation"
	"github.com/atmx/hedge-engine/internal/exchange"
	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/loop"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/publisher"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/transfers"
)

// Flows is the control loop as seen by the manual trigger endpoints.
type Flows interface {
	Adjust(ctx context.Context) (loop.Outcome, error)
	Poll(ctx context.Context) (loop.PollOutcome, error)
}

// Service holds the handler dependencies.
type Service struct {
	store       store.Store
	exchange    exchange.Client
	instrument  instrument.Instrument
	adjustments *adjustment.Ledger
	registrar   *transfers.Registrar
	latest      *publisher.Latest
	flows       Flows
}

// Config groups the handles a Service is built from. Latest and Flows are
// optional.
type Config struct {
	Store       store.Store
	Exchange    exchange.Client
	Instrument  instrument.Instrument
	Adjustments *adjustment.Ledger
	Registrar   *transfers.Registrar
	Latest      *publisher.Latest
	Flows       Flows
}

// NewService creates the API service.
func NewService(cfg Config) *Service {
	return &Service{
		store:       cfg.Store,
		exchange:    cfg.Exchange,
		instrument:  cfg.Instrument,
		adjustments: cfg.Adjustments,
		registrar:   cfg.Registrar,
		latest:      cfg.Latest,
		flows:       cfg.Flows,
	}
}

// Routes mounts every handler on r. Callers mount r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/position", s.GetPosition)

	r.Get("/adjustments", s.ListAdjustments)
	r.Get("/adjustments/{correlationID}", s.GetAdjustment)

	r.Get("/orders/open", s.ListOpenOrders)
	r.Get("/orders/{clientOrderID}", s.GetOrder)

	r.Post("/transfers", s.RegisterTransfer)
	r.Post("/deposits", s.RegisterDeposit)
	r.Get("/transfers/{transferID}", s.GetTransfer)

	r.Get("/alerts", s.ListAlerts)

	if s.flows != nil {
		r.Post("/hedge/adjust", s.TriggerAdjust)
		r.Post("/hedge/poll", s.TriggerPoll)
	}
}

// --- Request/Response types ---

// PositionResponse is the body of GET /position.
type PositionResponse struct {
	Instrument     instrument.Instrument `json:"instrument"`
	USDCents       int64                 `json:"usd_cents"`
	LiabilityCents *int64                `json:"liability_cents,omitempty"`
	Stale          bool                  `json:"stale"`
}

// TransferRequest is the JSON body for POST /transfers.
type TransferRequest struct {
	Amount decimal.Decimal `json:"amount"` // BTC
}

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"` // BTC
}

// --- Position ---

// GetPosition handles GET /api/v1/position. It asks the venue first and
// falls back to the last published snapshot, flagged stale.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.exchange.Position(r.Context())
	if err == nil {
		resp := PositionResponse{Instrument: s.instrument, USDCents: pos.USDCents}
		if s.latest != nil {
			if snap, ok := s.latest.Snapshot(); ok {
				resp.LiabilityCents = snap.LiabilityCents
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	slog.Warn("live position unavailable", "err", err)
	if s.latest != nil {
		if snap, ok := s.latest.Snapshot(); ok {
			writeJSON(w, http.StatusOK, PositionResponse{
				Instrument:     snap.Instrument,
				USDCents:       snap.USDCents,
				LiabilityCents: snap.LiabilityCents,
				Stale:          true,
			})
			return
		}
	}
	writeError(w, "position unavailable", http.StatusBadGateway)
}

// --- Adjustments ---

// ListAdjustments handles GET /api/v1/adjustments?limit=N
func (s *Service) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.adjustments.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list adjustments", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []model.Adjustment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetAdjustment handles GET /api/v1/adjustments/{correlationID}
func (s *Service) GetAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "correlationID"))
	if err != nil {
		writeError(w, "invalid correlation id", http.StatusBadRequest)
		return
	}

	a, err := s.adjustments.Get(r.Context(), id, s.instrument)
	if err != nil {
		writeStoreError(w, err, "adjustment")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Orders ---

// ListOpenOrders handles GET /api/v1/orders/open
func (s *Service) ListOpenOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.store.OpenOrders(ctx)
	if err != nil {
		writeError(w, "failed to list open orders", http.StatusInternalServerError)
		return
	}

	open := make([]model.OrderReservation, 0, len(ids))
	for _, id := range ids {
		o, err := s.store.GetOrder(ctx, id)
		if err != nil {
			// Resolved between the listing and the lookup.
			continue
		}
		open = append(open, *o)
	}
	writeJSON(w, http.StatusOK, open)
}

// GetOrder handles GET /api/v1/orders/{clientOrderID}. A dashed correlation
// id is accepted too.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "clientOrderID")
	if id, err := uuid.Parse(ref); err == nil {
		ref = correlation.ClientOrderID(id)
	}
	if _, err := correlation.FromClientOrderID(ref); err != nil {
		writeError(w, "invalid client order id", http.StatusBadRequest)
		return
	}

	o, err := s.store.GetOrder(r.Context(), ref)
	if err != nil {
		writeStoreError(w, err, "order")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// --- Transfers ---

// RegisterTransfer handles POST /api/v1/transfers
func (s *Service) RegisterTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.registrar.RegisterInternalTransfer(r.Context(), req.Amount)
	if err != nil {
		writeRegisterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// RegisterDeposit handles POST /api/v1/deposits
func (s *Service) RegisterDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.registrar.RegisterExternalDeposit(r.Context(), req.Address, req.Amount)
	if err != nil {
		writeRegisterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTransfer handles GET /api/v1/transfers/{transferID}
func (s *Service) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		writeError(w, "invalid transfer id", http.StatusBadRequest)
		return
	}

	t, err := s.store.GetTransfer(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "transfer")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListAlerts handles GET /api/v1/alerts
func (s *Service) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := []model.LostRecordAlert{}
	if s.latest != nil {
		alerts = s.latest.Alerts()
	}
	writeJSON(w, http.StatusOK, alerts)
}

// --- Manual triggers ---

// TriggerAdjust handles POST /api/v1/hedge/adjust
func (s *Service) TriggerAdjust(w http.ResponseWriter, r *http.Request) {
	ctx := correlation.WithID(r.Context(), correlation.New())
	out, err := s.flows.Adjust(ctx)
	if err != nil {
		slog.Error("manual adjust failed", "correlation_id", out.CorrelationID, "err", err)
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// TriggerPoll handles POST /api/v1/hedge/poll
func (s *Service) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	out, err := s.flows.Poll(r.Context())
	if err != nil {
		slog.Error("manual poll failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "outcome": out})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	slog.Error("store lookup failed", "what", what, "err", err)
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

func writeRegisterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transfers.ErrInvalidAmount), errors.Is(err, transfers.ErrMissingAddress):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, transfers.ErrDuplicate):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("transfer registration failed", "err", err)
		writeError(w, "failed to register transfer", http.StatusInternalServerError)
	}
}
