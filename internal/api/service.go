// Package api provides the HTTP handlers for position risk queries,
// operation previews, and the submit/track/cancel operation lifecycle.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/credit-engine/internal/address"
	"github.com/atmx/credit-engine/internal/engine"
	"github.com/atmx/credit-engine/internal/gate"
	"github.com/atmx/credit-engine/internal/model"
	"github.com/atmx/credit-engine/internal/position"
	"github.com/atmx/credit-engine/internal/pricefeed"
)

// Service handles credit-line API requests. All state lives in the
// engine; the service only translates HTTP to engine calls and errors to
// status codes.
type Service struct {
	engine *engine.Engine
}

// NewService creates a new API service over the engine.
func NewService(e *engine.Engine) *Service {
	return &Service{engine: e}
}

// --- Request/Response types ---

// OperationRequest is the JSON body for POST /operations and
// POST /operations/preview.
type OperationRequest struct {
	Address string          `json:"address"`
	Kind    string          `json:"kind"`    // "borrow", "repay" or "withdraw"
	Amount  decimal.Decimal `json:"amount"`  // USD for borrow/repay, collateral units for withdraw
	WaitMS  int             `json:"wait_ms"` // 0 = return as soon as submitted
}

// PositionResponse is the JSON body for GET /positions/{address}.
type PositionResponse struct {
	Position model.Position    `json:"position"`
	Price    model.PricePoint  `json:"price"`
	Metrics  model.RiskMetrics `json:"metrics"`
}

// RejectionResponse is the structured 422 body for gate rejections.
type RejectionResponse struct {
	Error           string          `json:"error"`
	Kind            string          `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	Limit           decimal.Decimal `json:"limit"`
	CurrentHealth   decimal.Decimal `json:"current_health"`
	ProjectedHealth decimal.Decimal `json:"projected_health"`
}

// --- HTTP Handlers ---

// GetPosition handles GET /api/v1/positions/{address}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	addr, err := address.Parse(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	pos, price, m, err := s.engine.Snapshot(r.Context(), addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PositionResponse{Position: pos, Price: price, Metrics: m})
}

// GetRisk handles GET /api/v1/positions/{address}/risk
func (s *Service) GetRisk(w http.ResponseWriter, r *http.Request) {
	addr, err := address.Parse(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := s.engine.RiskMetrics(r.Context(), addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// PreviewOperation handles POST /api/v1/operations/preview
// Validates without submitting and returns the projected state.
func (s *Service) PreviewOperation(w http.ResponseWriter, r *http.Request) {
	req, addr, kind, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}

	projected, err := s.engine.Preview(r.Context(), addr, kind, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, projected)
}

// SubmitOperation handles POST /api/v1/operations
// Returns 202 with the submitted operation; with wait_ms set, blocks up
// to that long for the terminal state and returns 200 when reached.
func (s *Service) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	req, addr, kind, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}

	op, err := s.engine.Submit(r.Context(), addr, kind, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if req.WaitMS > 0 {
		final, err := s.engine.Wait(r.Context(), op.ID, time.Duration(req.WaitMS)*time.Millisecond)
		if err == nil {
			writeJSON(w, http.StatusOK, final)
			return
		}
		if errors.Is(err, engine.ErrConfirmationTimeout) {
			// Still pending; the engine keeps tracking it.
			writeJSON(w, http.StatusAccepted, final)
			return
		}
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, op)
}

// GetOperation handles GET /api/v1/operations/{operationID}
func (s *Service) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.Operation(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// ListOperations handles GET /api/v1/operations?address=0x...
func (s *Service) ListOperations(w http.ResponseWriter, r *http.Request) {
	addr, err := address.Parse(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ops, err := s.engine.History(r.Context(), addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if ops == nil {
		ops = []model.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// CancelOperation handles DELETE /api/v1/operations/{operationID}
func (s *Service) CancelOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.Cancel(chi.URLParam(r, "operationID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Service) decodeOperation(w http.ResponseWriter, r *http.Request) (OperationRequest, string, model.OperationKind, bool) {
	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, "", "", false
	}

	addr, err := address.Parse(req.Address)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return req, "", "", false
	}

	kind := model.OperationKind(req.Kind)
	if !kind.Valid() {
		writeError(w, "kind must be borrow, repay or withdraw", http.StatusBadRequest)
		return req, "", "", false
	}

	return req, addr, kind, true
}

// writeEngineError maps engine and dependency errors to status codes.
// Gate rejections carry structured detail; everything else is a plain
// error body.
func writeEngineError(w http.ResponseWriter, err error) {
	var rej *gate.Rejection
	switch {
	case errors.As(err, &rej):
		writeJSON(w, http.StatusUnprocessableEntity, RejectionResponse{
			Error:           rej.Reason.Error(),
			Kind:            string(rej.Kind),
			Amount:          rej.Amount,
			Limit:           rej.Limit,
			CurrentHealth:   rej.CurrentHealth,
			ProjectedHealth: rej.ProjectedHealth,
		})

	case errors.Is(err, engine.ErrOperationInProgress),
		errors.Is(err, engine.ErrNotCancellable),
		errors.Is(err, engine.ErrCancelled):
		writeError(w, err.Error(), http.StatusConflict)

	case errors.Is(err, engine.ErrUnknownOperation):
		writeError(w, err.Error(), http.StatusNotFound)

	case errors.Is(err, pricefeed.ErrPriceUnavailable),
		errors.Is(err, position.ErrLedgerUnavailable):
		writeError(w, err.Error(), http.StatusServiceUnavailable)

	case errors.Is(err, engine.ErrUserRejected),
		errors.Is(err, engine.ErrTransactionFailed):
		writeError(w, err.Error(), http.StatusBadGateway)

	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
