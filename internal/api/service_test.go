package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/credit-engine/internal/api"
	"github.com/atmx/credit-engine/internal/audit"
	"github.com/atmx/credit-engine/internal/engine"
	"github.com/atmx/credit-engine/internal/ledger"
	"github.com/atmx/credit-engine/internal/model"
	"github.com/atmx/credit-engine/internal/position"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const addr = "0x4444444444444444444444444444444444444444"

type fixedOracle struct {
	pt model.PricePoint
}

func (f *fixedOracle) GetPrice(ctx context.Context) (model.PricePoint, error) {
	return f.pt, nil
}

// newTestEnv builds the full stack over a simulated ledger: one funded
// address holding 1 BTC at a fixed $50,000 price.
func newTestEnv(t *testing.T) (*ledger.SimClient, chi.Router) {
	t.Helper()

	sim := ledger.NewSimClient(100 * time.Millisecond)
	sim.Fund(addr, d(1))

	oracle := &fixedOracle{pt: model.PricePoint{
		Asset: "BTC", PriceUSD: d(50000), Source: model.SourceCached,
	}}
	positions := position.NewStore(sim, oracle)
	e := engine.New(positions, sim, audit.NewMemoryStore(), nil)
	svc := api.NewService(e)

	r := chi.NewRouter()
	r.Get("/api/v1/positions/{address}", svc.GetPosition)
	r.Get("/api/v1/positions/{address}/risk", svc.GetRisk)
	r.Post("/api/v1/operations/preview", svc.PreviewOperation)
	r.Post("/api/v1/operations", svc.SubmitOperation)
	r.Get("/api/v1/operations", svc.ListOperations)
	r.Get("/api/v1/operations/{operationID}", svc.GetOperation)
	r.Delete("/api/v1/operations/{operationID}", svc.CancelOperation)

	return sim, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
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
	router.ServeHTTP(w, req)
	return w
}

func TestGetRisk_DebtFreePosition(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/positions/"+addr+"/risk", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var m model.RiskMetrics
	json.Unmarshal(w.Body.Bytes(), &m)
	if !m.HealthFactor.Equal(d(999)) {
		t.Errorf("expected debt-free sentinel health 999, got %s", m.HealthFactor)
	}
	if m.Status != model.RiskSafe {
		t.Errorf("expected safe, got %s", m.Status)
	}
	if !m.MaxBorrowableUSD.Equal(d(25000)) {
		t.Errorf("expected max borrowable 25000, got %s", m.MaxBorrowableUSD)
	}
}

func TestGetRisk_InvalidAddress(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/positions/not-an-address/risk", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetPosition_IncludesPriceAndMetrics(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/positions/"+addr, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.PositionResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Position.Collateral.Equal(d(1)) {
		t.Errorf("expected collateral 1, got %s", resp.Position.Collateral)
	}
	if !resp.Price.PriceUSD.Equal(d(50000)) {
		t.Errorf("expected price 50000, got %s", resp.Price.PriceUSD)
	}
	if resp.Position.Status != model.StatusActive {
		t.Errorf("expected active, got %s", resp.Position.Status)
	}
}

func TestPreviewOperation_RejectionIs422(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/operations/preview", api.OperationRequest{
		Address: addr, Kind: "borrow", Amount: d(25001),
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}

	var rej api.RejectionResponse
	json.Unmarshal(w.Body.Bytes(), &rej)
	if !rej.Limit.Equal(d(25000)) {
		t.Errorf("expected limit 25000 in rejection detail, got %s", rej.Limit)
	}
	if rej.Kind != "borrow" {
		t.Errorf("expected kind borrow, got %s", rej.Kind)
	}
}

func TestPreviewOperation_ProjectedState(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/operations/preview", api.OperationRequest{
		Address: addr, Kind: "borrow", Amount: d(25000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Metrics model.RiskMetrics `json:"metrics"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Metrics.HealthFactor.Equal(d(2)) {
		t.Errorf("expected projected health 2.0, got %s", resp.Metrics.HealthFactor)
	}
}

func TestSubmitOperation_WaitForConfirmation(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/operations", api.OperationRequest{
		Address: addr, Kind: "borrow", Amount: d(10000), WaitMS: 2000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var op model.Operation
	json.Unmarshal(w.Body.Bytes(), &op)
	if op.State != model.StateConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", op.State, op.Error)
	}

	// The position now reflects the confirmed borrow.
	pw := doJSON(t, router, "GET", "/api/v1/positions/"+addr, nil)
	var resp api.PositionResponse
	json.Unmarshal(pw.Body.Bytes(), &resp)
	if !resp.Position.Debt.Equal(d(10000)) {
		t.Errorf("expected debt 10000 after confirmation, got %s", resp.Position.Debt)
	}
}

func TestSubmitOperation_NoWaitReturnsAccepted(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/operations", api.OperationRequest{
		Address: addr, Kind: "borrow", Amount: d(10000),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var op model.Operation
	json.Unmarshal(w.Body.Bytes(), &op)
	if op.State != model.StateSubmitted {
		t.Errorf("expected submitted, got %s", op.State)
	}
	if op.ID == "" {
		t.Fatal("expected non-empty operation id")
	}

	gw := doJSON(t, router, "GET", "/api/v1/operations/"+op.ID, nil)
	if gw.Code != http.StatusOK {
		t.Errorf("expected 200 fetching pending operation, got %d", gw.Code)
	}
}

func TestSubmitOperation_InvalidKind(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/operations", api.OperationRequest{
		Address: addr, Kind: "leverage", Amount: d(10),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSubmitOperation_DuplicateIs409(t *testing.T) {
	_, router := newTestEnv(t)

	first := doJSON(t, router, "POST", "/api/v1/operations", api.OperationRequest{
		Address: addr, Kind: "borrow", Amount: d(10000),
	})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.Code)
	}

	second := doJSON(t, router, "POST", "/api/v1/operations", api.OperationRequest{
		Address: addr, Kind: "borrow", Amount: d(1000),
	})
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 for concurrent operation, got %d: %s",
			second.Code, second.Body.String())
	}
}

func TestListOperations_ReturnsHistory(t *testing.T) {
	_, router := newTestEnv(t)

	doJSON(t, router, "POST", "/api/v1/operations", api.OperationRequest{
		Address: addr, Kind: "borrow", Amount: d(10000), WaitMS: 2000,
	})

	w := doJSON(t, router, "GET", "/api/v1/operations?address="+addr, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var ops []model.Operation
	json.Unmarshal(w.Body.Bytes(), &ops)
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation in history, got %d", len(ops))
	}
	if ops[0].State != model.StateConfirmed {
		t.Errorf("expected confirmed, got %s", ops[0].State)
	}
}

func TestCancelOperation_AfterSubmissionIs409(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/operations", api.OperationRequest{
		Address: addr, Kind: "borrow", Amount: d(10000),
	})
	var op model.Operation
	json.Unmarshal(w.Body.Bytes(), &op)

	cw := doJSON(t, router, "DELETE", "/api/v1/operations/"+op.ID, nil)
	if cw.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", cw.Code, cw.Body.String())
	}
}

func TestGetOperation_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/operations/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
