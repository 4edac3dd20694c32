package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/middleware"
	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/repository"
	"github.com/mmeshcher/orderdesk/internal/service"
)

const testTerminalKey = "enroll-me"

type testAPI struct {
	t      *testing.T
	router http.Handler
	token  string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	repo := repository.NewMemoryRepository()
	svc := service.NewService(repo, nil, nil, nil, zap.NewNop())
	for _, p := range []model.Product{
		{ID: "burger", Name: "Burger", Price: decimal.RequireFromString("12.50"), Quantity: decimal.NewFromInt(10)},
		{ID: "fries", Name: "Fries", Price: decimal.RequireFromString("6.25"), Quantity: decimal.NewFromInt(10)},
	} {
		p := p
		if err := svc.UpsertProduct(context.Background(), &p); err != nil {
			t.Fatalf("UpsertProduct error: %v", err)
		}
	}

	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, zap.NewNop(), auth, Options{TerminalKey: testTerminalKey})

	return &testAPI{
		t:      t,
		router: h.SetupRouter(),
		token:  auth.IssueToken(model.Actor{OperatorID: 1, BranchID: "north"}),
	}
}

func (a *testAPI) do(method, path string, body any, authorized bool) *httptest.ResponseRecorder {
	a.t.Helper()

	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeOrder(t *testing.T, w *httptest.ResponseRecorder) model.Order {
	t.Helper()
	var o model.Order
	if err := json.NewDecoder(w.Body).Decode(&o); err != nil {
		t.Fatalf("decode order: %v (body %q)", err, w.Body.String())
	}
	return o
}

func webOrderBody() map[string]any {
	return map[string]any{
		"branchId":     "north",
		"customerName": "Online guest",
		"items": []map[string]any{
			{"productId": "burger", "quantity": "1"},
			{"productId": "fries", "quantity": "2"},
		},
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: empty", model.ErrValidation), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: draft x", model.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: cannot accept", model.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("%w: finalized", model.ErrConflict), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWebOrderAcceptFlow(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPost, "/api/web/orders", webOrderBody(), false)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d (%s)", w.Code, http.StatusCreated, w.Body.String())
	}
	created := decodeOrder(t, w)
	if created.Status != model.OrderStatusPending || created.Total.String() != "25" {
		t.Fatalf("unexpected order: %+v", created)
	}

	var raw map[string]any
	w = api.do(http.MethodGet, "/api/orders/"+created.ID, nil, true)
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode raw order: %v", err)
	}
	if raw["total"] != "25" || raw["channel"] != "web" {
		t.Fatalf("money must be serialised as strings: %v", raw)
	}

	for i := 0; i < 2; i++ {
		w = api.do(http.MethodPatch, "/api/orders/"+created.ID+"/accept", nil, true)
		if w.Code != http.StatusOK {
			t.Fatalf("accept #%d status = %d, want %d", i+1, w.Code, http.StatusOK)
		}
		if o := decodeOrder(t, w); o.Status != model.OrderStatusActive {
			t.Fatalf("accept #%d status = %s, want active", i+1, o.Status)
		}
	}

	w = api.do(http.MethodGet, "/api/orders?status=pending&branchId=north", nil, true)
	var pending []model.Order
	if err := json.NewDecoder(w.Body).Decode(&pending); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}

	w = api.do(http.MethodPatch, "/api/orders/missing/accept", nil, true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing accept status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	api := newTestAPI(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/orders"},
		{http.MethodPatch, "/api/orders/x/accept"},
		{http.MethodGet, "/api/drafts"},
		{http.MethodGet, "/api/products"},
	} {
		w := api.do(route.method, route.path, nil, false)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s status = %d, want %d", route.method, route.path, w.Code, http.StatusUnauthorized)
		}
	}
}

func TestOpenSession(t *testing.T) {
	api := newTestAPI(t)
	body := `{"operatorId": 5, "branchId": "south"}`

	req := httptest.NewRequest(http.MethodPost, "/api/terminals/session", bytes.NewBufferString(body))
	req.Header.Set("X-Terminal-Key", "wrong")
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/terminals/session", bytes.NewBufferString(body))
	req.Header.Set("X-Terminal-Key", testTerminalKey)
	w = httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.Token == "" {
		t.Fatalf("no token issued: %v", err)
	}
	if len(w.Result().Cookies()) == 0 {
		t.Fatalf("session cookie not set")
	}

	api.token = resp.Token
	w = api.do(http.MethodPost, "/api/drafts", map[string]any{
		"items": []map[string]any{{"productId": "burger", "quantity": 1}},
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("draft with issued token status = %d, want %d", w.Code, http.StatusCreated)
	}
	if o := decodeOrder(t, w); o.BranchID != "south" || o.CreatedBy != 5 {
		t.Fatalf("draft not bound to session: %+v", o)
	}
}

func TestDraftEndpoints(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPost, "/api/drafts", map[string]any{"items": []any{}}, true)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty draft status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}

	w = api.do(http.MethodPost, "/api/drafts", `{"items": [`, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = api.do(http.MethodPost, "/api/drafts", map[string]any{
		"items": []map[string]any{{"productId": "burger", "quantity": "2"}},
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("create draft status = %d, want %d", w.Code, http.StatusCreated)
	}
	draft := decodeOrder(t, w)

	var st stockResponse
	w = api.do(http.MethodGet, "/api/products/burger/stock", nil, true)
	_ = json.NewDecoder(w.Body).Decode(&st)
	if st.AvailableStock.String() != "8" {
		t.Fatalf("available = %s, want 8", st.AvailableStock)
	}
	w = api.do(http.MethodGet, "/api/products/burger/stock?excludeOrderId="+draft.ID, nil, true)
	_ = json.NewDecoder(w.Body).Decode(&st)
	if st.AvailableStock.String() != "10" {
		t.Fatalf("available excluding draft = %s, want 10", st.AvailableStock)
	}

	var products []model.Product
	w = api.do(http.MethodGet, "/api/products?q=burg", nil, true)
	_ = json.NewDecoder(w.Body).Decode(&products)
	if len(products) != 1 || products[0].AvailableStock == nil || products[0].AvailableStock.String() != "8" {
		t.Fatalf("unexpected products: %+v", products)
	}

	w = api.do(http.MethodGet, "/api/drafts?branchId=north", nil, true)
	var drafts []model.Order
	_ = json.NewDecoder(w.Body).Decode(&drafts)
	if len(drafts) != 1 || drafts[0].ID != draft.ID {
		t.Fatalf("unexpected drafts: %+v", drafts)
	}

	w = api.do(http.MethodPost, "/api/drafts/"+draft.ID+"/finalize", map[string]any{"paidAmount": "0"}, true)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("due without customer status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}

	w = api.do(http.MethodGet, "/api/drafts/"+draft.ID, nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want %d", w.Code, http.StatusOK)
	}

	w = api.do(http.MethodDelete, "/api/drafts/"+draft.ID, nil, true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", w.Code, http.StatusNoContent)
	}
	w = api.do(http.MethodDelete, "/api/drafts/"+draft.ID, nil, true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestFinalizeTwiceIsConflict(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPost, "/api/drafts", map[string]any{
		"items": []map[string]any{{"productId": "fries", "quantity": "1"}},
	}, true)
	draft := decodeOrder(t, w)

	path := "/api/drafts/" + draft.ID + "/finalize"
	w = api.do(http.MethodPost, path, map[string]any{"paidAmount": "6.25"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("finalize status = %d, want %d (%s)", w.Code, http.StatusOK, w.Body.String())
	}
	if o := decodeOrder(t, w); o.Status != model.OrderStatusCompleted || o.PaymentStatus != model.PaymentStatusPaid {
		t.Fatalf("unexpected finalized order: %+v", o)
	}

	w = api.do(http.MethodPost, path, map[string]any{"paidAmount": "6.25"}, true)
	if w.Code != http.StatusConflict {
		t.Fatalf("second finalize status = %d, want %d", w.Code, http.StatusConflict)
	}
	var e errorResponse
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil || e.Error == "" {
		t.Fatalf("error body missing: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(http.MethodGet, "/healthz", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestProductEndpoints_UpsertKeepsStockRestockAdds(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPut, "/api/products/burger", `{"name":"Burger XL","price":"14.00","quantity":"100"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, want %d", w.Code, http.StatusOK)
	}
	var p model.Product
	_ = json.NewDecoder(w.Body).Decode(&p)
	if p.Name != "Burger XL" || p.Quantity.String() != "10" {
		t.Fatalf("unexpected product after upsert: %+v", p)
	}

	w = api.do(http.MethodPost, "/api/products/burger/restock", `{"quantity":"5"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("restock status = %d, want %d", w.Code, http.StatusOK)
	}
	_ = json.NewDecoder(w.Body).Decode(&p)
	if p.Quantity.String() != "15" {
		t.Fatalf("on hand after restock = %s, want 15", p.Quantity)
	}

	w = api.do(http.MethodPost, "/api/products/burger/restock", `{"quantity":"-1"}`, true)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("negative restock status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	w = api.do(http.MethodPost, "/api/products/nope/restock", `{"quantity":"1"}`, true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown product restock status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
