package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/stock"
)

// ListProducts ищет товары и возвращает их с вычисленным доступным остатком.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	limit, okLimit := queryInt(r, "limit")
	offset, okOffset := queryInt(r, "offset")
	if !okLimit || !okOffset {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid paging parameters"})
		return
	}

	q := r.URL.Query()
	products, err := h.service.ListProducts(r.Context(), model.ProductQuery{
		Q:        q.Get("q"),
		BranchID: q.Get("branchId"),
		Limit:    limit,
		Offset:   offset,
	}, q.Get("excludeOrderId"))
	if err != nil {
		h.writeError(w, r, "list products", err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

type stockResponse struct {
	ProductID      string          `json:"productId"`
	AvailableStock decimal.Decimal `json:"availableStock"`
	OutOfStock     bool            `json:"outOfStock"`
}

// ProductStock возвращает доступный остаток одного товара.
func (h *Handler) ProductStock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	avail, err := h.service.AvailableStock(r.Context(), id, r.URL.Query().Get("excludeOrderId"))
	if err != nil {
		h.writeError(w, r, "product stock", err)
		return
	}
	writeJSON(w, http.StatusOK, stockResponse{
		ProductID:      id,
		AvailableStock: avail,
		OutOfStock:     stock.OutOfStock(avail),
	})
}

// UpsertProduct создаёт или обновляет товар каталога.
func (h *Handler) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var p model.Product
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")
	p.AvailableStock = nil

	if err := h.service.UpsertProduct(r.Context(), &p); err != nil {
		h.writeError(w, r, "upsert product", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type restockRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

// RestockProduct приходует товар: остаток увеличивается на переданное количество.
func (h *Handler) RestockProduct(w http.ResponseWriter, r *http.Request) {
	var req restockRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.RestockProduct(r.Context(), chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		h.writeError(w, r, "restock product", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
