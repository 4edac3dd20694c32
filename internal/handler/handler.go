// Package handler содержит HTTP-обработчики API сервиса приёма заказов.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/middleware"
	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateWebOrder(ctx context.Context, in service.OrderInput) (*model.Order, error)
	CreateOrder(ctx context.Context, actor model.Actor, in service.OrderInput) (*model.Order, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	AcceptOrder(ctx context.Context, id string) (*model.Order, error)
	UpdateItems(ctx context.Context, id string, in []service.ItemInput) (*model.Order, error)
	CompleteOrder(ctx context.Context, id string, p model.Payment) (*model.Order, error)
	CancelOrder(ctx context.Context, id string) (*model.Order, error)

	SaveDraft(ctx context.Context, actor model.Actor, id string, in service.OrderInput) (*model.Order, error)
	ListDrafts(ctx context.Context, branchID string) ([]model.Order, error)
	ResumeDraft(ctx context.Context, id string) (*model.Order, error)
	DeleteDraft(ctx context.Context, id string) error
	FinalizeDraft(ctx context.Context, id string, p model.Payment) (*model.Order, error)

	AvailableStock(ctx context.Context, productID, excludeOrderID string) (decimal.Decimal, error)
	ListProducts(ctx context.Context, q model.ProductQuery, excludeOrderID string) ([]model.Product, error)
	UpsertProduct(ctx context.Context, p *model.Product) error
	RestockProduct(ctx context.Context, id string, delta decimal.Decimal) (*model.Product, error)
}

// Options задаёт необязательные части HTTP API.
type Options struct {
	// TerminalKey задаёт ключ регистрации терминалов. Пустой ключ разрешает выдачу сессий без проверки.
	TerminalKey string
	// Realtime обслуживает websocket-канал уведомлений.
	Realtime http.Handler
	// Metrics отдаёт метрики Prometheus.
	Metrics http.Handler
}

// Handler реализует HTTP-обработчики API сервиса приёма заказов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	opts           Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts Options) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		opts:           opts,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState), errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError переводит ошибку сервиса в HTTP-ответ. Внутренние ошибки скрываются от клиента.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err), zap.String("path", r.URL.Path))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return false
	}
	return true
}

func actorOrUnauthorized(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return actor, ok
}

type sessionRequest struct {
	OperatorID int64  `json:"operatorId"`
	BranchID   string `json:"branchId"`
}

type sessionResponse struct {
	Token string `json:"token"`
}

// OpenSession выдаёт терминалу подписанный токен сессии оператора.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	if h.opts.TerminalKey != "" {
		key := r.Header.Get("X-Terminal-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.opts.TerminalKey)) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}

	var req sessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	if req.OperatorID <= 0 || req.BranchID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "operatorId and branchId are required"})
		return
	}

	token := h.authMiddleware.SetAuthCookie(w, model.Actor{OperatorID: req.OperatorID, BranchID: req.BranchID})
	writeJSON(w, http.StatusOK, sessionResponse{Token: token})
}

// CreateWebOrder принимает заказ внешнего канала и создаёт его в статусе pending.
func (h *Handler) CreateWebOrder(w http.ResponseWriter, r *http.Request) {
	var in service.OrderInput
	if !decodeJSON(w, r, &in) {
		return
	}

	o, err := h.service.CreateWebOrder(r.Context(), in)
	if err != nil {
		h.writeError(w, r, "create web order", err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// CreateOrder создаёт заказ терминала.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrUnauthorized(w, r)
	if !ok {
		return
	}

	var in service.OrderInput
	if !decodeJSON(w, r, &in) {
		return
	}

	o, err := h.service.CreateOrder(r.Context(), actor, in)
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func parseStatuses(values []string) []model.OrderStatus {
	var res []model.OrderStatus
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				res = append(res, model.OrderStatus(s))
			}
		}
	}
	return res
}

func queryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ListOrders возвращает заказы с фильтром по филиалу и статусам, от новых к старым.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
		return
	}

	orders, err := h.service.ListOrders(r.Context(), model.OrderFilter{
		BranchID: r.URL.Query().Get("branchId"),
		Statuses: parseStatuses(r.URL.Query()["status"]),
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, r, "list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder возвращает заказ по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// AcceptOrder принимает web-заказ. Тело запроса не используется, повторный вызов безопасен.
func (h *Handler) AcceptOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.AcceptOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "accept order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type itemsRequest struct {
	Items []service.ItemInput `json:"items"`
}

// UpdateItems заменяет позиции заказа.
func (h *Handler) UpdateItems(w http.ResponseWriter, r *http.Request) {
	var req itemsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	o, err := h.service.UpdateItems(r.Context(), chi.URLParam(r, "id"), req.Items)
	if err != nil {
		h.writeError(w, r, "update items", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CompleteOrder принимает оплату и закрывает активный заказ.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	var p model.Payment
	if !decodeJSON(w, r, &p) {
		return
	}

	o, err := h.service.CompleteOrder(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		h.writeError(w, r, "complete order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder отменяет заказ.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.CancelOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
