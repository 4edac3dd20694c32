package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/orderdesk/internal/httpclient"
	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/service"
)

// APIError описывает ответ сервера с кодом ошибки. Сопоставляется с ошибками model через errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

// Unwrap возвращает доменную ошибку, соответствующую коду ответа.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return model.ErrValidation
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusConflict:
		if strings.HasPrefix(e.Message, model.ErrConflict.Error()) {
			return model.ErrConflict
		}
		return model.ErrInvalidState
	}
	return nil
}

// HTTPClient инкапсулирует REST-взаимодействие терминала с сервером заказов.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient создаёт клиент для сервера по указанному адресу с токеном сессии терминала.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    httpclient.BaseURL(baseURL),
		token:      token,
		httpClient: httpclient.New(10 * time.Second),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) order(ctx context.Context, method, path string, body any) (*model.Order, error) {
	var o model.Order
	if err := c.do(ctx, method, path, body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrders возвращает заказы филиала в указанных статусах.
func (c *HTTPClient) ListOrders(ctx context.Context, branchID string, statuses ...model.OrderStatus) ([]model.Order, error) {
	q := url.Values{}
	if branchID != "" {
		q.Set("branchId", branchID)
	}
	for _, s := range statuses {
		q.Add("status", string(s))
	}

	var orders []model.Order
	if err := c.do(ctx, http.MethodGet, "/api/orders?"+q.Encode(), nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListDrafts возвращает черновики филиала.
func (c *HTTPClient) ListDrafts(ctx context.Context, branchID string) ([]model.Order, error) {
	q := url.Values{}
	if branchID != "" {
		q.Set("branchId", branchID)
	}

	var drafts []model.Order
	if err := c.do(ctx, http.MethodGet, "/api/drafts?"+q.Encode(), nil, &drafts); err != nil {
		return nil, err
	}
	return drafts, nil
}

const productPageSize = 100

// ListProducts возвращает весь каталог филиала с доступными остатками, запрашивая его постранично.
// Резерв заказа excludeOrderID не учитывается.
func (c *HTTPClient) ListProducts(ctx context.Context, branchID, excludeOrderID string) ([]model.Product, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(productPageSize))
	if branchID != "" {
		q.Set("branchId", branchID)
	}
	if excludeOrderID != "" {
		q.Set("excludeOrderId", excludeOrderID)
	}

	var products []model.Product
	for offset := 0; ; offset += productPageSize {
		q.Set("offset", strconv.Itoa(offset))

		var page []model.Product
		if err := c.do(ctx, http.MethodGet, "/api/products?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		products = append(products, page...)
		if len(page) < productPageSize {
			return products, nil
		}
	}
}

// ProductStock возвращает доступный остаток одного товара без учёта резерва заказа excludeOrderID.
func (c *HTTPClient) ProductStock(ctx context.Context, productID, excludeOrderID string) (decimal.Decimal, error) {
	path := "/api/products/" + url.PathEscape(productID) + "/stock"
	if excludeOrderID != "" {
		path += "?" + url.Values{"excludeOrderId": {excludeOrderID}}.Encode()
	}

	var out struct {
		AvailableStock decimal.Decimal `json:"availableStock"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.AvailableStock, nil
}

// GetOrder возвращает заказ по идентификатору.
func (c *HTTPClient) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return c.order(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(id), nil)
}

// AcceptOrder принимает web-заказ.
func (c *HTTPClient) AcceptOrder(ctx context.Context, id string) (*model.Order, error) {
	return c.order(ctx, http.MethodPatch, "/api/orders/"+url.PathEscape(id)+"/accept", nil)
}

// UpdateItems заменяет позиции заказа.
func (c *HTTPClient) UpdateItems(ctx context.Context, id string, items []service.ItemInput) (*model.Order, error) {
	body := map[string]any{"items": items}
	return c.order(ctx, http.MethodPatch, "/api/orders/"+url.PathEscape(id)+"/items", body)
}

// SaveDraft создаёт черновик при пустом id или перезаписывает существующий.
func (c *HTTPClient) SaveDraft(ctx context.Context, id string, in service.OrderInput) (*model.Order, error) {
	if id == "" {
		return c.order(ctx, http.MethodPost, "/api/drafts", in)
	}
	return c.order(ctx, http.MethodPatch, "/api/drafts/"+url.PathEscape(id), in)
}

// ResumeDraft загружает черновик для редактирования.
func (c *HTTPClient) ResumeDraft(ctx context.Context, id string) (*model.Order, error) {
	return c.order(ctx, http.MethodGet, "/api/drafts/"+url.PathEscape(id), nil)
}

// DeleteDraft удаляет черновик.
func (c *HTTPClient) DeleteDraft(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/drafts/"+url.PathEscape(id), nil, nil)
}

// FinalizeDraft фиксирует оплату черновика.
func (c *HTTPClient) FinalizeDraft(ctx context.Context, id string, p model.Payment) (*model.Order, error) {
	return c.order(ctx, http.MethodPost, "/api/drafts/"+url.PathEscape(id)+"/finalize", p)
}

// Enroll получает токен сессии терминала по ключу регистрации.
func Enroll(ctx context.Context, baseURL, key string, operatorID int64, branchID string) (string, error) {
	c := NewHTTPClient(baseURL, "")

	body := map[string]any{"operatorId": operatorID, "branchId": branchID}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/terminals/session", bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Terminal-Key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("enroll terminal: unexpected status: %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("enroll terminal: empty token")
	}
	return out.Token, nil
}
