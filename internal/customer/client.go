// Package customer предоставляет клиент внешнего сервиса справочника покупателей.
package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmeshcher/orderdesk/internal/httpclient"
)

const (
	requestTimeout = 5 * time.Second
	maxBodySize    = 64 << 10
)

// ErrNotConfigured возвращается при обращении к клиенту без адреса справочника.
var ErrNotConfigured = errors.New("customer directory is not configured")

// Customer описывает карточку покупателя.
type Customer struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Phone       string `json:"phone,omitempty"`
	ContactType string `json:"contactType,omitempty"`
}

// Client обращается к справочнику покупателей по REST.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент справочника. addr может быть как URL, так и host:port.
func NewClient(addr string) *Client {
	return &Client{
		baseURL:    httpclient.BaseURL(addr),
		httpClient: httpclient.New(requestTimeout),
	}
}

// GetCustomer запрашивает карточку покупателя. Вместе с карточкой возвращается код ответа:
// на 404 и 429 ошибки нет, решение принимает вызывающий; для 429 также возвращается
// пауза из Retry-After.
func (c *Client) GetCustomer(ctx context.Context, id string) (*Customer, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/customers/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("build customer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("customer lookup %s: %w", id, err)
	}
	defer resp.Body.Close()
	body := io.LimitReader(resp.Body, maxBodySize)

	switch resp.StatusCode {
	case http.StatusOK:
		var cust Customer
		if err := json.NewDecoder(body).Decode(&cust); err != nil {
			return nil, resp.StatusCode, 0, fmt.Errorf("decode customer %s: %w", id, err)
		}
		if cust.ID == "" {
			cust.ID = id
		}
		return &cust, resp.StatusCode, 0, nil
	case http.StatusNotFound:
		return nil, resp.StatusCode, 0, nil
	case http.StatusTooManyRequests:
		return nil, resp.StatusCode, httpclient.RetryAfter(resp.Header, time.Now()), nil
	default:
		msg, _ := io.ReadAll(body)
		return nil, resp.StatusCode, 0, fmt.Errorf("customer directory responded %d: %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
