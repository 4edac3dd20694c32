// Package model содержит доменные сущности сервиса приёма заказов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusActive    OrderStatus = "active"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal сообщает, находится ли заказ в конечном статусе.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Valid проверяет, что статус входит в допустимый набор.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusDraft, OrderStatusPending, OrderStatusActive, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// Channel описывает источник заказа.
type Channel string

const (
	ChannelInStore Channel = "in_store"
	ChannelWeb     Channel = "web"
)

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusDue     PaymentStatus = "due"
	PaymentStatusPartial PaymentStatus = "partial"
)

// LineItem описывает позицию заказа. Цена фиксируется на момент оформления.
type LineItem struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Size        *string         `json:"size,omitempty"`
	LineTotal   decimal.Decimal `json:"lineTotal"`
}

// Order описывает заказ терминала или внешнего канала.
type Order struct {
	ID                  string          `json:"id"`
	Number              int64           `json:"orderNumber"`
	BranchID            string          `json:"branchId"`
	Status              OrderStatus     `json:"status"`
	Channel             Channel         `json:"channel"`
	Total               decimal.Decimal `json:"total"`
	PaidAmount          decimal.Decimal `json:"paidAmount"`
	DueAmount           decimal.Decimal `json:"dueAmount"`
	PaymentStatus       PaymentStatus   `json:"paymentStatus,omitempty"`
	CustomerID          *string         `json:"customerId"`
	CustomerName        string          `json:"customerName,omitempty"`
	CustomerPhone       string          `json:"customerPhone,omitempty"`
	CustomerContactType string          `json:"customerContactType,omitempty"`
	TableRef            *string         `json:"tableRef,omitempty"`
	Items               []LineItem      `json:"items"`
	StockCommitted      bool            `json:"stockCommitted"`
	CreatedBy           int64           `json:"createdBy,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Clone возвращает глубокую копию заказа.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = make([]LineItem, len(o.Items))
	copy(c.Items, o.Items)
	if o.CustomerID != nil {
		v := *o.CustomerID
		c.CustomerID = &v
	}
	if o.TableRef != nil {
		v := *o.TableRef
		c.TableRef = &v
	}
	return &c
}

// OrderFilter задаёт параметры выборки заказов.
type OrderFilter struct {
	BranchID string
	Statuses []OrderStatus
	// Limit ограничивает выборку; 0 означает все заказы.
	Limit int
}

// Product описывает товар каталога с остатком на складе.
type Product struct {
	ID             string           `json:"id"`
	BranchID       string           `json:"branchId,omitempty"`
	Name           string           `json:"name"`
	Category       string           `json:"category,omitempty"`
	Price          decimal.Decimal  `json:"price"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Sizes          []string         `json:"sizes,omitempty"`
	AvailableStock *decimal.Decimal `json:"availableStock,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// ProductQuery задаёт поиск по каталогу.
type ProductQuery struct {
	Q        string
	BranchID string
	Limit    int
	Offset   int
}

// Payment содержит данные оплаты при финализации заказа.
type Payment struct {
	PaidAmount decimal.Decimal `json:"paidAmount"`
	CustomerID *string         `json:"customerId,omitempty"`
	Method     string          `json:"method,omitempty"`
}

// Actor описывает оператора и филиал терминала, выполняющего запрос.
type Actor struct {
	OperatorID int64
	BranchID   string
}
