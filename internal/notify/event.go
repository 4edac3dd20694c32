// Package notify рассылает события о заказах подключённым терминалам.
package notify

import (
	"context"

	"github.com/mmeshcher/orderdesk/internal/model"
)

// Имена событий канала уведомлений.
const (
	EventWebOrderCreated = "web-order-created"
	EventOrderCreated    = "order-created"
	EventOrderAccepted   = "order-accepted"
	EventOrderUpdated    = "order-updated"
	EventOrderFinalized  = "order-finalized"
	EventOrderCancelled  = "order-cancelled"
)

// Именованные наборы данных, которые событие делает устаревшими.
const (
	SetPendingOrders   = "pending-orders"
	SetActiveOrders    = "active-orders"
	SetCompletedOrders = "completed-orders"
	SetDrafts          = "drafts"
	SetProducts        = "products"
)

var invalidations = map[string][]string{
	EventWebOrderCreated: {SetPendingOrders, SetProducts},
	EventOrderCreated:    {SetActiveOrders, SetProducts},
	EventOrderAccepted:   {SetPendingOrders, SetActiveOrders},
	EventOrderUpdated:    {SetPendingOrders, SetActiveOrders, SetProducts},
	EventOrderFinalized:  {SetActiveOrders, SetCompletedOrders, SetProducts},
	EventOrderCancelled:  {SetPendingOrders, SetActiveOrders, SetProducts},
}

// Event описывает сообщение канала уведомлений.
type Event struct {
	Event       string       `json:"event"`
	Order       *model.Order `json:"order,omitempty"`
	Invalidates []string     `json:"invalidates,omitempty"`
}

// NewEvent создаёт событие с перечнем устаревающих наборов данных.
func NewEvent(name string, order *model.Order) Event {
	sets := invalidations[name]
	return Event{
		Event:       name,
		Order:       order,
		Invalidates: append([]string(nil), sets...),
	}
}

// BranchID возвращает филиал заказа из события.
func (e Event) BranchID() string {
	if e.Order == nil {
		return ""
	}
	return e.Order.BranchID
}

// Publisher публикует события о заказах.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
