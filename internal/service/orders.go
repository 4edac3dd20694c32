package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/money"
	"github.com/mmeshcher/orderdesk/internal/notify"
)

// ItemInput описывает позицию во входящем заказе.
type ItemInput struct {
	ProductID string          `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
	Size      *string         `json:"size,omitempty"`
}

// OrderInput описывает заказ, присланный терминалом или внешним каналом.
type OrderInput struct {
	BranchID            string        `json:"branchId"`
	Channel             model.Channel `json:"channel,omitempty"`
	CustomerID          *string       `json:"customerId,omitempty"`
	CustomerName        string        `json:"customerName,omitempty"`
	CustomerPhone       string        `json:"customerPhone,omitempty"`
	CustomerContactType string        `json:"customerContactType,omitempty"`
	TableRef            *string       `json:"tableRef,omitempty"`
	Items               []ItemInput   `json:"items"`
}

// resolveItems проверяет позиции и фиксирует в них текущие цены и названия товаров.
func (s *Service) resolveItems(ctx context.Context, in []ItemInput) ([]model.LineItem, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", model.ErrValidation)
	}

	ids := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, it := range in {
		if it.ProductID == "" {
			return nil, fmt.Errorf("%w: item product id is required", model.ErrValidation)
		}
		if _, ok := seen[it.ProductID]; !ok {
			seen[it.ProductID] = struct{}{}
			ids = append(ids, it.ProductID)
		}
	}

	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]model.LineItem, 0, len(in))
	for _, it := range in {
		p, ok := products[it.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown product %s", model.ErrValidation, it.ProductID)
		}
		if !it.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: quantity of %s must be positive", model.ErrValidation, it.ProductID)
		}
		if it.Size != nil && !hasSize(p.Sizes, *it.Size) {
			return nil, fmt.Errorf("%w: product %s has no size %q", model.ErrValidation, it.ProductID, *it.Size)
		}
		items = append(items, model.LineItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    it.Quantity,
			UnitPrice:   p.Price,
			Size:        it.Size,
		})
	}
	return items, nil
}

func hasSize(sizes []string, size string) bool {
	for _, v := range sizes {
		if v == size {
			return true
		}
	}
	return false
}

func sizeKey(productID string, size *string) string {
	if size == nil {
		return productID
	}
	return productID + "\x00" + *size
}

// keepPrices сохраняет цены позиций, уже бывших в заказе, чтобы правка
// не пересчитывала их по текущему прайсу.
func keepPrices(items, previous []model.LineItem) {
	prices := make(map[string]decimal.Decimal, len(previous))
	for _, it := range previous {
		prices[sizeKey(it.ProductID, it.Size)] = it.UnitPrice
	}
	for i := range items {
		if p, ok := prices[sizeKey(items[i].ProductID, items[i].Size)]; ok {
			items[i].UnitPrice = p
		}
	}
}

// setOpenAmounts пересчитывает итог неоплаченного заказа: вся сумма к оплате.
func setOpenAmounts(o *model.Order) {
	o.Total = money.Total(o.Items)
	o.PaidAmount = decimal.Zero
	o.DueAmount = o.Total
	o.PaymentStatus = ""
}

func applyCustomer(o *model.Order, in OrderInput) {
	o.CustomerID = in.CustomerID
	o.CustomerName = in.CustomerName
	o.CustomerPhone = in.CustomerPhone
	o.CustomerContactType = in.CustomerContactType
	o.TableRef = in.TableRef
}

// CreateOrder создаёт заказ. Заказ web-канала создаётся в статусе pending и рассылается
// терминалам, заказ терминала сразу становится активным.
func (s *Service) CreateOrder(ctx context.Context, actor model.Actor, in OrderInput) (*model.Order, error) {
	channel := in.Channel
	if channel == "" {
		channel = model.ChannelInStore
	}

	status := model.OrderStatusActive
	event := notify.EventOrderCreated
	switch channel {
	case model.ChannelInStore:
	case model.ChannelWeb:
		status = model.OrderStatusPending
		event = notify.EventWebOrderCreated
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", model.ErrValidation, channel)
	}

	branchID := in.BranchID
	if branchID == "" {
		branchID = actor.BranchID
	}
	if branchID == "" {
		return nil, fmt.Errorf("%w: branch id is required", model.ErrValidation)
	}

	items, err := s.resolveItems(ctx, in.Items)
	if err != nil {
		return nil, err
	}
	c, err := s.lookupCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}

	o := &model.Order{
		BranchID:  branchID,
		Status:    status,
		Channel:   channel,
		Items:     items,
		CreatedBy: actor.OperatorID,
	}
	applyCustomer(o, in)
	fillCustomer(o, c)
	setOpenAmounts(o)

	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order", o.ID), zap.Int64("number", o.Number),
		zap.String("channel", string(o.Channel)), zap.String("branch", o.BranchID))
	s.publish(ctx, event, o)
	return o, nil
}

// CreateWebOrder принимает заказ внешнего канала.
func (s *Service) CreateWebOrder(ctx context.Context, in OrderInput) (*model.Order, error) {
	in.Channel = model.ChannelWeb
	return s.CreateOrder(ctx, model.Actor{}, in)
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders возвращает заказы филиала в указанных статусах, от новых к старым.
func (s *Service) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", model.ErrValidation, st)
		}
	}
	return s.repo.ListOrders(ctx, f)
}

// UpdateItems заменяет позиции заказа в статусе draft, pending или active.
// Заказ, по которому склад уже списан, не редактируется.
func (s *Service) UpdateItems(ctx context.Context, id string, in []ItemInput) (*model.Order, error) {
	items, err := s.resolveItems(ctx, in)
	if err != nil {
		return nil, err
	}

	o, err := s.repo.UpdateOrder(ctx, id, func(o *model.Order) error {
		switch o.Status {
		case model.OrderStatusDraft, model.OrderStatusPending, model.OrderStatusActive:
		default:
			return fmt.Errorf("%w: cannot edit %s order", model.ErrInvalidState, o.Status)
		}
		if o.StockCommitted {
			return fmt.Errorf("%w: order %s is already finalized", model.ErrInvalidState, o.ID)
		}
		next := make([]model.LineItem, len(items))
		copy(next, items)
		keepPrices(next, o.Items)
		o.Items = next
		setOpenAmounts(o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, notify.EventOrderUpdated, o)
	return o, nil
}

// settle применяет оплату к заказу. Остаток к оплате требует привязанного покупателя.
func settle(o *model.Order, paid decimal.Decimal, customerID *string) (money.Settlement, error) {
	o.Total = money.Total(o.Items)
	st, err := money.Settle(o.Total, paid)
	if err != nil {
		return money.Settlement{}, err
	}
	if customerID == nil {
		customerID = o.CustomerID
	}
	if st.Due.IsPositive() && (customerID == nil || *customerID == "") {
		return money.Settlement{}, fmt.Errorf("%w: %s payment requires a customer", model.ErrValidation, st.Status)
	}

	o.CustomerID = customerID
	o.PaidAmount = st.Paid
	o.DueAmount = st.Due
	o.PaymentStatus = st.Status
	return st, nil
}

// CompleteOrder принимает оплату активного заказа и закрывает его.
// Оплата добавляется к ранее внесённой; склад списывается, если ещё не был списан.
func (s *Service) CompleteOrder(ctx context.Context, id string, p model.Payment) (*model.Order, error) {
	c, err := s.lookupCustomer(ctx, p.CustomerID)
	if err != nil {
		return nil, err
	}

	var committed bool
	o, err := s.repo.UpdateOrder(ctx, id, func(o *model.Order) error {
		switch o.Status {
		case model.OrderStatusActive:
		case model.OrderStatusCompleted:
			return fmt.Errorf("%w: order %s is already completed", model.ErrConflict, o.ID)
		default:
			return fmt.Errorf("%w: cannot complete %s order", model.ErrInvalidState, o.Status)
		}
		if p.PaidAmount.IsNegative() {
			return fmt.Errorf("%w: paid amount must not be negative", model.ErrValidation)
		}
		if _, err := settle(o, o.PaidAmount.Add(p.PaidAmount), p.CustomerID); err != nil {
			return err
		}
		fillCustomer(o, c)
		o.Status = model.OrderStatusCompleted
		committed = !o.StockCommitted
		o.StockCommitted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil && committed {
		s.metrics.StockDecrements.Inc()
	}
	s.logger.Info("order completed",
		zap.String("order", o.ID), zap.String("payment_status", string(o.PaymentStatus)))
	s.publish(ctx, notify.EventOrderFinalized, o)
	return o, nil
}

// CancelOrder отменяет заказ в статусе pending или active. Склад не возвращается.
func (s *Service) CancelOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := s.repo.UpdateOrder(ctx, id, func(o *model.Order) error {
		switch o.Status {
		case model.OrderStatusPending, model.OrderStatusActive:
		case model.OrderStatusDraft:
			return fmt.Errorf("%w: drafts are deleted, not cancelled", model.ErrInvalidState)
		default:
			return fmt.Errorf("%w: cannot cancel %s order", model.ErrInvalidState, o.Status)
		}
		o.Status = model.OrderStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order cancelled", zap.String("order", o.ID))
	s.publish(ctx, notify.EventOrderCancelled, o)
	return o, nil
}
