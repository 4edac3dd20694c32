package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/money"
	"github.com/mmeshcher/orderdesk/internal/notify"
)

// SaveDraft создаёт черновик, если id пуст, или перезаписывает существующий черновик.
// Черновик без позиций отклоняется. Черновики не рассылаются терминалам.
func (s *Service) SaveDraft(ctx context.Context, actor model.Actor, id string, in OrderInput) (*model.Order, error) {
	items, err := s.resolveItems(ctx, in.Items)
	if err != nil {
		return nil, err
	}
	c, err := s.lookupCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}

	if id == "" {
		branchID := in.BranchID
		if branchID == "" {
			branchID = actor.BranchID
		}
		if branchID == "" {
			return nil, fmt.Errorf("%w: branch id is required", model.ErrValidation)
		}

		o := &model.Order{
			BranchID:  branchID,
			Status:    model.OrderStatusDraft,
			Channel:   model.ChannelInStore,
			Items:     items,
			CreatedBy: actor.OperatorID,
		}
		applyCustomer(o, in)
		fillCustomer(o, c)
		setOpenAmounts(o)

		if err := s.repo.CreateOrder(ctx, o); err != nil {
			return nil, err
		}
		s.logger.Debug("draft created", zap.String("order", o.ID), zap.String("branch", o.BranchID))
		return o, nil
	}

	o, err := s.repo.UpdateOrder(ctx, id, func(o *model.Order) error {
		if o.Status != model.OrderStatusDraft {
			return fmt.Errorf("%w: draft %s", model.ErrNotFound, id)
		}
		next := make([]model.LineItem, len(items))
		copy(next, items)
		keepPrices(next, o.Items)
		o.Items = next
		applyCustomer(o, in)
		fillCustomer(o, c)
		setOpenAmounts(o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("draft saved", zap.String("order", o.ID))
	return o, nil
}

// ListDrafts возвращает черновики филиала от новых к старым. Пустой branchID означает все филиалы.
func (s *Service) ListDrafts(ctx context.Context, branchID string) ([]model.Order, error) {
	return s.repo.ListOrders(ctx, model.OrderFilter{
		BranchID: branchID,
		Statuses: []model.OrderStatus{model.OrderStatusDraft},
	})
}

// ResumeDraft загружает черновик для продолжения редактирования.
// Заказ в любом другом статусе считается не найденным.
func (s *Service) ResumeDraft(ctx context.Context, id string) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != model.OrderStatusDraft {
		return nil, fmt.Errorf("%w: draft %s", model.ErrNotFound, id)
	}
	return o, nil
}

// DeleteDraft безвозвратно удаляет черновик.
func (s *Service) DeleteDraft(ctx context.Context, id string) error {
	if err := s.repo.DeleteDraft(ctx, id); err != nil {
		return err
	}
	s.logger.Info("draft deleted", zap.String("order", id))
	return nil
}

// FinalizeDraft фиксирует оплату черновика и списывает склад один раз.
// Полностью оплаченный черновик становится completed, иначе active.
// Остаток к оплате без покупателя отклоняется без изменения заказа.
// Повторная финализация возвращает ErrConflict.
func (s *Service) FinalizeDraft(ctx context.Context, id string, p model.Payment) (*model.Order, error) {
	c, err := s.lookupCustomer(ctx, p.CustomerID)
	if err != nil {
		return nil, err
	}

	var st money.Settlement
	o, err := s.repo.UpdateOrder(ctx, id, func(o *model.Order) error {
		switch o.Status {
		case model.OrderStatusDraft:
		case model.OrderStatusActive, model.OrderStatusCompleted:
			if o.StockCommitted {
				return fmt.Errorf("%w: order %s is already finalized", model.ErrConflict, o.ID)
			}
			return fmt.Errorf("%w: order %s is not a draft", model.ErrInvalidState, o.ID)
		default:
			return fmt.Errorf("%w: cannot finalize %s order", model.ErrInvalidState, o.Status)
		}
		if len(o.Items) == 0 {
			return fmt.Errorf("%w: order must contain at least one item", model.ErrValidation)
		}

		var err error
		st, err = settle(o, p.PaidAmount, p.CustomerID)
		if err != nil {
			return err
		}
		fillCustomer(o, c)

		if st.Status == model.PaymentStatusPaid {
			o.Status = model.OrderStatusCompleted
		} else {
			o.Status = model.OrderStatusActive
		}
		o.StockCommitted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.DraftsFinalized.WithLabelValues(string(st.Status)).Inc()
		s.metrics.StockDecrements.Inc()
	}
	s.logger.Info("draft finalized",
		zap.String("order", o.ID),
		zap.String("status", string(o.Status)),
		zap.String("payment_status", string(o.PaymentStatus)))
	s.publish(ctx, notify.EventOrderFinalized, o)
	return o, nil
}
