package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/notify"
)

// AcceptOrder переводит web-заказ из pending в active.
// Повторный приём уже активного web-заказа возвращает его без изменений и без события:
// из нескольких одновременных вызовов переход выполняет ровно один.
func (s *Service) AcceptOrder(ctx context.Context, id string) (*model.Order, error) {
	o, transitioned, err := s.repo.AcceptOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	if transitioned {
		if s.metrics != nil {
			s.metrics.AcceptTotal.WithLabelValues("transitioned").Inc()
		}
		s.logger.Info("web order accepted", zap.String("order", o.ID), zap.Int64("number", o.Number))
		s.publish(ctx, notify.EventOrderAccepted, o)
		return o, nil
	}

	switch {
	case o.Channel != model.ChannelWeb:
		return nil, fmt.Errorf("%w: only web orders are accepted", model.ErrInvalidState)
	case o.Status == model.OrderStatusActive:
		if s.metrics != nil {
			s.metrics.AcceptTotal.WithLabelValues("noop").Inc()
		}
		return o, nil
	default:
		return nil, fmt.Errorf("%w: cannot accept %s order", model.ErrInvalidState, o.Status)
	}
}
