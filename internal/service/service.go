// Package service реализует бизнес-логику приёма заказов: черновики, приём web-заказов,
// жизненный цикл заказа и расчёт доступного остатка.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/customer"
	"github.com/mmeshcher/orderdesk/internal/metrics"
	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/notify"
	"github.com/mmeshcher/orderdesk/internal/stock"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	UpdateOrder(ctx context.Context, id string, fn func(o *model.Order) error) (*model.Order, error)
	DeleteDraft(ctx context.Context, id string) error
	AcceptOrder(ctx context.Context, id string) (*model.Order, bool, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]model.Product, error)
	ListProducts(ctx context.Context, q model.ProductQuery) ([]model.Product, error)
	UpsertProduct(ctx context.Context, p *model.Product) error
	RestockProduct(ctx context.Context, id string, delta decimal.Decimal) (*model.Product, error)
	OpenReservations(ctx context.Context, productIDs []string) ([]stock.Reservation, error)
}

// CustomerDirectory описывает справочник покупателей.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, id string) (*customer.Customer, int, time.Duration, error)
}

// Service содержит бизнес-логику сервиса приёма заказов.
type Service struct {
	repo      Repository
	publisher notify.Publisher
	customers CustomerDirectory
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewService создаёт сервис. publisher, customers и m могут быть nil.
func NewService(repo Repository, publisher notify.Publisher, customers CustomerDirectory, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		customers: customers,
		metrics:   m,
		logger:    logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// publish рассылает событие о заказе. Черновики не рассылаются.
// Ошибка доставки не отменяет уже сохранённое изменение и только логируется.
func (s *Service) publish(ctx context.Context, name string, o *model.Order) {
	if s.publisher == nil || o == nil || o.Status == model.OrderStatusDraft {
		return
	}
	if err := s.publisher.Publish(ctx, notify.NewEvent(name, o.Clone())); err != nil {
		s.logger.Warn("failed to publish order event",
			zap.String("event", name), zap.String("order", o.ID), zap.Error(err))
	}
}

const customerLookupAttempts = 3

// lookupCustomer проверяет покупателя во внешнем справочнике.
// Без настроенного справочника проверка пропускается и возвращается nil.
func (s *Service) lookupCustomer(ctx context.Context, id *string) (*customer.Customer, error) {
	if s.customers == nil || id == nil {
		return nil, nil
	}

	for attempt := 0; attempt < customerLookupAttempts; attempt++ {
		c, statusCode, retryAfter, err := s.customers.GetCustomer(ctx, *id)
		if err != nil {
			return nil, fmt.Errorf("customer lookup: %w", err)
		}

		switch statusCode {
		case http.StatusOK:
			return c, nil
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: unknown customer %s", model.ErrValidation, *id)
		case http.StatusTooManyRequests:
			if retryAfter <= 0 {
				retryAfter = 100 * time.Millisecond
			}
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, fmt.Errorf("customer lookup: directory is rate limiting requests")
}

func fillCustomer(o *model.Order, c *customer.Customer) {
	if c == nil {
		return
	}
	if o.CustomerName == "" {
		o.CustomerName = c.Name
	}
	if o.CustomerPhone == "" {
		o.CustomerPhone = c.Phone
	}
	if o.CustomerContactType == "" {
		o.CustomerContactType = c.ContactType
	}
}
