package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/stock"
)

// AvailableStock возвращает доступный к продаже остаток товара.
// Позиции заказа excludeOrderID не считаются зарезервированными.
func (s *Service) AvailableStock(ctx context.Context, productID, excludeOrderID string) (decimal.Decimal, error) {
	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	res, err := s.repo.OpenReservations(ctx, []string{productID})
	if err != nil {
		return decimal.Zero, err
	}
	return stock.Available(p.Quantity, res, productID, excludeOrderID), nil
}

// ListProducts ищет товары и дополняет каждый вычисленным доступным остатком.
func (s *Service) ListProducts(ctx context.Context, q model.ProductQuery, excludeOrderID string) ([]model.Product, error) {
	products, err := s.repo.ListProducts(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return products, nil
	}

	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	res, err := s.repo.OpenReservations(ctx, ids)
	if err != nil {
		return nil, err
	}

	stock.Project(products, res, excludeOrderID)
	return products, nil
}

// UpsertProduct создаёт или обновляет карточку товара. Остаток задаётся только при создании,
// для существующего товара переданный Quantity игнорируется и заменяется фактическим.
func (s *Service) UpsertProduct(ctx context.Context, p *model.Product) error {
	p.Name = strings.TrimSpace(p.Name)
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: product id is required", model.ErrValidation)
	case p.Name == "":
		return fmt.Errorf("%w: product name is required", model.ErrValidation)
	case p.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", model.ErrValidation)
	case p.Quantity.IsNegative():
		return fmt.Errorf("%w: quantity must not be negative", model.ErrValidation)
	}
	return s.repo.UpsertProduct(ctx, p)
}

// RestockProduct приходует товар на склад: остаток увеличивается на delta.
// Это единственный способ поднять остаток существующего товара.
func (s *Service) RestockProduct(ctx context.Context, id string, delta decimal.Decimal) (*model.Product, error) {
	if !delta.IsPositive() {
		return nil, fmt.Errorf("%w: restock quantity must be positive", model.ErrValidation)
	}
	p, err := s.repo.RestockProduct(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	s.logger.Info("product restocked", zap.String("product", id), zap.String("delta", delta.String()),
		zap.String("on_hand", p.Quantity.String()))
	return p, nil
}
