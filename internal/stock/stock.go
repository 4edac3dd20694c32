// Package stock вычисляет доступный к продаже остаток товара.
package stock

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/orderdesk/internal/model"
)

// Reservation описывает количество товара, зарезервированное незавершённым заказом.
type Reservation struct {
	OrderID   string
	ProductID string
	Quantity  decimal.Decimal
}

// Available возвращает остаток onHand за вычетом резервов товара productID.
// Резервы заказа excludeOrderID не учитываются. Отрицательный результат не обрезается.
func Available(onHand decimal.Decimal, reservations []Reservation, productID, excludeOrderID string) decimal.Decimal {
	reserved := decimal.Zero
	for _, r := range reservations {
		if r.ProductID != productID {
			continue
		}
		if excludeOrderID != "" && r.OrderID == excludeOrderID {
			continue
		}
		reserved = reserved.Add(r.Quantity)
	}
	return onHand.Sub(reserved)
}

// OutOfStock сообщает, что товара нет в наличии.
func OutOfStock(available decimal.Decimal) bool {
	return !available.IsPositive()
}

// Project заполняет AvailableStock для каждого товара из products.
func Project(products []model.Product, reservations []Reservation, excludeOrderID string) {
	for i := range products {
		v := Available(products[i].Quantity, reservations, products[i].ID, excludeOrderID)
		products[i].AvailableStock = &v
	}
}

// Quantity возвращает остаток товара для отображения: вычисленный AvailableStock,
// а для старых ответов без него — исходное поле Quantity.
func Quantity(p model.Product) decimal.Decimal {
	if p.AvailableStock != nil {
		return *p.AvailableStock
	}
	return p.Quantity
}

// Reservations собирает резервы из позиций заказов, склад по которым ещё не списан.
func Reservations(orders []model.Order) []Reservation {
	var res []Reservation
	for _, o := range orders {
		if o.Status.Terminal() || o.StockCommitted {
			continue
		}
		for _, it := range o.Items {
			res = append(res, Reservation{
				OrderID:   o.ID,
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
			})
		}
	}
	return res
}
