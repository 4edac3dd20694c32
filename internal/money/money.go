// Package money содержит расчёты сумм заказа в десятичной арифметике.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/orderdesk/internal/model"
)

// Places задаёт точность денежных сумм.
const Places = 2

// LineTotal возвращает сумму позиции, округлённую до копеек.
func LineTotal(unitPrice, quantity decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(quantity).Round(Places)
}

// Total пересчитывает суммы позиций и возвращает итог заказа.
func Total(items []model.LineItem) decimal.Decimal {
	total := decimal.Zero
	for i := range items {
		items[i].LineTotal = LineTotal(items[i].UnitPrice, items[i].Quantity)
		total = total.Add(items[i].LineTotal)
	}
	return total
}

// Settlement описывает результат распределения оплаты по итогу заказа.
type Settlement struct {
	Paid   decimal.Decimal
	Due    decimal.Decimal
	Status model.PaymentStatus
}

// Settle распределяет внесённую сумму так, что Paid + Due == total.
// Переплата не сохраняется: сдача выдаётся вне системы.
func Settle(total, paid decimal.Decimal) (Settlement, error) {
	if paid.IsNegative() {
		return Settlement{}, fmt.Errorf("%w: paid amount must not be negative", model.ErrValidation)
	}
	paid = paid.Round(Places)
	if paid.GreaterThanOrEqual(total) {
		return Settlement{Paid: total, Due: decimal.Zero, Status: model.PaymentStatusPaid}, nil
	}
	due := total.Sub(paid)
	if paid.IsZero() {
		return Settlement{Paid: decimal.Zero, Due: due, Status: model.PaymentStatusDue}, nil
	}
	return Settlement{Paid: paid, Due: due, Status: model.PaymentStatusPartial}, nil
}

// Parse разбирает сумму или количество из строки.
func Parse(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s is not a number", model.ErrValidation, field)
	}
	return d, nil
}
