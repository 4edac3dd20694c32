package stock

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/orderdesk/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAvailable(t *testing.T) {
	reservations := []Reservation{
		{OrderID: "draft-1", ProductID: "p1", Quantity: d("2")},
		{OrderID: "web-1", ProductID: "p1", Quantity: d("3")},
		{OrderID: "web-1", ProductID: "p2", Quantity: d("1")},
	}

	tests := []struct {
		name    string
		onHand  string
		product string
		exclude string
		want    string
	}{
		{name: "all reservations", onHand: "10", product: "p1", want: "5"},
		{name: "exclude own draft", onHand: "10", product: "p1", exclude: "draft-1", want: "7"},
		{name: "exclude unknown order", onHand: "10", product: "p1", exclude: "nope", want: "5"},
		{name: "other product", onHand: "4", product: "p2", want: "3"},
		{name: "oversold stays negative", onHand: "1", product: "p1", want: "-4"},
		{name: "no reservations", onHand: "7.5", product: "p3", want: "7.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Available(d(tt.onHand), reservations, tt.product, tt.exclude)
			assert.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestAvailable_OrderIndependent(t *testing.T) {
	a := []Reservation{
		{OrderID: "o1", ProductID: "p", Quantity: d("1")},
		{OrderID: "o2", ProductID: "p", Quantity: d("2.5")},
		{OrderID: "o3", ProductID: "p", Quantity: d("0.5")},
	}
	b := []Reservation{a[2], a[0], a[1]}

	assert.True(t, Available(d("10"), a, "p", "").Equal(Available(d("10"), b, "p", "")))
	assert.True(t, Available(d("10"), a, "p", "o2").Equal(d("8.5")))
}

func TestOutOfStock(t *testing.T) {
	assert.True(t, OutOfStock(d("0")))
	assert.True(t, OutOfStock(d("-1")))
	assert.False(t, OutOfStock(d("0.01")))
}

func TestReservations_SkipsTerminalAndCommitted(t *testing.T) {
	item := model.LineItem{ProductID: "p", Quantity: d("2")}
	orders := []model.Order{
		{ID: "draft", Status: model.OrderStatusDraft, Items: []model.LineItem{item}},
		{ID: "pending", Status: model.OrderStatusPending, Items: []model.LineItem{item}},
		{ID: "committed", Status: model.OrderStatusActive, StockCommitted: true, Items: []model.LineItem{item}},
		{ID: "done", Status: model.OrderStatusCompleted, StockCommitted: true, Items: []model.LineItem{item}},
		{ID: "gone", Status: model.OrderStatusCancelled, Items: []model.LineItem{item}},
	}

	res := Reservations(orders)
	if assert.Len(t, res, 2) {
		assert.Equal(t, "draft", res[0].OrderID)
		assert.Equal(t, "pending", res[1].OrderID)
	}
}

func TestQuantity_PrefersDerivedField(t *testing.T) {
	avail := d("3")
	assert.True(t, Quantity(model.Product{Quantity: d("10"), AvailableStock: &avail}).Equal(d("3")))
	assert.True(t, Quantity(model.Product{Quantity: d("10")}).Equal(d("10")))
}

func TestProject(t *testing.T) {
	products := []model.Product{
		{ID: "p1", Quantity: d("10")},
		{ID: "p2", Quantity: d("1")},
	}
	Project(products, []Reservation{{OrderID: "o", ProductID: "p1", Quantity: d("2")}}, "")

	assert.True(t, products[0].AvailableStock.Equal(d("8")))
	assert.True(t, products[1].AvailableStock.Equal(d("1")))
}
