package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/orderdesk/internal/model"
)

func seedProduct(t *testing.T, m *MemoryRepository, id string, qty int64) {
	t.Helper()
	require.NoError(t, m.UpsertProduct(context.Background(), &model.Product{
		ID:       id,
		Name:     "Product " + id,
		Price:    decimal.RequireFromString("5.00"),
		Quantity: decimal.NewFromInt(qty),
	}))
}

func orderWith(status model.OrderStatus, channel model.Channel, productID string, qty int64) *model.Order {
	return &model.Order{
		Status:  status,
		Channel: channel,
		Items: []model.LineItem{
			{ProductID: productID, Quantity: decimal.NewFromInt(qty), UnitPrice: decimal.NewFromInt(5), LineTotal: decimal.NewFromInt(5 * qty)},
		},
	}
}

func TestMemory_CreateAssignsMonotonicNumbers(t *testing.T) {
	m := NewMemoryRepository()
	seedProduct(t, m, "p", 10)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		o := orderWith(model.OrderStatusDraft, model.ChannelInStore, "p", 1)
		require.NoError(t, m.CreateOrder(ctx, o))
		assert.Greater(t, o.Number, last)
		last = o.Number
	}
}

func TestMemory_CreateRejectsUnknownProduct(t *testing.T) {
	m := NewMemoryRepository()

	err := m.CreateOrder(context.Background(), orderWith(model.OrderStatusDraft, model.ChannelInStore, "missing", 1))
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestMemory_ListOrdersNewestFirst(t *testing.T) {
	m := NewMemoryRepository()
	seedProduct(t, m, "p", 10)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, m.CreateOrder(ctx, orderWith(model.OrderStatusDraft, model.ChannelInStore, "p", 1)))
	}

	list, err := m.ListOrders(ctx, model.OrderFilter{Statuses: []model.OrderStatus{model.OrderStatusDraft}})
	require.NoError(t, err)
	require.Len(t, list, 4)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].CreatedAt.After(list[i-1].CreatedAt))
	}
}

func TestMemory_AcceptIsConditional(t *testing.T) {
	m := NewMemoryRepository()
	seedProduct(t, m, "p", 10)
	ctx := context.Background()

	o := orderWith(model.OrderStatusPending, model.ChannelWeb, "p", 1)
	require.NoError(t, m.CreateOrder(ctx, o))

	var transitions int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err := m.AcceptOrder(ctx, o.ID)
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			if got.Status != model.OrderStatusActive {
				t.Errorf("status = %s, want active", got.Status)
			}
			if ok {
				atomic.AddInt32(&transitions, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), transitions)
}

func TestMemory_UpdateOrderCommitsStockOnce(t *testing.T) {
	m := NewMemoryRepository()
	seedProduct(t, m, "p", 10)
	ctx := context.Background()

	o := orderWith(model.OrderStatusDraft, model.ChannelInStore, "p", 3)
	require.NoError(t, m.CreateOrder(ctx, o))

	commit := func(o *model.Order) error {
		o.Status = model.OrderStatusCompleted
		o.StockCommitted = true
		return nil
	}
	_, err := m.UpdateOrder(ctx, o.ID, commit)
	require.NoError(t, err)
	_, err = m.UpdateOrder(ctx, o.ID, commit)
	require.NoError(t, err)

	p, err := m.GetProduct(ctx, "p")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(7)), "quantity = %s", p.Quantity)
}

func TestMemory_UpdateOrderRollsBackOnError(t *testing.T) {
	m := NewMemoryRepository()
	seedProduct(t, m, "p", 10)
	ctx := context.Background()

	o := orderWith(model.OrderStatusDraft, model.ChannelInStore, "p", 3)
	require.NoError(t, m.CreateOrder(ctx, o))

	_, err := m.UpdateOrder(ctx, o.ID, func(o *model.Order) error {
		o.Status = model.OrderStatusCompleted
		return model.ErrValidation
	})
	require.Error(t, err)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusDraft, got.Status)
}

func TestMemory_DeleteDraftOnlyDrafts(t *testing.T) {
	m := NewMemoryRepository()
	seedProduct(t, m, "p", 10)
	ctx := context.Background()

	active := orderWith(model.OrderStatusActive, model.ChannelInStore, "p", 1)
	require.NoError(t, m.CreateOrder(ctx, active))
	assert.True(t, errors.Is(m.DeleteDraft(ctx, active.ID), model.ErrNotFound))

	draft := orderWith(model.OrderStatusDraft, model.ChannelInStore, "p", 1)
	require.NoError(t, m.CreateOrder(ctx, draft))
	require.NoError(t, m.DeleteDraft(ctx, draft.ID))
	assert.True(t, errors.Is(m.DeleteDraft(ctx, draft.ID), model.ErrNotFound))
}

func TestMemory_OpenReservations(t *testing.T) {
	m := NewMemoryRepository()
	seedProduct(t, m, "p", 10)
	seedProduct(t, m, "q", 10)
	ctx := context.Background()

	require.NoError(t, m.CreateOrder(ctx, orderWith(model.OrderStatusDraft, model.ChannelInStore, "p", 2)))
	require.NoError(t, m.CreateOrder(ctx, orderWith(model.OrderStatusCompleted, model.ChannelInStore, "p", 4)))
	require.NoError(t, m.CreateOrder(ctx, orderWith(model.OrderStatusPending, model.ChannelWeb, "q", 1)))

	res, err := m.OpenReservations(ctx, []string{"p"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Quantity.Equal(decimal.NewFromInt(2)))
}

func TestMemory_ListProductsSearchAndPaging(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	for _, name := range []string{"Latte", "Espresso", "Lemonade", "Cold brew"} {
		require.NoError(t, m.UpsertProduct(ctx, &model.Product{ID: name, Name: name}))
	}

	res, err := m.ListProducts(ctx, model.ProductQuery{Q: "le"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Lemonade", res[0].Name)

	res, err = m.ListProducts(ctx, model.ProductQuery{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "Espresso", res[0].Name)
}

func TestMemory_UpsertKeepsQuantityRestockAdds(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	seedProduct(t, m, "tea", 5)

	p := &model.Product{ID: "tea", Name: "Green tea", Quantity: decimal.NewFromInt(100)}
	require.NoError(t, m.UpsertProduct(ctx, p))
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(5)))

	got, err := m.GetProduct(ctx, "tea")
	require.NoError(t, err)
	assert.Equal(t, "Green tea", got.Name)
	assert.True(t, got.Quantity.Equal(decimal.NewFromInt(5)))

	restocked, err := m.RestockProduct(ctx, "tea", decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.True(t, restocked.Quantity.Equal(decimal.NewFromInt(8)))

	_, err = m.RestockProduct(ctx, "missing", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemory_ListOrdersLimit(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	seedProduct(t, m, "tea", 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.CreateOrder(ctx, orderWith(model.OrderStatusDraft, model.ChannelInStore, "tea", 1)))
	}

	all, err := m.ListOrders(ctx, model.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := m.ListOrders(ctx, model.OrderFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
