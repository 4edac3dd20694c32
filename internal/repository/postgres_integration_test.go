//go:build integration

package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mmeshcher/orderdesk/internal/model"
)

func setupPostgres(ctx context.Context, t *testing.T) *PostgresRepository {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("orderdesk"),
		postgres.WithUsername("orderdesk"),
		postgres.WithPassword("orderdesk"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	repo, err := NewPostgresRepository(connStr)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func TestPostgres_OrderLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	repo := setupPostgres(ctx, t)

	require.NoError(t, repo.UpsertProduct(ctx, &model.Product{
		ID:       "latte",
		Name:     "Latte",
		Price:    decimal.RequireFromString("12.50"),
		Quantity: decimal.NewFromInt(10),
	}))

	web := &model.Order{
		BranchID:  "main",
		Status:    model.OrderStatusPending,
		Channel:   model.ChannelWeb,
		Total:     decimal.RequireFromString("25.00"),
		DueAmount: decimal.RequireFromString("25.00"),
		Items: []model.LineItem{
			{ProductID: "latte", ProductName: "Latte", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("12.50"), LineTotal: decimal.RequireFromString("25.00")},
		},
	}
	require.NoError(t, repo.CreateOrder(ctx, web))
	assert.NotZero(t, web.Number)

	res, err := repo.OpenReservations(ctx, []string{"latte"})
	require.NoError(t, err)
	require.Len(t, res, 1)

	var transitions int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.AcceptOrder(ctx, web.ID)
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&transitions, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), transitions)

	completed, err := repo.UpdateOrder(ctx, web.ID, func(o *model.Order) error {
		o.Status = model.OrderStatusCompleted
		o.PaidAmount = o.Total
		o.DueAmount = decimal.Zero
		o.PaymentStatus = model.PaymentStatusPaid
		o.StockCommitted = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, completed.Status)
	require.Len(t, completed.Items, 1)

	p, err := repo.GetProduct(ctx, "latte")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(8)), "quantity = %s", p.Quantity)

	err = repo.DeleteDraft(ctx, web.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestPostgres_DraftsNewestFirst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	repo := setupPostgres(ctx, t)
	require.NoError(t, repo.UpsertProduct(ctx, &model.Product{ID: "tea", Name: "Tea", Quantity: decimal.NewFromInt(5)}))

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateOrder(ctx, &model.Order{
			Status:  model.OrderStatusDraft,
			Channel: model.ChannelInStore,
			Items:   []model.LineItem{{ProductID: "tea", ProductName: "Tea", Quantity: decimal.NewFromInt(1)}},
		}))
	}

	drafts, err := repo.ListOrders(ctx, model.OrderFilter{Statuses: []model.OrderStatus{model.OrderStatusDraft}})
	require.NoError(t, err)
	require.Len(t, drafts, 3)
	for i := 1; i < len(drafts); i++ {
		assert.False(t, drafts[i].CreatedAt.After(drafts[i-1].CreatedAt))
	}
}

func TestPostgres_UpsertKeepsQuantityRestockAdds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	repo := setupPostgres(ctx, t)
	require.NoError(t, repo.UpsertProduct(ctx, &model.Product{ID: "tea", Name: "Tea", Quantity: decimal.NewFromInt(5)}))

	p := &model.Product{ID: "tea", Name: "Green tea", Quantity: decimal.NewFromInt(100)}
	require.NoError(t, repo.UpsertProduct(ctx, p))
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(5)))

	restocked, err := repo.RestockProduct(ctx, "tea", decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, "Green tea", restocked.Name)
	assert.True(t, restocked.Quantity.Equal(decimal.NewFromInt(8)))

	_, err = repo.RestockProduct(ctx, "missing", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPostgres_ListOrdersWithoutLimitReturnsAll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	repo := setupPostgres(ctx, t)
	require.NoError(t, repo.UpsertProduct(ctx, &model.Product{ID: "tea", Name: "Tea", Quantity: decimal.NewFromInt(1000)}))

	const n = 510
	for i := 0; i < n; i++ {
		require.NoError(t, repo.CreateOrder(ctx, &model.Order{
			Status:  model.OrderStatusDraft,
			Channel: model.ChannelInStore,
			Items:   []model.LineItem{{ProductID: "tea", ProductName: "Tea", Quantity: decimal.NewFromInt(1)}},
		}))
	}

	all, err := repo.ListOrders(ctx, model.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, n)

	limited, err := repo.ListOrders(ctx, model.OrderFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, limited, 10)
}
