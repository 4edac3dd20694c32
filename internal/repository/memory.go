package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/stock"
)

// MemoryRepository хранит заказы и товары в памяти процесса.
// Используется, когда адрес БД не задан, и в тестах.
type MemoryRepository struct {
	mu       sync.Mutex
	orders   map[string]*model.Order
	products map[string]*model.Product
	number   int64
	now      func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:   make(map[string]*model.Order),
		products: make(map[string]*model.Product),
		now:      time.Now,
	}
}

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

// tick возвращает строго возрастающее время, чтобы сортировка по created_at была однозначной.
func (m *MemoryRepository) tick(last time.Time) time.Time {
	t := m.now().UTC()
	if !t.After(last) {
		t = last.Add(time.Microsecond)
	}
	return t
}

func (m *MemoryRepository) latest() time.Time {
	var last time.Time
	for _, o := range m.orders {
		if o.CreatedAt.After(last) {
			last = o.CreatedAt
		}
	}
	return last
}

func (m *MemoryRepository) checkProducts(items []model.LineItem) error {
	for _, it := range items {
		if _, ok := m.products[it.ProductID]; !ok {
			return fmt.Errorf("%w: unknown product %s", model.ErrValidation, it.ProductID)
		}
	}
	return nil
}

func (m *MemoryRepository) decrement(items []model.LineItem) {
	for _, it := range items {
		if p, ok := m.products[it.ProductID]; ok {
			p.Quantity = p.Quantity.Sub(it.Quantity)
			p.UpdatedAt = m.now().UTC()
		}
	}
}

func assignItemIDs(items []model.LineItem) {
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
	}
}

// CreateOrder сохраняет новый заказ.
func (m *MemoryRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkProducts(o.Items); err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("insert order: duplicate id %s", o.ID)
	}
	assignItemIDs(o.Items)

	m.number++
	o.Number = m.number
	o.CreatedAt = m.tick(m.latest())
	o.UpdatedAt = o.CreatedAt

	if o.StockCommitted {
		m.decrement(o.Items)
	}

	m.orders[o.ID] = o.Clone()
	return nil
}

// GetOrder возвращает копию заказа.
func (m *MemoryRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	return o.Clone(), nil
}

// ListOrders возвращает заказы, отсортированные от новых к старым.
// Без f.Limit возвращаются все подходящие заказы.
func (m *MemoryRepository) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]model.Order, 0)
	for _, o := range m.orders {
		if f.BranchID != "" && o.BranchID != f.BranchID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
			continue
		}
		res = append(res, *o.Clone())
	}

	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].Number > res[j].Number
	})

	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func containsStatus(list []model.OrderStatus, s model.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// UpdateOrder применяет fn к копии заказа и сохраняет её, если fn не вернула ошибку.
func (m *MemoryRepository) UpdateOrder(ctx context.Context, id string, fn func(o *model.Order) error) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}

	o := stored.Clone()
	if err := fn(o); err != nil {
		return nil, err
	}
	if err := m.checkProducts(o.Items); err != nil {
		return nil, err
	}
	assignItemIDs(o.Items)

	if !stored.StockCommitted && o.StockCommitted {
		m.decrement(o.Items)
	}

	o.ID = stored.ID
	o.Number = stored.Number
	o.Channel = stored.Channel
	o.CreatedAt = stored.CreatedAt
	o.UpdatedAt = m.tick(stored.UpdatedAt)

	m.orders[id] = o.Clone()
	return o, nil
}

// DeleteDraft удаляет черновик.
func (m *MemoryRepository) DeleteDraft(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok || o.Status != model.OrderStatusDraft {
		return fmt.Errorf("%w: draft %s", model.ErrNotFound, id)
	}
	delete(m.orders, id)
	return nil
}

// AcceptOrder переводит web-заказ из pending в active.
func (m *MemoryRepository) AcceptOrder(ctx context.Context, id string) (*model.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}

	if o.Status == model.OrderStatusPending && o.Channel == model.ChannelWeb {
		o.Status = model.OrderStatusActive
		o.UpdatedAt = m.tick(o.UpdatedAt)
		return o.Clone(), true, nil
	}
	return o.Clone(), false, nil
}

// GetProduct возвращает товар по идентификатору.
func (m *MemoryRepository) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	c := *p
	return &c, nil
}

// GetProducts возвращает товары по списку идентификаторов.
func (m *MemoryRepository) GetProducts(ctx context.Context, ids []string) (map[string]model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make(map[string]model.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			res[id] = *p
		}
	}
	return res, nil
}

// ListProducts ищет товары по подстроке в названии или категории.
func (m *MemoryRepository) ListProducts(ctx context.Context, q model.ProductQuery) ([]model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	search := strings.ToLower(strings.TrimSpace(q.Q))
	var res []model.Product
	for _, p := range m.products {
		if search != "" && !strings.Contains(strings.ToLower(p.Name), search) &&
			!strings.Contains(strings.ToLower(p.Category), search) {
			continue
		}
		if q.BranchID != "" && p.BranchID != "" && p.BranchID != q.BranchID {
			continue
		}
		res = append(res, *p)
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].Name != res[j].Name {
			return res[i].Name < res[j].Name
		}
		return res[i].ID < res[j].ID
	})

	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(res) {
		return []model.Product{}, nil
	}
	res = res[offset:]
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// UpsertProduct создаёт или обновляет товар каталога. Остаток существующего товара не меняется.
func (m *MemoryRepository) UpsertProduct(ctx context.Context, p *model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.UpdatedAt = m.now().UTC()
	if cur, ok := m.products[p.ID]; ok {
		p.Quantity = cur.Quantity
	}
	c := *p
	c.AvailableStock = nil
	m.products[p.ID] = &c
	return nil
}

// RestockProduct увеличивает остаток товара на delta.
func (m *MemoryRepository) RestockProduct(ctx context.Context, id string, delta decimal.Decimal) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	p.Quantity = p.Quantity.Add(delta)
	p.UpdatedAt = m.now().UTC()
	c := *p
	return &c, nil
}

// OpenReservations возвращает резервы незавершённых заказов по указанным товарам.
func (m *MemoryRepository) OpenReservations(ctx context.Context, productIDs []string) ([]stock.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = struct{}{}
	}

	orders := make([]model.Order, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, *o)
	}

	var res []stock.Reservation
	for _, r := range stock.Reservations(orders) {
		if _, ok := wanted[r.ProductID]; ok {
			res = append(res, r)
		}
	}
	return res, nil
}
