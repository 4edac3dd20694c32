// Package repository содержит реализацию доступа к данным в PostgreSQL и в памяти.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/orderdesk/internal/model"
	"github.com/mmeshcher/orderdesk/internal/stock"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const orderColumns = `id, number, branch_id, status, channel, total, paid_amount, due_amount,
	payment_status, customer_id, customer_name, customer_phone, customer_contact_type,
	table_ref, stock_committed, created_by, created_at, updated_at`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retry := false
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retry = pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
		} else if isConnectionError(err) {
			retry = true
		}

		if !retry || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o             model.Order
		status        string
		channel       string
		paymentStatus string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.BranchID, &status, &channel, &o.Total, &o.PaidAmount, &o.DueAmount,
		&paymentStatus, &o.CustomerID, &o.CustomerName, &o.CustomerPhone, &o.CustomerContactType,
		&o.TableRef, &o.StockCommitted, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.Channel = model.Channel(channel)
	o.PaymentStatus = model.PaymentStatus(paymentStatus)
	return &o, nil
}

// loadItems заполняет позиции заказов одним запросом.
func loadItems(ctx context.Context, q querier, orders []*model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, 0, len(orders))
	byID := make(map[string]*model.Order, len(orders))
	for _, o := range orders {
		o.Items = []model.LineItem{}
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	rows, err := q.Query(ctx,
		`SELECT order_id, id, product_id, product_name, quantity, unit_price, size, line_total
		 FROM order_items
		 WHERE order_id = ANY($1)
		 ORDER BY order_id, position`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			it      model.LineItem
		)
		if err := rows.Scan(&orderID, &it.ID, &it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice, &it.Size, &it.LineTotal); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, it)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

func insertItems(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	for i := range o.Items {
		it := &o.Items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO order_items (id, order_id, position, product_id, product_name, quantity, unit_price, size, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			it.ID, o.ID, i, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice, it.Size, it.LineTotal,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				return fmt.Errorf("%w: unknown product %s", model.ErrValidation, it.ProductID)
			}
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

// CreateOrder сохраняет новый заказ, присваивая ему идентификатор, номер и время создания.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (id, branch_id, status, channel, total, paid_amount, due_amount, payment_status,
			customer_id, customer_name, customer_phone, customer_contact_type, table_ref, stock_committed, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING number, created_at, updated_at`,
		o.ID, o.BranchID, string(o.Status), string(o.Channel), o.Total, o.PaidAmount, o.DueAmount, string(o.PaymentStatus),
		o.CustomerID, o.CustomerName, o.CustomerPhone, o.CustomerContactType, o.TableRef, o.StockCommitted, o.CreatedBy,
	).Scan(&o.Number, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if err := insertItems(ctx, tx, o); err != nil {
		return err
	}

	if o.StockCommitted {
		if err := decrementStock(ctx, tx, o.Items); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ вместе с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, r.pool, id, false)
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	o, err := scanOrder(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("select order: %w", err)
	}

	if err := loadItems(ctx, q, []*model.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders возвращает заказы, отсортированные от новых к старым.
// Без f.Limit возвращаются все подходящие заказы.
func (r *PostgresRepository) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	// LIMIT NULL в PostgreSQL означает выборку без ограничения.
	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE ($1 = '' OR branch_id = $1)
		   AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		 ORDER BY created_at DESC, number DESC
		 LIMIT $3`,
		f.BranchID, statuses, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var ptrs []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		ptrs = append(ptrs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := loadItems(ctx, r.pool, ptrs); err != nil {
		return nil, err
	}

	orders := make([]model.Order, 0, len(ptrs))
	for _, o := range ptrs {
		orders = append(orders, *o)
	}
	return orders, nil
}

// UpdateOrder блокирует строку заказа, применяет к нему fn и сохраняет результат.
// Если fn впервые выставляет StockCommitted, остатки товаров уменьшаются в той же транзакции.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, id string, fn func(o *model.Order) error) (*model.Order, error) {
	var result *model.Order

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		o, err := getOrder(ctx, tx, id, true)
		if err != nil {
			return err
		}
		committed := o.StockCommitted

		if err := fn(o); err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE orders
			 SET status = $2, total = $3, paid_amount = $4, due_amount = $5, payment_status = $6,
			     customer_id = $7, customer_name = $8, customer_phone = $9, customer_contact_type = $10,
			     table_ref = $11, stock_committed = $12, updated_at = clock_timestamp()
			 WHERE id = $1
			 RETURNING updated_at`,
			o.ID, string(o.Status), o.Total, o.PaidAmount, o.DueAmount, string(o.PaymentStatus),
			o.CustomerID, o.CustomerName, o.CustomerPhone, o.CustomerContactType,
			o.TableRef, o.StockCommitted,
		).Scan(&o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, o.ID); err != nil {
			return fmt.Errorf("delete order items: %w", err)
		}
		if err := insertItems(ctx, tx, o); err != nil {
			return err
		}

		if !committed && o.StockCommitted {
			if err := decrementStock(ctx, tx, o.Items); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func decrementStock(ctx context.Context, tx pgx.Tx, items []model.LineItem) error {
	for _, it := range items {
		_, err := tx.Exec(ctx,
			`UPDATE products SET quantity = quantity - $2, updated_at = NOW() WHERE id = $1`,
			it.ProductID, it.Quantity,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
	}
	return nil
}

// DeleteDraft безвозвратно удаляет черновик. Заказы в других статусах не затрагиваются.
func (r *PostgresRepository) DeleteDraft(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM orders WHERE id = $1 AND status = $2`,
		id, string(model.OrderStatusDraft),
	)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: draft %s", model.ErrNotFound, id)
	}
	return nil
}

// AcceptOrder переводит web-заказ из pending в active условным обновлением.
// Второй результат сообщает, был ли переход выполнен этим вызовом.
func (r *PostgresRepository) AcceptOrder(ctx context.Context, id string) (*model.Order, bool, error) {
	var transitioned bool

	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $2, updated_at = clock_timestamp()
			 WHERE id = $1 AND status = $3 AND channel = $4`,
			id, string(model.OrderStatusActive), string(model.OrderStatusPending), string(model.ChannelWeb),
		)
		if err != nil {
			return fmt.Errorf("accept order: %w", err)
		}
		transitioned = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	o, err := r.GetOrder(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return o, transitioned, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	products, err := r.GetProducts(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	p, ok := products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	return &p, nil
}

// GetProducts возвращает товары по списку идентификаторов.
func (r *PostgresRepository) GetProducts(ctx context.Context, ids []string) (map[string]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, branch_id, name, category, price, quantity, sizes, updated_at
		 FROM products WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}

	list, err := collectProducts(rows)
	if err != nil {
		return nil, err
	}

	res := make(map[string]model.Product, len(list))
	for _, p := range list {
		res[p.ID] = p
	}
	return res, nil
}

// ListProducts ищет товары по подстроке в названии или категории.
func (r *PostgresRepository) ListProducts(ctx context.Context, q model.ProductQuery) ([]model.Product, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, branch_id, name, category, price, quantity, sizes, updated_at
		 FROM products
		 WHERE ($1 = '' OR name ILIKE '%'||$1||'%' OR category ILIKE '%'||$1||'%')
		   AND ($2 = '' OR branch_id = '' OR branch_id = $2)
		 ORDER BY name, id
		 LIMIT $3 OFFSET $4`,
		strings.TrimSpace(q.Q), q.BranchID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	return collectProducts(rows)
}

func collectProducts(rows pgx.Rows) ([]model.Product, error) {
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.BranchID, &p.Name, &p.Category, &p.Price, &p.Quantity, &p.Sizes, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// UpsertProduct создаёт или обновляет товар каталога. Остаток записывается только
// при создании: у существующего товара quantity меняется лишь списанием и RestockProduct.
// В p возвращается фактический остаток.
func (r *PostgresRepository) UpsertProduct(ctx context.Context, p *model.Product) error {
	if p.Sizes == nil {
		p.Sizes = []string{}
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (id, branch_id, name, category, price, quantity, sizes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET branch_id = EXCLUDED.branch_id, name = EXCLUDED.name, category = EXCLUDED.category,
		     price = EXCLUDED.price, sizes = EXCLUDED.sizes, updated_at = NOW()
		 RETURNING quantity, updated_at`,
		p.ID, p.BranchID, p.Name, p.Category, p.Price, p.Quantity, p.Sizes,
	).Scan(&p.Quantity, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// RestockProduct увеличивает остаток товара на delta.
func (r *PostgresRepository) RestockProduct(ctx context.Context, id string, delta decimal.Decimal) (*model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE products SET quantity = quantity + $2, updated_at = NOW()
		 WHERE id = $1
		 RETURNING id, branch_id, name, category, price, quantity, sizes, updated_at`,
		id, delta,
	)
	if err != nil {
		return nil, fmt.Errorf("restock product: %w", err)
	}

	list, err := collectProducts(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	return &list[0], nil
}

// OpenReservations возвращает позиции незавершённых заказов, склад по которым ещё не списан.
func (r *PostgresRepository) OpenReservations(ctx context.Context, productIDs []string) ([]stock.Reservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT i.order_id, i.product_id, i.quantity
		 FROM order_items i
		 JOIN orders o ON o.id = i.order_id
		 WHERE i.product_id = ANY($1)
		   AND o.status IN ($2, $3, $4)
		   AND NOT o.stock_committed`,
		productIDs,
		string(model.OrderStatusDraft), string(model.OrderStatusPending), string(model.OrderStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	defer rows.Close()

	var res []stock.Reservation
	for rows.Next() {
		var rv stock.Reservation
		if err := rows.Scan(&rv.OrderID, &rv.ProductID, &rv.Quantity); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res = append(res, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
