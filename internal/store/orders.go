package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OrderRepository persists orders in Postgres. Claim leases are taken with a
// single conditional UPDATE; every other write locks the row with
// SELECT ... FOR UPDATE inside a transaction.
type OrderRepository struct {
	db     *sql.DB
	txOpts TxOptions
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db, txOpts: DefaultTxOptions()}
}

const orderColumns = `
	id, customer_id, COALESCE(delivery_person_id, ''), total_amount,
	shipping_street, shipping_city, shipping_state, shipping_zip_code, shipping_country,
	customer_phone, customer_email, payment_method, payment_status,
	status, is_accepted, locked, lock_expires_at, COALESCE(locked_by, ''),
	rating, COALESCE(rating_comment, ''), rated_at,
	estimated_delivery_time, actual_delivery_time, created_at, updated_at`

func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if err := order.CheckInvariants(); err != nil {
		return err
	}

	return WithTransaction(ctx, r.db, r.txOpts, func(tx *sql.Tx) error {
		rating, comment, ratedAt := ratingColumns(order.DeliveryRating)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, customer_id, delivery_person_id, total_amount,
				shipping_street, shipping_city, shipping_state, shipping_zip_code, shipping_country,
				customer_phone, customer_email, payment_method, payment_status,
				status, is_accepted, locked, lock_expires_at, locked_by,
				rating, rating_comment, rated_at,
				estimated_delivery_time, actual_delivery_time, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
			)
		`,
			order.ID, order.CustomerID, nullString(order.DeliveryPersonID), order.TotalAmount,
			order.ShippingAddress.Street, order.ShippingAddress.City, order.ShippingAddress.State,
			order.ShippingAddress.ZipCode, order.ShippingAddress.Country,
			order.CustomerPhone, order.CustomerEmail, string(order.PaymentMethod), string(order.PaymentStatus),
			string(order.Status), order.IsAccepted, order.Locked, nullTime(order.LockExpiresAt), nullString(order.LockedBy),
			rating, comment, ratedAt,
			nullTime(order.EstimatedDeliveryTime), nullTime(order.ActualDeliveryTime), order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Products {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, position, product_id, quantity)
				VALUES ($1, $2, $3, $4)
			`, order.ID, i, item.ProductID, item.Quantity)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		return insertHistory(ctx, tx, order.ID, 0, order.StatusHistory)
	})
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.getByID(ctx, r.db, id, false)
}

func (r *OrderRepository) getByID(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}

	if err := loadChildren(ctx, q, map[string]*domain.Order{order.ID: order}, []string{order.ID}); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) Find(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.CustomerID != "" {
		add("customer_id = $%d", f.CustomerID)
	}
	if f.DeliveryPersonID != "" {
		add("delivery_person_id = $%d", f.DeliveryPersonID)
	}
	if f.VisibleToCourier != "" {
		add("(delivery_person_id = $%d OR (status = 'pending' AND is_accepted = FALSE))", f.VisibleToCourier)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", pq.Array(statusStrings(f.Statuses)))
	}
	if len(f.ExcludeStatuses) > 0 {
		add("NOT (status = ANY($%d))", pq.Array(statusStrings(f.ExcludeStatuses)))
	}
	if f.ClaimableAt != nil {
		add("(status = 'pending' AND is_accepted = FALSE AND (locked = FALSE OR lock_expires_at IS NULL OR lock_expires_at <= $%d))", *f.ClaimableAt)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.OldestFirst {
		query += ` ORDER BY created_at ASC, id ASC`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	if err := loadChildren(ctx, r.db, orderMap, orderIDs); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}
	return orders, nil
}

// Update locks the order row, applies mutate to a copy and writes back the
// mutable columns plus any appended history entry.
func (r *OrderRepository) Update(ctx context.Context, id string, mutate func(*domain.Order) error) (*domain.Order, error) {
	var updated *domain.Order

	err := WithTransaction(ctx, r.db, r.txOpts, func(tx *sql.Tx) error {
		before, err := r.getByID(ctx, tx, id, true)
		if err != nil {
			return err
		}

		next := before.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		if err := checkMutation(before, next); err != nil {
			return err
		}

		rating, comment, ratedAt := ratingColumns(next.DeliveryRating)
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET
				delivery_person_id = $2, payment_status = $3, status = $4, is_accepted = $5,
				locked = $6, lock_expires_at = $7, locked_by = $8,
				rating = $9, rating_comment = $10, rated_at = $11,
				estimated_delivery_time = $12, actual_delivery_time = $13, updated_at = $14
			WHERE id = $1
		`,
			id, nullString(next.DeliveryPersonID), string(next.PaymentStatus), string(next.Status), next.IsAccepted,
			next.Locked, nullTime(next.LockExpiresAt), nullString(next.LockedBy),
			rating, comment, ratedAt,
			nullTime(next.EstimatedDeliveryTime), nullTime(next.ActualDeliveryTime), next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		offset := len(before.StatusHistory)
		if err := insertHistory(ctx, tx, id, offset, next.StatusHistory[offset:]); err != nil {
			return err
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AcquireLease takes the claim lease with one conditional UPDATE. No row
// matching means the order is missing, already accepted, no longer pending,
// or held by a live lease.
func (r *OrderRepository) AcquireLease(ctx context.Context, lease domain.Lease) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET locked = TRUE, lock_expires_at = $3, locked_by = $4
		WHERE id = $1
		  AND status = 'pending'
		  AND is_accepted = FALSE
		  AND (locked = FALSE OR lock_expires_at IS NULL OR lock_expires_at <= $2)
	`, lease.OrderID, lease.AcquiredAt, lease.ExpiresAt, lease.Holder)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, lease.OrderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("order %s: %w", lease.OrderID, domain.ErrNotFound)
	}
	return domain.ErrClaimConflict
}

func (r *OrderRepository) Stats(ctx context.Context) (domain.OrderStats, error) {
	stats := domain.OrderStats{
		ByStatus:         make(map[domain.OrderStatus]int),
		DeliveredRevenue: decimal.Zero,
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_amount), 0)
		FROM orders
		GROUP BY status
	`)
	if err != nil {
		return stats, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status string
			count  int
			sum    decimal.Decimal
		)
		if err := rows.Scan(&status, &count, &sum); err != nil {
			return stats, err
		}
		stats.Total += count
		stats.ByStatus[domain.OrderStatus(status)] = count
		if domain.OrderStatus(status) == domain.StatusDelivered {
			stats.DeliveredRevenue = sum
		}
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (*domain.Order, error) {
	var (
		o                            domain.Order
		paymentMethod, paymentStatus string
		status                       string
		lockExpires, ratedAt         sql.NullTime
		estimated, actual            sql.NullTime
		rating                       sql.NullInt32
		ratingComment                string
	)

	err := s.Scan(
		&o.ID, &o.CustomerID, &o.DeliveryPersonID, &o.TotalAmount,
		&o.ShippingAddress.Street, &o.ShippingAddress.City, &o.ShippingAddress.State,
		&o.ShippingAddress.ZipCode, &o.ShippingAddress.Country,
		&o.CustomerPhone, &o.CustomerEmail, &paymentMethod, &paymentStatus,
		&status, &o.IsAccepted, &o.Locked, &lockExpires, &o.LockedBy,
		&rating, &ratingComment, &ratedAt,
		&estimated, &actual, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.PaymentMethod = domain.PaymentMethod(paymentMethod)
	o.PaymentStatus = domain.PaymentStatus(paymentStatus)
	o.Status = domain.OrderStatus(status)
	o.LockExpiresAt = timePtr(lockExpires)
	o.EstimatedDeliveryTime = timePtr(estimated)
	o.ActualDeliveryTime = timePtr(actual)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if rating.Valid {
		o.DeliveryRating = &domain.DeliveryRating{
			Rating:    int(rating.Int32),
			Comment:   ratingComment,
			CreatedAt: ratedAt.Time.UTC(),
		}
	}
	o.Products = []domain.LineItem{}
	return &o, nil
}

func loadChildren(ctx context.Context, q querier, orderMap map[string]*domain.Order, orderIDs []string) error {
	itemRows, err := q.QueryContext(ctx, `
		SELECT order_id, product_id, quantity
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, pq.Array(orderIDs))
	if err != nil {
		return err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var orderID string
		var item domain.LineItem
		if err := itemRows.Scan(&orderID, &item.ProductID, &item.Quantity); err != nil {
			return err
		}
		order := orderMap[orderID]
		order.Products = append(order.Products, item)
	}
	if err := itemRows.Err(); err != nil {
		return err
	}

	historyRows, err := q.QueryContext(ctx, `
		SELECT order_id, status, updated_by, note, created_at
		FROM order_status_history
		WHERE order_id = ANY($1)
		ORDER BY order_id, seq
	`, pq.Array(orderIDs))
	if err != nil {
		return err
	}
	defer func() { _ = historyRows.Close() }()

	for historyRows.Next() {
		var orderID, status string
		var entry domain.StatusEntry
		if err := historyRows.Scan(&orderID, &status, &entry.UpdatedBy, &entry.Note, &entry.Timestamp); err != nil {
			return err
		}
		entry.Status = domain.OrderStatus(status)
		entry.Timestamp = entry.Timestamp.UTC()
		order := orderMap[orderID]
		order.StatusHistory = append(order.StatusHistory, entry)
	}
	return historyRows.Err()
}

func insertHistory(ctx context.Context, q querier, orderID string, offset int, entries []domain.StatusEntry) error {
	for i, e := range entries {
		_, err := q.ExecContext(ctx, `
			INSERT INTO order_status_history (order_id, seq, status, updated_by, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, orderID, offset+i+1, string(e.Status), e.UpdatedBy, e.Note, e.Timestamp)
		if err != nil {
			return fmt.Errorf("append status history: %w", err)
		}
	}
	return nil
}

func ratingColumns(r *domain.DeliveryRating) (sql.NullInt32, sql.NullString, sql.NullTime) {
	if r == nil {
		return sql.NullInt32{}, sql.NullString{}, sql.NullTime{}
	}
	return sql.NullInt32{Int32: int32(r.Rating), Valid: true},
		sql.NullString{String: r.Comment, Valid: true},
		sql.NullTime{Time: r.CreatedAt, Valid: true}
}

func statusStrings(statuses []domain.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
