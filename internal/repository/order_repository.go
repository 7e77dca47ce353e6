package repository

import (
	"context"
	"database/sql"
	"time"

	"paygate/internal/models"
)

const orderColumns = `
	id, order_number, COALESCE(payment_reference, ''), payment_status, total, currency,
	customer_email, customer_name, paid_at`

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE payment_reference = $1 LIMIT 1`
	return r.findOne(ctx, query, reference)
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1`
	return r.findOne(ctx, query, orderNumber)
}

func (r *OrderRepository) SetPaymentReference(ctx context.Context, orderID, reference string) error {
	query := `UPDATE orders SET payment_reference = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, orderID, reference)
	return err
}

func (r *OrderRepository) MarkPaid(ctx context.Context, orderID, reference string, paidAt time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET payment_status = 'paid',
			paid_at = $2,
			payment_reference = COALESCE(NULLIF(payment_reference, ''), $3),
			updated_at = NOW()
		WHERE id = $1 AND payment_status <> 'paid'
	`
	return r.exec(ctx, query, orderID, paidAt, reference)
}

func (r *OrderRepository) MarkPaymentFailed(ctx context.Context, orderID string) (bool, error) {
	query := `
		UPDATE orders
		SET payment_status = 'failed', updated_at = NOW()
		WHERE id = $1 AND payment_status = 'unpaid'
	`
	return r.exec(ctx, query, orderID)
}

func (r *OrderRepository) findOne(ctx context.Context, query string, arg string) (*models.Order, error) {
	order := &models.Order{}
	var paidAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&order.ID,
		&order.OrderNumber,
		&order.PaymentReference,
		&order.PaymentStatus,
		&order.Total,
		&order.Currency,
		&order.CustomerEmail,
		&order.CustomerName,
		&paidAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	return order, nil
}

func (r *OrderRepository) exec(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
