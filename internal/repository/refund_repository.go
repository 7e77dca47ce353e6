package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"paygate/internal/models"
)

type RefundRepository struct {
	db *sql.DB
}

func NewRefundRepository(db *sql.DB) *RefundRepository {
	return &RefundRepository{db: db}
}

func (r *RefundRepository) CreateRefund(ctx context.Context, refund *models.Refund) error {
	stampCreated(&refund.CreatedAt, &refund.UpdatedAt)
	query := `
		INSERT INTO payment_refunds (
			id, refund_reference, payment_reference, gateway, status, amount,
			currency, reason, message, raw_response, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		refund.ID,
		refund.RefundReference,
		refund.PaymentReference,
		refund.Gateway,
		refund.Status,
		refund.Amount,
		refund.Currency,
		refund.Reason,
		refund.Message,
		nullJSON(refund.RawResponse),
		refund.CreatedAt,
		refund.UpdatedAt,
	)
	return err
}

// UpdateRefundStatus never moves a successful refund back.
func (r *RefundRepository) UpdateRefundStatus(ctx context.Context, refundReference string, status models.PaymentStatus, raw json.RawMessage) (bool, error) {
	query := `
		UPDATE payment_refunds
		SET status = $2, raw_response = COALESCE($3, raw_response), updated_at = NOW()
		WHERE refund_reference = $1 AND status <> 'success'
	`

	res, err := r.db.ExecContext(ctx, query, refundReference, status, nullJSON(raw))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RefundRepository) ListRefunds(ctx context.Context, paymentReference string) ([]*models.Refund, error) {
	query := `
		SELECT id, refund_reference, payment_reference, gateway, status, amount,
			   currency, reason, message, created_at, updated_at
		FROM payment_refunds WHERE payment_reference = $1 ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, paymentReference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []*models.Refund
	for rows.Next() {
		refund := &models.Refund{}
		if err := rows.Scan(
			&refund.ID,
			&refund.RefundReference,
			&refund.PaymentReference,
			&refund.Gateway,
			&refund.Status,
			&refund.Amount,
			&refund.Currency,
			&refund.Reason,
			&refund.Message,
			&refund.CreatedAt,
			&refund.UpdatedAt,
		); err != nil {
			return nil, err
		}
		refunds = append(refunds, refund)
	}
	return refunds, rows.Err()
}
