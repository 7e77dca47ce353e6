// internal/repository/payment_repository.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"paygate/internal/models"
)

const paymentColumns = `
	id, COALESCE(order_id, ''), reference, gateway, gateway_status, amount, currency,
	gateway_reference, payment_method, channel, card_type, card_last4, bank,
	gateway_fee, paid_at, verified_at, raw_response, created_at, updated_at`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) CreatePending(ctx context.Context, payment *models.Payment) (bool, error) {
	stampCreated(&payment.CreatedAt, &payment.UpdatedAt)
	query := `
		INSERT INTO payments (
			id, order_id, reference, gateway, gateway_status, amount, currency,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (reference) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query,
		payment.ID,
		nullString(payment.OrderID),
		payment.Reference,
		payment.Gateway,
		models.PaymentStatusPending,
		payment.Amount,
		payment.Currency,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PaymentRepository) GetByReference(ctx context.Context, reference string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE reference = $1`

	payment, err := scanPayment(r.db.QueryRowContext(ctx, query, reference))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return payment, err
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// MarkSucceeded relies on the unique reference and the conditional
// DO UPDATE so concurrent deliveries cannot both win or downgrade a
// success. xmax is zero only for freshly inserted rows.
func (r *PaymentRepository) MarkSucceeded(ctx context.Context, payment *models.Payment) (models.Transition, error) {
	query := `
		INSERT INTO payments (
			id, order_id, reference, gateway, gateway_status, amount, currency,
			gateway_reference, payment_method, channel, card_type, card_last4, bank,
			gateway_fee, paid_at, verified_at, raw_response, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 'success', $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		ON CONFLICT (reference) DO UPDATE SET
			gateway_status = 'success',
			order_id = COALESCE(payments.order_id, EXCLUDED.order_id),
			amount = CASE WHEN EXCLUDED.amount > 0 THEN EXCLUDED.amount ELSE payments.amount END,
			currency = COALESCE(NULLIF(EXCLUDED.currency, ''), payments.currency),
			gateway_reference = COALESCE(NULLIF(EXCLUDED.gateway_reference, ''), payments.gateway_reference),
			payment_method = COALESCE(NULLIF(EXCLUDED.payment_method, ''), payments.payment_method),
			channel = COALESCE(NULLIF(EXCLUDED.channel, ''), payments.channel),
			card_type = COALESCE(NULLIF(EXCLUDED.card_type, ''), payments.card_type),
			card_last4 = COALESCE(NULLIF(EXCLUDED.card_last4, ''), payments.card_last4),
			bank = COALESCE(NULLIF(EXCLUDED.bank, ''), payments.bank),
			gateway_fee = EXCLUDED.gateway_fee,
			paid_at = COALESCE(EXCLUDED.paid_at, payments.paid_at),
			verified_at = COALESCE(EXCLUDED.verified_at, payments.verified_at),
			raw_response = COALESCE(EXCLUDED.raw_response, payments.raw_response),
			updated_at = NOW()
		WHERE payments.gateway_status <> 'success'
		RETURNING (xmax = 0)
	`

	var inserted bool
	err := r.db.QueryRowContext(ctx, query,
		payment.ID,
		nullString(payment.OrderID),
		payment.Reference,
		payment.Gateway,
		payment.Amount,
		payment.Currency,
		payment.GatewayReference,
		payment.PaymentMethod,
		payment.Channel,
		payment.CardType,
		payment.CardLast4,
		payment.Bank,
		payment.GatewayFee,
		payment.PaidAt,
		payment.VerifiedAt,
		nullJSON(payment.RawResponse),
	).Scan(&inserted)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.TransitionNoop, nil
	case err != nil:
		return "", err
	case inserted:
		return models.TransitionCreated, nil
	default:
		return models.TransitionUpdated, nil
	}
}

func (r *PaymentRepository) MarkFailed(ctx context.Context, reference string, raw json.RawMessage, verifiedAt *time.Time) (models.Transition, error) {
	query := `
		UPDATE payments
		SET gateway_status = 'failed',
			raw_response = COALESCE($2, raw_response),
			verified_at = COALESCE($3, verified_at),
			updated_at = NOW()
		WHERE reference = $1 AND gateway_status <> 'success'
	`

	res, err := r.db.ExecContext(ctx, query, reference, nullJSON(raw), verifiedAt)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return models.TransitionNoop, nil
	}
	return models.TransitionUpdated, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	payment := &models.Payment{}
	var (
		paidAt, verifiedAt sql.NullTime
		raw                []byte
	)
	err := row.Scan(
		&payment.ID,
		&payment.OrderID,
		&payment.Reference,
		&payment.Gateway,
		&payment.GatewayStatus,
		&payment.Amount,
		&payment.Currency,
		&payment.GatewayReference,
		&payment.PaymentMethod,
		&payment.Channel,
		&payment.CardType,
		&payment.CardLast4,
		&payment.Bank,
		&payment.GatewayFee,
		&paidAt,
		&verifiedAt,
		&raw,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if paidAt.Valid {
		payment.PaidAt = &paidAt.Time
	}
	if verifiedAt.Valid {
		payment.VerifiedAt = &verifiedAt.Time
	}
	if len(raw) > 0 {
		payment.RawResponse = append(json.RawMessage(nil), raw...)
	}
	return payment, nil
}
