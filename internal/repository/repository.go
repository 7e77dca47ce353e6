// Package repository persists payments, refunds and the payment fields of
// orders. Single-row lookups return (nil, nil) when nothing matches.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"paygate/internal/models"
)

var ErrNotFound = errors.New("record not found")

type PaymentStore interface {
	// CreatePending inserts a pending record unless one already exists for
	// the reference. It reports whether a row was inserted.
	CreatePending(ctx context.Context, payment *models.Payment) (bool, error)
	GetByReference(ctx context.Context, reference string) (*models.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]*models.Payment, error)
	// MarkSucceeded creates the record as successful, or moves an existing
	// non-successful record to success, in one atomic statement. An
	// already-successful record is left untouched.
	MarkSucceeded(ctx context.Context, payment *models.Payment) (models.Transition, error)
	// MarkFailed moves an existing record to failed unless it is already
	// successful. A missing record is a no-op.
	MarkFailed(ctx context.Context, reference string, raw json.RawMessage, verifiedAt *time.Time) (models.Transition, error)
}

type OrderStore interface {
	FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	SetPaymentReference(ctx context.Context, orderID, reference string) error
	// MarkPaid flips an order to paid. It reports false if it already was.
	MarkPaid(ctx context.Context, orderID, reference string, paidAt time.Time) (bool, error)
	// MarkPaymentFailed records a failed attempt on an order that is not
	// paid.
	MarkPaymentFailed(ctx context.Context, orderID string) (bool, error)
}

type RefundStore interface {
	CreateRefund(ctx context.Context, refund *models.Refund) error
	UpdateRefundStatus(ctx context.Context, refundReference string, status models.PaymentStatus, raw json.RawMessage) (bool, error)
	ListRefunds(ctx context.Context, paymentReference string) ([]*models.Refund, error)
}

type WebhookLogStore interface {
	Insert(ctx context.Context, entry *models.WebhookLog) error
}

// nullString maps "" to SQL NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullJSON passes raw JSON as text so lib/pq does not send it as bytea.
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// stampCreated fills zero creation timestamps so inserts never store the
// zero time over the column default.
func stampCreated(createdAt, updatedAt *time.Time) {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}
	if updatedAt.IsZero() {
		*updatedAt = *createdAt
	}
}
