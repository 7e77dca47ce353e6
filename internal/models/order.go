package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderPaymentStatus string

const (
	OrderUnpaid OrderPaymentStatus = "unpaid"
	OrderPaid   OrderPaymentStatus = "paid"
	OrderFailed OrderPaymentStatus = "failed"
)

// Order is owned by the storefront. This service reads it and only writes
// its payment fields.
type Order struct {
	ID               string             `json:"id" db:"id"`
	OrderNumber      string             `json:"order_number" db:"order_number"`
	PaymentReference string             `json:"payment_reference,omitempty" db:"payment_reference"`
	PaymentStatus    OrderPaymentStatus `json:"payment_status" db:"payment_status"`
	Total            decimal.Decimal    `json:"total" db:"total"`
	Currency         string             `json:"currency" db:"currency"`
	CustomerEmail    string             `json:"customer_email,omitempty" db:"customer_email"`
	CustomerName     string             `json:"customer_name,omitempty" db:"customer_name"`
	PaidAt           *time.Time         `json:"paid_at,omitempty" db:"paid_at"`
}
