// internal/models/payment.go
package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment is the local record of one gateway attempt, keyed by reference.
// Status only moves pending→success or pending→failed, and success is
// final.
type Payment struct {
	ID               string          `json:"id" db:"id"`
	OrderID          string          `json:"order_id,omitempty" db:"order_id"`
	Reference        string          `json:"reference" db:"reference"`
	Gateway          string          `json:"gateway" db:"gateway"`
	GatewayStatus    PaymentStatus   `json:"gateway_status" db:"gateway_status"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	Currency         string          `json:"currency" db:"currency"`
	GatewayReference string          `json:"gateway_reference,omitempty" db:"gateway_reference"`
	PaymentMethod    string          `json:"payment_method,omitempty" db:"payment_method"`
	Channel          string          `json:"channel,omitempty" db:"channel"`
	CardType         string          `json:"card_type,omitempty" db:"card_type"`
	CardLast4        string          `json:"card_last4,omitempty" db:"card_last4"`
	Bank             string          `json:"bank,omitempty" db:"bank"`
	GatewayFee       decimal.Decimal `json:"gateway_fee" db:"gateway_fee"`
	PaidAt           *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
	VerifiedAt       *time.Time      `json:"verified_at,omitempty" db:"verified_at"`
	RawResponse      json.RawMessage `json:"raw_response,omitempty" db:"raw_response"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

func (p *Payment) IsSuccessful() bool { return p.GatewayStatus == PaymentStatusSuccess }

// Transition reports what a conditional status write did.
type Transition string

const (
	TransitionCreated Transition = "created"
	TransitionUpdated Transition = "updated"
	// TransitionNoop means the record was already successful, or absent
	// for a failure.
	TransitionNoop Transition = "noop"
)

type CheckoutRequest struct {
	OrderNumber string `json:"order_number" binding:"required"`
	Gateway     string `json:"gateway"`
	CallbackURL string `json:"callback_url"`
	PayCurrency string `json:"pay_currency"`
}

type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type CryptoQuote struct {
	Gateway         string          `json:"gateway"`
	Amount          decimal.Decimal `json:"amount"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
	QuotedAt        time.Time       `json:"quoted_at"`
}
