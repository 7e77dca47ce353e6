package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Refund struct {
	ID               string          `json:"id" db:"id"`
	RefundReference  string          `json:"refund_reference" db:"refund_reference"`
	PaymentReference string          `json:"payment_reference" db:"payment_reference"`
	Gateway          string          `json:"gateway" db:"gateway"`
	Status           PaymentStatus   `json:"status" db:"status"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	Currency         string          `json:"currency" db:"currency"`
	Reason           string          `json:"reason,omitempty" db:"reason"`
	Message          string          `json:"message,omitempty" db:"message"`
	RawResponse      json.RawMessage `json:"-" db:"raw_response"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}
