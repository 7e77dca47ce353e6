package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var successfulChargeTypes = map[string]struct{}{
	"charge.success":                           {},
	"charge.succeeded":                         {},
	"charge.completed":                         {},
	"payment_intent.succeeded":                 {},
	"checkout.session.completed":               {},
	"checkout.session.async_payment_succeeded": {},
	"payment.finished":                         {},
}

var failedChargeTypes = map[string]struct{}{
	"charge.failed":                         {},
	"payment_intent.payment_failed":         {},
	"checkout.session.async_payment_failed": {},
	"checkout.session.expired":              {},
	"payment.failed":                        {},
	"payment.expired":                       {},
}

// WebhookEvent is the gateway-neutral form of an inbound notification.
type WebhookEvent struct {
	Type             string                 `json:"type"`
	Reference        string                 `json:"reference"`
	Status           Status                 `json:"status"`
	Amount           decimal.Decimal        `json:"amount"`
	Currency         string                 `json:"currency,omitempty"`
	GatewayReference string                 `json:"gateway_reference,omitempty"`
	PaidAt           *time.Time             `json:"paid_at,omitempty"`
	GatewayFee       decimal.Decimal        `json:"gateway_fee"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	RawPayload       json.RawMessage        `json:"raw_payload"`
}

func (e WebhookEvent) IsSuccessfulCharge() bool {
	_, ok := successfulChargeTypes[strings.ToLower(e.Type)]
	return ok && e.Status == StatusSuccess
}

func (e WebhookEvent) IsFailedCharge() bool {
	_, ok := failedChargeTypes[strings.ToLower(e.Type)]
	return ok
}

func (e WebhookEvent) IsRefund() bool {
	return strings.Contains(strings.ToLower(e.Type), "refund")
}

func (e WebhookEvent) IsTransfer() bool {
	return strings.Contains(strings.ToLower(e.Type), "transfer")
}
