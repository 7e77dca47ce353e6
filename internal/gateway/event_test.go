package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebhookEventPredicates(t *testing.T) {
	tests := []struct {
		name     string
		event    WebhookEvent
		success  bool
		failed   bool
		refund   bool
		transfer bool
	}{
		{
			name:    "paystack charge success",
			event:   WebhookEvent{Type: "charge.success", Status: StatusSuccess},
			success: true,
		},
		{
			name:  "success type with pending status",
			event: WebhookEvent{Type: "charge.success", Status: StatusPending},
		},
		{
			name:    "upper case type",
			event:   WebhookEvent{Type: "PAYMENT_INTENT.SUCCEEDED", Status: StatusSuccess},
			success: true,
		},
		{
			name:   "stripe payment failed",
			event:  WebhookEvent{Type: "payment_intent.payment_failed", Status: StatusFailed},
			failed: true,
		},
		{
			name:   "checkout expired",
			event:  WebhookEvent{Type: "checkout.session.expired", Status: StatusPending},
			failed: true,
		},
		{
			name:   "crypto expired",
			event:  WebhookEvent{Type: "payment.expired", Status: StatusFailed},
			failed: true,
		},
		{
			name:   "refund processed",
			event:  WebhookEvent{Type: "refund.processed", Status: StatusSuccess},
			refund: true,
		},
		{
			name:     "transfer success",
			event:    WebhookEvent{Type: "transfer.success", Status: StatusSuccess},
			transfer: true,
		},
		{
			name:  "unrelated",
			event: WebhookEvent{Type: "customer.created"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.success, tt.event.IsSuccessfulCharge(), "IsSuccessfulCharge")
			assert.Equal(t, tt.failed, tt.event.IsFailedCharge(), "IsFailedCharge")
			assert.Equal(t, tt.refund, tt.event.IsRefund(), "IsRefund")
			assert.Equal(t, tt.transfer, tt.event.IsTransfer(), "IsTransfer")
		})
	}
}
