package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paygate/internal/gateway"
	"paygate/internal/models"
	"paygate/internal/repository"
)

const (
	refundPaystackSecret = "sk_test_refunds"
	refundFlutterwaveKey = "flw-refund-hash"
	refundStripeSecret   = "whsec_refunds"
)

func newRefundReconciler(t *testing.T) (*Reconciler, *repository.MemoryStore, *recordingPublisher) {
	t.Helper()

	paystack, err := gateway.NewPaystack("paystack", gateway.Config{SecretKey: refundPaystackSecret, PublicKey: "pk_test_refunds"})
	require.NoError(t, err)
	flutterwave, err := gateway.NewFlutterwave("flutterwave", gateway.Config{SecretKey: "FLWSECK_TEST", WebhookSecret: refundFlutterwaveKey})
	require.NoError(t, err)
	stripe, err := gateway.NewStripe("stripe", gateway.Config{SecretKey: "sk_test_refunds", WebhookSecret: refundStripeSecret})
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	publisher := &recordingPublisher{}
	registry := gateway.NewRegistryWith("paystack", paystack, flutterwave, stripe)
	reconciler := NewReconciler(registry, Stores{Payments: store, Orders: store, Refunds: store}, publisher, zap.NewNop())
	return reconciler, store, publisher
}

func paystackRefundRequest(body string) *gateway.WebhookRequest {
	mac := hmac.New(sha512.New, []byte(refundPaystackSecret))
	mac.Write([]byte(body))
	headers := http.Header{}
	headers.Set("X-Paystack-Signature", hex.EncodeToString(mac.Sum(nil)))
	return &gateway.WebhookRequest{Headers: headers, Body: []byte(body)}
}

func flutterwaveRefundRequest(body string) *gateway.WebhookRequest {
	headers := http.Header{}
	headers.Set("Verif-Hash", refundFlutterwaveKey)
	return &gateway.WebhookRequest{Headers: headers, Body: []byte(body)}
}

func stripeRefundRequest(body string) *gateway.WebhookRequest {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(refundStripeSecret))
	mac.Write([]byte(ts + "." + body))
	headers := http.Header{}
	headers.Set("Stripe-Signature", "t="+ts+",v1="+hex.EncodeToString(mac.Sum(nil)))
	return &gateway.WebhookRequest{Headers: headers, Body: []byte(body)}
}

func TestHandleWebhookSettlesRefundsFromGatewayPayloads(t *testing.T) {
	tests := []struct {
		name            string
		gateway         string
		paymentRef      string
		refundRef       string
		req             *gateway.WebhookRequest
		wantStatus      models.PaymentStatus
		wantEventRefSet bool
	}{
		{
			name:       "paystack processed",
			gateway:    "paystack",
			paymentRef: "pstk_ORD1_abc",
			refundRef:  "1234",
			req: paystackRefundRequest(`{"event":"refund.processed","data":{"id":1234,"status":"processed",` +
				`"transaction_reference":"pstk_ORD1_abc","refund_reference":"RFD_1","amount":"5000","currency":"NGN"}}`),
			wantStatus:      models.PaymentStatusSuccess,
			wantEventRefSet: true,
		},
		{
			name:       "paystack failed",
			gateway:    "paystack",
			paymentRef: "pstk_ORD2_abc",
			refundRef:  "1235",
			req: paystackRefundRequest(`{"event":"refund.failed","data":{"id":1235,"status":"failed",` +
				`"transaction_reference":"pstk_ORD2_abc","amount":5000,"currency":"NGN"}}`),
			wantStatus:      models.PaymentStatusFailed,
			wantEventRefSet: true,
		},
		{
			name:       "flutterwave completed",
			gateway:    "flutterwave",
			paymentRef: "flw_ORD3_abc",
			refundRef:  "75923",
			req: flutterwaveRefundRequest(`{"event":"refund.completed","data":{"id":75923,"AmountRefunded":50,` +
				`"status":"completed","FlwRef":"URF_1","TransactionId":1190962}}`),
			wantStatus: models.PaymentStatusSuccess,
		},
		{
			name:       "stripe succeeded",
			gateway:    "stripe",
			paymentRef: "card_ORD4_abc",
			refundRef:  "re_1",
			req: stripeRefundRequest(`{"id":"evt_1","object":"event","type":"charge.refund.updated",` +
				`"data":{"object":{"id":"re_1","object":"refund","amount":5000,"currency":"usd","status":"succeeded",` +
				`"payment_intent":"pi_1","metadata":{"reference":"card_ORD4_abc"}}}}`),
			wantStatus:      models.PaymentStatusSuccess,
			wantEventRefSet: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reconciler, store, publisher := newRefundReconciler(t)
			ctx := context.Background()
			require.NoError(t, store.CreateRefund(ctx, &models.Refund{
				ID:               "r-" + tt.refundRef,
				RefundReference:  tt.refundRef,
				PaymentReference: tt.paymentRef,
				Gateway:          tt.gateway,
				Status:           models.PaymentStatusPending,
				Amount:           decimal.NewFromInt(50),
			}))

			result := reconciler.HandleWebhook(ctx, tt.gateway, tt.req)

			require.Equal(t, http.StatusOK, result.StatusCode, result.Body)
			assert.Equal(t, "ok", result.Body)
			refunds, err := store.ListRefunds(ctx, tt.paymentRef)
			require.NoError(t, err)
			require.Len(t, refunds, 1)
			assert.Equal(t, tt.wantStatus, refunds[0].Status)

			require.Len(t, publisher.events, 1)
			if tt.wantEventRefSet {
				assert.Equal(t, tt.paymentRef, publisher.events[0].Reference)
			}
		})
	}
}
