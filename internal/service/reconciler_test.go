package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paygate/internal/events"
	"paygate/internal/gateway"
	"paygate/internal/metrics"
	"paygate/internal/models"
)

func successEvent(reference string) gateway.WebhookEvent {
	paidAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return gateway.WebhookEvent{
		Type:             "charge.success",
		Reference:        reference,
		Status:           gateway.StatusSuccess,
		Amount:           decimal.NewFromInt(5000),
		Currency:         "NGN",
		GatewayReference: "tx_1",
		PaidAt:           &paidAt,
		Metadata:         map[string]interface{}{"channel": "card", "card_last4": "4081"},
	}
}

func failedEvent(reference string) gateway.WebhookEvent {
	return gateway.WebhookEvent{
		Type:      "charge.failed",
		Reference: reference,
		Status:    gateway.StatusFailed,
	}
}

func TestHandleWebhookDuplicateSuccessCreatesOneRecord(t *testing.T) {
	env := newTestEnv(t)
	order := env.saveOrder("ORD1001", 5000)
	ctx := context.Background()
	reference := "fake_ORD1001_abc"
	require.NoError(t, env.store.SetPaymentReference(ctx, order.ID, reference))

	first := env.reconciler.HandleWebhook(ctx, "fake", webhook(t, successEvent(reference), fakeSignature))
	second := env.reconciler.HandleWebhook(ctx, "fake", webhook(t, successEvent(reference), fakeSignature))

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "ok", first.Body)
	assert.Equal(t, models.TransitionCreated, first.Transition)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, models.TransitionNoop, second.Transition)

	assert.Equal(t, 1, env.store.PaymentCount())
	payment, err := env.store.GetByReference(ctx, reference)
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.True(t, payment.IsSuccessful())
	assert.Equal(t, order.ID, payment.OrderID)
	assert.Equal(t, "card", payment.Channel)
	assert.Equal(t, "4081", payment.CardLast4)

	stored, err := env.store.FindByOrderNumber(ctx, "ORD1001")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, stored.PaymentStatus)

	assert.Equal(t, []string{events.TypePaymentSucceeded}, env.publisher.types())
}

func TestHandleWebhookPendingRecordBecomesSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reference := "fake_ORD7_abc"
	_, err := env.store.CreatePending(ctx, &models.Payment{
		ID:            "p1",
		Reference:     reference,
		Gateway:       "fake",
		GatewayStatus: models.PaymentStatusPending,
		Amount:        decimal.NewFromInt(5000),
	})
	require.NoError(t, err)

	result := env.reconciler.HandleWebhook(ctx, "fake", webhook(t, successEvent(reference), fakeSignature))

	assert.Equal(t, models.TransitionUpdated, result.Transition)
	payment, err := env.store.GetByReference(ctx, reference)
	require.NoError(t, err)
	assert.True(t, payment.IsSuccessful())
	assert.Equal(t, "tx_1", payment.GatewayReference)
}

func TestHandleWebhookFailureAfterSuccessIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reference := "fake_ORD2_abc"

	env.reconciler.HandleWebhook(ctx, "fake", webhook(t, successEvent(reference), fakeSignature))
	result := env.reconciler.HandleWebhook(ctx, "fake", webhook(t, failedEvent(reference), fakeSignature))

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "ignored", result.Body)
	payment, err := env.store.GetByReference(ctx, reference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, payment.GatewayStatus)
}

func TestHandleWebhookFailureWithoutRecordIsDropped(t *testing.T) {
	env := newTestEnv(t)

	result := env.reconciler.HandleWebhook(context.Background(), "fake", webhook(t, failedEvent("fake_ORD3_abc"), fakeSignature))

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "ignored", result.Body)
	assert.Equal(t, 0, env.store.PaymentCount())
	assert.Empty(t, env.publisher.types())
}

func TestHandleWebhookFailureMarksPendingPaymentAndOrder(t *testing.T) {
	env := newTestEnv(t)
	order := env.saveOrder("ORD4", 100)
	ctx := context.Background()
	reference := "fake_ORD4_abc"
	require.NoError(t, env.store.SetPaymentReference(ctx, order.ID, reference))
	_, err := env.store.CreatePending(ctx, &models.Payment{ID: "p4", OrderID: order.ID, Reference: reference, Gateway: "fake", GatewayStatus: models.PaymentStatusPending})
	require.NoError(t, err)

	result := env.reconciler.HandleWebhook(ctx, "fake", webhook(t, failedEvent(reference), fakeSignature))

	assert.Equal(t, "ok", result.Body)
	payment, err := env.store.GetByReference(ctx, reference)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, payment.GatewayStatus)
	assert.NotEmpty(t, payment.RawResponse)

	stored, err := env.store.FindByOrderNumber(ctx, "ORD4")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, stored.PaymentStatus)
	assert.Equal(t, []string{events.TypePaymentFailed}, env.publisher.types())
}

func TestHandleWebhookFallsBackToOrderNumberInReference(t *testing.T) {
	env := newTestEnv(t)
	env.saveOrder("ORD1001", 5000)
	ctx := context.Background()

	result := env.reconciler.HandleWebhook(ctx, "fake", webhook(t, successEvent("card_ORD1001_abc"), fakeSignature))

	assert.Equal(t, http.StatusOK, result.StatusCode)
	order, err := env.store.FindByOrderNumber(ctx, "ORD1001")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, order.PaymentStatus)
	assert.Equal(t, "card_ORD1001_abc", order.PaymentReference)
}

func TestHandleWebhookUnmatchedOrderStillRecordsPayment(t *testing.T) {
	env := newTestEnv(t)

	result := env.reconciler.HandleWebhook(context.Background(), "fake", webhook(t, successEvent("nounderscores"), fakeSignature))

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, 1, env.store.PaymentCount())
}

func TestHandleWebhookRejections(t *testing.T) {
	tests := []struct {
		name      string
		gateway   string
		signature string
		wantCode  int
		wantBody  string
		outcome   string
	}{
		{
			name:      "unknown gateway",
			gateway:   "nope",
			signature: fakeSignature,
			wantCode:  http.StatusBadRequest,
			wantBody:  "unknown gateway",
			outcome:   OutcomeUnknownGateway,
		},
		{
			name:      "empty gateway",
			gateway:   "",
			signature: fakeSignature,
			wantCode:  http.StatusBadRequest,
			wantBody:  "unknown gateway",
			outcome:   OutcomeUnknownGateway,
		},
		{
			name:      "bad signature",
			gateway:   "fake",
			signature: "forged",
			wantCode:  http.StatusUnauthorized,
			wantBody:  "invalid signature",
			outcome:   OutcomeInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.saveOrder("ORD5", 100)

			result := env.reconciler.HandleWebhook(context.Background(), tt.gateway, webhook(t, successEvent("fake_ORD5_abc"), tt.signature))

			if result.StatusCode != tt.wantCode {
				t.Errorf("StatusCode = %d, want %d", result.StatusCode, tt.wantCode)
			}
			if result.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", result.Body, tt.wantBody)
			}
			if result.Outcome != tt.outcome {
				t.Errorf("Outcome = %q, want %q", result.Outcome, tt.outcome)
			}
			if env.store.PaymentCount() != 0 {
				t.Errorf("PaymentCount = %d, want 0", env.store.PaymentCount())
			}
			order, _ := env.store.FindByOrderNumber(context.Background(), "ORD5")
			if order.PaymentStatus != models.OrderUnpaid {
				t.Errorf("order status = %s, want unpaid", order.PaymentStatus)
			}
		})
	}
}

func TestHandleWebhookCountsInvalidSignatures(t *testing.T) {
	env := newTestEnv(t)
	counter := metrics.Webhooks.WithLabelValues("fake", OutcomeInvalidSignature)
	before := testutil.ToFloat64(counter)

	env.reconciler.HandleWebhook(context.Background(), "fake", webhook(t, successEvent("fake_X_1"), "forged"))

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestHandleWebhookIgnoresUnparseableAndUninterestingEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	garbage := &gateway.WebhookRequest{Headers: http.Header{}, Body: []byte("not json")}
	garbage.Headers.Set("X-Fake-Signature", fakeSignature)
	result := env.reconciler.HandleWebhook(ctx, "fake", garbage)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "ignored", result.Body)

	pending := successEvent("fake_ORD6_abc")
	pending.Type = "charge.pending"
	pending.Status = gateway.StatusPending
	result = env.reconciler.HandleWebhook(ctx, "fake", webhook(t, pending, fakeSignature))
	assert.Equal(t, "ignored", result.Body)

	transfer := successEvent("fake_ORD6_abc")
	transfer.Type = "transfer.success"
	result = env.reconciler.HandleWebhook(ctx, "fake", webhook(t, transfer, fakeSignature))
	assert.Equal(t, "ignored", result.Body)

	assert.Equal(t, 0, env.store.PaymentCount())
}

func TestHandleWebhookPersistenceFailureAsksForRedelivery(t *testing.T) {
	env := newTestEnv(t)
	env.reconciler.payments = brokenPayments{PaymentStore: env.store}

	result := env.reconciler.HandleWebhook(context.Background(), "fake", webhook(t, successEvent("fake_ORD8_abc"), fakeSignature))

	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
	assert.Equal(t, OutcomeError, result.Outcome)
}

func TestHandleWebhookRedeliverySettlesOrder(t *testing.T) {
	env := newTestEnv(t)
	order := env.saveOrder("ORD12", 5000)
	ctx := context.Background()
	reference := "fake_ORD12_abc"
	require.NoError(t, env.store.SetPaymentReference(ctx, order.ID, reference))
	env.reconciler.orders = &flakyOrders{OrderStore: env.store}

	first := env.reconciler.HandleWebhook(ctx, "fake", webhook(t, successEvent(reference), fakeSignature))
	require.Equal(t, http.StatusInternalServerError, first.StatusCode)

	payment, err := env.store.GetByReference(ctx, reference)
	require.NoError(t, err)
	require.True(t, payment.IsSuccessful())
	stored, err := env.store.FindByOrderNumber(ctx, "ORD12")
	require.NoError(t, err)
	require.Equal(t, models.OrderUnpaid, stored.PaymentStatus)

	second := env.reconciler.HandleWebhook(ctx, "fake", webhook(t, successEvent(reference), fakeSignature))

	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, models.TransitionNoop, second.Transition)
	stored, err = env.store.FindByOrderNumber(ctx, "ORD12")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, stored.PaymentStatus)
	assert.Equal(t, reference, stored.PaymentReference)
	assert.Equal(t, 1, env.store.PaymentCount())
}

func TestHandleWebhookUpdatesRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateRefund(ctx, &models.Refund{
		ID:               "r1",
		RefundReference:  "rf_9",
		PaymentReference: "fake_ORD9_abc",
		Gateway:          "fake",
		Status:           models.PaymentStatusPending,
		Amount:           decimal.NewFromInt(100),
	}))

	event := gateway.WebhookEvent{
		Type:             "refund.processed",
		Reference:        "fake_ORD9_abc",
		Status:           gateway.StatusSuccess,
		GatewayReference: "rf_9",
		Amount:           decimal.NewFromInt(100),
	}
	result := env.reconciler.HandleWebhook(ctx, "fake", webhook(t, event, fakeSignature))

	assert.Equal(t, "ok", result.Body)
	refunds, err := env.store.ListRefunds(ctx, "fake_ORD9_abc")
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, models.PaymentStatusSuccess, refunds[0].Status)
	assert.Equal(t, []string{events.TypeRefundUpdated}, env.publisher.types())
}

func TestHandleWebhookWritesAuditLog(t *testing.T) {
	env := newTestEnv(t)
	log := &recordingWebhookLog{}
	env.reconciler.WithWebhookLog(log)

	env.reconciler.HandleWebhook(context.Background(), "fake", webhook(t, successEvent("fake_ORD10_abc"), fakeSignature))
	env.reconciler.HandleWebhook(context.Background(), "fake", webhook(t, successEvent("fake_ORD10_abc"), "forged"))

	require.Len(t, log.entries, 1)
	entry := log.entries[0]
	assert.Equal(t, "fake", entry.Gateway)
	assert.Equal(t, "charge.success", entry.EventType)
	assert.Equal(t, "fake_ORD10_abc", entry.Reference)
	assert.Equal(t, OutcomeProcessed, entry.Outcome)
	assert.NotEmpty(t, entry.Payload)
}

func TestApplyVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveOrder("ORD11", 100)

	transition, err := env.reconciler.ApplyVerification(ctx, "fake", gateway.VerificationResult{
		Reference: "fake_ORD11_abc",
		Status:    gateway.StatusPending,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransitionNoop, transition)
	assert.Equal(t, 0, env.store.PaymentCount())

	transition, err = env.reconciler.ApplyVerification(ctx, "fake", gateway.VerificationResult{
		Reference: "fake_ORD11_abc",
		Status:    gateway.StatusSuccess,
		Amount:    decimal.NewFromInt(100),
		Currency:  "NGN",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransitionCreated, transition)

	payment, err := env.store.GetByReference(ctx, "fake_ORD11_abc")
	require.NoError(t, err)
	assert.NotNil(t, payment.VerifiedAt)
	assert.NotNil(t, payment.PaidAt)

	transition, err = env.reconciler.ApplyVerification(ctx, "fake", gateway.VerificationResult{
		Reference: "fake_ORD11_abc",
		Status:    gateway.StatusFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransitionNoop, transition)
}

func TestFindOrderPrefersExactReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exact := env.saveOrder("ORD_A", 100)
	env.saveOrder("ORD", 100)
	require.NoError(t, env.store.SetPaymentReference(ctx, exact.ID, "fake_ORD_A_xyz"))

	order, err := env.reconciler.FindOrder(ctx, "fake_ORD_A_xyz")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "ORD_A", order.OrderNumber)

	order, err = env.reconciler.FindOrder(ctx, "fake_ORD_other")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, "ORD", order.OrderNumber)

	order, err = env.reconciler.FindOrder(ctx, "single")
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestNewReconcilerDefaultsToLogPublisher(t *testing.T) {
	r := NewReconciler(gateway.NewRegistryWith("fake"), Stores{}, nil, zap.NewNop())
	_, ok := r.publisher.(*events.LogPublisher)
	assert.True(t, ok)
}
