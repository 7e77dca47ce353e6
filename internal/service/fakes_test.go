package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/internal/events"
	"paygate/internal/gateway"
	"paygate/internal/models"
	"paygate/internal/repository"
)

const fakeSignature = "good"

// fakeAdapter accepts webhooks whose X-Fake-Signature header is "good"
// and decodes the body as a gateway.WebhookEvent.
type fakeAdapter struct {
	name string

	mu            sync.Mutex
	initiateCalls int
	verifyCalls   int
	refundCalls   int

	initiate func(req gateway.InitiateRequest) (gateway.InitiationResult, error)
	verify   func(call int, reference string) (gateway.VerificationResult, error)
	refund   func(reference string, amount decimal.Decimal) (gateway.RefundResult, error)
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		initiate: func(req gateway.InitiateRequest) (gateway.InitiationResult, error) {
			ref := gateway.NewReference("fake", req.Order.OrderNumber)
			return gateway.NewRedirectResult(ref, "https://pay.example.com/"+ref, nil)
		},
		verify: func(_ int, reference string) (gateway.VerificationResult, error) {
			return gateway.VerificationResult{Reference: reference, Status: gateway.StatusPending}, nil
		},
		refund: func(reference string, amount decimal.Decimal) (gateway.RefundResult, error) {
			return gateway.RefundResult{
				Reference:       reference,
				RefundReference: "rf_" + reference,
				Status:          gateway.StatusPending,
				Amount:          amount,
			}, nil
		},
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Initiate(_ context.Context, req gateway.InitiateRequest) (gateway.InitiationResult, error) {
	f.mu.Lock()
	f.initiateCalls++
	f.mu.Unlock()
	return f.initiate(req)
}

func (f *fakeAdapter) Verify(_ context.Context, reference string) (gateway.VerificationResult, error) {
	f.mu.Lock()
	f.verifyCalls++
	call := f.verifyCalls
	f.mu.Unlock()
	return f.verify(call, reference)
}

func (f *fakeAdapter) Refund(_ context.Context, reference string, amount decimal.Decimal) (gateway.RefundResult, error) {
	f.mu.Lock()
	f.refundCalls++
	f.mu.Unlock()
	return f.refund(reference, amount)
}

func (f *fakeAdapter) ValidateWebhook(req *gateway.WebhookRequest) bool {
	return req.Headers.Get("X-Fake-Signature") == fakeSignature
}

func (f *fakeAdapter) ParseWebhook(req *gateway.WebhookRequest) (gateway.WebhookEvent, error) {
	var event gateway.WebhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return gateway.WebhookEvent{}, gateway.ErrMalformedPayload
	}
	event.RawPayload = req.Body
	return event, nil
}

func (f *fakeAdapter) calls() (initiate, verify, refund int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls, f.verifyCalls, f.refundCalls
}

type fakeEstimator struct {
	*fakeAdapter
	estimates int
}

func (f *fakeEstimator) Estimate(_ context.Context, amount decimal.Decimal, _, _ string) (decimal.Decimal, error) {
	f.estimates++
	return amount.Div(decimal.NewFromInt(50000)), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.PaymentEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event events.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingWebhookLog struct {
	mu      sync.Mutex
	entries []*models.WebhookLog
}

func (r *recordingWebhookLog) Insert(_ context.Context, entry *models.WebhookLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

// brokenPayments fails every success write.
type brokenPayments struct {
	repository.PaymentStore
}

func (brokenPayments) MarkSucceeded(context.Context, *models.Payment) (models.Transition, error) {
	return "", errors.New("connection reset")
}

// flakyOrders fails the first MarkPaid call.
type flakyOrders struct {
	repository.OrderStore

	mu     sync.Mutex
	failed bool
}

func (f *flakyOrders) MarkPaid(ctx context.Context, orderID, reference string, paidAt time.Time) (bool, error) {
	f.mu.Lock()
	if !f.failed {
		f.failed = true
		f.mu.Unlock()
		return false, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.OrderStore.MarkPaid(ctx, orderID, reference, paidAt)
}

type testEnv struct {
	store      *repository.MemoryStore
	adapter    *fakeAdapter
	publisher  *recordingPublisher
	reconciler *Reconciler
	service    *PaymentService
}

func newTestEnv(t *testing.T, adapters ...gateway.Adapter) *testEnv {
	t.Helper()

	fake := newFakeAdapter("fake")
	registry := gateway.NewRegistryWith("fake", append([]gateway.Adapter{fake}, adapters...)...)
	store := repository.NewMemoryStore()
	stores := Stores{Payments: store, Orders: store, Refunds: store}
	publisher := &recordingPublisher{}
	logger := zap.NewNop()

	reconciler := NewReconciler(registry, stores, publisher, logger)
	svc := NewPaymentService(registry, stores, reconciler, NewMemoryCache(), publisher, Options{
		SupportedCurrencies: []string{"NGN", "USD"},
		RetryCount:          3,
		VerifyTimeout:       time.Second,
		RetryInterval:       time.Millisecond,
		CallbackURL: func(name string) string {
			return "https://shop.example.com/payments/callback/" + name
		},
	}, logger)

	return &testEnv{
		store:      store,
		adapter:    fake,
		publisher:  publisher,
		reconciler: reconciler,
		service:    svc,
	}
}

func (e *testEnv) saveOrder(number string, total int64) *models.Order {
	order := &models.Order{
		ID:            "order-" + number,
		OrderNumber:   number,
		PaymentStatus: models.OrderUnpaid,
		Total:         decimal.NewFromInt(total),
		Currency:      "NGN",
		CustomerEmail: "ada@example.com",
		CustomerName:  "Ada Obi",
	}
	e.store.SaveOrder(order)
	return order
}

func webhook(t *testing.T, event gateway.WebhookEvent, signature string) *gateway.WebhookRequest {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	req := &gateway.WebhookRequest{Headers: make(map[string][]string), Body: body}
	req.Headers.Set("X-Fake-Signature", signature)
	return req
}

func transientErr(op string) error {
	return &gateway.Error{Kind: gateway.KindTransient, Gateway: "fake", Op: op, Err: errors.New("i/o timeout")}
}
