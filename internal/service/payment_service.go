// internal/service/payment_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"paygate/internal/events"
	"paygate/internal/gateway"
	"paygate/internal/metrics"
	"paygate/internal/models"
	"paygate/internal/repository"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderAlreadyPaid  = errors.New("order is already paid")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrNotRefundable     = errors.New("payment is not refundable")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrQuoteNotSupported = errors.New("gateway does not provide quotes")

	ErrCheckoutInProgress = errors.New("checkout with this idempotency key is in progress")
	ErrRefundInProgress   = errors.New("another refund for this payment is in progress")
)

const lockTTL = 30 * time.Second

// Stores groups the persistence the service and reconciler share.
type Stores struct {
	Payments repository.PaymentStore
	Orders   repository.OrderStore
	Refunds  repository.RefundStore
}

type Options struct {
	SupportedCurrencies []string
	// RetryCount is the number of retries after the first verification
	// attempt.
	RetryCount    int
	VerifyTimeout time.Duration
	// RetryInterval is the first backoff delay between attempts.
	RetryInterval  time.Duration
	IdempotencyTTL time.Duration
	QuoteTTL       time.Duration
	// CallbackURL returns the default customer return URL for a gateway.
	CallbackURL func(gatewayName string) string
}

// InitiateOptions are the per-call extras of Initiate.
type InitiateOptions struct {
	CallbackURL string
	PayCurrency string
}

// CheckoutResponse is the flattened, cacheable form of a checkout.
type CheckoutResponse struct {
	OrderNumber string                 `json:"order_number"`
	Gateway     string                 `json:"gateway"`
	Reference   string                 `json:"reference,omitempty"`
	Amount      decimal.Decimal        `json:"amount"`
	Currency    string                 `json:"currency"`
	Success     bool                   `json:"success"`
	Type        string                 `json:"type"`
	RedirectURL string                 `json:"redirect_url,omitempty"`
	Inline      map[string]interface{} `json:"inline,omitempty"`
	Crypto      *gateway.CryptoPayment `json:"crypto,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Replayed    bool                   `json:"-"`
}

// PaymentDetails is a payment record with its refunds.
type PaymentDetails struct {
	Payment *models.Payment  `json:"payment"`
	Refunds []*models.Refund `json:"refunds"`
}

// VerifyOutcome is a verification result and what applying it changed.
type VerifyOutcome struct {
	Result     gateway.VerificationResult `json:"result"`
	Transition models.Transition          `json:"transition"`
}

type PaymentService struct {
	registry   *gateway.Registry
	payments   repository.PaymentStore
	orders     repository.OrderStore
	refunds    repository.RefundStore
	reconciler *Reconciler
	cache      Cache
	quotes     *QuoteCache
	publisher  events.Publisher
	opts       Options
	currencies map[string]struct{}
	tracer     trace.Tracer
	logger     *zap.Logger
}

func NewPaymentService(registry *gateway.Registry, stores Stores, reconciler *Reconciler, cache Cache, publisher events.Publisher, opts Options, logger *zap.Logger) *PaymentService {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 250 * time.Millisecond
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}

	currencies := make(map[string]struct{}, len(opts.SupportedCurrencies))
	for _, c := range opts.SupportedCurrencies {
		currencies[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}

	return &PaymentService{
		registry:   registry,
		payments:   stores.Payments,
		orders:     stores.Orders,
		refunds:    stores.Refunds,
		reconciler: reconciler,
		cache:      cache,
		quotes:     NewQuoteCache(cache, opts.QuoteTTL, logger),
		publisher:  publisher,
		opts:       opts,
		currencies: currencies,
		tracer:     otel.Tracer("paygate/service"),
		logger:     logger,
	}
}

// Initiate starts a payment with the named gateway. Unsupported currencies
// and non-positive amounts come back as failed results. Nothing is
// persisted.
func (s *PaymentService) Initiate(ctx context.Context, order gateway.OrderContext, gatewayName string, amount decimal.Decimal, currency string, opts InitiateOptions) (gateway.InitiationResult, error) {
	adapter, err := s.registry.Resolve(gatewayName)
	if err != nil {
		return gateway.InitiationResult{}, err
	}
	name := adapter.Name()

	ctx, span := s.tracer.Start(ctx, "payment.initiate", trace.WithAttributes(
		attribute.String("gateway", name),
		attribute.String("order_number", order.OrderNumber),
	))
	defer span.End()

	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !s.supportsCurrency(currency) {
		metrics.Initiations.WithLabelValues(name, "rejected").Inc()
		return gateway.FailedInitiation("", fmt.Sprintf("currency %q is not supported", currency)), nil
	}
	if !amount.IsPositive() {
		metrics.Initiations.WithLabelValues(name, "rejected").Inc()
		return gateway.FailedInitiation("", "amount must be greater than zero"), nil
	}

	start := time.Now()
	result, err := adapter.Initiate(ctx, gateway.InitiateRequest{
		Order:       order,
		Amount:      amount,
		Currency:    currency,
		CallbackURL: opts.CallbackURL,
		PayCurrency: opts.PayCurrency,
	})
	metrics.GatewayLatency.WithLabelValues(name, "initiate").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Initiations.WithLabelValues(name, "error").Inc()
		s.logger.Error("payment initiation failed",
			zap.String("gateway", name),
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
		return gateway.InitiationResult{}, err
	}

	if !result.Success() {
		metrics.Initiations.WithLabelValues(name, "failed").Inc()
		s.logger.Warn("payment initiation declined",
			zap.String("gateway", name),
			zap.String("order_number", order.OrderNumber),
			zap.String("message", result.Message()))
		return result, nil
	}

	span.SetAttributes(attribute.String("reference", result.Reference()))
	metrics.Initiations.WithLabelValues(name, "success").Inc()
	s.logger.Info("payment initiated",
		zap.String("gateway", name),
		zap.String("order_number", order.OrderNumber),
		zap.String("reference", result.Reference()))
	return result, nil
}

// Checkout initiates payment for a stored order and records the pending
// attempt. A repeated idempotency key replays the first response.
func (s *PaymentService) Checkout(ctx context.Context, req models.CheckoutRequest, idempotencyKey string) (*CheckoutResponse, error) {
	if idempotencyKey != "" {
		if cached, err := s.getIdempotentCheckout(ctx, idempotencyKey); err == nil {
			s.logger.Info("idempotent checkout replayed",
				zap.String("idempotency_key", idempotencyKey),
				zap.String("reference", cached.Reference))
			cached.Replayed = true
			return cached, nil
		}

		release, err := s.lock(ctx, fmt.Sprintf("idempotency-lock:%s", idempotencyKey), ErrCheckoutInProgress)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	order, err := s.orders.FindByOrderNumber(ctx, req.OrderNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.PaymentStatus == models.OrderPaid {
		return nil, ErrOrderAlreadyPaid
	}

	adapter, err := s.registry.Resolve(req.Gateway)
	if err != nil {
		return nil, err
	}
	name := adapter.Name()

	callbackURL := req.CallbackURL
	if callbackURL == "" && s.opts.CallbackURL != nil {
		callbackURL = s.opts.CallbackURL(name)
	}

	result, err := s.Initiate(ctx, gateway.OrderContext{
		OrderNumber:   order.OrderNumber,
		CustomerEmail: order.CustomerEmail,
		CustomerName:  order.CustomerName,
		Description:   "Order " + order.OrderNumber,
		Metadata:      map[string]string{"order_id": order.ID},
	}, name, order.Total, order.Currency, InitiateOptions{
		CallbackURL: callbackURL,
		PayCurrency: req.PayCurrency,
	})
	if err != nil {
		return nil, err
	}

	if result.Success() {
		now := time.Now().UTC()
		payment := &models.Payment{
			ID:            uuid.New().String(),
			OrderID:       order.ID,
			Reference:     result.Reference(),
			Gateway:       name,
			GatewayStatus: models.PaymentStatusPending,
			Amount:        order.Total,
			Currency:      strings.ToUpper(order.Currency),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if _, err := s.payments.CreatePending(ctx, payment); err != nil {
			return nil, fmt.Errorf("failed to record payment: %w", err)
		}
		if err := s.orders.SetPaymentReference(ctx, order.ID, payment.Reference); err != nil {
			return nil, fmt.Errorf("failed to update order: %w", err)
		}
	}

	resp := newCheckoutResponse(order, name, result)
	if idempotencyKey != "" {
		s.cacheIdempotentCheckout(ctx, idempotencyKey, resp)
	}
	return resp, nil
}

// Verify asks the gateway for the state of reference. Transient faults are
// retried with exponential backoff; every other error is returned at once.
func (s *PaymentService) Verify(ctx context.Context, gatewayName, reference string) (gateway.VerificationResult, error) {
	adapter, err := s.registry.Resolve(gatewayName)
	if err != nil {
		return gateway.VerificationResult{}, err
	}
	name := adapter.Name()

	ctx, span := s.tracer.Start(ctx, "payment.verify", trace.WithAttributes(
		attribute.String("gateway", name),
		attribute.String("reference", reference),
	))
	defer span.End()

	var result gateway.VerificationResult
	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.VerifyTimeout)
		defer cancel()

		start := time.Now()
		r, err := adapter.Verify(attemptCtx, reference)
		metrics.GatewayLatency.WithLabelValues(name, "verify").Observe(time.Since(start).Seconds())
		if err != nil {
			if gateway.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("verification attempt failed, retrying",
			zap.String("gateway", name),
			zap.String("reference", reference),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, s.newBackOff(ctx), notify); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Verifications.WithLabelValues(name, "error").Inc()
		return gateway.VerificationResult{}, fmt.Errorf("verify %s after %d attempt(s): %w", reference, attempt, err)
	}

	span.SetAttributes(attribute.String("status", string(result.Status)))
	metrics.Verifications.WithLabelValues(name, string(result.Status)).Inc()
	return result, nil
}

// VerifyAndApply verifies reference and reconciles the answer. An empty
// gateway name is taken from the stored payment record.
func (s *PaymentService) VerifyAndApply(ctx context.Context, gatewayName, reference string) (*VerifyOutcome, error) {
	if gatewayName == "" {
		payment, err := s.payments.GetByReference(ctx, reference)
		if err != nil {
			return nil, fmt.Errorf("failed to load payment: %w", err)
		}
		if payment == nil {
			return nil, ErrPaymentNotFound
		}
		gatewayName = payment.Gateway
	}

	result, err := s.Verify(ctx, gatewayName, reference)
	if err != nil {
		return nil, err
	}
	if result.Reference == "" {
		result.Reference = reference
	}

	adapter, err := s.registry.Resolve(gatewayName)
	if err != nil {
		return nil, err
	}
	transition, err := s.reconciler.ApplyVerification(ctx, adapter.Name(), result)
	if err != nil {
		return nil, err
	}
	return &VerifyOutcome{Result: result, Transition: transition}, nil
}

// Refund returns amount of a settled payment to the customer. A zero
// amount refunds whatever has not been refunded yet.
func (s *PaymentService) Refund(ctx context.Context, reference string, amount decimal.Decimal, reason string) (gateway.RefundResult, error) {
	payment, err := s.payments.GetByReference(ctx, reference)
	if err != nil {
		return gateway.RefundResult{}, fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		return gateway.RefundResult{}, ErrPaymentNotFound
	}
	if !payment.IsSuccessful() {
		return gateway.RefundResult{}, fmt.Errorf("%w: status is %s", ErrNotRefundable, payment.GatewayStatus)
	}
	if amount.IsNegative() {
		return gateway.RefundResult{}, ErrInvalidAmount
	}

	// The remaining amount is read then spent; hold the lock across both.
	release, err := s.lock(ctx, fmt.Sprintf("refund-lock:%s", reference), ErrRefundInProgress)
	if err != nil {
		return gateway.RefundResult{}, err
	}
	defer release()

	existing, err := s.refunds.ListRefunds(ctx, reference)
	if err != nil {
		return gateway.RefundResult{}, fmt.Errorf("failed to list refunds: %w", err)
	}
	remaining := payment.Amount
	for _, r := range existing {
		if r.Status != models.PaymentStatusFailed {
			remaining = remaining.Sub(r.Amount)
		}
	}
	if amount.IsZero() {
		amount = remaining
	}
	if !amount.IsPositive() || amount.GreaterThan(remaining) {
		return gateway.RefundResult{}, fmt.Errorf("%w: %s requested, %s refundable", ErrNotRefundable, amount, remaining)
	}

	adapter, err := s.registry.Resolve(payment.Gateway)
	if err != nil {
		return gateway.RefundResult{}, err
	}
	name := adapter.Name()

	ctx, span := s.tracer.Start(ctx, "payment.refund", trace.WithAttributes(
		attribute.String("gateway", name),
		attribute.String("reference", reference),
	))
	defer span.End()

	start := time.Now()
	result, err := adapter.Refund(ctx, reference, amount)
	metrics.GatewayLatency.WithLabelValues(name, "refund").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Refunds.WithLabelValues(name, "error").Inc()
		return gateway.RefundResult{}, err
	}
	metrics.Refunds.WithLabelValues(name, string(result.Status)).Inc()

	if result.RefundReference == "" {
		s.logger.Warn("refund not accepted",
			zap.String("gateway", name),
			zap.String("reference", reference),
			zap.String("message", result.Message))
		return result, nil
	}

	if result.Amount.IsZero() {
		result.Amount = amount
	}
	now := time.Now().UTC()
	record := &models.Refund{
		ID:               uuid.New().String(),
		RefundReference:  result.RefundReference,
		PaymentReference: reference,
		Gateway:          name,
		Status:           paymentStatus(result.Status),
		Amount:           result.Amount,
		Currency:         payment.Currency,
		Reason:           reason,
		Message:          result.Message,
		RawResponse:      result.Raw,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.refunds.CreateRefund(ctx, record); err != nil {
		return result, fmt.Errorf("failed to record refund: %w", err)
	}

	s.logger.Info("refund requested",
		zap.String("gateway", name),
		zap.String("reference", reference),
		zap.String("refund_reference", result.RefundReference),
		zap.String("status", string(result.Status)),
		zap.String("amount", result.Amount.String()))
	s.publishPaymentEvent(ctx, events.PaymentEvent{
		Type:      events.TypeRefundUpdated,
		Gateway:   name,
		Reference: reference,
		Status:    string(result.Status),
		Amount:    result.Amount.String(),
		Currency:  payment.Currency,
		Source:    "api",
	})
	return result, nil
}

// Quote estimates how much of the "to" currency pays amount in "from".
func (s *PaymentService) Quote(ctx context.Context, gatewayName string, amount decimal.Decimal, from, to string) (*models.CryptoQuote, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	adapter, err := s.registry.Resolve(gatewayName)
	if err != nil {
		return nil, err
	}
	estimator, ok := adapter.(gateway.Estimator)
	if !ok {
		return nil, ErrQuoteNotSupported
	}
	name := adapter.Name()
	from, to = strings.ToUpper(from), strings.ToUpper(to)

	if quote := s.quotes.Get(ctx, name, from, to, amount.String()); quote != nil {
		return quote, nil
	}

	start := time.Now()
	estimated, err := estimator.Estimate(ctx, amount, from, to)
	metrics.GatewayLatency.WithLabelValues(name, "estimate").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	quote := &models.CryptoQuote{
		Gateway:         name,
		Amount:          amount,
		From:            from,
		To:              to,
		EstimatedAmount: estimated,
		QuotedAt:        time.Now().UTC(),
	}
	_ = s.quotes.Set(ctx, quote)
	return quote, nil
}

func (s *PaymentService) GetPayment(ctx context.Context, reference string) (*PaymentDetails, error) {
	payment, err := s.payments.GetByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	refunds, err := s.refunds.ListRefunds(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	if refunds == nil {
		refunds = []*models.Refund{}
	}
	return &PaymentDetails{Payment: payment, Refunds: refunds}, nil
}

// ListOrderPayments returns every payment attempt made for an order.
func (s *PaymentService) ListOrderPayments(ctx context.Context, orderNumber string) ([]*models.Payment, error) {
	order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	payments, err := s.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	return payments, nil
}

// Gateways lists configured gateway names and the default.
func (s *PaymentService) Gateways() ([]string, string) {
	return s.registry.Names(), s.registry.Default()
}

func (s *PaymentService) supportsCurrency(currency string) bool {
	if len(s.currencies) == 0 {
		return currency != ""
	}
	_, ok := s.currencies[currency]
	return ok
}

func (s *PaymentService) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	retries := s.opts.RetryCount
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// lock takes a short-lived lock in the shared cache and returns busy when
// another request holds it. A cache failure is logged and the caller
// proceeds unlocked.
func (s *PaymentService) lock(ctx context.Context, key string, busy error) (func(), error) {
	acquired, err := s.cache.SetNX(ctx, key, "1", lockTTL)
	if err != nil {
		s.logger.Warn("failed to acquire lock", zap.String("key", key), zap.Error(err))
		return func() {}, nil
	}
	if !acquired {
		return nil, busy
	}
	return func() {
		if err := s.cache.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *PaymentService) getIdempotentCheckout(ctx context.Context, key string) (*CheckoutResponse, error) {
	cacheKey := fmt.Sprintf("idempotency:%s", key)
	data, err := s.cache.Get(ctx, cacheKey)
	if err != nil {
		return nil, err
	}

	var resp CheckoutResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *PaymentService) cacheIdempotentCheckout(ctx context.Context, key string, resp *CheckoutResponse) {
	cacheKey := fmt.Sprintf("idempotency:%s", key)
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey, data, s.opts.IdempotencyTTL); err != nil {
		s.logger.Warn("failed to cache checkout response",
			zap.String("idempotency_key", key),
			zap.Error(err))
	}
}

func (s *PaymentService) publishPaymentEvent(ctx context.Context, event events.PaymentEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish payment event",
			zap.String("type", event.Type),
			zap.String("reference", event.Reference),
			zap.Error(err))
	}
}

func newCheckoutResponse(order *models.Order, gatewayName string, result gateway.InitiationResult) *CheckoutResponse {
	resp := &CheckoutResponse{
		OrderNumber: order.OrderNumber,
		Gateway:     gatewayName,
		Reference:   result.Reference(),
		Amount:      order.Total,
		Currency:    strings.ToUpper(order.Currency),
		Success:     result.Success(),
		Message:     result.Message(),
	}
	switch {
	case result.RequiresRedirect():
		resp.Type = "redirect"
		resp.RedirectURL = result.RedirectURL()
	case result.IsInline():
		resp.Type = "inline"
		resp.Inline = result.InlinePayload()
	case result.IsCrypto():
		resp.Type = "crypto"
		if crypto, ok := result.Crypto(); ok {
			resp.Crypto = &crypto
		}
	default:
		resp.Type = "failed"
	}
	return resp
}
