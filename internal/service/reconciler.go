package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paygate/internal/events"
	"paygate/internal/gateway"
	"paygate/internal/metrics"
	"paygate/internal/models"
	"paygate/internal/repository"
)

// Webhook outcomes, also used as the metrics result label.
const (
	OutcomeProcessed        = "processed"
	OutcomeIgnored          = "ignored"
	OutcomeUnknownGateway   = "unknown_gateway"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeError            = "error"
)

type requestIDKey struct{}

// WithRequestID tags ctx so that audit entries can be joined with request
// logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WebhookResult is what the HTTP layer writes back to the provider.
type WebhookResult struct {
	StatusCode int
	Body       string
	Outcome    string
	Event      *gateway.WebhookEvent
	Transition models.Transition
}

// Reconciler applies provider notifications and verification results to
// local payment and order state. Success is sticky and every transition
// is a conditional write in the store.
type Reconciler struct {
	registry   *gateway.Registry
	payments   repository.PaymentStore
	orders     repository.OrderStore
	refunds    repository.RefundStore
	webhookLog repository.WebhookLogStore
	publisher  events.Publisher
	logger     *zap.Logger
}

func NewReconciler(registry *gateway.Registry, stores Stores, publisher events.Publisher, logger *zap.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Reconciler{
		registry:  registry,
		payments:  stores.Payments,
		orders:    stores.Orders,
		refunds:   stores.Refunds,
		publisher: publisher,
		logger:    logger,
	}
}

// WithWebhookLog enables the audit copy of every accepted notification.
func (r *Reconciler) WithWebhookLog(store repository.WebhookLogStore) *Reconciler {
	r.webhookLog = store
	return r
}

// HandleWebhook resolves the gateway, authenticates and parses the
// notification, and applies it. Unknown gateways and bad signatures are
// rejected before anything is written.
func (r *Reconciler) HandleWebhook(ctx context.Context, gatewayName string, req *gateway.WebhookRequest) WebhookResult {
	adapter, err := r.registry.Resolve(gatewayName)
	if err != nil || strings.TrimSpace(gatewayName) == "" {
		r.logger.Warn("webhook for unknown gateway",
			zap.String("gateway", gatewayName),
			zap.Error(err))
		metrics.Webhooks.WithLabelValues(gatewayLabel(gatewayName), OutcomeUnknownGateway).Inc()
		return WebhookResult{StatusCode: http.StatusBadRequest, Body: "unknown gateway", Outcome: OutcomeUnknownGateway}
	}
	name := adapter.Name()

	if !adapter.ValidateWebhook(req) {
		r.logger.Warn("security: webhook signature rejected",
			zap.String("gateway", name),
			zap.Int("body_bytes", len(req.Body)))
		metrics.Webhooks.WithLabelValues(name, OutcomeInvalidSignature).Inc()
		return WebhookResult{StatusCode: http.StatusUnauthorized, Body: "invalid signature", Outcome: OutcomeInvalidSignature}
	}

	event, err := adapter.ParseWebhook(req)
	if err != nil {
		r.logger.Warn("authenticated webhook could not be parsed",
			zap.String("gateway", name),
			zap.Error(err))
		metrics.Webhooks.WithLabelValues(name, OutcomeIgnored).Inc()
		r.audit(ctx, name, gateway.WebhookEvent{RawPayload: req.Body}, OutcomeIgnored)
		return WebhookResult{StatusCode: http.StatusOK, Body: "ignored", Outcome: OutcomeIgnored}
	}

	transition, handled, err := r.Apply(ctx, name, event)
	if err != nil {
		r.logger.Error("failed to reconcile webhook",
			zap.String("gateway", name),
			zap.String("type", event.Type),
			zap.String("reference", event.Reference),
			zap.Error(err))
		metrics.Webhooks.WithLabelValues(name, OutcomeError).Inc()
		r.audit(ctx, name, event, OutcomeError)
		return WebhookResult{StatusCode: http.StatusInternalServerError, Body: "error", Outcome: OutcomeError, Event: &event}
	}

	outcome := OutcomeIgnored
	if handled {
		outcome = OutcomeProcessed
	}
	r.logger.Info("webhook received",
		zap.String("gateway", name),
		zap.String("type", event.Type),
		zap.String("reference", event.Reference),
		zap.String("status", string(event.Status)),
		zap.String("outcome", outcome),
		zap.String("transition", string(transition)))
	metrics.Webhooks.WithLabelValues(name, outcome).Inc()
	r.audit(ctx, name, event, outcome)

	body := "ok"
	if !handled {
		body = "ignored"
	}
	return WebhookResult{StatusCode: http.StatusOK, Body: body, Outcome: outcome, Event: &event, Transition: transition}
}

// Apply routes an authenticated event. handled is false for events this
// service deliberately ignores.
func (r *Reconciler) Apply(ctx context.Context, gatewayName string, event gateway.WebhookEvent) (models.Transition, bool, error) {
	if event.Reference == "" && !event.IsRefund() {
		return models.TransitionNoop, false, nil
	}

	switch {
	case event.IsRefund():
		return r.applyRefund(ctx, gatewayName, event)
	case event.IsTransfer():
		r.logger.Info("transfer event not reconciled",
			zap.String("gateway", gatewayName),
			zap.String("type", event.Type),
			zap.String("reference", event.Reference))
		return models.TransitionNoop, false, nil
	case event.IsSuccessfulCharge():
		transition, err := r.applySuccess(ctx, gatewayName, paymentFromEvent(gatewayName, event), "webhook")
		return transition, err == nil, err
	case event.IsFailedCharge():
		transition, err := r.applyFailure(ctx, gatewayName, event.Reference, event.RawPayload, nil, "webhook")
		return transition, err == nil && transition != models.TransitionNoop, err
	default:
		return models.TransitionNoop, false, nil
	}
}

// ApplyVerification reconciles the answer of a direct verification call.
// Pending results change nothing.
func (r *Reconciler) ApplyVerification(ctx context.Context, gatewayName string, result gateway.VerificationResult) (models.Transition, error) {
	now := time.Now().UTC()
	switch result.Status {
	case gateway.StatusSuccess:
		payment := &models.Payment{
			ID:               uuid.New().String(),
			Reference:        result.Reference,
			Gateway:          gatewayName,
			Amount:           result.Amount,
			Currency:         result.Currency,
			GatewayReference: result.GatewayReference,
			PaymentMethod:    result.PaymentMethod,
			Channel:          result.Channel,
			CardType:         result.CardType,
			CardLast4:        result.CardLast4,
			Bank:             result.Bank,
			GatewayFee:       result.GatewayFee,
			PaidAt:           result.PaidAt,
			VerifiedAt:       &now,
			RawResponse:      result.Raw,
		}
		return r.applySuccess(ctx, gatewayName, payment, "verification")
	case gateway.StatusFailed:
		return r.applyFailure(ctx, gatewayName, result.Reference, result.Raw, &now, "verification")
	default:
		return models.TransitionNoop, nil
	}
}

func (r *Reconciler) applySuccess(ctx context.Context, gatewayName string, payment *models.Payment, source string) (models.Transition, error) {
	existing, err := r.payments.GetByReference(ctx, payment.Reference)
	if err != nil {
		return "", fmt.Errorf("failed to load payment: %w", err)
	}
	if existing != nil && existing.IsSuccessful() {
		r.logger.Info("payment already settled",
			zap.String("gateway", gatewayName),
			zap.String("reference", payment.Reference),
			zap.String("source", source))
		metrics.Reconciliations.WithLabelValues(gatewayName, string(models.TransitionNoop)).Inc()
		if err := r.settleOrder(ctx, gatewayName, existing); err != nil {
			return models.TransitionNoop, err
		}
		return models.TransitionNoop, nil
	}

	order, err := r.FindOrder(ctx, payment.Reference)
	if err != nil {
		return "", fmt.Errorf("failed to find order: %w", err)
	}
	if order != nil && payment.OrderID == "" {
		payment.OrderID = order.ID
	}
	if payment.PaidAt == nil {
		now := time.Now().UTC()
		payment.PaidAt = &now
	}

	transition, err := r.payments.MarkSucceeded(ctx, payment)
	if err != nil {
		return "", fmt.Errorf("failed to mark payment succeeded: %w", err)
	}
	metrics.Reconciliations.WithLabelValues(gatewayName, string(transition)).Inc()

	if order != nil {
		if _, err := r.orders.MarkPaid(ctx, order.ID, payment.Reference, *payment.PaidAt); err != nil {
			return transition, fmt.Errorf("failed to mark order paid: %w", err)
		}
	} else {
		r.logger.Warn("no order matches payment reference",
			zap.String("gateway", gatewayName),
			zap.String("reference", payment.Reference))
	}

	if transition != models.TransitionNoop {
		r.logger.Info("payment succeeded",
			zap.String("gateway", gatewayName),
			zap.String("reference", payment.Reference),
			zap.String("transition", string(transition)),
			zap.String("source", source))
		r.publish(ctx, events.TypePaymentSucceeded, gatewayName, payment, order, source)
	}
	return transition, nil
}

// settleOrder marks the order of an already successful payment as paid.
// A success whose order write failed is completed on redelivery.
func (r *Reconciler) settleOrder(ctx context.Context, gatewayName string, payment *models.Payment) error {
	order, err := r.FindOrder(ctx, payment.Reference)
	if err != nil {
		return fmt.Errorf("failed to find order: %w", err)
	}
	if order == nil || order.PaymentStatus == models.OrderPaid {
		return nil
	}

	paidAt := time.Now().UTC()
	if payment.PaidAt != nil {
		paidAt = *payment.PaidAt
	}
	changed, err := r.orders.MarkPaid(ctx, order.ID, payment.Reference, paidAt)
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	if changed {
		r.logger.Info("order settled for existing payment",
			zap.String("gateway", gatewayName),
			zap.String("reference", payment.Reference),
			zap.String("order_number", order.OrderNumber))
	}
	return nil
}

func (r *Reconciler) applyFailure(ctx context.Context, gatewayName, reference string, raw []byte, verifiedAt *time.Time, source string) (models.Transition, error) {
	existing, err := r.payments.GetByReference(ctx, reference)
	if err != nil {
		return "", fmt.Errorf("failed to load payment: %w", err)
	}
	if existing == nil {
		r.logger.Info("failure for unknown payment dropped",
			zap.String("gateway", gatewayName),
			zap.String("reference", reference),
			zap.String("source", source))
		return models.TransitionNoop, nil
	}
	if existing.IsSuccessful() {
		r.logger.Warn("failure for settled payment ignored",
			zap.String("gateway", gatewayName),
			zap.String("reference", reference),
			zap.String("source", source))
		metrics.Reconciliations.WithLabelValues(gatewayName, string(models.TransitionNoop)).Inc()
		return models.TransitionNoop, nil
	}

	transition, err := r.payments.MarkFailed(ctx, reference, raw, verifiedAt)
	if err != nil {
		return "", fmt.Errorf("failed to mark payment failed: %w", err)
	}
	metrics.Reconciliations.WithLabelValues(gatewayName, string(transition)).Inc()
	if transition == models.TransitionNoop {
		return transition, nil
	}

	order, err := r.FindOrder(ctx, reference)
	if err != nil {
		return transition, fmt.Errorf("failed to find order: %w", err)
	}
	if order != nil {
		if _, err := r.orders.MarkPaymentFailed(ctx, order.ID); err != nil {
			return transition, fmt.Errorf("failed to mark order payment failed: %w", err)
		}
	}

	r.logger.Info("payment failed",
		zap.String("gateway", gatewayName),
		zap.String("reference", reference),
		zap.String("source", source))
	existing.GatewayStatus = models.PaymentStatusFailed
	r.publish(ctx, events.TypePaymentFailed, gatewayName, existing, order, source)
	return transition, nil
}

func (r *Reconciler) applyRefund(ctx context.Context, gatewayName string, event gateway.WebhookEvent) (models.Transition, bool, error) {
	if event.GatewayReference == "" {
		return models.TransitionNoop, false, nil
	}
	updated, err := r.refunds.UpdateRefundStatus(ctx, event.GatewayReference, paymentStatus(event.Status), event.RawPayload)
	if err != nil {
		return "", false, fmt.Errorf("failed to update refund: %w", err)
	}
	if !updated {
		r.logger.Info("refund event without pending refund",
			zap.String("gateway", gatewayName),
			zap.String("refund_reference", event.GatewayReference))
		return models.TransitionNoop, false, nil
	}

	err = r.publisher.Publish(ctx, events.PaymentEvent{
		Type:      events.TypeRefundUpdated,
		Gateway:   gatewayName,
		Reference: event.Reference,
		Status:    string(event.Status),
		Amount:    event.Amount.String(),
		Currency:  event.Currency,
		Source:    "webhook",
	})
	if err != nil {
		r.logger.Error("failed to publish refund event",
			zap.String("refund_reference", event.GatewayReference),
			zap.Error(err))
	}
	return models.TransitionUpdated, true, nil
}

// FindOrder matches an order by its stored payment reference, then by the
// order number embedded in the reference. Order numbers containing "_"
// only resolve through the exact match.
func (r *Reconciler) FindOrder(ctx context.Context, reference string) (*models.Order, error) {
	order, err := r.orders.FindByPaymentReference(ctx, reference)
	if err != nil || order != nil {
		return order, err
	}

	orderNumber, ok := gateway.OrderNumberFromReference(reference)
	if !ok {
		return nil, nil
	}
	return r.orders.FindByOrderNumber(ctx, orderNumber)
}

func (r *Reconciler) publish(ctx context.Context, eventType, gatewayName string, payment *models.Payment, order *models.Order, source string) {
	event := events.PaymentEvent{
		Type:      eventType,
		Gateway:   gatewayName,
		Reference: payment.Reference,
		Status:    string(payment.GatewayStatus),
		Amount:    payment.Amount.String(),
		Currency:  payment.Currency,
		Source:    source,
	}
	if event.Status == "" {
		event.Status = string(models.PaymentStatusSuccess)
	}
	if order != nil {
		event.OrderNumber = order.OrderNumber
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Error("failed to publish payment event",
			zap.String("type", eventType),
			zap.String("reference", payment.Reference),
			zap.Error(err))
	}
}

func (r *Reconciler) audit(ctx context.Context, gatewayName string, event gateway.WebhookEvent, outcome string) {
	if r.webhookLog == nil {
		return
	}
	entry := &models.WebhookLog{
		Gateway:   gatewayName,
		EventType: event.Type,
		Reference: event.Reference,
		Status:    string(event.Status),
		Outcome:   outcome,
		RequestID: requestIDFrom(ctx),
		Payload:   string(event.RawPayload),
		Metadata:  event.Metadata,
	}
	if err := r.webhookLog.Insert(ctx, entry); err != nil {
		r.logger.Error("failed to store webhook log",
			zap.String("gateway", gatewayName),
			zap.String("reference", event.Reference),
			zap.Error(err))
	}
}

func paymentFromEvent(gatewayName string, event gateway.WebhookEvent) *models.Payment {
	payment := &models.Payment{
		ID:               uuid.New().String(),
		Reference:        event.Reference,
		Gateway:          gatewayName,
		Amount:           event.Amount,
		Currency:         event.Currency,
		GatewayReference: event.GatewayReference,
		GatewayFee:       event.GatewayFee,
		PaidAt:           event.PaidAt,
		RawResponse:      event.RawPayload,
	}
	if v, ok := event.Metadata["channel"].(string); ok {
		payment.Channel = v
	}
	if v, ok := event.Metadata["payment_method"].(string); ok {
		payment.PaymentMethod = v
	}
	if v, ok := event.Metadata["card_type"].(string); ok {
		payment.CardType = v
	}
	if v, ok := event.Metadata["card_last4"].(string); ok {
		payment.CardLast4 = v
	}
	if v, ok := event.Metadata["bank"].(string); ok {
		payment.Bank = v
	}
	return payment
}

func paymentStatus(s gateway.Status) models.PaymentStatus {
	switch s {
	case gateway.StatusSuccess:
		return models.PaymentStatusSuccess
	case gateway.StatusFailed:
		return models.PaymentStatusFailed
	default:
		return models.PaymentStatusPending
	}
}

// gatewayLabel bounds metric cardinality for names taken from URLs.
func gatewayLabel(name string) string {
	if len(name) > 32 {
		return "invalid"
	}
	return strings.ToLower(name)
}
