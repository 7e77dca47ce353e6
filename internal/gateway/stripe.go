package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const stripeSignatureHeader = "Stripe-Signature"

// Stripe is the card-redirect gateway: customers pay on a hosted Checkout
// Session and come back to the callback URL.
type Stripe struct {
	name   string
	cfg    Config
	api    *client.API
	prefix string
}

func NewStripe(name string, cfg Config) (*Stripe, error) {
	if err := requireCredentials(name, map[string]string{
		"secret_key":     cfg.SecretKey,
		"webhook_secret": cfg.WebhookSecret,
	}); err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.timeout()}
	// GetBackendWithConfig fills in the default URL per backend type, so
	// each backend needs its own config value.
	backendConfig := func() *stripe.BackendConfig {
		bc := &stripe.BackendConfig{
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripe.Int64(0),
		}
		if cfg.BaseURL != "" {
			bc.URL = stripe.String(cfg.BaseURL)
		}
		return bc
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig()),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig()),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig()),
	}

	return &Stripe{
		name:   name,
		cfg:    cfg,
		api:    client.New(cfg.SecretKey, backends),
		prefix: cfg.prefix("card"),
	}, nil
}

func (s *Stripe) Name() string { return s.name }

func (s *Stripe) Initiate(ctx context.Context, req InitiateRequest) (InitiationResult, error) {
	reference := NewReference(s.prefix, req.Order.OrderNumber)

	successURL := s.cfg.SuccessURL
	if req.CallbackURL != "" {
		successURL = req.CallbackURL
	}
	if successURL == "" {
		return InitiationResult{}, newError(KindConfiguration, s.name, "initiate", errors.New("no success or callback URL configured"))
	}
	cancelURL := s.cfg.CancelURL
	if cancelURL == "" {
		cancelURL = withQuery(successURL, map[string]string{"cancelled": "1"})
	}

	description := req.Order.Description
	if description == "" {
		description = "Order " + req.Order.OrderNumber
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(reference),
		SuccessURL:        stripe.String(withQuery(successURL, map[string]string{"reference": reference})),
		CancelURL:         stripe.String(withQuery(cancelURL, map[string]string{"reference": reference})),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(ToMinor(req.Amount, req.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"reference":    reference,
				"order_number": req.Order.OrderNumber,
			},
		},
	}
	if req.Order.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.Order.CustomerEmail)
	}
	params.Context = ctx
	params.AddMetadata("reference", reference)
	params.AddMetadata("order_number", req.Order.OrderNumber)
	params.SetIdempotencyKey(reference)

	session, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		if msg, business := s.businessFailure(err); business {
			return FailedInitiation(reference, msg), nil
		}
		return InitiationResult{}, s.classify("initiate", err)
	}

	return NewRedirectResult(reference, session.URL, map[string]interface{}{
		"session_id": session.ID,
	})
}

func (s *Stripe) Verify(ctx context.Context, reference string) (VerificationResult, error) {
	pi, err := s.findPaymentIntent(ctx, reference)
	if err != nil {
		if msg, business := s.businessFailure(err); business {
			return failedVerification(reference, msg), nil
		}
		return VerificationResult{}, s.classify("verify", err)
	}
	if pi == nil {
		// The session exists but the customer has not attempted payment yet.
		return VerificationResult{
			Reference: reference,
			Status:    StatusPending,
			Message:   "no payment attempt recorded yet",
		}, nil
	}

	raw, _ := json.Marshal(pi)
	result := VerificationResult{
		Reference:        reference,
		Status:           stripeIntentStatus(pi),
		Amount:           FromMinor(pi.Amount, string(pi.Currency)),
		Currency:         strings.ToUpper(string(pi.Currency)),
		GatewayReference: pi.ID,
		Channel:          "card",
		Raw:              raw,
	}
	if len(pi.PaymentMethodTypes) > 0 {
		result.PaymentMethod = pi.PaymentMethodTypes[0]
	}
	if pi.LastPaymentError != nil {
		result.Message = pi.LastPaymentError.Msg
	}
	return result, nil
}

func (s *Stripe) Refund(ctx context.Context, reference string, amount decimal.Decimal) (RefundResult, error) {
	pi, err := s.findPaymentIntent(ctx, reference)
	if err != nil {
		if msg, business := s.businessFailure(err); business {
			return failedRefund(reference, msg), nil
		}
		return RefundResult{}, s.classify("refund", err)
	}
	if pi == nil || pi.Status != stripe.PaymentIntentStatusSucceeded {
		return failedRefund(reference, "no settled payment found for reference"), nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(pi.ID),
	}
	if amount.IsPositive() {
		params.Amount = stripe.Int64(ToMinor(amount, string(pi.Currency)))
	}
	params.Context = ctx
	params.AddMetadata("reference", reference)

	refund, err := s.api.Refunds.New(params)
	if err != nil {
		if msg, business := s.businessFailure(err); business {
			return failedRefund(reference, msg), nil
		}
		return RefundResult{}, s.classify("refund", err)
	}

	raw, _ := json.Marshal(refund)
	return RefundResult{
		Reference:       reference,
		RefundReference: refund.ID,
		Status:          stripeRefundStatus(string(refund.Status)),
		Amount:          FromMinor(refund.Amount, string(refund.Currency)),
		Currency:        strings.ToUpper(string(refund.Currency)),
		Raw:             raw,
	}, nil
}

func (s *Stripe) ValidateWebhook(req *WebhookRequest) bool {
	if req == nil || len(req.Body) == 0 {
		return false
	}
	sig := req.Headers.Get(stripeSignatureHeader)
	if sig == "" {
		return false
	}
	return webhook.ValidatePayload(req.Body, sig, s.cfg.WebhookSecret) == nil
}

// Objects carried by the Stripe events we reconcile. Only the fields we map
// are declared; the full payload stays in RawPayload.
type stripeSessionObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	PaymentStatus     string            `json:"payment_status"`
	PaymentIntent     json.RawMessage   `json:"payment_intent"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeIntentObject struct {
	ID                 string            `json:"id"`
	Amount             int64             `json:"amount"`
	AmountReceived     int64             `json:"amount_received"`
	Currency           string            `json:"currency"`
	Status             string            `json:"status"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	Metadata           map[string]string `json:"metadata"`
	LastPaymentError   *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"last_payment_error"`
}

type stripeRefundObject struct {
	ID            string            `json:"id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

func (s *Stripe) ParseWebhook(req *WebhookRequest) (WebhookEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(req.Body, &evt); err != nil || evt.Data == nil {
		return WebhookEvent{}, newError(KindIntegrity, s.name, "parse_webhook", ErrMalformedPayload)
	}

	event := WebhookEvent{
		Type:       string(evt.Type),
		Status:     StatusPending,
		RawPayload: append(json.RawMessage(nil), req.Body...),
		Metadata:   map[string]interface{}{"event_id": evt.ID},
	}
	if evt.Created > 0 {
		event.Metadata["created"] = time.Unix(evt.Created, 0).UTC()
	}

	objectType, _ := evt.Data.Object["object"].(string)
	switch objectType {
	case "checkout.session":
		var obj stripeSessionObject
		if err := json.Unmarshal(evt.Data.Raw, &obj); err != nil {
			return WebhookEvent{}, newError(KindIntegrity, s.name, "parse_webhook", ErrMalformedPayload)
		}
		event.Reference = obj.ClientReferenceID
		if event.Reference == "" {
			event.Reference = obj.Metadata["reference"]
		}
		event.Amount = FromMinor(obj.AmountTotal, obj.Currency)
		event.Currency = strings.ToUpper(obj.Currency)
		event.GatewayReference = obj.ID
		event.Metadata["payment_status"] = obj.PaymentStatus
		if pi := unquote(obj.PaymentIntent); pi != "" {
			event.Metadata["payment_intent"] = pi
		}
		switch {
		case obj.PaymentStatus == "paid" || obj.PaymentStatus == "no_payment_required":
			event.Status = StatusSuccess
		case event.IsFailedCharge():
			event.Status = StatusFailed
		}

	case "payment_intent":
		var obj stripeIntentObject
		if err := json.Unmarshal(evt.Data.Raw, &obj); err != nil {
			return WebhookEvent{}, newError(KindIntegrity, s.name, "parse_webhook", ErrMalformedPayload)
		}
		event.Reference = obj.Metadata["reference"]
		event.Amount = FromMinor(obj.Amount, obj.Currency)
		event.Currency = strings.ToUpper(obj.Currency)
		event.GatewayReference = obj.ID
		switch obj.Status {
		case "succeeded":
			event.Status = StatusSuccess
		case "canceled":
			event.Status = StatusFailed
		}
		if obj.LastPaymentError != nil {
			event.Status = StatusFailed
			event.Metadata["failure_message"] = obj.LastPaymentError.Message
			event.Metadata["failure_code"] = obj.LastPaymentError.Code
		}
		if len(obj.PaymentMethodTypes) > 0 {
			event.Metadata["payment_method"] = obj.PaymentMethodTypes[0]
		}

	case "refund":
		var obj stripeRefundObject
		if err := json.Unmarshal(evt.Data.Raw, &obj); err != nil {
			return WebhookEvent{}, newError(KindIntegrity, s.name, "parse_webhook", ErrMalformedPayload)
		}
		event.Reference = obj.Metadata["reference"]
		event.Amount = FromMinor(obj.Amount, obj.Currency)
		event.Currency = strings.ToUpper(obj.Currency)
		event.GatewayReference = obj.ID
		event.Status = stripeRefundStatus(obj.Status)
		event.Metadata["payment_intent"] = obj.PaymentIntent

	default:
		if ref, ok := evt.Data.Object["metadata"].(map[string]interface{}); ok {
			if v, ok := ref["reference"].(string); ok {
				event.Reference = v
			}
		}
		if id, ok := evt.Data.Object["id"].(string); ok {
			event.GatewayReference = id
		}
		event.Metadata["object"] = objectType
	}

	return event, nil
}

func (s *Stripe) findPaymentIntent(ctx context.Context, reference string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['reference']:'%s'", strings.ReplaceAll(reference, "'", ""))
	params.Context = ctx

	var latest *stripe.PaymentIntent
	iter := s.api.PaymentIntents.Search(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		if latest == nil || pi.Created > latest.Created {
			latest = pi
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return latest, nil
}

// businessFailure reports whether err is a decline or request rejection
// that should be surfaced as a failed result.
func (s *Stripe) businessFailure(err error) (string, bool) {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return "", false
	}
	switch {
	case serr.HTTPStatusCode == http.StatusUnauthorized || serr.HTTPStatusCode == http.StatusForbidden:
		return "", false
	case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= http.StatusInternalServerError:
		return "", false
	case serr.Type == stripe.ErrorTypeAPI:
		return "", false
	}
	msg := serr.Msg
	if msg == "" {
		msg = string(serr.Code)
	}
	return msg, true
}

func (s *Stripe) classify(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode == http.StatusUnauthorized || serr.HTTPStatusCode == http.StatusForbidden {
			return newError(KindConfiguration, s.name, op, errors.New(serr.Msg))
		}
		return newError(KindTransient, s.name, op, fmt.Errorf("stripe status %d: %s", serr.HTTPStatusCode, serr.Msg))
	}
	return newError(KindTransient, s.name, op, err)
}

func stripeIntentStatus(pi *stripe.PaymentIntent) Status {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSuccess
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return StatusFailed
		}
	}
	return StatusPending
}

func stripeRefundStatus(status string) Status {
	switch status {
	case "succeeded":
		return StatusSuccess
	case "failed", "canceled":
		return StatusFailed
	default:
		return StatusPending
	}
}

func withQuery(rawURL string, values map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range values {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// unquote reads a field Stripe sends either as an id string or, when
// expanded, as an object with an id.
func unquote(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
