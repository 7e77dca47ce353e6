package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	paystackBaseURL         = "https://api.paystack.co"
	paystackSignatureHeader = "X-Paystack-Signature"
)

// Paystack is the inline gateway: the storefront opens the provider's popup
// with the access code returned from Initiate.
type Paystack struct {
	name   string
	cfg    Config
	client *apiClient
	prefix string
}

func NewPaystack(name string, cfg Config) (*Paystack, error) {
	if err := requireCredentials(name, map[string]string{
		"secret_key": cfg.SecretKey,
		"public_key": cfg.PublicKey,
	}); err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = paystackBaseURL
	}
	secret := cfg.SecretKey

	return &Paystack{
		name: name,
		cfg:  cfg,
		client: newAPIClient(name, baseURL, cfg, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+secret)
		}),
		prefix: cfg.prefix("pstk"),
	}, nil
}

func (p *Paystack) Name() string { return p.name }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackTransaction struct {
	ID              int64           `json:"id"`
	Status          string          `json:"status"`
	Reference       string          `json:"reference"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	GatewayResponse string          `json:"gateway_response"`
	Channel         string          `json:"channel"`
	Fees            *int64          `json:"fees"`
	PaidAt          string          `json:"paid_at"`
	Metadata        json.RawMessage `json:"metadata"`
	Authorization   struct {
		CardType string `json:"card_type"`
		Last4    string `json:"last4"`
		Bank     string `json:"bank"`
		Channel  string `json:"channel"`
	} `json:"authorization"`
}

func (p *Paystack) Initiate(ctx context.Context, req InitiateRequest) (InitiationResult, error) {
	reference := NewReference(p.prefix, req.Order.OrderNumber)
	if req.Order.CustomerEmail == "" {
		return FailedInitiation(reference, "customer email is required"), nil
	}

	callback := req.CallbackURL
	if callback == "" {
		callback = p.cfg.SuccessURL
	}

	metadata := map[string]interface{}{"order_number": req.Order.OrderNumber}
	for k, v := range req.Order.Metadata {
		metadata[k] = v
	}

	body := map[string]interface{}{
		"email":     req.Order.CustomerEmail,
		"amount":    ToMinor(req.Amount, req.Currency),
		"currency":  strings.ToUpper(req.Currency),
		"reference": reference,
		"metadata":  metadata,
	}
	if callback != "" {
		body["callback_url"] = callback
	}

	var env paystackEnvelope
	if _, err := p.client.do(ctx, "initiate", http.MethodPost, "/transaction/initialize", body, &env); err != nil {
		if aerr, ok := asAPIError(err); ok {
			return FailedInitiation(reference, aerr.Message), nil
		}
		return InitiationResult{}, err
	}
	if !env.Status {
		return FailedInitiation(reference, env.Message), nil
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.AccessCode == "" {
		return FailedInitiation(reference, "provider response carried no access code"), nil
	}

	return NewInlineResult(reference, map[string]interface{}{
		"key":         p.cfg.PublicKey,
		"access_code": data.AccessCode,
		"reference":   reference,
		"email":       req.Order.CustomerEmail,
		"amount":      ToMinor(req.Amount, req.Currency),
		"currency":    strings.ToUpper(req.Currency),
	}, map[string]interface{}{
		"authorization_url": data.AuthorizationURL,
	})
}

func (p *Paystack) Verify(ctx context.Context, reference string) (VerificationResult, error) {
	var env paystackEnvelope
	raw, err := p.client.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &env)
	if err != nil {
		if aerr, ok := asAPIError(err); ok {
			return failedVerification(reference, aerr.Message), nil
		}
		return VerificationResult{}, err
	}

	var tx paystackTransaction
	if err := json.Unmarshal(env.Data, &tx); err != nil || !env.Status {
		return failedVerification(reference, env.Message), nil
	}

	result := VerificationResult{
		Reference:        reference,
		Status:           paystackStatus(tx.Status),
		Amount:           FromMinor(tx.Amount, tx.Currency),
		Currency:         strings.ToUpper(tx.Currency),
		GatewayReference: tx.Reference,
		PaymentMethod:    tx.Channel,
		Channel:          tx.Channel,
		CardType:         strings.TrimSpace(tx.Authorization.CardType),
		CardLast4:        tx.Authorization.Last4,
		Bank:             tx.Authorization.Bank,
		Message:          tx.GatewayResponse,
		PaidAt:           parseTime(tx.PaidAt),
		Raw:              raw,
	}
	if tx.ID != 0 {
		result.GatewayReference = decimal.NewFromInt(tx.ID).String()
	}
	if tx.Fees != nil {
		result.GatewayFee = FromMinor(*tx.Fees, tx.Currency)
	}
	return result, nil
}

func (p *Paystack) Refund(ctx context.Context, reference string, amount decimal.Decimal) (RefundResult, error) {
	body := map[string]interface{}{"transaction": reference}

	verification, err := p.Verify(ctx, reference)
	if err != nil {
		return RefundResult{}, err
	}
	if !verification.Success() {
		return failedRefund(reference, "no settled payment found for reference"), nil
	}
	if amount.IsPositive() {
		body["amount"] = ToMinor(amount, verification.Currency)
	}

	var env paystackEnvelope
	raw, err := p.client.do(ctx, "refund", http.MethodPost, "/refund", body, &env)
	if err != nil {
		if aerr, ok := asAPIError(err); ok {
			return failedRefund(reference, aerr.Message), nil
		}
		return RefundResult{}, err
	}

	var data struct {
		ID       int64  `json:"id"`
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || !env.Status {
		return failedRefund(reference, env.Message), nil
	}

	return RefundResult{
		Reference:       reference,
		RefundReference: decimal.NewFromInt(data.ID).String(),
		Status:          paystackRefundStatus(data.Status),
		Amount:          FromMinor(data.Amount, data.Currency),
		Currency:        strings.ToUpper(data.Currency),
		Message:         env.Message,
		Raw:             raw,
	}, nil
}

func (p *Paystack) ValidateWebhook(req *WebhookRequest) bool {
	if req == nil || len(req.Body) == 0 {
		return false
	}
	sig := req.Headers.Get(paystackSignatureHeader)
	if sig == "" {
		return false
	}
	given, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(p.cfg.SecretKey))
	mac.Write(req.Body)
	return hmac.Equal(given, mac.Sum(nil))
}

func (p *Paystack) ParseWebhook(req *WebhookRequest) (WebhookEvent, error) {
	var payload struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(req.Body, &payload); err != nil || payload.Event == "" {
		return WebhookEvent{}, newError(KindIntegrity, p.name, "parse_webhook", ErrMalformedPayload)
	}

	if strings.HasPrefix(strings.ToLower(payload.Event), "refund.") {
		return p.parseRefundWebhook(payload.Event, payload.Data, req.Body)
	}

	var tx paystackTransaction
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &tx); err != nil {
			return WebhookEvent{}, newError(KindIntegrity, p.name, "parse_webhook", ErrMalformedPayload)
		}
	}

	event := WebhookEvent{
		Type:       payload.Event,
		Reference:  tx.Reference,
		Status:     paystackStatus(tx.Status),
		Amount:     FromMinor(tx.Amount, tx.Currency),
		Currency:   strings.ToUpper(tx.Currency),
		PaidAt:     parseTime(tx.PaidAt),
		RawPayload: append(json.RawMessage(nil), req.Body...),
		Metadata: map[string]interface{}{
			"channel":          tx.Channel,
			"gateway_response": tx.GatewayResponse,
		},
	}
	if tx.ID != 0 {
		event.GatewayReference = decimal.NewFromInt(tx.ID).String()
	}
	if tx.Fees != nil {
		event.GatewayFee = FromMinor(*tx.Fees, tx.Currency)
	}
	if tx.Authorization.Last4 != "" {
		event.Metadata["card_last4"] = tx.Authorization.Last4
		event.Metadata["card_type"] = strings.TrimSpace(tx.Authorization.CardType)
		event.Metadata["bank"] = tx.Authorization.Bank
	}
	return event, nil
}

// paystackRefund is the data of refund.* events. The payment reference
// arrives as transaction_reference and amounts may be strings.
type paystackRefund struct {
	ID                   flexString `json:"id"`
	Status               string     `json:"status"`
	TransactionReference string     `json:"transaction_reference"`
	RefundReference      string     `json:"refund_reference"`
	Amount               flexString `json:"amount"`
	Currency             string     `json:"currency"`
}

func (p *Paystack) parseRefundWebhook(eventType string, data json.RawMessage, body []byte) (WebhookEvent, error) {
	var refund paystackRefund
	if err := json.Unmarshal(data, &refund); err != nil {
		return WebhookEvent{}, newError(KindIntegrity, p.name, "parse_webhook", ErrMalformedPayload)
	}

	status := refund.Status
	if status == "" {
		status = strings.TrimPrefix(strings.ToLower(eventType), "refund.")
	}
	event := WebhookEvent{
		Type:             eventType,
		Reference:        refund.TransactionReference,
		Status:           paystackRefundStatus(status),
		Currency:         strings.ToUpper(refund.Currency),
		GatewayReference: string(refund.ID),
		RawPayload:       append(json.RawMessage(nil), body...),
		Metadata:         map[string]interface{}{"refund_status": refund.Status},
	}
	if minor, err := decimal.NewFromString(string(refund.Amount)); err == nil {
		event.Amount = FromMinor(minor.IntPart(), refund.Currency)
	}
	if refund.RefundReference != "" {
		event.Metadata["refund_reference"] = refund.RefundReference
	}
	return event, nil
}

func paystackRefundStatus(status string) Status {
	switch strings.ToLower(status) {
	case "processed":
		return StatusSuccess
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func paystackStatus(status string) Status {
	switch strings.ToLower(status) {
	case "success":
		return StatusSuccess
	case "failed", "reversed":
		return StatusFailed
	default:
		return StatusPending
	}
}

// parseTime accepts the RFC 3339 variants providers send and returns nil
// for anything else.
func parseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
