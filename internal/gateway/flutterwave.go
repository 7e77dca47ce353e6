package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	flutterwaveBaseURL    = "https://api.flutterwave.com/v3"
	flutterwaveHashHeader = "Verif-Hash"
)

// Flutterwave is the hosted-redirect gateway for African card and mobile
// money payments.
type Flutterwave struct {
	name   string
	cfg    Config
	client *apiClient
	prefix string
}

func NewFlutterwave(name string, cfg Config) (*Flutterwave, error) {
	if err := requireCredentials(name, map[string]string{
		"secret_key":     cfg.SecretKey,
		"webhook_secret": cfg.WebhookSecret,
	}); err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = flutterwaveBaseURL
	}
	secret := cfg.SecretKey

	return &Flutterwave{
		name: name,
		cfg:  cfg,
		client: newAPIClient(name, baseURL, cfg, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+secret)
		}),
		prefix: cfg.prefix("flw"),
	}, nil
}

func (f *Flutterwave) Name() string { return f.name }

type flutterwaveEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type flutterwaveTransaction struct {
	ID            int64       `json:"id"`
	TxRef         string      `json:"tx_ref"`
	FlwRef        string      `json:"flw_ref"`
	Amount        json.Number `json:"amount"`
	ChargedAmount json.Number `json:"charged_amount"`
	AppFee        json.Number `json:"app_fee"`
	Currency      string      `json:"currency"`
	Status        string      `json:"status"`
	PaymentType   string      `json:"payment_type"`
	ProcessorMsg  string      `json:"processor_response"`
	CreatedAt     string      `json:"created_at"`
	Card          *struct {
		Type       string `json:"type"`
		Last4      string `json:"last_4digits"`
		Issuer     string `json:"issuer"`
		Country    string `json:"country"`
		First6     string `json:"first_6digits"`
		ExpiryDate string `json:"expiry"`
	} `json:"card"`
}

func (f *Flutterwave) Initiate(ctx context.Context, req InitiateRequest) (InitiationResult, error) {
	reference := NewReference(f.prefix, req.Order.OrderNumber)

	redirect := req.CallbackURL
	if redirect == "" {
		redirect = f.cfg.SuccessURL
	}
	if redirect == "" {
		return InitiationResult{}, newError(KindConfiguration, f.name, "initiate", fmt.Errorf("no success or callback URL configured"))
	}

	meta := map[string]string{"order_number": req.Order.OrderNumber}
	for k, v := range req.Order.Metadata {
		meta[k] = v
	}

	body := map[string]interface{}{
		"tx_ref":       reference,
		"amount":       json.Number(req.Amount.StringFixed(minorExponent(req.Currency))),
		"currency":     strings.ToUpper(req.Currency),
		"redirect_url": redirect,
		"customer": map[string]string{
			"email": req.Order.CustomerEmail,
			"name":  req.Order.CustomerName,
		},
		"meta": meta,
	}
	if req.Order.Description != "" {
		body["customizations"] = map[string]string{"description": req.Order.Description}
	}

	var env flutterwaveEnvelope
	if _, err := f.client.do(ctx, "initiate", http.MethodPost, "/payments", body, &env); err != nil {
		if aerr, ok := asAPIError(err); ok {
			return FailedInitiation(reference, aerr.Message), nil
		}
		return InitiationResult{}, err
	}
	if env.Status != "success" {
		return FailedInitiation(reference, env.Message), nil
	}

	var data struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Link == "" {
		return FailedInitiation(reference, "provider response carried no payment link"), nil
	}

	return NewRedirectResult(reference, data.Link, nil)
}

func (f *Flutterwave) Verify(ctx context.Context, reference string) (VerificationResult, error) {
	tx, raw, message, err := f.lookup(ctx, "verify", reference)
	if err != nil {
		return VerificationResult{}, err
	}
	if tx == nil {
		return failedVerification(reference, message), nil
	}

	result := VerificationResult{
		Reference:        reference,
		Status:           flutterwaveStatus(tx.Status),
		Amount:           numberToDecimal(tx.Amount),
		Currency:         strings.ToUpper(tx.Currency),
		GatewayReference: fmt.Sprintf("%d", tx.ID),
		PaymentMethod:    tx.PaymentType,
		Channel:          tx.PaymentType,
		GatewayFee:       numberToDecimal(tx.AppFee),
		Message:          tx.ProcessorMsg,
		Raw:              raw,
	}
	if result.Success() {
		result.PaidAt = parseTime(tx.CreatedAt)
	}
	if tx.Card != nil {
		result.CardType = tx.Card.Type
		result.CardLast4 = tx.Card.Last4
		result.Bank = tx.Card.Issuer
	}
	return result, nil
}

func (f *Flutterwave) Refund(ctx context.Context, reference string, amount decimal.Decimal) (RefundResult, error) {
	tx, _, message, err := f.lookup(ctx, "refund", reference)
	if err != nil {
		return RefundResult{}, err
	}
	if tx == nil {
		return failedRefund(reference, message), nil
	}
	if flutterwaveStatus(tx.Status) != StatusSuccess {
		return failedRefund(reference, "no settled payment found for reference"), nil
	}

	body := map[string]interface{}{}
	if amount.IsPositive() {
		body["amount"] = json.Number(amount.StringFixed(minorExponent(tx.Currency)))
	}

	var env flutterwaveEnvelope
	raw, err := f.client.do(ctx, "refund", http.MethodPost, fmt.Sprintf("/transactions/%d/refund", tx.ID), body, &env)
	if err != nil {
		if aerr, ok := asAPIError(err); ok {
			return failedRefund(reference, aerr.Message), nil
		}
		return RefundResult{}, err
	}
	if env.Status != "success" {
		return failedRefund(reference, env.Message), nil
	}

	var data struct {
		ID             int64       `json:"id"`
		AmountRefunded json.Number `json:"amount_refunded"`
		Status         string      `json:"status"`
	}
	_ = json.Unmarshal(env.Data, &data)

	status := StatusPending
	switch strings.ToLower(data.Status) {
	case "completed", "successful":
		status = StatusSuccess
	case "failed":
		status = StatusFailed
	}

	refunded := numberToDecimal(data.AmountRefunded)
	if refunded.IsZero() {
		refunded = amount
	}
	return RefundResult{
		Reference:       reference,
		RefundReference: fmt.Sprintf("%d", data.ID),
		Status:          status,
		Amount:          refunded,
		Currency:        strings.ToUpper(tx.Currency),
		Message:         env.Message,
		Raw:             raw,
	}, nil
}

// lookup fetches a transaction by tx_ref. A nil transaction with a message
// means the provider answered but knows no such payment.
func (f *Flutterwave) lookup(ctx context.Context, op, reference string) (*flutterwaveTransaction, json.RawMessage, string, error) {
	var env flutterwaveEnvelope
	path := "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	raw, err := f.client.do(ctx, op, http.MethodGet, path, nil, &env)
	if err != nil {
		if aerr, ok := asAPIError(err); ok {
			return nil, raw, aerr.Message, nil
		}
		return nil, nil, "", err
	}
	if env.Status != "success" {
		return nil, raw, env.Message, nil
	}

	var tx flutterwaveTransaction
	if err := json.Unmarshal(env.Data, &tx); err != nil {
		return nil, raw, "unreadable transaction payload", nil
	}
	return &tx, raw, "", nil
}

func (f *Flutterwave) ValidateWebhook(req *WebhookRequest) bool {
	if req == nil || len(req.Body) == 0 {
		return false
	}
	hash := req.Headers.Get(flutterwaveHashHeader)
	if hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(f.cfg.WebhookSecret)) == 1
}

func (f *Flutterwave) ParseWebhook(req *WebhookRequest) (WebhookEvent, error) {
	var payload struct {
		Event     string          `json:"event"`
		EventType string          `json:"event.type"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(req.Body, &payload); err != nil || payload.Event == "" {
		return WebhookEvent{}, newError(KindIntegrity, f.name, "parse_webhook", ErrMalformedPayload)
	}

	var tx flutterwaveTransaction
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &tx); err != nil {
			return WebhookEvent{}, newError(KindIntegrity, f.name, "parse_webhook", ErrMalformedPayload)
		}
	}

	event := WebhookEvent{
		Type:       payload.Event,
		Reference:  tx.TxRef,
		Status:     flutterwaveStatus(tx.Status),
		Amount:     numberToDecimal(tx.Amount),
		Currency:   strings.ToUpper(tx.Currency),
		GatewayFee: numberToDecimal(tx.AppFee),
		RawPayload: append(json.RawMessage(nil), req.Body...),
		Metadata: map[string]interface{}{
			"flw_ref":      tx.FlwRef,
			"payment_type": tx.PaymentType,
		},
	}
	if tx.ID != 0 {
		event.GatewayReference = fmt.Sprintf("%d", tx.ID)
	}
	if payload.EventType != "" {
		event.Metadata["event_type"] = payload.EventType
	}
	if event.IsRefund() {
		var refund struct {
			AmountRefunded json.Number `json:"AmountRefunded"`
			TransactionID  flexString  `json:"TransactionId"`
		}
		if err := json.Unmarshal(payload.Data, &refund); err == nil {
			if refund.AmountRefunded != "" {
				event.Amount = numberToDecimal(refund.AmountRefunded)
			}
			if refund.TransactionID != "" {
				event.Metadata["transaction_id"] = string(refund.TransactionID)
			}
		}
	}
	if event.Status == StatusSuccess {
		event.PaidAt = parseTime(tx.CreatedAt)
	}

	// Flutterwave reports declines as charge.completed with a failed
	// status; surface them as charge.failed so they reconcile as failures.
	if strings.EqualFold(payload.Event, "charge.completed") && event.Status == StatusFailed {
		event.Metadata["provider_event"] = payload.Event
		event.Type = "charge.failed"
	}
	return event, nil
}

func flutterwaveStatus(status string) Status {
	switch strings.ToLower(status) {
	case "successful", "success", "completed":
		return StatusSuccess
	case "failed", "cancelled", "canceled":
		return StatusFailed
	default:
		return StatusPending
	}
}

func numberToDecimal(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}
