package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	nowPaymentsBaseURL         = "https://api.nowpayments.io"
	nowPaymentsSignatureHeader = "X-Nowpayments-Sig"
	defaultPayCurrency         = "btc"
)

// NOWPayments is the crypto gateway. Initiate returns a deposit address
// instead of a redirect, and payment state arrives through IPN callbacks.
type NOWPayments struct {
	name   string
	cfg    Config
	client *apiClient
	prefix string
}

func NewNOWPayments(name string, cfg Config) (*NOWPayments, error) {
	if err := requireCredentials(name, map[string]string{
		"secret_key":     cfg.SecretKey,
		"webhook_secret": cfg.WebhookSecret,
	}); err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = nowPaymentsBaseURL
	}
	apiKey := cfg.SecretKey

	return &NOWPayments{
		name: name,
		cfg:  cfg,
		client: newAPIClient(name, baseURL, cfg, func(r *http.Request) {
			r.Header.Set("x-api-key", apiKey)
		}),
		prefix: cfg.prefix("crypto"),
	}, nil
}

func (n *NOWPayments) Name() string { return n.name }

// flexString accepts ids the API sends either as strings or as numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type nowPayment struct {
	PaymentID        flexString  `json:"payment_id"`
	PaymentStatus    string      `json:"payment_status"`
	PayAddress       string      `json:"pay_address"`
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	PayAmount        json.Number `json:"pay_amount"`
	ActuallyPaid     json.Number `json:"actually_paid"`
	PayCurrency      string      `json:"pay_currency"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description"`
	PurchaseID       flexString  `json:"purchase_id"`
	OutcomeAmount    json.Number `json:"outcome_amount"`
	OutcomeCurrency  string      `json:"outcome_currency"`
	PayinHash        string      `json:"payin_hash"`
	CreatedAt        string      `json:"created_at"`
	UpdatedAt        string      `json:"updated_at"`
	ExpiresAt        string      `json:"expiration_estimate_date"`
}

func (p nowPayment) reference(prefix string) string {
	return prefix + "_" + p.OrderID + "_" + string(p.PaymentID)
}

func (n *NOWPayments) Initiate(ctx context.Context, req InitiateRequest) (InitiationResult, error) {
	payCurrency := strings.ToLower(req.PayCurrency)
	if payCurrency == "" {
		payCurrency = strings.ToLower(n.cfg.PayCurrency)
	}
	if payCurrency == "" {
		payCurrency = defaultPayCurrency
	}
	placeholder := NewReference(n.prefix, req.Order.OrderNumber)

	body := map[string]interface{}{
		"price_amount":      json.Number(req.Amount.String()),
		"price_currency":    strings.ToLower(req.Currency),
		"pay_currency":      payCurrency,
		"order_id":          req.Order.OrderNumber,
		"order_description": req.Order.Description,
	}
	if n.cfg.NotifyURL != "" {
		body["ipn_callback_url"] = n.cfg.NotifyURL
	}

	var payment nowPayment
	if _, err := n.client.do(ctx, "initiate", http.MethodPost, "/v1/payment", body, &payment); err != nil {
		if aerr, ok := asAPIError(err); ok {
			return FailedInitiation(placeholder, aerr.Message), nil
		}
		return InitiationResult{}, err
	}
	if payment.PaymentID == "" || payment.PayAddress == "" {
		return FailedInitiation(placeholder, "provider response carried no deposit address"), nil
	}
	if payment.OrderID == "" {
		payment.OrderID = req.Order.OrderNumber
	}

	payAmount := numberToDecimal(payment.PayAmount)
	coin := strings.ToLower(payment.PayCurrency)
	if coin == "" {
		coin = payCurrency
	}

	return NewCryptoResult(payment.reference(n.prefix), CryptoPayment{
		WalletAddress: payment.PayAddress,
		Amount:        payAmount,
		Currency:      strings.ToUpper(coin),
		QRPayload:     fmt.Sprintf("%s:%s?amount=%s", coin, payment.PayAddress, payAmount.String()),
		ExpiresAt:     parseTime(payment.ExpiresAt),
	}, map[string]interface{}{
		"payment_id":     string(payment.PaymentID),
		"payment_status": payment.PaymentStatus,
	})
}

func (n *NOWPayments) Verify(ctx context.Context, reference string) (VerificationResult, error) {
	id := paymentIDFromReference(reference)
	if id == "" {
		return failedVerification(reference, "reference carries no payment id"), nil
	}

	var payment nowPayment
	raw, err := n.client.do(ctx, "verify", http.MethodGet, "/v1/payment/"+url.PathEscape(id), nil, &payment)
	if err != nil {
		if aerr, ok := asAPIError(err); ok {
			return failedVerification(reference, aerr.Message), nil
		}
		return VerificationResult{}, err
	}

	result := VerificationResult{
		Reference:        reference,
		Status:           nowPaymentsStatus(payment.PaymentStatus),
		Amount:           numberToDecimal(payment.PriceAmount),
		Currency:         strings.ToUpper(payment.PriceCurrency),
		GatewayReference: string(payment.PaymentID),
		PaymentMethod:    "crypto",
		Channel:          strings.ToLower(payment.PayCurrency),
		Message:          payment.PaymentStatus,
		Raw:              raw,
	}
	if result.Success() {
		result.PaidAt = parseTime(payment.UpdatedAt)
	}
	return result, nil
}

func (n *NOWPayments) Refund(_ context.Context, reference string, _ decimal.Decimal) (RefundResult, error) {
	return failedRefund(reference, "refunds are not supported by this gateway"), nil
}

// Estimate converts amount in from to the crypto currency to.
func (n *NOWPayments) Estimate(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("amount", amount.String())
	q.Set("currency_from", strings.ToLower(from))
	q.Set("currency_to", strings.ToLower(to))

	var out struct {
		EstimatedAmount json.Number `json:"estimated_amount"`
	}
	if _, err := n.client.do(ctx, "estimate", http.MethodGet, "/v1/estimate?"+q.Encode(), nil, &out); err != nil {
		if aerr, ok := asAPIError(err); ok {
			return decimal.Zero, fmt.Errorf("estimate %s->%s: %s", from, to, aerr.Message)
		}
		return decimal.Zero, err
	}
	return numberToDecimal(out.EstimatedAmount), nil
}

func (n *NOWPayments) ValidateWebhook(req *WebhookRequest) bool {
	if req == nil || len(req.Body) == 0 {
		return false
	}
	sig := req.Headers.Get(nowPaymentsSignatureHeader)
	if sig == "" {
		return false
	}
	given, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	canonical, err := sortedJSON(req.Body)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(n.cfg.WebhookSecret))
	mac.Write(canonical)
	return hmac.Equal(given, mac.Sum(nil))
}

func (n *NOWPayments) ParseWebhook(req *WebhookRequest) (WebhookEvent, error) {
	var payment nowPayment
	if err := json.Unmarshal(req.Body, &payment); err != nil || payment.PaymentID == "" || payment.PaymentStatus == "" {
		return WebhookEvent{}, newError(KindIntegrity, n.name, "parse_webhook", ErrMalformedPayload)
	}

	status := strings.ToLower(payment.PaymentStatus)
	event := WebhookEvent{
		Type:             "payment." + status,
		Reference:        payment.reference(n.prefix),
		Status:           nowPaymentsStatus(status),
		Amount:           numberToDecimal(payment.PriceAmount),
		Currency:         strings.ToUpper(payment.PriceCurrency),
		GatewayReference: string(payment.PaymentID),
		RawPayload:       append(json.RawMessage(nil), req.Body...),
		Metadata: map[string]interface{}{
			"pay_currency":  strings.ToUpper(payment.PayCurrency),
			"pay_amount":    numberToDecimal(payment.PayAmount).String(),
			"actually_paid": numberToDecimal(payment.ActuallyPaid).String(),
			"pay_address":   payment.PayAddress,
		},
	}
	if payment.PayinHash != "" {
		event.Metadata["payin_hash"] = payment.PayinHash
	}
	if event.Status == StatusSuccess {
		event.PaidAt = parseTime(payment.UpdatedAt)
	}
	return event, nil
}

func nowPaymentsStatus(status string) Status {
	switch strings.ToLower(status) {
	case "finished":
		return StatusSuccess
	case "failed", "expired", "refunded":
		return StatusFailed
	default:
		return StatusPending
	}
}

func paymentIDFromReference(reference string) string {
	i := strings.LastIndex(reference, "_")
	if i < 0 || i == len(reference)-1 {
		return ""
	}
	return reference[i+1:]
}

// sortedJSON re-encodes body with object keys in lexical order, the form
// NOWPayments signs.
func sortedJSON(body []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var v interface{}
	if err := decoder.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
