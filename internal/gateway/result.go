package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the provider-neutral payment or refund state.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

var errInvalidResult = errors.New("invalid initiation result")

type initiationKind uint8

const (
	kindFailed initiationKind = iota
	kindRedirect
	kindInline
	kindCrypto
)

// CryptoPayment is what a customer needs to pay a crypto invoice.
type CryptoPayment struct {
	WalletAddress string          `json:"wallet_address"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	QRPayload     string          `json:"qr_payload,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// InitiationResult is the outcome of starting a payment. A successful
// result carries exactly one of a redirect URL, an inline payload or a
// crypto payment; build it with the New*Result constructors.
type InitiationResult struct {
	kind        initiationKind
	reference   string
	redirectURL string
	inline      map[string]interface{}
	crypto      *CryptoPayment
	message     string
	metadata    map[string]interface{}
}

// NewRedirectResult is a success that sends the customer to redirectURL.
func NewRedirectResult(reference, redirectURL string, metadata map[string]interface{}) (InitiationResult, error) {
	if reference == "" || redirectURL == "" {
		return InitiationResult{}, errInvalidResult
	}
	return InitiationResult{
		kind:        kindRedirect,
		reference:   reference,
		redirectURL: redirectURL,
		metadata:    cloneMap(metadata),
	}, nil
}

// NewInlineResult is a success completed by an on-page widget using payload.
func NewInlineResult(reference string, payload, metadata map[string]interface{}) (InitiationResult, error) {
	if reference == "" || len(payload) == 0 {
		return InitiationResult{}, errInvalidResult
	}
	return InitiationResult{
		kind:      kindInline,
		reference: reference,
		inline:    cloneMap(payload),
		metadata:  cloneMap(metadata),
	}, nil
}

// NewCryptoResult is a success paid by transfer to a wallet address.
func NewCryptoResult(reference string, payment CryptoPayment, metadata map[string]interface{}) (InitiationResult, error) {
	if reference == "" || payment.WalletAddress == "" || !payment.Amount.IsPositive() || payment.Currency == "" {
		return InitiationResult{}, errInvalidResult
	}
	return InitiationResult{
		kind:      kindCrypto,
		reference: reference,
		crypto:    &payment,
		metadata:  cloneMap(metadata),
	}, nil
}

// FailedInitiation records a business failure. reference may be empty when
// the provider never assigned one.
func FailedInitiation(reference, message string) InitiationResult {
	return InitiationResult{kind: kindFailed, reference: reference, message: message}
}

func (r InitiationResult) Success() bool          { return r.kind != kindFailed }
func (r InitiationResult) Reference() string      { return r.reference }
func (r InitiationResult) Message() string        { return r.message }
func (r InitiationResult) RequiresRedirect() bool { return r.kind == kindRedirect }
func (r InitiationResult) IsInline() bool         { return r.kind == kindInline }
func (r InitiationResult) IsCrypto() bool         { return r.kind == kindCrypto }
func (r InitiationResult) RedirectURL() string    { return r.redirectURL }

func (r InitiationResult) InlinePayload() map[string]interface{} { return cloneMap(r.inline) }
func (r InitiationResult) Metadata() map[string]interface{}      { return cloneMap(r.metadata) }

// Crypto returns the crypto payment details; ok is false for other shapes.
func (r InitiationResult) Crypto() (CryptoPayment, bool) {
	if r.crypto == nil {
		return CryptoPayment{}, false
	}
	return *r.crypto, true
}

type initiationWire struct {
	Success     bool                   `json:"success"`
	Reference   string                 `json:"reference,omitempty"`
	Type        string                 `json:"type"`
	RedirectURL string                 `json:"redirect_url,omitempty"`
	Inline      map[string]interface{} `json:"inline,omitempty"`
	Crypto      *CryptoPayment         `json:"crypto,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (r InitiationResult) MarshalJSON() ([]byte, error) {
	w := initiationWire{
		Success:     r.Success(),
		Reference:   r.reference,
		RedirectURL: r.redirectURL,
		Inline:      r.inline,
		Crypto:      r.crypto,
		Message:     r.message,
		Metadata:    r.metadata,
	}
	switch r.kind {
	case kindRedirect:
		w.Type = "redirect"
	case kindInline:
		w.Type = "inline"
	case kindCrypto:
		w.Type = "crypto"
	default:
		w.Type = "failed"
	}
	return json.Marshal(w)
}

// VerificationResult is a provider's answer to "what happened to this
// reference". Success is derived from Status.
type VerificationResult struct {
	Reference        string          `json:"reference"`
	Status           Status          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency,omitempty"`
	GatewayReference string          `json:"gateway_reference,omitempty"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
	Channel          string          `json:"channel,omitempty"`
	CardType         string          `json:"card_type,omitempty"`
	CardLast4        string          `json:"card_last4,omitempty"`
	Bank             string          `json:"bank,omitempty"`
	GatewayFee       decimal.Decimal `json:"gateway_fee"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	Message          string          `json:"message,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

func (v VerificationResult) Success() bool { return v.Status == StatusSuccess }

// RefundResult mirrors VerificationResult for refunds. RefundReference is
// the provider's id for the refund, not the original payment reference.
type RefundResult struct {
	Reference       string          `json:"reference"`
	RefundReference string          `json:"refund_reference,omitempty"`
	Status          Status          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency,omitempty"`
	Message         string          `json:"message,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

func (r RefundResult) Success() bool { return r.Status == StatusSuccess }

func failedRefund(reference, message string) RefundResult {
	return RefundResult{Reference: reference, Status: StatusFailed, Message: message}
}

func failedVerification(reference, message string) VerificationResult {
	return VerificationResult{Reference: reference, Status: StatusFailed, Message: message}
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
