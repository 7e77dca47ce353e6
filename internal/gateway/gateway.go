// Package gateway defines the provider-neutral payment contract and one
// adapter per payment provider.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Adapter is implemented once per payment provider.
type Adapter interface {
	// Name is the configured gateway name, as used in webhook URLs.
	Name() string

	// Initiate starts a payment. Declines and provider-side validation
	// failures come back as a failed result; only configuration and
	// transient faults are returned as errors.
	Initiate(ctx context.Context, req InitiateRequest) (InitiationResult, error)

	// Verify queries the provider for the current state of a reference.
	// It has no side effects and may be called repeatedly.
	Verify(ctx context.Context, reference string) (VerificationResult, error)

	// Refund asks the provider to return amount for a settled reference.
	Refund(ctx context.Context, reference string, amount decimal.Decimal) (RefundResult, error)

	// ValidateWebhook checks the provider's authenticity signature. It
	// returns false for anything malformed.
	ValidateWebhook(req *WebhookRequest) bool

	// ParseWebhook maps the provider payload onto a WebhookEvent.
	ParseWebhook(req *WebhookRequest) (WebhookEvent, error)
}

// Estimator is implemented by gateways that can quote a conversion between
// the order currency and the currency the customer pays in.
type Estimator interface {
	Estimate(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// OrderContext is the slice of the order a provider needs to see.
type OrderContext struct {
	OrderNumber   string
	CustomerEmail string
	CustomerName  string
	Description   string
	Metadata      map[string]string
}

type InitiateRequest struct {
	Order       OrderContext
	Amount      decimal.Decimal
	Currency    string
	CallbackURL string
	// PayCurrency selects the coin for crypto gateways; others ignore it.
	PayCurrency string
}

// WebhookRequest is an inbound notification with its body already read.
type WebhookRequest struct {
	Headers http.Header
	Body    []byte
}

// Config is the per-gateway configuration block.
type Config struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	SecretKey       string        `mapstructure:"secret_key" yaml:"secret_key"`
	PublicKey       string        `mapstructure:"public_key" yaml:"public_key"`
	WebhookSecret   string        `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ReferencePrefix string        `mapstructure:"reference_prefix" yaml:"reference_prefix"`
	SuccessURL      string        `mapstructure:"success_url" yaml:"success_url"`
	CancelURL       string        `mapstructure:"cancel_url" yaml:"cancel_url"`
	NotifyURL       string        `mapstructure:"notify_url" yaml:"notify_url"`
	PayCurrency     string        `mapstructure:"pay_currency" yaml:"pay_currency"`
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

func (c Config) prefix(fallback string) string {
	if c.ReferencePrefix != "" {
		return c.ReferencePrefix
	}
	return fallback
}

// NewReference builds a {prefix}_{orderNumber}_{suffix} reference. The
// order number sits in the second segment; Reconciler falls back to it when
// no order carries the exact reference.
func NewReference(prefix, orderNumber string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return prefix + "_" + orderNumber + "_" + suffix
}

// OrderNumberFromReference returns the second "_"-separated segment.
// Order numbers that themselves contain "_" cannot be recovered this way.
func OrderNumberFromReference(reference string) (string, bool) {
	parts := strings.Split(reference, "_")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
