package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYGATE_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	if cfg.Port != "8080" {
		t.Errorf("Expected port '8080', got '%s'", cfg.Port)
	}
	assert.Equal(t, "paystack", cfg.Payments.DefaultGateway)
	assert.Equal(t, 3, cfg.Payments.Verification.RetryCount)
	assert.Equal(t, 10*time.Second, cfg.Payments.Verification.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Payments.IdempotencyTTL)
	assert.True(t, cfg.Payments.VerifyOnCallback)
	assert.Contains(t, cfg.Payments.SupportedCurrencies, "NGN")
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paygate.yaml")
	content := `
port: "9090"
storage: memory
payments:
  default_gateway: Card
  supported_currencies: [usd, ngn]
  log_webhooks: true
  verification:
    retry_count: 5
    timeout: 2s
  gateways:
    card:
      driver: stripe
      webhook_secret: whsec_file
      timeout: 15s
      reference_prefix: card
    crypto:
      driver: nowpayments
      pay_currency: usdttrc20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("STRIPE_SECRET_KEY", "sk_env")
	t.Setenv("PAYGATE_KAFKA_TOPIC", "payments.test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port, "environment wins over file")
	assert.Equal(t, "memory", cfg.Storage)
	assert.Equal(t, "payments.test", cfg.KafkaTopic)
	assert.Equal(t, "card", cfg.Payments.DefaultGateway)
	assert.Equal(t, []string{"USD", "NGN"}, cfg.Payments.SupportedCurrencies)
	assert.True(t, cfg.Payments.LogWebhooks)
	assert.Equal(t, 5, cfg.Payments.Verification.RetryCount)
	assert.Equal(t, 2*time.Second, cfg.Payments.Verification.Timeout)

	card := cfg.Payments.Gateways["card"]
	assert.Equal(t, "stripe", card.Driver)
	assert.Equal(t, "whsec_file", card.WebhookSecret)
	assert.Equal(t, 15*time.Second, card.Timeout)

	assert.Equal(t, "sk_env", cfg.Payments.Gateways["stripe"].SecretKey)
	assert.Equal(t, "usdttrc20", cfg.Payments.Gateways["crypto"].PayCurrency)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage = "sqlite" }, wantErr: true},
		{name: "no currencies", mutate: func(c *Config) { c.Payments.SupportedCurrencies = nil }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Payments.Verification.RetryCount = -1 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Payments.Verification.Timeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Port:    "8080",
				Storage: "postgres",
				Payments: PaymentsConfig{
					SupportedCurrencies: []string{"USD"},
					Verification:        VerificationConfig{RetryCount: 1, Timeout: time.Second},
				},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCallbackURL(t *testing.T) {
	cfg := &Config{PublicURL: "https://pay.example.com/"}
	assert.Equal(t, "https://pay.example.com/api/v1/payments/callback/paystack", cfg.CallbackURL("paystack"))
}
