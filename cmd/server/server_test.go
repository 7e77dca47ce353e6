package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paygate/internal/config"
	"paygate/internal/gateway"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:        "0",
		Environment: "test",
		PublicURL:   "http://localhost:8080",
		Storage:     "memory",
		RateLimit:   config.RateLimitConfig{RPS: 100, Burst: 100},
		Payments: config.PaymentsConfig{
			DefaultGateway: "paystack",
			Gateways: map[string]gateway.Config{
				"paystack": {Driver: "paystack", SecretKey: "sk_test", PublicKey: "pk_test"},
			},
			SupportedCurrencies: []string{"NGN"},
			Verification:        config.VerificationConfig{RetryCount: 1, Timeout: time.Second},
		},
	}
}

func TestSetupRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := newApp(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.close()
	router := setupRouter(a, zap.NewNop())

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{"health", http.MethodGet, "/health", http.StatusOK, "healthy"},
		{"ready", http.MethodGet, "/ready", http.StatusOK, "ready"},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "go_goroutines"},
		{"gateways", http.MethodGet, "/api/v1/gateways", http.StatusOK, `"paystack"`},
		{"unknown webhook gateway", http.MethodPost, "/webhooks/payment/bogus", http.StatusBadRequest, "unknown gateway"},
		{"unsigned webhook", http.MethodPost, "/webhooks/payment/paystack", http.StatusUnauthorized, "invalid signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{"event":"charge.success"}`)))

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestNewAppRequiresMongoForWebhookLogs(t *testing.T) {
	cfg := testConfig()
	cfg.Payments.LogWebhooks = true

	_, err := newApp(context.Background(), cfg, zap.NewNop())

	assert.ErrorContains(t, err, "mongo_uri")
}

func TestNewAppRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Payments.Gateways["paypal"] = gateway.Config{Driver: "paypal", SecretKey: "x"}

	_, err := newApp(context.Background(), cfg, zap.NewNop())

	assert.ErrorContains(t, err, "unknown driver")
}
