//go:build e2e
// +build e2e

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// These run against a live server, e.g. `paygate serve` with storage=memory.
func e2eBaseURL() string {
	if u := os.Getenv("PAYGATE_E2E_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func TestCheckoutUnknownOrderE2E(t *testing.T) {
	payload := map[string]interface{}{
		"order_number": "e2e-missing-" + time.Now().Format("20060102150405"),
	}
	jsonData, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, e2eBaseURL()+"/api/v1/payments", bytes.NewBuffer(jsonData))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "e2e-"+time.Now().Format("20060102150405"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to call checkout: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result["error"] == nil {
		t.Error("Error message is missing")
	}
}

func TestWebhookRejectionsE2E(t *testing.T) {
	tests := []struct {
		path string
		want int
		body string
	}{
		{"/webhooks/payment/does-not-exist", http.StatusBadRequest, "unknown gateway"},
		{"/webhooks/payment/paystack", http.StatusUnauthorized, "invalid signature"},
	}

	for _, tt := range tests {
		resp, err := http.Post(e2eBaseURL()+tt.path, "application/json", bytes.NewBufferString(`{"event":"charge.success","data":{}}`))
		if err != nil {
			t.Fatalf("Failed to post webhook: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != tt.want {
			t.Errorf("%s: expected status %d, got %d", tt.path, tt.want, resp.StatusCode)
		}
		if string(body) != tt.body {
			t.Errorf("%s: expected body %q, got %q", tt.path, tt.body, body)
		}
	}
}
