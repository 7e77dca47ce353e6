package gateway

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiationResultShapes(t *testing.T) {
	redirect, err := NewRedirectResult("card_ORD1_abc", "https://pay.example/abc", nil)
	require.NoError(t, err)
	inline, err := NewInlineResult("pstk_ORD1_abc", map[string]interface{}{"access_code": "ac_1"}, nil)
	require.NoError(t, err)
	crypto, err := NewCryptoResult("crypto_ORD1_55", CryptoPayment{
		WalletAddress: "bc1qxyz",
		Amount:        decimal.RequireFromString("0.0012"),
		Currency:      "BTC",
	}, nil)
	require.NoError(t, err)
	failed := FailedInitiation("card_ORD1_abc", "declined")

	tests := []struct {
		name     string
		result   InitiationResult
		success  bool
		redirect bool
		inline   bool
		crypto   bool
	}{
		{name: "redirect", result: redirect, success: true, redirect: true},
		{name: "inline", result: inline, success: true, inline: true},
		{name: "crypto", result: crypto, success: true, crypto: true},
		{name: "failed", result: failed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.success, tt.result.Success())
			assert.Equal(t, tt.redirect, tt.result.RequiresRedirect())
			assert.Equal(t, tt.inline, tt.result.IsInline())
			assert.Equal(t, tt.crypto, tt.result.IsCrypto())

			_, hasCrypto := tt.result.Crypto()
			assert.Equal(t, tt.crypto, hasCrypto)
		})
	}
}

func TestInitiationConstructorsRejectIncompleteShapes(t *testing.T) {
	_, err := NewRedirectResult("ref", "", nil)
	assert.Error(t, err)

	_, err = NewInlineResult("ref", nil, nil)
	assert.Error(t, err)

	_, err = NewCryptoResult("ref", CryptoPayment{WalletAddress: "addr", Currency: "BTC"}, nil)
	assert.Error(t, err, "zero amount")

	_, err = NewCryptoResult("", CryptoPayment{WalletAddress: "addr", Currency: "BTC", Amount: decimal.NewFromInt(1)}, nil)
	assert.Error(t, err, "missing reference")
}

func TestInitiationResultIsImmutable(t *testing.T) {
	payload := map[string]interface{}{"access_code": "ac_1"}
	result, err := NewInlineResult("ref", payload, nil)
	require.NoError(t, err)

	payload["access_code"] = "changed"
	got := result.InlinePayload()
	got["access_code"] = "changed again"

	assert.Equal(t, "ac_1", result.InlinePayload()["access_code"])
}

func TestInitiationResultJSON(t *testing.T) {
	result, err := NewRedirectResult("card_ORD1_abc", "https://pay.example/abc", map[string]interface{}{"session_id": "cs_1"})
	require.NoError(t, err)

	raw, err := json.Marshal(result)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "redirect", body["type"])
	assert.Equal(t, "https://pay.example/abc", body["redirect_url"])
	assert.NotContains(t, body, "inline")
	assert.NotContains(t, body, "crypto")

	raw, err = json.Marshal(FailedInitiation("ref", "declined"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"reference":"ref","type":"failed","message":"declined"}`, string(raw))
}

func TestSuccessFollowsStatus(t *testing.T) {
	for _, status := range []Status{StatusSuccess, StatusPending, StatusFailed} {
		v := VerificationResult{Status: status}
		r := RefundResult{Status: status}
		assert.Equal(t, status == StatusSuccess, v.Success(), "verification %s", status)
		assert.Equal(t, status == StatusSuccess, r.Success(), "refund %s", status)
	}
}
