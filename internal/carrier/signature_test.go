package carrier

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestVerifySignature_RoundTrip(t *testing.T) {
	authToken := "test-token"
	publicURL := "https://example.com/webhooks/voice"

	form := url.Values{
		"CallSid": {"CA123"},
		"From":    {"+15551234567"},
	}
	payload := buildSignaturePayload(publicURL, form)
	sig := computeSignature(payload, authToken)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", sig)

	if !VerifySignature(req, authToken, publicURL) {
		t.Fatal("expected signature to validate")
	}
}

func TestVerifySignature_Tampered(t *testing.T) {
	authToken := "test-token"
	publicURL := "https://example.com/webhooks/voice"

	form := url.Values{"CallSid": {"CA123"}}
	sig := computeSignature(buildSignaturePayload(publicURL, form), authToken)

	tampered := url.Values{"CallSid": {"CA999"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(tampered.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", sig)

	if VerifySignature(req, authToken, publicURL) {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestVerifySignature_MissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", nil)
	if VerifySignature(req, "token", "https://example.com/webhooks/voice") {
		t.Fatal("expected missing signature header to fail")
	}
}
