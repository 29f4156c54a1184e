package ivr

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/shiftcascade/internal/records"
)

const testBaseURL = "https://example.com"
const testCarrierToken = "test-token"

// signForTest duplicates carrier.VerifySignature's HMAC-SHA1-over-URL-
// plus-sorted-POST-form scheme so these handler tests exercise the real
// verification path instead of bypassing it.
func signForTest(requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(requestURL)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(testCarrierToken))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedVoiceRequest(t *testing.T, path string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, testBaseURL+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", signForTest(testBaseURL+path, form))
	return req
}

func newWebhookHarness(t *testing.T) (*harness, *Webhooks) {
	t.Helper()
	h := newHarness(t)
	wh := NewWebhooks(h.engine, nil, testCarrierToken, testBaseURL, "wss://bridge.example.com/stream", nil)
	return h, wh
}

func TestVoice_ValidSignatureConnectsStream(t *testing.T) {
	_, wh := newWebhookHarness(t)
	form := url.Values{"CallSid": {"CAabc123"}}
	req := signedVoiceRequest(t, "/webhooks/ivr/voice", form)
	rec := httptest.NewRecorder()

	wh.Voice(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<Connect>")
	require.Contains(t, rec.Body.String(), "wss://bridge.example.com/stream")
}

func TestVoice_InvalidSignatureRejected(t *testing.T) {
	_, wh := newWebhookHarness(t)
	form := url.Values{"CallSid": {"CAabc123"}}
	req := httptest.NewRequest(http.MethodPost, testBaseURL+"/webhooks/ivr/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", "bogus")
	rec := httptest.NewRecorder()

	wh.Voice(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVoice_MissingCallSidIsBadRequest(t *testing.T) {
	_, wh := newWebhookHarness(t)
	form := url.Values{}
	req := signedVoiceRequest(t, "/webhooks/ivr/voice", form)
	rec := httptest.NewRecorder()

	wh.Voice(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInput_AdvancesPhaseAndReturnsJSON(t *testing.T) {
	h, wh := newWebhookHarness(t)
	h.addStaff("1234", []string{"prov-1"}, &records.Staff{ID: "staff-1", Name: "Alex"})

	ctx := context.Background()
	_, err := h.engine.Start(ctx, "CAcall9", "")
	require.NoError(t, err)

	body, _ := json.Marshal(inputRequest{CallSID: "CAcall9", Input: "1234"})
	req := httptest.NewRequest(http.MethodPost, testBaseURL+"/webhooks/ivr/input", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	wh.Input(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp inputResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 6, resp.NumDigits)
	require.False(t, resp.Done)
}

func TestInput_UnknownCallSidIsServerError(t *testing.T) {
	_, wh := newWebhookHarness(t)
	body, _ := json.Marshal(inputRequest{CallSID: "CAdoesnotexist", Input: "1234"})
	req := httptest.NewRequest(http.MethodPost, testBaseURL+"/webhooks/ivr/input", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	wh.Input(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestInput_MissingCallSidIsBadRequest(t *testing.T) {
	_, wh := newWebhookHarness(t)
	req := httptest.NewRequest(http.MethodPost, testBaseURL+"/webhooks/ivr/input", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	wh.Input(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
