package outbound

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/shiftcascade/internal/records"
)

const testCarrierToken = "test-carrier-token"

// signedRequest builds a POST request whose X-Carrier-Signature matches
// carrier.VerifySignature's HMAC-SHA1-over-URL-plus-sorted-form scheme,
// so handler tests exercise the real verification path rather than
// bypassing it.
func signedRequest(t *testing.T, method, rawURL string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, rawURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", signForTest(testHarnessBaseURL+req.URL.RequestURI(), form))
	return req
}

const testHarnessBaseURL = "https://example.com"

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

func newWebhookHarness(t *testing.T, occs ...*records.Occurrence) (*Webhooks, *testHarness) {
	t.Helper()
	h := newHarness(t, occs...)
	h.worker.publicBaseURL = testHarnessBaseURL
	return NewWebhooks(h.worker, testCarrierToken, nil), h
}

func TestAnswer_ValidSignatureRendersGatherWithPrompt(t *testing.T) {
	webhooks, h := newWebhookHarness(t, baseOccurrence())
	require.NoError(t, h.redis.Set(context.Background(), callPromptKey("CA1"), "Press 1 to accept.", time.Minute).Err())

	form := url.Values{"CallSid": {"CA1"}}
	req := signedRequest(t, http.MethodPost, "/webhooks/outbound/answer?occurrenceId=occ-1&employeeId=staff-1&round=1", form)
	rec := httptest.NewRecorder()

	webhooks.Answer(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Press 1 to accept.")
	require.Contains(t, rec.Body.String(), "<Gather")
}

func TestAnswer_InvalidSignatureRejected(t *testing.T) {
	webhooks, _ := newWebhookHarness(t, baseOccurrence())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/outbound/answer?occurrenceId=occ-1&employeeId=staff-1&round=1", strings.NewReader("CallSid=CA1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", "bogus")
	rec := httptest.NewRecorder()

	webhooks.Answer(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAnswer_FallsBackToRenderWhenPromptPointerMissing(t *testing.T) {
	webhooks, _ := newWebhookHarness(t, baseOccurrence())
	form := url.Values{"CallSid": {"CA-unseen"}}
	req := signedRequest(t, http.MethodPost, "/webhooks/outbound/answer?occurrenceId=occ-1&employeeId=staff-1&round=1", form)
	rec := httptest.NewRecorder()

	webhooks.Answer(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Press 1")
}

func TestResponse_AcceptWinsAssignsShift(t *testing.T) {
	webhooks, h := newWebhookHarness(t, baseOccurrence())
	form := url.Values{"CallSid": {"CA1"}, "Digits": {"1"}}
	req := signedRequest(t, http.MethodPost, "/webhooks/outbound/response?occurrenceId=occ-1&employeeId=staff-1&round=1", form)
	rec := httptest.NewRecorder()

	webhooks.Response(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "confirmed")

	occ, err := h.occStore.Get(context.Background(), "occ-1")
	require.NoError(t, err)
	require.Equal(t, records.StatusFilled, occ.Status)
	require.Equal(t, "staff-1", occ.AssignedStaffID)

	require.Len(t, h.callLogs.entries, 1)
	require.Equal(t, records.OutcomeAccepted, h.callLogs.entries[0].Outcome)
}

func TestResponse_ClosedOccurrenceRejectsAccept(t *testing.T) {
	occ := baseOccurrence()
	occ.Status = records.StatusFilled
	occ.AssignedStaffID = "staff-2"
	webhooks, _ := newWebhookHarness(t, occ)

	form := url.Values{"CallSid": {"CA1"}, "Digits": {"1"}}
	req := signedRequest(t, http.MethodPost, "/webhooks/outbound/response?occurrenceId=occ-1&employeeId=staff-1&round=1", form)
	rec := httptest.NewRecorder()

	webhooks.Response(rec, req)
	require.Contains(t, rec.Body.String(), "something went wrong")
}

func TestResponse_ConcurrentAcceptsOnlyOneWins(t *testing.T) {
	webhooks, _ := newWebhookHarness(t, baseOccurrence())

	bodies := make([]string, 2)
	staffIDs := []string{"staff-1", "staff-2"}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			form := url.Values{"CallSid": {"CA" + staffIDs[i]}, "Digits": {"1"}}
			req := signedRequest(t, http.MethodPost, "/webhooks/outbound/response?occurrenceId=occ-1&employeeId="+staffIDs[i]+"&round=1", form)
			rec := httptest.NewRecorder()
			webhooks.Response(rec, req)
			bodies[i] = rec.Body.String()
		}(i)
	}
	wg.Wait()

	confirmed, taken := 0, 0
	for _, b := range bodies {
		if strings.Contains(b, "confirmed") {
			confirmed++
		}
		if strings.Contains(b, "already been taken") {
			taken++
		}
	}
	require.Equal(t, 1, confirmed)
	require.Equal(t, 1, taken)
}

func TestResponse_DeclineAdvancesCascade(t *testing.T) {
	webhooks, h := newWebhookHarness(t, baseOccurrence())
	form := url.Values{"CallSid": {"CA1"}, "Digits": {"2"}}
	req := signedRequest(t, http.MethodPost, "/webhooks/outbound/response?occurrenceId=occ-1&employeeId=staff-1&round=1", form)
	rec := httptest.NewRecorder()

	webhooks.Response(rec, req)

	require.Contains(t, rec.Body.String(), "No problem")
	require.Len(t, h.callLogs.entries, 1)
	require.Equal(t, records.OutcomeDeclined, h.callLogs.entries[0].Outcome)
	require.Len(t, h.dispatcher.jobs, 0) // enqueued in the delay index only; nothing here runs dispatchDue
}

func TestResponse_InvalidDigitReprompsOnce(t *testing.T) {
	webhooks, _ := newWebhookHarness(t, baseOccurrence())
	form := url.Values{"CallSid": {"CA1"}, "Digits": {"9"}}
	req := signedRequest(t, http.MethodPost, "/webhooks/outbound/response?occurrenceId=occ-1&employeeId=staff-1&round=1", form)
	rec := httptest.NewRecorder()

	webhooks.Response(rec, req)
	require.Contains(t, rec.Body.String(), "didn't catch that")
	require.Contains(t, rec.Body.String(), "<Gather")
}

func TestResponse_SecondInvalidDigitTreatedAsNoAnswer(t *testing.T) {
	webhooks, h := newWebhookHarness(t, baseOccurrence())

	first := signedRequest(t, http.MethodPost, "/webhooks/outbound/response?occurrenceId=occ-1&employeeId=staff-1&round=1", url.Values{"CallSid": {"CA1"}, "Digits": {"9"}})
	webhooks.Response(httptest.NewRecorder(), first)

	second := signedRequest(t, http.MethodPost, "/webhooks/outbound/response?occurrenceId=occ-1&employeeId=staff-1&round=1", url.Values{"CallSid": {"CA1"}, "Digits": {"9"}})
	rec := httptest.NewRecorder()
	webhooks.Response(rec, second)

	require.Contains(t, rec.Body.String(), "didn't get a valid response")
	require.Len(t, h.callLogs.entries, 1)
	require.Equal(t, records.OutcomeNoAnswer, h.callLogs.entries[0].Outcome)
}

func TestStatus_NoAnswerAdvancesCascade(t *testing.T) {
	webhooks, h := newWebhookHarness(t, baseOccurrence())
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"no-answer"}}
	req := signedRequest(t, http.MethodPost, "/webhooks/outbound/status?occurrenceId=occ-1&employeeId=staff-1&round=1", form)
	rec := httptest.NewRecorder()

	webhooks.Status(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, h.callLogs.entries, 1)
	require.Equal(t, records.OutcomeNoAnswer, h.callLogs.entries[0].Outcome)
}

func TestStatus_CompletedIsNoOp(t *testing.T) {
	webhooks, h := newWebhookHarness(t, baseOccurrence())
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	req := signedRequest(t, http.MethodPost, "/webhooks/outbound/status?occurrenceId=occ-1&employeeId=staff-1&round=1", form)
	rec := httptest.NewRecorder()

	webhooks.Status(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, h.callLogs.entries)
}

func TestNextStaffIdxFromPool_ResolvesIndex(t *testing.T) {
	occ := baseOccurrence()
	h := newHarness(t, occ)

	idx := nextStaffIdxFromPool(context.Background(), h.worker, "occ-1", "staff-2")
	require.Equal(t, 1, idx)
}
