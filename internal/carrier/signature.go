package carrier

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// VerifySignature validates a voice/SMS webhook's X-Carrier-Signature
// header against the HMAC-SHA1-over-URL-plus-sorted-params scheme this
// service's carrier uses: concatenate the full request URL with every
// POST form field appended as key+value, sorted alphabetically by key,
// then base64(HMAC-SHA1(payload, authToken)).
func VerifySignature(r *http.Request, authToken, publicURL string) bool {
	signature := r.Header.Get("X-Carrier-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}

	payload := buildSignaturePayload(publicURL, r.PostForm)
	expected := computeSignature(payload, authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func buildSignaturePayload(requestURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(requestURL)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(params.Get(k))
	}
	return sb.String()
}

func computeSignature(payload, authToken string) string {
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
