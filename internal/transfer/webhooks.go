package transfer

import (
	"net/http"

	"github.com/wolfman30/shiftcascade/internal/callsession"
	"github.com/wolfman30/shiftcascade/internal/carrier"
	"github.com/wolfman30/shiftcascade/internal/carrier/twiml"
)

// Webhooks serves the two carrier callbacks a redirected-to-operator
// call drives: the <Dial> document itself, and the post-dial outcome.
type Webhooks struct {
	bridge        *Bridge
	sessions      *callsession.Store
	carrierToken  string
	publicBaseURL string
}

// NewWebhooks builds a Webhooks.
func NewWebhooks(bridge *Bridge, sessions *callsession.Store, carrierToken, publicBaseURL string) *Webhooks {
	return &Webhooks{bridge: bridge, sessions: sessions, carrierToken: carrierToken, publicBaseURL: publicBaseURL}
}

func (h *Webhooks) verify(r *http.Request) bool {
	return carrier.VerifySignature(r, h.carrierToken, h.publicBaseURL+r.URL.RequestURI())
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(body))
}

// Dial serves the redirect Bridge.RequestTransfer pointed the live call
// at: a <Dial> of the operator number, preserving the caller's own
// number as caller ID so the operator sees who's calling.
func (h *Webhooks) Dial(w http.ResponseWriter, r *http.Request) {
	if !h.verify(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	actionURL := r.URL.Query().Get("action_url")
	callerNumber := r.PostForm.Get("From")
	writeXML(w, h.bridge.DialTwiML(actionURL, callerNumber))
}

// Complete serves the <Dial> action callback: the carrier reports
// whether the operator leg completed or never connected.
func (h *Webhooks) Complete(w http.ResponseWriter, r *http.Request) {
	if !h.verify(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	callSID := r.URL.Query().Get("call_sid")
	dialStatus := r.PostForm.Get("DialCallStatus")

	sess, err := h.sessions.Get(ctx, callSID)
	if err != nil {
		writeXML(w, twiml.SayAndHangup("Goodbye."))
		return
	}

	status, err := h.bridge.Complete(ctx, sess, dialStatus)
	if err != nil {
		writeXML(w, twiml.SayAndHangup("Sorry, something went wrong. Goodbye."))
		return
	}

	switch status {
	case StatusConnected:
		writeXML(w, twiml.Empty())
	default:
		writeXML(w, twiml.SayAndHangup("We're sorry, no one is available right now. Someone will call you back shortly. Goodbye."))
	}
}
