package ivr

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/wolfman30/shiftcascade/internal/carrier"
	"github.com/wolfman30/shiftcascade/internal/carrier/twiml"
	"github.com/wolfman30/shiftcascade/internal/transfer"
	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// Webhooks serves the carrier-facing Voice entry point and the Voice
// Bridge's own JSON digit-in/prompt-out callback.
type Webhooks struct {
	engine        *Engine
	transfer      *transfer.Bridge
	carrierToken  string
	publicBaseURL string
	streamURL     string
	logger        *logging.Logger
}

// NewWebhooks builds a Webhooks. streamURL is the wss:// media-stream
// endpoint (internal/audio.Server) the carrier connects to for this
// call's audio leg; it carries no per-call state of its own, since the
// Voice Bridge resolves the call's session itself from the stream's
// start event. bridge may be nil in tests that never exercise a
// transfer result.
func NewWebhooks(engine *Engine, bridge *transfer.Bridge, carrierToken, publicBaseURL, streamURL string, logger *logging.Logger) *Webhooks {
	if logger == nil {
		logger = logging.Default()
	}
	return &Webhooks{engine: engine, transfer: bridge, carrierToken: carrierToken, publicBaseURL: publicBaseURL, streamURL: streamURL, logger: logger}
}

func (h *Webhooks) verify(r *http.Request) bool {
	return carrier.VerifySignature(r, h.carrierToken, h.publicBaseURL+r.URL.RequestURI())
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(body))
}

// Voice serves the carrier's inbound-call webhook (spec.md §6): it hands
// the call straight to the Voice Bridge over a bidirectional media
// stream, since TTS and DTMF capture for the whole IVR dialog live on
// that side of the interface boundary, not in TwiML gathers.
func (h *Webhooks) Voice(w http.ResponseWriter, r *http.Request) {
	if !h.verify(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	callSID := r.PostForm.Get("CallSid")
	if callSID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := h.engine.Start(ctx, callSID, ""); err != nil {
		h.logger.Error("ivr: start call failed", "error", err, "call_sid", callSID)
		writeXML(w, twiml.SayAndHangup("Sorry, we're unable to take your call right now."))
		return
	}
	writeXML(w, twiml.ConnectStream(h.streamURL, "both_tracks"))
}

// inputRequest is what the Voice Bridge posts once it has recognized a
// DTMF sequence or speech utterance for the call's current phase.
type inputRequest struct {
	CallSID string `json:"call_sid"`
	Input   string `json:"input"`
}

// inputResponse mirrors Result as JSON for the bridge to act on: what to
// say next, how many digits (if any) to collect, and whether to tear
// the call down or connect it to a human representative.
type inputResponse struct {
	Prompt    string `json:"prompt"`
	NumDigits int    `json:"num_digits"`
	Done      bool   `json:"done"`
	Transfer  bool   `json:"transfer"`
}

// Input serves the Voice Bridge's digit-in/prompt-out callback. Unlike
// Voice and the rest of this service's carrier webhooks, it is not
// carrier-signed: the bridge is a trusted internal collaborator reached
// over a private network, not the public carrier endpoint.
func (h *Webhooks) Input(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallSID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	result, err := h.engine.HandleInput(ctx, req.CallSID, req.Input)
	if err != nil {
		h.logger.Error("ivr: handle input failed", "error", err, "call_sid", req.CallSID)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if result.Transfer && h.transfer != nil {
		h.requestTransfer(ctx, req.CallSID)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inputResponse{
		Prompt:    result.Prompt,
		NumDigits: result.NumDigits,
		Done:      result.Done,
		Transfer:  result.Transfer,
	})
}

// requestTransfer hands the call to the human operator. Input calls it
// before writing the JSON response; failures are only logged, so the
// bridge still receives its Transfer result, since the carrier call is
// about to be seized out from under the media stream it's currently
// connected to.
func (h *Webhooks) requestTransfer(ctx context.Context, callSID string) {
	sess, err := h.engine.Session(ctx, callSID)
	if err != nil {
		h.logger.Error("ivr: load session for transfer failed", "error", err, "call_sid", callSID)
		return
	}
	if err := h.transfer.RequestTransfer(ctx, sess, ""); err != nil {
		h.logger.Error("ivr: request transfer failed", "error", err, "call_sid", callSID)
	}
}
