package audio

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/shiftcascade/internal/callsession"
	"github.com/wolfman30/shiftcascade/internal/records"
	"github.com/wolfman30/shiftcascade/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The Voice Bridge is a trusted internal collaborator, not a browser
	// client; origin checking is meaningless for a server-to-server
	// media stream, so every origin is accepted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades the Voice Bridge's media-stream connection named in
// the <Connect><Stream> TwiML and feeds decoded chunks into Pipeline.
type Server struct {
	pipeline *Pipeline
	sessions *callsession.Store
	callLogs records.CallLogWriter
	logger   *logging.Logger
}

// NewServer builds a Server.
func NewServer(pipeline *Pipeline, sessions *callsession.Store, callLogs records.CallLogWriter, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{pipeline: pipeline, sessions: sessions, callLogs: callLogs, logger: logger}
}

// ServeHTTP implements the media-stream WebSocket endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("audio: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The WebSocket outlives the HTTP request it was upgraded from, so
	// close-time work (durable append, upload, call-log write) uses a
	// detached background context rather than r.Context(), which is
	// cancelled the instant ServeHTTP returns.
	closeCtx := context.Background()

	var callSID, rootCallSID string
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("audio: websocket read error", "error", err, "call_sid", callSID)
			}
			break
		}

		switch frame.Event {
		case "start":
			if frame.Start != nil {
				callSID = frame.Start.CallSID
				rootCallSID = frame.Start.RootCallSID
				if rootCallSID == "" {
					rootCallSID = callSID
				}
			}
		case "media":
			if frame.Media == nil || callSID == "" {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				continue
			}
			s.pipeline.Append(callSID, frame.Media.Track, chunk)
		case "stop":
			s.closeCall(closeCtx, callSID, rootCallSID)
			return
		}
	}

	if callSID != "" {
		s.closeCall(closeCtx, callSID, rootCallSID)
	}
}

func (s *Server) closeCall(ctx context.Context, callSID, rootCallSID string) {
	if callSID == "" {
		return
	}
	if rootCallSID == "" {
		rootCallSID = callSID
	}

	uri, err := s.pipeline.CloseLeg(ctx, callSID, rootCallSID)
	if err != nil {
		s.logger.Error("audio: close leg failed", "error", err, "call_sid", callSID, "root_call_sid", rootCallSID)
		return
	}
	if uri == "" {
		return
	}

	sess, err := s.sessions.Get(ctx, callSID)
	if err != nil {
		s.logger.Warn("audio: session lookup failed after upload", "error", err, "call_sid", callSID)
		return
	}
	entry := records.CallLogEntry{
		CallSID:      callSID,
		RootCallSID:  rootCallSID,
		OccurrenceID: sess.OccurrenceID,
		StaffID:      sess.StaffID,
		Purpose:      records.PurposeIVR,
		Outcome:      records.OutcomeCompleted,
		EndedAt:      time.Now(),
		RecordingURL: uri,
	}
	if err := s.callLogs.Append(ctx, entry); err != nil {
		s.logger.Error("audio: call log append failed", "error", err, "call_sid", callSID)
	}
}
