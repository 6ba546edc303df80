// Package server wires the HTTP surface: health, the incoming-call webhook
// that returns connection instructions to the telephony provider, and the
// media stream WebSocket endpoint that runs the per-call relay.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devize-ai/callbridge/pkg/bridge/config"
	"github.com/devize-ai/callbridge/pkg/bridge/mw"
	"github.com/devize-ai/callbridge/pkg/bridge/realtime"
	"github.com/devize-ai/callbridge/pkg/bridge/session"
	"github.com/devize-ai/callbridge/pkg/bridge/sessions"
	"github.com/devize-ai/callbridge/pkg/bridge/tools"
	"github.com/devize-ai/callbridge/pkg/bridge/transcript"
	"github.com/devize-ai/callbridge/pkg/bridge/twilio"
)

const connectAnnouncement = "Please wait while we connect your call to our A I voice assistant."

// DialFunc opens the AI realtime connection. Swappable in tests.
type DialFunc func(ctx context.Context, cfg realtime.DialConfig) (session.Conn, error)

// Dependencies are the server's external collaborators. Zero values get
// sensible defaults in New, except Store, which stays nil when transcript
// persistence is disabled.
type Dependencies struct {
	Logger    *slog.Logger
	Store     transcript.Store
	Messenger tools.Messenger
	DialAI    DialFunc
}

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	registry  *sessions.Registry
	store     transcript.Store
	messenger tools.Messenger
	dialAI    DialFunc
}

func New(cfg config.Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DialAI == nil {
		deps.DialAI = func(ctx context.Context, dc realtime.DialConfig) (session.Conn, error) {
			return realtime.Dial(ctx, dc)
		}
	}

	s := &Server{
		cfg:       cfg,
		logger:    deps.Logger,
		mux:       http.NewServeMux(),
		registry:  sessions.NewRegistry(),
		store:     deps.Store,
		messenger: deps.Messenger,
		dialAI:    deps.DialAI,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /incoming-call", s.handleIncomingCall)
	s.mux.HandleFunc("GET /{caller}/media-stream", s.handleMediaStream)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Sessions exposes the live session registry for drain handling.
func (s *Server) Sessions() *sessions.Registry {
	return s.registry
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.Count(),
	})
}

// handleIncomingCall answers the telephony provider's call webhook with
// TwiML that announces the connection and opens the media stream back to
// this host.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "malformed webhook form")
		return
	}
	caller := normalizeCaller(r.FormValue("From"))
	if caller == "" {
		caller = "anonymous"
	}

	host := s.cfg.PublicHost
	if host == "" {
		host = r.Host
	}

	twiml, err := twilio.VoiceResponse(host, caller, connectAnnouncement)
	if err != nil {
		s.logger.Error("twiml render failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", "failed to render call instructions")
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	caller := normalizeCaller(r.PathValue("caller"))
	if caller == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "caller is required")
		return
	}

	if s.cfg.RejectDuplicateCaller && s.registry.Busy(caller) {
		writeJSONError(w, http.StatusConflict, "caller_busy", "a session for this caller is already active")
		return
	}

	callID := uuid.NewString()
	logger := s.logger.With("call_id", callID)

	// The AI handshake happens before the telephony upgrade so a failed
	// handshake turns into a plain HTTP error instead of a dead call.
	dialCtx, cancel := context.WithTimeout(r.Context(), s.cfg.HandshakeTimeout)
	defer cancel()
	aiConn, err := s.dialAI(dialCtx, realtime.DialConfig{
		BaseURL:          s.cfg.RealtimeBaseURL,
		Model:            s.cfg.RealtimeModel,
		APIKey:           s.cfg.OpenAIAPIKey,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	})
	if err != nil {
		logger.Error("ai handshake failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, "upstream_unavailable", "failed to reach the ai service")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	telConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = aiConn.Close()
		return
	}

	sess, err := session.New(session.Dependencies{
		Telephony: telConn,
		AI:        aiConn,
		Logger:    logger,
		Tools:     s.newDispatcher(caller),
		Store:     s.store,
		SessionID: caller,
		Caller:    caller,
		Config: session.Config{
			Voice:             s.cfg.Voice,
			Temperature:       s.cfg.Temperature,
			TurnThreshold:     s.cfg.TurnThreshold,
			TurnSilenceMS:     int(s.cfg.TurnSilence / time.Millisecond),
			Instructions:      s.cfg.Instructions,
			Greeting:          s.cfg.Greeting,
			WriteTimeout:      s.cfg.WriteTimeout,
			TeardownOnAIClose: s.cfg.TeardownOnAIClose,
			ReplayHistory:     s.cfg.ReplayHistory,
		},
	})
	if err != nil {
		logger.Error("session init failed", "error", err)
		closeWithPolicy(telConn, "session initialization failed")
		_ = telConn.Close()
		_ = aiConn.Close()
		return
	}

	handle := &sessions.Handle{}
	handle.SetCancel(sess.Shutdown)
	release, err := s.registry.Acquire(caller, handle, !s.cfg.RejectDuplicateCaller)
	if err != nil {
		// Lost the race after the pre-upgrade Busy check.
		if errors.Is(err, sessions.ErrCallerBusy) {
			logger.Warn("duplicate caller rejected after upgrade")
			closeWithPolicy(telConn, "caller already has an active session")
		}
		_ = telConn.Close()
		_ = aiConn.Close()
		return
	}
	defer release()

	if err := sess.Run(); err != nil {
		logger.Warn("session ended with error", "error", err)
	}
}

func (s *Server) newDispatcher(caller string) *tools.Dispatcher {
	executors := []tools.Executor{
		tools.NewGetRates(tools.StaticRates(s.cfg.RatesText)),
		tools.NewEndCall(),
	}
	if s.messenger != nil {
		executors = append(executors, tools.NewSendFollowUpSMS(s.messenger, caller))
	}
	return tools.NewDispatcher(tools.NewRegistry(executors...))
}

func normalizeCaller(raw string) string {
	return strings.TrimSpace(raw)
}

func closeWithPolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(2*time.Second))
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message}})
}
