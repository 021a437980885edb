package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callagent/internal/config"
	"github.com/ent0n29/callagent/internal/observability"
	"github.com/ent0n29/callagent/internal/protocol"
	"github.com/ent0n29/callagent/internal/session"
	"github.com/ent0n29/callagent/internal/telephony"
)

// CallRunner drives one media stream from its parsed inbound messages.
type CallRunner interface {
	RunCall(ctx context.Context, inbound <-chan any, outbound chan<- any) error
	Hangup(id string)
}

type Server struct {
	cfg      config.Config
	calls    *session.Manager
	runner   CallRunner
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, calls *session.Manager, runner CallRunner, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		calls:   calls,
		runner:  runner,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio connects server-to-server without an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/incoming", s.handleIncoming)
	r.Get("/connection", s.handleConnection)

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Post("/v1/calls/{id}/end", s.handleEndCall)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.calls.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleIncoming answers Twilio's voice webhook with TwiML that bridges the
// call audio to /connection on this host.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	host := strings.TrimSpace(s.cfg.PublicHost)
	if host == "" {
		host = r.Host
	}
	twiml, err := telephony.ConnectStreamTwiML("wss://" + host + "/connection")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_failed", err.Error())
		return
	}
	s.metrics.IncSessionEvent("incoming")
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twiml))
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call runner not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.IncSessionEvent("ws_connected")

	// Calls outlive the upgrade request's context only through RunCall.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.runner.RunCall(ctx, inbound, outbound); err != nil {
			s.logger.Error("call failed", "error", err)
		}
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.IncProviderError("twilio_stream", "write_failed")
					cancel()
					return
				}
				if event, ok := eventOf(msg); ok {
					s.metrics.IncStreamMessage("outbound", string(event))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	go func() {
		<-ctx.Done()
		// Unblocks ReadMessage when the call ends from our side.
		_ = conn.SetReadDeadline(time.Now())
	}()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseStreamMessage(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnsupportedType) {
				s.logger.Warn("dropping malformed stream message", "error", err)
			}
			s.metrics.IncStreamMessage("inbound", "invalid")
			continue
		}
		if event, ok := eventOf(parsed); ok {
			s.metrics.IncStreamMessage("inbound", string(event))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	s.metrics.IncSessionEvent("ws_disconnected")
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, session.ListResponse{
		Calls:  s.calls.List(),
		Active: s.calls.ActiveCount(),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.calls.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	var req session.EndRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "ended_by_operator"
	}

	call, err := s.calls.End(id, req.Reason)
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if s.runner != nil {
		s.runner.Hangup(id)
	}
	respondJSON(w, http.StatusOK, call)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func eventOf(v any) (protocol.EventType, bool) {
	switch m := v.(type) {
	case protocol.Connected:
		return m.Event, true
	case protocol.Start:
		return m.Event, true
	case protocol.Media:
		return m.Event, true
	case protocol.Mark:
		return m.Event, true
	case protocol.Stop:
		return m.Event, true
	case protocol.DTMF:
		return m.Event, true
	case protocol.Clear:
		return m.Event, true
	default:
		return "", false
	}
}
