package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/livewire/internal/config"
	"github.com/ent0n29/livewire/internal/live"
	"github.com/ent0n29/livewire/internal/observability"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
	eventReadTimeout  = 2 * eventPingInterval
)

// LiveService is the session surface the API drives. *live.Manager
// implements it.
type LiveService interface {
	Connect(ctx context.Context, p live.ConnectParams) error
	ResumeSession(ctx context.Context) error
	Terminate()
	Snapshot() live.Snapshot
}

type Server struct {
	cfg      config.Config
	live     LiveService
	hub      *EventHub
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc LiveService, hub *EventHub, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewEventHub(0, metrics, logger)
	}
	return &Server{
		cfg:     cfg,
		live:    svc,
		hub:     hub,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch session events unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/live", func(r chi.Router) {
		r.Post("/connect", s.handleConnect)
		r.Post("/resume", s.handleResume)
		r.Post("/terminate", s.handleTerminate)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.live == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "live session manager not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"session_state": s.live.Snapshot().State,
		"subscribers":   s.hub.Subscribers(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "live session manager not configured")
		return
	}
	var req live.ConnectParams
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Model = strings.TrimSpace(req.Model)
	req.Voice = strings.TrimSpace(req.Voice)

	if err := s.live.Connect(r.Context(), req); err != nil {
		s.respondLiveError(w, "connect", err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.live.Snapshot())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "live session manager not configured")
		return
	}
	if err := s.live.ResumeSession(r.Context()); err != nil {
		s.respondLiveError(w, "resume", err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.live.Snapshot())
}

func (s *Server) handleTerminate(w http.ResponseWriter, _ *http.Request) {
	if s.live == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "live session manager not configured")
		return
	}
	s.live.Terminate()
	respondJSON(w, http.StatusOK, s.live.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.live == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "live session manager not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.live.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()
	s.metrics.SessionEvent("events_subscribed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only exists to notice the client going away.
	readerDone := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
		return nil
	})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

writeLoop:
	for {
		select {
		case <-ctx.Done():
			break writeLoop
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				break writeLoop
			}
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				break writeLoop
			}
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
	<-readerDone
	s.metrics.SessionEvent("events_unsubscribed")
}

func (s *Server) respondLiveError(w http.ResponseWriter, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("live request failed", zap.String("op", op), zap.Error(err))
	}
	respondError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	if errors.Is(err, live.ErrSessionActive) {
		return http.StatusConflict, "session_active"
	}
	switch live.KindOf(err) {
	case live.KindAuth:
		return http.StatusUnauthorized, string(live.KindAuth)
	case live.KindTimeout:
		return http.StatusGatewayTimeout, string(live.KindTimeout)
	case live.KindService, live.KindProtocol, live.KindConnectionFailed:
		return http.StatusBadGateway, string(live.KindOf(err))
	default:
		return http.StatusInternalServerError, "internal"
	}
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
	dec.DisallowUnknownFields()
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
