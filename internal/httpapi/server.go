package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/bus"
	"github.com/ent0n29/chimebot/internal/config"
	"github.com/ent0n29/chimebot/internal/dispatch"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/observability"
	"github.com/ent0n29/chimebot/internal/protocol"
	"github.com/ent0n29/chimebot/internal/session"
)

const writeTimeout = 10 * time.Second

// Dispatch is the part of the dispatcher the HTTP surface reads from.
type Dispatch interface {
	Ready() bool
	Workers() int
	Subscribe() *bus.Subscription[dispatch.PresenceEvent]
}

type Server struct {
	cfg      config.HTTP
	dispatch Dispatch
	activity *session.Activity
	status   StatusSource
	metrics  *observability.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.HTTP, d Dispatch, activity *session.Activity, status StatusSource, metrics *observability.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		dispatch: d,
		activity: activity,
		status:   status,
		metrics:  metrics,
		log:      log.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only attach from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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
	r.Handle("/metrics", s.metrics.Handler())

	r.Get("/v1/sessions", s.handleSessions)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/events/ws", s.handleEventsWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.dispatch.Ready() {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "no platform context observed yet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type sessionsResponse struct {
	Workers  int             `json:"workers"`
	Sessions []session.State `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, sessionsResponse{
		Workers:  s.dispatch.Workers(),
		Sessions: s.activity.Snapshot(),
	})
}

// streamFilter restricts a stream to one session when set.
type streamFilter struct {
	mu      sync.RWMutex
	session domain.SessionID
}

func (f *streamFilter) set(id domain.SessionID) {
	f.mu.Lock()
	f.session = id
	f.mu.Unlock()
}

func (f *streamFilter) match(id domain.SessionID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.session == "" || f.session == id
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	streamID := uuid.NewString()
	log := s.log.With(zap.String("stream", streamID))
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.dispatch.Subscribe()
	defer sub.Close()

	filter := &streamFilter{}
	if q := strings.TrimSpace(r.URL.Query().Get("session_id")); q != "" {
		filter.set(domain.SessionID(q))
	}

	events := make(chan any, 16)
	replies := make(chan any, 8)
	replies <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, StreamID: streamID, Code: protocol.CodeHello}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer close(events)
		for {
			ev, err := sub.Receive(ctx)
			if err != nil {
				return
			}
			if !filter.match(ev.SessionID) {
				continue
			}
			select {
			case events <- protocol.NewPresenceEvent(ev.SessionID, ev.ChannelID, ev.UserID, time.Now()):
			case <-ctx.Done():
				return
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the connection unblocks the read loop below.
		defer conn.Close()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case m := <-replies:
				msg = m
			case m, ok := <-events:
				if !ok {
					bye := protocol.SystemEvent{Type: protocol.TypeSystemEvent, StreamID: streamID, Code: protocol.CodeBye}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					_ = conn.WriteJSON(bye)
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
					return
				}
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug("stream write failed", zap.Error(err))
				return
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var reply any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply = protocol.ErrorEvent{
				Type:     protocol.TypeErrorEvent,
				StreamID: streamID,
				Code:     "invalid_client_message",
				Detail:   err.Error(),
			}
		} else if control, ok := parsed.(protocol.ClientControl); ok {
			switch control.Action {
			case protocol.ActionFilter:
				filter.set(domain.SessionID(control.SessionID))
			case protocol.ActionPing:
				reply = protocol.SystemEvent{Type: protocol.TypeSystemEvent, StreamID: streamID, Code: protocol.CodePong}
			}
		}
		if reply == nil {
			continue
		}
		select {
		case replies <- reply:
		default:
			// Keep websocket writes single-threaded; drop if the reply queue is saturated.
			log.Debug("stream reply dropped")
		}
	}

	cancel()
	sub.Close()
	<-pumpDone
	<-writerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
