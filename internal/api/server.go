// Package api exposes the hub's REST control plane: handshake and
// session lifecycle, command validation, expert escalation review,
// project aggregate commands and reads, the VFS debug passthrough, and
// the websocket event stream. Expert endpoints sit behind bcrypt-backed
// operator keys; everything under /api/v1 is rate limited per agent.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/eventstore"
	"github.com/forgegate/hub/internal/middleware"
	"github.com/forgegate/hub/internal/service"
	"github.com/forgegate/hub/internal/session"
	"github.com/forgegate/hub/internal/stream"
	"github.com/forgegate/hub/internal/timetravel"
	"github.com/forgegate/hub/internal/vfs"
)

// Config tunes the HTTP surface. Zero values take defaults.
type Config struct {
	Addr           string
	AllowedOrigins []string // empty accepts any origin
	RateLimit      middleware.RateLimitConfig
}

// Deps are the domain surfaces the server fronts. Service, Sessions and
// Events are required; FS and Recon may be nil, their endpoints then
// report the surface as unavailable. Monitor, when set, is mounted at
// /socket.io/ for dashboard clients.
type Deps struct {
	Service   *service.ValidationService
	Sessions  *session.Registry
	Recon     *timetravel.Reconstructor
	Events    eventstore.EventStore
	FS        *vfs.FS
	Hub       *stream.Hub
	Operators *OperatorKeys
	Monitor   http.Handler
}

// Server is the REST control plane.
type Server struct {
	cfg     Config
	svc     *service.ValidationService
	session *session.Registry
	recon   *timetravel.Reconstructor
	events  eventstore.EventStore
	fs      *vfs.FS
	hub     *stream.Hub
	keys    *OperatorKeys
	monitor http.Handler
	limiter *middleware.RateLimiter
	logger  *log.Logger
	started time.Time

	http *http.Server
}

// New wires the server. It does not listen yet; call Start.
func New(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	keys := deps.Operators
	if keys == nil {
		keys = NewOperatorKeys()
	}
	return &Server{
		cfg:     cfg,
		svc:     deps.Service,
		session: deps.Sessions,
		recon:   deps.Recon,
		events:  deps.Events,
		fs:      deps.FS,
		hub:     deps.Hub,
		keys:    keys,
		monitor: deps.Monitor,
		limiter: middleware.NewRateLimiter(cfg.RateLimit),
		logger:  log.New(log.Writer(), "[API] ", log.LstdFlags),
		started: time.Now(),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.cors)
	r.Use(middleware.AgentContext)

	// mux skips middleware on method mismatch, which is where CORS
	// preflights land; route them through the same headers.
	r.MethodNotAllowedHandler = s.cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Dashboard socket.io transport; long-lived, so it bypasses the
	// per-agent limiter.
	if s.monitor != nil {
		r.PathPrefix("/socket.io/").Handler(s.monitor)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.limiter.Middleware)

	api.HandleFunc("/sessions/handshake", s.handleHandshake).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleLogout).Methods(http.MethodDelete)

	api.HandleFunc("/validate", s.handleValidate).Methods(http.MethodPost)

	api.Handle("/escalations", s.requireOperator(s.handleListEscalations)).Methods(http.MethodGet)
	api.Handle("/escalations/{id}/decision", s.requireOperator(s.handleDecideEscalation)).Methods(http.MethodPost)

	api.HandleFunc("/projects/{id}/files", s.handleWriteFile).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/files", s.handleDeleteFile).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{id}/files/move", s.handleMoveFile).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/dirs", s.handleCreateDir).Methods(http.MethodPost)

	api.HandleFunc("/projects/{id}/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/diff", s.handleDiff).Methods(http.MethodGet)

	api.HandleFunc("/debug/{file}", s.handleDebug).Methods(http.MethodGet)
	api.HandleFunc("/streams/ws", s.handleWS).Methods(http.MethodGet)

	return r
}

// Start listens until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Printf("listening on %s", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.cfg.AllowedOrigins) > 0 {
			origin = ""
			got := r.Header.Get("Origin")
			for _, allowed := range s.cfg.AllowedOrigins {
				if got == allowed {
					origin = allowed
					break
				}
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-ID, X-Session-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Dispatcher().Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"service":         "forgegate-hub",
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"validations":     st.TotalRequests,
		"sessions_active": s.session.Active(),
		"projects":        len(s.svc.Manager().Projects()),
	})
}

// writeJSON is the one response path; handlers never touch the encoder
// directly so the content type is always set.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to do but note it.
		log.Printf("[API] response encode: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Printf("internal error: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain error kinds onto HTTP statuses. The VFS
// passthrough surfaces errnos, so those translate too. Unknown errors
// are internal.
func statusFor(err error) int {
	var br *core.BusinessRuleViolation
	var cc *core.ConcurrencyConflict
	var rc *core.RaceConditionError
	var ae *core.AuthError
	var pe *core.PermissionError
	var rl *core.RateLimitError
	switch {
	case errors.As(err, &br):
		return http.StatusUnprocessableEntity
	case errors.As(err, &cc), errors.As(err, &rc):
		return http.StatusConflict
	case errors.As(err, &ae):
		return http.StatusUnauthorized
	case errors.As(err, &pe):
		return http.StatusForbidden
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.Is(err, syscall.EACCES):
		return http.StatusForbidden
	case errors.Is(err, syscall.ENOENT):
		return http.StatusNotFound
	case errors.Is(err, syscall.EBUSY):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
