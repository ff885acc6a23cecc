// Package api is the HTTP surface of the core: webhook ingest, the admin
// operations, the LIVE progress websocket, health and metrics. Routing and
// middleware live here; every business decision stays in the services.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sidegig/backend/internal/blob"
	"github.com/sidegig/backend/internal/circuitbreaker"
	"github.com/sidegig/backend/internal/correction"
	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/live"
	"github.com/sidegig/backend/internal/middleware"
	"github.com/sidegig/backend/internal/notify"
	"github.com/sidegig/backend/internal/payments"
	"github.com/sidegig/backend/internal/store"
)

// Deps is everything the router needs. Nil optional fields (DB, Limiter,
// Breakers, Exporter) disable their endpoint or check.
type Deps struct {
	Store       store.TxStore
	DB          *sql.DB
	Ingestor    *payments.Ingestor
	Notify      *notify.Service
	Corrections *correction.Service
	Live        *live.Service
	Hub         *live.Hub
	Exporter    *blob.Exporter
	Breakers    *circuitbreaker.VendorBreakers
	Limiter     *middleware.RateLimiter
}

type Server struct {
	deps   Deps
	router *mux.Router
	logger *log.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Webhook ingest sits behind the burst limiter; Stripe retries on 429.
	webhook := http.HandlerFunc(s.handleStripeWebhook)
	if s.deps.Limiter != nil {
		s.router.Handle("/webhooks/stripe", s.deps.Limiter.Middleware(webhook)).Methods("POST")
	} else {
		s.router.Handle("/webhooks/stripe", webhook).Methods("POST")
	}

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/broadcast", s.handleBroadcast).Methods("POST")
	admin.HandleFunc("/corrections", s.handleApplyCorrection).Methods("POST")
	admin.HandleFunc("/corrections/{id}/reverse", s.handleReverseCorrection).Methods("POST")
	admin.HandleFunc("/users/{id}/export", s.handleExportRequest).Methods("POST")

	s.router.HandleFunc("/live/tasks/{id}/ws", s.handleLiveWS).Methods("GET")
	s.router.HandleFunc("/live/tasks/{id}/session", s.handleIssueSession).Methods("POST")

	s.router.Use(corsMiddleware)
	s.router.Use(middleware.Logging)
}

// requireAdmin resolves the acting user from the gateway-injected header and
// checks the role table. Authentication itself happens upstream; by the time
// a request lands here the header is trusted.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get("X-Actor-ID")
		if actor == "" {
			writeError(w, domain.E(domain.CodeUnauthorized, "missing actor"))
			return
		}
		ok, err := s.deps.Store.HasRole(r.Context(), actor, domain.RoleAdmin, domain.RoleFounder)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeError(w, domain.E(domain.CodeForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

type actorKey struct{}

func withActor(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

func actorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "connected"
	if s.deps.DB != nil {
		if err := s.deps.DB.PingContext(ctx); err != nil {
			dbStatus = "error"
		}
	}

	resp := map[string]interface{}{
		"status":   "healthy",
		"service":  "sidegig-core",
		"database": dbStatus,
	}
	if s.deps.Breakers != nil {
		vendorStatus, breakers := s.deps.Breakers.HealthStatus()
		resp["vendors"] = vendorStatus
		resp["breakers"] = breakers
	}
	if dbStatus != "connected" {
		w.WriteHeader(http.StatusServiceUnavailable)
		resp["status"] = "degraded"
	}
	writeJSON(w, resp)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor-ID, Stripe-Signature")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps typed codes onto HTTP statuses per the error design:
// transition and conflict families are 409, invariants are 422, vendor
// outages are 502/503. Internal details never leak into the body.
func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := statusFor(code)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var de *domain.Error
	msg := "internal error"
	if e, ok := err.(*domain.Error); ok {
		de = e
		msg = de.Message
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": msg,
		},
	})
}

func statusFor(code string) int {
	if domain.IsInvariant(code) {
		return http.StatusUnprocessableEntity
	}
	switch code {
	case domain.CodeInvalidState, domain.CodeInvalidTransition,
		domain.CodeTaskTerminal, domain.CodeEscrowTerminal, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeUnauthorized, domain.CodeVerificationFailed:
		return http.StatusUnauthorized
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeAIUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
