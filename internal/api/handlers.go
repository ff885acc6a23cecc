package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sidegig/backend/internal/correction"
	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/notify"
)

// Stripe caps event payloads at 64KB; anything larger is not a webhook.
const maxWebhookBody = 1 << 16

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, domain.E(domain.CodeValidation, "unreadable webhook body"))
		return
	}

	res, err := s.deps.Ingestor.Ingest(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"received": true,
		"event_id": res.EventID,
		"stored":   res.Stored,
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var in notify.BroadcastIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, domain.E(domain.CodeValidation, "malformed broadcast body"))
		return
	}
	id, err := s.deps.Notify.Broadcast(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"broadcast_id": id})
}

type applyCorrectionRequest struct {
	Type         domain.CorrectionType  `json:"type"`
	TargetEntity string                 `json:"target_entity"`
	TargetID     string                 `json:"target_id"`
	Adjustment   map[string]interface{} `json:"adjustment"`
	PriorValue   map[string]interface{} `json:"prior_value"`
	ReasonCode   string                 `json:"reason_code"`
	Scope        domain.CorrectionScope `json:"scope"`
	CityID       string                 `json:"city_id"`
	ZoneID       string                 `json:"zone_id"`
	Category     string                 `json:"category"`
	TTLHours     int                    `json:"ttl_hours"`
}

func (s *Server) handleApplyCorrection(w http.ResponseWriter, r *http.Request) {
	var req applyCorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.E(domain.CodeValidation, "malformed correction body"))
		return
	}
	res, err := s.deps.Corrections.Apply(r.Context(), correction.ApplyIn{
		Type:         req.Type,
		TargetEntity: req.TargetEntity,
		TargetID:     req.TargetID,
		Adjustment:   req.Adjustment,
		PriorValue:   req.PriorValue,
		ReasonCode:   req.ReasonCode,
		Scope:        req.Scope,
		CityID:       req.CityID,
		ZoneID:       req.ZoneID,
		Category:     req.Category,
		TTL:          time.Duration(req.TTLHours) * time.Hour,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleReverseCorrection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := s.deps.Corrections.Reverse(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleExportRequest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Exporter == nil {
		writeError(w, domain.E(domain.CodeInternal, "export storage not configured"))
		return
	}
	userID := mux.Vars(r)["id"]
	exportID, err := s.deps.Exporter.Request(r.Context(), userID, actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"export_id": exportID})
}

// handleIssueSession mints the one-shot LIVE stream token for the assigned
// worker. The worker id arrives from the gateway the same way admin identity
// does.
func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	workerID := r.Header.Get("X-Actor-ID")
	if workerID == "" {
		writeError(w, domain.E(domain.CodeUnauthorized, "missing actor"))
		return
	}
	token, err := s.deps.Live.IssueSession(r.Context(), mux.Vars(r)["id"], workerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"session_token": token})
}

// handleLiveWS authenticates the session token and hands the connection to
// the hub. The token travels as a query parameter because browsers cannot
// set headers on websocket dials.
func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")
	u, err := s.deps.Live.Authenticate(r.Context(), taskID, token)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Hub.Serve(w, r, taskID, u.ID)
}
