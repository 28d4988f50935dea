// Package server provides the operations HTTP server of the AS4 engine.
//
// The AS4 endpoint itself is served by transport.HTTPSServer. This server
// listens on a separate address and exposes:
//
// # Health & Metrics
//
//   - GET /health  - Liveness check
//   - GET /ready   - Readiness check (storage backend reachable)
//   - GET /metrics - Prometheus metrics
//
// # Admin API (requires X-Admin-Key when an admin key is configured)
//
//   - GET    /api/pmodes              - List PMode IDs
//   - GET    /api/pmodes/{id}         - Get a PMode as XML
//   - PUT    /api/pmodes/{id}         - Create or replace a PMode from XML
//   - DELETE /api/pmodes/{id}         - Delete a PMode (?soft=true marks it deleted)
//   - GET    /api/mpcs                - List MPCs
//   - POST   /api/mpcs/{id}           - Create an MPC
//   - DELETE /api/mpcs/{id}           - Delete an MPC
//   - GET    /api/keys                - List keystore certificates
//   - GET    /api/keys/{alias}/certificate - Download a certificate as PEM
//   - GET    /api/stats               - Worker pool counters
//   - POST   /api/messages            - Submit an outbound user message
//   - GET    /api/messages/{id}       - Delivery status of a submitted message
package server

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/as4-engine/internal/keystore"
	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/mpc"
	"github.com/sirosfoundation/as4-engine/pkg/msh"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
	"github.com/sirosfoundation/as4-engine/pkg/worker"
)

const maxAdminBody = 16 << 20

// KeyStore is the part of the keystore the admin API reads
type KeyStore interface {
	List() ([]keystore.KeyInfo, error)
	Certificate(alias string) (*x509.Certificate, error)
}

// Config wires the server to the engine. Every collaborator except the
// logger is optional; routes whose collaborator is missing answer 404.
type Config struct {
	PModes    pmode.Store
	MPCs      *mpc.Manager
	Keys      KeyStore
	Pool      *worker.Pool
	Scheduler *reliability.Scheduler
	Sender    *msh.Sender
	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	// Ready is consulted by /ready.
	Ready func(ctx context.Context) error
	// AdminKey protects /api. Empty leaves it open.
	AdminKey string
	Logger   *slog.Logger
}

// Server is the operations HTTP server
type Server struct {
	cfg     Config
	logger  *slog.Logger
	httpSrv *http.Server

	// deliveries outlive the request that submitted them
	deliveries context.Context
	cancel     context.CancelFunc
}

// New creates an operations server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     cfg.Logger.With(slog.String("component", "ops-server")),
		deliveries: ctx,
		cancel:     cancel,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routing handler
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins listening on addr
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting ops server", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server and cancels deliveries submitted
// through it.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET "+s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/pmodes", s.withAdmin(s.handleListPModes))
	mux.HandleFunc("GET /api/pmodes/{id}", s.withAdmin(s.handleGetPMode))
	mux.HandleFunc("PUT /api/pmodes/{id}", s.withAdmin(s.handlePutPMode))
	mux.HandleFunc("DELETE /api/pmodes/{id}", s.withAdmin(s.handleDeletePMode))

	mux.HandleFunc("GET /api/mpcs", s.withAdmin(s.handleListMPCs))
	mux.HandleFunc("POST /api/mpcs/{id}", s.withAdmin(s.handleCreateMPC))
	mux.HandleFunc("DELETE /api/mpcs/{id}", s.withAdmin(s.handleDeleteMPC))

	mux.HandleFunc("GET /api/keys", s.withAdmin(s.handleListKeys))
	mux.HandleFunc("GET /api/keys/{alias}/certificate", s.withAdmin(s.handleGetCertificate))

	mux.HandleFunc("GET /api/stats", s.withAdmin(s.handleStats))

	mux.HandleFunc("POST /api/messages", s.withAdmin(s.handleSendMessage))
	mux.HandleFunc("GET /api/messages/{id}", s.withAdmin(s.handleGetMessage))
}

// Middleware

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey != "" && r.Header.Get("X-Admin-Key") != s.cfg.AdminKey {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.logger.Warn("not ready", slog.String("error", err.Error()))
			s.jsonError(w, "storage not ready", http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// PMode handlers

func (s *Server) handleListPModes(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PModes == nil {
		s.jsonError(w, "pmode store not configured", http.StatusNotFound)
		return
	}
	ids, err := s.cfg.PModes.AllIDs(r.Context())
	if err != nil {
		s.logger.Error("failed to list pmodes", slog.String("error", err.Error()))
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{
		"pmodes": ids,
		"total":  len(ids),
	}, http.StatusOK)
}

func (s *Server) handleGetPMode(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PModes == nil {
		s.jsonError(w, "pmode store not configured", http.StatusNotFound)
		return
	}
	p, err := s.cfg.PModes.FindByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, pmode.ErrNotFound) {
		s.jsonError(w, "pmode not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	data, err := p.MarshalXML()
	if err != nil {
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(data)
}

func (s *Server) handlePutPMode(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PModes == nil {
		s.jsonError(w, "pmode store not configured", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		s.jsonError(w, "reading body", http.StatusBadRequest)
		return
	}
	p, err := pmode.UnmarshalXML(body)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.ID != r.PathValue("id") {
		s.jsonError(w, "pmode id does not match path", http.StatusBadRequest)
		return
	}

	status := http.StatusOK
	changed, err := s.cfg.PModes.Update(r.Context(), p)
	if err == nil && changed == pmode.Unchanged {
		err = s.cfg.PModes.Create(r.Context(), p)
		status = http.StatusCreated
	}
	if err != nil {
		s.pmodeError(w, p.ID, err)
		return
	}
	s.jsonResponse(w, map[string]string{"id": p.ID}, status)
}

func (s *Server) handleDeletePMode(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PModes == nil {
		s.jsonError(w, "pmode store not configured", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	var (
		changed pmode.Change
		err     error
	)
	if r.URL.Query().Get("soft") == "true" {
		changed, err = s.cfg.PModes.MarkDeleted(r.Context(), id)
	} else {
		changed, err = s.cfg.PModes.Delete(r.Context(), id)
	}
	if err != nil {
		s.pmodeError(w, id, err)
		return
	}
	if changed == pmode.Unchanged {
		s.jsonError(w, "pmode not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pmodeError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, pmode.ErrInvalid):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pmode.ErrInUse), errors.Is(err, pmode.ErrDuplicateID):
		s.jsonError(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("pmode update failed", slog.String("pmode_id", id), slog.String("error", err.Error()))
		s.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// MPC handlers

type mpcView struct {
	ID             string    `json:"id"`
	Default        bool      `json:"default,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

func (s *Server) handleListMPCs(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.MPCs == nil {
		s.jsonError(w, "mpc manager not configured", http.StatusNotFound)
		return
	}
	var views []mpcView
	for _, m := range s.cfg.MPCs.All() {
		views = append(views, mpcView{
			ID:             m.ID,
			Default:        m.IsDefault(),
			CreatedAt:      m.CreatedAt,
			LastModifiedAt: m.LastModifiedAt,
		})
	}
	s.jsonResponse(w, map[string]any{
		"mpcs":  views,
		"total": len(views),
	}, http.StatusOK)
}

func (s *Server) handleCreateMPC(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MPCs == nil {
		s.jsonError(w, "mpc manager not configured", http.StatusNotFound)
		return
	}
	m, err := s.cfg.MPCs.Create(r.PathValue("id"))
	if errors.Is(err, mpc.ErrDuplicateID) {
		s.jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.jsonResponse(w, mpcView{ID: m.ID, CreatedAt: m.CreatedAt, LastModifiedAt: m.LastModifiedAt}, http.StatusCreated)
}

func (s *Server) handleDeleteMPC(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MPCs == nil {
		s.jsonError(w, "mpc manager not configured", http.StatusNotFound)
		return
	}
	removed, err := s.cfg.MPCs.Delete(r.PathValue("id"))
	if errors.Is(err, mpc.ErrDefaultMPC) {
		s.jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !removed {
		s.jsonError(w, "mpc not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Key handlers

func (s *Server) handleListKeys(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Keys == nil {
		s.jsonError(w, "keystore not configured", http.StatusNotFound)
		return
	}
	keys, err := s.cfg.Keys.List()
	if err != nil {
		s.logger.Error("failed to list keys", slog.String("error", err.Error()))
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{
		"keys":  keys,
		"total": len(keys),
	}, http.StatusOK)
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Keys == nil {
		s.jsonError(w, "keystore not configured", http.StatusNotFound)
		return
	}
	cert, err := s.cfg.Keys.Certificate(r.PathValue("alias"))
	if errors.Is(err, keystore.ErrKeyNotFound) {
		s.jsonError(w, "certificate not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Pool == nil {
		s.jsonError(w, "worker pool not configured", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, s.cfg.Pool.Stats(), http.StatusOK)
}

// Message handlers

type partyRequest struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

type payloadRequest struct {
	ContentID string `json:"contentId"`
	MimeType  string `json:"mimeType"`
	// Data is base64 in JSON
	Data []byte `json:"data"`
}

// SendRequest is the body of POST /api/messages
type SendRequest struct {
	PModeID        string             `json:"pmodeId,omitempty"`
	MessageID      string             `json:"messageId,omitempty"`
	RefToMessageID string             `json:"refToMessageId,omitempty"`
	ConversationID string             `json:"conversationId,omitempty"`
	From           partyRequest       `json:"from"`
	To             partyRequest       `json:"to"`
	Service        string             `json:"service"`
	ServiceType    string             `json:"serviceType,omitempty"`
	Action         string             `json:"action"`
	Properties     []message.Property `json:"properties,omitempty"`
	Payloads       []payloadRequest   `json:"payloads"`
}

func (req *SendRequest) outbound() *msh.OutboundMessage {
	out := &msh.OutboundMessage{
		PModeID:        req.PModeID,
		MessageID:      req.MessageID,
		RefToMessageID: req.RefToMessageID,
		ConversationID: req.ConversationID,
		FromPartyID:    req.From.ID,
		FromPartyType:  req.From.Type,
		ToPartyID:      req.To.ID,
		ToPartyType:    req.To.Type,
		Service:        req.Service,
		ServiceType:    req.ServiceType,
		Action:         req.Action,
		Properties:     req.Properties,
	}
	for i, p := range req.Payloads {
		id := p.ContentID
		if id == "" {
			id = fmt.Sprintf("payload-%d@as4-engine", i+1)
		}
		mt := p.MimeType
		if mt == "" {
			mt = "application/octet-stream"
		}
		out.Attachments = append(out.Attachments, attachment.New(id, mt, p.Data))
	}
	return out
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sender == nil {
		s.jsonError(w, "sender not configured", http.StatusNotFound)
		return
	}
	var req SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sub, err := s.cfg.Sender.Send(s.deliveries, req.outbound())
	if err != nil {
		status := http.StatusInternalServerError
		if pe, ok := message.AsProcessingError(err); ok {
			status = http.StatusBadRequest
			if pe.Retryable() {
				status = http.StatusServiceUnavailable
			}
		} else if errors.Is(err, msh.ErrInvalidMessage) || errors.Is(err, msh.ErrNoAddress) {
			status = http.StatusBadRequest
		}
		s.logger.Warn("message submission failed", slog.String("error", err.Error()))
		s.jsonError(w, err.Error(), status)
		return
	}

	go s.awaitDelivery(sub)

	s.jsonResponse(w, map[string]string{
		"messageId": sub.MessageID,
		"pmodeId":   sub.PModeID,
		"endpoint":  sub.Endpoint,
	}, http.StatusAccepted)
}

func (s *Server) awaitDelivery(sub *msh.Submission) {
	out, err := sub.Result.Wait(s.deliveries)
	logger := s.logger.With(slog.String("message_id", sub.MessageID), slog.String("pmode_id", sub.PModeID))
	if err != nil {
		logger.Warn("delivery failed", slog.String("state", out.State.String()), slog.String("error", err.Error()))
		return
	}
	logger.Info("delivery finished", slog.String("state", out.State.String()), slog.Int("attempts", out.Attempts))
}

type statusView struct {
	MessageID string    `json:"messageId"`
	PModeID   string    `json:"pmodeId"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	Abandoned bool      `json:"abandoned,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.jsonError(w, "scheduler not configured", http.StatusNotFound)
		return
	}
	st, ok := s.cfg.Scheduler.Status(r.PathValue("id"))
	if !ok {
		s.jsonError(w, "message not found", http.StatusNotFound)
		return
	}
	view := statusView{
		MessageID: st.MessageID,
		PModeID:   st.PModeID,
		State:     st.State.String(),
		Attempts:  st.Attempts,
		UpdatedAt: st.UpdatedAt,
		Abandoned: st.Abandoned,
	}
	if st.LastError != nil {
		view.LastError = st.LastError.Error()
	}
	s.jsonResponse(w, view, http.StatusOK)
}

// Helper functions

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
