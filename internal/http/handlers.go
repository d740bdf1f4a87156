package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/service-matching/internal/dispatch"
	"github.com/example/service-matching/internal/ingest"
	"github.com/example/service-matching/internal/lifecycle"
	"github.com/example/service-matching/internal/logging"
	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/observability"
	"github.com/example/service-matching/internal/requests"
	"github.com/example/service-matching/internal/storage"
)

type RequestService interface {
	Create(ctx context.Context, in requests.NewRequest) (requests.Created, error)
	Get(ctx context.Context, id string) (*models.ServiceRequest, error)
	Cancel(ctx context.Context, id string) (*models.ServiceRequest, error)
}

type Directory interface {
	storage.ProviderStore
	ListNotifications(ctx context.Context, requestID string) ([]models.NotificationRecord, error)
}

// UpdatePublisher forwards provider reports to the ingestion topic.
type UpdatePublisher interface {
	PublishProviderUpdate(ctx context.Context, u models.ProviderUpdate) error
}

type Server struct {
	Requests  RequestService
	Directory Directory
	// Updates is optional. Without it provider reports are applied to the
	// directory synchronously.
	Updates UpdatePublisher
	WSReg   *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(logger *slog.Logger, svc RequestService, dir Directory, updates UpdatePublisher, wsreg *dispatch.WSRegistry) *Server {
	s := &Server{
		Requests:  svc,
		Directory: dir,
		Updates:   updates,
		WSReg:     wsreg,
		logger:    logging.Component(logger, "http"),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/requests/{id}/notifications", s.handleListNotifications).Methods(http.MethodGet)
	s.mux.HandleFunc("/internal/providers", s.handleUpsertProvider).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/providers/locations", s.handleProviderLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/providers/{mirror_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type noProvidersResponse struct {
	Error              string `json:"error"`
	RequestID          string `json:"request_id"`
	ExpansionScheduled bool   `json:"expansion_scheduled"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in requests.NewRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.Requests.Create(r.Context(), in)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, created)
	case errors.Is(err, requests.ErrNoProvidersAvailable):
		writeJSON(w, http.StatusServiceUnavailable, noProvidersResponse{
			Error:              "no providers available",
			RequestID:          created.Request.ID,
			ExpansionScheduled: created.ExpansionScheduled,
		})
	case errors.Is(err, requests.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, requests.ErrPaymentHold):
		writeError(w, http.StatusPaymentRequired, err.Error())
	default:
		s.logger.Error("create request failed", "error", err, "http_request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Requests.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Requests.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Requests.Get(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	recs, err := s.Directory.ListNotifications(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleUpsertProvider(w http.ResponseWriter, r *http.Request) {
	var p models.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.ID == "" || p.ServiceType == "" {
		writeError(w, http.StatusBadRequest, "id and service_type are required")
		return
	}
	if err := s.Directory.UpsertProvider(r.Context(), p); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var u models.ProviderUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := ingest.Validate(u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Updates != nil {
		if err := s.Updates.PublishProviderUpdate(r.Context(), u); err != nil {
			observability.ProviderUpdatesTotal.WithLabelValues("publish_failed").Inc()
			s.logger.Error("publishing provider update failed", "provider_id", u.ProviderID, "error", err)
			writeError(w, http.StatusBadGateway, "update not accepted")
			return
		}
		observability.ProviderUpdatesTotal.WithLabelValues("published").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.Directory.ApplyProviderUpdate(r.Context(), u); err != nil {
		observability.ProviderUpdatesTotal.WithLabelValues("apply_failed").Inc()
		s.writeStoreError(w, r, err)
		return
	}
	observability.ProviderUpdatesTotal.WithLabelValues("applied").Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWS keeps the provider session registered until the client goes away.
// Sessions are keyed by the provider's mirror key (mirror_id, or the provider
// id when none is set), the same key incoming requests are pushed under.
// Inbound frames are discarded; the read loop only detects disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["mirror_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "mirror_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, storage.ErrStatusConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
