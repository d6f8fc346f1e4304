// Package server exposes the HTTP surface: event creation (which arms the
// deadline-deferred lottery), the organizer's manual trigger, cascade
// cleanup hooks, health probes, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"EventLottery/internal/dispatch"
	"EventLottery/internal/model"
	"EventLottery/internal/observability"
	"EventLottery/internal/store"
)

// LotteryService runs organizer-invoked lotteries.
type LotteryService interface {
	HandleManualTrigger(ctx context.Context, req dispatch.ManualTriggerRequest) (dispatch.Outcome, error)
}

// EventStore persists events and serves signup reads.
type EventStore interface {
	CreateEvent(ctx context.Context, e *model.Event) error
	GetSignup(ctx context.Context, signupID string) (*model.Signup, error)
}

// RunScheduler arms the deferred lottery for a new event.
type RunScheduler interface {
	PublishEventCreated(ctx context.Context, eventID string, deadline time.Time) error
}

// CascadeCleaner removes dependents of deleted parents.
type CascadeCleaner interface {
	HandleEventDeleted(ctx context.Context, eventID string) (int, error)
	HandleFacilityDeleted(ctx context.Context, facilityID string) (int, error)
	HandleUserDeleted(ctx context.Context, userID string) map[string]int
	HandleOrganizerDemoted(ctx context.Context, userID string) (int, error)
}

// Server is the HTTP API.
type Server struct {
	lottery   LotteryService
	events    EventStore
	scheduler RunScheduler
	cleaner   CascadeCleaner
	health    *observability.HealthChecker
	log       zerolog.Logger
	metrics   *observability.Metrics

	httpServer *http.Server
}

// New constructs the Server. cleaner, health, and metrics may be nil.
func New(lottery LotteryService, events EventStore, scheduler RunScheduler, cleaner CascadeCleaner, health *observability.HealthChecker, log zerolog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		lottery:   lottery,
		events:    events,
		scheduler: scheduler,
		cleaner:   cleaner,
		health:    health,
		log:       log,
		metrics:   metrics,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observeRequests)

	r.Post("/api/events", s.handleCreateEvent)
	r.Post("/api/events/{eventID}/lottery", s.handleManualTrigger)
	r.Get("/api/signups/{signupID}", s.handleGetSignup)

	if s.cleaner != nil {
		r.Delete("/api/events/{eventID}", s.handleEventDeleted)
		r.Delete("/api/facilities/{facilityID}", s.handleFacilityDeleted)
		r.Delete("/api/users/{userID}", s.handleUserDeleted)
		r.Post("/api/users/{userID}/demote", s.handleOrganizerDemoted)
	}

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start serves HTTP until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type createEventRequest struct {
	OrganizerID string    `json:"organizerId"`
	FacilityID  string    `json:"facilityId,omitempty"`
	EventName   string    `json:"eventName"`
	Deadline    time.Time `json:"deadline"`
	Capacity    int       `json:"capacity"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-argument", "malformed request body")
		return
	}
	if req.OrganizerID == "" || req.EventName == "" || req.Capacity <= 0 || req.Deadline.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid-argument", "organizerId, eventName, deadline and a positive capacity are required")
		return
	}

	event := &model.Event{
		ID:          uuid.NewString(),
		OrganizerID: req.OrganizerID,
		FacilityID:  req.FacilityID,
		EventName:   req.EventName,
		Deadline:    req.Deadline,
		Capacity:    req.Capacity,
	}

	if err := s.events.CreateEvent(r.Context(), event); err != nil {
		s.log.Error().Err(err).Msg("create event failed")
		writeError(w, http.StatusInternalServerError, "internal", "could not create event")
		return
	}

	if err := s.scheduler.PublishEventCreated(r.Context(), event.ID, event.Deadline); err != nil {
		// The event row exists; the lottery can still be run manually.
		s.log.Error().Err(err).Str("event_id", event.ID).Msg("failed to schedule lottery")
	}

	writeJSON(w, http.StatusCreated, event)
}

type manualTriggerRequest struct {
	OrganizerID      string `json:"organizerId"`
	NumberOfEntrants int    `json:"numberOfEntrants"`
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	var req manualTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observeTrigger("invalid_argument")
		writeError(w, http.StatusBadRequest, "invalid-argument", "malformed request body")
		return
	}

	outcome, err := s.lottery.HandleManualTrigger(r.Context(), dispatch.ManualTriggerRequest{
		EventID:          chi.URLParam(r, "eventID"),
		OrganizerID:      req.OrganizerID,
		NumberOfEntrants: req.NumberOfEntrants,
	})

	switch {
	case err == nil:
		s.observeTrigger("ok")
		writeJSON(w, http.StatusOK, map[string]string{"message": outcome.Message()})

	case errors.Is(err, dispatch.ErrInvalidArgument):
		s.observeTrigger("invalid_argument")
		writeError(w, http.StatusBadRequest, "invalid-argument", err.Error())

	case errors.Is(err, store.ErrNotFound):
		s.observeTrigger("not_found")
		writeError(w, http.StatusNotFound, "not-found", fmt.Sprintf("event %s does not exist", chi.URLParam(r, "eventID")))

	case errors.Is(err, dispatch.ErrPermissionDenied):
		s.observeTrigger("permission_denied")
		writeError(w, http.StatusForbidden, "permission-denied", "caller is not the organizer of this event")

	default:
		s.observeTrigger("internal")
		s.log.Error().Err(err).Msg("manual lottery trigger failed")
		writeError(w, http.StatusInternalServerError, "internal", "lottery run failed")
	}
}

// signupResponse carries the signup plus the four-boolean state encoding
// the mobile clients read.
type signupResponse struct {
	model.Signup
	Flags model.Flags `json:"flags"`
}

func (s *Server) handleGetSignup(w http.ResponseWriter, r *http.Request) {
	signupID := chi.URLParam(r, "signupID")
	signup, err := s.events.GetSignup(r.Context(), signupID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, signupResponse{Signup: *signup, Flags: signup.State.Flags()})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not-found", fmt.Sprintf("signup %s does not exist", signupID))
	default:
		s.log.Error().Err(err).Str("signup_id", signupID).Msg("get signup failed")
		writeError(w, http.StatusInternalServerError, "internal", "could not load signup")
	}
}

func (s *Server) handleEventDeleted(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	deleted, err := s.cleaner.HandleEventDeleted(r.Context(), eventID)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("event cascade failed")
		writeError(w, http.StatusInternalServerError, "internal", "cascade deletion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"signupsDeleted": deleted})
}

func (s *Server) handleFacilityDeleted(w http.ResponseWriter, r *http.Request) {
	facilityID := chi.URLParam(r, "facilityID")
	deleted, err := s.cleaner.HandleFacilityDeleted(r.Context(), facilityID)
	if err != nil {
		s.log.Error().Err(err).Str("facility_id", facilityID).Msg("facility cascade failed")
		writeError(w, http.StatusInternalServerError, "internal", "cascade deletion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"eventsDeleted": deleted})
}

func (s *Server) handleUserDeleted(w http.ResponseWriter, r *http.Request) {
	deleted := s.cleaner.HandleUserDeleted(r.Context(), chi.URLParam(r, "userID"))
	writeJSON(w, http.StatusOK, deleted)
}

func (s *Server) handleOrganizerDemoted(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	deleted, err := s.cleaner.HandleOrganizerDemoted(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("demotion cascade failed")
		writeError(w, http.StatusInternalServerError, "internal", "cascade deletion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"facilitiesDeleted": deleted})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%d", rec.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) observeTrigger(status string) {
	if s.metrics != nil {
		s.metrics.ManualTriggers.WithLabelValues(status).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
