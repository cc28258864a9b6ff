package httpapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/apperrors"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/middleware"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/observability"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/proto/harmony"
)

const serviceName = "harmony-adapter"

// Facade is the command and listing surface of the harmony adapter.
type Facade interface {
	TurnOn(ctx context.Context, ref harmony.EntityRef) error
	TurnOff(ctx context.Context, ref harmony.EntityRef) error
	SendDeviceCommand(ctx context.Context, req harmony.CommandRequest) error
	Synchronize(ctx context.Context) error
	Activities() []harmony.Activity
	Devices() []harmony.Device
}

type Server struct {
	facade         Facade
	requestTimeout time.Duration
}

type ServerOptions struct {
	// RequestTimeout bounds hub calls made on behalf of a request.
	RequestTimeout time.Duration
}

func NewServer(facade Facade, opts ServerOptions) *Server {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{facade: facade, requestTimeout: timeout}
}

type RouterOptions struct {
	// PublicKey enables RS256 bearer auth on /api when set.
	PublicKey *rsa.PublicKey
	Metrics   http.Handler
	Tracer    oteltrace.Tracer
}

func (s *Server) Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if opts.Tracer != nil {
		r.Use(observability.MetricsAndTracingMiddleware(opts.Tracer, serviceName))
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	r.Route("/api/harmony", func(r chi.Router) {
		if opts.PublicKey != nil {
			r.Use(middleware.JWTAuthMiddlewareRS256(opts.PublicKey))
			r.Use(middleware.RoleAtLeastMiddleware("resident"))
		}
		s.RegisterRoutes(r)
	})
	return r
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/activities", s.handleActivities)
	r.Get("/devices", s.handleDevices)
	r.Post("/sync", s.handleSync)
	r.Route("/services", func(r chi.Router) {
		r.Post("/turn_on", s.handleTurnOn)
		r.Post("/turn_off", s.handleTurnOff)
		r.Post("/send_command", s.handleSendCommand)
	})
}

type entityRequest struct {
	EntityID harmony.EntityRef `json:"entity_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.MalformedRequest("invalid request body: " + err.Error())
	}
	return nil
}

func (s *Server) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.requestTimeout)
}

// caller names the authenticated subject, empty when the API is open.
func caller(r *http.Request) string {
	if claims := middleware.GetClaims(r); claims != nil {
		return claims.Subject
	}
	return ""
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"activities": s.facade.Activities()})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.facade.Devices()})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.facade.Synchronize(ctx); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": s.facade.Activities(), "devices": s.facade.Devices()})
}

func (s *Server) handleTurnOn(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	slog.Info("harmony service call", "service", "turn_on", "entity_id", req.EntityID.First(), "user", caller(r))
	if err := s.facade.TurnOn(ctx, req.EntityID); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": req.EntityID.First(), "state": "on"})
}

func (s *Server) handleTurnOff(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	slog.Info("harmony service call", "service", "turn_off", "entity_id", req.EntityID.First(), "user", caller(r))
	if err := s.facade.TurnOff(ctx, req.EntityID); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": req.EntityID.First(), "state": "off"})
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req harmony.CommandRequest
	if err := decodeJSON(r, &req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	slog.Info("harmony service call", "service", "send_command", "entity_id", req.EntityID, "command", req.Command, "user", caller(r))
	if err := s.facade.SendDeviceCommand(ctx, req); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"entity_id": req.EntityID, "command": req.Command})
}
