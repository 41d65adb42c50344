// Package api exposes the pool over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/auth"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/server"
)

// Options configures the handler.
type Options struct {
	Authenticator auth.Authenticator
	// RequestTimeout bounds the store work of a request. Provisioning is
	// bounded separately by the allocator.
	RequestTimeout time.Duration
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Handler struct {
	srv    *server.Server
	opts   Options
	logger *zap.Logger
}

// NewHTTPHandler returns the router for srv.
func NewHTTPHandler(srv *server.Server, opts Options) http.Handler {
	if opts.Authenticator == nil {
		opts.Authenticator = auth.HeaderAuthenticator{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Handler{srv: srv, opts: opts, logger: opts.Logger.Named("http")}

	r := mux.NewRouter()
	r.Use(h.logRequests)
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		RegisterMetrics(r, opts.Gatherer)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(h.authenticate)
	v1.HandleFunc("/reservations", h.handleReserve).Methods(http.MethodPost)
	v1.HandleFunc("/reservations", h.handleListReservations).Methods(http.MethodGet)
	v1.HandleFunc("/reservations/{id}", h.handleGetReservation).Methods(http.MethodGet)
	v1.HandleFunc("/reservations/{id}", h.handleRelease).Methods(http.MethodDelete)
	v1.HandleFunc("/machines/available", h.handleAvailable).Methods(http.MethodGet)
	v1.HandleFunc("/machines", h.handleListMachines).Methods(http.MethodGet)
	v1.HandleFunc("/machines", h.handleRegisterMachine).Methods(http.MethodPost)
	v1.HandleFunc("/machines/{name}", h.handleUpdateMachine).Methods(http.MethodPatch)
	v1.HandleFunc("/machines/{name}", h.handleDeregisterMachine).Methods(http.MethodDelete)
	v1.HandleFunc("/admin/release-all", h.handleReleaseAll).Methods(http.MethodPost)
	v1.HandleFunc("/admin/stale-accounts", h.handleStaleAccounts).Methods(http.MethodGet)
	return r
}

// RegisterMetrics registers the Prometheus handler on r.
func RegisterMetrics(r *mux.Router, g prometheus.Gatherer) {
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// ReserveBody is the JSON body of POST /v1/reservations.
type ReserveBody struct {
	Count           int     `json:"count"`
	DurationMinutes int     `json:"duration_minutes"`
	Password        string  `json:"reservation_password"`
	UserRef         *string `json:"user_ref,omitempty"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var body ReserveBody
	if !decode(w, r, &body) {
		return
	}
	if body.DurationMinutes < 0 {
		h.writeError(w, r, poolerr.Invalidf("duration_minutes must not be negative"))
		return
	}
	grant, err := h.srv.Reserve(r.Context(), identity(r), server.ReserveRequest{
		Count:      body.Count,
		Duration:   time.Duration(body.DurationMinutes) * time.Minute,
		Credential: body.Password,
		UserRef:    body.UserRef,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (h *Handler) handleListReservations(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("scope") == "all"
	leases, err := h.srv.ListReservations(r.Context(), identity(r), all)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reservations": leases})
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	l, err := h.srv.GetReservation(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.srv.ReleaseReservation(r.Context(), identity(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released", "id": id})
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	ms, err := h.srv.AvailableMachines(r.Context(), identity(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"available": len(ms), "machines": ms})
}

func (h *Handler) handleListMachines(w http.ResponseWriter, r *http.Request) {
	ms, err := h.srv.ListMachines(r.Context(), identity(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"machines": ms})
}

func (h *Handler) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	var spec models.MachineSpec
	if !decode(w, r, &spec) {
		return
	}
	m, err := h.srv.RegisterMachine(r.Context(), identity(r), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) handleUpdateMachine(w http.ResponseWriter, r *http.Request) {
	var upd models.MachineUpdate
	if !decode(w, r, &upd) {
		return
	}
	m, err := h.srv.UpdateMachine(r.Context(), identity(r), mux.Vars(r)["name"], upd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleDeregisterMachine(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.srv.DeregisterMachine(r.Context(), identity(r), name); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "machine": name})
}

func (h *Handler) handleReleaseAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.srv.ReleaseAll(r.Context(), identity(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"released": n})
}

func (h *Handler) handleStaleAccounts(w http.ResponseWriter, r *http.Request) {
	entries, err := h.srv.StaleAccounts(r.Context(), identity(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": entries})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.Healthy(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.opts.Authenticator.Authenticate(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		ctx := auth.NewContext(r.Context(), id)
		if h.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.opts.RequestTimeout)
			defer cancel()
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid_request", Message: "invalid JSON payload: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Available *int   `json:"available,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Details   string `json:"details,omitempty"`
}

// Error codes.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeUnauthenticated      = "unauthenticated"
	CodeInsufficientCapacity = "insufficient_capacity"
	CodeProvisionerFailure   = "provisioner_failure"
	CodeNotFound             = "not_found"
	CodeForbidden            = "forbidden"
	CodeConflict             = "conflict"
	CodeLockUnavailable      = "lock_unavailable"
	CodeInternal             = "server_error"
)

// errorResponse maps an error to its status and body.
func errorResponse(err error) (int, ErrorBody) {
	var (
		capErr  *poolerr.InsufficientCapacityError
		provErr *poolerr.ProvisionerError
	)
	switch {
	case errors.Is(err, poolerr.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorBody{Error: CodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, ErrorBody{Error: CodeUnauthenticated, Message: err.Error()}
	case errors.As(err, &capErr):
		available := capErr.Available
		return http.StatusConflict, ErrorBody{Error: CodeInsufficientCapacity, Message: err.Error(), Available: &available}
	case errors.As(err, &provErr):
		code := provErr.ExitCode
		return http.StatusBadGateway, ErrorBody{Error: CodeProvisionerFailure, ExitCode: &code, Details: provErr.Details}
	case errors.Is(err, poolerr.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Error: CodeNotFound, Message: err.Error()}
	case errors.Is(err, poolerr.ErrForbidden):
		return http.StatusForbidden, ErrorBody{Error: CodeForbidden}
	case errors.Is(err, poolerr.ErrStore):
		return http.StatusInternalServerError, ErrorBody{Error: CodeInternal}
	case errors.Is(err, poolerr.ErrConflict):
		return http.StatusConflict, ErrorBody{Error: CodeConflict, Message: err.Error()}
	case errors.Is(err, poolerr.ErrLockUnavailable):
		return http.StatusConflict, ErrorBody{Error: CodeLockUnavailable, Message: "another maintenance run is in progress"}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: CodeInternal}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	fields := []zap.Field{
		zap.Int("status", status),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Info("request rejected", fields...)
	}
	writeJSON(w, status, body)
}
