package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/seedbox_governor/internal/logctx"
	"github.com/italolelis/seedbox_governor/internal/seedbox"
	"github.com/italolelis/seedbox_governor/internal/transfer"
)

// Trigger runs a scheduled task out of band.
type Trigger interface {
	Trigger() bool
}

type SeedboxHandler struct {
	username string
	password string
	svc      *seedbox.Service
	sweep    Trigger
}

// NewSeedboxHandler creates the command API. Basic auth is enforced when username is set.
func NewSeedboxHandler(username, password string, svc *seedbox.Service, sweep Trigger) *SeedboxHandler {
	return &SeedboxHandler{
		username: username,
		password: password,
		svc:      svc,
		sweep:    sweep,
	}
}

func (h *SeedboxHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.HandleListJobs)
		r.Post("/", h.HandleSubmitJob)
		r.Delete("/", h.HandleDeleteJobs)
	})

	r.Route("/seeding", func(r chi.Router) {
		r.Get("/", h.HandleSeedingStatus)
		r.Post("/", h.HandleTrackForSeeding)
		r.Post("/stop", h.HandleStopSeeding)
		r.Post("/{id}/complete", h.HandleMarkCompleted)
		r.Delete("/{id}", h.HandleRemoveTracking)
	})

	r.Get("/progress", h.HandleProgress)
	r.Post("/sweep", h.HandleSweep)

	return r
}

type submitRequest struct {
	Source   string `json:"source"`
	SavePath string `json:"save_path"`
	Live     bool   `json:"live"`
}

type idsRequest struct {
	IDs         []string `json:"ids"`
	DeleteFiles bool     `json:"delete_files"`
}

type trackRequest struct {
	ID string `json:"id"`
}

func (h *SeedboxHandler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	if transfers == nil {
		transfers = []*transfer.Transfer{}
	}

	writeJSON(w, r, http.StatusOK, transfers)
}

func (h *SeedboxHandler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.Source) == "" {
		http.Error(w, "source is required", http.StatusBadRequest)

		return
	}

	sub, err := h.svc.Submit(r.Context(), req.Source, req.SavePath, req.Live)
	if err != nil {
		writeError(w, r, err)

		return
	}

	status := http.StatusCreated
	if sub.Transfer == nil {
		// Accepted by the remote but not visible yet.
		status = http.StatusAccepted
	}

	writeJSON(w, r, status, sub)
}

func (h *SeedboxHandler) HandleDeleteJobs(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !decode(w, r, &req) {
		return
	}

	if len(req.IDs) == 0 {
		http.Error(w, "ids are required", http.StatusBadRequest)

		return
	}

	if err := h.svc.Delete(r.Context(), req.IDs, req.DeleteFiles); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *SeedboxHandler) HandleSeedingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.svc.Status())
}

func (h *SeedboxHandler) HandleTrackForSeeding(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !decode(w, r, &req) {
		return
	}

	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)

		return
	}

	rec, err := h.svc.TrackForSeeding(r.Context(), req.ID)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, rec)
}

func (h *SeedboxHandler) HandleStopSeeding(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !decode(w, r, &req) {
		return
	}

	if len(req.IDs) == 0 {
		http.Error(w, "ids are required", http.StatusBadRequest)

		return
	}

	if err := h.svc.StopSeeding(r.Context(), req.IDs); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *SeedboxHandler) HandleMarkCompleted(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.MarkCompleted(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, rec)
}

func (h *SeedboxHandler) HandleRemoveTracking(w http.ResponseWriter, r *http.Request) {
	if !h.svc.RemoveTracking(chi.URLParam(r, "id")) {
		http.Error(w, "transfer is not tracked", http.StatusNotFound)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *SeedboxHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.svc.Progress())
}

func (h *SeedboxHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweep == nil || !h.sweep.Trigger() {
		http.Error(w, "sweep already running or not started", http.StatusConflict)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *SeedboxHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Debug("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "err", err)
	} else {
		logger.Debug("request rejected", "status", status, "err", err)
	}

	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	var (
		cfgErr      *transfer.ConfigurationError
		authErr     *transfer.AuthenticationError
		expiredErr  *transfer.SessionExpiredError
		networkErr  *transfer.NetworkError
		rejectedErr *transfer.RejectedError
	)

	switch {
	case errors.Is(err, transfer.ErrNotFound), errors.Is(err, seedbox.ErrNotTracked):
		return http.StatusNotFound
	case errors.Is(err, seedbox.ErrNotComplete):
		return http.StatusConflict
	case errors.As(err, &cfgErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &authErr), errors.As(err, &expiredErr):
		return http.StatusBadGateway
	case errors.As(err, &rejectedErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &networkErr):
		if networkErr.StatusCode == 0 {
			return http.StatusGatewayTimeout
		}

		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
