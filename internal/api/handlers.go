// Package api exposes HTTP handlers for the workout sync backend.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Arthur-destb38/Appli-V2/internal/auth"
	"github.com/Arthur-destb38/Appli-V2/internal/domain"
	"github.com/Arthur-destb38/Appli-V2/internal/observability"
	"github.com/Arthur-destb38/Appli-V2/internal/persistence"
)

// Handler coordinates HTTP requests with the reconciliation engine.
type Handler struct {
	service  *domain.Service
	maxBatch int
}

// NewHandler builds a Handler. maxBatch bounds the number of mutations
// accepted in one sync request.
func NewHandler(service *domain.Service, maxBatch int) *Handler {
	if maxBatch <= 0 {
		maxBatch = 200
	}
	return &Handler{service: service, maxBatch: maxBatch}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.sync)
	mux.HandleFunc("/v1/workouts", h.listWorkouts)
	mux.HandleFunc("/v1/workouts/", h.workoutByID)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// SyncRequest is the payload for POST /v1/sync: one client's pending mutation
// log plus the watermark it has already synced past.
type SyncRequest struct {
	Watermark *time.Time        `json:"watermark,omitempty"`
	Mutations []domain.Envelope `json:"mutations"`
}

// SyncResponse carries per-item outcomes and the server-side changeset the
// client merges locally, making sync bidirectional in one round trip.
type SyncResponse struct {
	Results      []domain.ItemResult `json:"results"`
	Changes      *domain.Changeset   `json:"changes"`
	NewWatermark time.Time           `json:"new_watermark"`
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeWorkoutsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope workouts:write required")
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if len(req.Mutations) == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "mutations must not be empty")
		return
	}
	if len(req.Mutations) > h.maxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", "too many mutations in one batch")
		return
	}

	watermark := time.Time{}
	if req.Watermark != nil {
		watermark = req.Watermark.UTC()
	}

	start := time.Now()
	result, err := h.service.Reconcile(r.Context(), claims.Subject, req.Mutations, watermark)
	if err != nil {
		// Per-item outcomes never bubble up here; this is the changeset
		// query failing. Committed items stay committed and the client's
		// resubmission is replay-safe.
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	observability.ObserveBatch(time.Since(start))

	writeJSON(w, http.StatusOK, SyncResponse{
		Results:      result.Results,
		Changes:      result.Changes,
		NewWatermark: result.NewWatermark,
	})
}

func (h *Handler) workoutByID(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/v1/workouts/")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing workout id")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeWorkoutsRead) && !claims.HasScope(auth.ScopeWorkoutsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope workouts:read required")
		return
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid workout id")
		return
	}

	workout, err := h.service.GetWorkout(r.Context(), claims.Subject, id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkoutNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "workout not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toWorkoutView(*workout))
}

func (h *Handler) listWorkouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeWorkoutsRead) && !claims.HasScope(auth.ScopeWorkoutsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope workouts:read required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	workouts, next, err := h.service.ListWorkouts(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]WorkoutView, 0, len(workouts))
	for _, workout := range workouts {
		items = append(items, toWorkoutView(workout))
	}

	writeJSON(w, http.StatusOK, ListWorkoutsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

// WorkoutView exposes workout details to read collaborators.
type WorkoutView struct {
	ServerID  int64     `json:"server_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListWorkoutsResponse packages list results.
type ListWorkoutsResponse struct {
	Items      []WorkoutView `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func toWorkoutView(w domain.Workout) WorkoutView {
	return WorkoutView{
		ServerID:  w.ServerID,
		ClientID:  w.ClientID,
		Title:     w.Title,
		Status:    w.Status,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
