// Package restapi provides the HTTP/JSON facade onto the Submission Path
// and the run store. It is the only network entry point for submitting runs
// and polling their status (cmd/api's gRPC server exposes health checking
// only); the protocol-level guarantees all live in internal/submission and
// internal/finalize.
package restapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/packrun/coordinator/internal/coreerr"
	"github.com/packrun/coordinator/internal/money"
	"github.com/packrun/coordinator/internal/runstore"
	"github.com/packrun/coordinator/internal/submission"
)

// Handler wires HTTP routes onto the submission path and run store.
type Handler struct {
	path  *submission.Path
	store runstore.Store
	log   zerolog.Logger
}

func NewHandler(path *submission.Path, store runstore.Store, logger zerolog.Logger) *Handler {
	return &Handler{path: path, store: store, log: logger.With().Str("component", "restapi").Logger()}
}

// RegisterRoutes mounts the run-submission endpoints on mux. Health,
// readiness, and metrics endpoints are mounted separately by cmd/api so
// they can be wired against whatever dependency checks the caller needs.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/runs", h.handleRuns)
	mux.HandleFunc("/v1/runs/", h.handleRunByID)
}

// submitRunRequest carries no soft_limit field: the soft limit a
// reservation is checked against is the tenant's own configured value,
// read server-side by submission.Path, never trusted from the caller.
type submitRunRequest struct {
	TenantID        string `json:"tenant_id"`
	PackSpec        string `json:"pack_spec"`
	MaxCost         string `json:"max_cost"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	LeaseTTLSeconds int64  `json:"lease_ttl_seconds,omitempty"`
}

type submitRunResponse struct {
	RunID string `json:"run_id"`
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.TenantID == "" || req.PackSpec == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and pack_spec are required")
		return
	}

	maxCost, err := money.ParseDecimalString(req.MaxCost)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid max_cost: "+err.Error())
		return
	}

	runID, err := h.path.Submit(r.Context(), submission.Request{
		TenantID:        req.TenantID,
		PackSpec:        req.PackSpec,
		MaxCost:         maxCost,
		IdempotencyKey:  req.IdempotencyKey,
		LeaseTTLSeconds: req.LeaseTTLSeconds,
	})
	if err != nil {
		h.handleSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitRunResponse{RunID: runID})
}

func (h *Handler) handleSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, submission.ErrBudgetExceeded):
		writeError(w, http.StatusPaymentRequired, "budget exceeded")
	case errors.Is(err, coreerr.ErrDuplicateReservation):
		writeError(w, http.StatusConflict, "duplicate reservation with a different amount")
	default:
		h.log.Error().Err(err).Msg("submit failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type runResponse struct {
	RunID         string  `json:"run_id"`
	TenantID      string  `json:"tenant_id"`
	Status        string  `json:"status"`
	MoneyState    string  `json:"money_state"`
	FinalizeStage string  `json:"finalize_stage"`
	ReservedCost  string  `json:"reservation_max_cost"`
	ActualCost    *string `json:"actual_cost,omitempty"`
	ResultKey     string  `json:"result_key,omitempty"`
}

func (h *Handler) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	runID := r.URL.Path[len("/v1/runs/"):]
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}

	run, err := h.store.Load(r.Context(), runID)
	if err != nil {
		if errors.Is(err, coreerr.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.log.Error().Err(err).Str("run_id", runID).Msg("load failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := runResponse{
		RunID:         run.RunID,
		TenantID:      run.TenantID,
		Status:        string(run.Status),
		MoneyState:    string(run.MoneyState),
		FinalizeStage: string(run.FinalizeStage),
		ReservedCost:  run.ReservationMaxCost.String(),
		ResultKey:     run.ResultKey,
	}
	if run.ActualCost != nil {
		s := run.ActualCost.String()
		resp.ActualCost = &s
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
