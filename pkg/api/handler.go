package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	maxProjectIDLen = 255
	maxBodyBytes    = 1 << 16
)

var errProjectIDMissing = errors.New("project ID not found")

// Handler provides HTTP endpoints for entitlement inspection and project administration
type Handler struct {
	config Config
}

// GetUsage returns the usage snapshot of the project, the way progress bars show it
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	snap, err := h.config.Manager.Snapshot(ctx, projectID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	cycle, err := h.config.Manager.CurrentCycle(ctx, projectID, time.Now())
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	catalog := h.config.Manager.Catalog()
	next, _ := catalog.Next(snap.Tier)

	h.writeJSON(w, http.StatusOK, UsageResponse{
		ProjectID:  projectID,
		Tier:       snap.Tier,
		TierName:   catalog.DisplayName(snap.Tier),
		NextTier:   next,
		Limits:     snap.Limits,
		Usage:      snap.Usage,
		Percentage: snap.Percentage,
		Cycle:      CycleResponse{Start: cycle.Start, End: cycle.End},
	})
}

// Check answers whether the project could spend ?cost= units of ?resource= right now.
// It never writes to the ledger. cost defaults to 1.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	kind, err := entitle.ParseResourceKind(query.Get("resource"))
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	cost := 1
	if raw := query.Get("cost"); raw != "" {
		cost, err = strconv.Atoi(raw)
		if err != nil || cost <= 0 || cost > entitle.MaxCost {
			h.handleError(w, r, fmt.Errorf("%w: %q", entitle.ErrInvalidAmount, raw), http.StatusBadRequest)
			return
		}
	}

	decision, err := h.config.Manager.Check(r.Context(), projectID, kind, cost)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	h.writeJSON(w, http.StatusOK, CheckResponse{
		Resource: kind,
		Cost:     cost,
		Allowed:  decision.Allowed,
		Reason:   decision.Reason,
	})
}

// CreateProject registers a project with an all-zero ledger
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if req.ID == "" || len(req.ID) > maxProjectIDLen {
		h.handleError(w, r, entitle.ErrInvalidProject, http.StatusBadRequest)
		return
	}

	project, err := h.config.Manager.CreateProject(r.Context(), req.ID, req.Tier)
	if err != nil {
		h.handleError(w, r, err, inputStatusFor(err))
		return
	}
	h.writeJSON(w, http.StatusCreated, project)
}

// ChangeTier moves the project to the tier named in the body
func (h *Handler) ChangeTier(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	var req ChangeTierRequest
	if err := decodeJSON(r, &req); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	project, err := h.config.Manager.ChangeTier(r.Context(), projectID, req.Tier)
	if err != nil {
		h.handleError(w, r, err, inputStatusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, project)
}

// Tiers lists the tier table, lowest first
func (h *Handler) Tiers(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.config.Manager.Catalog().Definitions())
}

func (h *Handler) projectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	projectID := h.config.GetProjectID(r)
	if projectID == "" {
		h.handleError(w, r, errProjectIDMissing, http.StatusUnauthorized)
		return "", false
	}
	if len(projectID) > maxProjectIDLen {
		h.handleError(w, r, fmt.Errorf("invalid project ID format"), http.StatusBadRequest)
		return "", false
	}
	return projectID, true
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	msg := err.Error()
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("usage api request failed",
			entitle.Field{Key: "path", Value: r.URL.Path},
			entitle.Field{Key: "error", Value: err.Error()},
		)
		msg = http.StatusText(statusCode)
	}
	h.writeJSON(w, statusCode, ErrorResponse{Error: msg})
}

// statusFor maps manager errors to a status. ErrInvalidTier is a 500 here: on reads
// it means a stored project names a tier the catalog lacks. Handlers that take a tier
// from the request use inputStatusFor instead.
func statusFor(err error) int {
	switch {
	case errors.Is(err, entitle.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, entitle.ErrProjectExists):
		return http.StatusConflict
	case errors.Is(err, entitle.ErrUnknownResource),
		errors.Is(err, entitle.ErrInvalidAmount),
		errors.Is(err, entitle.ErrInvalidProject):
		return http.StatusBadRequest
	case errors.Is(err, entitle.ErrCircuitOpen), errors.Is(err, entitle.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func inputStatusFor(err error) int {
	if errors.Is(err, entitle.ErrInvalidTier) {
		return http.StatusBadRequest
	}
	return statusFor(err)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeJSON logs encode failures; the status line is already sent by then
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Warn("failed to encode usage api response",
			entitle.Field{Key: "status", Value: status},
			entitle.Field{Key: "error", Value: err.Error()},
		)
	}
}
