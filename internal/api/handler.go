package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/export"
	"github.com/rpattn/recon/internal/reconcile"
)

// Handler serves the reconciliation endpoints.
type Handler struct {
	service *reconcile.Service
	exports *export.Service
	logger  *slog.Logger
}

type ruleSummary struct {
	ID          string   `json:"id"`
	System      string   `json:"system"`
	Metric      string   `json:"metric"`
	Formula     string   `json:"formula"`
	TargetGrain []string `json:"target_grain,omitempty"`
}

type runPayload struct {
	RuleID string     `json:"rule_id"`
	AsOf   *time.Time `json:"as_of,omitempty"`
	Trace  bool       `json:"trace,omitempty"`
}

type exportResponse struct {
	Report reconcile.Report `json:"report"`
	Export export.Result    `json:"export"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rules":  len(h.service.Metadata().Rules()),
	})
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.service.Metadata().Rules()
	out := make([]ruleSummary, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleSummary{
			ID:          rule.ID,
			System:      rule.System,
			Metric:      rule.Metric,
			Formula:     rule.Computation.Formula,
			TargetGrain: rule.Computation.TargetGrain,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.service.Compile(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var payload runPayload
	if err := decode(r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	if payload.RuleID == "" {
		h.writeError(w, r, domain.ErrValidation("rule_id is required"))
		return
	}
	result, err := h.service.Run(r.Context(), payload.RuleID, reconcile.RunOptions{AsOf: payload.AsOf, Trace: payload.Trace})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcile.Request
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.service.Reconcile(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleReconcileExport(w http.ResponseWriter, r *http.Request) {
	if h.exports == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "exports are not configured"})
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("%v", err))
		return
	}
	var req reconcile.Request
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.service.Reconcile(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	result, err := h.exports.Export(r.Context(), report, format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exportResponse{Report: report, Export: result})
}

func decode(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return domain.ErrValidation("invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

// classify maps typed domain errors onto HTTP statuses.
func classify(err error) (int, string) {
	var (
		ruleNotFound  *domain.RuleNotFoundError
		tableNotFound *domain.TableNotFoundError
		validation    *domain.ValidationError
		expression    *domain.ExpressionError
		columnMissing *domain.ColumnNotFoundError
		explosion     *domain.JoinExplosionError
		grainErr      *domain.GrainResolutionError
		missing       *domain.MissingSourceError
	)
	switch {
	case errors.As(err, &ruleNotFound):
		return http.StatusNotFound, "rule_not_found"
	case errors.As(err, &tableNotFound):
		return http.StatusNotFound, "table_not_found"
	case errors.As(err, &validation):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &expression):
		return http.StatusBadRequest, "expression"
	case errors.As(err, &columnMissing):
		return http.StatusBadRequest, "column_not_found"
	case errors.As(err, &explosion):
		return http.StatusUnprocessableEntity, "join_explosion"
	case errors.As(err, &grainErr):
		return http.StatusUnprocessableEntity, "grain_resolution"
	case errors.As(err, &missing):
		return http.StatusUnprocessableEntity, "missing_source"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
