// Package admin provides the operator API: the feature switch, capacity and
// queue introspection, worker liveness, the outcome log, and API key
// management. Every route requires a bearer key (see AuthMiddleware).
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/closeup/capgate"
	"github.com/closeup/capgate/internal/circuitbreaker"
	"github.com/closeup/capgate/internal/featureflag"
	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/outcomelog"
	"github.com/closeup/capgate/internal/queue"
	"github.com/closeup/capgate/internal/worker"
)

// Gateway is the part of *capgate.Gateway the admin API drives.
type Gateway interface {
	Feature(ctx context.Context) (featureflag.State, circuitbreaker.State, error)
	SetFeature(ctx context.Context, enabled bool, by string) (featureflag.State, error)
	Capacity(ctx context.Context) (*capgate.CapacityReport, error)
	Queue() *queue.Queue
}

// WorkerSource reports the health of embedded drain workers.
type WorkerSource interface {
	Health() []worker.Health
}

// Handlers holds dependencies for admin HTTP handlers. Outcomes and Workers
// are optional.
type Handlers struct {
	Keys     Store
	Gateway  Gateway
	Outcomes outcomelog.Writer
	Workers  WorkerSource
	// StaleAfter is the default age for the stale-queue endpoints.
	StaleAfter time.Duration
}

// Routes returns a chi.Router with all admin endpoints mounted. The caller
// applies AuthMiddleware.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeReadOnly, ScopeAdmin))
		r.Get("/feature", h.getFeature)
		r.Get("/capacity", h.capacity)
		r.Get("/workers", h.workers)
		r.Get("/queue/stale", h.staleQueue)
		r.Get("/outcomes", h.listOutcomes)
		r.Get("/outcomes/stats", h.outcomeStats)
		r.Get("/keys", h.listKeys)
		r.Get("/keys/{id}", h.getKey)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireScope(ScopeAdmin))
		r.Put("/feature", h.putFeature)
		r.Post("/queue/recover", h.recoverQueue)
		r.Post("/keys", h.createKey)
		r.Delete("/keys/{id}", h.deleteKey)
		r.Post("/keys/{id}/revoke", h.revokeKey)
		r.Post("/keys/{id}/rotate", h.rotateKey)
	})

	return r
}

// FeatureResponse is the body of GET and PUT /feature.
type FeatureResponse struct {
	Enabled   bool             `json:"enabled"`
	AutoOff   bool             `json:"auto_off"`
	State     featureflag.Mode `json:"state"`
	Breaker   string           `json:"breaker"`
	Reason    string           `json:"reason,omitempty"`
	UpdatedBy string           `json:"updated_by,omitempty"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
}

func featureResponse(st featureflag.State, br circuitbreaker.State) FeatureResponse {
	resp := FeatureResponse{
		Enabled:   st.Enabled,
		AutoOff:   st.AutoOff,
		State:     st.Mode(),
		Breaker:   br.String(),
		Reason:    st.Reason,
		UpdatedBy: st.UpdatedBy,
	}
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

func (h *Handlers) getFeature(w http.ResponseWriter, r *http.Request) {
	st, br, err := h.Gateway.Feature(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "feature flag unavailable", "server_error", "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, featureResponse(st, br))
}

func (h *Handlers) putFeature(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}", "invalid_request_error", "invalid_request")
		return
	}
	by := actor(r.Context())
	if _, err := h.Gateway.SetFeature(r.Context(), *body.Enabled, by); err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to update feature flag", "server_error", "store_unavailable")
		return
	}
	logging.FromContext(r.Context()).Warn("feature flag changed by operator", "enabled", *body.Enabled, "by", by)
	h.getFeature(w, r)
}

func (h *Handlers) capacity(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Gateway.Capacity(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "capacity unavailable", "server_error", "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handlers) workers(w http.ResponseWriter, _ *http.Request) {
	if h.Workers == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"embedded": false, "workers": []worker.Health{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"embedded": true, "workers": h.Workers.Health()})
}

func (h *Handlers) olderThan(r *http.Request) (time.Duration, error) {
	d := h.StaleAfter
	if d <= 0 {
		d = 10 * time.Minute
	}
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return 0, errors.New("invalid older_than: must be a positive duration such as 10m")
		}
		d = parsed
	}
	return d, nil
}

func (h *Handlers) staleQueue(w http.ResponseWriter, r *http.Request) {
	d, err := h.olderThan(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}
	stale, err := h.Gateway.Queue().Stale(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable", "server_error", "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"older_than": d.String(),
		"count":      len(stale),
		"data":       stale,
	})
}

func (h *Handlers) recoverQueue(w http.ResponseWriter, r *http.Request) {
	d, err := h.olderThan(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}
	n, err := h.Gateway.Queue().RecoverStale(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable", "server_error", "store_unavailable")
		return
	}
	logging.FromContext(r.Context()).Warn("stale queue entries requeued by operator", "count", n, "by", actor(r.Context()))
	writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": n, "older_than": d.String()})
}

func parsePaging(r *http.Request, def, maxLimit int) (limit, offset int, err error) {
	limit = def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("invalid limit: must be a positive integer")
		}
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("invalid offset: must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func parseSince(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("invalid since: must be RFC3339 format")
	}
	return t, nil
}

func (h *Handlers) outcomesEnabled(w http.ResponseWriter) bool {
	if h.Outcomes == nil {
		writeError(w, http.StatusNotImplemented, "outcome log is not enabled", "not_implemented_error", "not_implemented")
		return false
	}
	return true
}

func (h *Handlers) listOutcomes(w http.ResponseWriter, r *http.Request) {
	if !h.outcomesEnabled(w) {
		return
	}
	limit, offset, err := parsePaging(r, 50, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}
	failed, _ := strconv.ParseBool(r.URL.Query().Get("failed"))
	q := outcomelog.Query{
		Source: r.URL.Query().Get("source"),
		Label:  r.URL.Query().Get("label"),
		Failed: failed,
		Since:  since,
		Limit:  limit,
		Offset: offset,
	}

	result, err := h.Outcomes.List(r.Context(), q)
	if errors.Is(err, outcomelog.ErrDisabled) {
		writeError(w, http.StatusNotImplemented, "outcome log is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list outcomes", "server_error", "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result.Data,
		"summary": map[string]interface{}{
			"total_entries":    result.Total,
			"returned_entries": len(result.Data),
		},
		"filters": map[string]interface{}{
			"limit":  limit,
			"offset": offset,
			"source": q.Source,
			"label":  q.Label,
			"failed": q.Failed,
			"since":  r.URL.Query().Get("since"),
		},
	})
}

func (h *Handlers) outcomeStats(w http.ResponseWriter, r *http.Request) {
	if !h.outcomesEnabled(w) {
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_request")
		return
	}
	st, err := h.Outcomes.Stats(r.Context(), since)
	if errors.Is(err, outcomelog.ErrDisabled) {
		writeError(w, http.StatusNotImplemented, "outcome log is not enabled", "not_implemented_error", "not_implemented")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute outcome stats", "server_error", "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string   `json:"name"`
		Scopes    []string `json:"scopes"`
		ExpiresAt string   `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "invalid_request_error", "invalid_request")
		return
	}
	for _, s := range body.Scopes {
		if s != ScopeAdmin && s != ScopeReadOnly {
			writeError(w, http.StatusBadRequest, "unknown scope "+strconv.Quote(s), "invalid_request_error", "invalid_request")
			return
		}
	}

	var expiresAt *time.Time
	if body.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, body.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expires_at: must be RFC3339 format", "invalid_request_error", "invalid_request")
			return
		}
		expiresAt = &t
	}

	key, err := h.Keys.Create(body.Name, body.Scopes, expiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "internal_error")
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (h *Handlers) listKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Keys.List())
}

func (h *Handlers) getKey(w http.ResponseWriter, r *http.Request) {
	key, ok := h.Keys.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "key not found", "not_found_error", "resource_not_found")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (h *Handlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Keys.Revoke(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error", "resource_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handlers) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Keys.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error", "resource_not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.Keys.RotateKey(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error", "resource_not_found")
		return
	}
	writeJSON(w, http.StatusOK, key)
}
