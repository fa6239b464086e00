package main

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/closeup/capgate"
	"github.com/closeup/capgate/internal/admin"
	"github.com/closeup/capgate/internal/logging"
	"github.com/closeup/capgate/internal/queue"
	"github.com/closeup/capgate/internal/ratelimit"
	"github.com/closeup/capgate/internal/store"
	"github.com/closeup/capgate/internal/version"
	"github.com/closeup/capgate/internal/worker"
	"github.com/closeup/capgate/providers"
)

// QueueHeader opts a request into burst queueing, like ?queue=true.
const QueueHeader = "X-Capgate-Queue"

// maxBodyBytes allows a base64 data URL of the largest accepted image plus
// multipart or JSON framing.
const maxBodyBytes = providers.MaxImageBytes*4/3 + 1<<20

// newRouter builds the public HTTP router.
func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(accessLog)
	r.Use(corsMiddleware(a.cfg.Server.CORSOrigins...))

	mountOps(r, a)

	r.Route("/v1", func(r chi.Router) {
		r.Use(ratelimit.Middleware(a.limiter))
		r.Post("/classify", a.classify)
		r.Get("/classify/{id}", a.classifyStatus)
		r.Get("/capacity", a.capacity)
	})

	adminHandlers := &admin.Handlers{
		Keys:       a.keys,
		Gateway:    a.gw,
		Outcomes:   a.outcomes,
		Workers:    a.workerSource(),
		StaleAfter: a.cfg.Worker.StaleAfter.D(),
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.AuthMiddleware(a.keys))
		r.Mount("/", adminHandlers.Routes())
	})

	return r
}

// newOpsRouter serves only /health and /metrics, for worker processes.
func newOpsRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	mountOps(r, a)
	return r
}

func mountOps(r chi.Router, a *app) {
	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())
}

// accessLog logs one line per request with the trace ID set by
// logging.Middleware.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context()).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type queuedResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Position      int    `json:"position"`
	RetryAfterSec int    `json:"retry_after_seconds,omitempty"`
}

func (a *app) classify(w http.ResponseWriter, r *http.Request) {
	imageURL, err := readImage(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_image")
		return
	}

	sub, err := a.gw.Submit(r.Context(), imageURL, wantsQueue(r))
	switch {
	case errors.Is(err, capgate.ErrQueueFull):
		if sub != nil {
			setRetryAfter(w, sub.RetryAfter)
		}
		writeError(w, http.StatusServiceUnavailable,
			"Validation queue is full. Please try again later.", "service_unavailable", "queue_full")
		return
	case errors.Is(err, capgate.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable,
			"Validation service is temporarily unavailable.", "service_unavailable", "upstream_unavailable")
		return
	case err != nil:
		logging.FromContext(r.Context()).Error("classify failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "server_error", "")
		return
	}

	switch sub.Status {
	case capgate.SubmitCompleted:
		writeJSON(w, http.StatusOK, sub.Result)
	case capgate.SubmitQueued:
		w.Header().Set("Location", "/v1/classify/"+sub.QueueID)
		writeJSON(w, http.StatusAccepted, queuedResponse{
			ID:            sub.QueueID,
			Status:        string(queue.StatusQueued),
			Position:      sub.Position,
			RetryAfterSec: capgate.CeilSeconds(sub.RetryAfter),
		})
	case capgate.SubmitBusy:
		setRetryAfter(w, sub.RetryAfter)
		writeError(w, http.StatusTooManyRequests,
			"Validation capacity is exhausted. Please retry later.", "rate_limit_error", "capacity_exhausted")
	case capgate.SubmitDisabled:
		writeError(w, http.StatusServiceUnavailable,
			"Image validation is temporarily disabled.", "service_unavailable", "feature_disabled")
	}
}

func (a *app) classifyStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := a.gw.Status(r.Context(), id)
	if err != nil {
		logging.FromContext(r.Context()).Error("queue status failed", "id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue status unavailable", "server_error", "store_unavailable")
		return
	}
	if rec.Status == queue.StatusNotFound {
		writeError(w, http.StatusNotFound, "request not found or expired", "not_found_error", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *app) capacity(w http.ResponseWriter, r *http.Request) {
	rep, err := a.gw.Capacity(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("capacity failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "capacity unavailable", "server_error", "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type healthResponse struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	Redis   string          `json:"redis"`
	Feature string          `json:"feature,omitempty"`
	Breaker string          `json:"breaker,omitempty"`
	Workers []worker.Health `json:"workers,omitempty"`
}

// health reports 200 when Redis answers and every embedded worker has a
// recent heartbeat, 503 otherwise. A disabled feature is not unhealthy.
func (a *app) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: version.Short(), Redis: "ok"}
	status := http.StatusOK

	if err := store.Ping(r.Context(), a.redis); err != nil {
		resp.Status, resp.Redis = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	} else if st, br, err := a.gw.Feature(r.Context()); err == nil {
		resp.Feature, resp.Breaker = string(st.Mode()), br.String()
	}

	if a.pool != nil {
		resp.Workers = a.pool.Health()
		if !a.pool.Alive(a.livenessWindow()) {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// readImage accepts a multipart "photo" upload or a JSON {"image": dataURL}
// body and returns a validated data URL.
func readImage(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch ct {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(providers.MaxImageBytes); err != nil {
			return "", errors.New("invalid multipart body")
		}
		file, hdr, err := r.FormFile("photo")
		if err != nil {
			return "", errors.New("no photo provided")
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, providers.MaxImageBytes+1))
		if err != nil {
			return "", errors.New("failed to read photo")
		}
		fileType := hdr.Header.Get("Content-Type")
		if fileType == "" || fileType == "application/octet-stream" {
			fileType = http.DetectContentType(data)
		}
		return providers.EncodeImage(data, fileType)
	case "application/json":
		var body struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", errors.New("invalid JSON body")
		}
		if body.Image == "" {
			return "", errors.New("no image provided")
		}
		if err := providers.ValidateDataURL(body.Image); err != nil {
			return "", err
		}
		return body.Image, nil
	default:
		return "", errors.New("content type must be multipart/form-data or application/json")
	}
}

func wantsQueue(r *http.Request) bool {
	if v := r.URL.Query().Get("queue"); v != "" {
		ok, _ := strconv.ParseBool(v)
		return ok
	}
	v := strings.TrimSpace(r.Header.Get(QueueHeader))
	ok, _ := strconv.ParseBool(v)
	return ok
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(capgate.CeilSeconds(d)))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the JSON error envelope used across the API.
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	if code == "" {
		code = errType
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}
