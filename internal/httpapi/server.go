// Package httpapi is the host-facing control API over the lifecycle manager:
// status, server start/stop, model location, downloads (SSE and WebSocket
// progress), discovery and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"localllm/internal/lifecycle"
	"localllm/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service = lifecycle.API

type api struct {
	svc  Service
	opts Options
	lvl  LogLevel
	log  zerolog.Logger
}

// NewMux builds the control API router.
func NewMux(svc Service, opts Options) http.Handler {
	opts = opts.withDefaults()
	a := &api{svc: svc, opts: opts, lvl: defaultLevel(opts.LogLevel), log: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(MetricsMiddleware)
	r.Use(accessLog(a.log, a.lvl))
	r.Use(middleware.Recoverer)
	if opts.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSAllowedOrigins,
			AllowedMethods: opts.CORSAllowedMethods,
			AllowedHeaders: opts.CORSAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.IsServerRunning() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not running"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		// streamed routes stay outside Compress
		r.Post("/model/download", a.handleDownloadSSE)
		r.Get("/model/download/ws", a.handleDownloadWS)
		r.Delete("/model/download", a.handleCancelDownload)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))
			r.Get("/status", a.handleStatus)
			r.Post("/server/start", a.handleStartServer)
			r.Post("/server/stop", a.handleStopServer)
			r.Get("/model", a.handleModelInfo)
			r.Put("/model/path", a.handleSetModelPath)
			r.Get("/models/local", a.handleLocalModels)
			r.Get("/models/ollama", a.handleOllamaModels)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Status())
}

func (a *api) handleStartServer(w http.ResponseWriter, r *http.Request) {
	// shutdown or client disconnect aborts a start in progress
	ctx, cancel := a.requestContext(r)
	defer cancel()
	ep, err := a.svc.StartServer(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.StartServerResponse{Endpoint: ep})
}

func (a *api) handleStopServer(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.StopServer(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.svc.ModelInfo()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) handleSetModelPath(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes)
	var req types.ModelPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	path := ""
	if req.Path != nil {
		path = *req.Path
	}
	if err := a.svc.SetCustomModelPath(r.Context(), path); err != nil {
		writeError(w, err)
		return
	}
	a.handleModelInfo(w, r)
}

func (a *api) handleLocalModels(w http.ResponseWriter, r *http.Request) {
	models, err := a.svc.ListLocalModels()
	if err != nil {
		writeError(w, err)
		return
	}
	if models == nil {
		models = []types.Model{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

func (a *api) handleOllamaModels(w http.ResponseWriter, r *http.Request) {
	names, err := a.svc.ListOllamaModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, types.OllamaModelsResponse{Models: names})
}

func (a *api) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	a.svc.CancelDownload()
	w.WriteHeader(http.StatusNoContent)
}
