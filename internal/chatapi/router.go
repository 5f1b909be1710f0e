// Package chatapi serves the OpenAI-style chat completion protocol that the
// local inference endpoint exposes to client applications.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"localllm/pkg/types"
)

// Backend produces completions. The llama-server subprocess is the production
// implementation.
type Backend interface {
	Ready(ctx context.Context) error
	Complete(ctx context.Context, req types.ChatCompletionRequest, onDelta func(string) error) (types.CompletionResult, error)
}

// HTTPError lets a backend error choose its status code.
type HTTPError interface {
	error
	StatusCode() int
}

// Options configures the router.
type Options struct {
	// ModelPath of the served artifact; its base name is reported as the model.
	ModelPath    string
	MaxBodyBytes int64
	// Bound for the /health probe of the backend.
	HealthTimeout time.Duration
	Logger        zerolog.Logger
}

type handler struct {
	backend Backend
	model   string
	maxBody int64
	healthT time.Duration
	log     zerolog.Logger
}

// NewRouter returns the HTTP handler for the inference endpoint.
func NewRouter(backend Backend, opts Options) http.Handler {
	h := &handler{
		backend: backend,
		model:   strings.TrimSuffix(filepath.Base(opts.ModelPath), filepath.Ext(opts.ModelPath)),
		maxBody: opts.MaxBodyBytes,
		healthT: opts.HealthTimeout,
		log:     opts.Logger,
	}
	if opts.ModelPath == "" {
		h.model = "local"
	}
	if h.maxBody <= 0 {
		h.maxBody = 1 << 20
	}
	if h.healthT <= 0 {
		h.healthT = 2 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", h.health)
	r.Get("/models", h.models)
	r.Get("/v1/models", h.models)
	r.Post("/chat/completions", h.chat)
	r.Post("/v1/chat/completions", h.chat)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthT)
	defer cancel()
	if err := h.backend.Ready(ctx); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "loading")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *handler) models(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   []map[string]string{{"id": h.model, "object": "model", "owned_by": "local"}},
	})
}

func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req types.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "messages is required")
		return
	}
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Role) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("messages[%d].role is required", i))
			return
		}
	}
	if req.Model == "" {
		req.Model = h.model
	}

	start := time.Now()
	id := "chatcmpl-" + uuid.NewString()
	created := start.Unix()
	mode := "json"
	if req.Stream {
		mode = "stream"
	}
	l := h.log.With().Str("request_id", middleware.GetReqID(r.Context())).Str("mode", mode).Logger()
	l.Debug().Str("event", "chat_start").Int("messages", len(req.Messages)).Msg("chat start")

	var err error
	if req.Stream {
		err = h.stream(w, r, req, id, created)
	} else {
		err = h.complete(w, r, req, id, created)
	}
	outcome := "ok"
	switch {
	case err == nil:
	case r.Context().Err() != nil:
		outcome = "client_gone"
	default:
		outcome = "error"
	}
	chatRequestsTotal.WithLabelValues(mode, outcome).Inc()
	chatDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	ev := l.Info()
	if err != nil && outcome == "error" {
		ev = l.Error().Err(err)
	}
	ev.Str("event", "chat_end").Str("outcome", outcome).Dur("dur", time.Since(start)).Msg("chat end")
}

func (h *handler) complete(w http.ResponseWriter, r *http.Request, req types.ChatCompletionRequest, id string, created int64) error {
	var b strings.Builder
	res, err := h.backend.Complete(r.Context(), req, func(s string) error {
		b.WriteString(s)
		return nil
	})
	if err != nil {
		if r.Context().Err() == nil {
			writeBackendError(w, err)
		}
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(types.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   req.Model,
		Choices: []types.ChatCompletionChoice{{
			Index:        0,
			Message:      types.ChatMessage{Role: "assistant", Content: b.String()},
			FinishReason: res.FinishReason,
		}},
		Usage: res.Usage,
	})
}

// stream writes one `data: {chunk}` frame per delta. The response ends when
// the handler returns; no [DONE] terminator is sent.
func (h *handler) stream(w http.ResponseWriter, r *http.Request, req types.ChatCompletionRequest, id string, created int64) error {
	fl, _ := w.(http.Flusher)
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}
	send := func(delta types.ChatDelta, finish *string) error {
		begin()
		chunk := types.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []types.ChatCompletionChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		if fl != nil {
			fl.Flush()
		}
		return nil
	}

	first := true
	res, err := h.backend.Complete(r.Context(), req, func(s string) error {
		d := types.ChatDelta{Content: s}
		if first {
			d.Role = "assistant"
			first = false
		}
		return send(d, nil)
	})
	if err != nil {
		if r.Context().Err() != nil {
			return err
		}
		if !started {
			writeBackendError(w, err)
			return err
		}
		// headers are gone; report in-band
		b, _ := json.Marshal(map[string]any{"error": map[string]string{"message": err.Error()}})
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		if fl != nil {
			fl.Flush()
		}
		return err
	}
	fr := res.FinishReason
	return send(types.ChatDelta{}, &fr)
}

func writeBackendError(w http.ResponseWriter, err error) {
	var he HTTPError
	if errors.As(err, &he) {
		writeJSONError(w, he.StatusCode(), he.Error())
		return
	}
	writeJSONError(w, http.StatusBadGateway, err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
