// Package ollama queries a local Ollama daemon for the models it has pulled.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"localllm/internal/errs"
)

// DefaultBaseURL is where Ollama listens unless OLLAMA_HOST says otherwise.
const DefaultBaseURL = "http://localhost:11434"

// Client talks to the Ollama HTTP API.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New returns a client for baseURL. Transient failures are retried twice.
func New(baseURL string, logger zerolog.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 500 * time.Millisecond
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, r *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debug().Str("event", "ollama_retry").Str("url", r.URL.String()).Int("attempt", attempt).Msg("retrying")
		}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: rc}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the names of locally pulled models (GET /api/tags).
// An unreachable daemon is a network error.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	const op = "ollama.list_models"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, errs.E(errs.KindInvalid, op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.E(errs.KindCancelled, op, ctx.Err())
		}
		return nil, errs.E(errs.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.E(errs.KindNetwork, op, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(b))))
	}
	var result tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errs.E(errs.KindNetwork, op, fmt.Errorf("decode response: %w", err))
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
