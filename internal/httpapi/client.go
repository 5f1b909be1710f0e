package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"

	"localllm/internal/errs"
	"localllm/pkg/types"
)

// Client talks to a running control API. Idempotent reads are retried on
// transient failures; state-changing calls are sent once.
type Client struct {
	base  string
	retry *retryablehttp.Client
	once  *http.Client
}

// NewClient returns a client for the control API at addr (host:port or URL).
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 30 * time.Second
	// no timeout on state-changing calls: a server start waits for the model to load
	return &Client{base: base, retry: rc, once: &http.Client{}}
}

// apiError is a decoded types.ErrorResponse. It carries the server's kind
// so errs.KindOf works on the client side as well.
func apiError(op string, resp *http.Response) error {
	var e types.ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(b, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(b))
	}
	kind := errs.Kind(e.Kind)
	if kind == "" {
		kind = errs.KindNetwork
	}
	return errs.E(kind, op, fmt.Errorf("%s: %s", resp.Status, e.Error))
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return errs.E(errs.KindInvalid, op, err)
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return errs.E(errs.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.E(errs.KindNetwork, op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errs.E(errs.KindInvalid, op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return errs.E(errs.KindInvalid, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.once.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.E(errs.KindCancelled, op, ctx.Err())
		}
		return errs.E(errs.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(op, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.E(errs.KindNetwork, op, err)
		}
	}
	return nil
}

// Status fetches GET /v1/status.
func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var st types.StatusResponse
	err := c.getJSON(ctx, "client.status", "/v1/status", &st)
	return st, err
}

// LocalModels fetches GET /v1/models/local.
func (c *Client) LocalModels(ctx context.Context) ([]types.Model, error) {
	var out types.ModelsResponse
	err := c.getJSON(ctx, "client.local_models", "/v1/models/local", &out)
	return out.Models, err
}

// OllamaModels fetches GET /v1/models/ollama.
func (c *Client) OllamaModels(ctx context.Context) ([]string, error) {
	var out types.OllamaModelsResponse
	err := c.getJSON(ctx, "client.ollama_models", "/v1/models/ollama", &out)
	return out.Models, err
}

// StartServer calls POST /v1/server/start and returns the endpoint.
func (c *Client) StartServer(ctx context.Context) (string, error) {
	var out types.StartServerResponse
	err := c.send(ctx, "client.start_server", http.MethodPost, "/v1/server/start", nil, &out)
	return out.Endpoint, err
}

// StopServer calls POST /v1/server/stop.
func (c *Client) StopServer(ctx context.Context) error {
	return c.send(ctx, "client.stop_server", http.MethodPost, "/v1/server/stop", nil, nil)
}

// SetModelPath calls PUT /v1/model/path; "" reverts to the default.
func (c *Client) SetModelPath(ctx context.Context, path string) (types.ModelInfoResponse, error) {
	var info types.ModelInfoResponse
	var p *string
	if path != "" {
		p = &path
	}
	err := c.send(ctx, "client.set_model_path", http.MethodPut, "/v1/model/path", types.ModelPathRequest{Path: p}, &info)
	return info, err
}

// Download starts a download over the WebSocket endpoint and calls onEvent
// for every event until the terminal one. Cancelling ctx closes the socket,
// which cancels the download on the server.
func (c *Client) Download(ctx context.Context, onEvent func(types.DownloadEvent)) error {
	const op = "client.download"
	u, err := url.Parse(c.base + "/v1/model/download/ws")
	if err != nil {
		return errs.E(errs.KindInvalid, op, err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return errs.E(errs.KindNetwork, op, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "cancelled"),
				time.Now().Add(wsWriteWait))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev types.DownloadEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return errs.E(errs.KindCancelled, op, ctx.Err())
			}
			return errs.E(errs.KindNetwork, op, fmt.Errorf("stream closed before a final event: %w", err))
		}
		onEvent(ev)
		switch ev.Type {
		case "done":
			return nil
		case "cancelled":
			return errs.E(errs.KindCancelled, op, nil)
		case "error":
			kind := errs.Kind(ev.Kind)
			if kind == "" {
				kind = errs.KindNetwork
			}
			return errs.E(kind, op, fmt.Errorf("%s", ev.Error))
		}
	}
}
