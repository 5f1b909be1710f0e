package llama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"localllm/pkg/types"
)

func remoteProcess(base string) *Process {
	return &Process{base: base, client: http.DefaultClient, stderr: newTailBuffer(64), exited: make(chan struct{})}
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req types.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			http.Error(w, "expected stream request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestCompleteStreamsDeltas(t *testing.T) {
	ts := sseServer(t,
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`: keep-alive`,
		`data: {"choices":[{"delta":{"content":" World"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"length"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
	)
	p := remoteProcess(ts.URL)
	var b strings.Builder
	res, err := p.Complete(context.Background(), types.ChatCompletionRequest{Messages: []types.ChatMessage{{Role: "user", Content: "hi"}}}, func(s string) error {
		b.WriteString(s)
		return nil
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if b.String() != "Hello World" {
		t.Fatalf("got %q", b.String())
	}
	if res.FinishReason != "length" || res.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCompleteWithoutDoneDefaultsFinishReason(t *testing.T) {
	ts := sseServer(t, `data: {"choices":[{"delta":{"content":"x"}}]}`)
	res, err := remoteProcess(ts.URL).Complete(context.Background(), types.ChatCompletionRequest{}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.FinishReason != "stop" {
		t.Fatalf("finish reason: %q", res.FinishReason)
	}
}

func TestCompleteCallbackErrorAborts(t *testing.T) {
	ts := sseServer(t,
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
	)
	boom := errors.New("client gone")
	calls := 0
	_, err := remoteProcess(ts.URL).Complete(context.Background(), types.ChatCompletionRequest{}, func(string) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestCompleteHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer ts.Close()
	_, err := remoteProcess(ts.URL).Complete(context.Background(), types.ChatCompletionRequest{}, func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected http error, got %v", err)
	}
}

func TestCompleteContextCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := remoteProcess(ts.URL).Complete(ctx, types.ChatCompletionRequest{}, func(string) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestReadyReflectsHealth(t *testing.T) {
	status := http.StatusServiceUnavailable
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	defer ts.Close()
	p := remoteProcess(ts.URL)
	if err := p.Ready(context.Background()); err == nil {
		t.Fatalf("expected not ready while loading")
	}
	status = http.StatusOK
	if err := p.Ready(context.Background()); err != nil {
		t.Fatalf("ready: %v", err)
	}
}
