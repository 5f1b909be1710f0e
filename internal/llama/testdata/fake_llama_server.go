// fake_llama_server mimics the parts of llama-server used by the launcher:
// /health, /v1/models and a streaming /v1/chat/completions that echoes the
// last user message word by word.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

func main() {
	var (
		model, host, port string
		ctxSize, threads  int
		ngl               int
		fail              bool
		loadDelay         time.Duration
		ignoreTerm        bool
	)
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.IntVar(&ctxSize, "c", 0, "ctx size")
	flag.IntVar(&threads, "t", 0, "threads")
	flag.IntVar(&ngl, "ngl", 0, "gpu layers")
	flag.BoolVar(&fail, "fail", false, "exit 1 immediately")
	flag.DurationVar(&loadDelay, "load-delay", 0, "report 503 on /health for this long")
	flag.BoolVar(&ignoreTerm, "ignore-term", false, "ignore SIGTERM")
	flag.Parse()

	if fail {
		fmt.Fprintln(os.Stderr, "error: failed to load model", model)
		os.Exit(1)
	}
	if _, err := os.Stat(model); err != nil {
		fmt.Fprintln(os.Stderr, "error: model not found:", model)
		os.Exit(1)
	}

	var loaded atomic.Bool
	go func() {
		time.Sleep(loadDelay)
		loaded.Store(true)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !loaded.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"Loading model"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"test","object":"model"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		reply := "echo: " + req.Messages[len(req.Messages)-1].Content
		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"object":  "chat.completion",
				"choices": []any{map[string]any{"index": 0, "message": message{Role: "assistant", Content: reply}, "finish_reason": "stop"}},
			})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		words := strings.SplitAfter(reply, " ")
		for _, wd := range words {
			b, _ := json.Marshal(map[string]any{
				"object":  "chat.completion.chunk",
				"choices": []any{map[string]any{"index": 0, "delta": map[string]string{"content": wd}, "finish_reason": nil}},
			})
			fmt.Fprintf(w, "data: %s\n\n", b)
			if fl != nil {
				fl.Flush()
			}
		}
		n := len(words)
		b, _ := json.Marshal(map[string]any{
			"object":  "chat.completion.chunk",
			"choices": []any{map[string]any{"index": 0, "delta": map[string]string{}, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 1, "completion_tokens": n, "total_tokens": n + 1},
		})
		fmt.Fprintf(w, "data: %s\n\n", b)
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	for {
		<-sigCh
		if !ignoreTerm {
			break
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
