package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"localllm/internal/download"
	"localllm/internal/modelstore"
	"localllm/internal/supervisor"
	"localllm/pkg/types"
)

type fakeRuntime struct {
	readyAt  time.Time
	exited   chan struct{}
	exitOnce sync.Once
	exitErr  error
	stops    atomic.Int32
}

func (f *fakeRuntime) Ready(ctx context.Context) error {
	select {
	case <-f.exited:
		return errors.New("exited")
	default:
	}
	if time.Now().Before(f.readyAt) {
		return errors.New("loading")
	}
	return nil
}

func (f *fakeRuntime) Complete(ctx context.Context, req types.ChatCompletionRequest, onDelta func(string) error) (types.CompletionResult, error) {
	for _, d := range []string{"po", "ng"} {
		if err := onDelta(d); err != nil {
			return types.CompletionResult{}, err
		}
	}
	return types.CompletionResult{FinishReason: "stop", Usage: types.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}}, nil
}

func (f *fakeRuntime) Exited() <-chan struct{} { return f.exited }

func (f *fakeRuntime) ExitErr() error {
	select {
	case <-f.exited:
		return f.exitErr
	default:
		return nil
	}
}

func (f *fakeRuntime) PID() int { return 7 }

func (f *fakeRuntime) Stop(time.Duration) error {
	f.stops.Add(1)
	f.exitOnce.Do(func() { close(f.exited) })
	return nil
}

func (f *fakeRuntime) crash(err error) {
	f.exitErr = err
	f.exitOnce.Do(func() { close(f.exited) })
}

type harnessOpts struct {
	readyIn        time.Duration
	startupTimeout time.Duration
	overrides      OverrideStore
	ollama         OllamaLister
	dataDir        string
}

type harness struct {
	t     *testing.T
	dir   string
	body  []byte
	gate  chan struct{}
	store *modelstore.Store
	pub   *MemoryPublisher
	m     *Manager

	mu       sync.Mutex
	runtimes []*fakeRuntime
	models   []string
}

func artifactBody() []byte {
	b := make([]byte, 300*1024)
	for i := range b {
		b[i] = byte(i % 253)
	}
	return b
}

// newHarness wires a Manager to the real downloader (fed by an httptest
// server) and the real supervisor (launching fake runtimes).
func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	h := &harness{t: t, body: artifactBody(), pub: NewMemoryPublisher()}
	h.dir = o.dataDir
	if h.dir == "" {
		h.dir = t.TempDir()
	}
	if o.startupTimeout == 0 {
		o.startupTimeout = 2 * time.Second
	}

	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		gate := h.gate
		h.mu.Unlock()
		w.Header().Set("Content-Length", strconv.Itoa(len(h.body)))
		half := len(h.body) / 2
		_, _ = w.Write(h.body[:half])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write(h.body[half:])
	}))
	t.Cleanup(src.Close)

	store, err := modelstore.New(h.dir, "llm.gguf", []string{".gguf"})
	if err != nil {
		t.Fatalf("modelstore: %v", err)
	}
	h.store = store

	sum := sha256.Sum256(h.body)
	launcher := supervisor.LauncherFunc(func(ctx context.Context, modelPath string) (supervisor.Runtime, error) {
		rt := &fakeRuntime{readyAt: time.Now().Add(o.readyIn), exited: make(chan struct{})}
		h.mu.Lock()
		h.runtimes = append(h.runtimes, rt)
		h.models = append(h.models, modelPath)
		h.mu.Unlock()
		return rt, nil
	})
	sup := supervisor.New(supervisor.Config{
		StartupTimeout: o.startupTimeout,
		StopGrace:      500 * time.Millisecond,
		ProbeInterval:  10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}, launcher)

	m, err := New(context.Background(), Config{
		Store:      store,
		Source:     download.Source{URL: src.URL + "/llm.gguf", SHA256: hex.EncodeToString(sum[:])},
		Downloader: download.New(download.Config{ChunkSize: 32 * 1024}),
		Supervisor: sup,
		Ollama:     o.ollama,
		Overrides:  o.overrides,
		Publisher:  h.pub,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	h.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return h
}

// holdDownloads makes the source stall halfway until the returned func is called.
func (h *harness) holdDownloads() (release func()) {
	gate := make(chan struct{})
	h.mu.Lock()
	h.gate = gate
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
			h.mu.Lock()
			h.gate = nil
			h.mu.Unlock()
		})
	}
}

func (h *harness) download() []download.Progress {
	h.t.Helper()
	ch := make(chan download.Progress, 16)
	var events []download.Progress
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			events = append(events, p)
		}
	}()
	if err := h.m.DownloadModel(context.Background(), ch); err != nil {
		h.t.Fatalf("download: %v", err)
	}
	<-done
	return events
}

func (h *harness) start() string {
	h.t.Helper()
	ep, err := h.m.StartServer(context.Background())
	if err != nil {
		h.t.Fatalf("start server: %v", err)
	}
	return ep
}

func (h *harness) runtime(i int) *fakeRuntime {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 {
		i = len(h.runtimes) + i
	}
	return h.runtimes[i]
}

func (h *harness) launchedModels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.models...)
}

func (h *harness) defaultPath() string { return filepath.Join(h.dir, "llm.gguf") }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func containsInOrder(have []string, want ...string) bool {
	i := 0
	for _, h := range have {
		if i < len(want) && h == want[i] {
			i++
		}
	}
	return i == len(want)
}
