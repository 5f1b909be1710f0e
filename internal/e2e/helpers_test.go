// Package e2e drives the whole daemon stack: control API, lifecycle manager,
// downloader and a real subprocess runtime built from the llama test server.
package e2e

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"localllm/internal/download"
	"localllm/internal/httpapi"
	"localllm/internal/lifecycle"
	"localllm/internal/llama"
	"localllm/internal/modelstore"
	"localllm/internal/supervisor"
)

func buildFakeServer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping subprocess test in -short mode")
	}
	bin := filepath.Join(t.TempDir(), "fake-llama-server")
	cmd := exec.Command("go", "build", "-o", bin, "../llama/testdata/fake_llama_server.go")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake server: %v: %s", err, out)
	}
	return bin
}

// artifactSource serves body as the model artifact and returns its URL and
// hex digest.
func artifactSource(t *testing.T, body []byte) (string, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	sum := sha256.Sum256(body)
	return srv.URL + "/llm.gguf", hex.EncodeToString(sum[:])
}

type stack struct {
	dir    string
	mgr    *lifecycle.Manager
	api    *httptest.Server
	client *httpapi.Client
}

func newStack(t *testing.T, bin string, src download.Source) *stack {
	t.Helper()
	dir := t.TempDir()
	store, err := modelstore.New(dir, "llm.gguf", []string{".gguf"})
	if err != nil {
		t.Fatalf("modelstore: %v", err)
	}
	sup := supervisor.New(supervisor.Config{
		Host:           "127.0.0.1",
		StartupTimeout: 10 * time.Second,
		StopGrace:      2 * time.Second,
		Logger:         zerolog.Nop(),
	}, supervisor.NewLlamaLauncher(llama.Config{Bin: bin, ExtraArgs: []string{"--load-delay", "100ms"}}))

	ctx, cancel := context.WithCancel(context.Background())
	mgr, err := lifecycle.New(ctx, lifecycle.Config{
		Store:      store,
		Source:     src,
		Downloader: download.New(download.Config{ChunkSize: 16 * 1024}),
		Supervisor: sup,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		cancel()
		t.Fatalf("lifecycle: %v", err)
	}
	api := httptest.NewServer(httpapi.NewMux(mgr, httpapi.Options{BaseContext: ctx}))
	t.Cleanup(func() {
		api.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = mgr.Close(sctx)
		cancel()
	})
	return &stack{dir: dir, mgr: mgr, api: api, client: httpapi.NewClient(api.URL)}
}
