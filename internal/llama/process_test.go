package llama

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"localllm/internal/errs"
	"localllm/pkg/types"
)

func buildFakeServer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping subprocess test in -short mode")
	}
	bin := filepath.Join(t.TempDir(), "fake-llama-server")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_llama_server.go")
	cmd.Dir = "."
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake server: %v: %s", err, out)
	}
	return bin
}

func writeModel(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "llm.gguf")
	if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func waitReady(t *testing.T, p *Process) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := p.Ready(ctx)
		cancel()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("not ready: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestLaunchCompleteStop(t *testing.T) {
	bin := buildFakeServer(t)
	l := NewLauncher(Config{Bin: bin, ExtraArgs: []string{"--load-delay", "200ms"}})
	p, err := l.Launch(context.Background(), writeModel(t))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	if p.PID() <= 0 || !strings.HasPrefix(p.BaseURL(), "http://127.0.0.1:") {
		t.Fatalf("pid=%d base=%s", p.PID(), p.BaseURL())
	}
	waitReady(t, p)

	var b strings.Builder
	res, err := p.Complete(context.Background(), types.ChatCompletionRequest{
		Messages: []types.ChatMessage{{Role: "user", Content: "hello there"}},
	}, func(s string) error { b.WriteString(s); return nil })
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if b.String() != "echo: hello there" || res.FinishReason != "stop" || res.Usage.TotalTokens == 0 {
		t.Fatalf("got %q %+v", b.String(), res)
	}

	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-p.Exited():
	default:
		t.Fatalf("process still running after Stop")
	}
	// idempotent
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStopKillsAfterGrace(t *testing.T) {
	bin := buildFakeServer(t)
	l := NewLauncher(Config{Bin: bin, ExtraArgs: []string{"--ignore-term"}})
	p, err := l.Launch(context.Background(), writeModel(t))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitReady(t, p)
	start := time.Now()
	_ = p.Stop(300 * time.Millisecond)
	if time.Since(start) < 300*time.Millisecond {
		t.Fatalf("expected grace period to elapse before kill")
	}
	select {
	case <-p.Exited():
	default:
		t.Fatalf("process survived kill")
	}
}

func TestEarlyExitReportsStderr(t *testing.T) {
	bin := buildFakeServer(t)
	l := NewLauncher(Config{Bin: bin, ExtraArgs: []string{"--fail"}})
	p, err := l.Launch(context.Background(), writeModel(t))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatalf("fake server did not exit")
	}
	err = p.ExitErr()
	if errs.KindOf(err) != errs.KindSpawn || !strings.Contains(err.Error(), "failed to load model") {
		t.Fatalf("exit err: %v", err)
	}
	if err := p.Ready(context.Background()); errs.KindOf(err) != errs.KindSpawn {
		t.Fatalf("Ready after exit: %v", err)
	}
	_ = p.Stop(time.Second)
}

func TestLaunchErrors(t *testing.T) {
	l := NewLauncher(Config{Bin: filepath.Join(t.TempDir(), "does-not-exist")})
	if _, err := l.Launch(context.Background(), "/m.gguf"); errs.KindOf(err) != errs.KindSpawn {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if _, err := l.Launch(context.Background(), " "); errs.KindOf(err) != errs.KindInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Launch(ctx, "/m.gguf"); !errs.IsCancelled(err) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}
