// Package llama runs a llama.cpp server (llama-server) as a subprocess and
// talks to its OpenAI-compatible HTTP API.
package llama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"localllm/internal/errs"
)

// Launcher spawns one llama-server process per Launch call.
type Launcher struct {
	cfg Config
}

// NewLauncher returns a Launcher using cfg (defaults applied).
func NewLauncher(cfg Config) *Launcher {
	return &Launcher{cfg: cfg.withDefaults()}
}

// Process is a running llama-server.
type Process struct {
	cmd       *exec.Cmd
	base      string
	modelPath string
	client    *http.Client
	log       zerolog.Logger
	stderr    *tailBuffer

	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
}

// Launch spawns llama-server for modelPath on a free loopback port. It does
// not wait for readiness; see Ready.
func (l *Launcher) Launch(ctx context.Context, modelPath string) (*Process, error) {
	const op = "llama.launch"
	if strings.TrimSpace(modelPath) == "" {
		return nil, errs.E(errs.KindInvalid, op, errors.New("empty model path"))
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.E(errs.KindCancelled, op, err)
	}
	cfg := l.cfg
	var (
		port int
		err  error
	)
	if cfg.PortStart > 0 && cfg.PortEnd >= cfg.PortStart {
		port, err = pickPortInRange(cfg.Host, cfg.PortStart, cfg.PortEnd)
	} else {
		port, err = pickFreePort(cfg.Host)
	}
	if err != nil {
		return nil, errs.E(errs.KindBind, op, err)
	}

	tail := newTailBuffer(stderrTailBytes)
	cmd := exec.Command(cfg.Bin, cfg.args(modelPath, port)...)
	cmd.Stdout = io.Discard
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, errs.E(errs.KindSpawn, op, fmt.Errorf("start %s: %w", cfg.Bin, err))
	}
	p := &Process{
		cmd:       cmd,
		base:      fmt.Sprintf("http://%s:%d", cfg.Host, port),
		modelPath: modelPath,
		client:    cfg.Client,
		log:       cfg.Logger,
		stderr:    tail,
		exited:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	p.log.Info().Str("event", "spawn_start").Str("model", modelPath).Int("pid", cmd.Process.Pid).Int("port", port).Msg("llama-server started")
	return p, nil
}

// BaseURL is the runtime's own HTTP address.
func (p *Process) BaseURL() string { return p.base }

// PID of the subprocess.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited is closed once the subprocess has terminated for any reason.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr describes how the process ended, including the stderr tail. It
// returns nil while the process is alive.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
	default:
		return nil
	}
	cause := p.waitErr
	if cause == nil {
		cause = errors.New("exited with status 0")
	}
	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		cause = fmt.Errorf("%w; stderr tail: %s", cause, tail)
	}
	return errs.E(errs.KindSpawn, "llama.exit", cause)
}

// Ready returns nil once GET /health answers 200. llama-server answers 503
// while the model is still loading.
func (p *Process) Ready(ctx context.Context) error {
	select {
	case <-p.exited:
		return p.ExitErr()
	default:
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: %s", resp.Status)
	}
	return nil
}

// Stop sends SIGTERM, waits up to grace, then kills. Safe to call repeatedly
// and after the process has exited on its own.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		if p.cmd == nil || p.cmd.Process == nil {
			return
		}
		select {
		case <-p.exited:
			return
		default:
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// not supported on windows
			_ = p.cmd.Process.Kill()
		}
		select {
		case <-p.exited:
		case <-time.After(grace):
			p.log.Warn().Str("event", "spawn_kill").Int("pid", p.PID()).Dur("grace", grace).Msg("llama-server ignored SIGTERM")
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		p.log.Info().Str("event", "spawn_stop").Str("model", p.modelPath).Int("pid", p.PID()).Msg("llama-server stopped")
	})
	return nil
}
