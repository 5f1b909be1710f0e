// Package supervisor owns the local inference endpoint: it binds the loopback
// listener, launches the runtime behind it, waits for readiness and tears
// both down again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"localllm/internal/chatapi"
	"localllm/internal/errs"
	"localllm/internal/llama"
)

// Runtime is a launched inference runtime.
type Runtime interface {
	chatapi.Backend
	Exited() <-chan struct{}
	ExitErr() error
	PID() int
	Stop(grace time.Duration) error
}

// Launcher starts a Runtime serving modelPath.
type Launcher interface {
	Launch(ctx context.Context, modelPath string) (Runtime, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, modelPath string) (Runtime, error)

func (f LauncherFunc) Launch(ctx context.Context, modelPath string) (Runtime, error) {
	return f(ctx, modelPath)
}

// NewLlamaLauncher launches llama-server subprocesses.
func NewLlamaLauncher(cfg llama.Config) Launcher {
	l := llama.NewLauncher(cfg)
	return LauncherFunc(func(ctx context.Context, modelPath string) (Runtime, error) {
		p, err := l.Launch(ctx, modelPath)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Config for a Supervisor. Zero durations select defaults.
type Config struct {
	Host           string
	Port           int
	StartupTimeout time.Duration
	StopGrace      time.Duration
	ProbeInterval  time.Duration
	MaxBodyBytes   int64
	Logger         zerolog.Logger
}

const (
	defaultStartupTimeout = 60 * time.Second
	defaultStopGrace      = 5 * time.Second
	defaultProbeInterval  = 100 * time.Millisecond
)

// Supervisor runs at most one inference server at a time.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	client   *http.Client

	mu     sync.Mutex
	busy   bool
	active *Handle
}

// New returns a Supervisor using launcher to create runtimes.
func New(cfg Config, launcher Launcher) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	return &Supervisor{cfg: cfg, launcher: launcher, client: &http.Client{Timeout: 0}}
}

// Handle identifies one running server.
type Handle struct {
	endpoint  string
	modelPath string
	startedAt time.Time
	rt        Runtime
	srv       *http.Server
	serveDone chan struct{}

	stopOnce sync.Once
	stopped  atomic.Bool
}

// Endpoint is the base URL clients use, e.g. http://127.0.0.1:41234.
func (h *Handle) Endpoint() string { return h.endpoint }

// ModelPath is the artifact the server was started with.
func (h *Handle) ModelPath() string { return h.modelPath }

// PID of the runtime process, 0 if it has none.
func (h *Handle) PID() int { return h.rt.PID() }

// StartedAt is when the server became ready.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Exited fires when the runtime terminates, including after Stop.
func (h *Handle) Exited() <-chan struct{} { return h.rt.Exited() }

// ExitErr explains an unexpected runtime exit.
func (h *Handle) ExitErr() error { return h.rt.ExitErr() }

// Stopped reports whether Stop has completed for this handle.
func (h *Handle) Stopped() bool { return h.stopped.Load() }

// Start binds the endpoint, launches the runtime for modelPath and returns
// once GET /health answers 200. On any failure the runtime and listener are
// released before returning.
func (s *Supervisor) Start(ctx context.Context, modelPath string) (*Handle, error) {
	const op = "supervisor.start"
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, errs.E(errs.KindAlreadyRunning, op, nil)
	}
	s.busy = true
	s.mu.Unlock()

	begin := time.Now()
	h, err := s.start(ctx, modelPath)
	outcome := "ok"
	if err != nil {
		outcome = string(errs.KindOf(err))
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		serverStartsTotal.WithLabelValues(outcome).Inc()
		s.cfg.Logger.Error().Str("event", "server_start_failed").Str("model", modelPath).Err(err).Msg("inference server failed to start")
		return nil, err
	}
	s.mu.Lock()
	s.active = h
	s.mu.Unlock()
	serverStartsTotal.WithLabelValues(outcome).Inc()
	serverStartupSeconds.Observe(time.Since(begin).Seconds())
	serverRunning.Set(1)
	s.cfg.Logger.Info().Str("event", "server_ready").Str("model", modelPath).Str("endpoint", h.endpoint).Int("pid", h.PID()).Dur("dur", time.Since(begin)).Msg("inference server ready")
	return h, nil
}

func (s *Supervisor) start(ctx context.Context, modelPath string) (*Handle, error) {
	const op = "supervisor.start"
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return nil, errs.E(errs.KindBind, op, err)
	}
	rt, err := s.launcher.Launch(ctx, modelPath)
	if err != nil {
		_ = ln.Close()
		if errs.KindOf(err) == "" {
			err = errs.E(errs.KindSpawn, op, err)
		}
		return nil, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	h := &Handle{
		endpoint:  fmt.Sprintf("http://%s", net.JoinHostPort(s.cfg.Host, fmt.Sprint(port))),
		modelPath: modelPath,
		rt:        rt,
		serveDone: make(chan struct{}),
	}
	h.srv = &http.Server{
		Handler: chatapi.NewRouter(rt, chatapi.Options{
			ModelPath:    modelPath,
			MaxBodyBytes: s.cfg.MaxBodyBytes,
			Logger:       s.cfg.Logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(h.serveDone)
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error().Str("event", "serve_error").Err(err).Msg("inference endpoint stopped serving")
		}
	}()

	if err := s.waitReady(ctx, h); err != nil {
		s.teardown(h)
		return nil, err
	}
	h.startedAt = time.Now()
	return h, nil
}

func (s *Supervisor) waitReady(ctx context.Context, h *Handle) error {
	const op = "supervisor.wait_ready"
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.ProbeInterval)
	defer tick.Stop()
	for {
		if s.probe(ctx, h.endpoint) {
			return nil
		}
		select {
		case <-h.rt.Exited():
			err := h.rt.ExitErr()
			if err == nil {
				err = errs.E(errs.KindSpawn, op, errors.New("runtime exited before ready"))
			}
			return err
		case <-ctx.Done():
			return errs.E(errs.KindCancelled, op, ctx.Err())
		case <-deadline.C:
			return errs.E(errs.KindStartupTimeout, op, fmt.Errorf("not ready after %s", s.cfg.StartupTimeout))
		case <-tick.C:
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, endpoint string) bool {
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Stop shuts the server down: in-flight requests get StopGrace to finish,
// then the runtime is terminated. Stopping a nil or stopped handle is a no-op.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		s.teardownCtx(ctx, h)
		s.mu.Lock()
		if s.active == h {
			s.active = nil
			s.busy = false
			serverRunning.Set(0)
		}
		s.mu.Unlock()
		s.cfg.Logger.Info().Str("event", "server_stopped").Str("model", h.modelPath).Msg("inference server stopped")
	})
	return nil
}

func (s *Supervisor) teardown(h *Handle) { s.teardownCtx(context.Background(), h) }

func (s *Supervisor) teardownCtx(ctx context.Context, h *Handle) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StopGrace)
	defer cancel()
	if err := h.srv.Shutdown(sctx); err != nil {
		_ = h.srv.Close()
	}
	<-h.serveDone
	_ = h.rt.Stop(s.cfg.StopGrace)
	h.stopped.Store(true)
}

// Active returns the running handle, if any.
func (s *Supervisor) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
