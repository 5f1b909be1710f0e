package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"localllm/internal/config"
	"localllm/internal/download"
	"localllm/internal/httpapi"
	"localllm/internal/lifecycle"
	"localllm/internal/llama"
	"localllm/internal/logging"
	"localllm/internal/modelstore"
	"localllm/internal/ollama"
	"localllm/internal/statestore"
	"localllm/internal/supervisor"
)

type serveFlags struct {
	dataDir        string
	modelURL       string
	modelSHA256    string
	llamaBin       string
	serverPort     int
	startupTimeout int
	logLevel       string
	logPretty      bool
	persist        bool
	cors           bool
	corsOrigins    string
	autostart      bool
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: control API plus the managed inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyServeFlags(cmd, &cfg, f)
			return serve(cmd.Context(), cfg, f.autostart)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.dataDir, "data-dir", "", "Directory holding the default artifact")
	fl.StringVar(&f.modelURL, "model-url", "", "Artifact download URL")
	fl.StringVar(&f.modelSHA256, "model-sha256", "", "Expected hex SHA-256 of the artifact")
	fl.StringVar(&f.llamaBin, "llama-bin", "", "Path to the llama-server binary")
	fl.IntVar(&f.serverPort, "server-port", 0, "Inference endpoint port (0 = ephemeral)")
	fl.IntVar(&f.startupTimeout, "startup-timeout", 0, "Seconds to wait for the inference server to become ready")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error, off")
	fl.BoolVar(&f.logPretty, "log-pretty", false, "Human-readable console logs")
	fl.BoolVar(&f.persist, "persist-model-path", false, "Keep the custom model path across restarts")
	fl.BoolVar(&f.cors, "cors", false, "Enable CORS on the control API")
	fl.StringVar(&f.corsOrigins, "cors-origins", "", "Comma-separated allowed origins")
	fl.BoolVar(&f.autostart, "autostart", false, "Start the inference server at boot when the artifact is present")
	return cmd
}

// applyServeFlags overrides cfg with the flags the user actually set.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, f serveFlags) {
	changed := cmd.Flags().Changed
	if changed("data-dir") {
		cfg.DataDir = f.dataDir
		cfg.StateDB = ""
		_ = cfg.ApplyDefaults()
	}
	if changed("model-url") {
		cfg.ModelURL = f.modelURL
	}
	if changed("model-sha256") {
		cfg.ModelSHA256 = f.modelSHA256
	}
	if changed("llama-bin") {
		cfg.LlamaBin = f.llamaBin
	}
	if changed("server-port") {
		cfg.ServerPort = f.serverPort
	}
	if changed("startup-timeout") && f.startupTimeout > 0 {
		cfg.StartupTimeoutSec = f.startupTimeout
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("log-pretty") {
		cfg.LogPretty = f.logPretty
	}
	if changed("persist-model-path") {
		cfg.PersistModelPath = f.persist
	}
	if changed("cors") {
		cfg.CORSEnabled = f.cors
	}
	if changed("cors-origins") {
		cfg.CORSAllowedOrigins = splitCSV(f.corsOrigins)
	}
}

// daemon is the wired object graph behind `serve`.
type daemon struct {
	cfg     config.Config
	log     zerolog.Logger
	mgr     *lifecycle.Manager
	handler http.Handler
	state   *statestore.Store
}

// buildDaemon wires the components for cfg. launcher is nil in production
// (llama-server subprocesses); tests pass a fake.
func buildDaemon(ctx context.Context, cfg config.Config, log zerolog.Logger, launcher supervisor.Launcher) (*daemon, error) {
	store, err := modelstore.New(cfg.DataDir, cfg.ModelFile, cfg.ArtifactExts)
	if err != nil {
		return nil, fmt.Errorf("model store: %w", err)
	}
	if launcher == nil {
		launcher = supervisor.NewLlamaLauncher(llama.Config{
			Bin:       cfg.LlamaBin,
			Host:      cfg.ServerHost,
			CtxSize:   cfg.LlamaCtxSize,
			Threads:   cfg.LlamaThreads,
			NGL:       cfg.LlamaNGL,
			ExtraArgs: cfg.LlamaExtraArgs,
			PortStart: cfg.LlamaPortStart,
			PortEnd:   cfg.LlamaPortEnd,
			Logger:    logging.Component(log, "llama"),
		})
	}
	sup := supervisor.New(supervisor.Config{
		Host:           cfg.ServerHost,
		Port:           cfg.ServerPort,
		StartupTimeout: cfg.StartupTimeout(),
		StopGrace:      cfg.StopGrace(),
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Logger:         logging.Component(log, "supervisor"),
	}, launcher)

	d := &daemon{cfg: cfg, log: log}
	var overrides lifecycle.OverrideStore
	if cfg.PersistModelPath {
		st, err := statestore.Open(cfg.StateDB)
		if err != nil {
			return nil, err
		}
		d.state = st
		overrides = st
	}

	mgr, err := lifecycle.New(ctx, lifecycle.Config{
		Store:      store,
		Source:     download.Source{URL: cfg.ModelURL, SHA256: cfg.ModelSHA256},
		Downloader: download.New(download.Config{Logger: logging.Component(log, "download")}),
		Supervisor: sup,
		Ollama:     ollama.New(cfg.OllamaURL, logging.Component(log, "ollama")),
		Overrides:  overrides,
		Publisher:  lifecycle.LogPublisher{Logger: logging.Component(log, "lifecycle")},
		Logger:     logging.Component(log, "lifecycle"),
	})
	if err != nil {
		d.close()
		return nil, err
	}
	d.mgr = mgr
	d.handler = httpapi.NewMux(mgr, httpapi.Options{
		MaxBodyBytes:       cfg.MaxBodyBytes,
		BaseContext:        ctx,
		LogLevel:           cfg.LogLevel,
		Logger:             logging.Component(log, "httpapi"),
		CORSEnabled:        cfg.CORSEnabled,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	return d, nil
}

func (d *daemon) close() {
	if d.state != nil {
		_ = d.state.Close()
		d.state = nil
	}
}

// shutdown stops the inference server and cancels any download.
func (d *daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StopGrace()+5*time.Second)
	defer cancel()
	if err := d.mgr.Close(ctx); err != nil {
		d.log.Error().Err(err).Msg("lifecycle shutdown")
	}
	d.close()
}

func serve(parent context.Context, cfg config.Config, autostart bool) error {
	if parent == nil {
		parent = context.Background()
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer d.shutdown()

	if autostart {
		if ok, _ := d.mgr.IsModelDownloaded(); ok {
			go func() {
				if ep, err := d.mgr.StartServer(ctx); err != nil {
					log.Warn().Err(err).Msg("autostart failed")
				} else {
					log.Info().Str("endpoint", ep).Msg("autostarted inference server")
				}
			}()
		}
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: d.handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("data_dir", cfg.DataDir).Str("model", d.mgr.ActiveModelPath()).Msg("localllm listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("control API: %w", err)
		}
	case <-ctx.Done():
	}

	// Graceful shutdown (Ctrl+C / SIGTERM)
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
