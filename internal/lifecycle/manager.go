// Package lifecycle is the single source of truth for the local model: it
// owns the active model location, the download slot and the inference server
// slot, and applies every transition between them under one mutex.
//
// Long operations (downloads, server start and stop) follow the same shape:
// lock, validate and register the in-between state, unlock, do the work,
// relock, commit. Read-only queries therefore never wait behind a download.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localllm/internal/common/fsutil"
	"localllm/internal/download"
	"localllm/internal/errs"
	"localllm/internal/modelstore"
	"localllm/internal/statestore"
	"localllm/internal/supervisor"
	"localllm/pkg/types"
)

var _ API = (*Manager)(nil)

// ErrClosed is the cause of errors returned after Close.
var ErrClosed = errors.New("lifecycle manager closed")

// Config wires a Manager to its collaborators. Store, Downloader and
// Supervisor are required.
type Config struct {
	Store      *modelstore.Store
	Source     download.Source
	Downloader Downloader
	Supervisor Supervisor
	// Optional.
	Ollama    OllamaLister
	Overrides OverrideStore
	Publisher EventPublisher
	Logger    zerolog.Logger
}

type downloadSlot struct {
	task   *download.Task
	cancel context.CancelFunc
	done   chan struct{}
	// outcome of the last finished download
	last   string
	reason string
}

type serverSlot struct {
	phase       serverPhase
	handle      *supervisor.Handle
	startCancel context.CancelFunc
	startDone   chan struct{}
	abort       bool
	stopDone    chan struct{}
}

// Manager implements API.
type Manager struct {
	store     *modelstore.Store
	source    download.Source
	dl        Downloader
	sup       Supervisor
	ollama    OllamaLister
	overrides OverrideStore
	pub       EventPublisher
	log       zerolog.Logger
	bootTime  time.Time

	mu     sync.Mutex
	loc    modelstore.Location
	down   downloadSlot
	srv    serverSlot
	closed bool
}

// New constructs a Manager. When Overrides is set, a previously persisted
// custom model path is restored.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Downloader == nil || cfg.Supervisor == nil {
		return nil, errors.New("lifecycle: Store, Downloader and Supervisor are required")
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	m := &Manager{
		store:     cfg.Store,
		source:    cfg.Source,
		dl:        cfg.Downloader,
		sup:       cfg.Supervisor,
		ollama:    cfg.Ollama,
		overrides: cfg.Overrides,
		pub:       pub,
		log:       cfg.Logger,
		bootTime:  time.Now(),
		loc:       cfg.Store.DefaultLocation(),
		down:      downloadSlot{last: downloadIdle},
	}
	if m.overrides != nil {
		p, ok, err := m.overrides.Get(ctx, statestore.NamespaceLocalLLM, statestore.KeyCustomModelPath)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: load model path override: %w", err)
		}
		if ok && p != "" {
			m.loc = m.loc.WithOverride(p)
		}
	}
	m.log.Info().Str("event", "lifecycle_init").Str("model", m.loc.ActivePath()).Str("state", string(m.State())).Msg("lifecycle manager ready")
	return m, nil
}

// IsServerRunning reports whether the inference server is serving.
func (m *Manager) IsServerRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.srv.phase == phaseRunning
}

// IsModelDownloaded checks the active artifact on disk.
func (m *Manager) IsModelDownloaded() (bool, error) {
	return m.store.IsDownloaded(m.ActiveModelPath())
}

// IsModelDownloading reports whether a download task is registered.
func (m *Manager) IsModelDownloading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.down.task != nil
}

// ActiveModelPath returns the override if set, else the default path.
func (m *Manager) ActiveModelPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loc.ActivePath()
}

// ServerEndpoint returns the endpoint of the running server, or "".
func (m *Manager) ServerEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv.phase != phaseRunning {
		return ""
	}
	return m.srv.handle.Endpoint()
}

// State derives the aggregate state. An unreadable filesystem counts as
// "not downloaded".
func (m *Manager) State() State {
	m.mu.Lock()
	phase, downloading, path := m.srv.phase, m.down.task != nil, m.loc.ActivePath()
	m.mu.Unlock()
	return m.deriveState(phase, downloading, path)
}

func (m *Manager) deriveState(phase serverPhase, downloading bool, path string) State {
	switch phase {
	case phaseStarting:
		return StateServerStarting
	case phaseRunning:
		return StateServerRunning
	case phaseStopping:
		return StateServerStopping
	}
	if downloading {
		return StateDownloading
	}
	if ok, _ := m.store.IsDownloaded(path); ok {
		return StateReady
	}
	return StateIdle
}

// DownloadModel downloads the artifact to the active path and blocks until
// the transfer has finished and its cleanup is done. Progress goes to
// progress, which is closed exactly once, also when a precondition fails.
// Cancelling ctx or calling CancelDownload ends the transfer with a
// cancelled error.
func (m *Manager) DownloadModel(ctx context.Context, progress chan<- download.Progress) error {
	const op = "lifecycle.download_model"
	reject := func(err error) error {
		if progress != nil {
			close(progress)
		}
		return err
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return reject(errs.E(errs.KindCancelled, op, ErrClosed))
	case m.down.task != nil:
		m.mu.Unlock()
		return reject(errs.E(errs.KindAlreadyInProgress, op, nil))
	case m.srv.phase != phaseStopped:
		phase := m.srv.phase
		m.mu.Unlock()
		return reject(errs.E(errs.KindServerActive, op, fmt.Errorf("server is %s", phase)))
	}
	dest := m.loc.ActivePath()
	dctx, cancel := context.WithCancel(ctx)
	task, err := m.dl.Start(dctx, m.source, dest, progress)
	if err != nil {
		cancel()
		m.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	m.down = downloadSlot{task: task, cancel: cancel, done: done, last: downloadInProgress}
	m.mu.Unlock()
	transitionsTotal.WithLabelValues(string(StateDownloading)).Inc()
	m.pub.Publish(Event{Name: EventDownloadStart, ModelPath: dest, Fields: map[string]any{"id": task.ID(), "url": m.source.URL}})

	err = task.Wait()

	m.mu.Lock()
	if m.down.task != task {
		panic("lifecycle: download slot replaced while a task was running")
	}
	cancel()
	outcome, reason, name := downloadCompleted, "", EventDownloadDone
	switch {
	case err == nil:
	case errs.IsCancelled(err):
		outcome, reason, name = downloadCancelled, err.Error(), EventDownloadCancelled
	default:
		outcome, reason, name = downloadFailed, err.Error(), EventDownloadFailed
	}
	m.down = downloadSlot{last: outcome, reason: reason}
	close(done)
	m.mu.Unlock()

	to := StateReady
	if err != nil {
		to = StateIdle
	}
	transitionsTotal.WithLabelValues(string(to)).Inc()
	fields := map[string]any{"id": task.ID()}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.pub.Publish(Event{Name: name, ModelPath: dest, Fields: fields})
	return err
}

// CancelDownload cancels the in-flight download, if any, and returns once its
// partial file has been removed and the manager is out of the downloading state.
func (m *Manager) CancelDownload() {
	m.mu.Lock()
	cancel, done := m.down.cancel, m.down.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// StartServer starts the inference server on the active artifact and returns
// its endpoint once it answers health probes.
func (m *Manager) StartServer(ctx context.Context) (string, error) {
	const op = "lifecycle.start_server"
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", errs.E(errs.KindCancelled, op, ErrClosed)
		}
		switch m.srv.phase {
		case phaseStarting, phaseRunning:
			m.mu.Unlock()
			return "", errs.E(errs.KindAlreadyRunning, op, nil)
		case phaseStopping:
			done := m.srv.stopDone
			m.mu.Unlock()
			if err := wait(ctx, done, op); err != nil {
				return "", err
			}
			continue
		}
		if m.down.task != nil {
			m.mu.Unlock()
			return "", errs.E(errs.KindNotDownloaded, op, errors.New("download in progress"))
		}
		path := m.loc.ActivePath()
		ok, err := m.store.IsDownloaded(path)
		if err != nil {
			m.mu.Unlock()
			return "", err
		}
		if !ok {
			m.mu.Unlock()
			return "", errs.E(errs.KindNotDownloaded, op, fmt.Errorf("no artifact at %s", path))
		}
		sctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		m.srv = serverSlot{phase: phaseStarting, startCancel: cancel, startDone: done}
		m.mu.Unlock()
		transitionsTotal.WithLabelValues(string(StateServerStarting)).Inc()
		m.pub.Publish(Event{Name: EventServerStarting, ModelPath: path})

		h, err := m.sup.Start(sctx, path)
		cancel()

		m.mu.Lock()
		if m.srv.phase != phaseStarting || m.srv.startDone != done {
			panic("lifecycle: server slot changed during start")
		}
		aborted := m.srv.abort
		if err != nil || aborted {
			if h != nil {
				// Start won the race against the abort; tear it down before
				// anyone can observe it.
				m.mu.Unlock()
				_ = m.sup.Stop(context.Background(), h)
				m.mu.Lock()
			}
			m.srv = serverSlot{phase: phaseStopped}
			close(done)
			m.mu.Unlock()
			transitionsTotal.WithLabelValues(string(StateReady)).Inc()
			if err == nil {
				err = errs.E(errs.KindCancelled, op, errors.New("start superseded"))
			}
			m.pub.Publish(Event{Name: EventServerStartFailed, ModelPath: path, Fields: map[string]any{"error": err.Error()}})
			return "", err
		}
		m.srv = serverSlot{phase: phaseRunning, handle: h}
		close(done)
		m.mu.Unlock()
		go m.watch(h)
		transitionsTotal.WithLabelValues(string(StateServerRunning)).Inc()
		m.pub.Publish(Event{Name: EventServerReady, ModelPath: path, Fields: map[string]any{"endpoint": h.Endpoint(), "pid": h.PID()}})
		return h.Endpoint(), nil
	}
}

// StopServer stops the server. An in-flight start is aborted. Stopping a
// stopped server is a no-op.
func (m *Manager) StopServer(ctx context.Context) error {
	const op = "lifecycle.stop_server"
	for {
		m.mu.Lock()
		switch m.srv.phase {
		case phaseStopped:
			m.mu.Unlock()
			return nil
		case phaseStarting, phaseStopping:
			done := m.awaitStableLocked()
			m.mu.Unlock()
			if err := wait(ctx, done, op); err != nil {
				return err
			}
			continue
		}
		h := m.beginStopLocked()
		m.mu.Unlock()
		m.finishStop(ctx, h, EventServerStopped, nil)
		return nil
	}
}

// SetCustomModelPath changes the active artifact. "" reverts to the default.
// A running or starting server is stopped first and the new location is
// committed in the same critical section that observes the server stopped.
func (m *Manager) SetCustomModelPath(ctx context.Context, path string) error {
	const op = "lifecycle.set_model_path"
	path, err := normalizePath(path)
	if err != nil {
		return errs.E(errs.KindInvalid, op, err)
	}
	for {
		m.mu.Lock()
		switch m.srv.phase {
		case phaseStarting, phaseStopping:
			done := m.awaitStableLocked()
			m.mu.Unlock()
			if err := wait(ctx, done, op); err != nil {
				return err
			}
			continue
		case phaseRunning:
			h := m.beginStopLocked()
			m.mu.Unlock()
			m.pub.Publish(Event{Name: EventServerStopped, ModelPath: h.ModelPath(), Fields: map[string]any{"reason": "model_path_changed"}})
			_ = m.sup.Stop(ctx, h)
			m.mu.Lock()
			m.commitStoppedLocked(h)
		}
		// server is stopped and the lock is held
		old := m.loc
		if m.overrides != nil {
			if err := m.persistLocked(ctx, path); err != nil {
				m.mu.Unlock()
				return errs.E(errs.KindIO, op, err)
			}
		}
		m.loc = m.loc.WithOverride(path)
		active := m.loc.ActivePath()
		m.mu.Unlock()

		m.pub.Publish(Event{Name: EventModelPathChanged, ModelPath: active, Fields: map[string]any{"previous": old.ActivePath()}})
		return nil
	}
}

func (m *Manager) persistLocked(ctx context.Context, path string) error {
	if path == "" {
		return m.overrides.Delete(ctx, statestore.NamespaceLocalLLM, statestore.KeyCustomModelPath)
	}
	return m.overrides.Set(ctx, statestore.NamespaceLocalLLM, statestore.KeyCustomModelPath, path)
}

// ModelInfo describes the model location and artifact presence.
func (m *Manager) ModelInfo() (types.ModelInfoResponse, error) {
	m.mu.Lock()
	loc, downloading := m.loc, m.down.task != nil
	m.mu.Unlock()
	ok, err := m.store.IsDownloaded(loc.ActivePath())
	if err != nil {
		return types.ModelInfoResponse{}, err
	}
	return types.ModelInfoResponse{
		ActivePath:   loc.ActivePath(),
		DefaultPath:  loc.DefaultPath,
		OverridePath: loc.OverridePath,
		Downloaded:   ok,
		Downloading:  downloading,
	}, nil
}

// ListLocalModels lists artifacts found in the data directory.
func (m *Manager) ListLocalModels() ([]types.Model, error) {
	return m.store.ListLocalArtifacts()
}

// ListOllamaModels lists models pulled into a local Ollama daemon.
func (m *Manager) ListOllamaModels(ctx context.Context) ([]string, error) {
	if m.ollama == nil {
		return nil, errs.E(errs.KindInvalid, "lifecycle.list_ollama_models", errors.New("ollama client not configured"))
	}
	return m.ollama.ListModels(ctx)
}

// Status is a point-in-time snapshot for the control API.
func (m *Manager) Status() types.StatusResponse {
	m.mu.Lock()
	loc := m.loc
	phase := m.srv.phase
	var srv types.ServerStatus
	srv.State = phase.String()
	if phase == phaseRunning {
		h := m.srv.handle
		srv.Endpoint = h.Endpoint()
		srv.ModelPath = h.ModelPath()
		srv.PID = h.PID()
		srv.StartedAt = h.StartedAt().Unix()
	}
	dl := types.DownloadStatus{State: m.down.last, Reason: m.down.reason}
	if m.down.task != nil {
		dl.ID = m.down.task.ID()
	}
	downloading := m.down.task != nil
	m.mu.Unlock()

	present, _ := m.store.IsDownloaded(loc.ActivePath())
	now := time.Now()
	return types.StatusResponse{
		State:           string(m.deriveState(phase, downloading, loc.ActivePath())),
		ActiveModelPath: loc.ActivePath(),
		DefaultPath:     loc.DefaultPath,
		OverridePath:    loc.OverridePath,
		ModelDownloaded: present,
		Download:        dl,
		Server:          srv,
		UptimeSeconds:   int64(now.Sub(m.bootTime).Seconds()),
		ServerTimeUnix:  now.Unix(),
	}
}

// Close cancels any download, stops the server and rejects further
// downloads and starts. It waits for both to be torn down.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CancelDownload()
	return m.StopServer(ctx)
}

// watch returns the manager to ready when a running server's runtime exits
// on its own.
func (m *Manager) watch(h *supervisor.Handle) {
	<-h.Exited()
	m.mu.Lock()
	if m.srv.phase != phaseRunning || m.srv.handle != h {
		// intentional stop
		m.mu.Unlock()
		return
	}
	m.beginStopLocked()
	m.mu.Unlock()
	m.finishStop(context.Background(), h, EventServerExited, h.ExitErr())
}

// beginStopLocked moves a running server to stopping and returns its handle.
func (m *Manager) beginStopLocked() *supervisor.Handle {
	if m.srv.phase != phaseRunning || m.srv.handle == nil {
		panic(fmt.Sprintf("lifecycle: stop requested in phase %s with handle %v", m.srv.phase, m.srv.handle != nil))
	}
	h := m.srv.handle
	m.srv = serverSlot{phase: phaseStopping, handle: h, stopDone: make(chan struct{})}
	transitionsTotal.WithLabelValues(string(StateServerStopping)).Inc()
	return h
}

func (m *Manager) finishStop(ctx context.Context, h *supervisor.Handle, event string, cause error) {
	_ = m.sup.Stop(ctx, h)
	m.mu.Lock()
	m.commitStoppedLocked(h)
	m.mu.Unlock()
	fields := map[string]any{}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	m.pub.Publish(Event{Name: event, ModelPath: h.ModelPath(), Fields: fields})
}

func (m *Manager) commitStoppedLocked(h *supervisor.Handle) {
	if m.srv.phase != phaseStopping || m.srv.handle != h {
		panic(fmt.Sprintf("lifecycle: commit stop in phase %s", m.srv.phase))
	}
	close(m.srv.stopDone)
	m.srv = serverSlot{phase: phaseStopped}
	transitionsTotal.WithLabelValues(string(StateReady)).Inc()
}

// awaitStableLocked returns a channel closed when the current starting or
// stopping phase ends. A start is asked to abort.
func (m *Manager) awaitStableLocked() chan struct{} {
	if m.srv.phase == phaseStarting {
		m.srv.abort = true
		m.srv.startCancel()
		return m.srv.startDone
	}
	return m.srv.stopDone
}

func wait(ctx context.Context, done <-chan struct{}, op string) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.E(errs.KindCancelled, op, ctx.Err())
	}
}

func normalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p, err := fsutil.ExpandHome(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}
