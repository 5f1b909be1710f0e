package lifecycle

import (
	"context"

	"localllm/internal/download"
	"localllm/internal/supervisor"
	"localllm/pkg/types"
)

// State is the aggregate lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateDownloading    State = "downloading"
	StateReady          State = "ready"
	StateServerStarting State = "server_starting"
	StateServerRunning  State = "server_running"
	StateServerStopping State = "server_stopping"
)

type serverPhase int

const (
	phaseStopped serverPhase = iota
	phaseStarting
	phaseRunning
	phaseStopping
)

func (p serverPhase) String() string {
	switch p {
	case phaseStarting:
		return "starting"
	case phaseRunning:
		return "running"
	case phaseStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Download slot outcomes reported by Status.
const (
	downloadIdle       = "idle"
	downloadInProgress = "in_progress"
	downloadCompleted  = "completed"
	downloadFailed     = "failed"
	downloadCancelled  = "cancelled"
)

// API is the operation surface exposed to the host (HTTP control API, CLI).
type API interface {
	IsServerRunning() bool
	IsModelDownloaded() (bool, error)
	IsModelDownloading() bool
	DownloadModel(ctx context.Context, progress chan<- download.Progress) error
	CancelDownload()
	StartServer(ctx context.Context) (string, error)
	StopServer(ctx context.Context) error
	ServerEndpoint() string
	ActiveModelPath() string
	SetCustomModelPath(ctx context.Context, path string) error
	ModelInfo() (types.ModelInfoResponse, error)
	ListLocalModels() ([]types.Model, error)
	ListOllamaModels(ctx context.Context) ([]string, error)
	State() State
	Status() types.StatusResponse
}

// Downloader is satisfied by *download.Downloader.
type Downloader interface {
	Start(ctx context.Context, src download.Source, dest string, progress chan<- download.Progress) (*download.Task, error)
}

// Supervisor is satisfied by *supervisor.Supervisor.
type Supervisor interface {
	Start(ctx context.Context, modelPath string) (*supervisor.Handle, error)
	Stop(ctx context.Context, h *supervisor.Handle) error
}

// OllamaLister is satisfied by *ollama.Client.
type OllamaLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// OverrideStore persists the custom model path; satisfied by *statestore.Store.
type OverrideStore interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
}
