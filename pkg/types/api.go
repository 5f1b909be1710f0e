package types

// ChatMessage is one message of an OpenAI-style chat conversation.
type ChatMessage struct {
	Role string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body of POST /chat/completions.
type ChatCompletionRequest struct {
	// Optional model name; the local server always serves its one artifact.
	Model string `json:"model,omitempty"`
	// Conversation so far. At least one message is required.
	Messages []ChatMessage `json:"messages"`
	// If true, the response is a text/event-stream of chat.completion.chunk frames.
	Stream bool `json:"stream"`
	MaxTokens int `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP float64 `json:"top_p,omitempty"`
	Stop []string `json:"stop,omitempty"`
	Seed int64    `json:"seed,omitempty"`
}

// ChatCompletionChoice is a non-streaming choice.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage contains token accounting when the runtime reports it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is returned for stream=false.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

// ChatDelta is the incremental part of a streamed choice.
type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionChunkChoice is one streamed choice.
type ChatCompletionChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatCompletionChunk is the payload of each `data:` frame for stream=true.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ModelsResponse wraps the list of models returned by the discovery endpoints.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	Error string `json:"error"`
	// HTTP status code.
	Code int `json:"code"`
	// Machine-readable error kind, when known.
	Kind string `json:"kind,omitempty"`
}

// ModelPathRequest is the body of PUT /v1/model/path. An empty or null path
// reverts to the default location.
type ModelPathRequest struct {
	Path *string `json:"path"`
}

// ModelInfoResponse is returned by GET /v1/model.
type ModelInfoResponse struct {
	ActivePath   string `json:"active_path"`
	DefaultPath  string `json:"default_path"`
	OverridePath string `json:"override_path,omitempty"`
	Downloaded   bool   `json:"downloaded"`
	Downloading  bool   `json:"downloading"`
}

// StartServerResponse is returned by POST /v1/server/start.
type StartServerResponse struct {
	Endpoint string `json:"endpoint"`
}

// DownloadStatus summarizes the download slot for /v1/status.
type DownloadStatus struct {
	// idle | in_progress | completed | failed
	State  string `json:"state"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ServerStatus summarizes the inference server for /v1/status.
type ServerStatus struct {
	// stopped | starting | running | stopping
	State     string `json:"state"`
	Endpoint  string `json:"endpoint,omitempty"`
	ModelPath string `json:"model_path,omitempty"`
	PID       int    `json:"pid,omitempty"`
	// Unix seconds when the server became ready.
	StartedAt int64 `json:"started_at,omitempty"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	// Aggregate lifecycle state (idle, downloading, ready, server_starting,
	// server_running, server_stopping).
	State           string         `json:"state"`
	ActiveModelPath string         `json:"active_model_path"`
	DefaultPath     string         `json:"default_path"`
	OverridePath    string         `json:"override_path,omitempty"`
	ModelDownloaded bool           `json:"model_downloaded"`
	Download        DownloadStatus `json:"download"`
	Server          ServerStatus   `json:"server"`
	// Uptime of the daemon in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// DownloadEvent is one message of the download progress stream, sent as an
// SSE frame (event name = Type) or a WebSocket text message.
type DownloadEvent struct {
	// progress | done | cancelled | error
	Type     string            `json:"type"`
	Progress *DownloadProgress `json:"progress,omitempty"`
	// Artifact path, set on done.
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// OllamaModelsResponse is returned by GET /v1/models/ollama.
type OllamaModelsResponse struct {
	Models []string `json:"models"`
}
