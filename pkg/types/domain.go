package types

// Model represents a model artifact discovered on disk.
type Model struct {
	// Stable identifier for the model (the file name).
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name"`
	// Absolute path to the model file on disk.
	Path string `json:"path"`
	// Size of the artifact in bytes.
	SizeBytes int64 `json:"size_bytes"`
}

// DownloadProgress is one progress frame for an in-flight artifact download.
type DownloadProgress struct {
	// ID of the download task.
	DownloadID string `json:"download_id,omitempty"`
	// Bytes written so far.
	BytesSoFar int64 `json:"bytes_so_far"`
	// Total bytes, or 0 when the source did not announce a length.
	TotalBytes int64 `json:"total_bytes"`
	// Normalized progress 0-100.
	Percent uint8 `json:"percent"`
}

// CompletionResult is the summary of one finished chat completion.
type CompletionResult struct {
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}
