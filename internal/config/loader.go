package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"localllm/internal/common/fsutil"
)

// Defaults applied by ApplyDefaults when the corresponding field is unset.
const (
	DefaultAddr            = "127.0.0.1:8787"
	DefaultAppIdentifier   = "com.localllm.app"
	DefaultModelFile       = "llm.gguf"
	DefaultModelURL        = "https://huggingface.co/TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF/resolve/main/tinyllama-1.1b-chat-v1.0.Q4_K_M.gguf"
	DefaultLlamaBin        = "llama-server"
	DefaultServerHost      = "127.0.0.1"
	DefaultStartupTimeout  = 60
	DefaultStopGrace       = 5
	DefaultOllamaURL       = "http://localhost:11434"
	DefaultLogLevel        = "info"
	DefaultStateDBFileName = "state.db"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	// Control API listen address.
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// Application identifier used to derive the private data directory.
	AppIdentifier string `json:"app_identifier" yaml:"app_identifier" toml:"app_identifier"`
	// Directory holding the default artifact (and discovered artifacts).
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	// File name of the default artifact inside DataDir.
	ModelFile string `json:"model_file" yaml:"model_file" toml:"model_file"`
	// Remote source of the artifact and its optional hex SHA-256 digest.
	ModelURL    string `json:"model_url" yaml:"model_url" toml:"model_url"`
	ModelSHA256 string `json:"model_sha256" yaml:"model_sha256" toml:"model_sha256"`
	// Extensions treated as model artifacts during discovery.
	ArtifactExts []string `json:"artifact_exts" yaml:"artifact_exts" toml:"artifact_exts"`

	// llama.cpp server runtime.
	LlamaBin       string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaCtxSize   int      `json:"llama_ctx_size" yaml:"llama_ctx_size" toml:"llama_ctx_size"`
	LlamaThreads   int      `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LlamaNGL       int      `json:"llama_ngl" yaml:"llama_ngl" toml:"llama_ngl"`
	LlamaExtraArgs []string `json:"llama_extra_args" yaml:"llama_extra_args" toml:"llama_extra_args"`
	LlamaPortStart int      `json:"llama_port_start" yaml:"llama_port_start" toml:"llama_port_start"`
	LlamaPortEnd   int      `json:"llama_port_end" yaml:"llama_port_end" toml:"llama_port_end"`

	// Local inference endpoint. Port 0 picks an ephemeral port.
	ServerHost        string `json:"server_host" yaml:"server_host" toml:"server_host"`
	ServerPort        int    `json:"server_port" yaml:"server_port" toml:"server_port"`
	StartupTimeoutSec int    `json:"startup_timeout_sec" yaml:"startup_timeout_sec" toml:"startup_timeout_sec"`
	StopGraceSec      int    `json:"stop_grace_sec" yaml:"stop_grace_sec" toml:"stop_grace_sec"`

	OllamaURL string `json:"ollama_url" yaml:"ollama_url" toml:"ollama_url"`

	// Keep the custom model path across restarts (SQLite in DataDir).
	PersistModelPath bool   `json:"persist_model_path" yaml:"persist_model_path" toml:"persist_model_path"`
	StateDB          string `json:"state_db" yaml:"state_db" toml:"state_db"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogPretty bool   `json:"log_pretty" yaml:"log_pretty" toml:"log_pretty"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields. DataDir resolution may touch the user's
// home directory, hence the error.
func (c *Config) ApplyDefaults() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.AppIdentifier == "" {
		c.AppIdentifier = DefaultAppIdentifier
	}
	if c.DataDir == "" {
		d, err := fsutil.AppDataDir(c.AppIdentifier)
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}
		c.DataDir = d
	} else {
		d, err := fsutil.ExpandHome(c.DataDir)
		if err != nil {
			return err
		}
		c.DataDir = d
	}
	if c.ModelFile == "" {
		c.ModelFile = DefaultModelFile
	}
	if c.ModelURL == "" {
		c.ModelURL = DefaultModelURL
	}
	if len(c.ArtifactExts) == 0 {
		c.ArtifactExts = []string{".gguf"}
	}
	if c.LlamaBin == "" {
		c.LlamaBin = DefaultLlamaBin
	}
	if c.ServerHost == "" {
		c.ServerHost = DefaultServerHost
	}
	if c.StartupTimeoutSec <= 0 {
		c.StartupTimeoutSec = DefaultStartupTimeout
	}
	if c.StopGraceSec <= 0 {
		c.StopGraceSec = DefaultStopGrace
	}
	if c.OllamaURL == "" {
		c.OllamaURL = DefaultOllamaURL
	}
	if c.StateDB == "" {
		c.StateDB = filepath.Join(c.DataDir, DefaultStateDBFileName)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return nil
}

// ApplyEnv overrides fields from LOCALLLM_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LOCALLLM_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("LOCALLLM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOCALLLM_MODEL_URL"); v != "" {
		c.ModelURL = v
	}
	if v := os.Getenv("LOCALLLM_LLAMA_BIN"); v != "" {
		c.LlamaBin = v
	}
	if v := os.Getenv("LOCALLLM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOCALLLM_STARTUP_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StartupTimeoutSec = n
		}
	}
}

// StartupTimeout returns the readiness window as a duration.
func (c Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

// StopGrace returns the graceful-shutdown window as a duration.
func (c Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSec) * time.Second
}

// DefaultModelPath is DataDir/ModelFile.
func (c Config) DefaultModelPath() string {
	return filepath.Join(c.DataDir, c.ModelFile)
}
