package llama

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const (
	defaultBin  = "llama-server"
	defaultHost = "127.0.0.1"
	// bytes of stderr kept for diagnostics
	stderrTailBytes = 4096
)

// Config describes how to spawn llama-server.
type Config struct {
	Bin       string
	Host      string
	CtxSize   int
	Threads   int
	NGL       int
	ExtraArgs []string
	// Optional port range; when unset an ephemeral port is used.
	PortStart int
	PortEnd   int
	// Client talks to the spawned server. Requests carry their own deadlines.
	Client *http.Client
	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Bin) == "" {
		c.Bin = defaultBin
	}
	if strings.TrimSpace(c.Host) == "" {
		c.Host = defaultHost
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 0}
	}
	return c
}

// args builds the llama-server command line.
func (c Config) args(modelPath string, port int) []string {
	args := []string{
		"-m", modelPath,
		"--host", c.Host,
		"--port", itoa(port),
	}
	if c.CtxSize > 0 {
		args = append(args, "-c", itoa(c.CtxSize))
	}
	if c.Threads > 0 {
		args = append(args, "-t", itoa(c.Threads))
	}
	if c.NGL > 0 {
		args = append(args, "-ngl", itoa(c.NGL))
	}
	return append(args, c.ExtraArgs...)
}
