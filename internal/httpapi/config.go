package httpapi

import (
	"context"

	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Options configures the control API handler.
type Options struct {
	// Maximum request body size for JSON endpoints. Default 1 MiB.
	MaxBodyBytes int64

	// Process-level context; cancelling it aborts downloads and starts that
	// are driven by in-flight requests.
	BaseContext context.Context

	// Per-request log level when the request does not override it
	// (off, error, info, debug). Empty reads LOCALLLM_HTTP_LOG_LEVEL.
	LogLevel string
	Logger   zerolog.Logger

	// CORS configuration (opt-in). If disabled, no CORS middleware is added.
	CORSEnabled        bool
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.BaseContext == nil {
		o.BaseContext = context.Background()
	}
	if len(o.CORSAllowedOrigins) == 0 {
		o.CORSAllowedOrigins = []string{"*"}
	}
	if len(o.CORSAllowedMethods) == 0 {
		o.CORSAllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(o.CORSAllowedHeaders) == 0 {
		o.CORSAllowedHeaders = []string{"Accept", "Content-Type", "X-Log-Level", "X-Request-Id"}
	}
	return o
}
