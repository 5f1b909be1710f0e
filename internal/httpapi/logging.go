package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func defaultLevel(configured string) LogLevel {
	if configured != "" {
		return parseLevel(configured)
	}
	return parseLevel(os.Getenv("LOCALLLM_HTTP_LOG_LEVEL"))
}

// requestLogLevel applies the per-request overrides (?log=, X-Log-Level)
// on top of def.
func requestLogLevel(r *http.Request, def LogLevel) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return def
}

// frameLogger logs complete lines of a streamed response body at debug level.
type frameLogger struct {
	log zerolog.Logger
	rid string
	buf []byte
}

func (fl *frameLogger) Write(p []byte) (int, error) {
	fl.buf = append(fl.buf, p...)
	for {
		idx := indexByte(fl.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(fl.buf[:idx])
		if len(line) > 0 {
			fl.log.Debug().Str("request_id", fl.rid).Str("frame", line).Msg("stream>")
		}
		fl.buf = fl.buf[idx+1:]
	}
	return len(p), nil
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// accessLog logs request start/end at the effective per-request level.
func accessLog(log zerolog.Logger, def LogLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lvl := requestLogLevel(r, def)
			if lvl == LevelOff {
				next.ServeHTTP(w, r)
				return
			}
			rid := middleware.GetReqID(r.Context())
			if lvl >= LevelInfo {
				log.Info().Str("event", "http_start").Str("method", r.Method).Str("path", r.URL.Path).Str("request_id", rid).Msg("request start")
			}
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sr, r)
			var ev *zerolog.Event
			switch {
			case sr.status >= 500:
				ev = log.Error()
			case lvl >= LevelInfo:
				ev = log.Info()
			case sr.status >= 400:
				ev = log.Error()
			default:
				return
			}
			ev.Str("event", "http_end").Str("method", r.Method).Str("path", r.URL.Path).Int("status", sr.status).Dur("dur", time.Since(start)).Str("request_id", rid).Msg("request end")
		})
	}
}
