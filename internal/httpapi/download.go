package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"localllm/internal/download"
	"localllm/internal/errs"
	"localllm/pkg/types"
)

const wsWriteWait = 5 * time.Second

// finalEvent turns a download outcome into the closing stream event.
func (a *api) finalEvent(err error) types.DownloadEvent {
	switch {
	case err == nil:
		return types.DownloadEvent{Type: "done", Path: a.svc.ActiveModelPath()}
	case errs.IsCancelled(err):
		return types.DownloadEvent{Type: "cancelled", Error: err.Error(), Kind: string(errs.KindCancelled)}
	default:
		return types.DownloadEvent{Type: "error", Error: err.Error(), Kind: string(errs.KindOf(err))}
	}
}

// handleDownloadSSE runs a download for the lifetime of the request and
// streams progress as server-sent events. Failures detected before the first
// progress frame are returned as a plain JSON error.
func (a *api) handleDownloadSSE(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	progress := make(chan download.Progress, 16)
	result := make(chan error, 1)
	go func() { result <- a.svc.DownloadModel(ctx, progress) }()

	flusher, _ := w.(http.Flusher)
	var out io.Writer = w
	if requestLogLevel(r, a.lvl) >= LevelDebug {
		out = io.MultiWriter(w, &frameLogger{log: a.log, rid: middleware.GetReqID(r.Context())})
	}
	streaming := false
	begin := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		streaming = true
	}
	send := func(ev types.DownloadEvent) {
		b, _ := json.Marshal(ev)
		_, _ = fmt.Fprintf(out, "event: %s\ndata: %s\n\n", ev.Type, b)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for p := range progress {
		if !streaming {
			begin()
		}
		p := p
		send(types.DownloadEvent{Type: "progress", Progress: &p})
	}
	err := <-result
	if !streaming {
		if err != nil {
			writeError(w, err)
			return
		}
		begin()
	}
	send(a.finalEvent(err))
}

// handleDownloadWS is the WebSocket variant of handleDownloadSSE. Every
// message is a JSON types.DownloadEvent; closing the socket cancels the
// download.
func (a *api) handleDownloadWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if a.opts.CORSEnabled {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		return
	}
	defer conn.Close()

	ctx, cancel := a.requestContext(r)
	defer cancel()

	// reader: any close or read error cancels the download
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	progress := make(chan download.Progress, 16)
	result := make(chan error, 1)
	go func() { result <- a.svc.DownloadModel(ctx, progress) }()

	write := func(ev types.DownloadEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(ev)
	}
	for p := range progress {
		p := p
		if err := write(types.DownloadEvent{Type: "progress", Progress: &p}); err != nil {
			cancel()
		}
	}
	dlErr := <-result
	// the peer may already be gone; both writes are best effort
	_ = write(a.finalEvent(dlErr))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}
