package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"localllm/internal/download"
	"localllm/internal/errs"
	"localllm/pkg/types"
)

func progressThen(result error, steps ...int64) func(context.Context, chan<- download.Progress) error {
	return func(ctx context.Context, ch chan<- download.Progress) error {
		for _, n := range steps {
			ch <- download.Progress{DownloadID: "d1", BytesSoFar: n, TotalBytes: 100, Percent: uint8(n)}
		}
		close(ch)
		return result
	}
}

type sseEvent struct {
	name string
	data types.DownloadEvent
}

func readSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data); err != nil {
				t.Fatalf("frame %q: %v", line, err)
			}
		case line == "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestDownloadSSEStreamsProgressThenDone(t *testing.T) {
	svc := newMock()
	svc.downloadFn = progressThen(nil, 0, 40, 100)
	w := do(t, NewMux(svc, Options{}), http.MethodPost, "/v1/model/download", "", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("status=%d ct=%s", w.Code, w.Header().Get("Content-Type"))
	}
	evs := readSSE(t, w.Body.String())
	if len(evs) != 4 {
		t.Fatalf("events: %+v", evs)
	}
	for i, want := range []int64{0, 40, 100} {
		if evs[i].name != "progress" || evs[i].data.Progress == nil || evs[i].data.Progress.BytesSoFar != want {
			t.Fatalf("event %d: %+v", i, evs[i])
		}
	}
	last := evs[3]
	if last.name != "done" || last.data.Type != "done" || last.data.Path != "/d/llm.gguf" {
		t.Fatalf("final event %+v", last)
	}
}

func TestDownloadSSERejectedBeforeStartIsJSON(t *testing.T) {
	svc := newMock()
	svc.downloadFn = progressThen(errs.E(errs.KindServerActive, "lifecycle.download_model", nil))
	w := do(t, NewMux(svc, Options{}), http.MethodPost, "/v1/model/download", "", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
	if e := decodeError(t, w); e.Kind != "server_active" {
		t.Fatalf("error %+v", e)
	}
}

func TestDownloadSSEFailureAfterStart(t *testing.T) {
	svc := newMock()
	svc.downloadFn = progressThen(errs.E(errs.KindChecksum, "download.fetch", nil), 0, 100)
	w := do(t, NewMux(svc, Options{}), http.MethodPost, "/v1/model/download", "", "")
	evs := readSSE(t, w.Body.String())
	last := evs[len(evs)-1]
	if w.Code != http.StatusOK || last.name != "error" || last.data.Kind != "checksum_mismatch" {
		t.Fatalf("status=%d last=%+v", w.Code, last)
	}

	svc.downloadFn = progressThen(errs.E(errs.KindCancelled, "download.fetch", context.Canceled), 0)
	w = do(t, NewMux(svc, Options{}), http.MethodPost, "/v1/model/download", "", "")
	evs = readSSE(t, w.Body.String())
	if last := evs[len(evs)-1]; last.name != "cancelled" {
		t.Fatalf("last=%+v", last)
	}
}

func TestDownloadSSEClientDisconnectCancels(t *testing.T) {
	svc := newMock()
	cancelled := make(chan struct{})
	svc.downloadFn = func(ctx context.Context, ch chan<- download.Progress) error {
		ch <- download.Progress{DownloadID: "d1", TotalBytes: 100}
		<-ctx.Done()
		close(ch)
		close(cancelled)
		return errs.E(errs.KindCancelled, "download.fetch", ctx.Err())
	}
	srv := httptest.NewServer(NewMux(svc, Options{}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/model/download", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "event: progress") {
		t.Fatalf("first line %q err=%v", line, err)
	}
	cancel()
	resp.Body.Close()
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatalf("download not cancelled after client disconnect")
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/v1/model/download/ws"
}

func TestDownloadWebSocket(t *testing.T) {
	svc := newMock()
	svc.downloadFn = progressThen(nil, 0, 50, 100)
	srv := httptest.NewServer(NewMux(svc, Options{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var got []types.DownloadEvent
	for {
		var ev types.DownloadEvent
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		got = append(got, ev)
	}
	if len(got) != 4 || got[0].Type != "progress" || got[3].Type != "done" || got[3].Path != "/d/llm.gguf" {
		t.Fatalf("events %+v", got)
	}
}

func TestDownloadWebSocketCloseCancels(t *testing.T) {
	svc := newMock()
	cancelled := make(chan struct{})
	svc.downloadFn = func(ctx context.Context, ch chan<- download.Progress) error {
		ch <- download.Progress{DownloadID: "d1", TotalBytes: 100}
		<-ctx.Done()
		close(ch)
		close(cancelled)
		return errs.E(errs.KindCancelled, "download.fetch", ctx.Err())
	}
	srv := httptest.NewServer(NewMux(svc, Options{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var ev types.DownloadEvent
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != "progress" {
		t.Fatalf("first event %+v err=%v", ev, err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatalf("download not cancelled after socket close")
	}
}

func TestDownloadWebSocketRejectedSendsError(t *testing.T) {
	svc := newMock()
	svc.downloadFn = progressThen(errs.E(errs.KindAlreadyInProgress, "lifecycle.download_model", nil))
	srv := httptest.NewServer(NewMux(svc, Options{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var ev types.DownloadEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "error" || ev.Kind != "already_in_progress" {
		t.Fatalf("event %+v", ev)
	}
}
