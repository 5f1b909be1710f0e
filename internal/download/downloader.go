// Package download fetches a model artifact over HTTP into a destination
// file. Transfers are streamed to a private temporary file and renamed into
// place on success, so the destination never holds a partial artifact.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"localllm/internal/errs"
	"localllm/pkg/types"
)

const defaultChunkSize = 256 * 1024

// Progress is one progress event. Events for a task are monotonically
// non-decreasing; Percent reaches 100 only on the completion event.
type Progress = types.DownloadProgress

// Source describes where an artifact comes from. SHA256 (hex) and Size are
// optional; when SHA256 is set the finished file must match it.
type Source struct {
	URL    string
	SHA256 string
	Size   int64
}

// Config tunes a Downloader. Zero values select defaults.
type Config struct {
	Client    *http.Client
	ChunkSize int
	Logger    zerolog.Logger
}

// Downloader runs download tasks. It refuses two concurrent tasks writing
// the same destination; system-wide single-flight is the caller's job.
type Downloader struct {
	client *http.Client
	chunk  int
	log    zerolog.Logger

	mu     sync.Mutex
	active map[string]string // dest -> task id
}

// New constructs a Downloader.
func New(cfg Config) *Downloader {
	cli := cfg.Client
	if cli == nil {
		// No overall timeout: artifacts are large; cancellation is via context.
		cli = &http.Client{Timeout: 0}
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	return &Downloader{client: cli, chunk: chunk, log: cfg.Logger, active: make(map[string]string)}
}

// Task is a handle to one in-flight download.
type Task struct {
	id     string
	dest   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Dest returns the final artifact path.
func (t *Task) Dest() string { return t.dest }

// Cancel requests cooperative cancellation. Safe to call repeatedly.
func (t *Task) Cancel() { t.cancel() }

// Done is closed once the task has finished, including partial-file cleanup.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task has finished and returns its outcome: nil on
// success, or an *errs.Error of kind cancelled, network, io or checksum_mismatch.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Err returns the outcome if the task has finished, else nil.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Start begins a streamed transfer of src into dest. Progress events go to
// progress (which may be nil); the channel is closed exactly once, also when
// Start itself fails. Cancelling ctx cancels the task.
func (d *Downloader) Start(ctx context.Context, src Source, dest string, progress chan<- Progress) (*Task, error) {
	fail := func(err error) (*Task, error) {
		if progress != nil {
			close(progress)
		}
		return nil, err
	}
	if strings.TrimSpace(src.URL) == "" {
		return fail(errs.E(errs.KindInvalid, "download.start", errors.New("empty source url")))
	}
	if strings.TrimSpace(dest) == "" {
		return fail(errs.E(errs.KindInvalid, "download.start", errors.New("empty destination")))
	}
	id := uuid.NewString()
	d.mu.Lock()
	if other, busy := d.active[dest]; busy {
		d.mu.Unlock()
		return fail(errs.E(errs.KindAlreadyInProgress, "download.start", fmt.Errorf("destination %s is being written by %s", dest, other)))
	}
	d.active[dest] = id
	d.mu.Unlock()

	tctx, cancel := context.WithCancel(ctx)
	t := &Task{id: id, dest: dest, cancel: cancel, done: make(chan struct{})}
	go d.run(tctx, t, src, progress)
	return t, nil
}

func (d *Downloader) run(ctx context.Context, t *Task, src Source, progress chan<- Progress) {
	start := time.Now()
	d.log.Info().Str("event", "download_start").Str("id", t.id).Str("url", src.URL).Str("dest", t.dest).Msg("download start")
	written, err := d.fetch(ctx, t, src, progress)
	if progress != nil {
		close(progress)
	}
	d.mu.Lock()
	delete(d.active, t.dest)
	d.mu.Unlock()
	t.cancel()

	outcome := "completed"
	switch {
	case err == nil:
		d.log.Info().Str("event", "download_done").Str("id", t.id).Int64("bytes", written).Dur("dur", time.Since(start)).Msg("download done")
	case errs.IsCancelled(err):
		outcome = "cancelled"
		d.log.Info().Str("event", "download_cancelled").Str("id", t.id).Int64("bytes", written).Msg("download cancelled")
	default:
		outcome = string(errs.KindOf(err))
		d.log.Error().Str("event", "download_failed").Str("id", t.id).Err(err).Msg("download failed")
	}
	downloadsTotal.WithLabelValues(outcome).Inc()
	t.err = err
	close(t.done)
}

// fetch performs the transfer. Any non-nil return has already removed the
// temporary file.
func (d *Downloader) fetch(ctx context.Context, t *Task, src Source, progress chan<- Progress) (int64, error) {
	const op = "download.fetch"
	dir := filepath.Dir(t.dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errs.E(errs.KindIO, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return 0, errs.E(errs.KindInvalid, op, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, errs.E(errs.KindCancelled, op, ctx.Err())
		}
		return 0, errs.E(errs.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, errs.E(errs.KindNetwork, op, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(b))))
	}
	total := resp.ContentLength
	if total <= 0 {
		total = src.Size
	}
	if total < 0 {
		total = 0
	}

	tmp := filepath.Join(dir, "."+filepath.Base(t.dest)+"."+t.id+".part")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errs.E(errs.KindIO, op, err)
	}
	closed := false
	committed := false
	defer func() {
		if !closed {
			_ = f.Close()
		}
		if !committed {
			_ = os.Remove(tmp)
		}
	}()

	emit := func(p Progress) {
		if progress == nil {
			return
		}
		select {
		case progress <- p:
		default:
			// slow consumer: drop, the next event supersedes this one
		}
	}
	emit(Progress{DownloadID: t.id, TotalBytes: total})

	h := sha256.New()
	buf := make([]byte, d.chunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, errs.E(errs.KindCancelled, op, err)
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, errs.E(errs.KindIO, op, werr)
			}
			_, _ = h.Write(buf[:n])
			written += int64(n)
			downloadBytesTotal.Add(float64(n))
			emit(Progress{DownloadID: t.id, BytesSoFar: written, TotalBytes: total, Percent: percentOf(written, total)})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, errs.E(errs.KindCancelled, op, ctx.Err())
			}
			return written, errs.E(errs.KindNetwork, op, rerr)
		}
	}
	if total > 0 && written < total {
		return written, errs.E(errs.KindNetwork, op, fmt.Errorf("short body: got %d of %d bytes", written, total))
	}
	if want := strings.ToLower(strings.TrimSpace(src.SHA256)); want != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return written, errs.E(errs.KindChecksum, op, fmt.Errorf("sha256 %s, want %s", got, want))
		}
	}
	if err := f.Sync(); err != nil {
		return written, errs.E(errs.KindIO, op, err)
	}
	closed = true
	if err := f.Close(); err != nil {
		return written, errs.E(errs.KindIO, op, err)
	}
	// last cancellation point before the artifact becomes visible
	if err := ctx.Err(); err != nil {
		return written, errs.E(errs.KindCancelled, op, err)
	}
	if err := os.Rename(tmp, t.dest); err != nil {
		return written, errs.E(errs.KindIO, op, err)
	}
	committed = true

	if progress != nil {
		final := Progress{DownloadID: t.id, BytesSoFar: written, TotalBytes: max(total, written), Percent: 100}
		select {
		case progress <- final:
		case <-ctx.Done():
		}
	}
	return written, nil
}

// percentOf normalizes to 0-99 while in flight; 100 is reserved for completion.
func percentOf(written, total int64) uint8 {
	if total <= 0 {
		return 0
	}
	p := written * 100 / total
	if p > 99 {
		p = 99
	}
	return uint8(p)
}
