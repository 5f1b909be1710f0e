package lifecycle

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Event is a lifecycle notification: a name, the model path it concerns and
// optional fields.
type Event struct {
	Name      string
	ModelPath string
	Fields    map[string]any
}

// Event names.
const (
	EventDownloadStart     = "download_start"
	EventDownloadDone      = "download_done"
	EventDownloadFailed    = "download_failed"
	EventDownloadCancelled = "download_cancelled"
	EventServerStarting    = "server_starting"
	EventServerReady       = "server_ready"
	EventServerStartFailed = "server_start_failed"
	EventServerStopped     = "server_stopped"
	EventServerExited      = "server_exited"
	EventModelPathChanged  = "model_path_changed"
)

// EventPublisher receives events from the manager. Publish is called outside
// the manager lock and must not block for long or panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes events to a zerolog logger.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Logger.Info()
	if e.Name == EventDownloadFailed || e.Name == EventServerStartFailed || e.Name == EventServerExited {
		ev = p.Logger.Warn()
	}
	ev = ev.Str("event", e.Name)
	if e.ModelPath != "" {
		ev = ev.Str("model", e.ModelPath)
	}
	ev.Fields(e.Fields).Msg("lifecycle")
}

// MultiPublisher fans an event out to several publishers.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// MemoryPublisher records events; tests assert on the sequence.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}

// Names returns the published event names in order.
func (p *MemoryPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.events))
	for _, e := range p.events {
		names = append(names, e.Name)
	}
	return names
}
