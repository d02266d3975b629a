// Package logstream captures the agent's structured log output into a ring
// buffer for RPC retrieval, publishes entries on live NATS subjects for
// streaming consumers, and hands each entry to the sync bridge.
package logstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultCapacity is the ring buffer size when the config does not say
// otherwise.
const DefaultCapacity = 1000

// LiveSubjectPrefix is the NATS subject prefix for live log streaming.
// Entries for a specific experiment publish on <prefix>.<experiment-id>;
// entries without one publish on <prefix>.agent.
const LiveSubjectPrefix = "agent.logs"

// Entry is one captured log record.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	Source       string    `json:"source,omitempty"`
}

// Syncer replicates log entries to the remote store without blocking.
type Syncer interface {
	SyncLog(e Entry)
}

// Filter selects entries in Snapshot.
type Filter struct {
	ExperimentID string
	MinLevel     string
}

// Stream is the shared log sink: a bounded ring of recent entries plus the
// live publish and sync fan-out.
type Stream struct {
	mu    sync.Mutex
	ring  []Entry
	next  int
	count int

	nc     *nats.Conn
	syncer Syncer
}

// NewStream creates a stream. nc and syncer are optional; a nil nc disables
// live publishing.
func NewStream(capacity int, nc *nats.Conn, syncer Syncer) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stream{
		ring:   make([]Entry, capacity),
		nc:     nc,
		syncer: syncer,
	}
}

// SetSyncer attaches the sync bridge after construction. The stream is
// usually built before the bridge so the bridge's own logs are captured.
func (s *Stream) SetSyncer(syncer Syncer) {
	s.mu.Lock()
	s.syncer = syncer
	s.mu.Unlock()
}

// Add records an entry, publishes it live, and syncs it.
func (s *Stream) Add(e Entry) {
	s.mu.Lock()
	s.ring[s.next] = e
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	syncer := s.syncer
	s.mu.Unlock()

	if s.nc != nil {
		if payload, err := json.Marshal(e); err == nil {
			// Best-effort; a slow consumer must not stall logging.
			_ = s.nc.Publish(LiveSubject(e.ExperimentID), payload)
		}
	}
	if syncer != nil {
		syncer.SyncLog(e)
	}
}

// Snapshot returns the buffered entries matching the filter, oldest first.
func (s *Stream) Snapshot(f Filter) []Entry {
	minRank := levelRank(f.MinLevel)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, s.count)
	start := s.next - s.count
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < s.count; i++ {
		e := s.ring[(start+i)%len(s.ring)]
		if f.ExperimentID != "" && e.ExperimentID != f.ExperimentID {
			continue
		}
		if levelRank(e.Level) < minRank {
			continue
		}
		out = append(out, e)
	}
	return out
}

// LiveSubject returns the NATS subject live entries for an experiment
// publish on.
func LiveSubject(experimentID string) string {
	if experimentID == "" {
		return LiveSubjectPrefix + ".agent"
	}
	return LiveSubjectPrefix + "." + experimentID
}

func levelRank(level string) int {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return 0
	case "", "INFO":
		return 1
	case "WARN", "WARNING":
		return 2
	case "ERROR":
		return 3
	}
	return 1
}

// Handler wraps an slog.Handler so every record the agent logs is also
// captured by the stream. The experiment_id and source attributes, when
// present, are lifted onto the entry.
type Handler struct {
	inner  slog.Handler
	stream *Stream
	attrs  []slog.Attr
}

// NewHandler tees records into the stream on their way to inner.
func NewHandler(inner slog.Handler, stream *Stream) *Handler {
	return &Handler{inner: inner, stream: stream}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	e := Entry{
		Timestamp: record.Time.UTC(),
		Level:     record.Level.String(),
		Message:   record.Message,
		Source:    "agent",
	}
	lift := func(a slog.Attr) {
		switch a.Key {
		case "experiment_id":
			e.ExperimentID = a.Value.String()
		case "source":
			e.Source = a.Value.String()
		}
	}
	for _, a := range h.attrs {
		lift(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		lift(a)
		return true
	})

	h.stream.Add(e)
	return h.inner.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{inner: h.inner.WithAttrs(attrs), stream: h.stream, attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), stream: h.stream, attrs: h.attrs}
}
