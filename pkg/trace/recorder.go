package trace

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ardnew/softreg/pkg"
)

// Recorder receives diagnostic events.
// Implementations must be safe for concurrent use and must not block for long;
// Record is called from the interrupt path.
type Recorder interface {
	Record(event Event)
}

// Discard drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Event) {}

// Stamp sets the event timestamp if unset and hands it to r.
func Stamp(r Recorder, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.Record(event)
}

// StreamRecorder writes events as a CBOR sequence.
type StreamRecorder struct {
	mu      sync.Mutex
	w       io.Writer
	encoder *cbor.Encoder
	closed  bool
}

// NewStreamRecorder returns a recorder encoding events to w.
// If w is an io.Closer it is closed by Close.
func NewStreamRecorder(w io.Writer) *StreamRecorder {
	return &StreamRecorder{w: w, encoder: newEncoder(w)}
}

// NewFileRecorder opens path for appending and returns a recorder writing to it.
func NewFileRecorder(path string) (*StreamRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return NewStreamRecorder(f), nil
}

// Record encodes the event. Encoding errors are logged, never returned.
func (r *StreamRecorder) Record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if err := r.encoder.Encode(event); err != nil {
		pkg.LogWarn(pkg.ComponentTrace, "failed to encode event", "kind", event.Kind, "error", err)
	}
}

// Close stops recording. It is safe to call Close multiple times.
func (r *StreamRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if c, ok := r.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Memory keeps events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Record appends the event.
func (m *Memory) Record(event Event) {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Kinds returns the kinds of the recorded events in order.
func (m *Memory) Kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Kind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

var (
	_ Recorder = (*StreamRecorder)(nil)
	_ Recorder = (*Memory)(nil)
)
