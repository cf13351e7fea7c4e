package ingestion

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Emitter receives progress events. Implementations must preserve call order.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Stream is the ordered single-reader channel between one job and its
// observer. Emit blocks while the buffer is full, so a slow reader applies
// backpressure; the reader must drain until the channel closes.
type Stream struct {
	ch   chan Event
	once sync.Once
}

// NewStream creates a stream with the given buffer size.
func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{ch: make(chan Event, buffer)}
}

func (s *Stream) Emit(e Event) {
	s.ch <- e
}

// Events is the read side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close ends the stream. No Emit may follow.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.ch) })
}

// Format selects the framing used on the wire.
type Format int

const (
	// FormatNDJSON writes one JSON object per line.
	FormatNDJSON Format = iota
	// FormatSSE writes server-sent events.
	FormatSSE
)

func (f Format) ContentType() string {
	if f == FormatSSE {
		return "text/event-stream"
	}
	return "application/x-ndjson"
}

// Encoder serializes events onto a writer, flushing after each one.
type Encoder struct {
	w      io.Writer
	flush  func()
	format Format
}

// NewEncoder creates an Encoder. flush may be nil.
func NewEncoder(w io.Writer, format Format, flush func()) *Encoder {
	if flush == nil {
		flush = func() {}
	}
	return &Encoder{w: w, flush: flush, format: format}
}

func (e *Encoder) Encode(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Name, err)
	}

	switch e.format {
	case FormatSSE:
		_, err = fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", ev.Name, payload)
	default:
		_, err = fmt.Fprintf(e.w, "%s\n", payload)
	}
	if err != nil {
		return fmt.Errorf("write %s event: %w", ev.Name, err)
	}
	e.flush()
	return nil
}
