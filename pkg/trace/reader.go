package trace

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Reader decodes a CBOR event sequence.
type Reader struct {
	decoder *cbor.Decoder
	closer  io.Closer
}

// NewReader returns a Reader decoding events from r.
func NewReader(r io.Reader) *Reader {
	rd := &Reader{decoder: newDecoder(r)}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// Open opens a trace file written by a file recorder.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewReader(f), nil
}

// Next returns the next event, or io.EOF at the end of the stream.
// A record cut short by a partial write yields an error wrapping
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (Event, error) {
	var event Event
	if err := r.decoder.Decode(&event); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, fmt.Errorf("truncated trace record: %w", err)
		}
		return Event{}, err
	}
	return event, nil
}

// All reads every remaining event. Filter, if non-nil, selects events.
func (r *Reader) All(filter func(Event) bool) ([]Event, error) {
	var events []Event
	for {
		event, err := r.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		if filter == nil || filter(event) {
			events = append(events, event)
		}
	}
}

// Close closes the underlying stream if it is closable.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
