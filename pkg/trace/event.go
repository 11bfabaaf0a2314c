package trace

import (
	"fmt"
	"time"
)

// Kind classifies a trace event.
type Kind uint8

// Event kinds.
const (
	KindAttach    Kind = 1 // Instance published in the registry
	KindDetach    Kind = 2 // Instance de-listed and torn down
	KindOpen      Kind = 3 // Session bound to a minor
	KindClose     Kind = 4 // Session closed
	KindRead      Kind = 5 // Register value delivered to a session
	KindWrite     Kind = 6 // Register value written by a session
	KindInterrupt Kind = 7 // Interrupt reset the register
	KindIRQDrop   Kind = 8 // Interrupt dropped because the queue was full
	KindError     Kind = 9 // Operation failed
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAttach:
		return "attach"
	case KindDetach:
		return "detach"
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindInterrupt:
		return "interrupt"
	case KindIRQDrop:
		return "irq-drop"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind returns the kind named name, as printed by [Kind.String].
func ParseKind(name string) (Kind, error) {
	for k := KindAttach; k <= KindError; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// Event is one diagnostic record.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	Kind Kind `cbor:"2,keyasint"`

	// Minor and Generation identify the instance; Generation is never reused.
	Minor      int    `cbor:"3,keyasint"`
	Generation uint64 `cbor:"4,keyasint,omitempty"`

	// Handle is the platform's opaque device handle.
	Handle string `cbor:"5,keyasint,omitempty"`

	// Value is the register value for read, write and interrupt events.
	Value uint32 `cbor:"6,keyasint,omitempty"`

	// IRQ is the interrupt line for interrupt events.
	IRQ int `cbor:"7,keyasint,omitempty"`

	// Err carries the error text for KindError.
	Err string `cbor:"8,keyasint,omitempty"`
}

// String renders the event as a single log line.
func (e Event) String() string {
	s := fmt.Sprintf("%s %-9s minor=%d gen=%d", e.Timestamp.Format(time.RFC3339Nano), e.Kind, e.Minor, e.Generation)
	if e.Handle != "" {
		s += " handle=" + e.Handle
	}
	switch e.Kind {
	case KindRead, KindWrite, KindInterrupt:
		s += fmt.Sprintf(" value=%d", e.Value)
	}
	if e.IRQ != 0 {
		s += fmt.Sprintf(" irq=%d", e.IRQ)
	}
	if e.Err != "" {
		s += " err=" + e.Err
	}
	return s
}
