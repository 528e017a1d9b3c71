package resign

import (
	"time"

	"github.com/rs/zerolog"
)

// EventKind distinguishes the notifications an operation emits.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventLog      EventKind = "log"
	EventFinished EventKind = "finished"
)

// Event is a single notification from a running operation. Progress events
// carry the stage just entered; the Finished event carries the Result.
type Event struct {
	OperationID string
	Kind        EventKind
	Stage       Stage
	Message     string
	Level       zerolog.Level
	Time        time.Time
	Result      *Result
}

// Sink receives events. Notify must not block; the orchestrator calls it from
// the operation's goroutine.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// ChanSink delivers events to a channel, dropping them when the channel is
// full.
type ChanSink chan<- Event

func (c ChanSink) Notify(e Event) {
	select {
	case c <- e:
	default:
	}
}

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Notify(e Event) {
	for _, s := range m {
		if s != nil {
			s.Notify(e)
		}
	}
}

type nopSink struct{}

func (nopSink) Notify(Event) {}
