package session

import (
	"time"

	"bluetooth-obd/internal/connmgr"
)

// EventKind names a session occurrence forwarded to the notification layer.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventTransportFault
	EventFrameSent
	EventFrameReceived
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventTransportFault:
		return "transport fault"
	case EventFrameSent:
		return "frame sent"
	case EventFrameReceived:
		return "frame received"
	default:
		return "unknown"
	}
}

// Event is delivered to a Notifier. Frame is set for frame events, Err for
// transport faults.
type Event struct {
	Kind     EventKind
	Endpoint connmgr.Endpoint
	Frame    string
	Err      error
	Time     time.Time
}

// Notifier receives session events. Notify is called synchronously from the
// goroutine that caused the event, after every session lock is released,
// so it may call back into the Session (Disconnect on EventConnected,
// Receive on EventFrameReceived). Events from concurrent calls may
// interleave. It should return quickly.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }
