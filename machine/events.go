package machine

import (
	"github.com/wippyai/wasm-tls/tls"
)

// EventType classifies a scheduling event.
type EventType uint8

const (
	EventSpawned EventType = iota
	EventCall
	EventTerminated
	EventDtorStep
	EventExited
	EventTrace
)

func (t EventType) String() string {
	switch t {
	case EventSpawned:
		return "spawn"
	case EventCall:
		return "call"
	case EventTerminated:
		return "terminated"
	case EventDtorStep:
		return "dtor-step"
	case EventExited:
		return "exited"
	case EventTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// Event describes one thing the machine did.
type Event struct {
	Func   string
	Args   []tls.Scalar
	Step   int
	Thread tls.ThreadID
	Type   EventType
}

// Observer receives machine events.
type Observer interface {
	OnMachineEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnMachineEvent calls f.
func (f ObserverFunc) OnMachineEvent(e Event) {
	f(e)
}
