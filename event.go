package limedht

import (
	"github.com/opd-ai/limedht/dht"
	"github.com/opd-ai/limedht/events"
)

// EventType classifies manager events.
type EventType uint8

const (
	// EventStarting is fired after a controller has started.
	EventStarting EventType = iota
	// EventConnected is fired once the node has joined the DHT.
	EventConnected
	// EventStopped is fired after a controller has stopped.
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventStarting:
		return "STARTING"
	case EventConnected:
		return "CONNECTED"
	case EventStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Event reports a change of the DHT status. Listeners receive events in
// dispatch order, but the manager may have moved on by the time they do.
type Event struct {
	Type EventType
	Mode dht.Mode
}

// EventListener receives manager events.
type EventListener = events.Listener[Event]
