package controller

// EventType names a broadcast to the UI layer.
type EventType string

const (
	EventState          EventType = "state"
	EventConnected      EventType = "connected"
	EventLoggedOut      EventType = "logged-out"
	EventError          EventType = "error"
	EventNetworkWarning EventType = "network-warning"
)

// Event carries the state at the time it was emitted, so sinks never need
// to call back into the controller.
type Event struct {
	Type  EventType `json:"type"`
	State Snapshot  `json:"state"`
	Error string    `json:"error,omitempty"`
}

// Events receives controller broadcasts. Publish must not block.
type Events interface {
	Publish(Event)
}

type discardEvents struct{}

func (discardEvents) Publish(Event) {}
