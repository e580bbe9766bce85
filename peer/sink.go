package peer

import "encoding/json"

// Event is one unsolicited message from a peer: a notification, a request
// the child wants answered, or a diagnostic synthesized by the readers.
type Event struct {
	WorkspaceID string          `json:"workspace_id"`
	Message     json.RawMessage `json:"message"`
}

// Method returns the method name carried by the event message, if any.
func (e Event) Method() string {
	var m struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(e.Message, &m)
	return m.Method
}

// EventSink receives events from a peer's readers. Emit is called from the
// reader goroutines, in the order the child produced the lines.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// ChanSink delivers events to a channel. Emit blocks while the channel is
// full, applying backpressure to the reader.
type ChanSink chan Event

func (c ChanSink) Emit(e Event) { c <- e }

// Discard drops every event.
var Discard EventSink = SinkFunc(func(Event) {})
