package platform

import "encoding/json"

// Message is one decoded frame: *KeepAlive, *Event or *EndOfStream.
type Message interface {
	isMessage()
}

// KeepAlive is a heartbeat frame. Its payload is opaque.
type KeepAlive struct{}

// Event is a data frame.
type Event struct {
	ID      string
	Headers map[string]string
	Body    json.RawMessage
}

// Decode unmarshals the event body as JSON into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Body, v)
}

// EndOfStream is the final frame of a subscription.
type EndOfStream struct {
	StatusCode int
	Headers    map[string]string
	Info       json.RawMessage
}

func (*KeepAlive) isMessage()   {}
func (*Event) isMessage()       {}
func (*EndOfStream) isMessage() {}
