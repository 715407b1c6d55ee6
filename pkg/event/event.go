// Package event defines the immutable envelope that is the sole
// inter-agent communication primitive in the runtime.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reserved addressees.
const (
	Env = "ENV"
	All = "ALL"
)

// Kind identifies an event's payload shape. Built-in kinds are reserved;
// user-defined kinds may be any other string.
type Kind string

const (
	KindStart            Kind = "Start"
	KindEnd              Kind = "End"
	KindPause            Kind = "Pause"
	KindResume           Kind = "Resume"
	KindDataGet          Kind = "DataGet"
	KindDataGetResponse  Kind = "DataGetResponse"
	KindDataSet          Kind = "DataSet"
	KindDataSetResponse  Kind = "DataSetResponse"
	KindTick             Kind = "Tick"
	KindError            Kind = "Error"
)

// Event is an immutable addressed message. Construct with New; do not
// mutate a constructed Event's exported fields after it has been
// dispatched.
type Event struct {
	EventID       string          `json:"event_id"`
	EventKind     Kind            `json:"event_kind"`
	FromID        string          `json:"from_id"`
	ToID          string          `json:"to_id"`
	Timestamp     time.Time       `json:"timestamp"`
	ParentEventID string          `json:"parent_event_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Option mutates an Event during construction.
type Option func(*Event)

// WithParent sets the parent_event_id, chaining this event into a flow.
func WithParent(parentID string) Option {
	return func(e *Event) { e.ParentEventID = parentID }
}

// WithPayload marshals v as the event payload. Panics only on a
// programming error (v not JSON-marshalable), matching the rest of the
// runtime's "invalid request" error class for caller mistakes.
func WithPayload(v any) Option {
	return func(e *Event) {
		data, err := json.Marshal(v)
		if err != nil {
			panic("event: payload not marshalable: " + err.Error())
		}
		e.Payload = data
	}
}

// WithID overrides the generated event id, used when a response event must
// be addressed separately from the request id it correlates to.
func WithID(id string) Option {
	return func(e *Event) { e.EventID = id }
}

// New constructs an Event with a fresh id and the current wall timestamp.
func New(kind Kind, fromID, toID string, opts ...Option) *Event {
	e := &Event{
		EventID:   uuid.NewString(),
		EventKind: kind,
		FromID:    fromID,
		ToID:      toID,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Unmarshal decodes the event's payload into v.
func (e *Event) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Marshal serializes the event for the wire. Re-unmarshaling yields a
// byte-equal envelope for identical payloads.
func Marshal(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes a wire-format event.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// StartPayload is the payload of a Start event: the step it starts.
type StartPayload struct {
	Step uint64 `json:"step"`
}

// EndPayload is the payload of an End event.
type EndPayload struct {
	Reason string `json:"reason"`
	Step   uint64 `json:"step"`
}

// TickPayload is the payload of a Tick event.
type TickPayload struct {
	Step uint64 `json:"step"`
}

// DataGetPayload requests a value from a keyed store.
type DataGetPayload struct {
	SourceKind string          `json:"source_kind"`
	TargetKind string          `json:"target_kind"`
	Key        string          `json:"key"`
	Default    json.RawMessage `json:"default,omitempty"`
}

// DataGetResponsePayload answers a DataGetPayload request.
type DataGetResponsePayload struct {
	RequestID string          `json:"request_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	OK        bool            `json:"ok"`
	Err       string          `json:"err,omitempty"`
}

// DataSetPayload requests a mutation of a keyed store.
type DataSetPayload struct {
	SourceKind string          `json:"source_kind"`
	TargetKind string          `json:"target_kind"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
}

// DataSetResponsePayload answers a DataSetPayload request.
type DataSetResponsePayload struct {
	RequestID string `json:"request_id"`
	Key       string `json:"key"`
	OK        bool   `json:"ok"`
	Err       string `json:"err,omitempty"`
}

// ErrorPayload backs the structured error events surfaced to any
// control-API collaborator.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Scope   string `json:"scope"`
	Step    uint64 `json:"step"`
}

// IsResponse reports whether kind is a response kind, used by the bus's
// inbox overflow policy (response events are never dropped).
func IsResponse(k Kind) bool {
	return k == KindDataGetResponse || k == KindDataSetResponse
}
