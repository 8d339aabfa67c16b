package bus

import (
	"encoding/json"
	"errors"
)

var (
	ErrBrokerUnavailable = errors.New("bus: broker unavailable")
	ErrClientClosed      = errors.New("bus: client closed")
)

// Event names published for an execution room.
const (
	EventExecutionUpdate   = "execution_update"
	EventExecutionOutput   = "execution_output"
	EventExecutionComplete = "execution_complete"
	EventExecutionError    = "execution_error"
)

const roomPrefix = "exec_"

// RoomName returns the room carrying events for one execution.
func RoomName(executionID string) string {
	return roomPrefix + executionID
}

type UpdatePayload struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// OutputPayload carries one output line. Seq is the line's zero-based
// position in the persisted output, so late subscribers can skip lines
// they already read from the store.
type OutputPayload struct {
	ExecutionID string `json:"execution_id"`
	Channel     string `json:"channel,omitempty"`
	OutputLine  string `json:"output_line"`
	Seq         int    `json:"seq"`
}

type CompletePayload struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	ExitCode    int    `json:"exit_code"`
}

type ErrorPayload struct {
	ExecutionID string `json:"execution_id"`
	Error       string `json:"error"`
}

// Publisher is the narrow surface handlers depend on.
type Publisher interface {
	Publish(room, event string, payload any) error
}

// DeliveryReporter is implemented by publishers that can lose an event
// after Publish accepted it. TakeUndelivered returns the number of events
// for room lost so far and resets the count.
type DeliveryReporter interface {
	TakeUndelivered(room string) int
}

// Wire operations exchanged between Client and Hub.
const (
	OpJoin    = "join"
	OpLeave   = "leave"
	OpPublish = "publish"
	OpEvent   = "event"
	OpError   = "error"
)

// Message is the single JSON frame shape on the websocket.
type Message struct {
	Op      string          `json:"op"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one broadcast received by a subscriber.
type Event struct {
	Room    string
	Name    string
	Payload json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
