package event

import (
	"encoding/json"
	"live-hub/domain"
	"time"

	"github.com/google/uuid"
)

// Channel names the outbound stream a frame travels on.
type Channel string

const (
	ChannelEvent Channel = "event"
	ChannelError Channel = "error"
)

const (
	TypeInitialized   = "INITIALIZED"
	TypeInvalidSchema = "ACTION_INVALID_SCHEMA"
)

// Event is the outbound event message: {type, payload}.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// New builds an event, an absent payload is sent as an empty object.
func New(eventType string, payload any) Event {
	if payload == nil {
		payload = struct{}{}
	}
	return Event{Type: eventType, Payload: payload}
}

// ErrorMessage is the outbound error message: {actionPayload, error}.
type ErrorMessage struct {
	ActionPayload json.RawMessage `json:"actionPayload"`
	Error         any             `json:"error"`
}

// ValidationError is one structured schema failure.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

type InvalidSchemaPayload struct {
	ActionType string            `json:"actionType"`
	Errors     []ValidationError `json:"errors"`
}

// InvalidSchema is delivered to the sender of a rejected action.
func InvalidSchema(actionType string, errs []ValidationError) Event {
	return New(TypeInvalidSchema, InvalidSchemaPayload{ActionType: actionType, Errors: errs})
}

type InitializedPayload struct {
	SessionID string `json:"sessionId"`
}

// Initialized is the first event of every realtime session.
func Initialized(sessionID uuid.UUID) Event {
	return New(TypeInitialized, InitializedPayload{SessionID: sessionID.String()})
}

// Frame wraps everything written on a realtime connection.
type Frame struct {
	Channel Channel `json:"channel"`
	Data    any     `json:"data"`
}

// TopicEvent is an event published on a topic, as seen by permanent sinks.
type TopicEvent struct {
	Topic       domain.Topic `json:"topic"`
	Event       Event        `json:"event"`
	PublishedAt time.Time    `json:"publishedAt"`
}
