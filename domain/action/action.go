// Package action defines what an action is: its definition, how it is
// validated and what its handler receives.
package action

import (
	"context"
	"encoding/json"
	"live-hub/contract"
	"live-hub/domain/event"
	"live-hub/domain/session"
	"time"

	"github.com/gin-gonic/gin"
)

// Message is the inbound action message: {type, payload}.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Request is an action waiting in the backlog or in flight.
type Request struct {
	Sender     *session.Sender
	Type       string
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

// Call is what a handler receives.
// Entity is nil for top-level actions or when the entity type cannot be resolved.
type Call struct {
	Payload json.RawMessage
	Sender  *session.Sender
	Hub     contract.IHub
	Entity  contract.EntityType
}

// HandlerFunc runs an accepted action. It may block on I/O.
// A returned error is reported to the sender on the error channel.
type HandlerFunc func(ctx context.Context, call Call) error

// Endpoint binds an action to an HTTP route.
type Endpoint struct {
	Method     string
	Path       string
	Middleware []gin.HandlerFunc
}

// Definition is immutable once registered.
type Definition struct {
	Type        string
	EntityType  string
	Description string
	Schema      Schema
	Handler     HandlerFunc
	Endpoint    *Endpoint
}

// Validate runs the schema, a definition without schema accepts everything.
func (d Definition) Validate(payload json.RawMessage) []event.ValidationError {
	if d.Schema == nil {
		return nil
	}
	return d.Schema.Validate(payload)
}

// Decode reads an already validated payload into T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(orNull(payload), &v)
	return v, err
}

func orNull(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	return payload
}
