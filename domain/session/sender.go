// Package session defines the server-side handle of a connected client.
package session

import (
	"encoding/json"
	"live-hub/domain/event"
	"live-hub/errors"

	"github.com/google/uuid"
)

// Connection is the transport handle a Sender writes to.
// Send must not block: a closed or saturated connection returns an error.
type Connection interface {
	Send(channel event.Channel, body any) error
	Close() error
}

// Outcome is how the dispatcher retired an action.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Rejected
	Unknown
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Rejected:
		return "rejected"
	case Unknown:
		return "unknown"
	case TimedOut:
		return "timed_out"
	}
	return "invalid"
}

// Settler is implemented by connections that need to know when the
// action they submitted has been retired (request/response transports).
type Settler interface {
	Settle(outcome Outcome)
}

// Sender is a connected client: an id, a connection and where it came from.
// Topic memberships are owned by the registry, not by the Sender.
type Sender struct {
	ID     uuid.UUID
	Origin string
	conn   Connection
}

func NewSender(id uuid.UUID, origin string, conn Connection) *Sender {
	return &Sender{ID: id, Origin: origin, conn: conn}
}

func (s *Sender) SendEvent(evt event.Event) error {
	return s.conn.Send(event.ChannelEvent, evt)
}

func (s *Sender) SendError(actionPayload json.RawMessage, err error) error {
	return s.conn.Send(event.ChannelError, event.ErrorMessage{
		ActionPayload: actionPayload,
		Error:         errors.Body(err),
	})
}

// Settle forwards the outcome when the connection cares about it.
func (s *Sender) Settle(outcome Outcome) {
	if settler, ok := s.conn.(Settler); ok {
		settler.Settle(outcome)
	}
}

func (s *Sender) Close() error {
	return s.conn.Close()
}
