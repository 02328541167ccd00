// Package actions is the static list of actions the hub serves.
package actions

import (
	"context"
	stderrors "errors"
	"fmt"
	"live-hub/domain"
	"live-hub/domain/action"
	"live-hub/domain/event"
	"live-hub/errors"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/samber/lo"
)

const (
	TypePing         = "PING"
	TypePong         = "PONG"
	TypeSubscribe    = "SUBSCRIBE"
	TypeSubscribed   = "SUBSCRIBED"
	TypeUnsubscribe  = "UNSUBSCRIBE"
	TypeUnsubscribed = "UNSUBSCRIBED"
)

// Registrar is where definitions end up, the runtime action registry in production.
type Registrar interface {
	Register(def action.Definition) error
}

// Register adds every definition, the first failure aborts startup.
func Register(reg Registrar) error {
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("registering %s: %w", def.Type, err)
		}
	}
	return nil
}

func Definitions() []action.Definition {
	return append([]action.Definition{
		{
			Type:        TypePing,
			Description: "Answers PONG with the received payload",
			Schema:      action.AnyPayload,
			Handler:     ping,
		},
		{
			Type:        TypeSubscribe,
			Description: "Subscribes the session to an entity topic",
			Schema:      topicSchema,
			Handler:     subscribe,
		},
		{
			Type:        TypeUnsubscribe,
			Description: "Unsubscribes the session from an entity topic",
			Schema:      topicSchema,
			Handler:     unsubscribe,
		},
	}, widgetDefinitions()...)
}

type PongPayload struct {
	Echo       any       `json:"echo,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func ping(_ context.Context, call action.Call) error {
	echo, err := action.Decode[any](call.Payload)
	if err != nil {
		return err
	}
	return call.Sender.SendEvent(event.New(TypePong, PongPayload{Echo: echo, ReceivedAt: time.Now().UTC()}))
}

type TopicPayload struct {
	EntityType string `json:"entityType"`
	ID         string `json:"id"`
}

func (p TopicPayload) Topic() domain.Topic {
	return domain.NewTopic(p.EntityType, p.ID)
}

var topicSchema = action.MustJSONSchema(&jsonschema.Schema{
	Type:     "object",
	Required: []string{"entityType", "id"},
	Properties: map[string]*jsonschema.Schema{
		"entityType": {Type: "string", MinLength: lo.ToPtr(1)},
		"id":         {Type: "string", MinLength: lo.ToPtr(1)},
	},
})

func subscribe(_ context.Context, call action.Call) error {
	p, err := action.Decode[TopicPayload](call.Payload)
	if err != nil {
		return err
	}
	if err = call.Hub.Subscribe(call.Sender.ID, p.Topic()); err != nil {
		return err
	}
	return call.Sender.SendEvent(event.New(TypeSubscribed, p))
}

func unsubscribe(_ context.Context, call action.Call) error {
	p, err := action.Decode[TopicPayload](call.Payload)
	if err != nil {
		return err
	}
	call.Hub.Unsubscribe(call.Sender.ID, p.Topic())
	return call.Sender.SendEvent(event.New(TypeUnsubscribed, p))
}

// announce publishes evt on topic with the caller subscribed to it.
// A caller without a live session, like a plain HTTP call, gets evt directly.
func announce(call action.Call, topic domain.Topic, evt event.Event) error {
	if err := call.Hub.Subscribe(call.Sender.ID, topic); err != nil {
		if !stderrors.Is(err, errors.ErrSessionNotFound) {
			return err
		}
		if err = call.Sender.SendEvent(evt); err != nil {
			return err
		}
	}
	call.Hub.Publish(topic, evt)
	return nil
}
