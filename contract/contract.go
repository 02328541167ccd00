//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"encoding/json"
	"live-hub/domain"
	"live-hub/domain/event"
	"live-hub/domain/session"
	"reflect"
	"time"

	"github.com/google/uuid"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is a permanent consumer of every published topic event.
type EventSink interface {
	Consume(ctx context.Context, e event.TopicEvent) error
}

// IRegistry is the session table and topic router.
type IRegistry interface {
	AddSession(conn session.Connection, origin string) *session.Sender
	RemoveSession(id uuid.UUID)
	Session(id uuid.UUID) (*session.Sender, bool)
	Subscribe(id uuid.UUID, topic domain.Topic) error
	Unsubscribe(id uuid.UUID, topic domain.Topic)
	Subscriptions(id uuid.UUID) []domain.Topic
	GetSendersForTopic(topic domain.Topic) []*session.Sender
	Publish(topic domain.Topic, evt event.Event) int
	Count() int
}

// IHub is everything an action handler may do besides touching its entity.
// Handlers only ever see this, never the dispatcher itself.
type IHub interface {
	Publish(topic domain.Topic, evt event.Event) int
	Subscribe(senderID uuid.UUID, topic domain.Topic) error
	Unsubscribe(senderID uuid.UUID, topic domain.Topic)
	Submit(sender *session.Sender, actionType string, payload json.RawMessage)
}

type DispatcherState string

const (
	StateIdle     DispatcherState = "idle"
	StateInFlight DispatcherState = "in_flight"
)

type DispatcherStats struct {
	State        DispatcherState `json:"state"`
	Backlog      int             `json:"backlog"`
	InFlightType string          `json:"inFlightType,omitempty"`
	InFlightAge  time.Duration   `json:"inFlightAge,omitempty"`
	Generation   uint64          `json:"generation"`
}

type IDispatcher interface {
	IHub
	Stats() DispatcherStats
}

// EntityType is the reference a handler receives for its entity type.
type EntityType interface {
	Name() string
	Get(ctx context.Context, id string) (domain.Document, error)
	List(ctx context.Context) ([]domain.Document, error)
	Create(ctx context.Context, data json.RawMessage) (domain.Document, error)
	Update(ctx context.Context, id string, data json.RawMessage) (domain.Document, error)
	Delete(ctx context.Context, id string) error
}

// IEntityCatalog resolves entity type names to their references.
type IEntityCatalog interface {
	Resolve(name string) (EntityType, bool)
	Names() []string
}

type IJournal interface {
	Append(evt event.TopicEvent) error
	GetEvents(topic domain.Topic, cursor *string) ([]event.TopicEvent, *string, error)
}
