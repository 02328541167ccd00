package runtime

import (
	"fmt"
	"live-hub/contract"
	"live-hub/domain"
	"live-hub/domain/event"
	"live-hub/domain/session"
	"live-hub/errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

var _ contract.IRegistry = (*Registry)(nil)

type Set map[uuid.UUID]struct{}

// Registry is the session table and the topic router.
// One lock guards sessions, topic members and the reverse index so a
// publish snapshot never sees half of a subscribe or a disconnect.
type Registry struct {
	mu           sync.RWMutex
	log          *slog.Logger
	metrics      *Metrics
	sessions     map[uuid.UUID]*session.Sender           // map session -> Sender
	topicMembers map[domain.Topic]Set                    // map topic to sessions
	memberships  map[uuid.UUID]map[domain.Topic]struct{} // map session to its topics
	topicEvents  chan<- event.TopicEvent
}

// NewRegistry builds an empty registry. Published events are also forwarded
// to topicEvents when it is not nil, for the permanent sinks.
func NewRegistry(log *slog.Logger, metrics *Metrics, topicEvents chan<- event.TopicEvent) *Registry {
	return &Registry{
		log:          log,
		metrics:      metrics,
		sessions:     make(map[uuid.UUID]*session.Sender),
		topicMembers: make(map[domain.Topic]Set),
		memberships:  make(map[uuid.UUID]map[domain.Topic]struct{}),
		topicEvents:  topicEvents,
	}
}

// AddSession creates a Sender with a fresh id around conn.
func (r *Registry) AddSession(conn session.Connection, origin string) *session.Sender {
	sender := session.NewSender(uuid.New(), origin, conn)

	r.mu.Lock()
	r.sessions[sender.ID] = sender
	r.memberships[sender.ID] = make(map[domain.Topic]struct{})
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.Sessions(count)
	r.log.Debug("Session added", "session_id", sender.ID, "origin", origin)
	return sender
}

// RemoveSession drops the session and every topic membership it held.
// Only the session's own topics are visited, thanks to the reverse index.
func (r *Registry) RemoveSession(id uuid.UUID) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return
	}
	for topic := range r.memberships[id] {
		r.leaveLocked(id, topic)
	}
	delete(r.memberships, id)
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.Sessions(count)
	r.log.Debug("Session removed", "session_id", id)
}

func (r *Registry) Session(id uuid.UUID) (*session.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.sessions[id]
	return sender, ok
}

// Subscribe adds the session to the topic. The topic is created on the fly.
func (r *Registry) Subscribe(id uuid.UUID, topic domain.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	if _, ok := r.topicMembers[topic]; !ok {
		r.topicMembers[topic] = make(Set)
	}
	r.topicMembers[topic][id] = struct{}{}
	r.memberships[id][topic] = struct{}{}
	return nil
}

func (r *Registry) Unsubscribe(id uuid.UUID, topic domain.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(id, topic)
}

// leaveLocked removes one membership and never leaves an empty topic behind.
func (r *Registry) leaveLocked(id uuid.UUID, topic domain.Topic) {
	if members, ok := r.topicMembers[topic]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.topicMembers, topic)
		}
	}
	if topics, ok := r.memberships[id]; ok {
		delete(topics, topic)
	}
}

// Subscriptions returns the topics of a session, sorted.
func (r *Registry) Subscriptions(id uuid.UUID) []domain.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := lo.Keys(r.memberships[id])
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

// GetSendersForTopic returns a copy of the current subscribers of a topic.
// Returns nil if nobody subscribes to it.
func (r *Registry) GetSendersForTopic(topic domain.Topic) []*session.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.topicMembers[topic]
	if !ok {
		return nil
	}
	var senders []*session.Sender
	for id := range members {
		if sender, exists := r.sessions[id]; exists {
			senders = append(senders, sender)
		}
	}
	return senders
}

// Publish delivers evt to every current subscriber of topic.
// Delivery is fire-and-forget: a closed or saturated connection loses the event.
// It returns the number of connections that accepted the event.
func (r *Registry) Publish(topic domain.Topic, evt event.Event) int {
	delivered := 0
	for _, sender := range r.GetSendersForTopic(topic) {
		if err := sender.SendEvent(evt); err != nil {
			r.metrics.Dropped()
			r.log.Debug("Event dropped", "topic", topic, "session_id", sender.ID, "error", err)
			continue
		}
		delivered++
	}
	r.metrics.Delivered(delivered)
	r.forward(event.TopicEvent{Topic: topic, Event: evt, PublishedAt: time.Now().UTC()})
	return delivered
}

func (r *Registry) forward(evt event.TopicEvent) {
	if r.topicEvents == nil {
		return
	}
	select {
	case r.topicEvents <- evt:
	default:
		r.log.Debug("Topic event lost for permanent sinks", "topic", evt.Topic)
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
