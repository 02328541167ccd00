package repositories

import (
	"encoding/json"
	"fmt"
	"live-hub/contract"
	"live-hub/domain"
	"live-hub/domain/event"
	"live-hub/internal/ids"
	"live-hub/internal/jsoncodec"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var _ contract.IJournal = JournalRepository{}

type JournalRepository struct {
	db          *badger.DB
	log         *slog.Logger
	limitEvents *int
}

func NewJournalRepository(db *badger.DB, log *slog.Logger, limitEvents *int) JournalRepository {
	return JournalRepository{db: db, log: log, limitEvents: limitEvents}
}

// DiskEvent is how a topic event is kept on disk.
// The payload is stored as raw JSON and read back as json.RawMessage.
type DiskEvent struct {
	ID          string          `json:"id"`
	Topic       domain.Topic    `json:"topic"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// journalPrefix is "evt:{len(topic)}:{topic}:". The length keeps the prefix of
// one topic from matching another whose id extends it, like "1" and "1:2".
func journalPrefix(topic domain.Topic) string {
	return fmt.Sprintf("evt:%d:%s:", len(topic), topic)
}

// Append persists a topic event.
// The key is formatted as "evt:{len}:{topic}:{timestamp_padded}:{ulid}" so events
// of a topic sort chronologically (19-digit zero padding) and two events
// published in the same nanosecond never overwrite each other.
func (j JournalRepository) Append(evt event.TopicEvent) error {
	if evt.PublishedAt.IsZero() {
		evt.PublishedAt = time.Now().UTC()
	}
	diskEvent, err := fromTopicEvent(evt)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%019d:%s", journalPrefix(evt.Topic), evt.PublishedAt.UnixNano(), diskEvent.ID)
	bytes, err := jsoncodec.Marshal(diskEvent)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), bytes)
	})
}

// GetEvents pages through the events of a topic, newest first.
// cursor is the key suffix returned by the previous page, nil for the first one.
// It stops collecting once the configured limitEvents is reached.
func (j JournalRepository) GetEvents(topic domain.Topic, cursor *string) ([]event.TopicEvent, *string, error) {
	var raw [][]byte
	var lastKey string
	err := j.db.View(func(txn *badger.Txn) error {
		prefixStr := journalPrefix(topic)
		prefix := []byte(prefixStr)
		prefixLen := len(prefixStr)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			// Past the newest possible timestamp, iteration goes backwards from there.
			seekKey = append(prefix, []byte("9999999999999999999")...)
		default:
			seekKey = append(prefix, []byte(*cursor)...)
		}

		it.Seek(seekKey)

		if cursor != nil && it.ValidForPrefix(prefix) && string(it.Item().Key()[prefixLen:]) == *cursor {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if j.limitEvents != nil && len(raw) == *j.limitEvents {
				j.log.Debug(fmt.Sprintf("Maximum of %d events reached", *j.limitEvents))
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[prefixLen:])
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			raw = append(raw, value)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	events := make([]event.TopicEvent, 0, len(raw))
	for _, b := range raw {
		var diskEvent DiskEvent
		if err = jsoncodec.Unmarshal(b, &diskEvent); err != nil {
			return nil, nil, err
		}
		events = append(events, toTopicEvent(diskEvent))
	}
	if len(events) == 0 {
		return events, nil, nil
	}
	return events, &lastKey, nil
}

func fromTopicEvent(evt event.TopicEvent) (DiskEvent, error) {
	payload, err := jsoncodec.Marshal(evt.Event.Payload)
	if err != nil {
		return DiskEvent{}, fmt.Errorf("marshal payload of %s: %w", evt.Event.Type, err)
	}
	return DiskEvent{
		ID:          ids.NewULIDAt(evt.PublishedAt),
		Topic:       evt.Topic,
		Type:        evt.Event.Type,
		Payload:     payload,
		PublishedAt: evt.PublishedAt.UTC(),
	}, nil
}

func toTopicEvent(diskEvent DiskEvent) event.TopicEvent {
	return event.TopicEvent{
		Topic:       diskEvent.Topic,
		Event:       event.Event{Type: diskEvent.Type, Payload: diskEvent.Payload},
		PublishedAt: diskEvent.PublishedAt,
	}
}
