package repositories

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"live-hub/contract"
	"live-hub/domain"
	"live-hub/errors"
	"live-hub/internal/ids"
	"live-hub/internal/jsoncodec"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

var (
	_ contract.IEntityCatalog = (*EntityCatalog)(nil)
	_ contract.EntityType     = (*EntityStore)(nil)
)

// EntityCatalog holds one store per known entity type, all sharing one DB.
type EntityCatalog struct {
	stores map[string]*EntityStore
}

func NewEntityCatalog(db *badger.DB, log *slog.Logger, names ...string) *EntityCatalog {
	stores := make(map[string]*EntityStore, len(names))
	for _, name := range names {
		stores[name] = NewEntityStore(db, log, name)
	}
	return &EntityCatalog{stores: stores}
}

func (c *EntityCatalog) Resolve(name string) (contract.EntityType, bool) {
	store, ok := c.stores[name]
	if !ok {
		return nil, false
	}
	return store, true
}

// Names returns the entity types, sorted.
func (c *EntityCatalog) Names() []string {
	names := lo.Keys(c.stores)
	sort.Strings(names)
	return names
}

// EntityStore persists the documents of one entity type.
// Keys are "ent:{type}:{id}", ids are ULIDs so a prefix scan lists
// documents in creation order.
type EntityStore struct {
	db   *badger.DB
	log  *slog.Logger
	name string
}

func NewEntityStore(db *badger.DB, log *slog.Logger, name string) *EntityStore {
	return &EntityStore{db: db, log: log, name: name}
}

func (s *EntityStore) Name() string { return s.name }

func (s *EntityStore) prefix() []byte {
	return []byte(fmt.Sprintf("ent:%s:", s.name))
}

func (s *EntityStore) key(id string) []byte {
	return append(s.prefix(), id...)
}

func (s *EntityStore) Get(ctx context.Context, id string) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}
	var doc domain.Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = s.read(txn, id)
		return err
	})
	return doc, err
}

func (s *EntityStore) List(ctx context.Context) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var docs []domain.Document
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := s.prefix()
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var doc domain.Document
			err := it.Item().Value(func(value []byte) error {
				return jsoncodec.Unmarshal(value, &doc)
			})
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

func (s *EntityStore) Create(ctx context.Context, data json.RawMessage) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}
	now := time.Now().UTC()
	doc := domain.Document{
		ID:        ids.NewULIDAt(now),
		Type:      s.name,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return s.write(txn, doc)
	})
	if err != nil {
		return domain.Document{}, err
	}
	s.log.Debug("Entity created", "type", s.name, "id", doc.ID)
	return doc, nil
}

// Update replaces the data of an existing document, last writer wins.
func (s *EntityStore) Update(ctx context.Context, id string, data json.RawMessage) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return domain.Document{}, err
	}
	var doc domain.Document
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if doc, err = s.read(txn, id); err != nil {
			return err
		}
		doc.Data = data
		doc.UpdatedAt = time.Now().UTC()
		return s.write(txn, doc)
	})
	return doc, err
}

func (s *EntityStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(s.key(id)); err != nil {
			return s.notFound(id, err)
		}
		return txn.Delete(s.key(id))
	})
}

func (s *EntityStore) read(txn *badger.Txn, id string) (domain.Document, error) {
	var doc domain.Document
	item, err := txn.Get(s.key(id))
	if err != nil {
		return doc, s.notFound(id, err)
	}
	err = item.Value(func(value []byte) error {
		return jsoncodec.Unmarshal(value, &doc)
	})
	return doc, err
}

func (s *EntityStore) write(txn *badger.Txn, doc domain.Document) error {
	bytes, err := jsoncodec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", s.name, doc.ID, err)
	}
	return txn.Set(s.key(doc.ID), bytes)
}

func (s *EntityStore) notFound(id string, err error) error {
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s %s", errors.ErrEntityNotFound, s.name, id)
	}
	return err
}
