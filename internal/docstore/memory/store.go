package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"clinicq/internal/docstore"

	"github.com/google/uuid"
)

// Store is an in-process document store with per-collection change
// subscription. It backs tests and dev mode; the postgres store is the
// production implementation of the same contract.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	subscribers map[int]*subscriber
	nextSub     int
	now         func() time.Time
}

type subscriber struct {
	collection string
	ch         chan docstore.Event
	done       chan struct{}
}

type Options struct {
	Now func() time.Time
}

func New(options Options) *Store {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		collections: make(map[string]map[string]map[string]any),
		subscribers: make(map[int]*subscriber),
		now:         now,
	}
}

func (s *Store) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return marshalDoc(id, doc), nil
}

func (s *Store) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]map[string]any)
	}
	doc := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		if value == nil {
			continue
		}
		doc[key] = copyValue(value)
	}
	doc["lastUpdated"] = s.now().Format(time.RFC3339Nano)
	s.collections[collection][id] = doc
	event := docstore.Event{Collection: collection, ID: id, Type: docstore.ChangeAdded, Doc: marshalDoc(id, doc)}
	s.mu.Unlock()

	s.emit(event)
	return id, nil
}

func (s *Store) UpdateFields(ctx context.Context, collection, id string, fields map[string]any, pre *docstore.Precondition) error {
	s.mu.Lock()
	doc, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return docstore.ErrNotFound
	}
	if pre != nil {
		for key, expected := range pre.Fields {
			if !valueEqual(doc[key], expected) {
				s.mu.Unlock()
				return docstore.ErrStale
			}
		}
	}
	mergeFields(doc, fields)
	doc["lastUpdated"] = s.now().Format(time.RFC3339Nano)
	event := docstore.Event{Collection: collection, ID: id, Type: docstore.ChangeModified, Doc: marshalDoc(id, doc)}
	s.mu.Unlock()

	s.emit(event)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if _, ok := s.collections[collection][id]; !ok {
		s.mu.Unlock()
		return docstore.ErrNotFound
	}
	delete(s.collections[collection], id)
	event := docstore.Event{Collection: collection, ID: id, Type: docstore.ChangeRemoved}
	s.mu.Unlock()

	s.emit(event)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, collection string) (<-chan docstore.Event, func(), error) {
	sub := &subscriber{
		collection: collection,
		ch:         make(chan docstore.Event, 1024),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	s.subscribers[key] = sub
	// Initial snapshot, one added event per existing document.
	for id, doc := range s.collections[collection] {
		sub.ch <- docstore.Event{Collection: collection, ID: id, Type: docstore.ChangeAdded, Doc: marshalDoc(id, doc)}
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, key)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-sub.done:
			}
		}()
	}
	return sub.ch, cancel, nil
}

func (s *Store) emit(event docstore.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		if sub.collection != event.Collection {
			continue
		}
		select {
		case <-sub.done:
		case sub.ch <- event:
		default:
			log.Printf("docstore: drop change event for slow subscriber collection=%s id=%s", event.Collection, event.ID)
		}
	}
}

// mergeFields applies a partial update. Object values merge one level deep
// so concurrent writers touching different sections of the same object field
// do not overwrite each other. A nil value clears the field.
func mergeFields(doc map[string]any, fields map[string]any) {
	for key, value := range fields {
		if value == nil {
			delete(doc, key)
			continue
		}
		patch, ok := value.(map[string]any)
		if !ok {
			doc[key] = copyValue(value)
			continue
		}
		existing, ok := doc[key].(map[string]any)
		if !ok {
			existing = make(map[string]any, len(patch))
		}
		mergeFields(existing, patch)
		doc[key] = existing
	}
}

func marshalDoc(id string, doc map[string]any) json.RawMessage {
	merged := make(map[string]any, len(doc)+1)
	for key, value := range doc {
		merged[key] = value
	}
	merged["id"] = id
	raw, err := json.Marshal(merged)
	if err != nil {
		log.Printf("docstore: marshal document %s: %v", id, err)
		return json.RawMessage("{}")
	}
	return raw
}

// valueEqual compares through JSON so callers can pass typed values against
// decoded documents. nil matches an absent field.
func valueEqual(current, expected any) bool {
	if current == nil && expected == nil {
		return true
	}
	a, err := json.Marshal(current)
	if err != nil {
		return false
	}
	b, err := json.Marshal(expected)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func copyValue(value any) any {
	patch, ok := value.(map[string]any)
	if !ok {
		return value
	}
	clone := make(map[string]any, len(patch))
	for key, inner := range patch {
		clone[key] = copyValue(inner)
	}
	return clone
}
