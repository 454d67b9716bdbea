package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MemoryStore is the in-process Store backend. It is the reference
// implementation of the contract and the backend the package tests and the
// signaling tests run against.
type MemoryStore struct {
	mu sync.Mutex
	// docs maps full document paths to their current state.
	docs map[string]Document
	// order keeps per-collection insertion order of document ids.
	order map[string][]string
	hub   *hub
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]Document),
		order: make(map[string][]string),
		hub:   newHub(),
		now:   time.Now,
	}
}

// SetNowFunc overrides the clock used to resolve ServerTimestamp sentinels.
// Intended for deterministic tests.
func (m *MemoryStore) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	m.now = now
}

// Get returns a copy of the document at path.
func (m *MemoryStore) Get(_ context.Context, path string) (Document, error) {
	if _, _, err := splitDocPath(path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

// Set creates or replaces the document at path.
func (m *MemoryStore) Set(_ context.Context, path string, doc Document) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.docs[path]
	stored := resolveTimestamps(doc, m.now().UTC())
	m.docs[path] = stored
	if old == nil {
		m.order[collection] = append(m.order[collection], id)
	}
	// Notify while still holding the lock so subscribers see deltas in
	// commit order. The hub only enqueues, so this never blocks.
	m.hub.notify(collection, id, old, stored)
	m.mu.Unlock()
	return nil
}

// Update merges fields into the existing document at path.
func (m *MemoryStore) Update(_ context.Context, path string, fields Document) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	merged := copyDocument(old)
	resolved := resolveTimestamps(fields, m.now().UTC())
	for k, v := range resolved {
		merged[k] = v
	}
	m.docs[path] = merged
	m.hub.notify(collection, id, old, merged)
	m.mu.Unlock()
	return nil
}

// Append adds a document with a generated id to collection.
func (m *MemoryStore) Append(ctx context.Context, collection string, doc Document) (string, error) {
	if !validCollectionPath(collection) {
		return "", ErrInvalidPath
	}
	id := uuid.NewString()
	if err := m.Set(ctx, collection+"/"+id, doc); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes the document at path. Absent documents are ignored.
func (m *MemoryStore) Delete(_ context.Context, path string) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old, ok := m.docs[path]
	if ok {
		delete(m.docs, path)
		ids := m.order[collection]
		for i, existing := range ids {
			if existing == id {
				m.order[collection] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		m.hub.notify(collection, id, old, nil)
	}
	m.mu.Unlock()
	return nil
}

// SubscribeDocument watches one document, current state first.
func (m *MemoryStore) SubscribeDocument(_ context.Context, path string, fn DocumentHandler) (Unsubscribe, error) {
	if _, _, err := splitDocPath(path); err != nil {
		return nil, err
	}
	sub := &subscriber{kind: subDocument, path: path, docFn: fn}
	initial := func() {
		m.mu.Lock()
		doc := copyDocument(m.docs[path])
		m.mu.Unlock()
		fn(doc, doc != nil)
	}
	return m.hub.add(sub, initial), nil
}

// SubscribeCollection watches a collection, current entries first in
// insertion order.
func (m *MemoryStore) SubscribeCollection(_ context.Context, collection string, fn ChangeHandler) (Unsubscribe, error) {
	if !validCollectionPath(collection) {
		return nil, ErrInvalidPath
	}
	sub := &subscriber{kind: subCollection, path: collection, changeFn: fn}
	initial := func() {
		changes := m.snapshot(collection, Query{})
		if len(changes) > 0 {
			fn(changes)
		}
	}
	return m.hub.add(sub, initial), nil
}

// SubscribeQuery watches the set of documents matching q.
func (m *MemoryStore) SubscribeQuery(_ context.Context, q Query, fn ChangeHandler) (Unsubscribe, error) {
	if !validCollectionPath(q.Collection) {
		return nil, ErrInvalidPath
	}
	sub := &subscriber{kind: subQuery, q: q, changeFn: fn}
	initial := func() {
		changes := m.snapshot(q.Collection, q)
		if len(changes) > 0 {
			fn(changes)
		}
	}
	return m.hub.add(sub, initial), nil
}

// snapshot builds the initial Added set for a collection or query
// subscription. An empty query matches every document.
func (m *MemoryStore) snapshot(collection string, q Query) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change
	for _, id := range m.order[collection] {
		doc, ok := m.docs[collection+"/"+id]
		if !ok {
			continue
		}
		if len(q.Filters) > 0 && !q.Matches(doc) {
			continue
		}
		changes = append(changes, Change{Kind: Added, ID: id, Doc: copyDocument(doc)})
	}
	return changes
}

// Close releases every subscription.
func (m *MemoryStore) Close() error {
	m.hub.closeAll()
	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"backend":  "memory",
	}).Debug("Document store closed")
	return nil
}
