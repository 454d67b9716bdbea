package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store backend. Documents are stored as JSON rows
// keyed by full path; per-collection insertion order is the rowid order.
//
// Values read back have been through a JSON round trip: numbers come back as
// float64 and time.Time values as RFC 3339 strings. Consumers of shared
// records tolerate both forms.
type SQLiteStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	hub  *hub
	now  func() time.Time
}

// OpenSQLite opens or creates a document store database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers alongside the writer.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			path       TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_collection
			ON documents(collection);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     path,
	}).Info("Document store opened")

	return &SQLiteStore{
		db:   db,
		path: path,
		hub:  newHub(),
		now:  time.Now,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// SetNowFunc overrides the clock used to resolve ServerTimestamp sentinels.
// Intended for deterministic tests.
func (s *SQLiteStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// encodeDoc serializes a resolved document for storage.
func encodeDoc(doc Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(data), nil
}

// decodeDoc restores a stored document.
func decodeDoc(data string) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// readDoc loads one document without taking the store lock. Returns nil with
// no error when the document is absent.
func (s *SQLiteStore) readDoc(path string) (Document, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM documents WHERE path = ?`, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return decodeDoc(data)
}

// Get returns the document at path.
func (s *SQLiteStore) Get(_ context.Context, path string) (Document, error) {
	if _, _, err := splitDocPath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	doc, err := s.readDoc(path)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Set creates or replaces the document at path.
func (s *SQLiteStore) Set(_ context.Context, path string, doc Document) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old, err := s.readDoc(path)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	stored := resolveTimestamps(doc, s.now().UTC())
	data, err := encodeDoc(stored)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// Replace keeps the original rowid when the path already exists, so
	// collection order reflects first insertion.
	if old == nil {
		_, err = s.db.Exec(`INSERT INTO documents (path, collection, id, data) VALUES (?, ?, ?, ?)`,
			path, collection, id, data)
	} else {
		_, err = s.db.Exec(`UPDATE documents SET data = ? WHERE path = ?`, data, path)
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write document: %w", err)
	}

	// Notify with the same JSON shape a later read would return, and while
	// still holding the lock so subscribers see deltas in commit order. The
	// hub only enqueues, so this never blocks.
	stored, err = decodeDoc(data)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.hub.notify(collection, id, old, stored)
	s.mu.Unlock()
	return nil
}

// Update merges fields into the existing document at path.
func (s *SQLiteStore) Update(_ context.Context, path string, fields Document) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old, err := s.readDoc(path)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if old == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	merged := copyDocument(old)
	resolved := resolveTimestamps(fields, s.now().UTC())
	for k, v := range resolved {
		merged[k] = v
	}
	data, err := encodeDoc(merged)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	_, err = s.db.Exec(`UPDATE documents SET data = ? WHERE path = ?`, data, path)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write document: %w", err)
	}

	merged, err = decodeDoc(data)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.hub.notify(collection, id, old, merged)
	s.mu.Unlock()
	return nil
}

// Append adds a document with a generated id to collection.
func (s *SQLiteStore) Append(ctx context.Context, collection string, doc Document) (string, error) {
	if !validCollectionPath(collection) {
		return "", ErrInvalidPath
	}
	id := uuid.NewString()
	if err := s.Set(ctx, collection+"/"+id, doc); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes the document at path. Absent documents are ignored.
func (s *SQLiteStore) Delete(_ context.Context, path string) error {
	collection, id, err := splitDocPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old, err := s.readDoc(path)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if old != nil {
		_, err = s.db.Exec(`DELETE FROM documents WHERE path = ?`, path)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("delete document: %w", err)
		}
		s.hub.notify(collection, id, old, nil)
	}
	s.mu.Unlock()
	return nil
}

// SubscribeDocument watches one document, current state first.
func (s *SQLiteStore) SubscribeDocument(_ context.Context, path string, fn DocumentHandler) (Unsubscribe, error) {
	if _, _, err := splitDocPath(path); err != nil {
		return nil, err
	}
	sub := &subscriber{kind: subDocument, path: path, docFn: fn}
	initial := func() {
		s.mu.Lock()
		doc, err := s.readDoc(path)
		s.mu.Unlock()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SubscribeDocument",
				"path":     path,
				"error":    err,
			}).Error("Initial document read failed")
			return
		}
		fn(doc, doc != nil)
	}
	return s.hub.add(sub, initial), nil
}

// SubscribeCollection watches a collection, current entries first in
// insertion order.
func (s *SQLiteStore) SubscribeCollection(_ context.Context, collection string, fn ChangeHandler) (Unsubscribe, error) {
	if !validCollectionPath(collection) {
		return nil, ErrInvalidPath
	}
	sub := &subscriber{kind: subCollection, path: collection, changeFn: fn}
	initial := func() {
		changes := s.snapshot(collection, Query{})
		if len(changes) > 0 {
			fn(changes)
		}
	}
	return s.hub.add(sub, initial), nil
}

// SubscribeQuery watches the set of documents matching q.
func (s *SQLiteStore) SubscribeQuery(_ context.Context, q Query, fn ChangeHandler) (Unsubscribe, error) {
	if !validCollectionPath(q.Collection) {
		return nil, ErrInvalidPath
	}
	sub := &subscriber{kind: subQuery, q: q, changeFn: fn}
	initial := func() {
		changes := s.snapshot(q.Collection, q)
		if len(changes) > 0 {
			fn(changes)
		}
	}
	return s.hub.add(sub, initial), nil
}

// snapshot builds the initial Added set for a collection or query
// subscription. Filtering happens in Go; the document column is opaque JSON.
func (s *SQLiteStore) snapshot(collection string, q Query) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, data FROM documents WHERE collection = ? ORDER BY rowid`, collection)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "snapshot",
			"collection": collection,
			"error":      err,
		}).Error("Collection snapshot query failed")
		return nil
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "snapshot",
				"collection": collection,
				"error":      err,
			}).Error("Collection snapshot scan failed")
			return changes
		}
		doc, err := decodeDoc(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "snapshot",
				"collection": collection,
				"id":         id,
				"error":      err,
			}).Warn("Skipping undecodable document")
			continue
		}
		if len(q.Filters) > 0 && !q.Matches(doc) {
			continue
		}
		changes = append(changes, Change{Kind: Added, ID: id, Doc: doc})
	}
	return changes
}

// Close releases every subscription and the database handle.
func (s *SQLiteStore) Close() error {
	s.hub.closeAll()
	err := s.db.Close()
	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"backend":  "sqlite",
		"path":     s.path,
	}).Debug("Document store closed")
	return err
}
