// Package docstore defines the shared document store that call signaling is
// relayed through, together with two backends: an in-process memory store and
// a SQLite-backed durable store.
//
// The contract mirrors what the signaling layer actually needs from an
// eventually-consistent document database:
//   - per-document get/set/update/delete
//   - append-only sub-collections with insertion-ordered ids
//   - subscriptions that deliver the current state first, then an ordered
//     stream of added/modified/removed change events
//
// Both backends share the same in-process change-notification hub, so
// subscription semantics (ordering per subscriber, snapshot-then-deltas) are
// identical regardless of where documents are persisted.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Document is a single stored record. Values are restricted to what survives
// a JSON round trip (strings, numbers, bools, nested Documents, slices) plus
// time.Time for timestamps.
type Document map[string]any

// ErrNotFound is returned when a document does not exist at the given path.
var ErrNotFound = errors.New("docstore: document not found")

// ErrInvalidPath is returned for paths with the wrong segment parity
// (document operations need collection/id pairs, appends need a collection).
var ErrInvalidPath = errors.New("docstore: invalid path")

// serverTimestamp is the sentinel type behind ServerTimestamp.
type serverTimestamp struct{}

// ServerTimestamp is a sentinel value: any field set to it is replaced with
// the store's current time at write time. Clients never write their own
// clocks into shared records.
var ServerTimestamp = serverTimestamp{}

// ChangeKind classifies a change event delivered to a subscription.
type ChangeKind int

const (
	// Added means the document newly appeared in the subscribed set.
	Added ChangeKind = iota
	// Modified means the document was already in the set and changed.
	Modified
	// Removed means the document left the set (deleted, or no longer
	// matching a query's filters).
	Removed
)

// String returns a human-readable change kind for logging.
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one delta delivered to a collection or query subscription.
type Change struct {
	Kind ChangeKind
	// ID is the document's id within its collection.
	ID string
	// Doc is a copy of the document after the change. Nil for Removed.
	Doc Document
}

// DocumentHandler receives document subscription callbacks. The first call
// delivers the current state; exists is false when the document is absent.
type DocumentHandler func(doc Document, exists bool)

// ChangeHandler receives collection and query subscription callbacks. The
// first call delivers the current matching set as Added changes.
type ChangeHandler func(changes []Change)

// Unsubscribe releases a subscription. Safe to call more than once.
type Unsubscribe func()

// Filter is an equality predicate on a top-level document field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents in one collection matching every filter.
type Query struct {
	Collection string
	Filters    []Filter
}

// Matches reports whether doc satisfies all of the query's filters.
func (q Query) Matches(doc Document) bool {
	if doc == nil {
		return false
	}
	for _, f := range q.Filters {
		if !looseEqual(doc[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// Store is the document store consumed by the signaling and call-log layers.
//
// Document paths are slash-joined collection/id pairs, possibly nested
// ("calls/abc", "calls/abc/callerCandidates/xyz"). Collection paths have an
// odd number of segments.
type Store interface {
	// Get returns a copy of the document at path, or ErrNotFound.
	Get(ctx context.Context, path string) (Document, error)
	// Set creates or fully replaces the document at path.
	Set(ctx context.Context, path string, doc Document) error
	// Update merges fields into an existing document. ErrNotFound if the
	// document does not exist.
	Update(ctx context.Context, path string, fields Document) error
	// Append adds a new document with a generated id to a collection and
	// returns the id. Entries keep insertion order.
	Append(ctx context.Context, collection string, doc Document) (string, error)
	// Delete removes the document at path. Deleting an absent document is
	// not an error.
	Delete(ctx context.Context, path string) error

	// SubscribeDocument watches one document. The handler first receives
	// the current state, then every subsequent write.
	SubscribeDocument(ctx context.Context, path string, fn DocumentHandler) (Unsubscribe, error)
	// SubscribeCollection watches one collection. The handler first
	// receives the current entries (in insertion order) as Added changes,
	// then ordered deltas.
	SubscribeCollection(ctx context.Context, collection string, fn ChangeHandler) (Unsubscribe, error)
	// SubscribeQuery watches the set of documents matching q. Documents
	// entering the set are delivered as Added, leaving as Removed.
	SubscribeQuery(ctx context.Context, q Query, fn ChangeHandler) (Unsubscribe, error)

	// Close releases the store and all subscriptions.
	Close() error
}

// splitDocPath validates and splits a document path into its parent
// collection and document id.
func splitDocPath(path string) (collection, id string, err error) {
	segs := strings.Split(path, "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", ErrInvalidPath
	}
	for _, s := range segs {
		if s == "" {
			return "", "", ErrInvalidPath
		}
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// validCollectionPath reports whether path names a collection.
func validCollectionPath(path string) bool {
	segs := strings.Split(path, "/")
	if len(segs)%2 != 1 {
		return false
	}
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}

// resolveTimestamps returns a deep copy of doc with every ServerTimestamp
// sentinel replaced by now.
func resolveTimestamps(doc Document, now time.Time) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch val := v.(type) {
	case serverTimestamp:
		return now
	case Document:
		return resolveTimestamps(val, now)
	case map[string]any:
		return resolveTimestamps(Document(val), now)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = resolveValue(e, now)
		}
		return out
	default:
		return v
	}
}

// copyDocument deep-copies a document so callers never alias store state.
func copyDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	return resolveTimestamps(doc, time.Time{})
}

// looseEqual compares filter values against stored values. Stored numbers
// may come back as float64 after a JSON round trip (SQLite backend), so
// numeric comparisons are widened.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
