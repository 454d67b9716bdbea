package docstore

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// subKind discriminates the three subscription shapes.
type subKind int

const (
	subDocument subKind = iota
	subCollection
	subQuery
)

// subscriber is one registered subscription. Deliveries are queued and
// drained by a dedicated goroutine so that handler ordering is preserved per
// subscriber and handlers may freely call back into the store without
// deadlocking against the store's own locks.
type subscriber struct {
	id   int64
	kind subKind
	path string // document path or collection path
	q    Query  // for subQuery

	docFn    DocumentHandler
	changeFn ChangeHandler

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// enqueue appends one delivery and wakes the drain loop.
func (s *subscriber) enqueue(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain runs handler deliveries in order until the subscription closes.
func (s *subscriber) drain() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			fn()
		}
	}
}

// close stops the drain loop. Pending undelivered events are dropped, which
// matches the contract that no callback fires after Unsubscribe returns.
func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// hub fans document writes out to subscribers. It is shared by the memory
// and SQLite backends; the owning store calls notify with the old and new
// state of a document while still holding its write lock, so deliveries are
// queued in commit order. notify only enqueues and never blocks.
type hub struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]*subscriber
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int64]*subscriber)}
}

// add registers a subscriber, enqueues its initial snapshot delivery, and
// returns the unsubscribe handle.
func (h *hub) add(s *subscriber, initial func()) Unsubscribe {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s.id = h.nextID
	s.wake = make(chan struct{}, 1)
	s.done = make(chan struct{})
	if h.closed {
		s.close()
		return func() {}
	}
	h.subs[s.id] = s
	go s.drain()
	if initial != nil {
		s.enqueue(initial)
	}

	id := s.id
	return func() {
		h.mu.Lock()
		sub, ok := h.subs[id]
		if ok {
			delete(h.subs, id)
		}
		h.mu.Unlock()
		if ok {
			sub.close()
		}
	}
}

// notify fans out one document transition. oldDoc/newDoc are nil when the
// document was absent before/after the write. Both must already be detached
// copies of store state.
func (h *hub) notify(collection, id string, oldDoc, newDoc Document) {
	path := collection + "/" + id

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		switch s.kind {
		case subDocument:
			if s.path != path {
				continue
			}
			fn, doc := s.docFn, copyDocument(newDoc)
			s.enqueue(func() { fn(doc, doc != nil) })

		case subCollection:
			if s.path != collection {
				continue
			}
			ch, ok := collectionChange(id, oldDoc, newDoc)
			if !ok {
				continue
			}
			fn := s.changeFn
			s.enqueue(func() { fn([]Change{ch}) })

		case subQuery:
			if s.q.Collection != collection {
				continue
			}
			ch, ok := queryChange(s.q, id, oldDoc, newDoc)
			if !ok {
				continue
			}
			fn := s.changeFn
			s.enqueue(func() { fn([]Change{ch}) })
		}
	}
}

// closeAll tears down every subscription; used by Store.Close.
func (h *hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[int64]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	logrus.WithFields(logrus.Fields{
		"function":    "closeAll",
		"subscribers": len(subs),
	}).Debug("Document store subscriptions released")
}

// collectionChange derives the change event a plain collection subscriber
// sees for a document transition, if any.
func collectionChange(id string, oldDoc, newDoc Document) (Change, bool) {
	switch {
	case oldDoc == nil && newDoc != nil:
		return Change{Kind: Added, ID: id, Doc: copyDocument(newDoc)}, true
	case oldDoc != nil && newDoc != nil:
		return Change{Kind: Modified, ID: id, Doc: copyDocument(newDoc)}, true
	case oldDoc != nil && newDoc == nil:
		return Change{Kind: Removed, ID: id}, true
	default:
		return Change{}, false
	}
}

// queryChange derives the change event a query subscriber sees, accounting
// for documents entering and leaving the matching set as their fields change.
func queryChange(q Query, id string, oldDoc, newDoc Document) (Change, bool) {
	oldMatch := q.Matches(oldDoc)
	newMatch := q.Matches(newDoc)
	switch {
	case !oldMatch && newMatch:
		return Change{Kind: Added, ID: id, Doc: copyDocument(newDoc)}, true
	case oldMatch && newMatch:
		return Change{Kind: Modified, ID: id, Doc: copyDocument(newDoc)}, true
	case oldMatch && !newMatch:
		return Change{Kind: Removed, ID: id}, true
	default:
		return Change{}, false
	}
}
