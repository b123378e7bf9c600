package cart

import (
	"sync"

	"github.com/sirupsen/logrus"

	"bookmart/internal/model"
	"bookmart/internal/state"
)

// Option configures a Store.
type Option func(*Store)

// WithPersistFailure registers fn to be called when writing the cart to
// storage fails. The in-memory mutation still takes effect.
func WithPersistFailure(fn func(error)) Option {
	return func(s *Store) { s.onPersistErr = fn }
}

// WithRehydrateFallback registers fn to be called when Rehydrate discards
// persisted data. dropped is the number of unusable lines, or -1 when the
// whole value was unreadable.
func WithRehydrateFallback(fn func(dropped int)) Option {
	return func(s *Store) { s.onFallback = fn }
}

// Store owns one session's cart. It never returns errors: absent ids are
// no-ops, non-positive quantities remove the line, and storage failures are
// logged.
type Store struct {
	mu    sync.Mutex
	lines []Line

	// notifyMu serializes mutators end to end, so observers are called in
	// the order mutations were applied. Lock order: notifyMu, then mu.
	notifyMu  sync.Mutex
	obsMu     sync.RWMutex
	observers []observerEntry
	nextObsID int

	storage      state.Store
	log          logrus.FieldLogger
	onPersistErr func(error)
	onFallback   func(int)
}

type observerEntry struct {
	id int
	fn Observer
}

// New returns an empty Store backed by storage. Call Rehydrate to load
// previously persisted state.
func New(storage state.Store, log logrus.FieldLogger, opts ...Option) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{storage: storage, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers fn to be notified after each mutation and returns a
// function that removes it.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, observerEntry{id: id, fn: fn})
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, e := range s.observers {
			if e.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// Add merges quantity into the line for item, or appends a new line with a
// display snapshot of item. Quantities below 1 are treated as 1. Stock is
// not checked here; callers clamp before calling.
func (s *Store) Add(item model.Book, quantity int) {
	if quantity < 1 {
		quantity = 1
	}
	id := item.ItemID()
	s.mutate(Change{Op: OpAdd, BookID: id, Quantity: quantity}, func() bool {
		if i := s.indexOf(id); i >= 0 {
			s.lines[i].Quantity += quantity
			return true
		}
		s.lines = append(s.lines, Line{
			BookID:   id,
			Title:    item.Title,
			Price:    item.Price,
			Quantity: quantity,
			Image:    item.Image,
		})
		return true
	})
}

// SetQuantity replaces the quantity of the line for id. A quantity below 1
// removes the line. An absent id is a no-op.
func (s *Store) SetQuantity(id model.ItemID, quantity int) {
	if quantity < 1 {
		s.Remove(id)
		return
	}
	s.mutate(Change{Op: OpSetQuantity, BookID: id, Quantity: quantity}, func() bool {
		i := s.indexOf(id)
		if i < 0 || s.lines[i].Quantity == quantity {
			return false
		}
		s.lines[i].Quantity = quantity
		return true
	})
}

// Remove deletes the line for id if present.
func (s *Store) Remove(id model.ItemID) {
	s.mutate(Change{Op: OpRemove, BookID: id}, func() bool {
		i := s.indexOf(id)
		if i < 0 {
			return false
		}
		s.lines = append(s.lines[:i:i], s.lines[i+1:]...)
		return true
	})
}

// Clear empties the cart unconditionally.
func (s *Store) Clear() {
	s.mutate(Change{Op: OpClear}, func() bool {
		s.lines = nil
		return true
	})
}

// Snapshot returns the current lines and freshly computed totals.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotOf(s.lines)
}

// Rehydrate replaces the in-memory cart with the persisted one. Absent,
// unreadable or malformed data results in an empty cart; it never fails.
func (s *Store) Rehydrate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil

	data, ok, err := s.storage.Get(StorageKey)
	if err != nil {
		s.log.WithError(err).Warn("cart storage unreadable, starting empty")
		s.fallback(-1)
		return
	}
	if !ok {
		return
	}
	lines, dropped, err := Decode(data)
	if err != nil {
		s.log.WithError(err).Warn("discarding persisted cart")
		s.fallback(-1)
		return
	}
	if dropped > 0 {
		s.log.WithField("dropped", dropped).Warn("dropped malformed cart lines")
		s.fallback(dropped)
	}
	s.lines = lines
}

func (s *Store) fallback(n int) {
	if s.onFallback != nil {
		s.onFallback(n)
	}
}

func (s *Store) indexOf(id model.ItemID) int {
	for i := range s.lines {
		if s.lines[i].BookID == id {
			return i
		}
	}
	return -1
}

// mutate applies fn under the lock and, when fn reports a change, persists
// the result and notifies observers before returning. notifyMu is taken
// before mu so that observers run without mu held and may call Snapshot.
func (s *Store) mutate(c Change, fn func() bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.persistLocked()
	snap := snapshotOf(s.lines)
	s.mu.Unlock()

	s.obsMu.RLock()
	obs := make([]Observer, len(s.observers))
	for i, e := range s.observers {
		obs[i] = e.fn
	}
	s.obsMu.RUnlock()
	for _, fn := range obs {
		fn(c, snap)
	}
}

func (s *Store) persistLocked() {
	var err error
	if len(s.lines) == 0 {
		err = s.storage.Delete(StorageKey)
	} else {
		var b []byte
		if b, err = Encode(s.lines); err == nil {
			err = s.storage.Set(StorageKey, b)
		}
	}
	if err == nil {
		return
	}
	s.log.WithError(err).Error("failed to persist cart")
	if s.onPersistErr != nil {
		s.onPersistErr(err)
	}
}
