package store

import (
	"errors"
	"sync"

	"github.com/victorivanov/retrosync/internal/models"
)

var (
	ErrExists    = errors.New("store: message already exists")
	ErrNotFound  = errors.New("store: message not found")
	ErrRemoved   = errors.New("store: message was deleted")
	ErrLifecycle = errors.New("store: invalid lifecycle transition")
	ErrInvalid   = errors.New("store: message has no id")
)

// Entry is a message plus the per-operation error markers shown next to it.
type Entry struct {
	Message       models.Message
	SendError     string
	StarError     string
	ReactionError string
}

func (e Entry) clone() Entry {
	e.Message = e.Message.Clone()
	return e
}

// Patch lists the fields that may change on an existing entry. Nil fields are
// left alone; in particular Lifecycle is untouched unless set.
type Patch struct {
	Reactions     *[]models.Reaction
	StarredBy     *[]string
	Lifecycle     *models.Lifecycle
	SendError     *string
	StarError     *string
	ReactionError *string
}

// Option configures a Store.
type Option func(*Store)

// WithOnChange registers fn to run after every committed mutation, outside
// the store lock.
func WithOnChange(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store holds the ordered messages of one conversation. An entry keeps its
// position until it is removed. Store is safe for concurrent use; watchers are
// notified after each mutation.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	order          []string
	index          map[string]int
	entries        map[string]*Entry
	aliases        map[string]string
	removed        map[string]struct{}
	version        uint64
	loaded         bool

	watchers  map[uint64]chan struct{}
	nextWatch uint64
	onChange  func()
}

// New creates an empty store for a conversation.
func New(conversationID string, opts ...Option) *Store {
	s := &Store{
		conversationID: conversationID,
		index:          make(map[string]int),
		entries:        make(map[string]*Entry),
		aliases:        make(map[string]string),
		removed:        make(map[string]struct{}),
		watchers:       make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConversationID returns the conversation this store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Update runs fn with exclusive access to the store. Changes made before fn
// returns an error are kept. Watchers are notified once if anything changed.
func (s *Store) Update(fn func(tx *Txn) error) error {
	s.mu.Lock()
	tx := &Txn{s: s}
	err := fn(tx)
	if tx.changed {
		s.version++
	}
	s.mu.Unlock()

	if tx.changed {
		s.notify()
	}
	return err
}

// Insert appends msg at the tail.
func (s *Store) Insert(msg models.Message) error {
	return s.Update(func(tx *Txn) error { return tx.Insert(msg) })
}

// Replace swaps the entry at id for msg, keeping its position.
func (s *Store) Replace(id string, msg models.Message) error {
	return s.Update(func(tx *Txn) error { return tx.Replace(id, msg) })
}

// Patch updates reaction, star, lifecycle and error fields of an entry.
func (s *Store) Patch(id string, p Patch) error {
	return s.Update(func(tx *Txn) error { return tx.Patch(id, p) })
}

// Remove deletes the entry. Removing an unknown id is not an error.
func (s *Store) Remove(id string) bool {
	var removed bool
	_ = s.Update(func(tx *Txn) error {
		removed = tx.Remove(id)
		return nil
	})
	return removed
}

// Load merges a confirmed snapshot. The first load places the snapshot ahead
// of entries inserted while it was loading. Later loads never move an entry:
// known messages are refreshed in place and unknown ones are appended.
func (s *Store) Load(msgs []models.Message) {
	_ = s.Update(func(tx *Txn) error {
		tx.load(msgs)
		return nil
	})
}

// Get returns a copy of the entry with the given id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	en, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return en.clone(), true
}

// Resolve follows id replacements and returns the id the entry is known by now.
func (s *Store) Resolve(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolve(id)
}

// Removed reports whether id, or the id it was replaced by, was deleted.
func (s *Store) Removed(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.removed[s.resolve(id)]
	return ok
}

// Snapshot returns copies of all entries in display order. Each call reflects
// the latest state.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.order))
	for i, id := range s.order {
		out[i] = s.entries[id].clone()
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Version increases on every committed mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Watch returns a channel that receives a value after mutations. Notifications
// coalesce: a slow reader sees one pending signal, not one per change.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.RUnlock()

	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Store) resolve(id string) string {
	for n := len(s.aliases) + 1; n > 0; n-- {
		next, ok := s.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

func (s *Store) reindex(from int) {
	for i := from; i < len(s.order); i++ {
		s.index[s.order[i]] = i
	}
}

func normalize(msg models.Message) models.Message {
	if msg.Lifecycle == "" {
		msg.Lifecycle = models.LifecycleConfirmed
	}
	return msg.Clone()
}
