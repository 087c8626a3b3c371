package store

import "github.com/victorivanov/retrosync/internal/models"

// Txn is the view of a store inside Update. It must not be used after the
// Update callback returns.
type Txn struct {
	s       *Store
	changed bool
}

// Get returns a copy of the entry with the given id.
func (tx *Txn) Get(id string) (Entry, bool) {
	en, ok := tx.s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return en.clone(), true
}

// First returns the first entry in display order for which match is true.
// match sees the stored entry and must not keep references to its slices.
func (tx *Txn) First(match func(Entry) bool) (Entry, bool) {
	for _, id := range tx.s.order {
		en := tx.s.entries[id]
		if match(*en) {
			return en.clone(), true
		}
	}
	return Entry{}, false
}

// Resolve follows id replacements.
func (tx *Txn) Resolve(id string) string {
	return tx.s.resolve(id)
}

// Removed reports whether id was deleted from this conversation.
func (tx *Txn) Removed(id string) bool {
	_, ok := tx.s.removed[id]
	return ok
}

// Insert appends msg at the tail. An alias left by an earlier Replace of the
// same id stops resolving.
func (tx *Txn) Insert(msg models.Message) error {
	s := tx.s
	if msg.ID == "" {
		return ErrInvalid
	}
	if _, ok := s.entries[msg.ID]; ok {
		return ErrExists
	}
	if _, ok := s.removed[msg.ID]; ok {
		return ErrRemoved
	}

	delete(s.aliases, msg.ID)
	s.order = append(s.order, msg.ID)
	s.index[msg.ID] = len(s.order) - 1
	s.entries[msg.ID] = &Entry{Message: normalize(msg)}
	tx.changed = true
	return nil
}

// Replace swaps the entry at id for msg in the same position. The send error
// marker is cleared; star and reaction markers carry over.
func (tx *Txn) Replace(id string, msg models.Message) error {
	s := tx.s
	cur, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		return ErrInvalid
	}
	if msg.ID != id {
		if _, taken := s.entries[msg.ID]; taken {
			return ErrExists
		}
		if _, gone := s.removed[msg.ID]; gone {
			return ErrRemoved
		}
	}
	msg = normalize(msg)
	if !models.CanTransition(cur.Message.Lifecycle, msg.Lifecycle) {
		return ErrLifecycle
	}

	pos := s.index[id]
	delete(s.entries, id)
	delete(s.index, id)

	s.order[pos] = msg.ID
	s.index[msg.ID] = pos
	s.entries[msg.ID] = &Entry{
		Message:       msg,
		StarError:     cur.StarError,
		ReactionError: cur.ReactionError,
	}
	if msg.ID != id {
		s.aliases[id] = msg.ID
	}
	tx.changed = true
	return nil
}

// Patch applies p to the entry. Nothing is changed when p is rejected.
func (tx *Txn) Patch(id string, p Patch) error {
	en, ok := tx.s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if p.Lifecycle != nil && !models.CanTransition(en.Message.Lifecycle, *p.Lifecycle) {
		return ErrLifecycle
	}

	if p.Lifecycle != nil {
		en.Message.Lifecycle = *p.Lifecycle
	}
	if p.Reactions != nil {
		en.Message.Reactions = append([]models.Reaction{}, (*p.Reactions)...)
	}
	if p.StarredBy != nil {
		en.Message.StarredBy = append([]string{}, (*p.StarredBy)...)
	}
	if p.SendError != nil {
		en.SendError = *p.SendError
	}
	if p.StarError != nil {
		en.StarError = *p.StarError
	}
	if p.ReactionError != nil {
		en.ReactionError = *p.ReactionError
	}
	tx.changed = true
	return nil
}

// Remove deletes the entry and remembers the id as deleted, so a late or
// duplicated create for it is refused. Returns false when id was not present.
func (tx *Txn) Remove(id string) bool {
	s := tx.s
	s.removed[id] = struct{}{}

	pos, ok := s.index[id]
	if !ok {
		return false
	}
	s.order = append(s.order[:pos], s.order[pos+1:]...)
	delete(s.index, id)
	delete(s.entries, id)
	s.reindex(pos)
	tx.changed = true
	return true
}

// load merges a confirmed snapshot. Listed entries that already exist are
// updated in place with their markers kept. On the first load the snapshot
// leads and earlier entries (sends made while loading) follow it; after that,
// only ids new to the store are appended, in snapshot order.
func (tx *Txn) load(msgs []models.Message) {
	s := tx.s
	listed := make([]string, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	var fresh []string

	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if _, gone := s.removed[m.ID]; gone {
			continue
		}
		seen[m.ID] = struct{}{}
		listed = append(listed, m.ID)

		m.Lifecycle = models.LifecycleConfirmed
		m = normalize(m)
		if en, ok := s.entries[m.ID]; ok {
			en.Message = m
			continue
		}
		s.entries[m.ID] = &Entry{Message: m}
		fresh = append(fresh, m.ID)
	}

	if s.loaded {
		for _, id := range fresh {
			s.index[id] = len(s.order)
			s.order = append(s.order, id)
		}
	} else {
		order := listed
		for _, id := range s.order {
			if _, ok := seen[id]; !ok {
				order = append(order, id)
			}
		}
		s.order = order
		s.reindex(0)
	}
	s.loaded = true
	tx.changed = true
}
