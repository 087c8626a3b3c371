package reconcile

import (
	"errors"
	"log/slog"
	"time"

	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/reactions"
	"github.com/victorivanov/retrosync/internal/snowflake"
	"github.com/victorivanov/retrosync/internal/store"
)

// DefaultWindow is how far apart an optimistic entry and its confirmation
// may be created and still be matched.
const DefaultWindow = 5 * time.Second

// Result describes what applying an event did to the store.
type Result int

const (
	ResultNoop Result = iota
	ResultInserted
	ResultMerged
	ResultDuplicate
	ResultUpdated
	ResultRemoved
	ResultPatched
	ResultStale
	ResultRejected
)

func (r Result) String() string {
	switch r {
	case ResultNoop:
		return "noop"
	case ResultInserted:
		return "inserted"
	case ResultMerged:
		return "merged"
	case ResultDuplicate:
		return "duplicate"
	case ResultUpdated:
		return "updated"
	case ResultRemoved:
		return "removed"
	case ResultPatched:
		return "patched"
	case ResultStale:
		return "stale"
	case ResultRejected:
		return "rejected"
	}
	return "unknown"
}

// Option configures an Engine.
type Option func(*Engine)

// WithWindow sets the optimistic match window.
func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithLogger sets the logger used for rejected events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine applies events to one conversation's store.
type Engine struct {
	store  *store.Store
	window time.Duration
	logger *slog.Logger
}

// New creates an Engine bound to st.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		window: DefaultWindow,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply merges ev into the store.
func (e *Engine) Apply(ev models.Event) Result {
	if ev.ConversationID != "" && ev.ConversationID != e.store.ConversationID() {
		return ResultStale
	}

	var res Result
	err := e.store.Update(func(tx *store.Txn) error {
		var err error
		res, err = e.apply(tx, ev)
		return err
	})
	if err != nil {
		e.logger.Warn("event rejected",
			"type", ev.Type,
			"conversationID", e.store.ConversationID(),
			"messageID", ev.TargetID(),
			"error", err,
		)
		return ResultRejected
	}
	return res
}

func (e *Engine) apply(tx *store.Txn, ev models.Event) (Result, error) {
	switch ev.Type {
	case models.EventMessageCreated:
		if ev.Message == nil {
			return ResultNoop, errMissingMessage
		}
		return e.created(tx, *ev.Message)

	case models.EventMessageUpdated:
		if ev.Message == nil {
			return ResultNoop, errMissingMessage
		}
		return e.updated(tx, *ev.Message)

	case models.EventMessageDeleted:
		if tx.Remove(ev.TargetID()) {
			return ResultRemoved, nil
		}
		return ResultNoop, nil

	case models.EventReactionsUpdated:
		raw := ev.Reactions
		if raw == nil {
			raw = []models.Reaction{}
		}
		return patch(tx, ev.TargetID(), store.Patch{Reactions: &raw})

	case models.EventReactionAdded, models.EventReactionRemoved:
		en, ok := tx.Get(ev.TargetID())
		if !ok {
			return ResultNoop, nil
		}
		var raw []models.Reaction
		if ev.Type == models.EventReactionAdded {
			raw = reactions.Add(en.Message.Reactions, ev.UserID, ev.Emoji)
		} else {
			raw = reactions.Remove(en.Message.Reactions, ev.UserID, ev.Emoji)
		}
		return patch(tx, ev.TargetID(), store.Patch{Reactions: &raw})

	case models.EventStarUpdated:
		starred := ev.StarredBy
		if starred == nil {
			starred = []string{}
		}
		return patch(tx, ev.TargetID(), store.Patch{StarredBy: &starred})
	}
	return ResultNoop, errUnknownEvent
}

// created runs the three-step identity resolution for a confirmed message.
func (e *Engine) created(tx *store.Txn, msg models.Message) (Result, error) {
	if msg.ID == "" {
		return ResultNoop, store.ErrInvalid
	}
	if _, ok := tx.Get(msg.ID); ok {
		return ResultDuplicate, nil
	}
	if tx.Removed(msg.ID) {
		return ResultDuplicate, nil
	}

	msg.Lifecycle = models.LifecycleConfirmed
	if msg.CreatedAt.IsZero() {
		if ts, ok := snowflake.TimeOf(msg.ID); ok {
			msg.CreatedAt = ts
		}
	}

	if match, ok := tx.First(e.matcher(msg)); ok {
		if err := tx.Replace(match.Message.ID, msg); err != nil {
			return ResultNoop, err
		}
		return ResultMerged, nil
	}

	if err := tx.Insert(msg); err != nil {
		return ResultNoop, err
	}
	return ResultInserted, nil
}

func (e *Engine) matcher(msg models.Message) func(store.Entry) bool {
	return func(en store.Entry) bool {
		m := en.Message
		if m.Lifecycle != models.LifecycleOptimistic {
			return false
		}
		if m.Author.ID != msg.Author.ID {
			return false
		}
		if len(m.Attachments) != len(msg.Attachments) {
			return false
		}
		d := msg.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		return d <= e.window
	}
}

// updated replaces a confirmed message's body in place, keeping the reaction
// and star state the store already has.
func (e *Engine) updated(tx *store.Txn, msg models.Message) (Result, error) {
	cur, ok := tx.Get(msg.ID)
	if !ok {
		return ResultNoop, nil
	}
	if cur.Message.Lifecycle != models.LifecycleConfirmed {
		return ResultNoop, nil
	}

	msg.Lifecycle = models.LifecycleConfirmed
	msg.Reactions = cur.Message.Reactions
	msg.StarredBy = cur.Message.StarredBy
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = cur.Message.CreatedAt
	}
	if err := tx.Replace(msg.ID, msg); err != nil {
		return ResultNoop, err
	}
	return ResultUpdated, nil
}

func patch(tx *store.Txn, id string, p store.Patch) (Result, error) {
	err := tx.Patch(id, p)
	if errors.Is(err, store.ErrNotFound) {
		return ResultNoop, nil
	}
	if err != nil {
		return ResultNoop, err
	}
	return ResultPatched, nil
}
