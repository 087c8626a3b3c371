package coordinator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/reconcile"
	"github.com/victorivanov/retrosync/internal/store"
)

const previewLength = 80

// DurableAPI is the server side of every write.
type DurableAPI interface {
	SendMessage(ctx context.Context, conversationID string, req models.SendRequest) (*models.Message, error)
	// ToggleReaction may return a nil message when the server answers without a body.
	ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (*models.Message, error)
	ToggleStar(ctx context.Context, conversationID, messageID string) ([]string, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// SendInput is what the user composed.
type SendInput struct {
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments"`
	ReplyToID   string              `json:"reply_to_id"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLimiter paces durable sends. Waiting happens after the optimistic
// entry is visible.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is bound to one conversation's store.
type Coordinator struct {
	store   *store.Store
	engine  *reconcile.Engine
	api     DurableAPI
	self    models.Author
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Coordinator writing as self.
func New(st *store.Store, engine *reconcile.Engine, api DurableAPI, self models.Author, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  st,
		engine: engine,
		api:    api,
		self:   self,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationID returns the conversation this coordinator writes to.
func (c *Coordinator) ConversationID() string {
	return c.store.ConversationID()
}

// ---------------------------------------------------------------------------
// Send / Retry / Dismiss
// ---------------------------------------------------------------------------

// Send inserts an optimistic message and delivers it. On failure the entry
// stays in the store marked failed and an *OpError is returned.
func (c *Coordinator) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	for _, a := range in.Attachments {
		if !a.Kind.Valid() || a.URL == "" {
			return nil, ErrInvalidAttachment
		}
	}

	msg := models.Message{
		ID:             models.TempIDPrefix + uuid.NewString(),
		ConversationID: c.store.ConversationID(),
		Author:         c.self,
		Content:        in.Content,
		Attachments:    in.Attachments,
		ReplyTo:        c.replyRef(in.ReplyToID),
		CreatedAt:      c.now(),
		Lifecycle:      models.LifecycleOptimistic,
	}
	if err := c.store.Insert(msg); err != nil {
		return nil, err
	}

	return c.deliver(ctx, OpSend, msg)
}

// Retry re-sends a failed message from the same entry.
func (c *Coordinator) Retry(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := c.store.Update(func(tx *store.Txn) error {
		id = tx.Resolve(id)
		en, ok := tx.Get(id)
		if !ok {
			return store.ErrNotFound
		}
		if en.Message.Lifecycle != models.LifecycleFailed {
			return ErrNotFailed
		}
		msg = en.Message
		msg.Lifecycle = models.LifecycleOptimistic
		msg.CreatedAt = c.now()
		return tx.Replace(id, msg)
	})
	if err != nil {
		return nil, err
	}

	return c.deliver(ctx, OpRetry, msg)
}

// Dismiss removes a failed message.
func (c *Coordinator) Dismiss(id string) error {
	return c.store.Update(func(tx *store.Txn) error {
		id = tx.Resolve(id)
		en, ok := tx.Get(id)
		if !ok {
			return store.ErrNotFound
		}
		if en.Message.Lifecycle != models.LifecycleFailed {
			return ErrNotFailed
		}
		tx.Remove(id)
		return nil
	})
}

func (c *Coordinator) deliver(ctx context.Context, op Op, msg models.Message) (*models.Message, error) {
	req := models.SendRequest{
		Content:     msg.Content,
		Attachments: msg.Attachments,
	}
	if msg.ReplyTo != nil {
		req.ReplyToID = msg.ReplyTo.ID
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.fail(op, msg, err)
		}
	}

	confirmed, err := c.api.SendMessage(ctx, c.store.ConversationID(), req)
	if err != nil {
		return c.fail(op, msg, err)
	}
	return c.confirm(msg.ID, *confirmed)
}

// confirm swaps the temporary entry for the server's message. The broadcast
// for the same send may already have merged it, in which case the store is
// left as the engine settled it.
func (c *Coordinator) confirm(tempID string, msg models.Message) (*models.Message, error) {
	msg.Lifecycle = models.LifecycleConfirmed
	if msg.ConversationID == "" {
		msg.ConversationID = c.store.ConversationID()
	}

	err := c.store.Update(func(tx *store.Txn) error {
		current := tx.Resolve(tempID)
		_, known := tx.Get(msg.ID)
		settled := known || tx.Removed(msg.ID)

		if current == tempID {
			if _, ok := tx.Get(tempID); !ok {
				return nil
			}
			if settled {
				tx.Remove(tempID)
				return nil
			}
			return tx.Replace(tempID, msg)
		}

		// The engine matched this send's optimistic entry to another
		// confirmation. Keep ours as its own message.
		if current != msg.ID && !settled {
			return tx.Insert(msg)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("failed to confirm send",
			"conversationID", c.store.ConversationID(),
			"tempID", tempID,
			"messageID", msg.ID,
			"error", err,
		)
	}
	return &msg, nil
}

// fail marks the send's entry failed. When the broadcast for this send
// already confirmed it, the send counts as done. An entry the engine matched
// to another send's broadcast is split off again as a failed message.
func (c *Coordinator) fail(op Op, msg models.Message, cause error) (*models.Message, error) {
	tempID := msg.ID
	reason := cause.Error()
	failed := models.LifecycleFailed

	var merged *models.Message
	_ = c.store.Update(func(tx *store.Txn) error {
		id := tx.Resolve(tempID)
		en, ok := tx.Get(id)
		if !ok {
			return nil
		}
		if en.Message.Lifecycle != models.LifecycleConfirmed {
			return tx.Patch(id, store.Patch{Lifecycle: &failed, SendError: &reason})
		}
		if id == tempID || sameSend(en.Message, msg) {
			merged = &en.Message
			return nil
		}

		own := msg.Clone()
		own.Lifecycle = failed
		if err := tx.Insert(own); err != nil {
			return err
		}
		return tx.Patch(tempID, store.Patch{SendError: &reason})
	})
	if merged != nil {
		c.logger.Debug("send failed after broadcast confirmed it",
			"conversationID", c.store.ConversationID(),
			"messageID", merged.ID,
			"error", cause,
		)
		return merged, nil
	}

	c.logger.Warn("send failed",
		"conversationID", c.store.ConversationID(),
		"tempID", tempID,
		"error", cause,
	)
	return nil, &OpError{Op: op, MessageID: tempID, Err: cause}
}

// sameSend reports whether a confirmed message carries what was sent.
// Attachment URLs are rewritten on upload, so only their count is compared.
func sameSend(confirmed, sent models.Message) bool {
	return confirmed.Content == sent.Content && len(confirmed.Attachments) == len(sent.Attachments)
}

func (c *Coordinator) replyRef(id string) *models.ReplyRef {
	if id == "" {
		return nil
	}
	ref := &models.ReplyRef{ID: c.store.Resolve(id)}
	if en, ok := c.store.Get(ref.ID); ok {
		ref.AuthorID = en.Message.Author.ID
		ref.AuthorName = en.Message.Author.Name()
		ref.Preview = preview(en.Message.Content)
	}
	return ref
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength]) + "…"
}

// ---------------------------------------------------------------------------
// Reactions / stars / delete
// ---------------------------------------------------------------------------

// ToggleReaction flips the current user's reaction. The store changes only
// when the server answers.
func (c *Coordinator) ToggleReaction(ctx context.Context, id, emoji string) error {
	if emoji == "" {
		return ErrEmptyEmoji
	}
	id, err := c.requireConfirmed(id)
	if err != nil {
		return err
	}

	msg, err := c.api.ToggleReaction(ctx, c.store.ConversationID(), id, emoji)
	if err != nil {
		reason := err.Error()
		c.markError(id, store.Patch{ReactionError: &reason})
		return &OpError{Op: OpReaction, MessageID: id, Err: err}
	}

	none := ""
	c.markError(id, store.Patch{ReactionError: &none})
	if msg != nil {
		c.engine.Apply(models.Event{
			Type:           models.EventReactionsUpdated,
			ConversationID: c.store.ConversationID(),
			MessageID:      id,
			Reactions:      msg.Reactions,
		})
	}
	return nil
}

// ToggleStar flips the current user's star locally, then asks the server.
// A failed request restores the previous set.
func (c *Coordinator) ToggleStar(ctx context.Context, id string) ([]string, error) {
	var before []string
	err := c.store.Update(func(tx *store.Txn) error {
		id = tx.Resolve(id)
		en, ok := tx.Get(id)
		if !ok {
			return store.ErrNotFound
		}
		if en.Message.Lifecycle != models.LifecycleConfirmed {
			return ErrNotConfirmed
		}
		before = en.Message.StarredBy
		next := toggle(before, c.self.ID)
		none := ""
		return tx.Patch(id, store.Patch{StarredBy: &next, StarError: &none})
	})
	if err != nil {
		return nil, err
	}

	starred, err := c.api.ToggleStar(ctx, c.store.ConversationID(), id)
	if err != nil {
		reason := err.Error()
		if before == nil {
			before = []string{}
		}
		c.markError(id, store.Patch{StarredBy: &before, StarError: &reason})
		return nil, &OpError{Op: OpStar, MessageID: id, Err: err}
	}

	if starred == nil {
		starred = []string{}
	}
	c.engine.Apply(models.Event{
		Type:           models.EventStarUpdated,
		ConversationID: c.store.ConversationID(),
		MessageID:      id,
		StarredBy:      starred,
	})
	return starred, nil
}

// Delete removes a confirmed message on the server and then locally.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	id, err := c.requireConfirmed(id)
	if err != nil {
		return err
	}
	if err := c.api.DeleteMessage(ctx, c.store.ConversationID(), id); err != nil {
		return &OpError{Op: OpDelete, MessageID: id, Err: err}
	}
	c.engine.Apply(models.Event{
		Type:           models.EventMessageDeleted,
		ConversationID: c.store.ConversationID(),
		MessageID:      id,
	})
	return nil
}

func (c *Coordinator) requireConfirmed(id string) (string, error) {
	id = c.store.Resolve(id)
	en, ok := c.store.Get(id)
	if !ok {
		return id, store.ErrNotFound
	}
	if en.Message.Lifecycle != models.LifecycleConfirmed {
		return id, ErrNotConfirmed
	}
	return id, nil
}

// markError patches an entry that may have been deleted in the meantime.
func (c *Coordinator) markError(id string, p store.Patch) {
	if err := c.store.Patch(id, p); err != nil {
		c.logger.Debug("could not update message after write",
			"conversationID", c.store.ConversationID(),
			"messageID", id,
			"error", err,
		)
	}
}

func toggle(set []string, id string) []string {
	out := make([]string, 0, len(set)+1)
	found := false
	for _, v := range set {
		if v == id {
			found = true
			continue
		}
		out = append(out, v)
	}
	if !found {
		out = append(out, id)
	}
	return out
}
