package loopback

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/victorivanov/retrosync/internal/auth"
	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/reactions"
	"github.com/victorivanov/retrosync/internal/snowflake"
	"github.com/victorivanov/retrosync/internal/subscription"
)

const (
	maxContentLength = 2000
	previewLength    = 80
	eventBufferSize  = 256
)

// ErrResponseLost is returned by a write that committed while LoseResponses
// is set.
var ErrResponseLost = errors.New("loopback: response lost")

// Publisher receives every broadcast in addition to the in-process channels.
// *gateway.Hub satisfies it.
type Publisher interface {
	Publish(topic string, ev models.Event) error
}

// Delivery bends how writes are reported.
type Delivery struct {
	// Duplicate sends every broadcast twice.
	Duplicate bool
	// Hold queues broadcasts until Flush. Without it a broadcast is queued
	// on the channels before the write returns.
	Hold bool
	// LoseResponses commits writes and broadcasts them but returns
	// ErrResponseLost to the caller.
	LoseResponses bool
}

// FailFunc decides whether a write fails before it commits. op is one of
// "send", "reaction", "star" and "delete".
type FailFunc func(op, conversationID string) error

// Option configures a Backend.
type Option func(*Backend)

// WithPublisher forwards every broadcast to p.
func WithPublisher(p Publisher) Option {
	return func(b *Backend) { b.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// Backend holds every conversation and connected channel.
type Backend struct {
	tokens    *auth.TokenService
	snowflake *snowflake.Generator
	publisher Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	users    map[string]models.Author
	messages map[string][]models.Message
	channels map[*Channel]struct{}
	delivery Delivery
	fail     FailFunc
	held     []models.Event
}

// New creates a Backend whose access tokens are signed with secret.
func New(secret string, opts ...Option) *Backend {
	sf, _ := snowflake.NewGenerator(1, 1)
	b := &Backend{
		tokens:    auth.NewTokenService(secret, 0),
		snowflake: sf,
		logger:    slog.Default(),
		users:     make(map[string]models.Author),
		messages:  make(map[string][]models.Message),
		channels:  make(map[*Channel]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Authenticate resolves an access token to a known user id.
func (b *Backend) Authenticate(token string) (string, error) {
	id, err := b.tokens.Authenticate(token)
	if err != nil {
		return "", NewError(ErrUnauthorized, "UNAUTHORIZED", "invalid or expired token")
	}
	b.mu.Lock()
	_, ok := b.users[id]
	b.mu.Unlock()
	if !ok {
		return "", NewError(ErrUnauthorized, "UNAUTHORIZED", "unknown user")
	}
	return id, nil
}

// AddUser registers a user and returns it with an access token.
func (b *Backend) AddUser(username, displayName string) (models.Author, string, error) {
	if username == "" {
		return models.Author{}, "", badRequest("INVALID_USERNAME", "username must not be empty")
	}
	id := b.snowflake.Next()
	token, err := b.tokens.GenerateAccessToken(id)
	if err != nil {
		return models.Author{}, "", err
	}
	author := models.Author{
		ID:          strconv.FormatInt(id, 10),
		Username:    username,
		DisplayName: displayName,
	}
	b.mu.Lock()
	b.users[author.ID] = author
	b.mu.Unlock()
	return author, token, nil
}

// SetDelivery replaces the delivery mode.
func (b *Backend) SetDelivery(d Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivery = d
}

// FailWith installs fn to fail writes. A nil fn lets every write succeed.
func (b *Backend) FailWith(fn FailFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = fn
}

// Flush broadcasts every held event and returns how many there were.
func (b *Backend) Flush() int {
	b.mu.Lock()
	held := b.held
	b.held = nil
	for _, ev := range held {
		b.broadcastLocked(ev)
	}
	b.mu.Unlock()

	b.publish(held)
	return len(held)
}

// Messages returns a conversation oldest first.
func (b *Backend) Messages(conversationID string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneAll(b.messages[conversationID])
}

// As returns the durable API acting as userID.
func (b *Backend) As(userID string) *API {
	return &API{backend: b, userID: userID}
}

// Disconnect drops every connected channel with err.
func (b *Backend) Disconnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.channels {
		ch.dropLocked(err)
	}
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func (b *Backend) send(userID, conversationID string, req models.SendRequest) (*models.Message, error) {
	if utf8.RuneCountInString(req.Content) > maxContentLength {
		return nil, badRequest("INVALID_CONTENT", "message content must be at most 2000 characters")
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, badRequest("INVALID_CONTENT", "message must have content or attachments")
	}

	b.mu.Lock()
	author, err := b.precheckLocked("send", userID, conversationID)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}

	id := b.snowflake.Next()
	msg := models.Message{
		ID:             strconv.FormatInt(id, 10),
		ConversationID: conversationID,
		Author:         author,
		Content:        req.Content,
		Attachments:    durable(req.Attachments),
		CreatedAt:      snowflake.Timestamp(id),
		Lifecycle:      models.LifecycleConfirmed,
	}
	if req.ReplyToID != "" {
		parent, ok := b.findLocked(conversationID, req.ReplyToID)
		if !ok {
			b.mu.Unlock()
			return nil, badRequest("INVALID_REPLY", "replied-to message not found")
		}
		msg.ReplyTo = &models.ReplyRef{
			ID:         parent.ID,
			AuthorID:   parent.Author.ID,
			AuthorName: parent.Author.Name(),
			Preview:    truncate(parent.Content, previewLength),
		}
	}
	b.messages[conversationID] = append(b.messages[conversationID], msg)

	out := msg.Clone()
	ev := models.Event{Type: models.EventMessageCreated, ConversationID: conversationID, Message: &out}
	return b.commitLocked(&msg, ev)
}

func (b *Backend) toggleReaction(userID, conversationID, messageID, emoji string) (*models.Message, error) {
	if emoji == "" {
		return nil, badRequest("INVALID_EMOJI", "emoji must not be empty")
	}

	b.mu.Lock()
	if _, err := b.precheckLocked("reaction", userID, conversationID); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	msg, ok := b.findLocked(conversationID, messageID)
	if !ok {
		b.mu.Unlock()
		return nil, notFound("message not found")
	}

	typ := models.EventReactionAdded
	if reactions.Has(msg.Reactions, userID, emoji) {
		typ = models.EventReactionRemoved
	}
	msg.Reactions = reactions.Toggle(msg.Reactions, userID, emoji)

	ev := models.Event{
		Type:           typ,
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         userID,
		Emoji:          emoji,
	}
	return b.commitLocked(msg, ev)
}

func (b *Backend) toggleStar(userID, conversationID, messageID string) ([]string, error) {
	b.mu.Lock()
	if _, err := b.precheckLocked("star", userID, conversationID); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	msg, ok := b.findLocked(conversationID, messageID)
	if !ok {
		b.mu.Unlock()
		return nil, notFound("message not found")
	}

	starred := make([]string, 0, len(msg.StarredBy)+1)
	found := false
	for _, id := range msg.StarredBy {
		if id == userID {
			found = true
			continue
		}
		starred = append(starred, id)
	}
	if !found {
		starred = append(starred, userID)
	}
	msg.StarredBy = starred

	ev := models.Event{
		Type:           models.EventStarUpdated,
		ConversationID: conversationID,
		MessageID:      messageID,
		StarredBy:      append([]string(nil), starred...),
	}
	out, err := b.commitLocked(msg, ev)
	if err != nil {
		return nil, err
	}
	return out.StarredBy, nil
}

func (b *Backend) deleteMessage(userID, conversationID, messageID string) error {
	b.mu.Lock()
	if _, err := b.precheckLocked("delete", userID, conversationID); err != nil {
		b.mu.Unlock()
		return err
	}
	msgs := b.messages[conversationID]
	idx := -1
	for i := range msgs {
		if msgs[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return notFound("message not found")
	}
	if msgs[idx].Author.ID != userID {
		b.mu.Unlock()
		return forbidden("you can only delete your own messages")
	}
	b.messages[conversationID] = append(msgs[:idx:idx], msgs[idx+1:]...)

	ev := models.Event{Type: models.EventMessageDeleted, ConversationID: conversationID, MessageID: messageID}
	_, err := b.commitLocked(nil, ev)
	return err
}

func (b *Backend) list(userID, conversationID string) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[userID]; !ok {
		return nil, NewError(ErrUnauthorized, "UNAUTHORIZED", "unknown user")
	}
	return cloneAll(b.messages[conversationID]), nil
}

// precheckLocked resolves the acting user and runs the failure hook.
func (b *Backend) precheckLocked(op, userID, conversationID string) (models.Author, error) {
	author, ok := b.users[userID]
	if !ok {
		return models.Author{}, NewError(ErrUnauthorized, "UNAUTHORIZED", "unknown user")
	}
	if conversationID == "" {
		return models.Author{}, badRequest("INVALID_CONVERSATION", "conversation id must not be empty")
	}
	if b.fail != nil {
		if err := b.fail(op, conversationID); err != nil {
			return models.Author{}, err
		}
	}
	return author, nil
}

// commitLocked broadcasts ev according to the delivery mode, releases the
// lock and builds the write's response.
func (b *Backend) commitLocked(msg *models.Message, ev models.Event) (*models.Message, error) {
	var out *models.Message
	if msg != nil {
		c := msg.Clone()
		out = &c
	}

	copies := 1
	if b.delivery.Duplicate {
		copies = 2
	}
	var published []models.Event
	for c := 0; c < copies; c++ {
		if b.delivery.Hold {
			b.held = append(b.held, ev)
			continue
		}
		b.broadcastLocked(ev)
		published = append(published, ev)
	}
	lost := b.delivery.LoseResponses
	b.mu.Unlock()

	b.publish(published)
	if lost {
		return nil, ErrResponseLost
	}
	return out, nil
}

func (b *Backend) broadcastLocked(ev models.Event) {
	topic := subscription.Topic(ev.ConversationID)
	for ch := range b.channels {
		ch.deliverLocked(topic, ev)
	}
}

func (b *Backend) publish(events []models.Event) {
	if b.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := b.publisher.Publish(subscription.Topic(ev.ConversationID), ev); err != nil {
			b.logger.Error("loopback publish failed", "event", ev.Type, "error", err)
		}
	}
}

func (b *Backend) findLocked(conversationID, messageID string) (*models.Message, bool) {
	msgs := b.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			return &msgs[i], true
		}
	}
	return nil, false
}

// durable replaces local attachment references the way an upload would.
func durable(in []models.Attachment) []models.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Attachment, len(in))
	for i, a := range in {
		a.Local = false
		out[i] = a
	}
	return out
}

func cloneAll(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// ---------------------------------------------------------------------------
// API
// ---------------------------------------------------------------------------

// API serves durable writes and snapshots as one user.
type API struct {
	backend *Backend
	userID  string
}

func (a *API) SendMessage(_ context.Context, conversationID string, req models.SendRequest) (*models.Message, error) {
	return a.backend.send(a.userID, conversationID, req)
}

func (a *API) ToggleReaction(_ context.Context, conversationID, messageID, emoji string) (*models.Message, error) {
	return a.backend.toggleReaction(a.userID, conversationID, messageID, emoji)
}

func (a *API) ToggleStar(_ context.Context, conversationID, messageID string) ([]string, error) {
	return a.backend.toggleStar(a.userID, conversationID, messageID)
}

func (a *API) DeleteMessage(_ context.Context, conversationID, messageID string) error {
	return a.backend.deleteMessage(a.userID, conversationID, messageID)
}

// ListMessages returns the conversation oldest first.
func (a *API) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	return a.backend.list(a.userID, conversationID)
}
