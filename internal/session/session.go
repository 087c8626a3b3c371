package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/victorivanov/retrosync/internal/coordinator"
	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/reconcile"
	"github.com/victorivanov/retrosync/internal/store"
	"github.com/victorivanov/retrosync/internal/subscription"
)

var (
	// ErrNoConversation is returned by writes while no conversation is open.
	ErrNoConversation = errors.New("session: no conversation open")
	// ErrSwitched is returned by a load that was overtaken by a switch.
	ErrSwitched = errors.New("session: conversation switched during load")
	// ErrEmptyConversation is returned by Open for an empty id.
	ErrEmptyConversation = errors.New("session: empty conversation id")
)

// API is the server side: durable writes plus the initial snapshot.
type API interface {
	coordinator.DurableAPI
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Config configures a Session.
type Config struct {
	Self models.Author
	// Window is the optimistic match window; zero uses the engine default.
	Window  time.Duration
	Limiter *rate.Limiter
	// Subscription configures the event channel. Its OnStateChange hook is
	// chained after the session's own.
	Subscription subscription.Config
	// ResyncOnReconnect reloads the snapshot after a dropped channel comes
	// back.
	ResyncOnReconnect bool
	Logger            *slog.Logger
}

// Status is the connectivity of the session.
type Status struct {
	State          subscription.State `json:"state"`
	ConversationID string             `json:"conversation_id"`
	LastError      string             `json:"last_error,omitempty"`
}

// conversation is everything bound to one open conversation id.
type conversation struct {
	id     string
	store  *store.Store
	engine *reconcile.Engine
	coord  *coordinator.Coordinator

	// Guarded by Session.mu.
	loading bool
	pending []models.Event
}

// Session is safe for concurrent use.
type Session struct {
	api    API
	cfg    Config
	logger *slog.Logger
	sub    *subscription.Manager

	mu      sync.Mutex
	conv    *conversation
	dropped bool

	wmu       sync.Mutex
	watchers  map[uint64]chan struct{}
	nextWatch uint64
}

// New creates a Session. dial opens event channels for the subscription
// manager; Run starts it.
func New(api API, dial subscription.DialFunc, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		api:      api,
		cfg:      cfg,
		logger:   cfg.Logger,
		watchers: make(map[uint64]chan struct{}),
	}

	subCfg := cfg.Subscription
	if subCfg.Logger == nil {
		subCfg.Logger = cfg.Logger
	}
	next := subCfg.OnStateChange
	subCfg.OnStateChange = func(st subscription.State) {
		s.handleState(st)
		if next != nil {
			next(st)
		}
	}
	s.sub = subscription.NewManager(dial, s, subCfg)
	return s
}

// Run keeps the event channel connected until ctx is cancelled or the
// channel degrades.
func (s *Session) Run(ctx context.Context) error {
	return s.sub.Run(ctx)
}

// Close stops the event channel.
func (s *Session) Close() {
	s.sub.Close()
}

// Self returns the local user.
func (s *Session) Self() models.Author {
	return s.cfg.Self
}

// ---------------------------------------------------------------------------
// Conversation lifecycle
// ---------------------------------------------------------------------------

// Open makes conversationID the current conversation, replacing any other,
// and loads its snapshot. Events that arrive during the load are held and
// applied after it. A failed load leaves the conversation open on live
// events only.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrEmptyConversation
	}

	st := store.New(conversationID, store.WithOnChange(s.notify))
	engineOpts := []reconcile.Option{reconcile.WithLogger(s.logger)}
	if s.cfg.Window > 0 {
		engineOpts = append(engineOpts, reconcile.WithWindow(s.cfg.Window))
	}
	engine := reconcile.New(st, engineOpts...)

	coordOpts := []coordinator.Option{coordinator.WithLogger(s.logger)}
	if s.cfg.Limiter != nil {
		coordOpts = append(coordOpts, coordinator.WithLimiter(s.cfg.Limiter))
	}
	c := &conversation{
		id:      conversationID,
		store:   st,
		engine:  engine,
		coord:   coordinator.New(st, engine, s.api, s.cfg.Self, coordOpts...),
		loading: true,
	}

	s.mu.Lock()
	prev := s.conv
	s.conv = c
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("leaving conversation", "conversationID", prev.id)
	}
	s.sub.SetTopic(conversationID)
	s.notify()

	return s.load(ctx, c)
}

// Switch is Open under the name the UI uses for navigation.
func (s *Session) Switch(ctx context.Context, conversationID string) error {
	return s.Open(ctx, conversationID)
}

// Leave closes the current conversation and unsubscribes from its topic.
// Writes still in flight for it settle against its own store only.
func (s *Session) Leave() {
	s.mu.Lock()
	s.conv = nil
	s.mu.Unlock()

	s.sub.SetTopic("")
	s.notify()
}

// Reload fetches the snapshot of the current conversation again and merges
// it into the store.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	c := s.conv
	if c != nil {
		c.loading = true
	}
	s.mu.Unlock()
	if c == nil {
		return ErrNoConversation
	}
	return s.load(ctx, c)
}

// load fetches the snapshot of c, merges it and replays held events.
func (s *Session) load(ctx context.Context, c *conversation) error {
	msgs, listErr := s.api.ListMessages(ctx, c.id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conv != c {
		return fmt.Errorf("%w: %s", ErrSwitched, c.id)
	}
	if listErr == nil {
		c.store.Load(msgs)
	}
	for _, ev := range c.pending {
		c.engine.Apply(ev)
	}
	c.pending = nil
	c.loading = false

	if listErr != nil {
		s.logger.Error("loading conversation failed", "conversationID", c.id, "error", listErr)
		return fmt.Errorf("loading conversation %s: %w", c.id, listErr)
	}
	s.logger.Debug("conversation loaded", "conversationID", c.id, "messages", len(msgs))
	return nil
}

// Deliver routes an inbound event to the current conversation. Events for
// other conversations are dropped.
func (s *Session) Deliver(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv
	if c == nil {
		return
	}
	if ev.ConversationID != "" && ev.ConversationID != c.id {
		s.logger.Debug("dropping event for other conversation",
			"event", ev.Type,
			"conversationID", ev.ConversationID,
			"current", c.id,
		)
		return
	}
	if c.loading {
		c.pending = append(c.pending, ev)
		return
	}
	c.engine.Apply(ev)
}

func (s *Session) handleState(st subscription.State) {
	switch st {
	case subscription.StateDisconnected, subscription.StateDegraded:
		s.mu.Lock()
		s.dropped = s.conv != nil
		s.mu.Unlock()
	case subscription.StateSubscribed:
		s.mu.Lock()
		resync := s.dropped && s.cfg.ResyncOnReconnect
		s.dropped = false
		s.mu.Unlock()
		if resync {
			go func() {
				if err := s.Reload(context.Background()); err != nil {
					s.logger.Warn("resync after reconnect failed", "error", err)
				}
			}()
		}
	}
	s.notify()
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// ConversationID returns the current conversation, or "" when none is open.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return ""
	}
	return s.conv.id
}

// Loading reports whether the current conversation's snapshot is loading.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv != nil && s.conv.loading
}

// Status returns the connectivity state and current conversation.
func (s *Session) Status() Status {
	st := Status{
		State:          s.sub.State(),
		ConversationID: s.ConversationID(),
	}
	if err := s.sub.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Snapshot returns the current conversation in display order.
func (s *Session) Snapshot() []models.View {
	c := s.current()
	if c == nil {
		return []models.View{}
	}
	return BuildViews(c.store, s.cfg.Self.ID)
}

// Watch returns a channel signalled after any change to the current
// conversation, a switch, or a connectivity change. Signals coalesce.
func (s *Session) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.wmu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	s.wmu.Unlock()

	return ch, func() {
		s.wmu.Lock()
		delete(s.watchers, id)
		s.wmu.Unlock()
	}
}

func (s *Session) notify() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) current() *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func (s *Session) writer() (*coordinator.Coordinator, error) {
	c := s.current()
	if c == nil {
		return nil, ErrNoConversation
	}
	return c.coord, nil
}

// Send posts a message to the current conversation.
func (s *Session) Send(ctx context.Context, in coordinator.SendInput) (*models.Message, error) {
	coord, err := s.writer()
	if err != nil {
		return nil, err
	}
	return coord.Send(ctx, in)
}

// Retry resends a failed message.
func (s *Session) Retry(ctx context.Context, id string) (*models.Message, error) {
	coord, err := s.writer()
	if err != nil {
		return nil, err
	}
	return coord.Retry(ctx, id)
}

// Dismiss drops a failed message.
func (s *Session) Dismiss(id string) error {
	coord, err := s.writer()
	if err != nil {
		return err
	}
	return coord.Dismiss(id)
}

// ToggleReaction toggles the local user's emoji reaction on a message.
func (s *Session) ToggleReaction(ctx context.Context, id, emoji string) error {
	coord, err := s.writer()
	if err != nil {
		return err
	}
	return coord.ToggleReaction(ctx, id, emoji)
}

// ToggleStar toggles the local user's star on a message.
func (s *Session) ToggleStar(ctx context.Context, id string) ([]string, error) {
	coord, err := s.writer()
	if err != nil {
		return nil, err
	}
	return coord.ToggleStar(ctx, id)
}

// Delete deletes a confirmed message.
func (s *Session) Delete(ctx context.Context, id string) error {
	coord, err := s.writer()
	if err != nil {
		return err
	}
	return coord.Delete(ctx, id)
}
