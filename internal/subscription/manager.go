package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/victorivanov/retrosync/internal/models"
)

const topicPrefix = "conversation:"

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultMaxAttempts    = 8
	releaseTimeout        = 2 * time.Second
)

var (
	// ErrDegraded is returned by Run when reconnecting gave up.
	ErrDegraded = errors.New("subscription: reconnect attempts exhausted")
	// ErrChannelClosed is reported when a channel ends without an error.
	ErrChannelClosed = errors.New("subscription: channel closed")
)

// Channel is one connection to the event source. A Channel is used for a
// single connection; the manager dials a new one to reconnect.
type Channel interface {
	// Connect opens the connection and returns once it is authenticated.
	Connect(ctx context.Context, token string) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	// Events is closed when the connection drops.
	Events() <-chan models.Event
	// Err returns why the connection dropped.
	Err() error
	Close() error
}

// DialFunc returns a fresh, unconnected Channel.
type DialFunc func() Channel

// Sink receives inbound events.
type Sink interface {
	Deliver(ev models.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev models.Event)

func (f SinkFunc) Deliver(ev models.Event) { f(ev) }

// Topic returns the channel topic of a conversation.
func Topic(conversationID string) string {
	return topicPrefix + conversationID
}

// ConversationOf returns the conversation id of a topic.
func ConversationOf(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	return id, ok && id != ""
}

// Config configures a Manager.
type Config struct {
	Token          string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts is the number of consecutive failed connections before the
	// manager reports degraded.
	MaxAttempts   int
	OnStateChange func(State)
	Logger        *slog.Logger
}

// Manager owns the connection lifecycle. It holds no message state.
type Manager struct {
	dial DialFunc
	sink Sink
	cfg  Config

	mu      sync.Mutex
	state   State
	topic   string
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}

	topicChanged chan struct{}
}

// NewManager creates a Manager. Run starts it.
func NewManager(dial DialFunc, sink Sink, cfg Config) *Manager {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		dial:         dial,
		sink:         sink,
		cfg:          cfg,
		state:        StateDisconnected,
		topicChanged: make(chan struct{}, 1),
	}
}

// State returns the current connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error that ended the most recent connection.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Topic returns the topic the manager keeps subscribed.
func (m *Manager) Topic() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topic
}

// SetTopic switches to a conversation's topic; an empty id leaves the
// current one. A connected manager resubscribes without reconnecting.
func (m *Manager) SetTopic(conversationID string) {
	topic := ""
	if conversationID != "" {
		topic = Topic(conversationID)
	}

	m.mu.Lock()
	m.topic = topic
	m.mu.Unlock()

	select {
	case m.topicChanged <- struct{}{}:
	default:
	}
}

// Run connects and keeps the topic subscribed until ctx is cancelled, Close
// is called, or reconnecting gives up with ErrDegraded.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	defer func() {
		cancel()
		close(done)
	}()

	backoff := m.cfg.InitialBackoff
	attempts := 0
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return ctx.Err()
		}

		established, err := m.runOnce(ctx)
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return ctx.Err()
		}

		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()

		if established {
			attempts = 0
			backoff = m.cfg.InitialBackoff
		}
		attempts++
		if attempts >= m.cfg.MaxAttempts {
			m.setState(StateDegraded)
			m.cfg.Logger.Error("giving up on event channel",
				"attempts", attempts,
				"error", err,
			)
			return fmt.Errorf("%w: %v", ErrDegraded, err)
		}

		m.setState(StateDisconnected)
		m.cfg.Logger.Warn("event channel disconnected",
			"attempt", attempts,
			"retryIn", backoff.String(),
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateDisconnected)
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < m.cfg.MaxBackoff {
			backoff *= 2
			if backoff > m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
			}
		}
	}
}

// Close stops Run and waits for it to release the channel.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// runOnce drives a single connection. It reports whether the connection
// authenticated and took its topic; a refused subscribe counts as a failed
// attempt.
func (m *Manager) runOnce(ctx context.Context) (bool, error) {
	m.setState(StateConnecting)
	ch := m.dial()

	if err := ch.Connect(ctx, m.cfg.Token); err != nil {
		ch.Close()
		return false, err
	}
	m.setState(StateAuthenticated)

	current := ""
	defer func() {
		if current != "" {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			if err := ch.Unsubscribe(rctx, current); err != nil {
				m.cfg.Logger.Debug("unsubscribe on release failed", "topic", current, "error", err)
			}
			cancel()
		}
		ch.Close()
	}()

	resubscribe := func() error {
		want := m.Topic()
		if want == current {
			return nil
		}
		if current != "" {
			if err := ch.Unsubscribe(ctx, current); err != nil {
				return fmt.Errorf("unsubscribe %s: %w", current, err)
			}
			current = ""
			m.setState(StateAuthenticated)
		}
		if want != "" {
			if err := ch.Subscribe(ctx, want); err != nil {
				return fmt.Errorf("subscribe %s: %w", want, err)
			}
			current = want
			m.setState(StateSubscribed)
		}
		return nil
	}

	if err := resubscribe(); err != nil {
		return false, err
	}

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-m.topicChanged:
			if err := resubscribe(); err != nil {
				return true, err
			}
		case ev, ok := <-events:
			if !ok {
				if err := ch.Err(); err != nil {
					return true, err
				}
				return true, ErrChannelClosed
			}
			m.sink.Deliver(ev)
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	hook := m.cfg.OnStateChange
	m.mu.Unlock()

	m.cfg.Logger.Debug("subscription state", "state", string(s))
	if hook != nil {
		hook(s)
	}
}
