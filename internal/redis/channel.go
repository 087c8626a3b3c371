package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/victorivanov/retrosync/internal/models"
)

// ErrClosed is reported by a Channel after Close.
var ErrClosed = errors.New("redis: channel closed")

const eventBufferSize = 256

// Authenticator resolves an access token to a user id.
type Authenticator func(token string) (string, error)

// Channel receives conversation events relayed over Redis pub/sub. Topics
// map one to one onto Redis channels.
type Channel struct {
	client *Client
	auth   Authenticator
	logger *slog.Logger

	pubsub    *goredis.PubSub
	events    chan models.Event
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	userID string
}

// NewChannel returns an unconnected Channel. auth may be nil to accept any
// token.
func (c *Client) NewChannel(auth Authenticator, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		client: c,
		auth:   auth,
		logger: logger,
		events: make(chan models.Event, eventBufferSize),
		done:   make(chan struct{}),
	}
}

// Connect checks the token and the Redis connection and starts receiving.
func (ch *Channel) Connect(ctx context.Context, token string) error {
	if ch.auth != nil {
		userID, err := ch.auth(token)
		if err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
		ch.mu.Lock()
		ch.userID = userID
		ch.mu.Unlock()
	}
	if err := ch.client.Ping(ctx); err != nil {
		return err
	}

	ch.pubsub = ch.client.rdb.Subscribe(ctx)
	go ch.receive()
	return nil
}

// UserID returns the user id the token resolved to.
func (ch *Channel) UserID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.userID
}

// Subscribe starts relaying a topic.
func (ch *Channel) Subscribe(ctx context.Context, topic string) error {
	if ch.pubsub == nil {
		return ErrClosed
	}
	select {
	case <-ch.done:
		return ErrClosed
	default:
	}
	if err := ch.pubsub.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe stops relaying a topic.
func (ch *Channel) Unsubscribe(ctx context.Context, topic string) error {
	if ch.pubsub == nil {
		return ErrClosed
	}
	select {
	case <-ch.done:
		return ErrClosed
	default:
	}
	if err := ch.pubsub.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", topic, err)
	}
	return nil
}

// Events returns received events. It is closed when the channel ends.
func (ch *Channel) Events() <-chan models.Event {
	return ch.events
}

// Err returns why the channel ended.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

// Close ends the channel.
func (ch *Channel) Close() error {
	ch.fail(ErrClosed)
	return nil
}

func (ch *Channel) fail(err error) {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.err = err
		ch.mu.Unlock()
		close(ch.done)
		if ch.pubsub != nil {
			_ = ch.pubsub.Close()
		}
	})
}

func (ch *Channel) receive() {
	defer close(ch.events)

	ctx := context.Background()
	for {
		msg, err := ch.pubsub.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-ch.done:
			default:
				ch.logger.Warn("redis receive failed", "error", err)
				ch.fail(err)
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			ch.logger.Warn("dropping invalid event", "topic", msg.Channel, "error", err)
			continue
		}
		select {
		case ch.events <- ev:
		case <-ch.done:
			return
		}
	}
}
