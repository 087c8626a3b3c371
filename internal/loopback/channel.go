package loopback

import (
	"context"
	"errors"

	"github.com/victorivanov/retrosync/internal/models"
)

var (
	ErrChannelClosed = errors.New("loopback: channel closed")
	ErrNotConnected  = errors.New("loopback: channel not connected")
	ErrSlowConsumer  = errors.New("loopback: event buffer full")
)

// Channel is an in-process event channel connected to a Backend.
type Channel struct {
	backend *Backend
	events  chan models.Event

	// Guarded by backend.mu.
	userID    string
	topics    map[string]struct{}
	connected bool
	closed    bool
	err       error
}

// Dial returns an unconnected channel.
func (b *Backend) Dial() *Channel {
	return &Channel{
		backend: b,
		events:  make(chan models.Event, eventBufferSize),
		topics:  make(map[string]struct{}),
	}
}

// Connect authenticates token and registers the channel.
func (c *Channel) Connect(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID, err := c.backend.Authenticate(token)
	if err != nil {
		return err
	}

	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.userID = userID
	c.connected = true
	b.channels[c] = struct{}{}
	return nil
}

// UserID returns the authenticated user.
func (c *Channel) UserID() string {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.userID
}

func (c *Channel) Subscribe(_ context.Context, topic string) error {
	return c.setTopic(topic, true)
}

func (c *Channel) Unsubscribe(_ context.Context, topic string) error {
	return c.setTopic(topic, false)
}

func (c *Channel) setTopic(topic string, on bool) error {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case c.closed:
		return ErrChannelClosed
	case !c.connected:
		return ErrNotConnected
	}
	if on {
		c.topics[topic] = struct{}{}
	} else {
		delete(c.topics, topic)
	}
	return nil
}

func (c *Channel) Events() <-chan models.Event { return c.events }

func (c *Channel) Err() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.err
}

func (c *Channel) Close() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.dropLocked(nil)
	return nil
}

// Subscribed reports whether the channel receives topic.
func (c *Channel) Subscribed(topic string) bool {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Channel) deliverLocked(topic string, ev models.Event) {
	if c.closed {
		return
	}
	if _, ok := c.topics[topic]; !ok {
		return
	}
	if ev.Message != nil {
		m := ev.Message.Clone()
		ev.Message = &m
	}
	select {
	case c.events <- ev:
	default:
		c.dropLocked(ErrSlowConsumer)
	}
}

func (c *Channel) dropLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.connected = false
	c.err = err
	delete(c.backend.channels, c)
	close(c.events)
}

