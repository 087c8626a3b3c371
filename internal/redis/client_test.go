package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/subscription"
)

var _ subscription.Channel = (*Channel)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := NewClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("creating test redis client: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func testAuth(token string) (string, error) {
	if token == "bad" {
		return "", errors.New("invalid token")
	}
	return "u-" + token, nil
}

func connectChannel(t *testing.T, rdb *Client) *Channel {
	t.Helper()
	ch := rdb.NewChannel(testAuth, nil)
	if err := ch.Connect(context.Background(), "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

// publishUntilReceived retries until the subscription is active on the server.
func publishUntilReceived(t *testing.T, rdb *Client, topic string, ev models.Event) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := rdb.Publish(context.Background(), topic, ev)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no subscriber on %s", topic)
}

func nextEvent(t *testing.T, ch *Channel) models.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatalf("events closed: %v", ch.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.Event{}
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

func TestNewClient_InvalidURL(t *testing.T) {
	if _, err := NewClient("not a url"); err == nil {
		t.Fatal("expected error")
	}
}

func TestPing(t *testing.T) {
	rdb, _ := newTestRedis(t)
	if err := rdb.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestCheckRateLimit(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		w, err := rdb.CheckRateLimit(ctx, "rl:test", 3, time.Minute)
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		if !w.Allowed {
			t.Fatalf("hit %d limited, want allowed", i)
		}
		if w.Remaining != 3-i {
			t.Fatalf("hit %d: remaining = %d, want %d", i, w.Remaining, 3-i)
		}
		if w.ResetIn <= 0 || w.ResetIn > time.Minute {
			t.Fatalf("hit %d: reset in %v, want within the window", i, w.ResetIn)
		}
	}

	w, err := rdb.CheckRateLimit(ctx, "rl:test", 3, time.Minute)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if w.Allowed || w.Remaining != 0 {
		t.Fatalf("4th hit = %+v, want limited with nothing remaining", w)
	}

	mr.FastForward(time.Minute + time.Second)
	if w, _ := rdb.CheckRateLimit(ctx, "rl:test", 3, time.Minute); !w.Allowed {
		t.Fatal("hit after the window limited, want allowed")
	}
}

// ---------------------------------------------------------------------------
// Channel
// ---------------------------------------------------------------------------

func TestChannel_ConnectRejectsBadToken(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ch := rdb.NewChannel(testAuth, nil)
	defer ch.Close()
	if err := ch.Connect(context.Background(), "bad"); err == nil {
		t.Fatal("expected error")
	}
}

func TestChannel_ConnectRecordsUser(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ch := connectChannel(t, rdb)
	if ch.UserID() != "u-alice" {
		t.Fatalf("UserID = %q, want u-alice", ch.UserID())
	}
}

func TestChannel_RelaysSubscribedTopic(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ch := connectChannel(t, rdb)

	if err := ch.Subscribe(context.Background(), "conversation:c1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := models.Event{
		Type:           models.EventStarUpdated,
		ConversationID: "c1",
		MessageID:      "m1",
		StarredBy:      []string{"u1"},
	}
	publishUntilReceived(t, rdb, "conversation:c1", want)

	got := nextEvent(t, ch)
	if got.Type != want.Type || got.MessageID != "m1" || len(got.StarredBy) != 1 {
		t.Fatalf("event = %+v, want %+v", got, want)
	}
}

func TestChannel_Unsubscribe(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ch := connectChannel(t, rdb)
	ctx := context.Background()

	_ = ch.Subscribe(ctx, "conversation:c1")
	publishUntilReceived(t, rdb, "conversation:c1", models.Event{Type: models.EventMessageDeleted, ConversationID: "c1", MessageID: "m1"})
	nextEvent(t, ch)

	if err := ch.Unsubscribe(ctx, "conversation:c1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, _ := rdb.Publish(ctx, "conversation:c1", models.Event{Type: models.EventMessageDeleted, ConversationID: "c1", MessageID: "m2"})
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("still subscribed after Unsubscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChannel_Close(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ch := connectChannel(t, rdb)

	ch.Close()
	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Fatal("received event after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}
	if !errors.Is(ch.Err(), ErrClosed) {
		t.Fatalf("Err = %v, want ErrClosed", ch.Err())
	}
	if err := ch.Subscribe(context.Background(), "conversation:c1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close = %v, want ErrClosed", err)
	}
}
