package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/victorivanov/retrosync/internal/models"
)

// ---------------------------------------------------------------------------
// Fake channel
// ---------------------------------------------------------------------------

type fakeChannel struct {
	ConnectFn   func(ctx context.Context, token string) error
	SubscribeFn func(ctx context.Context, topic string) error

	mu      sync.Mutex
	token   string
	subs    []string
	unsubs  []string
	closed  bool
	events  chan models.Event
	dropErr error
	once    sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan models.Event, 16)}
}

func (f *fakeChannel) Connect(ctx context.Context, token string) error {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
	if f.ConnectFn != nil {
		return f.ConnectFn(ctx, token)
	}
	return nil
}

func (f *fakeChannel) Subscribe(ctx context.Context, topic string) error {
	if f.SubscribeFn != nil {
		if err := f.SubscribeFn(ctx, topic); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, topic)
	return nil
}

func (f *fakeChannel) Unsubscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, topic)
	return nil
}

func (f *fakeChannel) Events() <-chan models.Event { return f.events }

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropErr
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.drop(nil)
	return nil
}

func (f *fakeChannel) drop(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		if f.dropErr == nil {
			f.dropErr = err
		}
		f.mu.Unlock()
		close(f.events)
	})
}

func (f *fakeChannel) snapshot() (subs, unsubs []string, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...), append([]string(nil), f.unsubs...), f.closed
}

// dialer hands out channels in order and records them.
type dialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	next     func(n int) *fakeChannel
}

func (d *dialer) dial() Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ch *fakeChannel
	if d.next != nil {
		ch = d.next(len(d.channels))
	} else {
		ch = newFakeChannel()
	}
	d.channels = append(d.channels, ch)
	return ch
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *dialer) get(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[i]
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Deliver(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	return Config{
		Token:          "tok",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		MaxAttempts:    3,
	}
}

func start(t *testing.T, m *Manager) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()
	t.Cleanup(m.Close)
	return errCh
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestTopic(t *testing.T) {
	if got := Topic("42"); got != "conversation:42" {
		t.Fatalf("Topic = %q", got)
	}
	if id, ok := ConversationOf("conversation:42"); !ok || id != "42" {
		t.Fatalf("ConversationOf = %q, %v", id, ok)
	}
	if _, ok := ConversationOf("guild:1"); ok {
		t.Fatal("ConversationOf accepted foreign topic")
	}
}

func TestRun_SubscribesAndDelivers(t *testing.T) {
	d := &dialer{}
	sink := &recordingSink{}
	m := NewManager(d.dial, sink, testConfig())
	m.SetTopic("c1")
	start(t, m)

	waitFor(t, "subscribed", func() bool { return m.State() == StateSubscribed })
	ch := d.get(0)
	subs, _, _ := ch.snapshot()
	if len(subs) != 1 || subs[0] != "conversation:c1" {
		t.Fatalf("subs = %v, want [conversation:c1]", subs)
	}
	ch.mu.Lock()
	token := ch.token
	ch.mu.Unlock()
	if token != "tok" {
		t.Fatalf("token = %q, want tok", token)
	}

	ch.events <- models.Event{Type: models.EventMessageDeleted, ConversationID: "c1", MessageID: "m1"}
	waitFor(t, "event delivered", func() bool { return sink.len() == 1 })
}

func TestRun_ResubscribesAfterDrop(t *testing.T) {
	d := &dialer{}
	var states []State
	var mu sync.Mutex
	cfg := testConfig()
	cfg.OnStateChange = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	m := NewManager(d.dial, &recordingSink{}, cfg)
	m.SetTopic("c1")
	start(t, m)

	waitFor(t, "first subscription", func() bool { return m.State() == StateSubscribed })
	d.get(0).drop(errors.New("read: connection reset"))

	waitFor(t, "second connection", func() bool { return d.count() == 2 && m.State() == StateSubscribed })
	subs, _, _ := d.get(1).snapshot()
	if len(subs) != 1 || subs[0] != "conversation:c1" {
		t.Fatalf("subs after reconnect = %v, want [conversation:c1]", subs)
	}
	if _, _, closed := d.get(0).snapshot(); !closed {
		t.Fatal("dropped channel not closed")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateAuthenticated, StateSubscribed, StateDisconnected, StateConnecting, StateAuthenticated, StateSubscribed}
	if len(states) < len(want) {
		t.Fatalf("states = %v, want prefix %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want prefix %v", states, want)
		}
	}
}

func TestRun_DegradedAfterMaxAttempts(t *testing.T) {
	refused := errors.New("dial: connection refused")
	d := &dialer{next: func(int) *fakeChannel {
		ch := newFakeChannel()
		ch.ConnectFn = func(context.Context, string) error { return refused }
		return ch
	}}
	m := NewManager(d.dial, &recordingSink{}, testConfig())
	m.SetTopic("c1")

	err := m.Run(context.Background())
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("err = %v, want ErrDegraded", err)
	}
	if m.State() != StateDegraded {
		t.Fatalf("State = %s, want degraded", m.State())
	}
	if d.count() != 3 {
		t.Fatalf("dials = %d, want 3", d.count())
	}
	if !errors.Is(m.LastError(), refused) {
		t.Fatalf("LastError = %v, want %v", m.LastError(), refused)
	}
}

func TestRun_SubscriptionResetsAttempts(t *testing.T) {
	refused := errors.New("refused")
	// fail, fail, subscribe then drop, fail, stay up. Without the reset the
	// drop would be the third consecutive failure.
	d := &dialer{next: func(n int) *fakeChannel {
		ch := newFakeChannel()
		switch n {
		case 2:
			ch.drop(errors.New("reset"))
		case 4:
		default:
			ch.ConnectFn = func(context.Context, string) error { return refused }
		}
		return ch
	}}
	m := NewManager(d.dial, &recordingSink{}, testConfig())
	m.SetTopic("c1")
	start(t, m)

	waitFor(t, "fifth connection subscribed", func() bool { return d.count() == 5 && m.State() == StateSubscribed })
}

func TestRun_RefusedSubscribeDegrades(t *testing.T) {
	forbidden := errors.New("forbidden")
	d := &dialer{next: func(int) *fakeChannel {
		ch := newFakeChannel()
		ch.SubscribeFn = func(context.Context, string) error { return forbidden }
		return ch
	}}
	var mu sync.Mutex
	var states []State
	cfg := testConfig()
	cfg.OnStateChange = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	m := NewManager(d.dial, &recordingSink{}, cfg)
	m.SetTopic("c1")

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDegraded) {
			t.Fatalf("err = %v, want ErrDegraded", err)
		}
	case <-time.After(2 * time.Second):
		m.Close()
		t.Fatalf("still retrying after %d dials", d.count())
	}

	if m.State() != StateDegraded {
		t.Fatalf("State = %s, want degraded", m.State())
	}
	if d.count() != 3 {
		t.Fatalf("dials = %d, want 3", d.count())
	}
	if !errors.Is(m.LastError(), forbidden) {
		t.Fatalf("LastError = %v, want %v", m.LastError(), forbidden)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, s := range states {
		if s == StateSubscribed {
			t.Fatalf("states = %v, never expected subscribed", states)
		}
	}
}

func TestSetTopic_SwitchesWithoutReconnect(t *testing.T) {
	d := &dialer{}
	m := NewManager(d.dial, &recordingSink{}, testConfig())
	m.SetTopic("c1")
	start(t, m)
	waitFor(t, "subscribed", func() bool { return m.State() == StateSubscribed })

	m.SetTopic("c2")
	ch := d.get(0)
	waitFor(t, "switch", func() bool {
		subs, _, _ := ch.snapshot()
		return len(subs) == 2
	})

	subs, unsubs, _ := ch.snapshot()
	if subs[1] != "conversation:c2" {
		t.Fatalf("subs = %v, want c2 second", subs)
	}
	if len(unsubs) != 1 || unsubs[0] != "conversation:c1" {
		t.Fatalf("unsubs = %v, want [conversation:c1]", unsubs)
	}
	if d.count() != 1 {
		t.Fatalf("dials = %d, want 1", d.count())
	}
}

func TestSetTopic_EmptyLeaves(t *testing.T) {
	d := &dialer{}
	m := NewManager(d.dial, &recordingSink{}, testConfig())
	m.SetTopic("c1")
	start(t, m)
	waitFor(t, "subscribed", func() bool { return m.State() == StateSubscribed })

	m.SetTopic("")
	waitFor(t, "authenticated", func() bool { return m.State() == StateAuthenticated })
	_, unsubs, _ := d.get(0).snapshot()
	if len(unsubs) != 1 {
		t.Fatalf("unsubs = %v, want one", unsubs)
	}
}

func TestSubscribeFailureReconnects(t *testing.T) {
	d := &dialer{next: func(n int) *fakeChannel {
		ch := newFakeChannel()
		if n == 0 {
			ch.SubscribeFn = func(context.Context, string) error { return errors.New("forbidden") }
		}
		return ch
	}}
	m := NewManager(d.dial, &recordingSink{}, testConfig())
	m.SetTopic("c1")
	start(t, m)

	waitFor(t, "second connection subscribed", func() bool { return d.count() == 2 && m.State() == StateSubscribed })
	if _, _, closed := d.get(0).snapshot(); !closed {
		t.Fatal("first channel not closed")
	}
}

func TestClose_ReleasesSubscription(t *testing.T) {
	d := &dialer{}
	m := NewManager(d.dial, &recordingSink{}, testConfig())
	m.SetTopic("c1")
	errCh := start(t, m)
	waitFor(t, "subscribed", func() bool { return m.State() == StateSubscribed })

	m.Close()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	_, unsubs, closed := d.get(0).snapshot()
	if len(unsubs) != 1 || unsubs[0] != "conversation:c1" {
		t.Fatalf("unsubs = %v, want [conversation:c1]", unsubs)
	}
	if !closed {
		t.Fatal("channel not closed")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("State = %s, want disconnected", m.State())
	}
}

func TestClose_BeforeRun(t *testing.T) {
	m := NewManager((&dialer{}).dial, &recordingSink{}, testConfig())
	m.Close()
	if m.State() != StateDisconnected {
		t.Fatalf("State = %s", m.State())
	}
}
