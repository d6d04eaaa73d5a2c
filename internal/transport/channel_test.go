package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rbarroso/converse/internal/bus"
	"github.com/rbarroso/converse/internal/creds"
	"github.com/rbarroso/converse/internal/status"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu     sync.Mutex
	wrote  []Frame
	in     chan *Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *Frame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (*Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrote = append(c.wrote, *f)
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a frame as if the server sent it.
func (c *fakeConn) push(f *Frame) { c.in <- f }

func (c *fakeConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.wrote))
	copy(out, c.wrote)
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int // fail this many dials before succeeding
	dials    int
	conns    []*fakeConn
	headers  []http.Header
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.headers = append(d.headers, header)
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestChannel(t *testing.T, d *fakeDialer) (*Channel, *creds.Source, *status.Machine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := status.NewMachine(b)
	cs := creds.NewSource(nil)
	cs.SetToken("test-token")
	ch := New(Config{
		Endpoint:             "ws://test/realtime",
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}, d, cs, m, b, zap.NewNop())
	t.Cleanup(ch.Close)
	return ch, cs, m, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectRequiresCredential(t *testing.T) {
	d := &fakeDialer{}
	ch, cs, _, _ := newTestChannel(t, d)
	cs.Clear()

	if err := ch.Connect(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Connect() error = %v, want ErrNoCredential", err)
	}
	if d.dialCount() != 0 {
		t.Errorf("dials = %d, want 0", d.dialCount())
	}
}

func TestConnectAndPublish(t *testing.T) {
	d := &fakeDialer{}
	ch, _, m, _ := newTestChannel(t, d)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !ch.Connected() {
		t.Error("Connected() = false")
	}
	if m.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", m.Current())
	}
	if got := d.headers[0].Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("Authorization = %q", got)
	}

	if err := ch.Publish("c1", "hello"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	frames := d.last().frames()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	f := frames[0]
	if f.Op != opSend || f.ConversationID != "c1" || f.Body != "hello" {
		t.Errorf("frame = %+v", f)
	}
}

func TestConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	ch, _, _, _ := newTestChannel(t, d)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ch.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() error = %v, want nil", err)
	}
	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
}

func TestPublishDisconnected(t *testing.T) {
	d := &fakeDialer{}
	ch, _, _, _ := newTestChannel(t, d)

	if err := ch.Publish("c1", "hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestSendTypingDisconnectedSilent(t *testing.T) {
	d := &fakeDialer{}
	ch, _, _, _ := newTestChannel(t, d)

	// Must not panic or error.
	ch.SendTyping("c1", "user-1", true)
}

func TestSubscribeDispatch(t *testing.T) {
	d := &fakeDialer{}
	ch, _, _, _ := newTestChannel(t, d)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := make(chan json.RawMessage, 1)
	ch.SubscribeMessages("c1", func(p json.RawMessage) { got <- p })

	conn := d.last()
	conn.push(&Frame{Op: opEvent, Channel: TopicMessages, ConversationID: "c2",
		Payload: json.RawMessage(`{"id":"other"}`)})
	conn.push(&Frame{Op: opEvent, Channel: TopicMessages, ConversationID: "c1",
		Payload: json.RawMessage(`{"id":"m1"}`)})

	select {
	case p := <-got:
		if string(p) != `{"id":"m1"}` {
			t.Errorf("payload = %s", p)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
	select {
	case p := <-got:
		t.Errorf("unexpected second dispatch: %s", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeWhileDisconnectedIgnored(t *testing.T) {
	d := &fakeDialer{}
	ch, _, _, _ := newTestChannel(t, d)

	called := false
	ch.SubscribeMessages("c1", func(json.RawMessage) { called = true })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// No replay frames: the pre-connect subscribe was dropped.
	if frames := d.last().frames(); len(frames) != 0 {
		t.Errorf("replayed %d frames for dropped subscription", len(frames))
	}
	d.last().push(&Frame{Op: opEvent, Channel: TopicMessages, ConversationID: "c1"})
	time.Sleep(50 * time.Millisecond)
	if called {
		t.Error("handler invoked for subscription made while disconnected")
	}
}

func TestResubscribeReplacesHandler(t *testing.T) {
	d := &fakeDialer{}
	ch, _, _, _ := newTestChannel(t, d)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	ch.SubscribeMessages("c1", func(json.RawMessage) { first <- struct{}{} })
	ch.SubscribeMessages("c1", func(json.RawMessage) { second <- struct{}{} })

	d.last().push(&Frame{Op: opEvent, Channel: TopicMessages, ConversationID: "c1"})

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement handler not invoked")
	}
	select {
	case <-first:
		t.Error("replaced handler still invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	d := &fakeDialer{}
	ch, _, _, _ := newTestChannel(t, d)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := make(chan struct{}, 1)
	ch.SubscribeMessages("c1", func(json.RawMessage) { got <- struct{}{} })
	ch.UnsubscribeMessages("c1")
	// Absent unsubscribe is safe and writes nothing.
	ch.UnsubscribeTyping("c1")

	conn := d.last()
	frames := conn.frames()
	// subscribe + unsubscribe for the message topic only.
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2: %+v", len(frames), frames)
	}
	if frames[1].Op != opUnsubscribe || frames[1].Channel != TopicMessages {
		t.Errorf("frame = %+v", frames[1])
	}

	conn.push(&Frame{Op: opEvent, Channel: TopicMessages, ConversationID: "c1"})
	select {
	case <-got:
		t.Error("handler invoked after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestReconnectReplaysSubscriptions covers the connection-flap scenario:
// an unexpected drop must be healed within the retry budget and every
// registered subscription re-established on the new connection.
func TestReconnectReplaysSubscriptions(t *testing.T) {
	d := &fakeDialer{}
	ch, _, m, b := newTestChannel(t, d)

	resub, unsub := b.Subscribe(bus.KindLinkResubscribed, 1)
	defer unsub()

	var mu sync.Mutex
	var transitions []bool
	ch.OnConnectionChange(func(connected bool) {
		mu.Lock()
		transitions = append(transitions, connected)
		mu.Unlock()
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch.SubscribeMessages("c1", func(json.RawMessage) {})
	ch.SubscribeTyping("c1", func(json.RawMessage) {})

	first := d.last()
	_ = first.Close() // unexpected drop

	waitFor(t, 2*time.Second, func() bool { return d.dialCount() >= 2 && ch.Connected() })
	if m.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", m.Current())
	}

	replayed := d.last().frames()
	var msgSub, typSub bool
	for _, f := range replayed {
		if f.Op == opSubscribe && f.ConversationID == "c1" {
			switch f.Channel {
			case TopicMessages:
				msgSub = true
			case TopicTyping:
				typSub = true
			}
		}
	}
	if !msgSub || !typSub {
		t.Errorf("replayed frames = %+v, want both c1 subscriptions", replayed)
	}

	select {
	case evt := <-resub:
		convs, ok := evt.Payload.([]string)
		if !ok || len(convs) != 1 || convs[0] != "c1" {
			t.Errorf("resubscribed payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no link.resubscribed event")
	}

	mu.Lock()
	defer mu.Unlock()
	// Immediate replay (false), connect (true), drop (false), recover (true).
	want := []bool{false, true, false, true}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestReconnectExhausted(t *testing.T) {
	d := &fakeDialer{}
	ch, _, m, _ := newTestChannel(t, d)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.failures = 100 // every retry fails
	d.mu.Unlock()

	_ = d.last().Close()

	waitFor(t, 2*time.Second, func() bool { return m.Current() == status.Disconnected })
	// Initial dial plus the bounded retry budget.
	if got := d.dialCount(); got != 1+3 {
		t.Errorf("dials = %d, want 4", got)
	}
	if ch.Connected() {
		t.Error("Connected() = true after exhaustion")
	}
}

func TestCloseClearsSubscriptions(t *testing.T) {
	d := &fakeDialer{}
	ch, _, m, _ := newTestChannel(t, d)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch.SubscribeMessages("c1", func(json.RawMessage) {})
	ch.Close()
	ch.Close() // idempotent

	if ch.Connected() {
		t.Error("Connected() = true after Close")
	}
	if m.Current() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.Current())
	}

	// An intentional disconnect tears down subscriptions: nothing is
	// replayed on the next connect.
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if frames := d.last().frames(); len(frames) != 0 {
		t.Errorf("replayed %d frames after Close", len(frames))
	}
}

func TestOnConnectionChangeImmediate(t *testing.T) {
	d := &fakeDialer{}
	ch, _, _, _ := newTestChannel(t, d)

	got := make(chan bool, 4)
	id := ch.OnConnectionChange(func(connected bool) { got <- connected })

	if v := <-got; v {
		t.Error("immediate replay = true, want false while disconnected")
	}
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-got:
		if !v {
			t.Error("got false on connect")
		}
	case <-time.After(time.Second):
		t.Fatal("listener not notified on connect")
	}

	ch.OffConnectionChange(id)
	ch.Close()
	select {
	case v := <-got:
		t.Errorf("removed listener notified with %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}
