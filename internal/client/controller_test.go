package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbarroso/converse/internal/api"
	"github.com/rbarroso/converse/internal/bus"
	"github.com/rbarroso/converse/internal/creds"
	"github.com/rbarroso/converse/internal/model"
	"github.com/rbarroso/converse/internal/send"
	"github.com/rbarroso/converse/internal/store"
	"github.com/rbarroso/converse/internal/transport"
	"github.com/rbarroso/converse/internal/typing"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	mu        sync.Mutex
	convs     []model.RawConversation
	pages     map[string]*api.MessagePage
	pageCalls map[string]int
	listCalls int
	listBlock chan struct{} // non-nil: ListConversations waits on it
}

func (f *fakeFetcher) ListConversations(context.Context) ([]model.RawConversation, error) {
	f.mu.Lock()
	f.listCalls++
	block := f.listBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs, nil
}

func (f *fakeFetcher) setConvs(convs []model.RawConversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = convs
}

func (f *fakeFetcher) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeFetcher) FetchMessagePage(_ context.Context, conversationID string, _, _ int) (*api.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageCalls == nil {
		f.pageCalls = make(map[string]int)
	}
	f.pageCalls[conversationID]++
	if p := f.pages[conversationID]; p != nil {
		return p, nil
	}
	return &api.MessagePage{TotalPages: 1}, nil
}

func (f *fakeFetcher) calls(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageCalls[conversationID]
}

type fakeLink struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	closes     int
	msgSubs    map[string]transport.Handler
	typingSubs map[string]transport.Handler
	unsubs     []string
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		msgSubs:    make(map[string]transport.Handler),
		typingSubs: make(map[string]transport.Handler),
	}
}

func (l *fakeLink) Connect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	return l.connectErr
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
}

func (l *fakeLink) SubscribeMessages(conversationID string, h transport.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgSubs[conversationID] = h
}

func (l *fakeLink) SubscribeTyping(conversationID string, h transport.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.typingSubs[conversationID] = h
}

func (l *fakeLink) UnsubscribeMessages(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.msgSubs, conversationID)
	l.unsubs = append(l.unsubs, conversationID)
}

func (l *fakeLink) UnsubscribeTyping(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.typingSubs, conversationID)
	l.unsubs = append(l.unsubs, conversationID)
}

func (l *fakeLink) unsubscribed(conversationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, id := range l.unsubs {
		if id == conversationID {
			n++
		}
	}
	return n
}

func (l *fakeLink) typingHandler(conversationID string) transport.Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.typingSubs[conversationID]
}

func (l *fakeLink) messageHandler(conversationID string) transport.Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.msgSubs[conversationID]
}

func (l *fakeLink) subCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgSubs) + len(l.typingSubs)
}

type fakeMarks struct {
	mu     sync.Mutex
	err    error
	marked [][]string
}

func (m *fakeMarks) MarkRead(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.marked = append(m.marked, ids)
	return nil
}

type fakePublisher struct{}

func (fakePublisher) Connected() bool           { return false }
func (fakePublisher) Publish(_, _ string) error { return errors.New("not connected") }

type fakeDurable struct{}

func (fakeDurable) SendMessage(_ context.Context, conversationID, body string) (*model.RawMessage, error) {
	return &model.RawMessage{
		ID: "srv-1", ConversationID: model.FlexID(conversationID),
		SenderID: "user-1", Body: body,
	}, nil
}

func (fakeDurable) EditMessage(context.Context, string, string) error { return nil }
func (fakeDurable) DeleteMessage(context.Context, string) error       { return nil }

type harness struct {
	ctrl    *Controller
	store   *store.Store
	fetcher *fakeFetcher
	link    *fakeLink
	marks   *fakeMarks
	creds   *creds.Source
	bus     *bus.Bus
	agg     *typing.Aggregator
}

func newHarness(t *testing.T, f *fakeFetcher) *harness {
	t.Helper()
	logger := zap.NewNop()
	b := bus.New()
	cs := creds.NewSource(b)
	st := store.New(store.Config{SelfID: "user-1"}, f, nil, b, logger)
	link := newFakeLink()
	marks := &fakeMarks{}
	coord := send.New(fakePublisher{}, fakeDurable{}, st, b, logger)
	agg := typing.NewAggregator("user-1", b, logger)
	not := typing.NewNotifier("user-1", link2sender{})

	ctrl := NewController(st, link, marks, coord, agg, not, cs, b, nil, logger)
	t.Cleanup(ctrl.Stop)
	return &harness{ctrl: ctrl, store: st, fetcher: f, link: link, marks: marks, creds: cs, bus: b, agg: agg}
}

type link2sender struct{}

func (link2sender) SendTyping(_, _ string, _ bool) {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func twoConvFetcher() *fakeFetcher {
	return &fakeFetcher{
		convs: []model.RawConversation{
			{ID: "c1", Name: "ops", Type: "group"},
			{ID: "c2", Name: "dev", Type: "group"},
		},
		pages: map[string]*api.MessagePage{
			"c1": {Items: []model.RawMessage{
				{ID: "m1", SenderID: "user-2", Body: "hi", CreatedAt: 1_700_000_000_100},
			}, TotalPages: 1},
		},
	}
}

func TestControllerSyncsOnStartWithCredential(t *testing.T) {
	h := newHarness(t, twoConvFetcher())
	h.creds.SetToken("tok")

	h.ctrl.Start()

	waitFor(t, func() bool { return h.link.subCount() == 4 })
	if len(h.store.Conversations()) != 2 {
		t.Errorf("conversations = %d", len(h.store.Conversations()))
	}
	// m1 was fetched, acknowledged and the counter cleared.
	waitFor(t, func() bool {
		c, ok := h.store.Conversation("c1")
		return ok && c.UnreadCount == 0
	})
	h.marks.mu.Lock()
	defer h.marks.mu.Unlock()
	if len(h.marks.marked) != 1 || h.marks.marked[0][0] != "m1" {
		t.Errorf("marked = %v", h.marks.marked)
	}
}

func TestControllerWaitsForCredential(t *testing.T) {
	h := newHarness(t, twoConvFetcher())
	h.ctrl.Start()

	time.Sleep(30 * time.Millisecond)
	h.link.mu.Lock()
	connects := h.link.connects
	h.link.mu.Unlock()
	if connects != 0 {
		t.Fatal("connected without a credential")
	}

	// Login triggers the full sync.
	h.creds.SetToken("tok")
	waitFor(t, func() bool { return h.link.subCount() == 4 })
}

func TestControllerClosesLinkOnLogout(t *testing.T) {
	h := newHarness(t, twoConvFetcher())
	h.creds.SetToken("tok")
	h.ctrl.Start()
	waitFor(t, func() bool { return h.link.subCount() == 4 })

	h.creds.Clear()
	waitFor(t, func() bool {
		h.link.mu.Lock()
		defer h.link.mu.Unlock()
		return h.link.closes >= 1
	})
}

func TestControllerRoutesIncomingMessages(t *testing.T) {
	h := newHarness(t, twoConvFetcher())
	h.creds.SetToken("tok")
	h.ctrl.Start()
	waitFor(t, func() bool { return h.link.messageHandler("c2") != nil })

	payload := json.RawMessage(fmt.Sprintf(
		`{"id": "m9", "senderId": "user-2", "body": "pushed", "createdAt": %d}`,
		int64(1_700_000_000_500)))
	h.link.messageHandler("c2")(payload)

	msgs := h.store.Messages("c2")
	if len(msgs) != 1 || msgs[0].ID != "m9" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestControllerRefetchesAfterResubscribe(t *testing.T) {
	h := newHarness(t, twoConvFetcher())
	h.creds.SetToken("tok")
	h.ctrl.Start()
	waitFor(t, func() bool { return h.fetcher.calls("c1") == 1 })

	h.bus.Emit(bus.KindLinkResubscribed, []string{"c1"})
	waitFor(t, func() bool { return h.fetcher.calls("c1") == 2 })
}

func TestControllerConnectFailureStillLoads(t *testing.T) {
	h := newHarness(t, twoConvFetcher())
	h.link.connectErr = errors.New("dial failed")
	h.creds.SetToken("tok")
	h.ctrl.Start()

	// The durable path works without the realtime link.
	waitFor(t, func() bool { return len(h.store.Conversations()) == 2 })
}

func TestControllerSendClearsTyping(t *testing.T) {
	h := newHarness(t, twoConvFetcher())
	h.creds.SetToken("tok")
	h.ctrl.Start()
	waitFor(t, func() bool { return len(h.store.Conversations()) == 2 })

	id, err := h.ctrl.SendMessage(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	// Disconnected publisher falls back to the durable path, which
	// resolves the provisional record.
	found := false
	for _, m := range h.store.Messages("c1") {
		if m.ID == "srv-1" && m.DeliveryState == model.Delivered {
			found = true
		}
		if m.ID == id {
			t.Errorf("provisional %s still present", id)
		}
	}
	if !found {
		t.Errorf("messages = %v", h.store.Messages("c1"))
	}
}

func TestControllerDetachesDepartedConversations(t *testing.T) {
	h := newHarness(t, twoConvFetcher())
	h.creds.SetToken("tok")
	h.ctrl.Start()
	waitFor(t, func() bool { return h.link.subCount() == 4 })

	h.link.typingHandler("c2")(json.RawMessage(`{"userId": "user-2", "typing": true}`))
	waitFor(t, func() bool { return len(h.agg.TypingUsers("c2")) == 1 })

	// c2 is gone from the next listing; the resync must tear it down.
	h.fetcher.setConvs([]model.RawConversation{{ID: "c1", Name: "ops", Type: "group"}})
	h.creds.SetToken("tok2")

	waitFor(t, func() bool { return h.link.unsubscribed("c2") == 2 })
	if h.link.messageHandler("c2") != nil || h.link.typingHandler("c2") != nil {
		t.Error("c2 handlers still registered")
	}
	if users := h.agg.TypingUsers("c2"); len(users) != 0 {
		t.Errorf("typing users = %v", users)
	}
	if h.link.unsubscribed("c1") != 0 {
		t.Error("c1 was detached")
	}
}

func TestControllerStopWaitsForSync(t *testing.T) {
	f := twoConvFetcher()
	f.listBlock = make(chan struct{})
	h := newHarness(t, f)
	h.creds.SetToken("tok")
	h.ctrl.Start()
	waitFor(t, func() bool { return h.fetcher.lists() == 1 })

	done := make(chan struct{})
	go func() {
		h.ctrl.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned while a sync was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(f.listBlock)
	waitFor(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})
}
