// Package typing tracks who is typing where. The Aggregator folds
// incoming typing signals into per-conversation sets with an expiry, and
// the Notifier throttles the signals we send for our own keystrokes.
package typing

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rbarroso/converse/internal/bus"
	"go.uber.org/zap"
)

// TTL is how long a typing signal stays active without a refresh. Peers
// that drop off without sending a stop signal age out on their own.
const TTL = 6 * time.Second

// Change is the payload published on typing state transitions.
type Change struct {
	ConversationID string
	UserIDs        []string
}

// event is the wire shape of an incoming typing signal.
type event struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type timerKey struct {
	conversationID string
	userID         string
}

// timerEntry pairs the expiry timer with a generation so a callback that
// was already queued when the timer was refreshed can tell it is stale.
type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
	ttl    time.Duration

	mu     sync.Mutex
	active map[string]map[string]struct{}
	timers map[timerKey]*timerEntry
	closed bool
}

func NewAggregator(selfID string, b *bus.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		bus:    b,
		logger: logger,
		selfID: selfID,
		ttl:    TTL,
		active: make(map[string]map[string]struct{}),
		timers: make(map[timerKey]*timerEntry),
	}
}

// HandleEvent folds one raw typing payload into the conversation's set.
// Signals about ourselves are ignored; our own state is local. Repeated
// start signals refresh the expiry without re-announcing.
func (a *Aggregator) HandleEvent(conversationID string, payload json.RawMessage) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.UserID == "" {
		a.logger.Warn("dropping unusable typing payload",
			zap.String("conversation", conversationID))
		return
	}
	if ev.UserID == a.selfID {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	changed := false
	if ev.Typing {
		changed = a.startLocked(conversationID, ev.UserID)
		a.armLocked(conversationID, ev.UserID)
	} else {
		changed = a.stopLocked(conversationID, ev.UserID)
	}
	users := a.usersLocked(conversationID)
	a.mu.Unlock()

	if changed {
		a.bus.Emit(bus.KindTypingChanged, Change{
			ConversationID: conversationID, UserIDs: users,
		})
	}
}

// TypingUsers returns the ids currently typing in a conversation, sorted.
func (a *Aggregator) TypingUsers(conversationID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usersLocked(conversationID)
}

// ClearConversation drops all typing state for one conversation, used
// when unsubscribing from it.
func (a *Aggregator) ClearConversation(conversationID string) {
	a.mu.Lock()
	for userID := range a.active[conversationID] {
		key := timerKey{conversationID, userID}
		if e := a.timers[key]; e != nil {
			e.timer.Stop()
			delete(a.timers, key)
		}
	}
	delete(a.active, conversationID)
	a.mu.Unlock()
}

// Stop cancels every expiry timer. The aggregator is unusable after.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for _, e := range a.timers {
		e.timer.Stop()
	}
	a.timers = make(map[timerKey]*timerEntry)
	a.active = make(map[string]map[string]struct{})
}

func (a *Aggregator) startLocked(conversationID, userID string) bool {
	set := a.active[conversationID]
	if set == nil {
		set = make(map[string]struct{})
		a.active[conversationID] = set
	}
	if _, ok := set[userID]; ok {
		return false
	}
	set[userID] = struct{}{}
	return true
}

func (a *Aggregator) stopLocked(conversationID, userID string) bool {
	key := timerKey{conversationID, userID}
	if e := a.timers[key]; e != nil {
		e.timer.Stop()
		delete(a.timers, key)
	}
	set := a.active[conversationID]
	if _, ok := set[userID]; !ok {
		return false
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(a.active, conversationID)
	}
	return true
}

// armLocked schedules or refreshes the expiry for one (conversation,
// user) pair. Each arm replaces the timer and bumps the generation: a
// callback from a superseded timer that already fired carries a stale
// generation and is ignored by expire.
func (a *Aggregator) armLocked(conversationID, userID string) {
	key := timerKey{conversationID, userID}
	e := a.timers[key]
	if e == nil {
		e = &timerEntry{}
		a.timers[key] = e
	} else {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(a.ttl, func() {
		a.expire(conversationID, userID, gen)
	})
}

func (a *Aggregator) expire(conversationID, userID string, gen uint64) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	key := timerKey{conversationID, userID}
	e := a.timers[key]
	if e == nil || e.gen != gen {
		// Refreshed after this callback was queued; still typing.
		a.mu.Unlock()
		return
	}
	delete(a.timers, key)
	changed := a.stopLocked(conversationID, userID)
	users := a.usersLocked(conversationID)
	a.mu.Unlock()

	if changed {
		a.bus.Emit(bus.KindTypingChanged, Change{
			ConversationID: conversationID, UserIDs: users,
		})
	}
}

func (a *Aggregator) usersLocked(conversationID string) []string {
	set := a.active[conversationID]
	if len(set) == 0 {
		return nil
	}
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
