package typing

import (
	"sync"
	"time"
)

const (
	// DebounceWindow is the minimum gap between two outgoing start
	// signals for the same conversation.
	DebounceWindow = 2 * time.Second
	// IdleStop is how long after the last keystroke a stop signal is
	// sent automatically.
	IdleStop = 3 * time.Second
)

// Sender is the outgoing half of the real-time link. *transport.Channel
// satisfies it; a disconnected link drops signals silently.
type Sender interface {
	SendTyping(conversationID, userID string, typing bool)
}

// Notifier throttles our own typing signals. Call Keystroke on every
// keypress; it decides when a start signal actually goes out and arms
// the idle stop.
type Notifier struct {
	sender   Sender
	selfID   string
	debounce time.Duration
	idle     time.Duration
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*convState
	closed bool
}

type convState struct {
	lastSent time.Time
	typing   bool
	idle     *time.Timer
}

func NewNotifier(selfID string, s Sender) *Notifier {
	return &Notifier{
		sender:   s,
		selfID:   selfID,
		debounce: DebounceWindow,
		idle:     IdleStop,
		now:      time.Now,
		states:   make(map[string]*convState),
	}
}

// Keystroke notes typing activity in a conversation. A start signal is
// sent at most once per debounce window; each call pushes the idle stop
// out.
func (n *Notifier) Keystroke(conversationID string) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	st := n.states[conversationID]
	if st == nil {
		st = &convState{}
		n.states[conversationID] = st
	}

	now := n.now()
	send := !st.typing || now.Sub(st.lastSent) >= n.debounce
	if send {
		st.lastSent = now
		st.typing = true
	}
	if st.idle != nil {
		st.idle.Reset(n.idle)
	} else {
		st.idle = time.AfterFunc(n.idle, func() {
			n.stopIdle(conversationID)
		})
	}
	n.mu.Unlock()

	if send {
		n.sender.SendTyping(conversationID, n.selfID, true)
	}
}

// MessageSent clears the typing state immediately. Sending a message is
// an implicit stop; peers learn it from the message itself, so no stop
// signal goes out unless one was active.
func (n *Notifier) MessageSent(conversationID string) {
	n.stop(conversationID, true)
}

// Stop cancels all pending idle timers.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for _, st := range n.states {
		if st.idle != nil {
			st.idle.Stop()
		}
	}
	n.states = make(map[string]*convState)
}

func (n *Notifier) stopIdle(conversationID string) {
	n.stop(conversationID, true)
}

func (n *Notifier) stop(conversationID string, signal bool) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	st := n.states[conversationID]
	wasTyping := st != nil && st.typing
	if st != nil {
		if st.idle != nil {
			st.idle.Stop()
			st.idle = nil
		}
		st.typing = false
		st.lastSent = time.Time{}
	}
	n.mu.Unlock()

	if signal && wasTyping {
		n.sender.SendTyping(conversationID, n.selfID, false)
	}
}
