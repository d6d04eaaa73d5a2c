// Package transport maintains the single real-time connection to the chat
// backend and multiplexes it into per-conversation message and typing
// topics. Delivery is best effort: the durable REST path owns retries.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rbarroso/converse/internal/bus"
	"github.com/rbarroso/converse/internal/creds"
	"github.com/rbarroso/converse/internal/status"
	"go.uber.org/zap"
)

// Reconnection policy: fixed delay, bounded attempts. After the budget is
// exhausted the link stays DISCONNECTED until an explicit Connect.
const (
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
)

var (
	// ErrNotConnected is returned by Publish when there is no live link.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrNoCredential is returned by Connect when no bearer token is set.
	ErrNoCredential = errors.New("transport: no bearer credential")
)

// Handler receives the raw payload of an event frame for a subscribed
// topic. Handlers run on the read loop goroutine and must not block.
type Handler func(payload json.RawMessage)

// Config holds the channel's endpoint and retry policy.
type Config struct {
	Endpoint             string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

type subKey struct {
	conversationID string
	kind           TopicKind
}

// Channel is the owner of the real-time link. At most one subscription
// exists per (conversation, topic kind); subscriptions survive unexpected
// drops and are replayed after a successful reconnect.
type Channel struct {
	cfg     Config
	dialer  Dialer
	creds   *creds.Source
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu           sync.Mutex
	conn         Conn
	gen          int // connection generation, invalidates stale loops
	closing      bool
	subs         map[subKey]Handler
	listeners    map[int]func(connected bool)
	nextListener int
}

// New creates a disconnected channel. Zero config values fall back to the
// default reconnect policy.
func New(cfg Config, d Dialer, cs *creds.Source, m *status.Machine, b *bus.Bus, logger *zap.Logger) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return &Channel{
		cfg:       cfg,
		dialer:    d,
		creds:     cs,
		machine:   m,
		bus:       b,
		logger:    logger,
		subs:      make(map[subKey]Handler),
		listeners: make(map[int]func(bool)),
	}
}

// Connect establishes the link, authenticating with the current bearer
// token. Calling Connect while already connected is a no-op returning nil.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.mu.Unlock()

	if c.creds.Token() == "" {
		return ErrNoCredential
	}
	if err := c.machine.Transition(status.Connecting); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := c.dial(ctx); err != nil {
		_ = c.machine.Transition(status.Disconnected)
		return err
	}
	return nil
}

// dial performs one connection attempt from the Connecting state and, on
// success, installs the connection, replays registered subscriptions and
// starts the read and ping loops.
func (c *Channel) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.creds.Token())

	conn, err := c.dialer.Dial(ctx, c.cfg.Endpoint, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	replay := make([]*Frame, 0, len(c.subs))
	for k := range c.subs {
		replay = append(replay, subscribeFrame(k.kind, k.conversationID))
	}
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)

	for _, f := range replay {
		if err := conn.WriteFrame(f); err != nil {
			c.logger.Warn("subscription replay failed",
				zap.String("conversation", f.ConversationID),
				zap.String("channel", string(f.Channel)),
				zap.Error(err))
		}
	}

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen)

	c.notify(true)
	return nil
}

// Close tears down all subscriptions and the connection. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.gen++
	c.subs = make(map[subKey]Handler)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
		c.notify(false)
	}
}

// Connected reports whether a live link exists.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SubscribeMessages registers the single message-topic subscription for a
// conversation, replacing any prior one. Logged no-op when disconnected.
func (c *Channel) SubscribeMessages(conversationID string, h Handler) {
	c.subscribe(TopicMessages, conversationID, h)
}

// SubscribeTyping registers the single typing-topic subscription for a
// conversation, replacing any prior one. Logged no-op when disconnected.
func (c *Channel) SubscribeTyping(conversationID string, h Handler) {
	c.subscribe(TopicTyping, conversationID, h)
}

func (c *Channel) subscribe(kind TopicKind, conversationID string, h Handler) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		c.logger.Warn("subscribe while disconnected ignored",
			zap.String("conversation", conversationID),
			zap.String("channel", string(kind)))
		return
	}
	c.subs[subKey{conversationID, kind}] = h
	c.mu.Unlock()

	if err := conn.WriteFrame(subscribeFrame(kind, conversationID)); err != nil {
		c.logger.Warn("subscribe frame failed",
			zap.String("conversation", conversationID), zap.Error(err))
	}
}

// UnsubscribeMessages removes a conversation's message subscription.
// Safe to call when absent or disconnected.
func (c *Channel) UnsubscribeMessages(conversationID string) {
	c.unsubscribe(TopicMessages, conversationID)
}

// UnsubscribeTyping removes a conversation's typing subscription.
// Safe to call when absent or disconnected.
func (c *Channel) UnsubscribeTyping(conversationID string) {
	c.unsubscribe(TopicTyping, conversationID)
}

func (c *Channel) unsubscribe(kind TopicKind, conversationID string) {
	key := subKey{conversationID, kind}
	c.mu.Lock()
	_, existed := c.subs[key]
	delete(c.subs, key)
	conn := c.conn
	c.mu.Unlock()

	if existed && conn != nil {
		if err := conn.WriteFrame(unsubscribeFrame(kind, conversationID)); err != nil {
			c.logger.Warn("unsubscribe frame failed",
				zap.String("conversation", conversationID), zap.Error(err))
		}
	}
}

// Publish sends a message body on a conversation's message topic. Fails
// synchronously when disconnected; never retries. The optimistic send
// coordinator owns the durable fallback.
func (c *Channel) Publish(conversationID, body string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(&Frame{
		Op:             opSend,
		Channel:        TopicMessages,
		ConversationID: conversationID,
		Body:           body,
	})
}

// SendTyping publishes a typing signal. Best effort: silently dropped
// when disconnected, write errors logged at debug only.
func (c *Channel) SendTyping(conversationID, userID string, typing bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	err := conn.WriteFrame(&Frame{
		Op:             opTyping,
		Channel:        TopicTyping,
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
	})
	if err != nil {
		c.logger.Debug("typing signal dropped", zap.Error(err))
	}
}

// OnConnectionChange registers a listener invoked on every connected/
// disconnected transition. The listener is immediately invoked with the
// current state so late subscribers are never stale. Returns an id for
// OffConnectionChange.
func (c *Channel) OnConnectionChange(fn func(connected bool)) int {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	connected := c.conn != nil
	c.mu.Unlock()

	fn(connected)
	return id
}

// OffConnectionChange removes a listener registered with OnConnectionChange.
func (c *Channel) OffConnectionChange(id int) {
	c.mu.Lock()
	delete(c.listeners, id)
	c.mu.Unlock()
}

func (c *Channel) notify(connected bool) {
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (c *Channel) readLoop(conn Conn, gen int) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			c.handleReadError(conn, gen, err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Channel) dispatch(f *Frame) {
	if f.Op != opEvent {
		c.logger.Debug("unexpected frame op", zap.String("op", f.Op))
		return
	}
	c.mu.Lock()
	h := c.subs[subKey{f.ConversationID, f.Channel}]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("event for unsubscribed topic",
			zap.String("conversation", f.ConversationID),
			zap.String("channel", string(f.Channel)))
		return
	}
	h(f.Payload)
}

func (c *Channel) handleReadError(conn Conn, gen int, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.gen != gen || c.closing {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.logger.Warn("realtime link lost", zap.Error(err))
	_ = c.machine.Transition(status.Reconnecting)
	c.notify(false)
	go c.reconnectLoop()
}

func (c *Channel) reconnectLoop() {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(c.cfg.ReconnectDelay)

		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}
		if c.creds.Token() == "" {
			c.logger.Info("credential cleared, abandoning reconnect")
			_ = c.machine.Transition(status.Disconnected)
			return
		}

		if err := c.machine.Transition(status.Connecting); err != nil {
			// An explicit Connect or Close took over the link.
			return
		}
		if err := c.dial(context.Background()); err != nil {
			c.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max", c.cfg.MaxReconnectAttempts),
				zap.Error(err))
			_ = c.machine.Transition(status.Reconnecting)
			continue
		}

		c.logger.Info("realtime link recovered", zap.Int("attempt", attempt))
		c.mu.Lock()
		convs := make([]string, 0, len(c.subs))
		for k := range c.subs {
			if k.kind == TopicMessages {
				convs = append(convs, k.conversationID)
			}
		}
		c.mu.Unlock()
		// The store refetches page 1 for these to patch any gap that
		// opened while the link was down.
		c.bus.Emit(bus.KindLinkResubscribed, convs)
		return
	}

	c.logger.Error("reconnect attempts exhausted, staying offline")
	_ = c.machine.Transition(status.Disconnected)
}

func (c *Channel) pingLoop(conn Conn, gen int) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for range t.C {
		c.mu.Lock()
		stale := c.gen != gen || c.conn == nil
		c.mu.Unlock()
		if stale {
			return
		}
		if err := conn.Ping(); err != nil {
			// The read loop observes the closed connection and drives
			// the reconnect.
			_ = conn.Close()
			return
		}
	}
}
