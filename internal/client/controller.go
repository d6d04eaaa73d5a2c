// Package client composes the sync core into a running daemon: it warms
// the store from the local cache, drives the real-time link off the
// credential state and keeps subscriptions and read markers current.
package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rbarroso/converse/internal/api"
	"github.com/rbarroso/converse/internal/bus"
	"github.com/rbarroso/converse/internal/cache"
	"github.com/rbarroso/converse/internal/creds"
	"github.com/rbarroso/converse/internal/model"
	"github.com/rbarroso/converse/internal/send"
	"github.com/rbarroso/converse/internal/store"
	"github.com/rbarroso/converse/internal/transport"
	"github.com/rbarroso/converse/internal/typing"
	"go.uber.org/zap"
)

// warmWindow is how many cached messages per conversation are loaded at
// startup before the first server fetch.
const warmWindow = 50

// Link is the real-time side of the controller. *transport.Channel
// satisfies it.
type Link interface {
	Connect(ctx context.Context) error
	Close()
	SubscribeMessages(conversationID string, h transport.Handler)
	SubscribeTyping(conversationID string, h transport.Handler)
	UnsubscribeMessages(conversationID string)
	UnsubscribeTyping(conversationID string)
}

// MarkReader acknowledges messages durably. *api.Client satisfies it.
type MarkReader interface {
	MarkRead(ctx context.Context, messageIDs []string) error
}

// Controller owns the daemon's runtime loop.
type Controller struct {
	store       *store.Store
	channel     Link
	marks       MarkReader
	coordinator *send.Coordinator
	aggregator  *typing.Aggregator
	notifier    *typing.Notifier
	creds       *creds.Source
	bus         *bus.Bus
	cache       *cache.DB // optional
	logger      *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	cancelCreds func()

	mu       sync.Mutex
	attached map[string]struct{}
}

func NewController(
	st *store.Store,
	ch Link,
	marks MarkReader,
	coord *send.Coordinator,
	agg *typing.Aggregator,
	not *typing.Notifier,
	cs *creds.Source,
	b *bus.Bus,
	db *cache.DB,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		store:       st,
		channel:     ch,
		marks:       marks,
		coordinator: coord,
		aggregator:  agg,
		notifier:    not,
		creds:       cs,
		bus:         b,
		cache:       db,
		logger:      logger,
		attached:    make(map[string]struct{}),
	}
}

// Start warms the store, watches the credential and begins syncing if a
// token is already present.
func (c *Controller) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.warmFromCache()

	events, cancelEvents := c.bus.Subscribe(bus.KindLinkResubscribed, 16)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancelEvents()
		c.watchResubscribes(events)
	}()

	c.cancelCreds = c.creds.OnChange(func(token string) {
		if token == "" {
			c.logger.Info("credential cleared, closing realtime link")
			c.channel.Close()
			return
		}
		if exp, ok := c.creds.Expiry(); ok {
			c.logger.Info("credential installed", zap.Time("expires", exp))
		}
		c.goSync()
	})

	if c.creds.Token() != "" {
		c.goSync()
	} else {
		c.logger.Info("no credential, waiting for login")
	}
}

// goSync runs one sync pass tracked by the WaitGroup so Stop does not
// return while a pass is still writing.
func (c *Controller) goSync() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.syncAll(c.ctx)
	}()
}

// Stop tears the runtime down. Blocks until background work finishes.
func (c *Controller) Stop() {
	if c.cancelCreds != nil {
		c.cancelCreds()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.notifier.Stop()
	c.aggregator.Stop()
	c.channel.Close()
	c.wg.Wait()
}

// SendMessage sends through the coordinator and clears our typing state
// on success.
func (c *Controller) SendMessage(ctx context.Context, conversationID, body string) (string, error) {
	id, err := c.coordinator.Send(ctx, conversationID, body)
	if err == nil {
		c.notifier.MessageSent(conversationID)
	}
	return id, err
}

// EditMessage delegates to the coordinator.
func (c *Controller) EditMessage(ctx context.Context, conversationID, messageID, body string) error {
	return c.coordinator.Edit(ctx, conversationID, messageID, body)
}

// DeleteMessage delegates to the coordinator.
func (c *Controller) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return c.coordinator.Delete(ctx, conversationID, messageID)
}

// Keystroke reports local typing activity in a conversation.
func (c *Controller) Keystroke(conversationID string) {
	c.notifier.Keystroke(conversationID)
}

// warmFromCache seeds the store with the cached conversation list and the
// newest window of each conversation's messages.
func (c *Controller) warmFromCache() {
	if c.cache == nil {
		return
	}
	convs, err := c.cache.ListConversations(0)
	if err != nil {
		c.logger.Warn("cache warm failed", zap.Error(err))
		return
	}
	if len(convs) == 0 {
		return
	}
	messages := make(map[string][]model.Message, len(convs))
	for _, conv := range convs {
		msgs, err := c.cache.RecentMessages(conv.ID, warmWindow)
		if err != nil {
			c.logger.Warn("cache warm failed for conversation",
				zap.String("conversation", conv.ID), zap.Error(err))
			continue
		}
		messages[conv.ID] = msgs
	}
	c.store.Warm(convs, messages)
	c.logger.Info("store warmed from cache", zap.Int("conversations", len(convs)))
}

// syncAll connects the link, refreshes the conversation list and brings
// every conversation current: subscribed, first page loaded, read marks
// pushed. Conversations that left the list are torn down: topics
// unsubscribed, typing state dropped.
func (c *Controller) syncAll(ctx context.Context) {
	if err := c.channel.Connect(ctx); err != nil {
		c.logger.Warn("realtime connect failed, durable path only", zap.Error(err))
	}
	if err := c.store.LoadConversations(ctx); err != nil {
		c.logger.Error("conversation list load failed", zap.Error(err))
		return
	}

	current := make(map[string]struct{})
	for _, conv := range c.store.Conversations() {
		current[conv.ID] = struct{}{}
	}

	c.mu.Lock()
	var departed []string
	for id := range c.attached {
		if _, ok := current[id]; !ok {
			departed = append(departed, id)
			delete(c.attached, id)
		}
	}
	for id := range current {
		c.attached[id] = struct{}{}
	}
	c.mu.Unlock()

	for _, id := range departed {
		c.detach(id)
	}
	for id := range current {
		c.attach(id)
		c.refresh(ctx, id)
	}
}

// attach wires a conversation's realtime topics into the store and the
// typing aggregator.
func (c *Controller) attach(conversationID string) {
	c.channel.SubscribeMessages(conversationID, func(payload json.RawMessage) {
		c.store.ApplyIncomingMessage(conversationID, payload)
	})
	c.channel.SubscribeTyping(conversationID, func(payload json.RawMessage) {
		c.aggregator.HandleEvent(conversationID, payload)
	})
}

// detach tears down a conversation that left the visible set.
func (c *Controller) detach(conversationID string) {
	c.channel.UnsubscribeMessages(conversationID)
	c.channel.UnsubscribeTyping(conversationID)
	c.aggregator.ClearConversation(conversationID)
	c.logger.Info("conversation detached", zap.String("conversation", conversationID))
}

// refresh loads a conversation's first page and acknowledges what it
// holds. Mark-read is best effort: on failure the unread state stays and
// the next refresh retries.
func (c *Controller) refresh(ctx context.Context, conversationID string) {
	if _, err := c.store.LoadMessagesPage(ctx, conversationID, 1); err != nil {
		c.logger.Warn("page load failed",
			zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	ids := c.store.UnreadIncomingIDs(conversationID, api.MarkReadBatchLimit)
	if len(ids) == 0 {
		c.store.MarkConversationRead(conversationID)
		return
	}
	if err := c.marks.MarkRead(ctx, ids); err != nil {
		c.logger.Warn("mark read failed",
			zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	c.store.MarkConversationRead(conversationID)
}

// watchResubscribes refetches page 1 for conversations whose realtime
// subscription was replayed after a reconnect, patching any gap that
// opened while the link was down.
func (c *Controller) watchResubscribes(events <-chan bus.Event) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			convs, _ := ev.Payload.([]string)
			for _, id := range convs {
				c.refresh(c.ctx, id)
			}
		}
	}
}
