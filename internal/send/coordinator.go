// Package send coordinates outgoing messages: an optimistic record is
// inserted immediately, the fast real-time path is tried first, and the
// durable HTTP path confirms or fails the send.
package send

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rbarroso/converse/internal/bus"
	"github.com/rbarroso/converse/internal/model"
	"go.uber.org/zap"
)

// EchoTimeout is how long a realtime-published message may stay PENDING
// before an unconfirmed warning is emitted.
const EchoTimeout = 5 * time.Second

var (
	// ErrEmptyBody rejects sends whose body is empty or whitespace.
	ErrEmptyBody = errors.New("send: empty message body")
	// ErrNoConversation rejects sends without a conversation id.
	ErrNoConversation = errors.New("send: missing conversation id")
)

// Publisher is the fast path. *transport.Channel satisfies it.
type Publisher interface {
	Connected() bool
	Publish(conversationID, body string) error
}

// Durable is the confirmed path. *api.Client satisfies it.
type Durable interface {
	SendMessage(ctx context.Context, conversationID, body string) (*model.RawMessage, error)
	EditMessage(ctx context.Context, messageID, body string) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// Recorder is the local view the coordinator mutates. *store.Store
// satisfies it.
type Recorder interface {
	SelfID() string
	InsertPending(msg model.Message)
	ResolvePending(conversationID, provisionalID string, authoritative *model.Message) bool
	MarkFailed(conversationID, provisionalID string) bool
	StillPending(conversationID, messageID string) bool
	UpdateMessageBody(conversationID, messageID, body string) bool
	RemoveMessage(conversationID, messageID string) bool
}

// Coordinator owns the send lifecycle. Safe for concurrent use; all of
// its state lives in the Recorder.
type Coordinator struct {
	publisher Publisher
	durable   Durable
	recorder  Recorder
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time
	after     func(time.Duration, func()) // overridable in tests
}

func New(p Publisher, d Durable, r Recorder, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		publisher: p,
		durable:   d,
		recorder:  r,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Send inserts an optimistic PENDING message and pushes it out. When the
// realtime link is up the message goes over it and the echo confirms it;
// otherwise the durable path is used and its response resolves the
// provisional record. Returns the provisional id.
func (c *Coordinator) Send(ctx context.Context, conversationID, body string) (string, error) {
	if conversationID == "" {
		return "", ErrNoConversation
	}
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyBody
	}

	provisionalID := model.NewProvisionalID()
	c.recorder.InsertPending(model.Message{
		ID:             provisionalID,
		ConversationID: conversationID,
		SenderID:       c.recorder.SelfID(),
		Body:           body,
		AuthorIsSelf:   true,
		CreatedAt:      c.now().UnixMilli(),
		DeliveryState:  model.Pending,
	})

	if c.publisher.Connected() {
		if err := c.publisher.Publish(conversationID, body); err == nil {
			c.watchEcho(conversationID, provisionalID)
			return provisionalID, nil
		}
		c.logger.Warn("realtime publish failed, falling back to durable send",
			zap.String("conversation", conversationID))
	}

	if err := c.sendDurable(ctx, conversationID, provisionalID, body); err != nil {
		return provisionalID, err
	}
	return provisionalID, nil
}

// watchEcho flags a realtime-published message that was never confirmed
// by its echo. The message stays PENDING; no automatic retry.
func (c *Coordinator) watchEcho(conversationID, provisionalID string) {
	c.after(EchoTimeout, func() {
		if !c.recorder.StillPending(conversationID, provisionalID) {
			return
		}
		c.logger.Warn("send unconfirmed after echo timeout",
			zap.String("conversation", conversationID),
			zap.String("message", provisionalID))
		c.bus.Emit(bus.KindMessageUnconfirmed, bus.MessageRef{
			ConversationID: conversationID, MessageID: provisionalID,
		})
	})
}

func (c *Coordinator) sendDurable(ctx context.Context, conversationID, provisionalID, body string) error {
	raw, err := c.durable.SendMessage(ctx, conversationID, body)
	if err != nil {
		c.recorder.MarkFailed(conversationID, provisionalID)
		c.bus.Emit(bus.KindMessageSendFailed, bus.MessageRef{
			ConversationID: conversationID, MessageID: provisionalID,
		})
		return err
	}

	msg, _ := model.NormalizeMessage(raw, c.recorder.SelfID())
	if msg == nil {
		// Accepted but unreadable response. Leave the echo to confirm.
		c.logger.Warn("unusable send response, keeping provisional record",
			zap.String("conversation", conversationID))
		c.watchEcho(conversationID, provisionalID)
		return nil
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	msg.AuthorIsSelf = true
	c.recorder.ResolvePending(conversationID, provisionalID, msg)
	return nil
}

// Edit applies the new body locally first, then confirms it durably. A
// durable failure is reported but the local edit is not rolled back.
func (c *Coordinator) Edit(ctx context.Context, conversationID, messageID, body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if !c.recorder.UpdateMessageBody(conversationID, messageID, body) {
		return errors.New("send: unknown message " + messageID)
	}
	if model.IsProvisionalID(messageID) {
		// Not on the server yet; nothing durable to edit.
		return nil
	}
	if err := c.durable.EditMessage(ctx, messageID, body); err != nil {
		c.logger.Warn("durable edit failed",
			zap.String("message", messageID), zap.Error(err))
		return err
	}
	return nil
}

// Delete removes the message locally first, then durably. A durable
// failure is reported but the local removal stands.
func (c *Coordinator) Delete(ctx context.Context, conversationID, messageID string) error {
	if !c.recorder.RemoveMessage(conversationID, messageID) {
		return errors.New("send: unknown message " + messageID)
	}
	if model.IsProvisionalID(messageID) {
		return nil
	}
	if err := c.durable.DeleteMessage(ctx, messageID); err != nil {
		c.logger.Warn("durable delete failed",
			zap.String("message", messageID), zap.Error(err))
		return err
	}
	return nil
}
