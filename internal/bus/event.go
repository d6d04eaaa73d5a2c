package bus

import "time"

// Event is a domain event published on the bus. Kind is a dotted name;
// subscribers filter by namespace prefix ("msg.", "conv.", ...).
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. UI layers subscribe to these
// namespaces instead of holding references into the store.
const (
	KindConversationsLoaded = "conv.loaded"
	KindConversationUpdated = "conv.updated"
	KindMessageUpserted     = "msg.upserted"
	KindMessageRemoved      = "msg.removed"
	KindMessageSendFailed   = "msg.send_failed"
	KindMessageUnconfirmed  = "msg.unconfirmed"
	KindTypingChanged       = "typing.changed"
	KindLinkStateChanged    = "link.state_changed"
	KindLinkResubscribed    = "link.resubscribed"
	KindCredsChanged        = "creds.changed"
)

// MessageRef identifies one message inside one conversation; it is the
// payload for the msg.* event kinds.
type MessageRef struct {
	ConversationID string
	MessageID      string
}
