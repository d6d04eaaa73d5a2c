package transport

import "encoding/json"

// TopicKind selects one of the two per-conversation channels.
type TopicKind string

const (
	TopicMessages TopicKind = "messages"
	TopicTyping   TopicKind = "typing"
)

// Frame ops. The client sends subscribe/unsubscribe/send/typing; the
// server delivers event frames addressed by channel and conversation.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opSend        = "send"
	opTyping      = "typing"
	opEvent       = "event"
)

// Frame is the JSON envelope exchanged on the real-time link.
type Frame struct {
	Op             string          `json:"op"`
	Channel        TopicKind       `json:"channel,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Body           string          `json:"body,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Typing         bool            `json:"typing,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func subscribeFrame(kind TopicKind, conversationID string) *Frame {
	return &Frame{Op: opSubscribe, Channel: kind, ConversationID: conversationID}
}

func unsubscribeFrame(kind TopicKind, conversationID string) *Frame {
	return &Frame{Op: opUnsubscribe, Channel: kind, ConversationID: conversationID}
}
