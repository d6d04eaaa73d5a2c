package model

import (
	"strings"

	"github.com/google/uuid"
)

// ConversationKind distinguishes one-to-one threads from group threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// DeliveryState tracks the lifecycle of a self-authored message.
// Non-self messages are always Delivered.
type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Delivered DeliveryState = "delivered"
	Failed    DeliveryState = "failed"
)

// ProvisionalPrefix namespaces client-generated message ids so they can
// never collide with server-issued ids.
const ProvisionalPrefix = "local-"

// NewProvisionalID returns a fresh client-side message id.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.New().String()
}

// IsProvisionalID reports whether id was generated client-side.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Participant is a member of a conversation.
type Participant struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Role      string `json:"role,omitempty"`
}

// FullName returns the participant's display name.
func (p Participant) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Conversation is the canonical chat-thread record.
type Conversation struct {
	ID                 string           `json:"id"`
	DisplayName        string           `json:"displayName"`
	Kind               ConversationKind `json:"kind"`
	Participants       []Participant    `json:"participants,omitempty"`
	LastMessagePreview string           `json:"lastMessagePreview,omitempty"`
	LastActivityAt     int64            `json:"lastActivityAt"` // unix millis
	UnreadCount        int              `json:"unreadCount"`
}

// Message is the canonical message record.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId,omitempty"`
	SenderName     string        `json:"senderName,omitempty"`
	Body           string        `json:"body"`
	AuthorIsSelf   bool          `json:"authorIsSelf"`
	CreatedAt      int64         `json:"createdAt"` // unix millis
	EditedAt       int64         `json:"editedAt,omitempty"`
	DeliveryState  DeliveryState `json:"deliveryState"`
}
