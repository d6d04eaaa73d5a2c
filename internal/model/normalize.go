package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// The backend and the realtime bridge do not agree on payload shapes: ids,
// bodies, senders and timestamps each appear under several names depending
// on which endpoint produced the record. RawMessage and RawConversation are
// the union of every shape we know how to read; Normalize* collapse them
// into the canonical types, returning nil for anything without a usable id.

// FlexID decodes a JSON string or number into a string id.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*f = ""
		return nil
	}
	if s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = FlexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// Timestamp decodes a JSON epoch number (seconds or millis) or an RFC 3339
// string into unix millis. Zero means absent.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*t = 0
		return nil
	}
	if s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if v == "" {
			*t = 0
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			// Some endpoints send epoch strings.
			if n, nerr := strconv.ParseInt(v, 10, 64); nerr == nil {
				*t = Timestamp(normalizeEpoch(n))
				return nil
			}
			*t = 0
			return nil
		}
		*t = Timestamp(parsed.UnixMilli())
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = Timestamp(normalizeEpoch(int64(n)))
	return nil
}

// normalizeEpoch treats values below 1e12 as seconds, otherwise millis.
func normalizeEpoch(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if n < 1_000_000_000_000 {
		return n * 1000
	}
	return n
}

// RawSender is an embedded sender object on a message payload.
type RawSender struct {
	ID        FlexID `json:"id"`
	UserID    FlexID `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

func (s *RawSender) resolvedID() string {
	if s == nil {
		return ""
	}
	if s.ID != "" {
		return string(s.ID)
	}
	return string(s.UserID)
}

func (s *RawSender) displayName() string {
	if s == nil {
		return ""
	}
	if full := strings.TrimSpace(s.FirstName + " " + s.LastName); full != "" {
		return full
	}
	return s.Name
}

// RawMessage is the union of message payload shapes.
type RawMessage struct {
	ID             FlexID     `json:"id"`
	MessageID      FlexID     `json:"messageId"`
	ConversationID FlexID     `json:"conversationId"`
	ChatID         FlexID     `json:"chatId"`
	Body           string     `json:"body"`
	Content        string     `json:"content"`
	Text           string     `json:"text"`
	Sender         *RawSender `json:"sender"`
	SenderID       FlexID     `json:"senderId"`
	UserID         FlexID     `json:"userId"`
	SenderName     string     `json:"senderName"`
	AuthorIsSelf   *bool      `json:"authorIsSelf"`
	IsMine         *bool      `json:"isMine"`
	FromMe         *bool      `json:"fromMe"`
	CreatedAt      Timestamp  `json:"createdAt"`
	SentAt         Timestamp  `json:"sentAt"`
	EpochTimestamp Timestamp  `json:"timestamp"`
	EditedAt       Timestamp  `json:"editedAt"`
	DeliveryState  string     `json:"deliveryState"`
	Status         string     `json:"status"`
}

// RawParticipant is a participant record inside a conversation payload.
type RawParticipant struct {
	UserID    FlexID `json:"userId"`
	ID        FlexID `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
	Avatar    string `json:"avatar"`
	Role      string `json:"role"`
}

// RawConversation is the union of conversation payload shapes.
type RawConversation struct {
	ID                 FlexID           `json:"id"`
	ConversationID     FlexID           `json:"conversationId"`
	ChatID             FlexID           `json:"chatId"`
	DisplayName        string           `json:"displayName"`
	Name               string           `json:"name"`
	Title              string           `json:"title"`
	Kind               string           `json:"kind"`
	Type               string           `json:"type"`
	Participants       []RawParticipant `json:"participants"`
	Members            []RawParticipant `json:"members"`
	LastMessagePreview string           `json:"lastMessagePreview"`
	LastMessage        string           `json:"lastMessage"`
	LastActivityAt     Timestamp        `json:"lastActivityAt"`
	LastMessageAt      Timestamp        `json:"lastMessageAt"`
	UpdatedAt          Timestamp        `json:"updatedAt"`
	UnreadCount        int              `json:"unreadCount"`
}

// NormalizeMessage maps a raw message payload into a canonical Message.
// Returns nil if the payload lacks a usable message id. The second return
// is true when the payload carried an explicit self flag that disagrees
// with the flag recomputed from the sender id; the recomputed value wins
// and the caller should log the mismatch.
func NormalizeMessage(raw *RawMessage, selfID string) (*Message, bool) {
	if raw == nil {
		return nil, false
	}
	id := firstID(raw.ID, raw.MessageID)
	if id == "" {
		return nil, false
	}

	// Sender resolution: embedded sender object, then flat fields, then
	// none (a payload without any sender information is a self echo).
	senderID := raw.Sender.resolvedID()
	if senderID == "" {
		senderID = firstID(raw.SenderID, raw.UserID)
	}

	claimed := firstBool(raw.AuthorIsSelf, raw.IsMine, raw.FromMe)
	computed := false
	mismatch := false
	switch {
	case senderID != "":
		computed = senderID == selfID
		if claimed != nil && *claimed != computed {
			mismatch = true
		}
	case claimed != nil:
		computed = *claimed
	default:
		computed = true
	}

	senderName := raw.Sender.displayName()
	if senderName == "" {
		senderName = raw.SenderName
	}

	created := firstTimestamp(raw.CreatedAt, raw.SentAt, raw.EpochTimestamp)

	state := parseDeliveryState(raw.DeliveryState, raw.Status)
	if !computed {
		// Pending/Failed only ever apply to self-authored messages.
		state = Delivered
	}

	return &Message{
		ID:             id,
		ConversationID: firstID(raw.ConversationID, raw.ChatID),
		SenderID:       senderID,
		SenderName:     senderName,
		Body:           firstString(raw.Body, raw.Content, raw.Text),
		AuthorIsSelf:   computed,
		CreatedAt:      created,
		EditedAt:       int64(raw.EditedAt),
		DeliveryState:  state,
	}, mismatch
}

// NormalizeMessageJSON decodes and normalizes a JSON message payload.
// Malformed input yields nil, never an error.
func NormalizeMessageJSON(data []byte, selfID string) (*Message, bool) {
	var raw RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	return NormalizeMessage(&raw, selfID)
}

// NormalizeConversation maps a raw conversation payload into a canonical
// Conversation. Returns nil if the payload lacks a usable id.
func NormalizeConversation(raw *RawConversation, selfID string) *Conversation {
	if raw == nil {
		return nil
	}
	id := firstID(raw.ID, raw.ConversationID, raw.ChatID)
	if id == "" {
		return nil
	}

	rawParts := raw.Participants
	if len(rawParts) == 0 {
		rawParts = raw.Members
	}
	participants := make([]Participant, 0, len(rawParts))
	for _, rp := range rawParts {
		userID := firstID(rp.UserID, rp.ID)
		if userID == "" {
			continue
		}
		first, last := rp.FirstName, rp.LastName
		if first == "" && last == "" && rp.Name != "" {
			first, last = splitName(rp.Name)
		}
		avatar := rp.AvatarURL
		if avatar == "" {
			avatar = rp.Avatar
		}
		participants = append(participants, Participant{
			UserID:    userID,
			FirstName: first,
			LastName:  last,
			AvatarURL: avatar,
			Role:      rp.Role,
		})
	}

	explicitName := firstString(raw.DisplayName, raw.Name, raw.Title)
	kind := parseKind(firstString(raw.Kind, raw.Type))
	if kind == "" {
		if len(participants) > 2 || (explicitName != "" && len(participants) == 0) {
			kind = KindGroup
		} else {
			kind = KindDirect
		}
	}

	displayName := explicitName
	if displayName == "" || kind == KindDirect {
		if peer := firstNonSelf(participants, selfID); peer != "" {
			displayName = peer
		}
	}
	if displayName == "" {
		displayName = id
	}

	preview := firstString(raw.LastMessagePreview, raw.LastMessage)
	activity := firstTimestamp(raw.LastActivityAt, raw.LastMessageAt, raw.UpdatedAt)

	unread := raw.UnreadCount
	if unread < 0 {
		unread = 0
	}

	return &Conversation{
		ID:                 id,
		DisplayName:        displayName,
		Kind:               kind,
		Participants:       participants,
		LastMessagePreview: preview,
		LastActivityAt:     activity,
		UnreadCount:        unread,
	}
}

// NormalizeConversationJSON decodes and normalizes a JSON conversation
// payload. Malformed input yields nil.
func NormalizeConversationJSON(data []byte, selfID string) *Conversation {
	var raw RawConversation
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return NormalizeConversation(&raw, selfID)
}

func parseKind(s string) ConversationKind {
	switch strings.ToLower(s) {
	case "direct", "private", "dm", "one_to_one":
		return KindDirect
	case "group", "room", "channel":
		return KindGroup
	}
	return ""
}

func parseDeliveryState(candidates ...string) DeliveryState {
	for _, c := range candidates {
		switch strings.ToLower(c) {
		case "pending", "sending":
			return Pending
		case "failed", "error":
			return Failed
		case "delivered", "sent", "received", "read":
			return Delivered
		}
	}
	return Delivered
}

func firstNonSelf(participants []Participant, selfID string) string {
	for _, p := range participants {
		if p.UserID == selfID {
			continue
		}
		if name := p.FullName(); name != "" {
			return name
		}
	}
	return ""
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func firstID(ids ...FlexID) string {
	for _, id := range ids {
		if id != "" {
			return string(id)
		}
	}
	return ""
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstBool(values ...*bool) *bool {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstTimestamp(values ...Timestamp) int64 {
	for _, v := range values {
		if v != 0 {
			return int64(v)
		}
	}
	return 0
}
