// Package store holds the authoritative in-memory view of conversations
// and their message lists, reconciling three sources into one consistent
// timeline per conversation: the initial page load, older-page loads and
// real-time pushes. Every merge path dedupes by message id and keeps the
// list sorted ascending by creation time, ties broken by arrival order.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rbarroso/converse/internal/api"
	"github.com/rbarroso/converse/internal/bus"
	"github.com/rbarroso/converse/internal/cache"
	"github.com/rbarroso/converse/internal/model"
	"go.uber.org/zap"
)

const (
	// DefaultPageSize is the fixed message page size.
	DefaultPageSize = 30
	// DefaultEchoTolerance is the window within which a real-time echo is
	// matched to a pending optimistic send by body and creation time.
	DefaultEchoTolerance = 10 * time.Second

	previewLimit = 100
)

// ErrUnknownConversation is returned for operations on a conversation id
// the store has never seen.
var ErrUnknownConversation = errors.New("store: unknown conversation")

// Fetcher is the external collaborator supplying raw conversation and
// message records. *api.Client satisfies it.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]model.RawConversation, error)
	FetchMessagePage(ctx context.Context, conversationID string, page, size int) (*api.MessagePage, error)
}

// Store is safe for concurrent use. Mutations against one conversation
// are serialized by a per-conversation lock; loads for different
// conversations proceed independently.
type Store struct {
	fetcher       Fetcher
	cache         *cache.DB // optional, nil disables write-through
	bus           *bus.Bus
	logger        *zap.Logger
	selfID        string
	pageSize      int
	echoTolerance time.Duration
	now           func() time.Time

	mu    sync.RWMutex
	convs map[string]*conversation
}

type conversation struct {
	mu         sync.Mutex
	meta       model.Conversation
	messages   []model.Message
	arrival    map[string]int
	arrivalSeq int
	pagesSeen  int // highest page merged so far
	totalPages int
	loading    bool
	primed     bool // first successful page-1 load done
}

// Config carries the store's identity and policy knobs. Zero values fall
// back to defaults.
type Config struct {
	SelfID        string
	PageSize      int
	EchoTolerance time.Duration
}

// New creates an empty store. db may be nil to run without a local cache.
func New(cfg Config, f Fetcher, db *cache.DB, b *bus.Bus, logger *zap.Logger) *Store {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.EchoTolerance <= 0 {
		cfg.EchoTolerance = DefaultEchoTolerance
	}
	return &Store{
		fetcher:       f,
		cache:         db,
		bus:           b,
		logger:        logger,
		selfID:        cfg.SelfID,
		pageSize:      cfg.PageSize,
		echoTolerance: cfg.EchoTolerance,
		now:           time.Now,
		convs:         make(map[string]*conversation),
	}
}

// SelfID returns the id the store treats as the current user.
func (s *Store) SelfID() string { return s.selfID }

// PageSize returns the fixed message page size.
func (s *Store) PageSize() int { return s.pageSize }

// Warm seeds the store from cached state. Seeded message lists are not
// considered primed: the first page-1 load still replaces them with the
// server's view.
func (s *Store) Warm(convs []model.Conversation, messages map[string][]model.Message) {
	s.mu.Lock()
	for _, meta := range convs {
		c := newConversation(meta)
		for _, m := range messages[meta.ID] {
			c.insertSorted(m)
		}
		s.convs[meta.ID] = c
	}
	s.mu.Unlock()
	s.bus.Emit(bus.KindConversationsLoaded, len(convs))
}

// LoadConversations replaces the full conversation list from the durable
// path. Message lists and pagination cursors of conversations that
// survive the reload are retained.
func (s *Store) LoadConversations(ctx context.Context) error {
	raw, err := s.fetcher.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	fresh := make(map[string]*conversation, len(raw))
	s.mu.Lock()
	for i := range raw {
		meta := model.NormalizeConversation(&raw[i], s.selfID)
		if meta == nil {
			s.logger.Warn("dropping unusable conversation record")
			continue
		}
		if existing, ok := s.convs[meta.ID]; ok {
			existing.mu.Lock()
			// A full reload is the one path allowed to move
			// lastActivityTimestamp backwards.
			existing.meta = *meta
			existing.mu.Unlock()
			fresh[meta.ID] = existing
		} else {
			fresh[meta.ID] = newConversation(*meta)
		}
		s.writeThroughConversation(meta)
	}
	s.convs = fresh
	count := len(fresh)
	s.mu.Unlock()

	s.bus.Emit(bus.KindConversationsLoaded, count)
	return nil
}

// Conversations returns a snapshot sorted by last activity, newest first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	out := make([]model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		c.mu.Lock()
		out = append(out, c.meta)
		c.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt > out[j].LastActivityAt
	})
	return out
}

// Conversation returns one conversation's metadata.
func (s *Store) Conversation(id string) (model.Conversation, bool) {
	c := s.lookup(id)
	if c == nil {
		return model.Conversation{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta, true
}

// Messages returns a copy of a conversation's message list in ascending
// createdAt order.
func (s *Store) Messages(id string) []model.Message {
	c := s.lookup(id)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// LoadMessagesPage fetches one page and merges it into the conversation.
// Returns the normalized page items so the caller can mark them read.
// A load already in flight for the conversation makes this a no-op.
func (s *Store) LoadMessagesPage(ctx context.Context, conversationID string, page int) ([]model.Message, error) {
	c := s.lookup(conversationID)
	if c == nil {
		return nil, ErrUnknownConversation
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return nil, nil
	}
	c.loading = true
	c.mu.Unlock()

	result, err := s.fetcher.FetchMessagePage(ctx, conversationID, page, s.pageSize)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("load page %d of %s: %w", page, conversationID, err)
	}

	items := make([]model.Message, 0, len(result.Items))
	for i := range result.Items {
		m, mismatch := model.NormalizeMessage(&result.Items[i], s.selfID)
		if m == nil {
			s.logger.Warn("dropping unusable message record",
				zap.String("conversation", conversationID))
			continue
		}
		if mismatch {
			s.logger.Warn("self-flag mismatch on fetched message",
				zap.String("message", m.ID))
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		items = append(items, *m)
	}

	if page == 1 && !c.primed {
		// First page-1 load replaces any warm-start seed, keeping only
		// local in-flight sends the server cannot know about yet.
		var retained []model.Message
		for _, m := range c.messages {
			if m.DeliveryState == model.Pending || m.DeliveryState == model.Failed {
				retained = append(retained, m)
			}
		}
		c.messages = nil
		c.arrival = make(map[string]int)
		c.arrivalSeq = 0
		for _, m := range retained {
			c.insertSorted(m)
		}
	}
	for _, m := range items {
		c.upsertLocked(m)
	}
	if page == 1 {
		c.primed = true
	}
	if page > c.pagesSeen {
		c.pagesSeen = page
	}
	if result.TotalPages > 0 {
		c.totalPages = result.TotalPages
	}
	c.bumpActivityLocked()
	meta := c.meta
	c.mu.Unlock()

	for _, m := range items {
		s.writeThroughMessage(&m)
	}
	s.writeThroughConversation(&meta)
	s.bus.Emit(bus.KindConversationUpdated, conversationID)
	return items, nil
}

// LoadOlderMessages fetches the next unseen page. No-op when a load is in
// flight or every page is already merged.
func (s *Store) LoadOlderMessages(ctx context.Context, conversationID string) error {
	c := s.lookup(conversationID)
	if c == nil {
		return ErrUnknownConversation
	}

	c.mu.Lock()
	if c.loading || (c.totalPages > 0 && c.pagesSeen >= c.totalPages) {
		c.mu.Unlock()
		return nil
	}
	next := c.pagesSeen + 1
	c.mu.Unlock()

	_, err := s.LoadMessagesPage(ctx, conversationID, next)
	return err
}

// ApplyIncomingMessage merges a raw real-time payload into a
// conversation. Unusable payloads are dropped, never an error.
func (s *Store) ApplyIncomingMessage(conversationID string, payload []byte) {
	msg, mismatch := model.NormalizeMessageJSON(payload, s.selfID)
	if msg == nil {
		s.logger.Warn("dropping unusable realtime payload",
			zap.String("conversation", conversationID))
		return
	}
	if mismatch {
		s.logger.Warn("self-flag mismatch on realtime message",
			zap.String("message", msg.ID))
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = s.now().UnixMilli()
	}

	c := s.ensure(msg.ConversationID, msg.SenderName)

	c.mu.Lock()
	var replacedID string
	if msg.AuthorIsSelf {
		replacedID = c.matchPendingLocked(msg, s.echoTolerance)
	}
	switch {
	case replacedID != "":
		// The echo confirms an optimistic send: swap the provisional
		// record for the authoritative one, exactly once.
		c.removeLocked(replacedID)
		msg.DeliveryState = model.Delivered
		c.insertSorted(*msg)
	case c.hasLocked(msg.ID):
		c.updateInPlaceLocked(*msg)
	default:
		c.insertSorted(*msg)
		if !msg.AuthorIsSelf {
			c.meta.UnreadCount++
		}
	}
	c.meta.LastMessagePreview = truncate(msg.Body, previewLimit)
	if msg.CreatedAt > c.meta.LastActivityAt {
		c.meta.LastActivityAt = msg.CreatedAt
	}
	meta := c.meta
	c.mu.Unlock()

	if replacedID != "" {
		s.writeThroughReplace(msg.ConversationID, replacedID, msg)
	} else {
		s.writeThroughMessage(msg)
	}
	s.writeThroughConversation(&meta)
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{
		ConversationID: msg.ConversationID, MessageID: msg.ID,
	})
	s.bus.Emit(bus.KindConversationUpdated, msg.ConversationID)
}

// MarkConversationRead resets the unread counter to zero.
func (s *Store) MarkConversationRead(conversationID string) {
	c := s.lookup(conversationID)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.meta.UnreadCount = 0
	meta := c.meta
	c.mu.Unlock()

	s.writeThroughConversation(&meta)
	s.bus.Emit(bus.KindConversationUpdated, conversationID)
}

// UnreadIncomingIDs returns ids of non-self messages currently held for a
// conversation, newest last, capped at limit. Used for best-effort
// mark-read after a page load.
func (s *Store) UnreadIncomingIDs(conversationID string, limit int) []string {
	c := s.lookup(conversationID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for i := len(c.messages) - 1; i >= 0 && len(ids) < limit; i-- {
		if !c.messages[i].AuthorIsSelf {
			ids = append(ids, c.messages[i].ID)
		}
	}
	return ids
}

// InsertPending adds an optimistic self-authored message.
func (s *Store) InsertPending(msg model.Message) {
	c := s.ensure(msg.ConversationID, "")
	c.mu.Lock()
	c.insertSorted(msg)
	c.meta.LastMessagePreview = truncate(msg.Body, previewLimit)
	if msg.CreatedAt > c.meta.LastActivityAt {
		c.meta.LastActivityAt = msg.CreatedAt
	}
	meta := c.meta
	c.mu.Unlock()

	s.writeThroughMessage(&msg)
	s.writeThroughConversation(&meta)
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{
		ConversationID: msg.ConversationID, MessageID: msg.ID,
	})
	s.bus.Emit(bus.KindConversationUpdated, msg.ConversationID)
}

// ResolvePending replaces a provisional message with the authoritative
// server record, by provisional id. If a real-time echo got there first
// the authoritative record is merged by id instead. Reports whether any
// record was updated.
func (s *Store) ResolvePending(conversationID, provisionalID string, authoritative *model.Message) bool {
	c := s.lookup(conversationID)
	if c == nil {
		return false
	}
	authoritative.DeliveryState = model.Delivered

	c.mu.Lock()
	resolved := false
	switch {
	case c.hasLocked(provisionalID):
		c.removeLocked(provisionalID)
		// An echo that missed the pending match (edited body, or a
		// server clock outside the tolerance window) may have already
		// inserted the server record. Update it instead of inserting a
		// second entry under the same id.
		if c.hasLocked(authoritative.ID) {
			c.updateInPlaceLocked(*authoritative)
		} else {
			c.insertSorted(*authoritative)
		}
		resolved = true
	case c.hasLocked(authoritative.ID):
		// Echo raced the durable response and already reconciled.
		c.updateInPlaceLocked(*authoritative)
		resolved = true
	}
	c.mu.Unlock()

	if !resolved {
		return false
	}
	s.writeThroughReplace(conversationID, provisionalID, authoritative)
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{
		ConversationID: conversationID, MessageID: authoritative.ID,
	})
	return true
}

// MarkFailed flags a provisional message as failed. The message stays in
// the list; the user removes or resends it explicitly.
func (s *Store) MarkFailed(conversationID, provisionalID string) bool {
	c := s.lookup(conversationID)
	if c == nil {
		return false
	}
	c.mu.Lock()
	idx, ok := c.indexLocked(provisionalID)
	if ok {
		c.messages[idx].DeliveryState = model.Failed
	}
	var msg model.Message
	if ok {
		msg = c.messages[idx]
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	s.writeThroughMessage(&msg)
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{
		ConversationID: conversationID, MessageID: provisionalID,
	})
	return true
}

// StillPending reports whether a message exists and is still PENDING.
func (s *Store) StillPending(conversationID, messageID string) bool {
	c := s.lookup(conversationID)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexLocked(messageID)
	return ok && c.messages[idx].DeliveryState == model.Pending
}

// UpdateMessageBody applies an optimistic edit in place.
func (s *Store) UpdateMessageBody(conversationID, messageID, body string) bool {
	c := s.lookup(conversationID)
	if c == nil {
		return false
	}
	c.mu.Lock()
	idx, ok := c.indexLocked(messageID)
	var msg model.Message
	if ok {
		c.messages[idx].Body = body
		c.messages[idx].EditedAt = s.now().UnixMilli()
		msg = c.messages[idx]
		if idx == len(c.messages)-1 {
			c.meta.LastMessagePreview = truncate(body, previewLimit)
		}
	}
	meta := c.meta
	c.mu.Unlock()

	if !ok {
		return false
	}
	s.writeThroughMessage(&msg)
	s.writeThroughConversation(&meta)
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{
		ConversationID: conversationID, MessageID: messageID,
	})
	return true
}

// RemoveMessage applies an optimistic delete.
func (s *Store) RemoveMessage(conversationID, messageID string) bool {
	c := s.lookup(conversationID)
	if c == nil {
		return false
	}
	c.mu.Lock()
	_, ok := c.indexLocked(messageID)
	if ok {
		c.removeLocked(messageID)
		if n := len(c.messages); n > 0 {
			c.meta.LastMessagePreview = truncate(c.messages[n-1].Body, previewLimit)
		} else {
			c.meta.LastMessagePreview = ""
		}
	}
	meta := c.meta
	c.mu.Unlock()

	if !ok {
		return false
	}
	if s.cache != nil {
		if err := s.cache.DeleteMessage(conversationID, messageID); err != nil {
			s.logger.Warn("cache delete failed", zap.Error(err))
		}
	}
	s.writeThroughConversation(&meta)
	s.bus.Emit(bus.KindMessageRemoved, bus.MessageRef{
		ConversationID: conversationID, MessageID: messageID,
	})
	return true
}

func (s *Store) lookup(id string) *conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[id]
}

// ensure returns the conversation, creating a stub for ids seen first via
// the real-time path before any list load.
func (s *Store) ensure(id, displayName string) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		return c
	}
	if displayName == "" {
		displayName = id
	}
	c := newConversation(model.Conversation{
		ID: id, DisplayName: displayName, Kind: model.KindDirect,
	})
	s.convs[id] = c
	return c
}

func (s *Store) writeThroughConversation(meta *model.Conversation) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpsertConversation(meta); err != nil {
		s.logger.Warn("cache conversation write failed",
			zap.String("conversation", meta.ID), zap.Error(err))
	}
}

func (s *Store) writeThroughMessage(m *model.Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpsertMessage(m); err != nil {
		s.logger.Warn("cache message write failed",
			zap.String("message", m.ID), zap.Error(err))
	}
}

func (s *Store) writeThroughReplace(conversationID, oldID string, m *model.Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.ReplaceMessage(conversationID, oldID, m); err != nil {
		s.logger.Warn("cache message replace failed",
			zap.String("message", m.ID), zap.Error(err))
	}
}

func newConversation(meta model.Conversation) *conversation {
	return &conversation{
		meta:    meta,
		arrival: make(map[string]int),
	}
}

// insertSorted places m by ascending CreatedAt, ties broken by arrival
// order. Caller holds c.mu.
func (c *conversation) insertSorted(m model.Message) {
	c.arrivalSeq++
	c.arrival[m.ID] = c.arrivalSeq
	idx := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].CreatedAt > m.CreatedAt
	})
	c.messages = append(c.messages, model.Message{})
	copy(c.messages[idx+1:], c.messages[idx:])
	c.messages[idx] = m
}

// upsertLocked merges one fetched message: update in place when the id is
// known, insert in order otherwise. Page merges never touch the unread
// counter; pagination is history, not new activity.
func (c *conversation) upsertLocked(m model.Message) {
	if c.hasLocked(m.ID) {
		c.updateInPlaceLocked(m)
		return
	}
	c.insertSorted(m)
}

func (c *conversation) hasLocked(id string) bool {
	_, ok := c.arrival[id]
	return ok
}

func (c *conversation) indexLocked(id string) (int, bool) {
	if !c.hasLocked(id) {
		return 0, false
	}
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

// updateInPlaceLocked refreshes fields of an existing message without
// reordering the list.
func (c *conversation) updateInPlaceLocked(m model.Message) {
	idx, ok := c.indexLocked(m.ID)
	if !ok {
		return
	}
	existing := &c.messages[idx]
	existing.Body = m.Body
	existing.SenderName = m.SenderName
	existing.DeliveryState = m.DeliveryState
	if m.EditedAt > existing.EditedAt {
		existing.EditedAt = m.EditedAt
	}
}

// matchPendingLocked finds a PENDING self-authored message matching an
// incoming echo by body and creation time within the tolerance window.
func (c *conversation) matchPendingLocked(echo *model.Message, tolerance time.Duration) string {
	for i := range c.messages {
		m := &c.messages[i]
		if m.DeliveryState != model.Pending || !m.AuthorIsSelf || m.Body != echo.Body {
			continue
		}
		delta := echo.CreatedAt - m.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance.Milliseconds() {
			return m.ID
		}
	}
	return ""
}

func (c *conversation) removeLocked(id string) {
	idx, ok := c.indexLocked(id)
	if !ok {
		return
	}
	c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	delete(c.arrival, id)
}

// bumpActivityLocked refreshes the denormalized preview fields from the
// newest message after a page merge.
func (c *conversation) bumpActivityLocked() {
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		c.meta.LastMessagePreview = truncate(last.Body, previewLimit)
		if last.CreatedAt > c.meta.LastActivityAt {
			c.meta.LastActivityAt = last.CreatedAt
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
