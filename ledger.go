package chatsync

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Ledger owns the conversation list and the per-conversation message logs of
// one signed-in user. Every exported method runs to completion under the
// ledger's lock, so a rejected record never leaves partial state behind.
type Ledger struct {
	mu         sync.Mutex
	identity   IdentityResolver
	normalizer Normalizer
	logger     *slog.Logger
	typing     *TypingTracker

	sessions []*Session
	logs     map[string][]Message
	active   string
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock sets the clock used for missing created_at values.
func WithClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) { l.normalizer.Clock = clock }
}

// WithIDGenerator sets the generator for provisional message ids.
func WithIDGenerator(gen func() string) LedgerOption {
	return func(l *Ledger) { l.normalizer.NewID = gen }
}

func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates an empty ledger for the user identity resolves to.
func NewLedger(identity IdentityResolver, opts ...LedgerOption) *Ledger {
	if identity == nil {
		identity = StaticIdentity("")
	}
	l := &Ledger{
		identity: identity,
		logger:   slog.Default(),
		typing:   NewTypingTracker(),
		logs:     make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CurrentUserID resolves the signed-in user the ledger counts unread for.
func (l *Ledger) CurrentUserID() (string, bool) { return l.identity.CurrentUserID() }

// Typing returns the ledger's typing tracker. ClearAll resets it too.
func (l *Ledger) Typing() *TypingTracker { return l.typing }

// ============================================================================
// Lifecycle
// ============================================================================

// SetActiveSession marks conversationID as the open conversation: its unread
// count drops to zero and the current user's messages in it become read.
// An empty id clears the active session.
func (l *Ledger) SetActiveSession(conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = conversationID
	if conversationID == "" {
		return
	}
	l.markReadLocked(conversationID, false)
}

func (l *Ledger) ClearActiveSession() {
	l.mu.Lock()
	l.active = ""
	l.mu.Unlock()
}

// ActiveSession returns the open conversation id.
func (l *Ledger) ActiveSession() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active, l.active != ""
}

// ClearAll drops every session, log, the active id and the typing state.
func (l *Ledger) ClearAll() {
	l.mu.Lock()
	l.sessions = nil
	l.logs = make(map[string][]Message)
	l.active = ""
	l.mu.Unlock()
	l.typing.Reset()
}

// ============================================================================
// Mutations
// ============================================================================

// UpsertSession merges p into the session with the same id, or inserts a new
// session at the head of the list.
func (l *Ledger) UpsertSession(p SessionPatch) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.findLocked(p.ID)
	if s == nil {
		s = &Session{ID: p.ID}
		l.sessions = append([]*Session{s}, l.sessions...)
	}
	if p.OtherUserID != nil {
		s.OtherUserID = *p.OtherUserID
	}
	if p.OtherUsername != nil {
		s.OtherUsername = *p.OtherUsername
	}
	if p.ItemID != nil {
		s.ItemID = *p.ItemID
	}
	if p.ItemTitle != nil {
		s.ItemTitle = *p.ItemTitle
	}
	if p.ItemImage != nil {
		s.ItemImage = *p.ItemImage
	}
	if p.LastMessage != nil {
		s.LastMessage = *p.LastMessage
	}
	if p.LastMessageAt != nil {
		s.LastMessageAt = *p.LastMessageAt
	}
	if p.UnreadCount != nil && *p.UnreadCount >= 0 {
		s.UnreadCount = *p.UnreadCount
	}
	if s.ID == l.active {
		s.UnreadCount = 0
	}
}

// AddMessage normalizes raw and merges it into its conversation. A record the
// normalizer rejects leaves the ledger untouched and the error is returned.
func (l *Ledger) AddMessage(raw RawMessage, origin Origin) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, err := l.normalizer.Normalize(raw, origin, l.active)
	if err != nil {
		return Message{}, err
	}
	l.mergeLocked(msg, "", raw.ToUsername)
	return msg, nil
}

// ConfirmMessage swaps the optimistic entry provisionalID for the server's
// copy. When the server copy already arrived over the stream, the
// provisional entry is simply dropped.
func (l *Ledger) ConfirmMessage(provisionalID string, raw RawMessage) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, err := l.normalizer.Normalize(raw, OriginHistory, l.active)
	if err != nil {
		return Message{}, err
	}
	l.mergeLocked(msg, provisionalID, raw.ToUsername)
	return msg, nil
}

// DropMessage removes one entry from a conversation log and reports whether
// it was present.
func (l *Ledger) DropMessage(conversationID, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := l.logs[conversationID]
	idx := indexOf(log, id)
	if idx < 0 {
		return false
	}
	me, authed := l.identity.CurrentUserID()
	removed := log[idx]
	log = append(log[:idx:idx], log[idx+1:]...)
	l.logs[conversationID] = log

	if s := l.findLocked(conversationID); s != nil {
		if countsUnread(removed, me, authed) && s.UnreadCount > 0 {
			s.UnreadCount--
		}
		if len(log) > 0 {
			last := log[len(log)-1]
			s.LastMessage = last.Content
			s.LastMessageAt = last.CreatedAt
		} else {
			s.LastMessage = ""
			s.LastMessageAt = time.Time{}
		}
		if s.ID == l.active {
			s.UnreadCount = 0
		}
	}
	return true
}

// MarkSessionRead zeroes the unread count of conversationID, creating a
// placeholder session if it is unknown, and marks the current user's
// messages read.
func (l *Ledger) MarkSessionRead(conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markReadLocked(conversationID, true)
}

func (l *Ledger) markReadLocked(conversationID string, placeholder bool) {
	if s := l.findLocked(conversationID); s != nil {
		s.UnreadCount = 0
	} else if placeholder {
		l.sessions = append([]*Session{{ID: conversationID}}, l.sessions...)
	}
	me, authed := l.identity.CurrentUserID()
	if !authed {
		return
	}
	log := l.logs[conversationID]
	for i := range log {
		if log[i].ToUserID == me {
			log[i].IsRead = true
		}
	}
}

func (l *Ledger) mergeLocked(msg Message, replaceID, toUsername string) {
	me, authed := l.identity.CurrentUserID()
	active := msg.ConversationID == l.active
	if active {
		msg.IsRead = true
	}

	log := l.logs[msg.ConversationID]
	before := 0
	if replaceID != "" && replaceID != msg.ID {
		if p := indexOf(log, replaceID); p >= 0 {
			if countsUnread(log[p], me, authed) {
				before++
			}
			log = append(log[:p:p], log[p+1:]...)
		}
	}
	if idx := indexOf(log, msg.ID); idx >= 0 {
		if countsUnread(log[idx], me, authed) {
			before++
		}
		log[idx] = msg
	} else {
		log = append(log, msg)
	}
	l.logs[msg.ConversationID] = log

	after := 0
	if countsUnread(msg, me, authed) {
		after = 1
	}
	delta := after - before

	if s := l.findLocked(msg.ConversationID); s != nil {
		s.LastMessage = msg.Content
		s.LastMessageAt = msg.CreatedAt
		switch {
		case active:
			s.UnreadCount = 0
		case delta > 0:
			s.UnreadCount++
		case delta < 0:
			s.UnreadCount += delta
			if s.UnreadCount < 0 {
				s.UnreadCount = 0
			}
		}
		return
	}

	s := &Session{
		ID:            msg.ConversationID,
		OtherUserID:   msg.FromUserID,
		OtherUsername: msg.SenderName,
		ItemID:        msg.ItemID,
		LastMessage:   msg.Content,
		LastMessageAt: msg.CreatedAt,
	}
	if authed && msg.FromUserID == me {
		s.OtherUserID = msg.ToUserID
		s.OtherUsername = toUsername
	}
	if !active && delta > 0 {
		s.UnreadCount = 1
	}
	l.sessions = append([]*Session{s}, l.sessions...)
	l.logger.Debug("session created", "conversation_id", s.ID, "other_user_id", s.OtherUserID)
}

func (l *Ledger) findLocked(id string) *Session {
	for _, s := range l.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func indexOf(log []Message, id string) int {
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}

func countsUnread(m Message, me string, authed bool) bool {
	return authed && m.ToUserID == me && !m.IsRead
}

// ============================================================================
// Queries
// ============================================================================

// Sessions returns a copy of the conversation list in display order.
func (l *Ledger) Sessions() []Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Session, len(l.sessions))
	for i, s := range l.sessions {
		out[i] = *s
	}
	return out
}

func (l *Ledger) Session(id string) (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.findLocked(id); s != nil {
		return *s, true
	}
	return Session{}, false
}

// MessagesOf returns a copy of the log of conversationID in arrival order.
func (l *Ledger) MessagesOf(conversationID string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := l.logs[conversationID]
	out := make([]Message, len(log))
	copy(out, log)
	return out
}

func (l *Ledger) UnreadOf(conversationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.findLocked(conversationID); s != nil {
		return s.UnreadCount
	}
	return 0
}

// TotalUnread sums the unread counts of all sessions.
func (l *Ledger) TotalUnread() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, s := range l.sessions {
		total += s.UnreadCount
	}
	return total
}
