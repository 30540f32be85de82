package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Chat events delivered to ChatEventHandler.
const (
	ChatMessageLocal        = "message.local"
	ChatMessageConfirmed    = "message.confirmed"
	ChatMessageFailed       = "message.failed"
	ChatConversationsLoaded = "conversations.loaded"
	ChatConversationOpened  = "conversation.opened"
	ChatLoggedOut           = "logout"
)

// ============================================================================
// Event Emitter
// ============================================================================

// ChatEventHandler handles chat coordinator events.
type ChatEventHandler func(event string, payload any)

type chatEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]ChatEventHandler
	logger    *slog.Logger
}

func (e *chatEmitter) On(event string, handler ChatEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *chatEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if v := recover(); v != nil {
					e.logger.Error("chat listener panicked", "event", event, "panic", v)
				}
			}()
			h(event, payload)
		}()
	}
}

// ============================================================================
// Chat
// ============================================================================

// Chat wires the REST client, the ledger and the realtime adapter into the
// user-facing chat flows.
type Chat struct {
	chatEmitter
	client   *Client
	ledger   *Ledger
	realtime *Realtime
}

type ChatOption func(*Chat)

func WithChatLogger(logger *slog.Logger) ChatOption {
	return func(c *Chat) { c.logger = logger }
}

// NewChat creates a coordinator. realtime may be nil for REST-only use.
func NewChat(client *Client, ledger *Ledger, realtime *Realtime, opts ...ChatOption) *Chat {
	c := &Chat{
		chatEmitter: chatEmitter{
			listeners: make(map[string][]ChatEventHandler),
			logger:    slog.Default(),
		},
		client:   client,
		ledger:   ledger,
		realtime: realtime,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chat) Ledger() *Ledger { return c.ledger }

func (c *Chat) Realtime() *Realtime { return c.realtime }

func (c *Chat) me() (string, error) {
	id, ok := c.ledger.CurrentUserID()
	if !ok {
		return "", ErrNotAuthenticated
	}
	return id, nil
}

// Connect stores token on the REST client and opens the realtime channel.
func (c *Chat) Connect(ctx context.Context, token string) error {
	c.client.SetToken(token)
	if c.realtime == nil {
		return nil
	}
	if err := c.realtime.Connect(ctx, token); err != nil {
		return fmt.Errorf("connect realtime: %w", err)
	}
	return nil
}

// LoadConversations fetches the conversation list and upserts every entry.
func (c *Chat) LoadConversations(ctx context.Context) ([]Session, error) {
	me, err := c.me()
	if err != nil {
		return nil, err
	}
	summaries, err := c.client.Conversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	// The backend lists newest first and upserts insert at the head.
	for i := len(summaries) - 1; i >= 0; i-- {
		c.ledger.UpsertSession(summaryPatch(me, summaries[i], c.logger))
	}
	sessions := c.ledger.Sessions()
	c.emit(ChatConversationsLoaded, sessions)
	return sessions, nil
}

func summaryPatch(me string, s ConversationSummary, logger *slog.Logger) SessionPatch {
	other, item := string(s.OtherUserID), string(s.ItemID)
	unread := s.UnreadCount
	p := SessionPatch{
		ID:            ConversationKey(me, other, item),
		OtherUserID:   &other,
		OtherUsername: &s.OtherUsername,
		ItemID:        &item,
		ItemTitle:     &s.ItemTitle,
		ItemImage:     &s.ItemImage,
		UnreadCount:   &unread,
	}
	if s.LastMessageTime.Set {
		if ts, err := s.LastMessageTime.Parse(); err == nil {
			p.LastMessageAt = &ts
		} else {
			logger.Warn("ignoring last_message_time", "conversation_id", p.ID, "error", err)
		}
	}
	return p
}

// OpenConversation makes the conversation with otherUserID about itemID the
// active one: it joins the room, merges the history and marks it read. The
// conversation id is returned.
func (c *Chat) OpenConversation(ctx context.Context, otherUserID, itemID string) (string, error) {
	me, err := c.me()
	if err != nil {
		return "", err
	}
	id := ConversationKey(me, otherUserID, itemID)

	if prev, ok := c.ledger.ActiveSession(); ok && prev != id {
		c.leave(ctx, prev)
	}
	c.ledger.UpsertSession(SessionPatch{ID: id, OtherUserID: &otherUserID, ItemID: &itemID})
	c.ledger.SetActiveSession(id)

	if c.realtime != nil {
		if err := c.realtime.JoinConversation(ctx, id); err != nil {
			c.logger.Warn("join conversation", "conversation_id", id, "error", err)
		}
	}

	history, err := c.client.History(ctx, otherUserID, itemID)
	if err != nil {
		return id, fmt.Errorf("load history: %w", err)
	}
	for _, raw := range history {
		if _, err := c.ledger.AddMessage(raw, OriginHistory); err != nil {
			c.logger.Warn("skipping history record", "conversation_id", id, "error", err)
		}
	}
	c.ledger.MarkSessionRead(id)
	c.emit(ChatConversationOpened, id)
	return id, nil
}

// CloseConversation leaves the active conversation's room and clears it.
func (c *Chat) CloseConversation(ctx context.Context) {
	id, ok := c.ledger.ActiveSession()
	if !ok {
		return
	}
	c.leave(ctx, id)
	c.ledger.ClearActiveSession()
}

func (c *Chat) leave(ctx context.Context, id string) {
	if c.realtime == nil {
		return
	}
	if err := c.realtime.LeaveConversation(ctx, id); err != nil && !errors.Is(err, ErrChannelUnavailable) {
		c.logger.Warn("leave conversation", "conversation_id", id, "error", err)
	}
}

// SendMessage shows the message optimistically, posts it, and then swaps the
// provisional entry for the server's copy. On failure the provisional entry
// is removed again.
func (c *Chat) SendMessage(ctx context.Context, toUserID, itemID, content string) (Message, error) {
	me, err := c.me()
	if err != nil {
		return Message{}, err
	}
	convID := ConversationKey(me, toUserID, itemID)
	local, err := c.ledger.AddMessage(RawMessage{
		ConversationID: FlexID(convID),
		FromUserID:     FlexID(me),
		ToUserID:       FlexID(toUserID),
		ItemID:         FlexID(itemID),
		Content:        Text(content),
	}, OriginLocal)
	if err != nil {
		return Message{}, err
	}
	c.emit(ChatMessageLocal, local)

	sent, err := c.client.Send(ctx, toUserID, itemID, content)
	if err != nil {
		c.ledger.DropMessage(convID, local.ID)
		c.emit(ChatMessageFailed, local)
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	if sent.ConversationID == "" {
		sent.ConversationID = FlexID(convID)
	}
	confirmed, err := c.ledger.ConfirmMessage(local.ID, *sent)
	if err != nil {
		c.ledger.DropMessage(convID, local.ID)
		c.emit(ChatMessageFailed, local)
		return Message{}, err
	}
	c.emit(ChatMessageConfirmed, confirmed)
	return confirmed, nil
}

// SetTyping announces the current user's typing state in conversationID.
func (c *Chat) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	me, err := c.me()
	if err != nil {
		return err
	}
	if c.realtime == nil {
		return ErrChannelUnavailable
	}
	return c.realtime.SendTyping(ctx, conversationID, me, isTyping)
}

// Logout ends the server session best-effort, drops the channel and clears
// all chat state.
func (c *Chat) Logout(ctx context.Context) {
	if err := c.client.Logout(ctx); err != nil && !errors.Is(err, ErrNotAuthenticated) {
		c.logger.Warn("server logout failed", "error", err)
	}
	c.client.SetToken("")
	if c.realtime != nil {
		c.realtime.Disconnect()
	}
	c.ledger.ClearAll()
	c.emit(ChatLoggedOut, nil)
}
