package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Wire Contract
// ============================================================================

// Inbound events.
const (
	EventNewMessage = "new_message"
	EventUserTyping = "user_typing"
)

// Outbound events.
const (
	EventTyping            = "typing"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
)

// Lifecycle events delivered by a Channel.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
	EventReconnecting = "reconnecting"
)

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// EventHandler receives the first argument of an event. Lifecycle events
// carry a JSON object describing the transition, or nothing.
type EventHandler func(payload json.RawMessage)

// Channel is a duplex event connection. Handlers registered with On survive
// transport-level reconnects and are invoked in arrival order.
type Channel interface {
	On(event string, h EventHandler)
	// Open establishes the connection; the outcome is also reported through
	// the connect / connect_error lifecycle events.
	Open(ctx context.Context) error
	Emit(ctx context.Context, event string, payload any) error
	Close() error
}

// AckChannel is a Channel that supports acknowledged emits.
type AckChannel interface {
	Channel
	EmitWithAck(ctx context.Context, event string, payload any) ([]json.RawMessage, error)
}

// Dialer builds an unopened Channel authenticated with token.
type Dialer interface {
	Dial(token string) (Channel, error)
}

// ============================================================================
// Realtime Adapter
// ============================================================================

type pendingHandler struct {
	event   string
	handler EventHandler
}

// Realtime bridges a Channel to a Ledger: inbound new_message and
// user_typing events are merged into the ledger and its typing tracker, and
// outbound room and typing events are emitted on the live channel.
type Realtime struct {
	dialer Dialer
	ledger *Ledger
	logger *slog.Logger

	mu       sync.Mutex
	channel  Channel
	state    RealtimeState
	bound    bool
	pending  []pendingHandler
	watchers []func(RealtimeState)
}

// RealtimeOption configures a Realtime adapter.
type RealtimeOption func(*Realtime)

func WithRealtimeLogger(logger *slog.Logger) RealtimeOption {
	return func(r *Realtime) { r.logger = logger }
}

// NewRealtime creates a disconnected adapter.
func NewRealtime(dialer Dialer, ledger *Ledger, opts ...RealtimeOption) *Realtime {
	r := &Realtime{
		dialer: dialer,
		ledger: ledger,
		logger: slog.Default(),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current connection state.
func (r *Realtime) State() RealtimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnStateChange registers an observer for state transitions.
func (r *Realtime) OnStateChange(fn func(RealtimeState)) {
	r.mu.Lock()
	r.watchers = append(r.watchers, fn)
	r.mu.Unlock()
}

// Connect dials a channel and opens it. Calling Connect while a channel
// exists and is not disconnected is a no-op.
func (r *Realtime) Connect(ctx context.Context, token string) error {
	r.mu.Lock()
	if r.channel != nil && r.state != StateDisconnected {
		state := r.state
		r.mu.Unlock()
		r.logger.Debug("realtime already connected", "state", state)
		return nil
	}
	old := r.channel
	ch, err := r.dialer.Dial(token)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("dial realtime channel: %w", err)
	}
	r.channel = ch
	r.bound = false
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}

	ch.On(EventConnect, func(json.RawMessage) { r.handleConnect(ch) })
	ch.On(EventConnectError, func(p json.RawMessage) { r.handleConnectError(ch, p) })
	ch.On(EventDisconnect, func(p json.RawMessage) { r.handleDisconnect(ch, p) })
	ch.On(EventReconnecting, func(p json.RawMessage) { r.transition(ch, StateReconnecting) })

	r.transition(ch, StateConnecting)
	return ch.Open(ctx)
}

// Disconnect tears the channel down and forgets queued registrations.
func (r *Realtime) Disconnect() error {
	r.mu.Lock()
	ch := r.channel
	r.channel = nil
	r.bound = false
	r.pending = nil
	changed := r.state != StateDisconnected
	r.state = StateDisconnected
	watchers := append([]func(RealtimeState){}, r.watchers...)
	r.mu.Unlock()

	if changed {
		notify(watchers, StateDisconnected)
	}
	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil {
		r.logger.Error("realtime disconnect", "error", err)
		return err
	}
	return nil
}

// On binds h to event on the live channel, or queues it until the channel
// reaches the connected state.
func (r *Realtime) On(event string, h EventHandler) {
	r.mu.Lock()
	if r.channel == nil || r.state != StateConnected {
		r.pending = append(r.pending, pendingHandler{event: event, handler: h})
		r.mu.Unlock()
		return
	}
	ch := r.channel
	r.mu.Unlock()
	ch.On(event, h)
}

// PendingCount reports how many registrations wait for a connection.
func (r *Realtime) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Emit sends event on the channel. Without a channel it logs a warning and
// returns ErrChannelUnavailable.
func (r *Realtime) Emit(ctx context.Context, event string, payload any) error {
	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	if ch == nil {
		r.logger.Warn("realtime emit without channel", "event", event)
		return ErrChannelUnavailable
	}
	return ch.Emit(ctx, event, payload)
}

// EmitWithAck sends event and waits for the server's acknowledgement.
func (r *Realtime) EmitWithAck(ctx context.Context, event string, payload any) ([]json.RawMessage, error) {
	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	if ch == nil {
		r.logger.Warn("realtime emit without channel", "event", event)
		return nil, ErrChannelUnavailable
	}
	ac, ok := ch.(AckChannel)
	if !ok {
		return nil, fmt.Errorf("channel does not support acknowledgements")
	}
	return ac.EmitWithAck(ctx, event, payload)
}

func (r *Realtime) SendTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	return r.Emit(ctx, EventTyping, TypingCommand{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
}

func (r *Realtime) JoinConversation(ctx context.Context, conversationID string) error {
	return r.Emit(ctx, EventJoinConversation, RoomCommand{ConversationID: conversationID})
}

func (r *Realtime) LeaveConversation(ctx context.Context, conversationID string) error {
	return r.Emit(ctx, EventLeaveConversation, RoomCommand{ConversationID: conversationID})
}

// ============================================================================
// Lifecycle
// ============================================================================

func (r *Realtime) handleConnect(ch Channel) {
	r.mu.Lock()
	if r.channel != ch {
		r.mu.Unlock()
		return
	}
	previous := r.state
	r.state = StateConnected
	bindCore := !r.bound
	r.bound = true
	pending := r.pending
	r.pending = nil
	watchers := append([]func(RealtimeState){}, r.watchers...)
	r.mu.Unlock()

	if bindCore {
		ch.On(EventNewMessage, r.handleNewMessage)
		ch.On(EventUserTyping, r.handleUserTyping)
	}
	for _, p := range pending {
		ch.On(p.event, p.handler)
	}
	r.logger.Info("realtime connected", "bound_pending", len(pending))
	notify(watchers, StateConnected)

	if previous == StateReconnecting && r.ledger != nil {
		if active, ok := r.ledger.ActiveSession(); ok {
			if err := r.JoinConversation(context.Background(), active); err != nil {
				r.logger.Warn("rejoin active conversation", "conversation_id", active, "error", err)
			}
		}
	}
}

func (r *Realtime) handleConnectError(ch Channel, payload json.RawMessage) {
	r.logger.Error("realtime connect error", "reason", connectErrorMessage(payload))
	r.transition(ch, StateDisconnected)
}

func (r *Realtime) handleDisconnect(ch Channel, payload json.RawMessage) {
	var info struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(payload, &info)
	r.logger.Info("realtime disconnected", "reason", info.Reason)
	r.transition(ch, StateDisconnected)
}

func (r *Realtime) transition(ch Channel, state RealtimeState) {
	r.mu.Lock()
	if r.channel != ch || r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	watchers := append([]func(RealtimeState){}, r.watchers...)
	r.mu.Unlock()
	notify(watchers, state)
}

func notify(watchers []func(RealtimeState), state RealtimeState) {
	for _, w := range watchers {
		w(state)
	}
}

// ============================================================================
// Inbound Events
// ============================================================================

func (r *Realtime) handleNewMessage(payload json.RawMessage) {
	defer r.recoverMerge(EventNewMessage)
	if r.ledger == nil {
		return
	}
	var raw RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		r.logger.Warn("dropping new_message", "error", fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		return
	}
	msg, err := r.ledger.AddMessage(raw, OriginStream)
	if err != nil {
		r.logger.Warn("dropping new_message", "error", err)
		return
	}
	r.logger.Debug("message merged", "conversation_id", msg.ConversationID, "message_id", msg.ID)
}

func (r *Realtime) handleUserTyping(payload json.RawMessage) {
	defer r.recoverMerge(EventUserTyping)
	if r.ledger == nil {
		return
	}
	var p TypingEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.logger.Warn("dropping user_typing", "error", err)
		return
	}
	if p.UserID == "" {
		r.logger.Warn("dropping user_typing", "error", "user_id is required")
		return
	}
	convID := string(p.ConversationID)
	if convID == "" {
		if p.OtherUserID == "" {
			r.logger.Warn("dropping user_typing", "error", "conversation_id or other_user_id is required")
			return
		}
		convID = PairKey(string(p.UserID), string(p.OtherUserID))
	}
	r.ledger.Typing().SetTyping(convID, string(p.UserID), p.IsTyping.Value)
}

func (r *Realtime) recoverMerge(event string) {
	if v := recover(); v != nil {
		err := &MergeError{Event: event, Cause: v}
		r.logger.Error("realtime handler failed", "error", err)
	}
}
