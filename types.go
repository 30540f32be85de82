package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error envelope returned by the marketplace backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}

// Result is the {ok, data, error} envelope every backend endpoint answers with.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals Data into v.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return fmt.Errorf("no data in response")
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Flexible scalars
// ============================================================================

// FlexID is an identifier that may arrive as a JSON number or string. It is
// always held in canonical string form so ids from REST and stream sources
// compare equal.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	case 't', 'f':
		return fmt.Errorf("id must be a string or number, got %s", data)
	case '{', '[':
		return fmt.Errorf("id must be a string or number, got %c", data[0])
	}
	canonical, err := canonicalNumber(string(data))
	if err != nil {
		return err
	}
	*id = FlexID(canonical)
	return nil
}

func (id FlexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

func (id FlexID) String() string { return string(id) }

func canonicalNumber(s string) (string, error) {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return s, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("invalid numeric id %q", s)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// FlexBool is an optional boolean that also accepts 0/1, which is how the
// backend's sqlite rows encode is_read.
type FlexBool struct {
	Value bool
	Set   bool
}

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "":
		*b = FlexBool{}
	case "true", "1":
		*b = FlexBool{Value: true, Set: true}
	case "false", "0":
		*b = FlexBool{Value: false, Set: true}
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

func (b FlexBool) MarshalJSON() ([]byte, error) {
	if !b.Set {
		return []byte("null"), nil
	}
	return json.Marshal(b.Value)
}

// Bool returns a set FlexBool.
func Bool(v bool) FlexBool { return FlexBool{Value: v, Set: true} }

// FlexTime keeps the raw created_at value; parsing happens in the
// normalizer so a malformed timestamp rejects the record instead of failing
// the whole payload decode.
type FlexTime struct {
	Raw string
	Set bool
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = FlexTime{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = FlexTime{Raw: s, Set: s != ""}
		return nil
	}
	*t = FlexTime{Raw: string(data), Set: true}
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if !t.Set {
		return []byte("null"), nil
	}
	return json.Marshal(t.Raw)
}

// Time returns a FlexTime carrying ts in RFC3339Nano.
func Time(ts time.Time) FlexTime {
	return FlexTime{Raw: ts.UTC().Format(time.RFC3339Nano), Set: true}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Parse interprets the raw value as one of the backend's timestamp layouts or
// as unix seconds.
func (t FlexTime) Parse() (time.Time, error) {
	raw := strings.TrimSpace(t.Raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", t.Raw)
}

// ============================================================================
// Chat Entities
// ============================================================================

// Origin tells the normalizer where a raw record came from.
type Origin int

const (
	// OriginStream is a record pushed by the realtime channel.
	OriginStream Origin = iota
	// OriginHistory is a record fetched over REST.
	OriginHistory
	// OriginLocal is an optimistic record created by this client before the
	// server acknowledged it.
	OriginLocal
)

func (o Origin) String() string {
	switch o {
	case OriginStream:
		return "stream"
	case OriginHistory:
		return "history"
	case OriginLocal:
		return "local"
	}
	return "unknown"
}

// RawMessage is an inbound message record as delivered by new_message events
// or REST history fetches.
type RawMessage struct {
	ID             FlexID   `json:"id"`
	ConversationID FlexID   `json:"conversation_id"`
	FromUserID     FlexID   `json:"from_user_id"`
	ToUserID       FlexID   `json:"to_user_id"`
	ItemID         FlexID   `json:"item_id"`
	Content        *string  `json:"content"`
	CreatedAt      FlexTime `json:"created_at"`
	SenderName     string   `json:"sender_name,omitempty"`
	FromUsername   string   `json:"from_username,omitempty"`
	ToUsername     string   `json:"to_username,omitempty"`
	IsRead         FlexBool `json:"is_read"`
}

// Text is a helper for building RawMessage literals.
func Text(s string) *string { return &s }

// Message is the canonical, normalized chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	FromUserID     string    `json:"from_user_id"`
	ToUserID       string    `json:"to_user_id"`
	ItemID         string    `json:"item_id,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	SenderName     string    `json:"sender_name,omitempty"`
	IsRead         bool      `json:"is_read"`
	Provisional    bool      `json:"provisional,omitempty"`
}

// Session is one entry of the conversation list.
type Session struct {
	ID            string    `json:"id"`
	OtherUserID   string    `json:"other_user_id"`
	OtherUsername string    `json:"other_username,omitempty"`
	ItemID        string    `json:"item_id,omitempty"`
	ItemTitle     string    `json:"item_title,omitempty"`
	ItemImage     string    `json:"item_image,omitempty"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int       `json:"unread_count"`
}

// SessionPatch carries a partial Session for UpsertSession. Nil fields are
// left untouched on an existing entry.
type SessionPatch struct {
	ID            string
	OtherUserID   *string
	OtherUsername *string
	ItemID        *string
	ItemTitle     *string
	ItemImage     *string
	LastMessage   *string
	LastMessageAt *time.Time
	UnreadCount   *int
}

// ============================================================================
// Realtime Payloads
// ============================================================================

// TypingEventPayload is the inbound user_typing payload.
type TypingEventPayload struct {
	UserID         FlexID   `json:"user_id"`
	OtherUserID    FlexID   `json:"other_user_id,omitempty"`
	ConversationID FlexID   `json:"conversation_id,omitempty"`
	IsTyping       FlexBool `json:"is_typing"`
}

// TypingCommand is the outbound typing payload.
type TypingCommand struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// RoomCommand is the outbound join_conversation / leave_conversation payload.
type RoomCommand struct {
	ConversationID string `json:"conversation_id"`
}

// ============================================================================
// REST Types
// ============================================================================

// User is the account returned by /auth/login and /api/auth/me.
type User struct {
	ID        FlexID `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// LoginData is the payload of a successful login.
type LoginData struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	User        User   `json:"user"`
}

// ConversationSummary is one row of GET /api/messages/conversations.
type ConversationSummary struct {
	OtherUserID     FlexID   `json:"other_user_id"`
	OtherUsername   string   `json:"other_username"`
	ItemID          FlexID   `json:"item_id"`
	ItemTitle       string   `json:"item_title"`
	ItemImage       string   `json:"item_image"`
	LastMessageTime FlexTime `json:"last_message_time"`
	UnreadCount     int      `json:"unread_count"`
}
