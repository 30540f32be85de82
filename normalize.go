package chatsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Normalizer turns raw message records into canonical Messages.
type Normalizer struct {
	Clock func() time.Time
	NewID func() string
}

func (n Normalizer) now() time.Time {
	if n.Clock != nil {
		return n.Clock()
	}
	return time.Now().UTC()
}

func (n Normalizer) provisionalID() string {
	if n.NewID != nil {
		return n.NewID()
	}
	return "local-" + uuid.NewString()
}

// Normalize validates raw and builds the canonical Message. activeID is the
// currently open conversation, or "" when none is open.
func (n Normalizer) Normalize(raw RawMessage, origin Origin, activeID string) (Message, error) {
	convID := strings.TrimSpace(string(raw.ConversationID))
	if convID == "" {
		return Message{}, invalid("conversation_id", "is required")
	}
	if raw.FromUserID == "" {
		return Message{}, invalid("from_user_id", "is required")
	}
	if raw.ToUserID == "" {
		return Message{}, invalid("to_user_id", "is required")
	}
	if raw.Content == nil {
		return Message{}, invalid("content", "is required")
	}

	msg := Message{
		ID:             string(raw.ID),
		ConversationID: convID,
		FromUserID:     string(raw.FromUserID),
		ToUserID:       string(raw.ToUserID),
		ItemID:         string(raw.ItemID),
		Content:        *raw.Content,
		SenderName:     raw.SenderName,
	}
	if msg.SenderName == "" {
		msg.SenderName = raw.FromUsername
	}

	if msg.ID == "" {
		if origin != OriginLocal {
			return Message{}, invalid("id", "is required for "+origin.String()+" records")
		}
		msg.ID = n.provisionalID()
		msg.Provisional = true
	}

	if raw.CreatedAt.Set {
		ts, err := raw.CreatedAt.Parse()
		if err != nil {
			return Message{}, invalid("created_at", err.Error())
		}
		msg.CreatedAt = ts
	} else {
		msg.CreatedAt = n.now()
	}

	if raw.IsRead.Set {
		msg.IsRead = raw.IsRead.Value
	} else {
		msg.IsRead = activeID != "" && activeID == convID
	}
	return msg, nil
}
