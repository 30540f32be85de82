package chatsync

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalize_RequiredFields(t *testing.T) {
	n := Normalizer{}
	base := func() RawMessage {
		return RawMessage{ID: "1", ConversationID: "c1", FromUserID: "2", ToUserID: "1", Content: Text("hi")}
	}

	tests := []struct {
		name   string
		mutate func(*RawMessage)
		field  string
	}{
		{"missing conversation", func(r *RawMessage) { r.ConversationID = "" }, "conversation_id"},
		{"blank conversation", func(r *RawMessage) { r.ConversationID = "   " }, "conversation_id"},
		{"missing sender", func(r *RawMessage) { r.FromUserID = "" }, "from_user_id"},
		{"missing recipient", func(r *RawMessage) { r.ToUserID = "" }, "to_user_id"},
		{"missing content", func(r *RawMessage) { r.Content = nil }, "content"},
		{"missing id on stream", func(r *RawMessage) { r.ID = "" }, "id"},
		{"bad timestamp", func(r *RawMessage) { r.CreatedAt = FlexTime{Raw: "yesterday", Set: true} }, "created_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := base()
			tt.mutate(&raw)
			_, err := n.Normalize(raw, OriginStream, "")
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
			var invalidErr *InvalidMessageError
			if !errors.As(err, &invalidErr) || invalidErr.Field != tt.field {
				t.Errorf("expected field %q, got %v", tt.field, err)
			}
		})
	}
}

func TestNormalize_EmptyContentIsValid(t *testing.T) {
	msg, err := Normalizer{}.Normalize(RawMessage{
		ID: "1", ConversationID: "c1", FromUserID: "2", ToUserID: "1", Content: Text(""),
	}, OriginStream, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "" {
		t.Errorf("expected empty content, got %q", msg.Content)
	}
}

func TestNormalize_ProvisionalID(t *testing.T) {
	raw := RawMessage{ConversationID: "c1", FromUserID: "1", ToUserID: "2", Content: Text("hi")}

	msg, err := Normalizer{}.Normalize(raw, OriginLocal, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.Provisional || !strings.HasPrefix(msg.ID, "local-") {
		t.Errorf("expected provisional local- id, got %+v", msg)
	}

	other, _ := Normalizer{}.Normalize(raw, OriginLocal, "")
	if other.ID == msg.ID {
		t.Error("provisional ids must be unique")
	}
}

func TestNormalize_Timestamps(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		json string
	}{
		{"rfc3339", `"2024-05-01T10:30:00Z"`},
		{"sqlite", `"2024-05-01 10:30:00"`},
		{"sqlite fraction", `"2024-05-01 10:30:00.000000"`},
		{"iso no zone", `"2024-05-01T10:30:00"`},
		{"unix seconds", `1714559400`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw RawMessage
			body := `{"id":1,"conversation_id":"c1","from_user_id":2,"to_user_id":1,"content":"x","created_at":` + tt.json + `}`
			if err := json.Unmarshal([]byte(body), &raw); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			msg, err := Normalizer{}.Normalize(raw, OriginHistory, "")
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if !msg.CreatedAt.Equal(want) {
				t.Errorf("expected %v, got %v", want, msg.CreatedAt)
			}
		})
	}

	t.Run("missing uses clock", func(t *testing.T) {
		n := Normalizer{Clock: func() time.Time { return want }}
		msg, err := n.Normalize(RawMessage{ID: "1", ConversationID: "c1", FromUserID: "2", ToUserID: "1", Content: Text("x")}, OriginStream, "")
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if !msg.CreatedAt.Equal(want) {
			t.Errorf("expected clock time, got %v", msg.CreatedAt)
		}
	})
}

func TestNormalize_ReadFlagAndSender(t *testing.T) {
	raw := RawMessage{ID: "1", ConversationID: "c1", FromUserID: "2", ToUserID: "1", Content: Text("x"), FromUsername: "bob"}

	msg, _ := Normalizer{}.Normalize(raw, OriginStream, "c1")
	if !msg.IsRead {
		t.Error("message into the active conversation should default to read")
	}
	if msg.SenderName != "bob" {
		t.Errorf("expected sender name from from_username, got %q", msg.SenderName)
	}

	msg, _ = Normalizer{}.Normalize(raw, OriginStream, "c2")
	if msg.IsRead {
		t.Error("message into an inactive conversation should default to unread")
	}

	raw.IsRead = Bool(true)
	raw.SenderName = "Bobby"
	msg, _ = Normalizer{}.Normalize(raw, OriginStream, "")
	if !msg.IsRead {
		t.Error("explicit is_read must win")
	}
	if msg.SenderName != "Bobby" {
		t.Errorf("sender_name must win, got %q", msg.SenderName)
	}
}

func TestFlexScalars(t *testing.T) {
	t.Run("ids", func(t *testing.T) {
		cases := map[string]FlexID{
			`5`:       "5",
			`5.0`:     "5",
			`"5"`:     "5",
			`" 5 "`:   "5",
			`null`:    "",
			`"abc-1"`: "abc-1",
		}
		for in, want := range cases {
			var id FlexID
			if err := json.Unmarshal([]byte(in), &id); err != nil {
				t.Fatalf("%s: %v", in, err)
			}
			if id != want {
				t.Errorf("%s: expected %q, got %q", in, want, id)
			}
		}
		var id FlexID
		if err := json.Unmarshal([]byte(`true`), &id); err == nil {
			t.Error("boolean id should be rejected")
		}
	})

	t.Run("bools", func(t *testing.T) {
		cases := map[string]FlexBool{
			`true`:  {Value: true, Set: true},
			`1`:     {Value: true, Set: true},
			`false`: {Value: false, Set: true},
			`0`:     {Value: false, Set: true},
			`null`:  {},
		}
		for in, want := range cases {
			var b FlexBool
			if err := json.Unmarshal([]byte(in), &b); err != nil {
				t.Fatalf("%s: %v", in, err)
			}
			if b != want {
				t.Errorf("%s: expected %+v, got %+v", in, want, b)
			}
		}
		var b FlexBool
		if err := json.Unmarshal([]byte(`"yes"`), &b); err == nil {
			t.Error("string bool should be rejected")
		}
	})
}
