package chatsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func setupInspect(t *testing.T) (http.Handler, *Ledger) {
	t.Helper()
	l := newTestLedger("1")
	mustAdd(t, l, incoming("m1", "c1", "2", "1", "hi"), OriginStream)
	mustAdd(t, l, incoming("m2", "c1", "2", "1", "there"), OriginStream)
	mustAdd(t, l, incoming("m3", "c2", "3", "1", "yo"), OriginStream)
	l.Typing().SetTyping("c1", "2", true)
	return NewInspectHandler(l, nil), l
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if out != nil && resp.Code == http.StatusOK {
		if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.Code
}

func TestInspect_Sessions(t *testing.T) {
	h, _ := setupInspect(t)

	var sessions []Session
	if code := get(t, h, "/sessions", &sessions); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(sessions) != 2 || sessions[0].ID != "c2" {
		t.Errorf("unexpected sessions %+v", sessions)
	}

	var s Session
	if code := get(t, h, "/sessions/c1", &s); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if s.UnreadCount != 2 || s.LastMessage != "there" {
		t.Errorf("unexpected session %+v", s)
	}

	if code := get(t, h, "/sessions/nope", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestInspect_Messages(t *testing.T) {
	h, _ := setupInspect(t)

	var msgs []Message
	if code := get(t, h, "/sessions/c1/messages", &msgs); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("unexpected messages %+v", msgs)
	}
	if code := get(t, h, "/sessions/nope/messages", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestInspect_TypingAndUnread(t *testing.T) {
	h, l := setupInspect(t)

	var typing struct {
		ConversationID string   `json:"conversation_id"`
		Typing         []string `json:"typing"`
	}
	get(t, h, "/sessions/c1/typing", &typing)
	if len(typing.Typing) != 1 || typing.Typing[0] != "2" {
		t.Errorf("unexpected typing %+v", typing)
	}

	var unread struct {
		Total    int            `json:"total"`
		Sessions map[string]int `json:"sessions"`
	}
	get(t, h, "/unread", &unread)
	if unread.Total != 3 || unread.Sessions["c1"] != 2 || unread.Sessions["c2"] != 1 {
		t.Errorf("unexpected unread %+v", unread)
	}

	l.SetActiveSession("c1")
	var status struct {
		UserID        string `json:"user_id"`
		State         string `json:"state"`
		ActiveSession string `json:"active_session"`
	}
	get(t, h, "/status", &status)
	if status.UserID != "1" || status.State != string(StateDisconnected) || status.ActiveSession != "c1" {
		t.Errorf("unexpected status %+v", status)
	}
}
