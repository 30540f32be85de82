package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/boyamarket/chatsync"
)

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, []chatsync.Session{
		{ID: "1_3_8", OtherUserID: "3", OtherUsername: "carol", ItemID: "8", ItemTitle: "Bike", UnreadCount: 2},
		{ID: "1_2_42", OtherUserID: "2", ItemID: "42"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if !strings.Contains(lines[0], "carol / Bike (2 unread)") {
		t.Errorf("unexpected first line %q", lines[0])
	}
	if !strings.Contains(lines[1], "user 2 / item 42") || strings.Contains(lines[1], "unread") {
		t.Errorf("unexpected second line %q", lines[1])
	}
}

func TestPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	printMessage(&buf, chatsync.Message{FromUserID: "2", Content: "hi", CreatedAt: time.Now()})
	if !strings.Contains(buf.String(), "2: hi") {
		t.Errorf("expected sender id fallback, got %q", buf.String())
	}

	buf.Reset()
	printMessage(&buf, chatsync.Message{FromUserID: "2", SenderName: "bob", Content: "hi", CreatedAt: time.Now()})
	if !strings.Contains(buf.String(), "bob: hi") {
		t.Errorf("expected sender name, got %q", buf.String())
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("short"); got != "****" {
		t.Errorf("short key: got %q", got)
	}
	if got := maskKey("abcdefgh12345678wxyz"); got != "abcdefgh...wxyz" {
		t.Errorf("long key: got %q", got)
	}
}
