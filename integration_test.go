//go:build integration

package chatsync_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/boyamarket/chatsync"
)

// helpers ---------------------------------------------------------------

func env(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s environment variable is required", key)
	}
	return v
}

func testBaseURL() string {
	if v := os.Getenv("BOYACHAT_BASE_URL_TEST"); v != "" {
		return v
	}
	return chatsync.DefaultBaseURL
}

func testSocketURL() string {
	if v := os.Getenv("BOYACHAT_SOCKET_URL_TEST"); v != "" {
		return v
	}
	return testBaseURL()
}

func login(t *testing.T, ctx context.Context) (*chatsync.Client, *chatsync.LoginData) {
	t.Helper()
	client := chatsync.NewClient("", chatsync.WithBaseURL(testBaseURL()))
	data, err := client.Login(ctx, env(t, "BOYACHAT_USERNAME_TEST"), env(t, "BOYACHAT_PASSWORD_TEST"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return client, data
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_LoginAndMe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, data := login(t, ctx)
	if data.AccessToken == "" {
		t.Fatal("expected access token")
	}
	me, err := client.Me(ctx)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.ID != data.User.ID {
		t.Errorf("Me id %s differs from login id %s", me.ID, data.User.ID)
	}
	t.Logf("logged in as %s (%s)", me.Username, me.ID)
}

func TestIntegration_LoadConversations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, data := login(t, ctx)
	ledger := chatsync.NewLedger(chatsync.StaticIdentity(string(data.User.ID)))
	chat := chatsync.NewChat(client, ledger, nil)

	sessions, err := chat.LoadConversations(ctx)
	if err != nil {
		t.Fatalf("LoadConversations: %v", err)
	}
	t.Logf("%d conversations, %d unread", len(sessions), ledger.TotalUnread())
	if len(sessions) == 0 {
		return
	}

	s := sessions[0]
	id, err := chat.OpenConversation(ctx, s.OtherUserID, s.ItemID)
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if ledger.UnreadOf(id) != 0 {
		t.Errorf("expected opened conversation to be read, got %d", ledger.UnreadOf(id))
	}
	t.Logf("opened %s with %d messages", id, len(ledger.MessagesOf(id)))
}

// =======================================================================
// Realtime
// =======================================================================

func TestIntegration_RealtimeConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, data := login(t, ctx)
	ledger := chatsync.NewLedger(chatsync.StaticIdentity(string(data.User.ID)))
	dialer := chatsync.SocketDialer{Config: chatsync.RealtimeConfig{URL: testSocketURL()}}
	rt := chatsync.NewRealtime(dialer, ledger)

	if err := rt.Connect(ctx, data.AccessToken); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rt.Disconnect()

	deadline := time.Now().Add(10 * time.Second)
	for rt.State() != chatsync.StateConnected && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if rt.State() != chatsync.StateConnected {
		t.Fatalf("expected connected, got %s", rt.State())
	}

	if err := rt.JoinConversation(ctx, "integration_probe"); err != nil {
		t.Errorf("JoinConversation: %v", err)
	}
	if err := rt.LeaveConversation(ctx, "integration_probe"); err != nil {
		t.Errorf("LeaveConversation: %v", err)
	}
}
