package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake Socket.IO server
// ============================================================================

type fakeSocketServer struct {
	srv      *httptest.Server
	token    string
	accepted atomic.Int32
	conns    chan *websocket.Conn
	frames   chan string
}

func newFakeSocketServer(t *testing.T, token string) *fakeSocketServer {
	t.Helper()
	fs := &fakeSocketServer{
		token:  token,
		conns:  make(chan *websocket.Conn, 4),
		frames: make(chan string, 64),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeSocketServer) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if r.URL.Path != "/socket.io/" || q.Get("EIO") != "4" || q.Get("transport") != "websocket" {
		http.Error(w, "bad handshake", http.StatusBadRequest)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusInternalError, "")
	ctx := context.Background()
	fs.accepted.Add(1)

	open := `0{"sid":"abc","pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`
	if err := c.Write(ctx, websocket.MessageText, []byte(open)); err != nil {
		return
	}
	_, data, err := c.Read(ctx)
	if err != nil || !bytes.HasPrefix(data, []byte("40")) {
		return
	}
	var auth struct {
		Token string `json:"token"`
	}
	json.Unmarshal(data[2:], &auth)
	if auth.Token != fs.token {
		c.Write(ctx, websocket.MessageText, []byte(`44{"message":"unauthorized"}`))
		c.Close(websocket.StatusNormalClosure, "")
		return
	}
	if err := c.Write(ctx, websocket.MessageText, []byte(`40{"sid":"s1"}`)); err != nil {
		return
	}
	fs.conns <- c
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		fs.frames <- string(data)
	}
}

func (fs *fakeSocketServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func (fs *fakeSocketServer) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return ""
	}
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func openChannel(t *testing.T, fs *fakeSocketServer, cfg RealtimeConfig) (*SocketChannel, chan string) {
	t.Helper()
	cfg.URL = fs.srv.URL
	ch := NewSocketChannel(cfg)
	t.Cleanup(func() { ch.Close() })

	lifecycle := make(chan string, 16)
	for _, ev := range []string{EventConnect, EventConnectError, EventDisconnect, EventReconnecting} {
		ev := ev
		ch.On(ev, func(json.RawMessage) { lifecycle <- ev })
	}
	return ch, lifecycle
}

// ============================================================================
// Tests
// ============================================================================

func TestSocketChannel_HandshakeAndEvents(t *testing.T) {
	fs := newFakeSocketServer(t, "good")
	ch, lifecycle := openChannel(t, fs, RealtimeConfig{Token: "good"})

	messages := make(chan string, 4)
	ch.On(EventNewMessage, func(p json.RawMessage) { messages <- string(p) })

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ev := recv(t, lifecycle); ev != EventConnect {
		t.Fatalf("expected connect, got %s", ev)
	}
	if !ch.Connected() {
		t.Error("expected Connected")
	}

	conn := fs.nextConn(t)
	send(t, conn, `42["new_message",{"id":1,"content":"first"}]`)
	send(t, conn, `42["new_message",{"id":2,"content":"second"}]`)

	if got := recv(t, messages); !strings.Contains(got, "first") {
		t.Errorf("unexpected first payload %s", got)
	}
	if got := recv(t, messages); !strings.Contains(got, "second") {
		t.Errorf("events must arrive in order, got %s", got)
	}
}

func TestSocketChannel_ConnectError(t *testing.T) {
	fs := newFakeSocketServer(t, "good")
	ch, lifecycle := openChannel(t, fs, RealtimeConfig{Token: "bad"})

	err := ch.Open(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if ev := recv(t, lifecycle); ev != EventConnectError {
		t.Errorf("expected connect_error, got %s", ev)
	}
	if ch.Connected() {
		t.Error("expected not connected")
	}
}

func TestSocketChannel_PingPongAndEmit(t *testing.T) {
	fs := newFakeSocketServer(t, "good")
	ch, _ := openChannel(t, fs, RealtimeConfig{Token: "good"})
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := fs.nextConn(t)

	send(t, conn, "2")
	if got := fs.nextFrame(t); got != "3" {
		t.Fatalf("expected pong, got %q", got)
	}

	err := ch.Emit(context.Background(), EventTyping, TypingCommand{ConversationID: "c1", UserID: "1", IsTyping: true})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	want := `42["typing",{"conversation_id":"c1","user_id":"1","is_typing":true}]`
	if got := fs.nextFrame(t); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestSocketChannel_EmitWithAck(t *testing.T) {
	fs := newFakeSocketServer(t, "good")
	ch, _ := openChannel(t, fs, RealtimeConfig{Token: "good"})
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := fs.nextConn(t)

	type result struct {
		args []json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		args, err := ch.EmitWithAck(context.Background(), EventJoinConversation, RoomCommand{ConversationID: "c1"})
		done <- result{args, err}
	}()

	frame := fs.nextFrame(t)
	if frame != `420["join_conversation",{"conversation_id":"c1"}]` {
		t.Fatalf("unexpected frame %s", frame)
	}
	send(t, conn, `430[{"ok":true}]`)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("EmitWithAck: %v", r.err)
		}
		if len(r.args) != 1 || string(r.args[0]) != `{"ok":true}` {
			t.Errorf("unexpected ack args %s", r.args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestSocketChannel_CloseEmitsDisconnect(t *testing.T) {
	fs := newFakeSocketServer(t, "good")
	ch, lifecycle := openChannel(t, fs, RealtimeConfig{Token: "good"})
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	recv(t, lifecycle)

	ch.Close()
	if ev := recv(t, lifecycle); ev != EventDisconnect {
		t.Errorf("expected disconnect, got %s", ev)
	}
	if err := ch.Emit(context.Background(), EventTyping, nil); err == nil {
		t.Error("emit after close should fail")
	}
	if err := ch.Open(context.Background()); err == nil {
		t.Error("closed channel must not reopen")
	}
}

func TestSocketChannel_AutoReconnect(t *testing.T) {
	fs := newFakeSocketServer(t, "good")
	ch, lifecycle := openChannel(t, fs, RealtimeConfig{
		Token:              "good",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  time.Second,
	})
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ev := recv(t, lifecycle); ev != EventConnect {
		t.Fatalf("expected connect, got %s", ev)
	}

	first := fs.nextConn(t)
	first.Close(websocket.StatusGoingAway, "restart")

	for _, want := range []string{EventDisconnect, EventReconnecting, EventConnect} {
		if ev := recv(t, lifecycle); ev != want {
			t.Fatalf("expected %s, got %s", want, ev)
		}
	}
	fs.nextConn(t)
	if got := fs.accepted.Load(); got != 2 {
		t.Errorf("expected 2 connections, got %d", got)
	}
}

func TestSocketDialer(t *testing.T) {
	d := SocketDialer{Config: RealtimeConfig{URL: "http://example.test", Token: "old"}}
	ch, err := d.Dial("new")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sc := ch.(*SocketChannel)
	if sc.config.Token != "new" {
		t.Errorf("expected token override, got %q", sc.config.Token)
	}

	if _, err := (SocketDialer{}).Dial("tok"); err == nil {
		t.Error("expected error without URL")
	}

	cfg := RealtimeConfig{URL: "https://chat.example.test/base"}
	cfg.defaults()
	u, err := cfg.endpoint()
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if u != "wss://chat.example.test/base/socket.io/?EIO=4&transport=websocket" {
		t.Errorf("unexpected endpoint %s", u)
	}
}
