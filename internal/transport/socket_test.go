package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testServer upgrades one connection and hands it to the test
type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{conns: make(chan *websocket.Conn, 1)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade: %v", err)
			return
		}
		ts.conns <- conn
	}))
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connection")
		return nil
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

func TestSocketChannel_AuthenticatesFirst(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	ch := NewSocketChannel(server.wsURL(), 8, zerolog.Nop())
	if err := ch.Open(context.Background(), "ek_secret"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	conn := server.accept(t)
	defer conn.Close()

	first := readJSON(t, conn)
	if first["type"] != "session.authenticate" || first["token"] != "ek_secret" {
		t.Errorf("Expected authenticate message first, got %v", first)
	}

	if err := ch.Send([]byte(`{"type":"session.update"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	second := readJSON(t, conn)
	if second["type"] != "session.update" {
		t.Errorf("Expected session.update second, got %v", second)
	}
}

func TestSocketChannel_ReceivesMessages(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	received := make(chan []byte, 1)
	ch := NewSocketChannel(server.wsURL(), 8, zerolog.Nop())
	ch.OnMessage(func(msg []byte) { received <- msg })
	if err := ch.Open(context.Background(), "token"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	conn := server.accept(t)
	defer conn.Close()
	readJSON(t, conn)

	conn.WriteJSON(map[string]string{"type": "session.created"})

	select {
	case msg := <-received:
		var decoded map[string]string
		json.Unmarshal(msg, &decoded)
		if decoded["type"] != "session.created" {
			t.Errorf("Expected session.created, got %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for message")
	}
}

func TestSocketChannel_CloseCodes(t *testing.T) {
	tests := []struct {
		name     string
		close    func(conn *websocket.Conn)
		expected int
	}{
		{"normal", func(conn *websocket.Conn) {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		}, CloseNormal},
		{"going away", func(conn *websocket.Conn) {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		}, websocket.CloseGoingAway},
		{"dropped", func(conn *websocket.Conn) {
			conn.Close()
		}, CloseAbnormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t)
			defer server.Close()

			codes := make(chan int, 2)
			ch := NewSocketChannel(server.wsURL(), 8, zerolog.Nop())
			ch.OnClose(func(code int, reason string) { codes <- code })
			if err := ch.Open(context.Background(), "token"); err != nil {
				t.Fatalf("Open failed: %v", err)
			}

			conn := server.accept(t)
			readJSON(t, conn)
			tt.close(conn)

			select {
			case code := <-codes:
				if code != tt.expected {
					t.Errorf("Expected close code %d, got %d", tt.expected, code)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Timed out waiting for close")
			}

			if ch.IsOpen() {
				t.Error("Expected channel closed after remote close")
			}
			if err := ch.Send([]byte("{}")); !errors.Is(err, ErrNotOpen) {
				t.Errorf("Expected ErrNotOpen after close, got %v", err)
			}
			conn.Close()
		})
	}
}

func TestSocketChannel_LocalCloseIsQuietAndIdempotent(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	var mu sync.Mutex
	closes := 0
	ch := NewSocketChannel(server.wsURL(), 8, zerolog.Nop())
	ch.OnClose(func(int, string) {
		mu.Lock()
		closes++
		mu.Unlock()
	})
	if err := ch.Open(context.Background(), "token"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	conn := server.accept(t)
	defer conn.Close()

	if err := ch.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}

	readJSON(t, conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal close frame at server, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if closes != 0 {
		t.Errorf("Expected no OnClose for a local close, got %d", closes)
	}
}

func TestSocketChannel_SendBeforeOpen(t *testing.T) {
	ch := NewSocketChannel("ws://127.0.0.1:1", 8, zerolog.Nop())
	if err := ch.Send([]byte("{}")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen, got %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("Expected Close on unopened channel to succeed, got %v", err)
	}
}

func TestSocketChannel_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	ch := NewSocketChannel("ws"+strings.TrimPrefix(server.URL, "http"), 8, zerolog.Nop())
	err := ch.Open(context.Background(), "token")

	var transportErr *Error
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if transportErr.Op != "dial" || transportErr.Mode != ModeSocket {
		t.Errorf("Unexpected error %+v", transportErr)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected status in error, got %v", err)
	}
}

func TestSocketChannel_OpenTwice(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	ch := NewSocketChannel(server.wsURL(), 8, zerolog.Nop())
	if err := ch.Open(context.Background(), "token"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()
	conn := server.accept(t)
	defer conn.Close()

	if err := ch.Open(context.Background(), "token"); !errors.Is(err, ErrAlreadyOpened) {
		t.Errorf("Expected ErrAlreadyOpened, got %v", err)
	}
}

func TestIsUnexpectedClose(t *testing.T) {
	if IsUnexpectedClose(CloseNormal) {
		t.Error("Expected normal closure not to be unexpected")
	}
	if !IsUnexpectedClose(CloseAbnormal) {
		t.Error("Expected abnormal closure to be unexpected")
	}
	if !IsUnexpectedClose(websocket.CloseGoingAway) {
		t.Error("Expected going away to be unexpected")
	}
}
