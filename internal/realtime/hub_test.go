package realtime

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHub_Broadcast(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(hub.ServeWS))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	// Registration races the broadcast; retry until the message lands.
	msg := []byte(`{"type":"booking.completed","saga_id":"saga-1"}`)
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hub.Broadcast(msg)
			case <-stop:
				return
			}
		}
	}()
	t.Cleanup(func() { close(stop) })

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case got := <-readCh:
		if string(got) != string(msg) {
			t.Fatalf("expected %q, got %q", msg, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	go hub.Run()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(hub.ServeWS))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected read error after hub close")
	}

	// Broadcasting after close must not block.
	done := make(chan struct{})
	go func() {
		hub.Broadcast([]byte("late"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Broadcast blocked after close")
	}
}
