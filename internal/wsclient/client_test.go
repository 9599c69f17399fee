package wsclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func echoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestClientSendRecvRoundTrip(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	c, err := Dial(Config{URL: wsURL, PingInterval: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Send([]byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-c.Recv():
		if string(msg) != `{"hello":"world"}` {
			t.Fatalf("got %q, want echoed payload", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestClientResubscribedFiresOnDial(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	c, err := Dial(Config{URL: wsURL, Subscribe: []byte(`{"op":"subscribe"}`), PingInterval: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case <-c.Resubscribed():
	case <-time.After(2 * time.Second):
		t.Fatal("expected Resubscribed to fire after initial dial")
	}
}

func TestClientReportsFatalWhenReconnectExhausted(t *testing.T) {
	srv, wsURL := echoServer(t)

	c, err := Dial(Config{
		URL:                  wsURL,
		PingInterval:         time.Hour,
		PongTimeout:          50 * time.Millisecond,
		BackoffBase:          10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	// Kill the server so every redial is refused. httptest does not close
	// hijacked WebSocket connections, so the short PongTimeout (with no
	// pings sent) is what makes the read loop fail.
	srv.CloseClientConnections()
	srv.Close()

	select {
	case err := <-c.Fatal():
		if err == nil {
			t.Fatal("Fatal delivered a nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected Fatal after reconnect attempts ran out")
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	c, err := Dial(Config{URL: wsURL, PingInterval: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}

	if err := c.Send([]byte("x")); err != ErrClientClosed {
		t.Fatalf("Send after Close = %v, want ErrClientClosed", err)
	}
}
