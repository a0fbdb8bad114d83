package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "cortexflow/config"
)

func testDialer(defaultHost string) *WebSocketDialer {
	cfg := appconfig.Default()
	cfg.Cortex.DefaultHost = defaultHost
	cfg.Transport.PingInterval = 10 * time.Millisecond
	return NewWebSocketDialer(&cfg)
}

// echoServer sends a text frame first, then echoes binary frames back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
			return
		}
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
	t.Cleanup(srv.Close)
	return srv
}

func TestHostURL(t *testing.T) {
	d := testDialer("ws://10.0.0.1:1510/cortex")
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "ws://10.0.0.1:1510/cortex", false},
		{"192.168.1.20", "ws://192.168.1.20:1510/cortex", false},
		{"192.168.1.20:9000", "ws://192.168.1.20:9000/cortex", false},
		{"mocap-host", "ws://mocap-host:1510/cortex", false},
		{"wss://host.example/feed", "wss://host.example/feed", false},
		{"http://host.example/feed", "", true},
		{"bad host/x", "", true},
	}
	for _, tt := range tests {
		got, err := d.HostURL(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("HostURL(%q): expected ErrInvalidAddress, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("HostURL(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}

	if _, err := testDialer("").HostURL(""); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected error with no default host, got %v", err)
	}
}

func TestDialEchoAndClose(t *testing.T) {
	srv := echoServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := testDialer("").Dial(ctx, "127.0.0.1", wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if conn.RemoteAddr() != wsURL {
		t.Errorf("unexpected remote %s", conn.RemoteAddr())
	}

	if err := conn.WriteMessage([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// the text greeting is skipped
	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected echo %v", msg)
	}

	// let a few pings go out
	time.Sleep(30 * time.Millisecond)

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := conn.WriteMessage([]byte{4}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if _, err := conn.ReadMessage(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from read after close, got %v", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := testDialer("").Dial(ctx, "", wsURL); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestDialBadLocalAddress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := testDialer("").Dial(ctx, "no-such-interface.invalid", "ws://127.0.0.1:1/cortex")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
