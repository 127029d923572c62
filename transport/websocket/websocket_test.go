package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/risa-org/wspipe/transport"
	"nhooyr.io/websocket"
)

// echoServer starts an in-process WebSocket server that echoes every message
// back with the same frame type. The message "bye" makes it close with
// StatusGoingAway instead. Every frame type seen is reported on types.
func echoServer(t *testing.T) (url string, types <-chan websocket.MessageType) {
	t.Helper()

	seen := make(chan websocket.MessageType, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("server accept failed: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			seen <- typ
			if string(data) == "bye" {
				conn.Close(websocket.StatusGoingAway, "leaving")
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), seen
}

// readMessage waits for the next non-empty span on the bridge's input.
func readMessage(t *testing.T, b *transport.Bridge) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		res, err := b.Input().Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		b.Input().Advance(len(res.Buffer))
		if len(res.Buffer) > 0 {
			return string(res.Buffer)
		}
		if res.Completed {
			t.Fatalf("input completed early: %v", res.Err)
		}
	}
}

// waitCompleted drains the bridge's input and returns its completion error.
func waitCompleted(t *testing.T, b *transport.Bridge) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		res, err := b.Input().Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		b.Input().Advance(len(res.Buffer))
		if res.Completed {
			return res.Err
		}
	}
}

func TestWebSocketEcho(t *testing.T) {
	url, _ := echoServer(t)

	b := transport.NewBridge(Dialer{})
	if err := b.Start(context.Background(), url); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := b.Output().Write(context.Background(), []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := readMessage(t, b); got != `{"id":1}` {
		t.Errorf("expected echo, got %q", got)
	}

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(6 * time.Second):
		t.Fatal("Stop did not complete")
	}
}

func TestWebSocketBinaryFrames(t *testing.T) {
	url, types := echoServer(t)

	b := transport.NewBridge(Dialer{}, transport.WithMessageType(transport.MessageBinary))
	if err := b.Start(context.Background(), url); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if _, err := b.Output().Write(context.Background(), []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case typ := <-types:
		if typ != websocket.MessageBinary {
			t.Errorf("expected binary frame, got %v", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the frame")
	}
}

func TestWebSocketAbnormalClose(t *testing.T) {
	url, _ := echoServer(t)

	b := transport.NewBridge(Dialer{})
	if err := b.Start(context.Background(), url); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if _, err := b.Output().Write(context.Background(), []byte("bye")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	err := waitCompleted(t, b)
	if !errors.Is(err, transport.ErrAbnormalClosure) {
		t.Fatalf("expected ErrAbnormalClosure, got %v", err)
	}
	if code := transport.CloseStatus(err); code != transport.StatusGoingAway {
		t.Errorf("expected going away, got %d", code)
	}
	if transport.Classify(err) != transport.ReasonAbnormalClosure {
		t.Errorf("expected abnormal closure reason, got %s", transport.Classify(err))
	}
}

func TestWebSocketPing(t *testing.T) {
	url, _ := echoServer(t)

	b := transport.NewBridge(Dialer{})
	if err := b.Start(context.Background(), url); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// TestGorillaPeer checks interop with a different WebSocket implementation
// on the server side: a greeting followed by a normal close.
func TestGorillaPeer(t *testing.T) {
	upgrader := gorilla.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(gorilla.TextMessage, []byte("welcome")); err != nil {
			t.Errorf("write failed: %v", err)
			return
		}
		msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "done")
		conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second))

		// wait for the client's close reply
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b := transport.NewBridge(Dialer{})
	if err := b.Start(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if got := readMessage(t, b); got != "welcome" {
		t.Errorf("expected welcome, got %q", got)
	}
	if err := waitCompleted(t, b); err != nil {
		t.Errorf("expected clean completion after normal close, got %v", err)
	}
}

func TestDialRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestTranslateCloseError(t *testing.T) {
	err := translate(websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "no"})
	if transport.CloseStatus(err) != transport.StatusPolicyViolation {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if translate(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}
