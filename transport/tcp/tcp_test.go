package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/risa-org/wspipe/transport"
)

// echoPeer serves one connection: every data frame is echoed back, the
// message "bye" makes it close with StatusPolicyViolation, and a close
// frame from the other side is answered with the same code.
func echoPeer(conn net.Conn) {
	s := New(conn)
	defer s.CloseNow()

	ctx := context.Background()
	for {
		r, err := s.Reader(ctx)
		if err != nil {
			if code := transport.CloseStatus(err); code != -1 {
				s.Close(code, "")
			}
			return
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return
		}
		if string(data) == "bye" {
			// keep reading so the reply to our close frame is seen
			go s.Close(transport.StatusPolicyViolation, "not allowed")
			continue
		}
		if err := s.Write(ctx, transport.MessageText, data); err != nil {
			return
		}
	}
}

// pipeBridge starts a bridge whose dialer hands out one end of net.Pipe,
// with serve running on the other end.
func pipeBridge(t *testing.T, serve func(net.Conn)) *transport.Bridge {
	t.Helper()

	dialer := transport.DialerFunc(func(ctx context.Context, url string) (transport.Socket, error) {
		server, client := net.Pipe()
		go serve(server)
		return New(client), nil
	})

	b := transport.NewBridge(dialer, transport.WithGracePeriod(time.Second))
	if err := b.Start(context.Background(), "tcp://pipe"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return b
}

func readSpan(t *testing.T, b *transport.Bridge) transport.DisconnectReason {
	t.Helper()
	return transport.Classify(drain(t, b))
}

// drain reads the bridge input to completion and returns its error.
func drain(t *testing.T, b *transport.Bridge) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
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

func TestEchoOverPipe(t *testing.T) {
	b := pipeBridge(t, echoPeer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := b.Output().Write(ctx, []byte("hello from client")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	res, err := b.Input().Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Buffer) != "hello from client" {
		t.Errorf("expected echo, got %q", res.Buffer)
	}
	b.Input().Advance(len(res.Buffer))

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not complete")
	}
}

func TestMultipleMessagesKeepOrder(t *testing.T) {
	b := pipeBridge(t, echoPeer)
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	want := []string{"one", "two", "three", "four", "five"}
	for _, m := range want {
		if _, err := b.Output().Write(ctx, []byte(m)); err != nil {
			t.Fatalf("Write %q: %v", m, err)
		}
	}

	var got strings.Builder
	for got.Len() < len(strings.Join(want, "")) {
		res, err := b.Input().Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got.Write(res.Buffer)
		b.Input().Advance(len(res.Buffer))
	}
	if got.String() != strings.Join(want, "") {
		t.Errorf("out of order: %q", got.String())
	}
}

func TestPeerCloseAbnormal(t *testing.T) {
	b := pipeBridge(t, echoPeer)
	defer b.Stop()

	if _, err := b.Output().Write(context.Background(), []byte("bye")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := drain(t, b)
	if !errors.Is(err, transport.ErrAbnormalClosure) {
		t.Fatalf("expected ErrAbnormalClosure, got %v", err)
	}
	if transport.CloseStatus(err) != transport.StatusPolicyViolation {
		t.Errorf("expected policy violation, got %d", transport.CloseStatus(err))
	}
}

// TestPeerVanishes drops the connection without a close frame, which must
// surface as a network error rather than a clean close.
func TestPeerVanishes(t *testing.T) {
	b := pipeBridge(t, func(conn net.Conn) { conn.Close() })
	defer b.Stop()

	if reason := readSpan(t, b); reason != transport.ReasonNetworkError {
		t.Fatalf("expected network error, got %s", reason)
	}
}

func TestPingPong(t *testing.T) {
	b := pipeBridge(t, echoPeer)
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	server, client := net.Pipe()
	s := New(client)
	defer s.CloseNow()

	go func() {
		var hdr [headerSize]byte
		hdr[0] = opBinary
		binary.BigEndian.PutUint32(hdr[1:], MaxFrameSize+1)
		server.Write(hdr[:])
	}()

	_, err := s.Reader(context.Background())
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReaderSkipsUnreadPayload(t *testing.T) {
	server, client := net.Pipe()
	s := New(client)
	defer s.CloseNow()

	peer := New(server)
	go func() {
		ctx := context.Background()
		peer.Write(ctx, transport.MessageText, []byte("ignored"))
		peer.Write(ctx, transport.MessageText, []byte("second"))
	}()

	if _, err := s.Reader(context.Background()); err != nil {
		t.Fatalf("first Reader: %v", err)
	}
	r, err := s.Reader(context.Background())
	if err != nil {
		t.Fatalf("second Reader: %v", err)
	}
	data, _ := io.ReadAll(r)
	if string(data) != "second" {
		t.Errorf("expected second message, got %q", data)
	}
}

func TestDialRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		echoPeer(conn)
	}()

	b := transport.NewBridge(Dialer{})
	if err := b.Start(context.Background(), "tcp://"+ln.Addr().String()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Output().Write(ctx, []byte("over loopback"))
	res, err := b.Input().Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Buffer) != "over loopback" {
		t.Errorf("expected echo, got %q", res.Buffer)
	}
	b.Input().Advance(len(res.Buffer))
}

func TestDialRejectsOtherSchemes(t *testing.T) {
	if _, err := Dial(context.Background(), "ws://localhost:1"); err == nil {
		t.Fatal("expected an error for a ws:// url")
	}
}
