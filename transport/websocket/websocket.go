package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/risa-org/wspipe/transport"
	"nhooyr.io/websocket"
)

// DefaultReadLimit caps a single inbound message. nhooyr's own default of
// 32KiB is too small for typical JSON-RPC notifications.
const DefaultReadLimit = 1 << 20

// Socket implements transport.Socket over a WebSocket connection.
// WebSocket already has message boundaries and a close handshake built in,
// so this is a thin translation layer: frame types and close codes map
// one-to-one onto the transport's.
type Socket struct {
	conn *websocket.Conn
}

// New wraps an existing *websocket.Conn. The caller gives up ownership.
func New(conn *websocket.Conn) *Socket {
	return &Socket{conn: conn}
}

// Reader returns the payload of the next data message.
// Ping, pong and close frames are handled by the connection itself; a close
// frame from the peer surfaces here as a transport.CloseError.
func (s *Socket) Reader(ctx context.Context) (io.Reader, error) {
	_, r, err := s.conn.Reader(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return r, nil
}

func (s *Socket) Write(ctx context.Context, typ transport.MessageType, p []byte) error {
	return translate(s.conn.Write(ctx, messageType(typ), p))
}

func (s *Socket) Ping(ctx context.Context) error {
	return translate(s.conn.Ping(ctx))
}

// Close performs the close handshake. It waits for the peer's close frame
// for up to five seconds, reading on its own if no Reader is active.
func (s *Socket) Close(code transport.StatusCode, reason string) error {
	return translate(s.conn.Close(websocket.StatusCode(code), reason))
}

// CloseNow drops the connection without a handshake. If a Close is already
// in flight it waits for that Close to give up first.
func (s *Socket) CloseNow() error {
	return s.conn.CloseNow()
}

// translate rewrites nhooyr close errors into transport.CloseError so the
// bridge never has to import a specific WebSocket library.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("websocket: %w", transport.CloseError{
			Code:   transport.StatusCode(ce.Code),
			Reason: ce.Reason,
		})
	}
	return err
}

func messageType(typ transport.MessageType) websocket.MessageType {
	if typ == transport.MessageBinary {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}

// Dialer opens WebSocket connections. The zero value is ready to use.
type Dialer struct {
	// Header is sent with the opening handshake, e.g. for API keys.
	Header http.Header

	// Subprotocols lists the subprotocols to negotiate.
	Subprotocols []string

	// ReadLimit caps a single inbound message. Zero means DefaultReadLimit,
	// a negative value disables the limit.
	ReadLimit int64
}

// Dial implements transport.Dialer.
func (d Dialer) Dial(ctx context.Context, url string) (transport.Socket, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:   d.Header,
		Subprotocols: d.Subprotocols,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed with %s: %w", url, resp.Status, err)
		}
		return nil, err
	}

	limit := d.ReadLimit
	if limit == 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	return New(conn), nil
}

// Dial opens a WebSocket connection with default settings.
func Dial(ctx context.Context, url string) (transport.Socket, error) {
	return Dialer{}.Dial(ctx, url)
}
