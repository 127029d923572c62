package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/risa-org/wspipe/transport"
)

// Frame opcodes. The values mirror WebSocket's so a frame dump reads the same.
const (
	opText   byte = 0x1
	opBinary byte = 0x2
	opClose  byte = 0x8
	opPing   byte = 0x9
	opPong   byte = 0xA
)

const (
	headerSize = 5

	// MaxFrameSize bounds a single payload so a corrupt length prefix
	// cannot make us allocate gigabytes.
	MaxFrameSize = 16 << 20

	// closeTimeout is how long Close waits for the peer's close frame.
	closeTimeout = 5 * time.Second
)

// ErrFrameTooLarge is returned when a frame header announces more than MaxFrameSize.
var ErrFrameTooLarge = errors.New("tcp: frame too large")

// Socket implements transport.Socket over a raw TCP connection.
//
// Wire format for each frame:
//
//	[1 byte: opcode][4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// TCP has no message boundaries, so every frame carries its own length.
// A close frame carries a 2-byte status code followed by an optional UTF-8
// reason, like WebSocket's.
type Socket struct {
	conn net.Conn

	writeMu sync.Mutex // one writer at a time, frames must not interleave

	pending io.Reader // payload of the last data frame, drained before the next header

	closeSent atomic.Bool
	rcvdOnce  sync.Once
	closeRcvd chan struct{} // closed when the peer's close frame arrives
	closeOnce sync.Once
	closed    chan struct{} // closed by CloseNow

	pongs chan struct{}
}

// New wraps an established net.Conn. Dialing or accepting happens outside.
func New(conn net.Conn) *Socket {
	return &Socket{
		conn:      conn,
		closeRcvd: make(chan struct{}),
		closed:    make(chan struct{}),
		pongs:     make(chan struct{}, 1),
	}
}

// Reader reads frames until the next data frame and returns its payload.
// Pings are answered and pongs recorded along the way. A close frame is
// returned as a transport.CloseError. Cancelling ctx drops the connection.
func (s *Socket) Reader(ctx context.Context) (io.Reader, error) {
	stop := context.AfterFunc(ctx, func() { s.CloseNow() })
	defer stop()

	if s.pending != nil {
		if _, err := io.Copy(io.Discard, s.pending); err != nil {
			return nil, s.readErr(ctx, err)
		}
		s.pending = nil
	}

	for {
		var hdr [headerSize]byte
		if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
			return nil, s.readErr(ctx, err)
		}
		op := hdr[0]
		n := binary.BigEndian.Uint32(hdr[1:])
		if n > MaxFrameSize {
			s.CloseNow()
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}

		switch op {
		case opText, opBinary:
			s.pending = io.LimitReader(s.conn, int64(n))
			return &frameReader{s: s, r: s.pending}, nil

		case opPing:
			payload := make([]byte, n)
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				return nil, s.readErr(ctx, err)
			}
			if err := s.writeFrame(opPong, payload); err != nil {
				return nil, s.readErr(ctx, err)
			}

		case opPong:
			if _, err := io.CopyN(io.Discard, s.conn, int64(n)); err != nil {
				return nil, s.readErr(ctx, err)
			}
			select {
			case s.pongs <- struct{}{}:
			default:
			}

		case opClose:
			payload := make([]byte, n)
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				return nil, s.readErr(ctx, err)
			}
			s.rcvdOnce.Do(func() { close(s.closeRcvd) })
			return nil, fmt.Errorf("tcp: received close frame: %w", parseClose(payload))

		default:
			s.CloseNow()
			return nil, fmt.Errorf("tcp: unknown opcode 0x%x", op)
		}
	}
}

// frameReader hides the LimitReader and annotates read errors.
type frameReader struct {
	s *Socket
	r io.Reader
}

func (f *frameReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, f.s.readErr(context.Background(), err)
	}
	if errors.Is(err, io.EOF) {
		f.s.pending = nil
	}
	return n, err
}

// readErr explains why the stream broke.
func (s *Socket) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	if errors.Is(err, io.EOF) {
		// EOF outside a close handshake means the peer vanished
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("tcp: connection lost: %w", err)
}

func (s *Socket) Write(ctx context.Context, typ transport.MessageType, p []byte) error {
	if s.closeSent.Load() {
		return transport.ErrTransportClosed
	}
	op := opText
	if typ == transport.MessageBinary {
		op = opBinary
	}

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.writeFrame(op, p)
}

// Ping sends a ping frame and waits for the pong, which a concurrent
// Reader must pick up.
func (s *Socket) Ping(ctx context.Context) error {
	if s.closeSent.Load() {
		return transport.ErrTransportClosed
	}
	if err := s.writeFrame(opPing, nil); err != nil {
		return err
	}
	select {
	case <-s.pongs:
		return nil
	case <-s.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a close frame and waits for the peer's, or for closeTimeout,
// before dropping the connection. The peer's close frame must be picked up
// by a concurrent Reader.
func (s *Socket) Close(code transport.StatusCode, reason string) error {
	if s.closeSent.Swap(true) {
		return transport.ErrTransportClosed
	}
	defer s.CloseNow()

	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)

	s.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
	if err := s.writeFrame(opClose, payload); err != nil {
		return fmt.Errorf("tcp: write close frame: %w", err)
	}

	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()
	select {
	case <-s.closeRcvd:
		return nil
	case <-s.closed:
		return nil
	case <-timer.C:
		return fmt.Errorf("tcp: peer did not answer close within %v", closeTimeout)
	}
}

// CloseNow drops the connection without a handshake.
// Safe to call multiple times.
func (s *Socket) CloseNow() error {
	err := net.ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// writeFrame writes header and payload with a single Write so frames from
// different goroutines never interleave.
func (s *Socket) writeFrame(op byte, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	buf := make([]byte, headerSize+len(payload))
	buf[0] = op
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	if _, err := s.conn.Write(buf); err != nil {
		select {
		case <-s.closed:
			return net.ErrClosed
		default:
		}
		return fmt.Errorf("tcp: write: %w", err)
	}
	return nil
}

func parseClose(payload []byte) transport.CloseError {
	if len(payload) < 2 {
		return transport.CloseError{Code: transport.StatusNoStatusRcvd}
	}
	return transport.CloseError{
		Code:   transport.StatusCode(binary.BigEndian.Uint16(payload)),
		Reason: string(payload[2:]),
	}
}

// Dialer opens framed TCP connections for URLs of the form tcp://host:port.
type Dialer struct {
	// KeepAlive is passed to net.Dialer. Zero uses the system default.
	KeepAlive time.Duration
}

// Dial implements transport.Dialer.
func (d Dialer) Dial(ctx context.Context, rawURL string) (transport.Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tcp: parse url: %w", err)
	}
	if u.Scheme != "tcp" || u.Host == "" {
		return nil, fmt.Errorf("tcp: unsupported url %q", rawURL)
	}

	nd := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// Dial opens a framed TCP connection with default settings.
func Dial(ctx context.Context, rawURL string) (transport.Socket, error) {
	return Dialer{}.Dial(ctx, rawURL)
}
