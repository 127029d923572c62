package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrTransportClosed is returned when you try to use a socket that is already closed.
// Named errors like this let callers check the exact cause with errors.Is()
// instead of comparing raw strings.
var ErrTransportClosed = errors.New("transport closed")

// ErrAbnormalClosure wraps every close frame whose status is not a normal closure.
var ErrAbnormalClosure = errors.New("transport closed abnormally")

// ErrAlreadyRunning is returned by Bridge.Start while a connection is still active.
var ErrAlreadyRunning = errors.New("transport already running")

// MessageType is the frame type used for outbound data.
type MessageType int

const (
	MessageText   MessageType = iota + 1 // UTF-8 text frames, the default
	MessageBinary                        // opaque binary frames
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// StatusCode is a close status carried in a close frame.
// The values follow RFC 6455 so they map 1:1 onto WebSocket close codes.
type StatusCode int

const (
	StatusNormalClosure   StatusCode = 1000
	StatusGoingAway       StatusCode = 1001
	StatusProtocolError   StatusCode = 1002
	StatusNoStatusRcvd    StatusCode = 1005
	StatusAbnormalClosure StatusCode = 1006
	StatusPolicyViolation StatusCode = 1008
	StatusInternalError   StatusCode = 1011
)

func (c StatusCode) String() string {
	switch c {
	case StatusNormalClosure:
		return "normal closure"
	case StatusGoingAway:
		return "going away"
	case StatusProtocolError:
		return "protocol error"
	case StatusNoStatusRcvd:
		return "no status"
	case StatusAbnormalClosure:
		return "abnormal closure"
	case StatusPolicyViolation:
		return "policy violation"
	case StatusInternalError:
		return "internal error"
	default:
		return fmt.Sprintf("status %d", int(c))
	}
}

// CloseError is returned by Socket.Reader when the peer sent a close frame.
type CloseError struct {
	Code   StatusCode
	Reason string
}

func (e CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("closed with %s (%d)", e.Code, int(e.Code))
	}
	return fmt.Sprintf("closed with %s (%d): %s", e.Code, int(e.Code), e.Reason)
}

// CloseStatus extracts the close status from err, or -1 if err does not
// carry a CloseError.
func CloseStatus(err error) StatusCode {
	var ce CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// Socket is one physical, message-framed connection.
// The Bridge only ever talks to this interface, so the same loops run over
// WebSocket, framed TCP, or a fake in tests.
//
// Exactly one goroutine reads and exactly one goroutine writes at a time.
// Close and CloseNow may be called from any goroutine.
type Socket interface {
	// Reader waits for the next data message and returns a reader for its
	// payload. The previous message must be read to io.EOF first.
	// A close frame from the peer is reported as a CloseError.
	Reader(ctx context.Context) (io.Reader, error)

	// Write sends p as one complete message of the given type.
	Write(ctx context.Context, typ MessageType, p []byte) error

	// Ping sends a protocol-level ping and waits for the pong.
	// It needs a concurrent Reader to observe the pong.
	Ping(ctx context.Context) error

	// Close starts the close handshake with the given status.
	Close(code StatusCode, reason string) error

	// CloseNow tears the connection down without a handshake,
	// unblocking any pending Reader or Write.
	CloseNow() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// DialerFunc adapts a plain function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Socket, error)

// Dial calls f(ctx, url).
func (f DialerFunc) Dial(ctx context.Context, url string) (Socket, error) {
	return f(ctx, url)
}

// DisconnectReason tells the session layer why a connection ended. It is
// logged with every close and carried in the session's close event.
type DisconnectReason int

const (
	ReasonUnknown         DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                            // underlying connection failed
	ReasonTimeout                                 // no activity within deadline
	ReasonClosedClean                             // graceful shutdown by either side
	ReasonAbnormalClosure                         // peer closed with a non-normal status
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	case ReasonAbnormalClosure:
		return "abnormal_closure"
	default:
		return "unknown"
	}
}

// Classify maps the terminal error of a connection to a DisconnectReason.
// A nil error is a clean close.
func Classify(err error) DisconnectReason {
	var timeout interface{ Timeout() bool }
	switch {
	case err == nil:
		return ReasonClosedClean
	case errors.Is(err, ErrAbnormalClosure):
		return ReasonAbnormalClosure
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &timeout) && timeout.Timeout():
		return ReasonTimeout
	default:
		return ReasonNetworkError
	}
}
