package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/risa-org/wspipe/pipe"
)

// DefaultGracePeriod is how long the send loop gets to finish on its own
// after the receive loop ended, before the socket is aborted.
const DefaultGracePeriod = 5 * time.Second

const defaultReadChunkSize = 4096

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.grace = d }
}

// WithMessageType selects the frame type for outbound data. Text by default.
func WithMessageType(t MessageType) BridgeOption {
	return func(b *Bridge) { b.msgType = t }
}

// WithLogger sets the logger used for connection lifecycle messages.
func WithLogger(l zerolog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = l }
}

// WithPipeOptions passes options to both pipes created for every connection.
func WithPipeOptions(opts ...pipe.Option) BridgeOption {
	return func(b *Bridge) { b.pipeOpts = opts }
}

// WithReadChunkSize sets how many bytes the receive loop copies per pipe write.
func WithReadChunkSize(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.chunk = n
		}
	}
}

// Bridge turns a Socket into a pair of byte streams.
//
// Every Start dials a fresh socket and creates a fresh duplex pipe. Two
// goroutines then copy socket→Input and Output→socket until one of them
// ends, at which point the bridge negotiates shutdown:
//
//   - receive ended first: the send loop is asked to stop and gets the grace
//     period to flush and send its close frame; after that the socket is aborted.
//   - send ended first: the socket is aborted immediately.
//
// The socket is always disposed once both loops are gone.
type Bridge struct {
	dialer   Dialer
	grace    time.Duration
	msgType  MessageType
	chunk    int
	pipeOpts []pipe.Option
	log      zerolog.Logger

	startMu sync.Mutex // serializes Start

	mu  sync.Mutex
	cur *run
}

// run is the state of one connection attempt. Nothing in it outlives the socket.
type run struct {
	id     string
	socket Socket
	log    zerolog.Logger

	transport   pipe.Duplex // the loops' ends
	application pipe.Duplex // the caller's ends

	received chan struct{} // closed when the receive loop exits
	done     chan struct{} // closed once the socket is disposed

	aborted atomic.Bool // CloseNow was issued by the bridge
	closing atomic.Bool // no more frames may be written
}

// NewBridge creates a bridge that opens sockets through dialer.
func NewBridge(dialer Dialer, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		dialer:  dialer,
		grace:   DefaultGracePeriod,
		msgType: MessageText,
		chunk:   defaultReadChunkSize,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start dials url and launches the receive and send loops in the background.
// It returns once the socket handshake completed. Connect errors are returned
// as-is; retrying is up to the caller.
//
// If a previous connection of this bridge is still shutting down, Start waits
// for it to release its socket first. If it is still receiving, Start fails
// with ErrAlreadyRunning.
func (b *Bridge) Start(ctx context.Context, url string) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if prev := b.current(); prev != nil {
		select {
		case <-prev.received:
		default:
			return ErrAlreadyRunning
		}
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	id := uuid.NewString()
	log := b.log.With().Str("conn", id).Str("url", url).Logger()

	log.Debug().Msg("dialing")
	sock, err := b.dialer.Dial(ctx, url)
	if err != nil {
		log.Debug().Err(err).Msg("dial failed")
		return fmt.Errorf("dial %s: %w", url, err)
	}

	transportSide, applicationSide := pipe.NewDuplexPair(b.pipeOpts...)
	r := &run{
		id:          id,
		socket:      sock,
		log:         log,
		transport:   transportSide,
		application: applicationSide,
		received:    make(chan struct{}),
		done:        make(chan struct{}),
	}

	b.mu.Lock()
	b.cur = r
	b.mu.Unlock()

	go b.process(r)

	log.Info().Msg("connected")
	return nil
}

// Input is the stream of bytes received from the peer, or nil before the
// first successful Start.
func (b *Bridge) Input() pipe.Reader {
	if r := b.current(); r != nil {
		return r.application.Input
	}
	return nil
}

// Output is the stream of bytes to send to the peer, or nil before the
// first successful Start. Each Write becomes one frame unless the send
// loop falls behind and finds several writes buffered.
func (b *Bridge) Output() pipe.Writer {
	if r := b.current(); r != nil {
		return r.application.Output
	}
	return nil
}

// ID returns the identifier of the current connection, used in log fields.
func (b *Bridge) ID() string {
	if r := b.current(); r != nil {
		return r.id
	}
	return ""
}

// Ping sends a protocol-level ping over the current socket.
func (b *Bridge) Ping(ctx context.Context) error {
	r := b.current()
	if r == nil || r.closing.Load() {
		return ErrTransportClosed
	}
	return r.socket.Ping(ctx)
}

// Stop shuts the current connection down and waits until the socket is
// disposed. It always converges: the caller's ends of the pipe are completed
// and the send loop is woken, so the regular shutdown negotiation runs even
// if nothing is flowing. Safe to call multiple times.
func (b *Bridge) Stop() {
	r := b.current()
	if r == nil {
		return
	}

	r.log.Debug().Msg("stopping")
	r.application.Output.Complete(nil)
	r.application.Input.Complete()
	r.transport.Input.CancelPendingRead()

	<-r.done
}

func (b *Bridge) current() *run {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// process runs both loops and races their completion.
func (b *Bridge) process(r *run) {
	defer close(r.done)
	defer func() {
		// dispose unconditionally; after an abort or a finished close
		// handshake this is a no-op
		r.socket.CloseNow()
		r.log.Info().Msg("disconnected")
	}()

	receiving := make(chan struct{})
	sending := make(chan struct{})

	go func() {
		defer close(receiving)
		b.receive(r)
	}()
	go func() {
		defer close(sending)
		b.send(r)
	}()

	select {
	case <-receiving:
		// the peer is done; let the send loop flush and close on its own
		r.transport.Input.CancelPendingRead()

		grace := time.NewTimer(b.grace)
		select {
		case <-sending:
			grace.Stop()
		case <-grace.C:
			r.log.Warn().Dur("grace", b.grace).Msg("send loop did not finish in time, aborting")
			r.abort()
			<-sending
		}

	case <-sending:
		// nothing left to wait for, the socket can no longer be trusted
		r.abort()
		r.transport.Output.CancelPendingFlush()
		<-receiving
	}
}

// receive copies socket → inbound pipe until the peer closes or the pipe's
// reader goes away. It completes the inbound pipe exactly once, after marking
// the run as no longer receiving, so a reader that saw the completion can
// Start again right away.
func (b *Bridge) receive(r *run) {
	out := r.transport.Output

	var failure error
	defer func() {
		close(r.received)
		out.Complete(failure)
		r.log.Debug().AnErr("cause", failure).Msg("receive loop stopped")
	}()

	buf := make([]byte, b.chunk)
	for {
		msg, err := r.socket.Reader(context.Background())
		if err != nil {
			failure = r.receiveError(err)
			return
		}

		for {
			n, err := msg.Read(buf)
			if n > 0 {
				res, werr := out.Write(context.Background(), buf[:n])
				if werr != nil {
					return
				}
				if res.Canceled || res.Completed {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				failure = r.receiveError(err)
				return
			}
		}
	}
}

// receiveError turns a socket read failure into the inbound pipe's
// completion error. A normal close and anything after an abort are clean.
func (r *run) receiveError(err error) error {
	if r.aborted.Load() {
		return nil
	}

	// a close frame from the peer still leaves our half open; the send
	// loop answers it with its own close once it is done
	if code := CloseStatus(err); code != -1 {
		if code == StatusNormalClosure {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrAbnormalClosure, err)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// send copies outbound pipe → socket, one frame per span read. On exit it
// attempts the close handshake if the socket still accepts frames, then
// completes the outbound pipe's reader exactly once.
func (b *Bridge) send(r *run) {
	in := r.transport.Input

	var failure error
	defer func() {
		if r.canSend() {
			code := StatusNormalClosure
			if failure != nil {
				code = StatusInternalError
			}
			r.closing.Store(true)
			if err := r.socket.Close(code, ""); err != nil {
				r.log.Debug().Err(err).Msg("close handshake failed")
			}
		}
		in.Complete()
		r.log.Debug().AnErr("cause", failure).Msg("send loop stopped")
	}()

	for {
		res, err := in.Read(context.Background())
		if err != nil {
			failure = err
			return
		}

		stop := false
		switch {
		case res.Canceled:
			stop = true
		case len(res.Buffer) > 0:
			stop = !b.writeFrame(r, res.Buffer)
		case res.Completed:
			failure = res.Err
			stop = true
		}

		// release the span whether or not it made it onto the wire
		in.Advance(len(res.Buffer))
		if stop {
			return
		}
	}
}

// writeFrame sends p as one frame. It reports false when the loop should stop.
func (b *Bridge) writeFrame(r *run, p []byte) bool {
	if !r.canSend() {
		return false
	}
	if err := r.socket.Write(context.Background(), b.msgType, p); err != nil {
		r.closing.Store(true)
		r.log.Debug().Err(err).Msg("write failed")
		return false
	}
	return true
}

func (r *run) canSend() bool {
	return !r.closing.Load()
}

func (r *run) abort() {
	r.aborted.Store(true)
	r.closing.Store(true)
	if err := r.socket.CloseNow(); err != nil {
		r.log.Debug().Err(err).Msg("abort")
	}
}
