// Package session keeps a socket connection alive on top of transport.Bridge.
//
// A Session owns the connection state machine, drains inbound bytes into
// OnReceived notifications, and optionally runs two timers: keepalive, which
// probes the peer while connected, and reconnect, which re-dials while not.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/risa-org/wspipe/event"
	"github.com/risa-org/wspipe/pipe"
	"github.com/risa-org/wspipe/transport"
	"github.com/risa-org/wspipe/transport/tcp"
	"github.com/risa-org/wspipe/transport/websocket"
)

var (
	// ErrNotConnected is returned by Send before the first successful Start.
	ErrNotConnected = errors.New("session: not connected")

	// ErrConnectionClosed is returned by Send when the connection behind the
	// outbound stream already went away. The data was not sent.
	ErrConnectionClosed = errors.New("session: connection closed")

	// ErrAlreadyConnected is returned by Start while connected.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrConnectInProgress is returned by Start while another attempt is running.
	ErrConnectInProgress = errors.New("session: connect in progress")

	// ErrStopped is returned by Start when Stop was called while it was dialing.
	ErrStopped = errors.New("session: stopped")
)

// CloseEvent is passed to OnClosed handlers. Err is nil for a clean close,
// including every close caused by Stop.
type CloseEvent struct {
	Err    error
	Reason transport.DisconnectReason
}

// Option configures a Session.
type Option func(*Session)

// WithKeepAlive sends a probe every interval while connected. payload is
// evaluated on every tick; a nil func or an empty result sends a protocol
// ping instead of a data frame.
func WithKeepAlive(interval time.Duration, payload func() []byte) Option {
	return func(s *Session) {
		s.keepAliveInterval = interval
		s.keepAlivePayload = payload
	}
}

// WithReconnect re-dials every interval while not connected.
func WithReconnect(interval time.Duration) Option {
	return func(s *Session) { s.reconnectInterval = interval }
}

// WithReconnectBackoff spaces out failed reconnect attempts exponentially,
// starting at the reconnect interval and capped at max. Without it every
// tick retries.
func WithReconnectBackoff(max time.Duration) Option {
	return func(s *Session) { s.backoffMax = max }
}

// WithDialer replaces the default dialer, which picks WebSocket or framed
// TCP by URL scheme.
func WithDialer(d transport.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLogger sets the logger for the session and its bridge.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithBridgeOptions passes options through to the underlying transport.Bridge.
func WithBridgeOptions(opts ...transport.BridgeOption) Option {
	return func(s *Session) { s.bridgeOpts = append(s.bridgeOpts, opts...) }
}

// Session is a self-healing connection to one URL.
type Session struct {
	url    string
	log    zerolog.Logger
	dialer transport.Dialer
	bridge *transport.Bridge

	bridgeOpts        []transport.BridgeOption
	keepAliveInterval time.Duration
	keepAlivePayload  func() []byte
	reconnectInterval time.Duration
	backoffMax        time.Duration

	connected    *event.Emitter[struct{}]
	reconnecting *event.Emitter[error]
	keepAlive    *event.Emitter[struct{}]
	closed       *event.Emitter[CloseEvent]
	received     *event.Emitter[[]byte]

	// mu guards the state and the decision to act on it
	mu         sync.Mutex
	state      State
	connecting bool
	stopped    bool
	backoff    *backoff.Backoff
	retryAt    time.Time

	timersCancel context.CancelFunc
	timers       sync.WaitGroup
	background   sync.WaitGroup // reconnect attempts and probes started by the timers
	drainCancel  context.CancelFunc
	drainDone    chan struct{}

	probing atomic.Bool // a keepalive probe is in flight
}

// New creates a session for rawURL. Nothing is dialed until Start.
func New(rawURL string, opts ...Option) *Session {
	s := &Session{
		url:    rawURL,
		log:    zerolog.Nop(),
		dialer: transport.DialerFunc(dialByScheme),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With().Str("url", rawURL).Logger()
	s.bridge = transport.NewBridge(s.dialer,
		append([]transport.BridgeOption{transport.WithLogger(s.log)}, s.bridgeOpts...)...)

	s.connected = event.New[struct{}](s.log)
	s.reconnecting = event.New[error](s.log)
	s.keepAlive = event.New[struct{}](s.log)
	s.closed = event.New[CloseEvent](s.log)
	s.received = event.New[[]byte](s.log)

	if s.backoffMax > 0 && s.reconnectInterval > 0 {
		s.backoff = &backoff.Backoff{
			Min:    s.reconnectInterval,
			Max:    s.backoffMax,
			Factor: 2,
			Jitter: true,
		}
	}
	return s
}

// dialByScheme routes ws:// and wss:// to WebSocket and tcp:// to framed TCP.
func dialByScheme(ctx context.Context, rawURL string) (transport.Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return websocket.Dial(ctx, rawURL)
	case "tcp":
		return tcp.Dial(ctx, rawURL)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// URL returns the endpoint this session connects to.
func (s *Session) URL() string { return s.url }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnConnected registers fn to run after every successful connect.
func (s *Session) OnConnected(fn func()) (unsubscribe func()) {
	return s.connected.Subscribe(func(struct{}) { fn() })
}

// OnReconnecting registers fn to run after every failed reconnect attempt.
func (s *Session) OnReconnecting(fn func(err error)) (unsubscribe func()) {
	return s.reconnecting.Subscribe(fn)
}

// OnKeepAlive registers fn to run after every keepalive probe sent.
func (s *Session) OnKeepAlive(fn func()) (unsubscribe func()) {
	return s.keepAlive.Subscribe(func(struct{}) { fn() })
}

// OnClosed registers fn to run whenever a connection ends.
func (s *Session) OnClosed(fn func(CloseEvent)) (unsubscribe func()) {
	return s.closed.Subscribe(fn)
}

// OnReceived registers fn to run for every chunk of inbound bytes. The slice
// is a copy owned by the handlers; chunk boundaries follow the transport
// and are not guaranteed to line up with frames.
func (s *Session) OnReceived(fn func(data []byte)) (unsubscribe func()) {
	return s.received.Subscribe(fn)
}

// Start connects and starts the configured timers. A failed connect is
// returned as-is; if reconnect is enabled the timer keeps trying regardless.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = false
	s.startTimersLocked()
	s.mu.Unlock()

	return s.connect(ctx, false)
}

// Send queues p for transmission as one frame. It blocks while the outbound
// stream is over its backpressure threshold, until ctx is done.
func (s *Session) Send(ctx context.Context, p []byte) error {
	out := s.bridge.Output()
	if out == nil {
		return ErrNotConnected
	}

	res, err := out.Write(ctx, p)
	if err != nil {
		return err
	}
	if res.Completed {
		return ErrConnectionClosed
	}
	return nil
}

// Stop shuts everything down and waits for it: timers first, so no tick can
// race the stop into a reconnect, then the receive-drain loop, then the
// bridge. Subscribers see a final OnClosed. Stop is not cancellable.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	timersCancel := s.timersCancel
	s.timersCancel = nil
	drainCancel, drainDone := s.drainCancel, s.drainDone
	s.drainCancel, s.drainDone = nil, nil
	s.mu.Unlock()

	if timersCancel != nil {
		timersCancel()
		s.timers.Wait()
	}
	// no tick can add to background any more
	s.background.Wait()
	if drainCancel != nil {
		drainCancel()
		<-drainDone
	}
	s.bridge.Stop()

	s.mu.Lock()
	s.setState(StateDisconnected)
	s.mu.Unlock()
	s.log.Info().Msg("session stopped")
}

// Close stops the session and then waits for every subscriber to handle the
// events already queued, including the final OnClosed. Handlers registered
// afterwards are ignored; the session must not be started again.
func (s *Session) Close() {
	s.Stop()
	s.connected.Close()
	s.reconnecting.Close()
	s.keepAlive.Close()
	s.closed.Close()
	s.received.Close()
}

// connect runs one connect attempt. reconnect marks timer-driven attempts,
// whose failures are reported through OnReconnecting.
func (s *Session) connect(ctx context.Context, reconnect bool) error {
	s.mu.Lock()
	switch {
	case s.state == StateConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	case s.connecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	s.connecting = true
	if reconnect {
		s.setState(StateReconnecting)
	}
	s.mu.Unlock()

	err := s.bridge.Start(ctx, s.url)

	s.mu.Lock()
	s.connecting = false

	if err != nil {
		// a dial cut short by Stop is not worth reporting
		report := s.state == StateReconnecting && !s.stopped
		if report && s.backoff != nil {
			s.retryAt = time.Now().Add(s.backoff.Duration())
		}
		s.mu.Unlock()

		if report {
			s.log.Warn().Err(err).Msg("reconnect failed")
			s.reconnecting.Emit(err)
		}
		return err
	}

	if s.stopped {
		// Stop ran while we were dialing; it could not see this connection
		s.mu.Unlock()
		s.bridge.Stop()
		return ErrStopped
	}

	s.setState(StateConnected)
	if s.backoff != nil {
		s.backoff.Reset()
		s.retryAt = time.Time{}
	}
	drainCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.drainCancel, s.drainDone = cancel, done
	input := s.bridge.Input()
	s.mu.Unlock()

	go s.drain(drainCtx, input, done)

	s.connected.Emit(struct{}{})
	return nil
}

// drain forwards inbound bytes to OnReceived until the connection ends,
// then marks the session disconnected and reports why.
func (s *Session) drain(ctx context.Context, input pipe.Reader, done chan struct{}) {
	defer close(done)

	var failure error
	for {
		res, err := input.Read(ctx)
		if err != nil {
			// cancelled by Stop
			break
		}
		if len(res.Buffer) > 0 {
			data := make([]byte, len(res.Buffer))
			copy(data, res.Buffer)
			s.received.Emit(data)
		}
		input.Advance(len(res.Buffer))

		if res.Canceled {
			break
		}
		if res.Completed {
			failure = res.Err
			break
		}
	}

	s.mu.Lock()
	s.setState(StateDisconnected)
	s.mu.Unlock()

	reason := transport.Classify(failure)
	if failure != nil {
		s.log.Warn().Err(failure).Stringer("reason", reason).Msg("connection closed")
	} else {
		s.log.Info().Stringer("reason", reason).Msg("connection closed")
	}
	s.closed.Emit(CloseEvent{Err: failure, Reason: reason})
}

// startTimersLocked launches the keepalive and reconnect tickers if they are
// configured and not already running. Called with mu held.
func (s *Session) startTimersLocked() {
	if s.timersCancel != nil {
		return
	}
	if s.keepAliveInterval <= 0 && s.reconnectInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.timersCancel = cancel

	if s.keepAliveInterval > 0 {
		s.timers.Add(1)
		go s.tick(ctx, s.keepAliveInterval, s.keepAliveTick)
	}
	if s.reconnectInterval > 0 {
		s.timers.Add(1)
		go s.tick(ctx, s.reconnectInterval, s.reconnectTick)
	}
}

func (s *Session) tick(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.timers.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// keepAliveTick sends one probe if connected. The probe runs in the
// background so a slow peer never delays the ticker, and at most one probe
// is in flight at a time.
func (s *Session) keepAliveTick(ctx context.Context) {
	if s.State() != StateConnected {
		return
	}
	if !s.probing.CompareAndSwap(false, true) {
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.probing.Store(false)
		if err := s.probe(ctx); err != nil {
			s.log.Debug().Err(err).Msg("keepalive failed")
		}
	}()
}

// probe sends the keepalive payload, or a ping when there is none.
func (s *Session) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.keepAliveInterval)
	defer cancel()

	var payload []byte
	if s.keepAlivePayload != nil {
		payload = s.keepAlivePayload()
	}

	var err error
	if len(payload) == 0 {
		err = s.bridge.Ping(ctx)
	} else {
		err = s.Send(ctx, payload)
	}
	if err != nil {
		return err
	}

	s.log.Debug().Msg("keepalive sent")
	s.keepAlive.Emit(struct{}{})
	return nil
}

// reconnectTick starts a reconnect attempt in the background unless the
// session is connected, an attempt is already running, or backoff says wait.
func (s *Session) reconnectTick(ctx context.Context) {
	s.mu.Lock()
	skip := s.stopped ||
		s.state == StateConnected ||
		s.connecting ||
		time.Now().Before(s.retryAt)
	s.mu.Unlock()
	if skip {
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		// errors are reported through OnReconnecting
		s.connect(ctx, true)
	}()
}

// setState applies a transition, ignoring illegal ones. Called with mu held.
func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	if !isValidTransition(s.state, next) {
		s.log.Debug().Stringer("from", s.state).Stringer("to", next).Msg("ignoring invalid state transition")
		return
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", next).Msg("state changed")
	s.state = next
}
