package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultReconnectDelay = 1 * time.Second
	DefaultStartupDelay   = 1 * time.Second

	readBufSize = 32768
)

// State is the state of the player connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Dialer opens a new connection to the player.
type Dialer func(ctx context.Context) (net.Conn, error)

// UnixDialer dials the player's socket at path.
func UnixDialer(path string) Dialer {
	d := &net.Dialer{Timeout: 5 * time.Second}
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "unix", path)
	}
}

// Handlers are called from the transport's goroutines. They must not block for long,
// since the read loop does not advance while a handler runs.
type Handlers struct {
	// OnConnect is called after each successful dial.
	OnConnect func()
	// OnDisconnect is called when an established connection ends, for any reason.
	OnDisconnect func()
	// OnFailure is called for connection errors while auto-reconnect is enabled, before the reconnect is scheduled.
	OnFailure func(err error)
	// OnMessage is called for every decoded frame, in stream order.
	OnMessage func(msg Message)
	// OnFrameError is called for every frame that failed to decode.
	OnFrameError func(err error)
}

// Transport owns the connection to the player.
// Run drives the connect, read, and reconnect cycle; Write may be called from any goroutine.
type Transport struct {
	log            *zap.SugaredLogger
	dial           Dialer
	h              Handlers
	reconnectDelay time.Duration
	startupDelay   time.Duration

	reconnect atomic.Bool

	writeMu sync.Mutex

	mu    sync.Mutex
	state State
	conn  net.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

type TransportOption func(t *Transport)

func WithLogger(l *zap.SugaredLogger) TransportOption {
	return func(t *Transport) {
		t.log = l
	}
}

// WithReconnectDelay sets the fixed delay before each reconnect attempt.
func WithReconnectDelay(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.reconnectDelay = d
	}
}

// WithStartupDelay sets how long Run waits before the first dial, giving the player time to create its socket.
func WithStartupDelay(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.startupDelay = d
	}
}

func NewTransport(dial Dialer, h Handlers, opts ...TransportOption) *Transport {
	t := &Transport{
		log:            zap.NewNop().Sugar(),
		dial:           dial,
		h:              h,
		reconnectDelay: DefaultReconnectDelay,
		startupDelay:   DefaultStartupDelay,
		closed:         make(chan struct{}),
	}
	t.reconnect.Store(true)
	for _, o := range opts {
		o(t)
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReconnectEnabled reports whether a lost or failed connection will be retried.
func (t *Transport) ReconnectEnabled() bool {
	return t.reconnect.Load()
}

// DisableReconnect makes the next disconnect final. It does not close the current connection.
func (t *Transport) DisableReconnect() {
	t.reconnect.Store(false)
}

// Close disables reconnects and closes the current connection, if any. Run returns soon after.
func (t *Transport) Close() error {
	t.reconnect.Store(false)
	t.closeOnce.Do(func() { close(t.closed) })

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Write encodes msg as one JSON line and writes it to the player.
// Concurrent writes never interleave.
func (t *Transport) Write(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	b = append(b, '\n')

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = conn.Write(b)
	if err != nil {
		return newConnError("write", err)
	}
	return nil
}

// Run connects to the player and keeps the connection up until reconnects are disabled, Close is called, or ctx is done.
// Each failure schedules exactly one new attempt after the reconnect delay.
func (t *Transport) Run(ctx context.Context) error {
	if !t.sleep(ctx, t.startupDelay) {
		return ctx.Err()
	}
	for {
		err := t.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !t.handleErr(err) {
			return nil
		}
		if !t.sleep(ctx, t.reconnectDelay) {
			return ctx.Err()
		}
		if !t.reconnect.Load() {
			t.log.Debug("reconnect disabled while waiting, not reconnecting")
			return nil
		}
	}
}

// sleep waits for d, returning false if the transport was closed or ctx is done first.
func (t *Transport) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// connectAndServe dials and reads until the connection ends. It never returns nil.
func (t *Transport) connectAndServe(ctx context.Context) error {
	t.setState(Connecting)
	conn, err := t.dial(ctx)
	if err != nil {
		t.setState(Disconnected)
		return newConnError("dial", err)
	}

	t.mu.Lock()
	select {
	case <-t.closed:
		t.state = Disconnected
		t.mu.Unlock()
		conn.Close()
		return newConnError("dial", net.ErrClosed)
	default:
	}
	t.conn = conn
	t.state = Connected
	t.mu.Unlock()

	t.log.Infow("connected to player", "success", true)
	if t.h.OnConnect != nil {
		t.h.OnConnect()
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = t.readLoop(conn)
	stop()

	t.mu.Lock()
	t.conn = nil
	t.state = Disconnected
	t.mu.Unlock()
	conn.Close()

	if t.h.OnDisconnect != nil {
		t.h.OnDisconnect()
	}
	return newConnError("read", err)
}

func (t *Transport) readLoop(conn net.Conn) error {
	var framer Framer
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n], t.emit)
		}
		if err != nil {
			if framer.Buffered() > 0 {
				t.log.Debugf("discarding %d bytes of unterminated frame", framer.Buffered())
			}
			return err
		}
	}
}

func (t *Transport) emit(msg Message, err error) {
	if err != nil {
		t.log.Warnf("dropping malformed frame: %s", err)
		if t.h.OnFrameError != nil {
			t.h.OnFrameError(err)
		}
		return
	}
	if t.h.OnMessage != nil {
		t.h.OnMessage(msg)
	}
}

// handleErr logs a connection failure and reports whether a reconnect should be scheduled.
func (t *Transport) handleErr(err error) bool {
	enabled := t.reconnect.Load()
	kind := KindOf(err)

	switch {
	case kind == KindClosed:
		if enabled {
			t.log.Warnf("disconnected from player, reconnecting in %s", t.reconnectDelay)
			return true
		}
		t.log.Info("disconnected from player, not reconnecting")
		return false
	case kind == KindBrokenPipe && !enabled:
		// the player already exited after we asked it to quit
		t.log.Info("player has shut down")
		return false
	}

	t.log.Errorw("player connection error", "error", err)
	if !enabled {
		t.log.Info("reconnect disabled, closing player connection")
		return false
	}
	if t.h.OnFailure != nil {
		t.h.OnFailure(err)
	}
	t.log.Infof("reconnecting to player in %s", t.reconnectDelay)
	return true
}
