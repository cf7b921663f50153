// Package bridge connects callers to a supervised mpv player.
//
// A Bridge launches the player, keeps a connection to its JSON IPC socket, and matches
// replies to requests by correlation id. Messages that are not replies (player events)
// are fanned out to subscribers. Shutdown asks the player to quit through the socket and
// kills it if it does not exit within the shutdown timeout.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/mpvbridge/bridge/ipc"
	"github.com/guseggert/mpvbridge/bridge/process"
	"go.uber.org/zap"
)

var (
	// ErrShutdown is returned for requests made after Shutdown, and resolves requests still in flight when it runs.
	ErrShutdown = errors.New("bridge is shut down")
	// ErrNotStarted is returned for requests made before Start.
	ErrNotStarted = errors.New("bridge is not started")
)

// Bridge owns the player process, the connection to it, and the table of requests in flight.
type Bridge struct {
	logger *zap.Logger
	log    *zap.SugaredLogger

	player          process.Config
	socketPath      string
	reconnectDelay  time.Duration
	startupDelay    time.Duration
	shutdownTimeout time.Duration
	failPending     bool
	dialer          ipc.Dialer
	subscriberBuf   int

	transport  *ipc.Transport
	correlator *ipc.Correlator
	supervisor *process.Supervisor
	events     *hub

	frameErrors atomic.Uint64

	mu       sync.Mutex
	started  bool
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithSocketPath sets the IPC socket path the player is told to create and the bridge connects to.
func WithSocketPath(path string) Option {
	return func(b *Bridge) {
		b.socketPath = path
	}
}

// WithPlayerPath sets the player executable.
func WithPlayerPath(path string) Option {
	return func(b *Bridge) {
		b.player.Path = path
	}
}

// WithPlayerArgs appends arguments to the player's standard flags.
func WithPlayerArgs(args ...string) Option {
	return func(b *Bridge) {
		b.player.ExtraArgs = append(b.player.ExtraArgs, args...)
	}
}

// WithPlayerEnv adds KEY=VALUE pairs to the player's environment.
func WithPlayerEnv(env ...string) Option {
	return func(b *Bridge) {
		b.player.Env = append(b.player.Env, env...)
	}
}

func WithFullscreen(fullscreen bool) Option {
	return func(b *Bridge) {
		b.player.Fullscreen = fullscreen
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(b *Bridge) {
		b.reconnectDelay = d
	}
}

func WithStartupDelay(d time.Duration) Option {
	return func(b *Bridge) {
		b.startupDelay = d
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.shutdownTimeout = d
	}
}

// WithFailPendingOnDisconnect makes requests in flight fail with ipc.ErrConnectionLost when the connection drops.
// By default they stay pending, and a reply on a later connection still resolves them.
func WithFailPendingOnDisconnect(fail bool) Option {
	return func(b *Bridge) {
		b.failPending = fail
	}
}

// WithDialer replaces the default unix socket dialer.
func WithDialer(d ipc.Dialer) Option {
	return func(b *Bridge) {
		b.dialer = d
	}
}

// WithSubscriberBuffer sets how many events each subscriber can fall behind before missing some.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bridge) {
		b.subscriberBuf = n
	}
}

func New(opts ...Option) (*Bridge, error) {
	b := &Bridge{
		player:          process.Config{Path: process.DefaultPath, Fullscreen: true},
		socketPath:      process.DefaultSocketPath,
		reconnectDelay:  ipc.DefaultReconnectDelay,
		startupDelay:    ipc.DefaultStartupDelay,
		shutdownTimeout: process.DefaultShutdownTimeout,
		subscriberBuf:   defaultSubscriberBuffer,
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		b.logger = logger
	}
	if b.dialer == nil {
		b.dialer = ipc.UnixDialer(b.socketPath)
	}
	b.log = b.logger.Named("bridge").Sugar()
	b.player.SocketPath = b.socketPath

	b.supervisor = process.NewSupervisor(b.player,
		process.WithLogger(b.logger.Named("supervisor").Sugar()),
		process.WithShutdownTimeout(b.shutdownTimeout),
	)
	b.transport = ipc.NewTransport(b.dialer,
		ipc.Handlers{
			OnConnect:    b.onConnect,
			OnDisconnect: b.onDisconnect,
			OnFailure:    b.onFailure,
			OnMessage:    b.onMessage,
			OnFrameError: b.onFrameError,
		},
		ipc.WithLogger(b.logger.Named("transport").Sugar()),
		ipc.WithReconnectDelay(b.reconnectDelay),
		ipc.WithStartupDelay(b.startupDelay),
	)
	b.correlator = ipc.NewCorrelator(b.transport, 0)
	b.events = newHub(b.logger.Named("events").Sugar(), b.subscriberBuf)
	return b, nil
}

// Start launches the player and begins connecting to it.
// The bridge runs until Shutdown. Cancelling ctx does not stop it.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return ErrShutdown
	}
	if b.started {
		return errors.New("bridge already started")
	}

	_, err := b.supervisor.Start()
	if err != nil {
		return fmt.Errorf("launching player: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true

	go func() {
		defer close(b.done)
		err := b.transport.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Errorw("player connection loop stopped", "error", err)
		}
	}()
	return nil
}

func (b *Bridge) checkRunning() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return ErrShutdown
	}
	if !b.started {
		return ErrNotStarted
	}
	return nil
}

// Send writes cmd to the player with the next correlation id and returns the call awaiting its reply.
func (b *Bridge) Send(cmd ipc.Command) (*ipc.Call, error) {
	err := b.checkRunning()
	if err != nil {
		return nil, err
	}
	return b.correlator.Send(cmd)
}

// Request sends cmd and waits for the player's reply.
// If ctx is done first, the wait is abandoned but the request stays pending.
func (b *Bridge) Request(ctx context.Context, cmd ipc.Command) (ipc.Message, error) {
	call, err := b.Send(cmd)
	if err != nil {
		return ipc.Message{}, err
	}
	b.log.Debugw("sent request", "id", call.ID(), "command", cmd.Name())
	return call.Wait(ctx)
}

// Subscribe returns a channel of player messages that are not replies to requests.
// Call the returned function to unsubscribe. The channel is closed on Shutdown.
func (b *Bridge) Subscribe() (<-chan ipc.Message, func()) {
	return b.events.Subscribe()
}

// quit asks the player to exit through its socket.
func (b *Bridge) quit() error {
	err := b.transport.Write(ipc.NewCommand("quit", 0))
	if err == nil {
		return nil
	}
	if ipc.IsBrokenPipe(err) || errors.Is(err, ipc.ErrNotConnected) {
		b.log.Infow("player connection already gone, not sending quit", "error", err)
		return nil
	}
	return fmt.Errorf("sending quit: %w", err)
}

// Shutdown stops reconnecting, asks the player to quit, and waits for it to exit.
// A player that does not exit within the shutdown timeout is killed.
// Only the first call does anything; later calls return its result.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Bridge) shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.stopping = true
	started := b.started
	b.mu.Unlock()

	if !started {
		b.events.Close()
		return nil
	}

	b.log.Info("shutting down")
	b.transport.DisableReconnect()

	err := b.supervisor.Stop(ctx, b.quit)
	if err != nil {
		err = fmt.Errorf("stopping player: %w", err)
	}

	b.transport.Close()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.cancel()
		<-b.done
	}
	b.cancel()

	if n := b.correlator.FailAll(ErrShutdown); n > 0 {
		b.log.Infof("abandoned %d requests still in flight", n)
	}
	b.events.Close()
	b.log.Info("shut down")
	return err
}

// Status is a snapshot of the bridge's state.
type Status struct {
	State         string `json:"state"`
	AutoReconnect bool   `json:"auto_reconnect"`
	ShuttingDown  bool   `json:"shutting_down"`
	Pending       int    `json:"pending"`
	NextRequestID uint64 `json:"next_request_id"`
	PlayerPID     int    `json:"player_pid,omitempty"`
	PlayerRunning bool   `json:"player_running"`
	PlayerStarts  int    `json:"player_starts"`
	FrameErrors   uint64 `json:"frame_errors"`
	Subscribers   int    `json:"subscribers"`
	DroppedEvents uint64 `json:"dropped_events"`
}

func (b *Bridge) Status() Status {
	b.mu.Lock()
	stopping := b.stopping
	b.mu.Unlock()

	s := Status{
		State:         b.transport.State().String(),
		AutoReconnect: b.transport.ReconnectEnabled(),
		ShuttingDown:  stopping,
		Pending:       b.correlator.Pending(),
		NextRequestID: b.correlator.NextID(),
		PlayerStarts:  b.supervisor.Starts(),
		FrameErrors:   b.frameErrors.Load(),
		Subscribers:   b.events.Subscribers(),
		DroppedEvents: b.events.Dropped(),
	}
	if p := b.supervisor.Current(); p != nil {
		s.PlayerPID = p.Pid()
		s.PlayerRunning = !p.Exited()
	}
	return s
}

func (b *Bridge) onConnect() {
	b.log.Debugw("connected", "socket", b.socketPath, "pending", b.correlator.Pending())
}

func (b *Bridge) onDisconnect() {
	if !b.failPending {
		return
	}
	if n := b.correlator.FailAll(ipc.ErrConnectionLost); n > 0 {
		b.log.Warnf("connection lost, failed %d requests in flight", n)
	}
}

// onFailure restarts the player if it has died, which is the usual reason for a connection failure.
// b.mu is held across the restart so a Shutdown either prevents it or sees the new process.
func (b *Bridge) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		b.log.Debugw("not restarting player, shutting down", "cause", err)
		return
	}
	restarted, startErr := b.supervisor.EnsureRunning()
	if startErr != nil {
		b.log.Errorw("restarting player", "error", startErr)
		return
	}
	if restarted {
		b.log.Infow("restarted player after connection failure", "cause", err)
	}
}

func (b *Bridge) onMessage(msg ipc.Message) {
	if b.correlator.Deliver(msg) {
		return
	}
	if msg.Event != "" {
		b.log.Debugw("player event", "event", msg.Event)
	}
	b.events.Publish(msg)
}

func (b *Bridge) onFrameError(err error) {
	b.frameErrors.Add(1)
}
