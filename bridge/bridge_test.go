package bridge

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/mpvbridge/bridge/ipc"
	"github.com/guseggert/mpvbridge/internal/fakempv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const testDelay = 50 * time.Millisecond

func TestMain(m *testing.M) {
	fakempv.Main()
	os.Exit(m.Run())
}

func newTestBridge(t *testing.T, mode string, opts ...Option) *Bridge {
	exe, err := os.Executable()
	require.NoError(t, err)

	opts = append([]Option{
		WithLogger(zap.NewNop()),
		WithPlayerPath(exe),
		WithPlayerEnv(fakempv.Env(mode)...),
		WithSocketPath(fakempv.TempSocket(t)),
		WithStartupDelay(testDelay),
		WithReconnectDelay(testDelay),
		WithShutdownTimeout(5 * time.Second),
	}, opts...)
	b, err := New(opts...)
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	waitConnected(t, b)
	return b
}

func waitConnected(t *testing.T, b *Bridge) {
	require.Eventually(t, func() bool {
		return b.Status().State == ipc.Connected.String()
	}, 10*time.Second, 5*time.Millisecond)
}

type reply struct {
	Data      []any  `json:"data"`
	Error     string `json:"error"`
	RequestID uint64 `json:"request_id"`
}

func request(t *testing.T, b *Bridge, cmd ipc.Command) reply {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := b.Request(ctx, cmd)
	require.NoError(t, err)
	var r reply
	require.NoError(t, msg.Unmarshal(&r))
	return r
}

func TestRequestRoundTrip(t *testing.T) {
	b := newTestBridge(t, fakempv.ModeNormal)

	r := request(t, b, ipc.NewCommand("get_property", "volume"))
	assert.Equal(t, "success", r.Error)
	assert.Equal(t, []any{"get_property", "volume"}, r.Data)
	assert.EqualValues(t, 0, r.RequestID)

	r = request(t, b, ipc.NewCommand("seek", 10, "relative"))
	assert.Equal(t, []any{"seek", float64(10), "relative"}, r.Data)
	assert.EqualValues(t, 1, r.RequestID)

	status := b.Status()
	assert.Equal(t, 0, status.Pending)
	assert.EqualValues(t, 2, status.NextRequestID)
	assert.True(t, status.PlayerRunning)
	assert.True(t, status.AutoReconnect)
}

func TestConcurrentRequestsGetTheirOwnReplies(t *testing.T) {
	b := newTestBridge(t, fakempv.ModeNormal)

	var group errgroup.Group
	for i := 0; i < 50; i++ {
		i := i
		group.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			msg, err := b.Request(ctx, ipc.NewCommand("echo", i))
			if err != nil {
				return err
			}
			var r reply
			if err := msg.Unmarshal(&r); err != nil {
				return err
			}
			assert.Equal(t, []any{"echo", float64(i)}, r.Data)
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, 0, b.Status().Pending)
}

func TestEventsReachSubscribers(t *testing.T) {
	b := newTestBridge(t, fakempv.ModeNormal)
	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	request(t, b, ipc.NewCommand("emit", "file-loaded"))

	select {
	case msg := <-events:
		assert.Equal(t, "file-loaded", msg.Event)
		assert.Nil(t, msg.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not published")
	}
	select {
	case msg := <-events:
		t.Fatalf("reply was published as an event: %s", msg.Raw)
	case <-time.After(testDelay):
	}
}

func TestRequestWaitCanBeAbandoned(t *testing.T) {
	b := newTestBridge(t, fakempv.ModeNormal)

	ctx, cancel := context.WithTimeout(context.Background(), testDelay)
	defer cancel()
	_, err := b.Request(ctx, ipc.NewCommand("hang"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, b.Status().Pending)

	// the connection is still usable
	r := request(t, b, ipc.NewCommand("ping"))
	assert.EqualValues(t, 1, r.RequestID)
}

func TestShutdownQuitsPlayerWithoutReconnecting(t *testing.T) {
	b := newTestBridge(t, fakempv.ModeNormal)
	player := b.supervisor.Current()

	call, err := b.Send(ipc.NewCommand("hang"))
	require.NoError(t, err)

	require.NoError(t, b.Shutdown(context.Background()))

	require.True(t, player.Exited())
	assert.True(t, player.Result().Clean(), "player should exit on the quit command")

	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)

	_, err = b.Request(context.Background(), ipc.NewCommand("ping"))
	assert.ErrorIs(t, err, ErrShutdown)

	time.Sleep(3 * testDelay)
	status := b.Status()
	assert.Equal(t, ipc.Disconnected.String(), status.State)
	assert.False(t, status.AutoReconnect)
	assert.True(t, status.ShuttingDown)
	assert.Equal(t, 1, status.PlayerStarts, "player must not be restarted after shutdown")

	// a second shutdown returns the first result without doing anything
	assert.NoError(t, b.Shutdown(context.Background()))

	_, ok := <-mustSubscribe(b)
	assert.False(t, ok, "subscriptions after shutdown are closed")
}

func TestShutdownKillsUnresponsivePlayer(t *testing.T) {
	b := newTestBridge(t, fakempv.ModeIgnoreQuit, WithShutdownTimeout(200*time.Millisecond))
	player := b.supervisor.Current()

	start := time.Now()
	require.NoError(t, b.Shutdown(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	require.True(t, player.Exited())
	assert.Equal(t, syscall.SIGKILL, player.Result().Signal)
	assert.Equal(t, 1, b.Status().PlayerStarts)
}

func TestRestartsCrashedPlayer(t *testing.T) {
	b := newTestBridge(t, fakempv.ModeNormal)
	first := b.supervisor.Current()

	r := request(t, b, ipc.NewCommand("ping"))
	assert.EqualValues(t, 0, r.RequestID)

	_, err := b.Send(ipc.NewCommand("crash"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Status().PlayerStarts == 2
	}, 10*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, first.Result().Code)
	waitConnected(t, b)

	r = request(t, b, ipc.NewCommand("ping"))
	assert.EqualValues(t, 2, r.RequestID, "ids keep increasing across reconnects")
	assert.Equal(t, 1, b.Status().Pending, "the crash request stays pending")
}

func TestLateFailureAfterShutdownDoesNotRestartPlayer(t *testing.T) {
	b := newTestBridge(t, fakempv.ModeNormal)
	player := b.supervisor.Current()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	require.True(t, player.Exited())

	// a failure noticed before shutdown but reported after it
	b.onFailure(errors.New("dial unix: no such file or directory"))

	assert.Equal(t, 1, b.supervisor.Starts())
	assert.Same(t, player, b.supervisor.Current())
}

func TestFailPendingOnDisconnect(t *testing.T) {
	b := newTestBridge(t, fakempv.ModeNormal, WithFailPendingOnDisconnect(true))

	hung, err := b.Send(ipc.NewCommand("hang"))
	require.NoError(t, err)
	dropped, err := b.Send(ipc.NewCommand("drop"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, call := range []*ipc.Call{hung, dropped} {
		_, err := call.Wait(ctx)
		assert.ErrorIs(t, err, ipc.ErrConnectionLost)
	}
	assert.Equal(t, 0, b.Status().Pending)

	waitConnected(t, b)
	request(t, b, ipc.NewCommand("ping"))
	assert.Equal(t, 1, b.Status().PlayerStarts, "a dropped connection does not restart a live player")
}

func TestRequestBeforeStart(t *testing.T) {
	b, err := New(WithLogger(zap.NewNop()))
	require.NoError(t, err)

	_, err = b.Request(context.Background(), ipc.NewCommand("ping"))
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, b.Shutdown(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrShutdown)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := newHub(zap.NewNop().Sugar(), 1)
	slow, unsubscribe := h.Subscribe()

	h.Publish(ipc.Message{Event: "a"})
	h.Publish(ipc.Message{Event: "b"})
	assert.EqualValues(t, 1, h.Dropped())
	assert.Equal(t, "a", (<-slow).Event)

	unsubscribe()
	_, ok := <-slow
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())
	unsubscribe()
}

func mustSubscribe(b *Bridge) <-chan ipc.Message {
	ch, _ := b.Subscribe()
	return ch
}
