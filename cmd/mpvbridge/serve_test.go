package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/guseggert/mpvbridge/bridge"
	"github.com/guseggert/mpvbridge/bridge/ipc"
	"github.com/guseggert/mpvbridge/internal/fakempv"
	"github.com/guseggert/mpvbridge/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	fakempv.Main()
	os.Exit(m.Run())
}

func TestStopServingLetsPlayerQuitWithRequestInFlight(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	const playerTimeout = 3 * time.Second
	b, err := bridge.New(
		bridge.WithLogger(zap.NewNop()),
		bridge.WithPlayerPath(exe),
		bridge.WithPlayerEnv(fakempv.Env(fakempv.ModeNormal)...),
		bridge.WithSocketPath(fakempv.TempSocket(t)),
		bridge.WithStartupDelay(50*time.Millisecond),
		bridge.WithReconnectDelay(50*time.Millisecond),
		bridge.WithShutdownTimeout(playerTimeout),
	)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool {
		return b.Status().State == ipc.Connected.String()
	}, 10*time.Second, 5*time.Millisecond)

	srv := web.NewServer(b, web.WithListenAddr("127.0.0.1:0"))
	require.NoError(t, srv.Listen())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run() }()

	client := web.NewClient("http://" + srv.Addr().String())
	hung := make(chan error, 1)
	go func() {
		_, err := client.Command(context.Background(), "hang")
		hung <- err
	}()
	require.Eventually(t, func() bool {
		return b.Status().Pending == 1
	}, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, stopServing(zap.NewNop().Sugar(), srv, b, playerTimeout))
	assert.Less(t, time.Since(start), playerTimeout, "the player quits on request instead of being killed")
	assert.False(t, b.Status().PlayerRunning)

	var statusErr *web.StatusError
	require.True(t, errors.As(<-hung, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.NoError(t, <-runErr)
}
