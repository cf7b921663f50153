package web

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/mpvbridge/bridge"
	"github.com/guseggert/mpvbridge/internal/files"
	inet "github.com/guseggert/mpvbridge/internal/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCommand(t *testing.T) {
	_, client := startServer(t, newFakeBridge())

	reply, err := client.Command(context.Background(), "set_property", "pause", true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":["set_property","pause",true],"error":"success","request_id":0}`, string(reply))
}

func TestClientCommandError(t *testing.T) {
	b := newFakeBridge()
	b.err = bridge.ErrShutdown
	_, client := startServer(t, b)

	_, err := client.Command(context.Background(), "stop")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "%v", err)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Contains(t, statusErr.Body, "shut down")

	b.mu.Lock()
	assert.Len(t, b.requests, 1, "error responses are not retried")
	b.mu.Unlock()
}

func TestClientListDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.webm"), nil, 0o644))
	_, client := startServer(t, newFakeBridge(), WithMediaRoot(root))

	listing, err := client.ListDirectory(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, root, listing.Directory)
	assert.Equal(t, map[string]files.Kind{"a.webm": files.KindVideo}, listing.Listing)
}

func TestClientStatus(t *testing.T) {
	_, client := startServer(t, newFakeBridge())
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.PlayerRunning)
}

func TestClientWaitForServer(t *testing.T) {
	addr, err := inet.EphemeralListenAddr()
	require.NoError(t, err)
	baseURL, err := inet.BaseURL(addr)
	require.NoError(t, err)

	client := NewClient(baseURL, WithClientWaitInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err = client.WaitForServer(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s := NewServer(newFakeBridge(), WithListenAddr(addr))
	go s.Run()
	defer s.Stop(context.Background())

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
}
