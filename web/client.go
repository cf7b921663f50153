package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/mpvbridge/bridge"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventReadLimit = 1 << 20

// Client talks to a Server.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryConnErrors retries requests that never got a response. Responses are never retried,
// since a command that reached the player must not be sent twice.
func retryConnErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

// NewClient returns a client for the server at baseURL, such as http://127.0.0.1:3000.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.CheckRetry = retryConnErrors
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d: %s", e.Code, strings.TrimSpace(e.Body))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return &StatusError{Code: resp.StatusCode, Body: fmt.Errorf("error reading body: %w", err).Error()}
		}
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Command sends a player command and returns the player's reply frame.
func (c *Client) Command(ctx context.Context, args ...any) (json.RawMessage, error) {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/", map[string]any{"command": args}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ListDirectory lists dir on the server. An empty dir lists the server's current directory.
func (c *Client) ListDirectory(ctx context.Context, dir string) (DirectoryListing, error) {
	args := []any{ListDirectoryCommand}
	if dir != "" {
		args = append(args, dir)
	}
	var resp struct {
		Data DirectoryListing `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/", map[string]any{"command": args}, &resp)
	return resp.Data, err
}

func (c *Client) Status(ctx context.Context) (bridge.Status, error) {
	var status bridge.Status
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &status)
	return status, err
}

// WaitForServer polls the server until it answers or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Status(ctx)
			if err == nil {
				c.Logger.Debug("status succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got status error: %s", err)
		}
	}
}

// Events streams player events until ctx is done or the server closes the stream.
// The channel is closed when the stream ends.
func (c *Client) Events(ctx context.Context) (<-chan json.RawMessage, error) {
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/events"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(eventReadLimit)

	ch := make(chan json.RawMessage)
	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var msg json.RawMessage
			err := wsjson.Read(ctx, conn, &msg)
			if err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					c.Logger.Debugf("reading event: %s", err)
				}
				return
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
