package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrNotConnected is returned by writes while there is no connection to the player.
	ErrNotConnected = errors.New("not connected to player")
	// ErrConnectionLost resolves pending calls that were failed because the connection dropped.
	ErrConnectionLost = errors.New("connection to player lost")
	// ErrFrameTooLarge is reported for frames longer than MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Kind classifies connection errors.
type Kind int

const (
	KindOther Kind = iota
	// KindClosed is a clean end of stream, or a connection we closed ourselves.
	KindClosed
	// KindBrokenPipe means the far end went away while we were writing.
	KindBrokenPipe
	// KindConnRefused means nothing is listening on the socket path (yet).
	KindConnRefused
	// KindReset means the far end reset the connection.
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindClosed:
		return "closed"
	case KindBrokenPipe:
		return "broken pipe"
	case KindConnRefused:
		return "connection refused"
	case KindReset:
		return "connection reset"
	default:
		return "other"
	}
}

// errnoKinds is the only place platform error codes are interpreted.
// A missing socket file is reported as ENOENT, which for our purposes is the same as a refused connection.
var errnoKinds = map[syscall.Errno]Kind{
	syscall.EPIPE:        KindBrokenPipe,
	syscall.ECONNREFUSED: KindConnRefused,
	syscall.ENOENT:       KindConnRefused,
	syscall.ECONNRESET:   KindReset,
}

// ConnError is an error on the player connection, tagged with its Kind.
type ConnError struct {
	Kind Kind
	Op   string
	Err  error
}

func newConnError(op string, err error) *ConnError {
	return &ConnError{Kind: KindOf(err), Op: op, Err: err}
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors that are not connection errors are KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var connErr *ConnError
	if errors.As(err, &connErr) {
		return connErr.Kind
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return KindClosed
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if k, ok := errnoKinds[errno]; ok {
			return k
		}
	}
	return KindOther
}

// IsBrokenPipe reports whether err means the player end of the connection is already gone.
func IsBrokenPipe(err error) bool {
	return KindOf(err) == KindBrokenPipe
}

// FrameError is a frame that could not be decoded. Only that frame is lost.
type FrameError struct {
	Line []byte
	Err  error
}

func (e *FrameError) Error() string {
	line := e.Line
	if len(line) > 64 {
		line = line[:64]
	}
	return fmt.Sprintf("decoding frame %q: %v", line, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
