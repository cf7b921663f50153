// Package fakempv is a stand-in for the mpv player, used by tests.
//
// Tests re-execute their own binary as the player: TestMain calls Main, which takes over
// the process when EnvVar is set. The fake listens on the --input-ipc-server socket and
// answers every command with {"data": <command>, "error": "success", "request_id": <id>},
// except for a few commands that script its behavior:
//
//	quit [code]   exit with code (default 0)
//	emit <name>   send the event {"event": <name>} before replying
//	hang          never reply
//	drop          close the connection without replying
//	crash         exit with code 3 without replying
//
// The value of EnvVar selects a mode:
//
//	normal        the behavior above
//	ignore-quit   reply to quit but keep running
//	exit:<code>   exit immediately with code, without listening
package fakempv

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
)

const (
	EnvVar = "MPVBRIDGE_FAKE_MPV"

	ModeNormal     = "normal"
	ModeIgnoreQuit = "ignore-quit"

	// exit code when quitting on a signal, as mpv does
	interruptExitCode = 4
	crashExitCode     = 3
)

// Env returns the environment that makes a re-executed test binary act as the fake player.
func Env(mode string) []string {
	return []string{EnvVar + "=" + mode}
}

// ExitMode returns the mode that makes the fake exit immediately with code.
func ExitMode(code int) string {
	return "exit:" + strconv.Itoa(code)
}

// Main runs the fake player and exits if EnvVar is set, and returns otherwise.
func Main() {
	mode, ok := os.LookupEnv(EnvVar)
	if !ok {
		return
	}
	os.Exit(Run(os.Args[1:], mode))
}

// TempSocket returns a socket path in a fresh short-named directory, removed when the test ends.
// t.TempDir can exceed the length limit of unix socket paths.
func TempSocket(tb testing.TB) string {
	dir, err := os.MkdirTemp("", "fakempv")
	if err != nil {
		tb.Fatalf("creating socket dir: %s", err)
	}
	tb.Cleanup(func() { os.RemoveAll(dir) })
	return dir + "/mpv.sock"
}

// Run runs the fake player with the given command line and returns its exit code.
func Run(args []string, mode string) int {
	if code, ok := strings.CutPrefix(mode, "exit:"); ok {
		n, err := strconv.Atoi(code)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid exit mode %q\n", mode)
			return 2
		}
		fmt.Fprintf(os.Stderr, "exiting with code %d\n", n)
		return n
	}

	socket := ""
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "--input-ipc-server="); ok {
			socket = v
		}
	}
	if socket == "" {
		fmt.Fprintln(os.Stderr, "missing --input-ipc-server")
		return 2
	}

	err := os.Remove(socket)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "removing stale socket: %s\n", err)
		return 1
	}
	l, err := net.Listen("unix", socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listening on %s: %s\n", socket, err)
		return 1
	}
	defer os.Remove(socket)
	defer l.Close()

	p := &player{mode: mode, exit: make(chan int, 1)}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go p.serve(conn)
		}
	}()

	select {
	case code := <-p.exit:
		return code
	case <-sigs:
		return interruptExitCode
	}
}

type player struct {
	mode string
	exit chan int
}

func (p *player) quit(code int) {
	select {
	case p.exit <- code:
	default:
	}
}

func (p *player) serve(conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.Write(append(b, '\n'))
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var req struct {
			Command   []any           `json:"command"`
			RequestID json.RawMessage `json:"request_id"`
		}
		err := json.Unmarshal(scanner.Bytes(), &req)
		if err != nil {
			send(map[string]any{"error": "invalid parameter"})
			continue
		}
		reply := map[string]any{"data": req.Command, "error": "success"}
		if len(req.RequestID) > 0 {
			reply["request_id"] = req.RequestID
		}

		name := ""
		if len(req.Command) > 0 {
			name, _ = req.Command[0].(string)
		}
		switch name {
		case "quit":
			send(reply)
			if p.mode == ModeIgnoreQuit {
				continue
			}
			code := 0
			if len(req.Command) > 1 {
				if f, ok := req.Command[1].(float64); ok {
					code = int(f)
				}
			}
			p.quit(code)
			return
		case "emit":
			if len(req.Command) > 1 {
				send(map[string]any{"event": req.Command[1]})
			}
			send(reply)
		case "hang":
		case "drop":
			return
		case "crash":
			p.quit(crashExitCode)
			return
		default:
			send(reply)
		}
	}
}
