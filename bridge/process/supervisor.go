package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// InterruptExitCode is the player's exit code after quitting on a signal.
	InterruptExitCode = 4

	DefaultPath            = "mpv"
	DefaultSocketPath      = "/tmp/mpv-socket"
	DefaultShutdownTimeout = 5 * time.Second
)

// Config describes how to launch the player.
type Config struct {
	// Path is the player executable.
	Path string
	// SocketPath is passed to the player as its IPC server path.
	SocketPath string
	// Fullscreen adds --fullscreen to the startup flags.
	Fullscreen bool
	// ExtraArgs are appended after the standard flags.
	ExtraArgs []string
	// Env is appended to the inherited environment.
	Env []string
}

// Args returns the player's command line arguments.
func (c Config) Args() []string {
	args := []string{
		"--input-ipc-server=" + c.SocketPath,
		"--idle",
		"--save-position-on-quit",
		"--osc=no",
	}
	if c.Fullscreen {
		args = append(args, "--fullscreen")
	}
	return append(args, c.ExtraArgs...)
}

// ExitResult describes how a player process ended.
type ExitResult struct {
	// Code is the exit code, or -1 if the process was terminated by a signal or could not be waited on.
	Code int
	// Signal is set if the process was terminated by a signal.
	Signal syscall.Signal
	// Err is set if waiting on the process failed for a reason other than a non-zero exit.
	Err error
	// Duration is how long the process ran.
	Duration time.Duration
	// Stderr holds the last lines the process wrote to stderr.
	Stderr []string
}

// Interrupted reports whether the player quit because it received an interrupt.
func (r ExitResult) Interrupted() bool {
	return r.Err == nil && r.Code == InterruptExitCode
}

// Clean reports whether the player exited with code 0.
func (r ExitResult) Clean() bool {
	return r.Err == nil && r.Signal == 0 && r.Code == 0
}

// Process is one launched player.
type Process struct {
	cmd    *exec.Cmd
	start  time.Time
	done   chan struct{}
	result ExitResult
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its result is available.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the exit result. It must only be called after Done is closed.
func (p *Process) Result() ExitResult {
	<-p.done
	return p.result
}

// Kill forcibly terminates the process.
func (p *Process) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

// Supervisor launches the player and tracks the current instance.
type Supervisor struct {
	log             *zap.SugaredLogger
	cfg             Config
	shutdownTimeout time.Duration

	mu      sync.Mutex
	current *Process
	starts  int
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithShutdownTimeout sets how long Stop waits for the player to exit before killing it.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.shutdownTimeout = d
	}
}

func NewSupervisor(cfg Config, opts ...Option) *Supervisor {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	s := &Supervisor{
		log:             zap.NewNop().Sugar(),
		cfg:             cfg,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the launch configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Current returns the most recently started process, or nil if none was started.
func (s *Supervisor) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Starts returns how many times a player was launched.
func (s *Supervisor) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Start launches a new player process and makes it the current one.
func (s *Supervisor) Start() (*Process, error) {
	s.log.Infow("starting player", "path", s.cfg.Path, "socket", s.cfg.SocketPath)

	cmd := exec.Command(s.cfg.Path, s.cfg.Args()...)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	stdout := newLineWriter(0, func(line string) { s.log.Debugw("player stdout", "line", line) })
	stderr := newLineWriter(stderrTailLines, func(line string) { s.log.Warnw("player stderr", "line", line) })
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting player %q: %w", s.cfg.Path, err)
	}

	p := &Process{cmd: cmd, start: time.Now(), done: make(chan struct{})}
	s.mu.Lock()
	s.current = p
	s.starts++
	s.mu.Unlock()

	go s.observe(p, stdout, stderr)
	return p, nil
}

func (s *Supervisor) observe(p *Process, stdout, stderr *lineWriter) {
	err := p.cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	res := ExitResult{Duration: time.Since(p.start), Stderr: stderr.Tail()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				res.Signal = status.Signal()
			}
		} else {
			res.Code = -1
			res.Err = err
		}
	}
	p.result = res
	close(p.done)

	log := s.log.With("pid", p.cmd.Process.Pid, "code", res.Code)
	switch {
	case res.Interrupted():
		log.Info("player received an interrupt, exiting")
	case res.Clean():
		log.Info("player exited")
	case res.Signal != 0:
		log.Errorw("player terminated by signal", "signal", res.Signal.String())
	case res.Err != nil:
		log.Errorw("player wait failed", "error", res.Err)
	default:
		log.Errorw("player exited with error", "stderr", res.Stderr)
	}
}

// EnsureRunning starts a new player if the current one has exited, or if none was started.
// It reports whether a new player was started.
func (s *Supervisor) EnsureRunning() (bool, error) {
	p := s.Current()
	if p != nil && !p.Exited() {
		return false, nil
	}
	if p != nil {
		s.log.Warn("player process has exited, restarting")
	}
	_, err := s.Start()
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stop calls quit to ask the current player to exit, then waits for it to do so.
// If it is still running after the shutdown timeout, it is killed.
// Stop returns once the process is gone, or when ctx is done (in which case the process is killed too).
func (s *Supervisor) Stop(ctx context.Context, quit func() error) error {
	p := s.Current()
	if p == nil || p.Exited() {
		return nil
	}

	if quit != nil {
		err := quit()
		if err != nil {
			s.log.Warnw("asking player to quit failed, waiting for it anyway", "error", err)
		}
	}

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-p.Done():
		s.log.Info("player process has exited")
		return nil
	case <-timer.C:
		s.log.Warnf("player did not exit after %s, killing it", s.shutdownTimeout)
	case <-ctx.Done():
		s.log.Warnf("gave up waiting for player to exit: %s, killing it", ctx.Err())
	}

	err := p.Kill()
	if err != nil {
		return fmt.Errorf("killing player: %w", err)
	}
	<-p.Done()
	return ctx.Err()
}
