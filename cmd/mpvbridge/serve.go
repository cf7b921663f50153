package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/mpvbridge/bridge"
	"github.com/guseggert/mpvbridge/config"
	"github.com/guseggert/mpvbridge/internal/files"
	"github.com/guseggert/mpvbridge/web"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// how long in-flight HTTP requests get to finish on shutdown
	httpStopTimeout = 2 * time.Second
	// extra time given to the transport on top of the player's shutdown timeout
	shutdownGrace = 5 * time.Second
)

var configFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "Path to a YAML config file.",
		EnvVars: []string{"MPVBRIDGE_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "listen",
		Usage:   "The HTTP listen address.",
		EnvVars: []string{"MPVBRIDGE_LISTEN"},
	},
	&cli.StringFlag{
		Name:    "media-root",
		Usage:   "The directory listed before the client picks one.",
		EnvVars: []string{"MPVBRIDGE_MEDIA_ROOT"},
	},
	&cli.StringFlag{
		Name:    "static-dir",
		Usage:   "The web client directory. Defaults to the nearest client/dist above the working directory.",
		EnvVars: []string{"MPVBRIDGE_STATIC_DIR"},
	},
	&cli.StringFlag{
		Name:    "player",
		Usage:   "The mpv executable.",
		EnvVars: []string{"MPVBRIDGE_PLAYER"},
	},
	&cli.StringFlag{
		Name:    "socket",
		Usage:   "The mpv IPC socket path.",
		EnvVars: []string{"MPVBRIDGE_SOCKET"},
	},
	&cli.BoolFlag{
		Name:    "fullscreen",
		Usage:   "Start the player fullscreen.",
		EnvVars: []string{"MPVBRIDGE_FULLSCREEN"},
	},
	&cli.StringSliceFlag{
		Name:  "player-arg",
		Usage: "An extra argument for the player. Repeatable.",
	},
	&cli.DurationFlag{
		Name:    "shutdown-timeout",
		Usage:   "How long to wait for the player to quit before killing it.",
		EnvVars: []string{"MPVBRIDGE_SHUTDOWN_TIMEOUT"},
	},
	&cli.DurationFlag{
		Name:    "reconnect-delay",
		Usage:   "Delay between connection attempts.",
		EnvVars: []string{"MPVBRIDGE_RECONNECT_DELAY"},
	},
	&cli.DurationFlag{
		Name:    "startup-delay",
		Usage:   "Delay before the first connection attempt.",
		EnvVars: []string{"MPVBRIDGE_STARTUP_DELAY"},
	},
	&cli.BoolFlag{
		Name:    "fail-pending-on-disconnect",
		Usage:   "Fail in-flight commands when the connection drops.",
		EnvVars: []string{"MPVBRIDGE_FAIL_PENDING_ON_DISCONNECT"},
	},
}

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "start the player and serve the HTTP API",
	Flags:  configFlags,
	Action: serve,
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "print the effective configuration",
	Flags: configFlags,
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		b, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Print(string(b))
		return nil
	},
}

// loadConfig reads the config file, if any, and applies the flags that were set.
func loadConfig(cctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := cctx.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}

	if cctx.IsSet("log-level") {
		cfg.LogLevel = cctx.String("log-level")
	}
	if cctx.IsSet("listen") {
		cfg.Listen = cctx.String("listen")
	}
	if cctx.IsSet("media-root") {
		cfg.MediaRoot = cctx.String("media-root")
	}
	if cctx.IsSet("static-dir") {
		cfg.StaticDir = cctx.String("static-dir")
	}
	if cctx.IsSet("player") {
		cfg.Player.Path = cctx.String("player")
	}
	if cctx.IsSet("socket") {
		cfg.Player.Socket = cctx.String("socket")
	}
	if cctx.IsSet("fullscreen") {
		cfg.Player.Fullscreen = cctx.Bool("fullscreen")
	}
	if cctx.IsSet("player-arg") {
		cfg.Player.Args = append(cfg.Player.Args, cctx.StringSlice("player-arg")...)
	}
	if cctx.IsSet("shutdown-timeout") {
		cfg.Player.ShutdownTimeout.Duration = cctx.Duration("shutdown-timeout")
	}
	if cctx.IsSet("reconnect-delay") {
		cfg.Connection.ReconnectDelay.Duration = cctx.Duration("reconnect-delay")
	}
	if cctx.IsSet("startup-delay") {
		cfg.Connection.StartupDelay.Duration = cctx.Duration("startup-delay")
	}
	if cctx.IsSet("fail-pending-on-disconnect") {
		cfg.Connection.FailPendingOnDisconnect = cctx.Bool("fail-pending-on-disconnect")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := newLogger(level)
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	staticDir := cfg.StaticDir
	if staticDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working dir: %w", err)
		}
		staticDir, err = files.FindUp("client/dist", wd)
		if err != nil {
			return fmt.Errorf("finding web client: %w", err)
		}
		if staticDir == "" {
			log.Warn("no client/dist directory found, serving the API only")
		}
	}

	b, err := bridge.New(
		bridge.WithLogger(logger),
		bridge.WithSocketPath(cfg.Player.Socket),
		bridge.WithPlayerPath(cfg.Player.Path),
		bridge.WithPlayerArgs(cfg.Player.Args...),
		bridge.WithPlayerEnv(cfg.Player.Env...),
		bridge.WithFullscreen(cfg.Player.Fullscreen),
		bridge.WithShutdownTimeout(cfg.Player.ShutdownTimeout.Duration),
		bridge.WithReconnectDelay(cfg.Connection.ReconnectDelay.Duration),
		bridge.WithStartupDelay(cfg.Connection.StartupDelay.Duration),
		bridge.WithFailPendingOnDisconnect(cfg.Connection.FailPendingOnDisconnect),
	)
	if err != nil {
		return err
	}

	srv := web.NewServer(b,
		web.WithLogger(logger),
		web.WithListenAddr(cfg.Listen),
		web.WithStaticDir(staticDir),
		web.WithMediaRoot(cfg.MediaRoot),
	)
	// bind before starting the player so a busy port fails fast
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		_ = srv.Stop(context.Background())
		return fmt.Errorf("starting player: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(srv.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		// a second signal kills the process
		stop()
		log.Info("shutting down")
		return stopServing(log, srv, b, cfg.Player.ShutdownTimeout.Duration)
	})
	return group.Wait()
}

// stopServing stops the HTTP server, then shuts the bridge down.
// Each has its own deadline. Requests stuck waiting on the player do not count against the player's quit timeout.
func stopServing(log *zap.SugaredLogger, srv *web.Server, b *bridge.Bridge, playerTimeout time.Duration) error {
	httpCtx, cancel := context.WithTimeout(context.Background(), httpStopTimeout)
	err := srv.Stop(httpCtx)
	cancel()
	if err != nil {
		log.Warnf("stopping HTTP server: %s", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), playerTimeout+shutdownGrace)
	defer cancel()
	return b.Shutdown(shutdownCtx)
}
