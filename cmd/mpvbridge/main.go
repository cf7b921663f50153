package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/guseggert/mpvbridge/console"
	"github.com/guseggert/mpvbridge/web"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "mpvbridge",
		Usage: "control an mpv player over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum log level. One of [debug,info,warn,error].",
				EnvVars: []string{"MPVBRIDGE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "The mpvbridge server the client commands talk to.",
				Value:   "http://127.0.0.1:3000",
				EnvVars: []string{"MPVBRIDGE_SERVER"},
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			configCommand,
			{
				Name:      "send",
				Usage:     "send a command to the player and print its reply",
				ArgsUsage: "<command> [args...]",
				Action:    send,
			},
			{
				Name:      "ls",
				Usage:     "list a directory on the server",
				ArgsUsage: "[dir]",
				Action:    ls,
			},
			{
				Name:   "events",
				Usage:  "print player events until interrupted",
				Action: events,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// newLogger returns a logger that prints through the console on stderr.
func newLogger(level zapcore.Level) *zap.Logger {
	c := console.New(console.WithOutput(os.Stderr), console.WithCloseByNewLine(false))
	return console.NewLogger(c, level)
}

func clientLogger(cctx *cli.Context) (*zap.Logger, error) {
	level := zapcore.WarnLevel
	if cctx.IsSet("log-level") {
		l, err := zapcore.ParseLevel(cctx.String("log-level"))
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		level = l
	}
	return newLogger(level), nil
}

func newClient(cctx *cli.Context) (*web.Client, error) {
	logger, err := clientLogger(cctx)
	if err != nil {
		return nil, err
	}
	return web.NewClient(cctx.String("server"), web.WithClientLogger(logger)), nil
}

// commandArgs converts command line arguments to player command arguments; numbers are sent as numbers.
func commandArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if _, err := strconv.ParseFloat(a, 64); err == nil && i > 0 {
			out[i] = json.Number(a)
			continue
		}
		out[i] = a
	}
	return out
}

func send(cctx *cli.Context) error {
	if cctx.NArg() == 0 {
		return cli.Exit("a command is required", 2)
	}
	client, err := newClient(cctx)
	if err != nil {
		return err
	}
	reply, err := client.Command(cctx.Context, commandArgs(cctx.Args().Slice())...)
	if err != nil {
		return fmt.Errorf("sending command: %w", err)
	}
	fmt.Println(string(reply))
	return nil
}

func ls(cctx *cli.Context) error {
	client, err := newClient(cctx)
	if err != nil {
		return err
	}
	listing, err := client.ListDirectory(cctx.Context, cctx.Args().First())
	if err != nil {
		return fmt.Errorf("listing directory: %w", err)
	}

	names := make([]string, 0, len(listing.Listing))
	for name := range listing.Listing {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println(listing.Directory)
	for _, name := range names {
		fmt.Printf("  %-9s %s\n", listing.Listing[name], name)
	}
	return nil
}

func events(cctx *cli.Context) error {
	client, err := newClient(cctx)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgs, err := client.Events(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	for msg := range msgs {
		fmt.Println(string(msg))
	}
	if ctx.Err() != nil && ctx.Err() != context.Canceled {
		return ctx.Err()
	}
	return nil
}
