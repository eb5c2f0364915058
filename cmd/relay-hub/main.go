// Command relay-hub runs the relay, or acts as a one-shot client against a running relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := New().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func New() *cli.Command {
	return &cli.Command{
		Name:  "relay-hub",
		Usage: "relay chat, files, audio and video between clients that never connect directly",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "also write JSON logs to this rotating file",
				Sources: cli.EnvVars("RELAY_LOG_FILE"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			sendFileCommand(),
			chatCommand(),
			receiveCommand(),
		},
	}
}

func loggerFor(cmd *cli.Command) *zap.Logger {
	return buildLogger(cmd.String("log-file"))
}

func relayFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Value:   "127.0.0.1",
			Sources: cli.EnvVars("RELAY_HOST"),
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Value:   7000,
			Sources: cli.EnvVars("RELAY_PORT"),
		},
	}
}
