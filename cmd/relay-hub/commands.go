package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sessamekesh/spanreed-relay/pkg/app"
	"github.com/sessamekesh/spanreed-relay/pkg/chat"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/rooms"
	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the relay",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 7000, Sources: cli.EnvVars("RELAY_PORT")},
			&cli.IntFlag{Name: "max-connections", Sources: cli.EnvVars("RELAY_MAX_CONNECTIONS")},
			&cli.BoolFlag{Name: "video", Usage: "receive UDP video", Sources: cli.EnvVars("RELAY_VIDEO")},
			&cli.IntFlag{Name: "video-port", Value: 7001, Sources: cli.EnvVars("RELAY_VIDEO_PORT")},
			&cli.StringFlag{Name: "events-addr", Usage: "serve bus events over websocket at this address", Sources: cli.EnvVars("RELAY_EVENTS_ADDR")},
			&cli.StringSliceFlag{Name: "events-origin", Usage: "allowed websocket origins (all when empty)", Sources: cli.EnvVars("RELAY_EVENTS_ORIGINS")},
			&cli.StringFlag{Name: "username", Value: app.DefaultServerUsername, Sources: cli.EnvVars("RELAY_USERNAME")},
			&cli.IntFlag{Name: "max-rooms", Sources: cli.EnvVars("RELAY_MAX_ROOMS")},
			&cli.BoolFlag{Name: "auto-approve-rooms", Sources: cli.EnvVars("RELAY_AUTO_APPROVE_ROOMS")},
			&cli.BoolFlag{Name: "allow-client-admin", Sources: cli.EnvVars("RELAY_ALLOW_CLIENT_ADMIN")},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	logger := loggerFor(cmd)
	defer logger.Sync()

	relay, err := app.NewRelay(app.RelayConfig{
		ListenPort:              int(cmd.Int("port")),
		MaxConnections:          int(cmd.Int("max-connections")),
		EnableVideo:             cmd.Bool("video"),
		VideoPort:               int(cmd.Int("video-port")),
		EventBridgeAddress:      cmd.String("events-addr"),
		EventBridgeOrigins:      cmd.StringSlice("events-origin"),
		ServerUsername:          cmd.String("username"),
		MaxRooms:                int(cmd.Int("max-rooms")),
		AllowClientAdminActions: cmd.Bool("allow-client-admin"),
		Logger:                  logger,
	})
	if err != nil {
		return err
	}

	operatorLog := logger.With(zap.String("handler", "Operator"))
	autoApprove := cmd.Bool("auto-approve-rooms")
	relay.Bus.SubscribeFunc(func(e events.Event) {
		switch data := e.Data.(type) {
		case chat.Message:
			operatorLog.Info("Message for operator", zap.String("sender", data.Sender), zap.String("text", data.Text))
		case rooms.RoomEvent:
			if e.Type == events.RoomCreated && data.Room.State == rooms.RoomState_Pending {
				operatorLog.Info("Room requested",
					zap.Int64("roomId", data.Room.Id),
					zap.String("name", data.Room.Name),
					zap.String("creator", data.Room.CreatorUsername),
					zap.String("message", data.Room.Message))
				if autoApprove {
					relay.Rooms.ApproveRoom(data.Room.Id)
				}
			}
		}
	})

	if err := relay.Start(ctx); err != nil {
		return err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- relay.Wait() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down relay")
	case err = <-waitErr:
		logger.Error("Relay service failed", zap.Error(err))
	}

	return multierr.Append(err, relay.Close())
}

func connectClient(ctx context.Context, cmd *cli.Command, outputDir string) (*app.Client, error) {
	client, err := app.NewClient(app.ClientConfig{
		RelayHost:       cmd.String("host"),
		RelayPort:       int(cmd.Int("port")),
		OutputDirectory: outputDir,
		Logger:          loggerFor(cmd),
	})
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func sendFileCommand() *cli.Command {
	return &cli.Command{
		Name:  "send-file",
		Usage: "send one file to a peer through the relay",
		Flags: append(relayFlags(),
			&cli.StringFlag{Name: "peer", Required: true},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := connectClient(ctx, cmd, "")
			if err != nil {
				return err
			}
			client.Bus.SubscribeFunc(newProgressRenderer().HandleEvent)

			_, sendErr := client.SendFile(ctx, cmd.String("peer"), cmd.String("file"))
			return multierr.Append(sendErr, client.Close())
		},
	}
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "send one chat message to a peer through the relay",
		Flags: append(relayFlags(),
			&cli.StringFlag{Name: "peer", Usage: "target connection id; empty sends to the relay operator"},
			&cli.StringFlag{Name: "text", Aliases: []string{"t"}, Required: true},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := connectClient(ctx, cmd, "")
			if err != nil {
				return err
			}

			_, sendErr := client.SendChat(cmd.String("peer"), cmd.String("text"))
			return multierr.Append(sendErr, client.Close())
		},
	}
}

func receiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "receive",
		Usage: "stay connected, print chat and accept files until interrupted",
		Flags: append(relayFlags(),
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Value: ".", Sources: cli.EnvVars("RELAY_OUTPUT_DIR")},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := connectClient(ctx, cmd, cmd.String("dir"))
			if err != nil {
				return err
			}

			client.Bus.SubscribeFunc(newProgressRenderer().HandleEvent)
			client.Bus.SubscribeFunc(func(e events.Event) {
				switch data := e.Data.(type) {
				case chat.Message:
					fmt.Fprintf(os.Stdout, "%s: %s\n", data.Sender, data.Text)
				case []string:
					if e.Type == events.UserListUpdated {
						fmt.Fprintf(os.Stdout, "online: %v\n", data)
					}
				}
			})

			fmt.Fprintf(os.Stdout, "connected as %s\n", client.LocalId())
			<-ctx.Done()
			return client.Close()
		},
	}
}
