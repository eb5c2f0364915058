// Package app assembles the relay and client service graphs. Nothing here is global: every service is
// constructed and injected by NewRelay or NewClient.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/sessamekesh/spanreed-relay/pkg/chat"
	"github.com/sessamekesh/spanreed-relay/pkg/control"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/filetransfer"
	"github.com/sessamekesh/spanreed-relay/pkg/media"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"github.com/sessamekesh/spanreed-relay/pkg/proxy"
	"github.com/sessamekesh/spanreed-relay/pkg/rooms"
	"github.com/sessamekesh/spanreed-relay/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultServerUsername = "relay"

type RelayConfig struct {
	// ListenPort 0 binds an ephemeral port (see Relay.Addr).
	ListenPort     int
	MaxConnections int

	// VideoPort enables the UDP video receiver when EnableVideo is set. 0 binds an ephemeral port.
	EnableVideo bool
	VideoPort   int

	// EventBridgeAddress, when set, serves bus events to websocket subscribers (e.g. ":8080").
	EventBridgeAddress string
	EventBridgeOrigins []string

	ServerUsername          string
	MaxRooms                int
	AllowClientAdminActions bool
	Rooms                   rooms.RoomRepository
	Transfers               filetransfer.TransferRepository

	Logger *zap.Logger
}

type Relay struct {
	config RelayConfig
	log    *zap.Logger

	Bus         *events.Bus
	Connections *transport.ConnectionManager
	Dispatcher  *proxy.Dispatcher
	Chat        *chat.Router
	Files       *filetransfer.Engine
	Audio       *media.AudioRelay
	Rooms       *rooms.Manager
	Control     *control.Controller
	Video       *media.VideoReceiver

	udp    *transport.UdpEndpoint
	bridge *transport.WebsocketEventBridge

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

func NewRelay(config RelayConfig) (*Relay, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if config.ServerUsername == "" {
		config.ServerUsername = DefaultServerUsername
	}

	r := &Relay{
		config: config,
		log:    logger.With(zap.String("handler", "Relay")),
		Bus:    events.CreateBus(events.BusConfig{Logger: logger}),
	}

	var err error
	r.Connections, err = transport.CreateConnectionManager(transport.ConnectionManagerParams{
		Publisher:      r.Bus,
		MaxConnections: config.MaxConnections,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	correlation := &frame.CorrelationSource{}

	if r.Chat, err = chat.CreateRouter(chat.RouterParams{
		Sender: r.Connections, Publisher: r.Bus, Correlation: correlation, Logger: logger,
	}); err != nil {
		return nil, err
	}

	if r.Files, err = filetransfer.CreateEngine(filetransfer.EngineParams{
		Sender: r.Connections, Publisher: r.Bus, Transfers: config.Transfers, Correlation: correlation, Logger: logger,
	}); err != nil {
		return nil, err
	}

	if r.Audio, err = media.CreateAudioRelay(media.AudioRelayParams{
		Sender: r.Connections, Publisher: r.Bus, Logger: logger,
	}); err != nil {
		return nil, err
	}

	if r.Rooms, err = rooms.CreateManager(rooms.ManagerParams{
		Publisher:      r.Bus,
		Repository:     config.Rooms,
		ServerUsername: config.ServerUsername,
		MaxRooms:       config.MaxRooms,
		Logger:         logger,
	}); err != nil {
		return nil, err
	}
	if err := r.Rooms.LoadFromRepository(); err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}

	if r.Control, err = control.CreateController(control.ControllerParams{
		Transport:               r.Connections,
		Publisher:               r.Bus,
		Rooms:                   r.Rooms,
		Chat:                    r.Chat,
		AllowClientAdminActions: config.AllowClientAdminActions,
		Correlation:             correlation,
		Logger:                  logger,
	}); err != nil {
		return nil, err
	}

	r.Dispatcher = proxy.CreateDispatcher(proxy.DispatcherConfig{Logger: logger})
	err = multierr.Combine(
		r.Dispatcher.RegisterFunc(frame.KindChat, r.Chat.HandleRelay),
		r.Dispatcher.RegisterFunc(frame.KindFile, r.Files.HandleRelay),
		r.Dispatcher.RegisterFunc(frame.KindAudio, r.Audio.HandleRelay),
		r.Dispatcher.RegisterFunc(frame.KindControl, r.Control.HandleRelay),
	)
	if err != nil {
		return nil, err
	}

	r.Bus.SubscribeFunc(r.Dispatcher.HandleEvent)
	r.Bus.SubscribeFunc(r.Control.HandleEvent)

	if config.EnableVideo {
		if r.Video, err = media.CreateVideoReceiver(media.VideoReceiverParams{Publisher: r.Bus, Logger: logger}); err != nil {
			return nil, err
		}
	}

	if config.EventBridgeAddress != "" {
		if r.bridge, err = transport.CreateWebsocketEventBridge(r.Bus, transport.WebsocketEventBridgeParams{
			ListenAddress:    config.EventBridgeAddress,
			AllowAllHosts:    len(config.EventBridgeOrigins) == 0,
			AllowlistedHosts: config.EventBridgeOrigins,
			Logger:           logger,
		}); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Start opens the TCP listener and launches the background services. It does not block.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.Connections.StartServer(r.config.ListenPort); err != nil {
		return err
	}

	if r.Video != nil {
		udp, err := transport.ListenUdp(transport.UdpEndpointParams{ListenPort: r.config.VideoPort, Logger: r.log})
		if err != nil {
			r.Connections.Stop()
			return err
		}
		r.udp = udp
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	r.group = g

	if r.Video != nil {
		g.Go(func() error { return r.Video.Start(gctx, r.udp) })
	}
	if r.bridge != nil {
		g.Go(func() error { return r.bridge.Start(gctx) })
	}

	r.log.Info("Relay started",
		zap.String("addr", r.Addr()),
		zap.String("serverUsername", r.config.ServerUsername),
		zap.Bool("video", r.Video != nil),
		zap.Bool("eventBridge", r.bridge != nil))
	return nil
}

// Addr is the TCP listen address once started.
func (r *Relay) Addr() string {
	if a := r.Connections.Addr(); a != nil {
		return a.String()
	}
	return ""
}

func (r *Relay) VideoAddr() string {
	if r.udp == nil {
		return ""
	}
	return r.udp.LocalAddr().String()
}

// Wait blocks until a background service fails or the relay is closed.
func (r *Relay) Wait() error {
	if r.group == nil {
		return nil
	}
	return r.group.Wait()
}

func (r *Relay) Close() error {
	var errs error
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		errs = multierr.Combine(
			r.Connections.Stop(),
			r.Files.Close(),
		)
		if r.udp != nil {
			errs = multierr.Append(errs, r.udp.Close())
		}
		if r.group != nil {
			errs = multierr.Append(errs, r.group.Wait())
		}
	})
	return errs
}
