package app

import (
	"context"
	"sync"

	"github.com/sessamekesh/spanreed-relay/pkg/chat"
	"github.com/sessamekesh/spanreed-relay/pkg/control"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/filetransfer"
	"github.com/sessamekesh/spanreed-relay/pkg/media"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"github.com/sessamekesh/spanreed-relay/pkg/proxy"
	"github.com/sessamekesh/spanreed-relay/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type ClientConfig struct {
	RelayHost string
	RelayPort int

	// OutputDirectory receives incoming files.
	OutputDirectory string
	Transfers       filetransfer.TransferRepository
	Retry           filetransfer.RetryPolicy

	// AudioSink plays received audio; optional.
	AudioSink media.AudioSink

	// VideoRelayAddress ("host:port") enables the video sender.
	VideoRelayAddress string

	Logger *zap.Logger
}

type Client struct {
	config ClientConfig
	log    *zap.Logger

	Bus         *events.Bus
	Connections *transport.ConnectionManager
	Dispatcher  *proxy.Dispatcher
	Chat        *chat.Router
	Files       *filetransfer.Engine
	Audio       *media.AudioRelay
	Control     *control.Controller
	Video       *media.VideoSender

	// RelayId is the connection id of the relay once Start succeeds.
	RelayId string

	udp       *transport.UdpEndpoint
	closeOnce sync.Once
}

func NewClient(config ClientConfig) (*Client, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	c := &Client{
		config: config,
		log:    logger.With(zap.String("handler", "Client")),
		Bus:    events.CreateBus(events.BusConfig{Logger: logger}),
	}

	var err error
	c.Connections, err = transport.CreateConnectionManager(transport.ConnectionManagerParams{
		Publisher: c.Bus,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	correlation := &frame.CorrelationSource{}

	if c.Chat, err = chat.CreateRouter(chat.RouterParams{
		Sender: c.Connections, Publisher: c.Bus, Correlation: correlation, Logger: logger,
	}); err != nil {
		return nil, err
	}

	if c.Files, err = filetransfer.CreateEngine(filetransfer.EngineParams{
		Sender:          c.Connections,
		Publisher:       c.Bus,
		Transfers:       config.Transfers,
		OutputDirectory: config.OutputDirectory,
		Correlation:     correlation,
		Retry:           config.Retry,
		Logger:          logger,
	}); err != nil {
		return nil, err
	}

	if c.Audio, err = media.CreateAudioRelay(media.AudioRelayParams{
		Sender: c.Connections, Publisher: c.Bus, Sink: config.AudioSink, Logger: logger,
	}); err != nil {
		return nil, err
	}

	if c.Control, err = control.CreateController(control.ControllerParams{
		Transport: c.Connections, Publisher: c.Bus, Correlation: correlation, Logger: logger,
	}); err != nil {
		return nil, err
	}

	c.Dispatcher = proxy.CreateDispatcher(proxy.DispatcherConfig{Logger: logger})
	err = multierr.Combine(
		c.Dispatcher.RegisterFunc(frame.KindChat, c.Chat.HandleClient),
		c.Dispatcher.RegisterFunc(frame.KindFile, c.Files.HandleClient),
		c.Dispatcher.RegisterFunc(frame.KindAudio, c.Audio.HandleClient),
		c.Dispatcher.RegisterFunc(frame.KindControl, c.Control.HandleClient),
	)
	if err != nil {
		return nil, err
	}
	c.Bus.SubscribeFunc(c.Dispatcher.HandleEvent)

	return c, nil
}

// Start connects to the relay and, if configured, binds the video socket.
func (c *Client) Start(ctx context.Context) error {
	id, err := c.Connections.Connect(ctx, c.config.RelayHost, c.config.RelayPort)
	if err != nil {
		return err
	}
	c.RelayId = id

	if c.config.VideoRelayAddress != "" {
		remote, err := transport.ResolveUdpAddress(c.config.VideoRelayAddress)
		if err != nil {
			return err
		}
		udp, err := transport.ListenUdp(transport.UdpEndpointParams{Logger: c.log})
		if err != nil {
			return err
		}
		c.udp = udp
		if c.Video, err = media.CreateVideoSender(media.VideoSenderParams{Writer: udp, Remote: remote, Logger: c.log}); err != nil {
			return err
		}
	}

	c.log.Info("Connected to relay", zap.String("relayId", id))
	return nil
}

// LocalId is this client's connection id as the relay sees it.
func (c *Client) LocalId() string {
	return c.Connections.LocalAddr(c.RelayId)
}

// SendChat addresses text to peer through the relay.
func (c *Client) SendChat(peer, text string) (uint32, error) {
	return c.Chat.Send(c.RelayId, text, "", peer)
}

func (c *Client) SendFile(ctx context.Context, peer, path string) (string, error) {
	return c.Files.SendFile(ctx, c.RelayId, peer, path, c.LocalId())
}

func (c *Client) SendAudio(peer string, pcm []byte) (uint32, error) {
	return c.Audio.SendFrame(c.RelayId, peer, pcm)
}

func (c *Client) Close() error {
	var errs error
	c.closeOnce.Do(func() {
		errs = multierr.Combine(
			c.Connections.Stop(),
			c.Files.Close(),
		)
		if c.udp != nil {
			errs = multierr.Append(errs, c.udp.Close())
		}
	})
	return errs
}
