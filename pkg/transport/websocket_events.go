package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	utils "github.com/sessamekesh/spanreed-relay/pkg/util"
	"go.uber.org/zap"
)

// WebsocketEventBridge streams Event Bus traffic to UI processes as JSON text frames. It is read-only:
// anything a UI sends is ignored apart from close frames.
type WebsocketEventBridge struct {
	upgrader *websocket.Upgrader

	params WebsocketEventBridgeParams
	bus    *events.Bus

	subscribers atomic.Int32

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type WebsocketEventBridgeParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	// EventTypes limits what is forwarded. Empty forwards everything.
	EventTypes []events.EventType

	QueueLength  int
	WriteTimeout time.Duration

	Logger *zap.Logger
}

type wireEvent struct {
	Type   events.EventType `json:"type"`
	Source string           `json:"source,omitempty"`
	Data   json.RawMessage  `json:"data,omitempty"`
}

func checkOrigin(r *http.Request, params WebsocketEventBridgeParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateWebsocketEventBridge(bus *events.Bus, params WebsocketEventBridgeParams) (*WebsocketEventBridge, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/events"
	}
	if params.QueueLength <= 0 {
		params.QueueLength = 256
	}
	if params.WriteTimeout == 0 {
		params.WriteTimeout = 5 * time.Second
	}

	return &WebsocketEventBridge{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:    params,
		bus:       bus,
		log:       logger.With(zap.String("handler", "WebSocketEvents")),
		stringGen: utils.CreateRandomstringGenerator(time.Now().UnixMicro()),
	}, nil
}

func (ws *WebsocketEventBridge) SubscriberCount() int {
	return int(ws.subscribers.Load())
}

func (ws *WebsocketEventBridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.params.ListenEndpoint, ws.onWsRequest)
	return mux
}

func (ws *WebsocketEventBridge) wants(t events.EventType) bool {
	return len(ws.params.EventTypes) == 0 || utils.Contains(t, ws.params.EventTypes)
}

func encodeEvent(e events.Event) ([]byte, error) {
	var data json.RawMessage
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(wireEvent{Type: e.Type, Source: e.Source, Data: data})
}

func (ws *WebsocketEventBridge) onWsRequest(w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(
		zap.String("wsConnId", ws.stringGen.GetRandomString(6)),
	)

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	c.SetReadLimit(4096)

	_, stop := ws.bus.SubscribeBuffered(ws.params.QueueLength, func(e events.Event) {
		if !ws.wants(e.Type) {
			return
		}

		payload, err := encodeEvent(e)
		if err != nil {
			log.Warn("Cannot encode event for websocket", zap.String("eventType", string(e.Type)), zap.Error(err))
			return
		}

		c.SetWriteDeadline(time.Now().Add(ws.params.WriteTimeout))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Debug("Failed to write event to websocket", zap.Error(err))
		}
	})
	ws.subscribers.Add(1)
	defer func() {
		stop()
		ws.subscribers.Add(-1)
		log.Info("WebSocket subscriber removed")
	}()

	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, expectedCloseErrors...) {
				log.Info("Received close request, shutting down subscriber")
				return
			}

			// So hacky...
			if strings.Contains(err.Error(), "use of closed network connection") {
				log.Info("Closing connection, probably from server shutdown")
				return
			}

			log.Warn("Unexpected WebSocket read error", zap.Error(err))
			return
		}
	}
}

// Start serves until ctx is cancelled, then shuts the HTTP server down.
func (ws *WebsocketEventBridge) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    ws.params.ListenAddress,
		Handler: ws.Handler(),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var serveErr error
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		ws.log.Sugar().Infof("Starting WebSocket event bridge at %s%s", ws.params.ListenAddress, ws.params.ListenEndpoint)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
			serveErr = err
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Wait()

	ws.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	return serveErr
}
