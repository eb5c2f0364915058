// Package proxy decodes raw frames coming off the connection manager and dispatches each one to the
// handler registered for its message kind.
package proxy

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"go.uber.org/zap"
)

type MissingKindHandler struct {
	Kind frame.MessageKind
}

func (e *MissingKindHandler) Error() string {
	return fmt.Sprintf("Missing frame handler for kind %s", e.Kind)
}

// FrameHandler consumes one verified frame that arrived on connection source.
type FrameHandler interface {
	HandleFrame(source string, f *frame.Frame)
}

type FrameHandlerFunc func(source string, f *frame.Frame)

func (fn FrameHandlerFunc) HandleFrame(source string, f *frame.Frame) { fn(source, f) }

type DispatcherConfig struct {
	Logger *zap.Logger
}

// DispatchStats counts frames since the dispatcher was created.
type DispatchStats struct {
	Dispatched       uint64
	ChecksumFailures uint64
	Malformed        uint64
	Unhandled        uint64
}

type Dispatcher struct {
	log *zap.Logger

	mut_handlers sync.RWMutex
	handlers     map[frame.MessageKind]FrameHandler

	dispatched       atomic.Uint64
	checksumFailures atomic.Uint64
	malformed        atomic.Uint64
	unhandled        atomic.Uint64
}

func CreateDispatcher(config DispatcherConfig) *Dispatcher {
	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Dispatcher{
		log:          logger.With(zap.String("handler", "FrameDispatcher")),
		mut_handlers: sync.RWMutex{},
		handlers:     make(map[frame.MessageKind]FrameHandler),
	}
}

func (d *Dispatcher) RegisterHandler(kind frame.MessageKind, handler FrameHandler) error {
	if !kind.IsValid() {
		return &errors.InvalidEnumValue{EnumName: "MessageKind", IntValue: uint8(kind)}
	}

	d.mut_handlers.Lock()
	defer d.mut_handlers.Unlock()

	if _, has := d.handlers[kind]; has {
		return &errors.NameCollision{CollisionContext: "Dispatcher::handlers", Name: kind.String()}
	}
	d.handlers[kind] = handler
	return nil
}

func (d *Dispatcher) RegisterFunc(kind frame.MessageKind, fn func(source string, f *frame.Frame)) error {
	return d.RegisterHandler(kind, FrameHandlerFunc(fn))
}

func (d *Dispatcher) handler(kind frame.MessageKind) (FrameHandler, error) {
	d.mut_handlers.RLock()
	defer d.mut_handlers.RUnlock()

	h, has := d.handlers[kind]
	if !has {
		return nil, &MissingKindHandler{Kind: kind}
	}
	return h, nil
}

// HandleEvent is the bus subscriber. Only MESSAGE_RECEIVED events carrying raw bytes are frames; chat
// routers publish the same event type with decoded messages, which are ignored here.
func (d *Dispatcher) HandleEvent(e events.Event) {
	if e.Type != events.MessageReceived {
		return
	}
	raw, ok := e.Data.([]byte)
	if !ok {
		return
	}
	d.Dispatch(e.Source, raw)
}

// Dispatch decodes and verifies raw, then hands it to the registered handler. Bad frames are dropped
// and logged; the connection is left alone.
func (d *Dispatcher) Dispatch(source string, raw []byte) {
	log := d.log.With(zap.String("source", source))

	f, err := frame.Decode(raw)
	if err != nil {
		d.malformed.Add(1)
		log.Warn("Dropping malformed frame", zap.Int("length", len(raw)), zap.Error(err))
		return
	}

	if err := f.Verify(); err != nil {
		d.checksumFailures.Add(1)
		log.Warn("Dropping frame with bad checksum", zap.Error(err))
		return
	}

	h, err := d.handler(f.Header.Kind)
	if err != nil {
		d.unhandled.Add(1)
		log.Debug("No handler for frame", zap.Error(err))
		return
	}

	d.dispatched.Add(1)
	h.HandleFrame(source, f)
}

func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Dispatched:       d.dispatched.Load(),
		ChecksumFailures: d.checksumFailures.Load(),
		Malformed:        d.malformed.Load(),
		Unhandled:        d.unhandled.Load(),
	}
}
