package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	goerrs "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultMaxFrameLength is the exclusive upper bound on the outer length prefix (10 MiB).
const DefaultMaxFrameLength = 10 * 1024 * 1024

type ConnectionState uint8

const (
	ConnectionState_Disconnected ConnectionState = 0
	ConnectionState_Active       ConnectionState = 1
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_Disconnected:
		return "DISCONNECTED"
	case ConnectionState_Active:
		return "ACTIVE"
	}
	return fmt.Sprintf("ConnectionState(%d)", uint8(s))
}

type ConnectionManagerParams struct {
	// Publisher receives CONNECTED, MESSAGE_RECEIVED and DISCONNECTED events. Required.
	Publisher events.Publisher
	Logger    *zap.Logger

	MaxFrameLength int64
	MaxConnections int
	DialTimeout    time.Duration
	WriteTimeout   time.Duration

	OnStateChange func(from, to ConnectionState)
}

type connection struct {
	id   string
	conn net.Conn

	mut_write sync.Mutex
}

type ConnectionManager struct {
	params ConnectionManagerParams
	log    *zap.Logger

	running atomic.Bool
	readers sync.WaitGroup

	mut_state sync.Mutex
	state     ConnectionState

	mut_listener sync.Mutex
	listener     net.Listener

	mut_connections sync.RWMutex
	connections     map[string]*connection
}

func CreateConnectionManager(params ConnectionManagerParams) (*ConnectionManager, error) {
	if params.Publisher == nil {
		return nil, &errors.MissingFieldError{MessageName: "ConnectionManagerParams", FieldName: "Publisher"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.MaxFrameLength <= 0 {
		params.MaxFrameLength = DefaultMaxFrameLength
	}
	if params.DialTimeout == 0 {
		params.DialTimeout = 10 * time.Second
	}

	return &ConnectionManager{
		params:      params,
		log:         logger.With(zap.String("handler", "ConnectionManager")),
		state:       ConnectionState_Disconnected,
		connections: make(map[string]*connection),
	}, nil
}

func (m *ConnectionManager) State() ConnectionState {
	m.mut_state.Lock()
	defer m.mut_state.Unlock()
	return m.state
}

func (m *ConnectionManager) setState(to ConnectionState) {
	m.mut_state.Lock()
	from := m.state
	m.state = to
	m.mut_state.Unlock()

	if from == to {
		return
	}

	m.log.Info("Connection manager state change", zap.Stringer("from", from), zap.Stringer("to", to))
	if m.params.OnStateChange != nil {
		m.params.OnStateChange(from, to)
	}
}

// StartServer listens on the given TCP port (0 picks a free port, see Addr) and accepts until Stop.
func (m *ConnectionManager) StartServer(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	m.mut_listener.Lock()
	if m.listener != nil {
		m.mut_listener.Unlock()
		listener.Close()
		return &errors.NameCollision{CollisionContext: "ConnectionManager::listener", Name: listener.Addr().String()}
	}
	m.listener = listener
	m.mut_listener.Unlock()

	m.running.Store(true)
	m.setState(ConnectionState_Active)

	m.readers.Add(1)
	go m.acceptLoop(listener)

	m.log.Info("Relay listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr is the listener address, or nil if StartServer has not been called.
func (m *ConnectionManager) Addr() net.Addr {
	m.mut_listener.Lock()
	defer m.mut_listener.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *ConnectionManager) acceptLoop(listener net.Listener) {
	defer m.readers.Done()
	m.log.Info("Starting accept loop")
	defer m.log.Info("Stopping accept loop")

	for m.running.Load() {
		conn, err := listener.Accept()
		if err != nil {
			if !m.running.Load() || goerrs.Is(err, net.ErrClosed) {
				return
			}
			m.log.Warn("Failed to accept connection", zap.Error(err))
			continue
		}

		if _, err := m.register(conn); err != nil {
			m.log.Warn("Refusing connection", zap.String("remoteAddr", conn.RemoteAddr().String()), zap.Error(err))
			conn.Close()
		}
	}
}

// Connect dials host:port and returns the new connection id, the remote address string.
func (m *ConnectionManager) Connect(ctx context.Context, host string, port int) (string, error) {
	dialer := net.Dialer{Timeout: m.params.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return "", err
	}

	m.running.Store(true)
	id, err := m.register(conn)
	if err != nil {
		conn.Close()
		return "", err
	}

	m.setState(ConnectionState_Active)
	return id, nil
}

func (m *ConnectionManager) register(conn net.Conn) (string, error) {
	id := conn.RemoteAddr().String()
	log := m.log.With(zap.String("connectionId", id))

	err := func() error {
		m.mut_connections.Lock()
		defer m.mut_connections.Unlock()

		if !m.running.Load() {
			return fmt.Errorf("connection manager is stopped")
		}
		if _, has := m.connections[id]; has {
			return &errors.NameCollision{CollisionContext: "ConnectionManager::connections", Name: id}
		}
		if m.params.MaxConnections > 0 && len(m.connections) >= m.params.MaxConnections {
			return fmt.Errorf("too many connections (max %d)", m.params.MaxConnections)
		}

		m.connections[id] = &connection{id: id, conn: conn}
		return nil
	}()
	if err != nil {
		return "", err
	}

	log.Info("New connection")

	// CONNECTED goes out before the reader can observe a close and publish DISCONNECTED.
	m.params.Publisher.Publish(events.Event{Type: events.Connected, Source: id})

	m.readers.Add(1)
	go m.readLoop(id, conn)
	return id, nil
}

func (m *ConnectionManager) readLoop(id string, conn net.Conn) {
	defer m.readers.Done()

	log := m.log.With(zap.String("connectionId", id))
	log.Debug("Starting read loop")
	defer log.Debug("Stopping read loop")

	reader := bufio.NewReader(conn)
	var lengthBuf [4]byte

	// Stop may have raced past its connection snapshot. Only this socket's entry is removed.
	defer func() {
		if c, err := m.getConnection(id); err == nil && c.conn == conn {
			m.Disconnect(id)
		}
	}()

	for m.running.Load() {
		if _, err := io.ReadFull(reader, lengthBuf[:]); err != nil {
			m.onReadError(id, err)
			return
		}

		length := int64(int32(binary.BigEndian.Uint32(lengthBuf[:])))
		if length == 0 {
			log.Warn("Dropping empty frame")
			continue
		}
		if length < 0 {
			// No body is skipped: discarding 2-4 GiB would swallow every later frame.
			log.Warn("Dropping frame with negative length", zap.Int64("declaredLength", length))
			continue
		}
		if length >= m.params.MaxFrameLength {
			// Skip the declared body so the next length prefix lines up.
			log.Warn("Dropping frame outside size guard",
				zap.Error(&errors.FrameTooLarge{DeclaredLength: length, Limit: m.params.MaxFrameLength}))
			if _, err := io.CopyN(io.Discard, reader, length); err != nil {
				m.onReadError(id, err)
				return
			}
			continue
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			m.onReadError(id, err)
			return
		}

		m.params.Publisher.Publish(events.Event{
			Type:   events.MessageReceived,
			Data:   payload,
			Source: id,
		})
	}
}

func (m *ConnectionManager) onReadError(id string, err error) {
	if !m.running.Load() || goerrs.Is(err, net.ErrClosed) {
		// Shutdown or a local Disconnect closed the socket under us.
		m.Disconnect(id)
		return
	}

	if goerrs.Is(err, io.EOF) {
		m.log.Info("Connection closed by peer", zap.String("connectionId", id))
	} else {
		m.log.Warn("Connection read failed", zap.String("connectionId", id), zap.Error(err))
	}
	m.Disconnect(id)
}

func (m *ConnectionManager) getConnection(id string) (*connection, error) {
	m.mut_connections.RLock()
	defer m.mut_connections.RUnlock()

	c, has := m.connections[id]
	if !has {
		return nil, &errors.MissingConnection{ConnectionId: id}
	}
	return c, nil
}

// LocalAddr is this end's address on connection id, which is the id the remote side knows us by.
func (m *ConnectionManager) LocalAddr(id string) string {
	c, err := m.getConnection(id)
	if err != nil {
		return ""
	}
	return c.conn.LocalAddr().String()
}

// Send writes one length-prefixed message. Writes to a single connection never interleave.
func (m *ConnectionManager) Send(id string, data []byte) error {
	c, err := m.getConnection(id)
	if err != nil {
		return err
	}

	out := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	out = append(out, data...)

	c.mut_write.Lock()
	defer c.mut_write.Unlock()

	if m.params.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(m.params.WriteTimeout))
	}
	if _, err := c.conn.Write(out); err != nil {
		return fmt.Errorf("send to connection %s: %w", id, err)
	}
	return nil
}

// Broadcast sends to every known connection. A failing recipient is logged and skipped; the combined
// failures are returned once every connection has been attempted.
func (m *ConnectionManager) Broadcast(data []byte) error {
	var errs error
	for _, id := range m.Connections() {
		if err := m.Send(id, data); err != nil {
			m.log.Warn("Broadcast failed for connection", zap.String("connectionId", id), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (m *ConnectionManager) Connections() []string {
	m.mut_connections.RLock()
	defer m.mut_connections.RUnlock()

	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}

func (m *ConnectionManager) HasConnection(id string) bool {
	_, err := m.getConnection(id)
	return err == nil
}

func (m *ConnectionManager) Disconnect(id string) {
	m.mut_connections.Lock()
	c, has := m.connections[id]
	if has {
		delete(m.connections, id)
	}
	m.mut_connections.Unlock()

	if !has {
		return
	}

	if err := c.conn.Close(); err != nil && !goerrs.Is(err, net.ErrClosed) {
		m.log.Warn("Error closing connection", zap.String("connectionId", id), zap.Error(err))
	}

	m.log.Info("Disconnected", zap.String("connectionId", id))
	m.params.Publisher.Publish(events.Event{Type: events.Disconnected, Source: id})
}

// Stop closes the listener and every connection, then waits for all read loops to exit.
func (m *ConnectionManager) Stop() error {
	m.running.Store(false)

	var errs error
	m.mut_listener.Lock()
	if m.listener != nil {
		if err := m.listener.Close(); err != nil && !goerrs.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
		m.listener = nil
	}
	m.mut_listener.Unlock()

	for _, id := range m.Connections() {
		m.Disconnect(id)
	}

	m.readers.Wait()
	m.setState(ConnectionState_Disconnected)

	m.log.Info("All connection manager goroutines finished. Exiting gracefully")
	return errs
}
