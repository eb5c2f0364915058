package transport

import (
	"context"
	"encoding/binary"
	goerrs "errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []events.Event{}
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type failingConn struct {
	net.Conn
}

func (failingConn) Write([]byte) (int, error) { return 0, goerrs.New("broken pipe") }
func (failingConn) Close() error              { return nil }

func startServer(t *testing.T, params ConnectionManagerParams) (*ConnectionManager, *recorder, int) {
	t.Helper()
	rec := &recorder{}
	params.Publisher = rec
	params.Logger = zap.NewNop()

	m, err := CreateConnectionManager(params)
	require.NoError(t, err)
	require.NoError(t, m.StartServer(0))
	t.Cleanup(func() { m.Stop() })

	return m, rec, m.Addr().(*net.TCPAddr).Port
}

func writeFrame(t *testing.T, w io.Writer, length uint32, body []byte) {
	t.Helper()
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], length)
	_, err := w.Write(append(prefix[:], body...))
	require.NoError(t, err)
}

func readFrame(t *testing.T, r net.Conn) []byte {
	t.Helper()
	r.SetReadDeadline(time.Now().Add(2 * time.Second))
	var prefix [4]byte
	_, err := io.ReadFull(r, prefix[:])
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return body
}

func TestCreateRequiresPublisher(t *testing.T) {
	_, err := CreateConnectionManager(ConnectionManagerParams{Logger: zap.NewNop()})
	var missing *errors.MissingFieldError
	assert.ErrorAs(t, err, &missing)
}

func TestConnectSendAndStateTransitions(t *testing.T) {
	server, serverRec, port := startServer(t, ConnectionManagerParams{})

	transitions := []ConnectionState{}
	clientRec := &recorder{}
	client, err := CreateConnectionManager(ConnectionManagerParams{
		Publisher: clientRec,
		Logger:    zap.NewNop(),
		OnStateChange: func(_, to ConnectionState) {
			transitions = append(transitions, to)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ConnectionState_Disconnected, client.State())

	id, err := client.Connect(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.Equal(t, ConnectionState_Active, client.State())
	assert.Len(t, clientRec.ofType(events.Connected), 1)

	require.NoError(t, client.Send(id, []byte("hello relay")))
	require.Eventually(t, func() bool { return len(serverRec.ofType(events.MessageReceived)) == 1 }, 2*time.Second, 10*time.Millisecond)

	received := serverRec.ofType(events.MessageReceived)[0]
	assert.Equal(t, []byte("hello relay"), received.Data)
	assert.Len(t, server.Connections(), 1)
	assert.Equal(t, server.Connections()[0], received.Source)

	require.NoError(t, client.Stop())
	assert.Equal(t, []ConnectionState{ConnectionState_Active, ConnectionState_Disconnected}, transitions)
	require.Eventually(t, func() bool { return len(serverRec.ofType(events.Disconnected)) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSendToUnknownConnection(t *testing.T) {
	server, _, _ := startServer(t, ConnectionManagerParams{})

	err := server.Send("10.1.2.3:4000", []byte("x"))
	var missing *errors.MissingConnection
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "10.1.2.3:4000", missing.ConnectionId)
}

func TestBroadcastContinuesPastFailedRecipient(t *testing.T) {
	server, _, port := startServer(t, ConnectionManagerParams{})

	clients := []net.Conn{}
	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		clients = append(clients, c)
	}
	require.Eventually(t, func() bool { return len(server.Connections()) == 2 }, 2*time.Second, 10*time.Millisecond)

	server.mut_connections.Lock()
	server.connections["broken"] = &connection{id: "broken", conn: failingConn{}}
	server.mut_connections.Unlock()

	err := server.Broadcast([]byte("to everyone"))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Contains(t, err.Error(), "broken")

	for _, c := range clients {
		assert.Equal(t, []byte("to everyone"), readFrame(t, c))
	}
}

func TestFramesOutsideGuardAreDroppedWithoutClosing(t *testing.T) {
	server, rec, port := startServer(t, ConnectionManagerParams{MaxFrameLength: 1024})

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer c.Close()

	writeFrame(t, c, 0, nil)
	writeFrame(t, c, 2048, make([]byte, 2048))
	writeFrame(t, c, 5, []byte("after"))

	require.Eventually(t, func() bool { return len(rec.ofType(events.MessageReceived)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("after"), rec.ofType(events.MessageReceived)[0].Data)
	assert.Len(t, server.Connections(), 1)
	assert.Empty(t, rec.ofType(events.Disconnected))
}

func TestDisconnectPublishesOnce(t *testing.T) {
	server, rec, port := startServer(t, ConnectionManagerParams{})

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return len(server.Connections()) == 1 }, 2*time.Second, 10*time.Millisecond)

	id := server.Connections()[0]
	server.Disconnect(id)
	server.Disconnect(id)

	assert.False(t, server.HasConnection(id))
	require.Eventually(t, func() bool { return len(rec.ofType(events.Disconnected)) >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.ofType(events.Disconnected), 1)
}

func TestNegativeLengthSkipsNothing(t *testing.T) {
	server, rec, port := startServer(t, ConnectionManagerParams{})

	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer c.Close()

	writeFrame(t, c, 0x80000000, nil)
	writeFrame(t, c, 5, []byte("after"))

	require.Eventually(t, func() bool { return len(rec.ofType(events.MessageReceived)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("after"), rec.ofType(events.MessageReceived)[0].Data)
	assert.Len(t, server.Connections(), 1)
}

func TestConnectedIsPublishedBeforeDisconnected(t *testing.T) {
	_, rec, port := startServer(t, ConnectionManagerParams{})

	for i := 0; i < 20; i++ {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		require.NoError(t, err)
		c.Close()
	}
	require.Eventually(t, func() bool { return len(rec.ofType(events.Disconnected)) == 20 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	connected := map[string]bool{}
	for _, e := range rec.events {
		switch e.Type {
		case events.Connected:
			connected[e.Source] = true
		case events.Disconnected:
			assert.True(t, connected[e.Source], "DISCONNECTED for %s arrived before CONNECTED", e.Source)
		}
	}
}

func TestRegisterAfterStopIsRefused(t *testing.T) {
	server, rec, _ := startServer(t, ConnectionManagerParams{})
	require.NoError(t, server.Stop())

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	_, err := server.register(local)
	require.Error(t, err)
	assert.Empty(t, server.Connections())
	assert.Empty(t, rec.ofType(events.Connected))
}
