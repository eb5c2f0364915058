package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// UdpEndpoint is a bound UDP socket used by the video path, which is independent of the framed TCP
// transport. One endpoint can both send and receive.
type UdpEndpoint struct {
	params UdpEndpointParams
	log    *zap.Logger

	conn *net.UDPConn

	closeOnce sync.Once
}

type UdpEndpointParams struct {
	// ListenPort 0 binds an ephemeral port.
	ListenPort int

	SocketReadBuffer  int
	SocketWriteBuffer int

	Logger *zap.Logger
}

// ResolveUdpAddress accepts "host:port" or "udp:host:port".
func ResolveUdpAddress(connStr string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", strings.TrimPrefix(connStr, "udp:"))
}

func ListenUdp(params UdpEndpointParams) (*UdpEndpoint, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	hostAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", params.ListenPort))
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", hostAddr)
	if err != nil {
		return nil, err
	}

	if params.SocketReadBuffer > 0 {
		conn.SetReadBuffer(params.SocketReadBuffer)
	}
	if params.SocketWriteBuffer > 0 {
		conn.SetWriteBuffer(params.SocketWriteBuffer)
	}

	e := &UdpEndpoint{
		params: params,
		log:    logger.With(zap.String("handler", "udpEndpoint")),
		conn:   conn,
	}
	e.log.Info("UDP endpoint bound", zap.String("addr", conn.LocalAddr().String()))
	return e, nil
}

func (e *UdpEndpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

func (e *UdpEndpoint) SendTo(addr *net.UDPAddr, datagram []byte) error {
	_, err := e.conn.WriteToUDP(datagram, addr)
	return err
}

// Serve hands every received datagram to onDatagram until ctx is cancelled or the endpoint is closed.
// The slice passed to onDatagram is owned by the callee.
func (e *UdpEndpoint) Serve(ctx context.Context, onDatagram func(datagram []byte, from *net.UDPAddr)) error {
	stop := context.AfterFunc(ctx, func() { e.Close() })
	defer stop()

	buf := make([]byte, 65535)
	for {
		bytesRead, remoteAddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				e.log.Info("UDP endpoint closed - exiting datagram listening loop")
				return nil
			}
			e.log.Error("Error reading UDP datagram from connection, closing!", zap.Error(err))
			e.Close()
			return err
		}

		datagram := make([]byte, bytesRead)
		copy(datagram, buf[:bytesRead])
		onDatagram(datagram, remoteAddr)
	}
}

func (e *UdpEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.conn.Close()
	})
	return err
}
