package liveview

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
	quic "github.com/quic-go/quic-go"
)

// a fatal server rejection. retrying will not help until the caller
// supplies new credentials, so the connection degrades to `Error`
// instead of `Reconnecting`.
var errAuthRejected = errors.New("auth rejected")

// one full-duplex session to a stack endpoint.
// the default is a websocket (`DialWebSocket`). tests and alternative
// transports plug in via `ConnectionSettings.TransportDialer`.
type Transport interface {
	// blocks for the next inbound message. keepalive pings are
	// handled below this interface and never returned.
	Read() ([]byte, error)
	Write(message []byte) error
	// sends an empty keepalive message
	Ping() error
	Close()
}

type TransportDialFunction func(
	ctx context.Context,
	endpoint string,
	auth *ClientAuth,
	settings *ConnectionSettings,
) (Transport, error)

// dials the endpoint, sends the auth frame as the first message and
// verifies the echo (the stack echoes the auth bytes back verbatim)
func DialWebSocket(
	ctx context.Context,
	endpoint string,
	auth *ClientAuth,
	settings *ConnectionSettings,
) (Transport, error) {
	authBytes, err := json.Marshal(&AuthFrame{
		ByJwt:      auth.ByJwt,
		InstanceId: auth.InstanceId,
		AppVersion: auth.AppVersion,
	})
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch messageType {
	case websocket.BinaryMessage, websocket.TextMessage:
		if !bytes.Equal(authBytes, message) {
			return nil, errAuthRejected
		}
	default:
		return nil, errAuthRejected
	}

	success = true
	return &wsTransport{
		ws:       ws,
		settings: settings,
	}, nil
}

type wsTransport struct {
	ws       *websocket.Conn
	settings *ConnectionSettings
}

func (self *wsTransport) Read() ([]byte, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[lvt]ping<-\n")
				continue
			}
			return message, nil
		default:
			glog.V(2).Infof("[lvt]other=%d<-\n", messageType)
		}
	}
}

func (self *wsTransport) Write(message []byte) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, message)
}

func (self *wsTransport) Ping() error {
	// note that for websocket a deadline timeout cannot be recovered
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0))
}

func (self *wsTransport) Close() {
	self.ws.Close()
}

const QuicAlpn = "hyperstack-liveview"

// messages larger than this are treated as a corrupt stream
const quicMaxMessageSize = 16 * 1024 * 1024

// dials the endpoint over quic. one bidirectional stream carries the
// same messages as the websocket transport, length prefixed, with the
// same auth handshake. the endpoint is `quic://host:port`.
func DialQuic(
	ctx context.Context,
	endpoint string,
	auth *ClientAuth,
	settings *ConnectionSettings,
) (Transport, error) {
	authBytes, err := json.Marshal(&AuthFrame{
		ByJwt:      auth.ByJwt,
		InstanceId: auth.InstanceId,
		AppVersion: auth.AppVersion,
	})
	if err != nil {
		return nil, err
	}

	tlsConfig := settings.QuicTlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			NextProtos: []string{QuicAlpn},
		}
	}
	quicConfig := &quic.Config{
		HandshakeIdleTimeout: settings.WsHandshakeTimeout,
		MaxIdleTimeout:       settings.ReadTimeout,
	}
	authority := strings.TrimPrefix(endpoint, "quic://")
	conn, err := quic.DialAddr(ctx, authority, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			conn.CloseWithError(0, "")
		}
	}()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}

	t := &quicTransport{
		conn:     conn,
		stream:   stream,
		settings: settings,
	}

	stream.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
	if err := writePrefixedMessage(stream, authBytes); err != nil {
		return nil, err
	}
	stream.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
	message, err := readPrefixedMessage(stream)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(authBytes, message) {
		return nil, errAuthRejected
	}

	success = true
	return t, nil
}

type quicTransport struct {
	conn     quic.Connection
	stream   quic.Stream
	settings *ConnectionSettings
}

func (self *quicTransport) Read() ([]byte, error) {
	for {
		self.stream.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		message, err := readPrefixedMessage(self.stream)
		if err != nil {
			return nil, err
		}
		if len(message) == 0 {
			// ping
			glog.V(2).Infof("[lvt]ping<-\n")
			continue
		}
		return message, nil
	}
}

func (self *quicTransport) Write(message []byte) error {
	self.stream.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return writePrefixedMessage(self.stream, message)
}

func (self *quicTransport) Ping() error {
	self.stream.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return writePrefixedMessage(self.stream, nil)
}

func (self *quicTransport) Close() {
	self.stream.Close()
	self.conn.CloseWithError(0, "")
}

func writePrefixedMessage(w io.Writer, message []byte) error {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(message)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if 0 < len(message) {
		if _, err := w.Write(message); err != nil {
			return err
		}
	}
	return nil
}

func readPrefixedMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header)
	if quicMaxMessageSize < n {
		return nil, fmt.Errorf("message too large: %d", n)
	}
	if n == 0 {
		return make([]byte, 0), nil
	}
	message := make([]byte, n)
	if _, err := io.ReadFull(r, message); err != nil {
		return nil, err
	}
	return message, nil
}

// in-memory full-duplex pair. the far end drives tests and local
// simulations without a network.
func NewPipeTransport() (Transport, Transport) {
	aToB := make(chan []byte, 32)
	bToA := make(chan []byte, 32)
	closed := make(chan struct{})
	closeOnce := &sync.Once{}
	a := &pipeTransport{
		readC:     bToA,
		writeC:    aToB,
		closed:    closed,
		closeOnce: closeOnce,
	}
	b := &pipeTransport{
		readC:     aToB,
		writeC:    bToA,
		closed:    closed,
		closeOnce: closeOnce,
	}
	return a, b
}

type pipeTransport struct {
	readC     chan []byte
	writeC    chan []byte
	closed    chan struct{}
	closeOnce *sync.Once
}

func (self *pipeTransport) Read() ([]byte, error) {
	select {
	case <-self.closed:
		return nil, ErrClosed
	case message := <-self.readC:
		if len(message) == 0 {
			return self.Read()
		}
		return message, nil
	}
}

func (self *pipeTransport) Write(message []byte) error {
	select {
	case <-self.closed:
		return ErrClosed
	case self.writeC <- message:
		return nil
	}
}

func (self *pipeTransport) Ping() error {
	select {
	case <-self.closed:
		return ErrClosed
	case self.writeC <- make([]byte, 0):
		return nil
	default:
		return nil
	}
}

func (self *pipeTransport) Close() {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
}
