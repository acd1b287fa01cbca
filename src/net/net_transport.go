package net

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

/*******************************************************************************
THE CONNECTION POOL AND FRAMING FOLLOW HASHICORP RAFT
*******************************************************************************/

const (
	packetMessage uint8 = iota
)

const (
	bufSize = math.MaxUint16
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrConsumerFull is returned to the sender when the receiver drops a
	// packet because nobody consumes them.
	ErrConsumerFull = errors.New("consumer full")
)

var wireHandle = &codec.MsgpackHandle{}

// wirePacket is a Packet as it travels on the wire.
type wirePacket struct {
	From    string
	Payload []byte
}

/*
NetworkTransport provides a network based transport that can be
used to communicate with validators on remote machines. It requires
an underlying stream layer to provide a stream abstraction, which can
be simple TCP, TLS, etc.

Each packet is framed by sending a byte that indicates the packet type,
followed by the msgpack encoded packet. The receiver answers with an error
string, empty on success.
*/
type NetworkTransport struct {
	logger *logrus.Entry

	connPool     map[string][]*netConn
	connPoolLock sync.Mutex
	maxPool      int

	consumeCh chan Packet

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	timeout time.Duration
}

type netConn struct {
	target string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder
}

// Release closes the underlying connection
func (n *netConn) Release() error {
	return n.conn.Close()
}

// NewNetworkTransport creates a new network transport with the given dialer
// and listener. The maxPool controls how many connections we will pool (per
// target). The timeout is used to apply I/O deadlines.
func NewNetworkTransport(
	stream StreamLayer,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	trans := &NetworkTransport{
		connPool:   make(map[string][]*netConn),
		consumeCh:  make(chan Packet, 1024),
		logger:     logger,
		maxPool:    maxPool,
		shutdownCh: make(chan struct{}),
		stream:     stream,
		timeout:    timeout,
	}

	return trans
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()

		n.connPoolLock.Lock()
		for _, conns := range n.connPool {
			for _, c := range conns {
				c.Release()
			}
		}
		n.connPool = make(map[string][]*netConn)
		n.connPoolLock.Unlock()

		n.shutdown = true
	}
	return nil
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan Packet {
	return n.consumeCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	addr := n.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// getPooledConn is used to grab a pooled connection.
func (n *NetworkTransport) getPooledConn(target string) *netConn {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	conns, ok := n.connPool[target]
	if !ok || len(conns) == 0 {
		return nil
	}

	var conn *netConn
	num := len(conns)
	conn, conns[num-1] = conns[num-1], nil
	n.connPool[target] = conns[:num-1]
	return conn
}

// getConn is used to get a connection from the pool.
func (n *NetworkTransport) getConn(target string, timeout time.Duration) (*netConn, error) {
	// Check for a pooled conn
	if conn := n.getPooledConn(target); conn != nil {
		return conn, nil
	}

	// Dial a new connection
	conn, err := n.stream.Dial(target, timeout)
	if err != nil {
		return nil, err
	}

	// Wrap the conn
	netConn := &netConn{
		target: target,
		conn:   conn,
		r:      bufio.NewReaderSize(conn, bufSize),
		w:      bufio.NewWriterSize(conn, bufSize),
	}
	// Setup encoder/decoders
	netConn.dec = codec.NewDecoder(netConn.r, wireHandle)
	netConn.enc = codec.NewEncoder(netConn.w, wireHandle)

	// Done
	return netConn, nil
}

// returnConn returns a connection back to the pool.
func (n *NetworkTransport) returnConn(conn *netConn) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := conn.target
	conns := n.connPool[key]

	if !n.IsShutdown() && len(conns) < n.maxPool {
		n.connPool[key] = append(conns, conn)
	} else {
		conn.Release()
	}
}

// Send implements the Transport interface.
func (n *NetworkTransport) Send(target string, payload []byte) error {
	if n.IsShutdown() {
		return ErrTransportShutdown
	}

	// Get a conn
	conn, err := n.getConn(target, n.timeout)
	if err != nil {
		return err
	}

	// Set a deadline
	if n.timeout > 0 {
		conn.conn.SetDeadline(time.Now().Add(n.timeout))
	}

	p := wirePacket{
		From:    n.AdvertiseAddr(),
		Payload: payload,
	}

	if err = sendPacket(conn, packetMessage, &p); err != nil {
		return err
	}

	canReturn, err := decodeAck(conn)
	if canReturn {
		n.returnConn(conn)
	}

	return err
}

// sendPacket is used to encode and send a packet.
func sendPacket(conn *netConn, packetType uint8, p *wirePacket) error {
	// Write the packet type
	if err := conn.w.WriteByte(packetType); err != nil {
		conn.Release()
		return err
	}

	// Send the packet
	if err := conn.enc.Encode(p); err != nil {
		conn.Release()
		return err
	}

	// Flush
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}

// decodeAck reads the receiver's acknowledgement and reports whether the
// connection can be reused.
func decodeAck(conn *netConn) (bool, error) {
	var ackError string
	if err := conn.dec.Decode(&ackError); err != nil {
		conn.Release()
		return false, err
	}

	if ackError != "" {
		return true, errors.New(ackError)
	}
	return true, nil
}

// Listen opens the stream and handles incoming connections.
func (n *NetworkTransport) Listen() {
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		// Handle the connection in dedicated routine
		go n.handleConn(conn)
	}
}

// handleConn is used to handle an inbound connection for its lifespan.
func (n *NetworkTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, bufSize)
	w := bufio.NewWriterSize(conn, bufSize)
	dec := codec.NewDecoder(r, wireHandle)
	enc := codec.NewEncoder(w, wireHandle)

	for {
		if err := n.handlePacket(r, dec, enc); err != nil {
			if n.IsShutdown() {
				return
			}
			if err == ErrTransportShutdown {
				n.logger.WithField("error", err).Debug("Stop handling connection")
			} else if err != io.EOF {
				n.logger.WithField("error", err).Error("Failed to decode incoming packet")
			}
			return
		}
		if err := w.Flush(); err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to flush ack")
			return
		}
	}
}

// handlePacket is used to decode and dispatch a single packet.
func (n *NetworkTransport) handlePacket(r *bufio.Reader, dec *codec.Decoder, enc *codec.Encoder) error {
	// Get the packet type
	packetType, err := r.ReadByte()
	if err != nil {
		return err
	}

	var p wirePacket
	switch packetType {
	case packetMessage:
		if err := dec.Decode(&p); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown packet type %d", packetType)
	}

	ack := ""

	// Dispatch the packet without blocking the sender on a slow consumer
	select {
	case n.consumeCh <- Packet{From: p.From, Payload: p.Payload}:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	default:
		ack = ErrConsumerFull.Error()
	}

	return enc.Encode(ack)
}
