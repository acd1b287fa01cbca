package net

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errNotAdvertisable = errors.New("local bind address is not advertisable")
	errNotTCP          = errors.New("local address is not a TCP address")
)

// TCPStreamLayer carries signed message packets between validators and
// replicas over plain TCP connections.
type TCPStreamLayer struct {
	advertise string
	listener  *net.TCPListener
}

// Dial opens a connection to the peer listening on address.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept waits for the next peer connection.
func (t *TCPStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

// Close stops listening. Established connections are closed by the
// NetworkTransport.
func (t *TCPStreamLayer) Close() error {
	return t.listener.Close()
}

// Addr is the bound address.
func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// AdvertiseAddr is the address other nodes reach us at and the one peers.json
// lists for us. It is the bound address unless one was configured.
func (t *TCPStreamLayer) AdvertiseAddr() string {
	if t.advertise != "" {
		return t.advertise
	}
	return t.listener.Addr().String()
}

// NewTCPTransport listens on bindAddr and returns the NetworkTransport the
// CommManager sends packets through. advertise overrides the address sent
// to peers, which is required when bindAddr is a wildcard. maxPool is the
// number of idle connections kept per peer and timeout bounds every dial and
// write.
func NewTCPTransport(
	bindAddr string,
	advertise string,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {

	stream, err := listenTCP(bindAddr, advertise)
	if err != nil {
		return nil, err
	}

	return NewNetworkTransport(stream, maxPool, timeout, logger), nil
}

func listenTCP(bindAddr string, advertise string) (*TCPStreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	addr, err := advertisedTCPAddr(list.Addr(), advertise)
	if err != nil {
		list.Close()
		return nil, err
	}

	// peers could not dial back 0.0.0.0 or ::
	if addr.IP.IsUnspecified() {
		list.Close()
		return nil, errNotAdvertisable
	}

	return &TCPStreamLayer{
		advertise: advertise,
		listener:  list.(*net.TCPListener),
	}, nil
}

func advertisedTCPAddr(bound net.Addr, advertise string) (*net.TCPAddr, error) {
	if advertise != "" {
		return net.ResolveTCPAddr("tcp", advertise)
	}

	addr, ok := bound.(*net.TCPAddr)
	if !ok {
		return nil, errNotTCP
	}
	return addr, nil
}
