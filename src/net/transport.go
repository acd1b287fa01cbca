package net

// Transport provides an interface for network transports to allow a node to
// send packets to other nodes.
type Transport interface {

	// Listen starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to consume incoming
	// packets.
	Consumer() <-chan Packet

	// Send delivers payload to target. It returns once the remote transport
	// acknowledged the packet.
	Send(target string, payload []byte) error

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}
