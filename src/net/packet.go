package net

// Packet is an opaque payload received from a peer. From is the address the
// sender advertises; it is not authenticated.
type Packet struct {
	From    string
	Payload []byte
}
