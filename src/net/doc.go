// Package net moves signed consensus messages between validators.
//
// A Transport delivers opaque packets to an address. There are two
// implementations:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: a NetworkTransport over plain TCP
//
// The NetworkTransport frames each packet with a one-byte packet type followed
// by the msgpack encoded packet, and waits for an acknowledgement before
// returning the connection to its pool.
//
// On top of a Transport, the CommManager implements the communication
// contract of the consensus core: it signs outgoing messages with the
// validator key, sends them asynchronously to validators in the PeerSet,
// verifies the signed envelope of incoming packets and attributes them to a
// validator index (-1 for read-only peers).
package net
