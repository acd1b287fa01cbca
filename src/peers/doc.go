// Package peers defines validators and the ordered validator-set of a chain.
//
// A peer is identified by its public key and, when it is reachable over TCP,
// by a network address. The position of a peer in the PeerSet is its
// validator index: it drives primary selection and the slot of its commit
// signature, so every node of a chain must load peers.json with the same
// ordering.
//
// Nodes that are not in the PeerSet may still connect to read blocks. They are
// known as read-only peers and are addressed with index -1.
package peers
