package proxy

import (
	"github.com/mosaicnetworks/ebft/src/block"
)

// AppProxy is the interface between a node and the application replicating
// the chain.
type AppProxy interface {
	// SubmitCh carries transactions from the application to the node.
	SubmitCh() chan []byte

	// CommitBlock delivers a committed block and returns the resulting
	// state hash of the application.
	CommitBlock(b *block.DataWithWitness) ([]byte, error)
}

// ProxyHandler encapsulates callbacks to be called by the InmemProxy. This is
// the true contact surface between the node and the application.
type ProxyHandler interface {
	// CommitHandler is called once for every block added to the chain, in
	// height order.
	CommitHandler(b *block.DataWithWitness) (stateHash []byte, err error)
}
