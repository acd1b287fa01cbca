package dummy

import (
	"sync"

	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/crypto"
	"github.com/sirupsen/logrus"
)

// State is a toy application that keeps every committed transaction in
// memory and chains their hashes into a state hash.
type State struct {
	sync.Mutex
	committedTxs [][]byte
	stateHash    []byte
	height       int64
	logger       *logrus.Entry
}

// NewState ...
func NewState(logger *logrus.Entry) *State {
	return &State{
		committedTxs: [][]byte{},
		stateHash:    []byte{},
		height:       -1,
		logger:       logger,
	}
}

// CommitHandler implements the ProxyHandler interface.
func (a *State) CommitHandler(b *block.DataWithWitness) ([]byte, error) {
	a.Lock()
	defer a.Unlock()

	a.logger.WithField("height", b.Height).Debug("CommitBlock")

	hash := a.stateHash
	for _, tx := range b.Transactions {
		hash = crypto.SimpleHashFromTwoHashes(hash, crypto.SHA256(tx))
	}

	a.committedTxs = append(a.committedTxs, b.Transactions...)
	a.stateHash = hash
	a.height = b.Height

	return a.stateHash, nil
}

// GetCommittedTransactions returns the list of committed transactions
func (a *State) GetCommittedTransactions() [][]byte {
	a.Lock()
	defer a.Unlock()
	return append([][]byte{}, a.committedTxs...)
}

// Height returns the height of the last committed block, -1 if none.
func (a *State) Height() int64 {
	a.Lock()
	defer a.Unlock()
	return a.height
}

// StateHash returns the hash of all the committed transactions.
func (a *State) StateHash() []byte {
	a.Lock()
	defer a.Unlock()
	return a.stateHash
}
