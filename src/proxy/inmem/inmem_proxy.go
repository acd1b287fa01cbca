package inmem

import (
	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/proxy"
	"github.com/sirupsen/logrus"
)

//InmemProxy implements the AppProxy interface natively
type InmemProxy struct {
	handler  proxy.ProxyHandler
	submitCh chan []byte
	logger   *logrus.Entry
}

// NewInmemProxy instantiates an InmemProxy from a set of handlers.
// If no logger, a new one is created
func NewInmemProxy(handler proxy.ProxyHandler,
	logger *logrus.Entry) *InmemProxy {

	if logger == nil {
		l := logrus.New()
		l.Level = logrus.DebugLevel
		logger = logrus.NewEntry(l)
	}

	return &InmemProxy{
		handler:  handler,
		submitCh: make(chan []byte),
		logger:   logger,
	}
}

/*******************************************************************************
* SubmitTx                                                                     *
*******************************************************************************/

//SubmitTx is called by the App to submit a transaction to the node. It blocks
//until the node picks it up.
func (p *InmemProxy) SubmitTx(tx []byte) {
	//have to make a copy, the caller may reuse the buffer
	t := make([]byte, len(tx))

	copy(t, tx)

	p.submitCh <- t
}

/*******************************************************************************
* Implement AppProxy Interface                                                 *
*******************************************************************************/

//SubmitCh returns the channel of raw transactions
func (p *InmemProxy) SubmitCh() chan []byte {
	return p.submitCh
}

//CommitBlock calls the commitHandler
func (p *InmemProxy) CommitBlock(b *block.DataWithWitness) ([]byte, error) {
	stateHash, err := p.handler.CommitHandler(b)

	p.logger.WithFields(logrus.Fields{
		"height":     b.Height,
		"txs":        len(b.Transactions),
		"state_hash": common.ShortHex(stateHash, 8),
		"err":        err,
	}).Debug("InmemProxy.CommitBlock")

	return stateHash, err
}
