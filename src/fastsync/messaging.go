package fastsync

import (
	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/message"
	"github.com/mosaicnetworks/ebft/src/net"
	"github.com/sirupsen/logrus"
)

// Messaging answers block requests from committed blocks. Validators use it
// in normal mode and the FastSynchronizer while it runs.
type Messaging struct {
	queries blockdb.BlockQueries
	comm    net.CommunicationManager
	logger  *logrus.Entry
}

// NewMessaging ...
func NewMessaging(queries blockdb.BlockQueries, comm net.CommunicationManager, logger *logrus.Entry) *Messaging {
	return &Messaging{
		queries: queries,
		comm:    comm,
		logger:  logger,
	}
}

// SendBlockAtHeight answers GetBlockAtHeight with a CompleteBlock if we
// committed that height.
func (m *Messaging) SendBlockAtHeight(in net.Inbound, height int64) {
	b, err := m.queries.GetBlockAtHeight(height)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"height": height,
			"from":   in.From,
		}).Debug("No block at requested height")
		return
	}

	m.comm.Reply(in, b.ToMessage())
}

// SendBlockHeaderAndBlock answers GetBlockHeaderAndBlock. If we have the block
// we send its header followed by the block. Otherwise we send the header of
// our latest block so that the peer learns our tip, or an empty header if we
// have no blocks at all.
func (m *Messaging) SendBlockHeaderAndBlock(in net.Inbound, height int64, myHeight int64) {
	b, err := m.queries.GetBlockAtHeight(height)
	if err == nil {
		m.comm.Reply(in, &message.BlockHeader{
			Header:          b.Header,
			Witness:         b.Witness,
			RequestedHeight: height,
		})
		m.comm.Reply(in, b.Data.ToMessage())
		return
	}

	if myHeight >= 0 {
		tip, err := m.queries.GetBlockAtHeight(myHeight)
		if err == nil {
			m.logger.WithFields(logrus.Fields{
				"height":    height,
				"my_height": myHeight,
				"from":      in.From,
			}).Debug("Drained, replying with our tip")
			m.comm.Reply(in, &message.BlockHeader{
				Header:          tip.Header,
				Witness:         tip.Witness,
				RequestedHeight: height,
			})
			return
		}
		m.logger.WithError(err).WithField("height", myHeight).Error("Tip block missing")
	}

	m.comm.Reply(in, &message.BlockHeader{
		Header:          []byte{},
		Witness:         []byte{},
		RequestedHeight: height,
	})
}
