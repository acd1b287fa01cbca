package blockdb

import (
	"github.com/mosaicnetworks/ebft/src/block"
	cm "github.com/mosaicnetworks/ebft/src/common"
	"github.com/sirupsen/logrus"
)

// Default block building parameters, in milliseconds where applicable.
const (
	DefaultMaxBlockTime          = 30000
	DefaultMaxBlockTransactions  = 100
	DefaultMaxTxDelay            = 1000
	DefaultMinInterBlockInterval = 25
)

// BuildParams tunes when a primary builds a block.
type BuildParams struct {
	// MaxBlockTime forces a block, even empty, after that long without one.
	MaxBlockTime int64 `mapstructure:"max-block-time"`

	// MaxBlockTransactions caps the transactions per block and triggers a
	// block as soon as that many are queued.
	MaxBlockTransactions int `mapstructure:"max-block-transactions"`

	// MaxTxDelay is how long the first queued transaction may wait.
	MaxTxDelay int64 `mapstructure:"max-tx-delay"`

	// MinInterBlockInterval is the minimum time between two blocks.
	MinInterBlockInterval int64 `mapstructure:"min-inter-block-interval"`
}

// DefaultBuildParams returns the default building parameters.
func DefaultBuildParams() BuildParams {
	return BuildParams{
		MaxBlockTime:          DefaultMaxBlockTime,
		MaxBlockTransactions:  DefaultMaxBlockTransactions,
		MaxTxDelay:            DefaultMaxTxDelay,
		MinInterBlockInterval: DefaultMinInterBlockInterval,
	}
}

// BuildStrategy decides when the primary should build a block.
type BuildStrategy struct {
	params        BuildParams
	clock         cm.Clock
	queue         *TxQueue
	lastBlockTime int64
	firstTxTime   int64
	logger        *logrus.Entry
}

// NewBuildStrategy initialises lastBlockTime from the timestamp of the best
// committed block.
func NewBuildStrategy(params BuildParams, clock cm.Clock, queue *TxQueue, queries BlockQueries, logger *logrus.Entry) *BuildStrategy {
	s := &BuildStrategy{
		params: params,
		clock:  clock,
		queue:  queue,
		logger: logger,
	}
	if best := queries.BestHeight(); best >= 0 {
		h, err := queries.GetBlockHeader(best)
		if err != nil {
			logger.WithError(err).WithField("height", best).Warn("Reading best block header")
		} else {
			s.lastBlockTime = h.Timestamp
		}
	}
	return s
}

// ShouldBuildBlock reports whether it is time to build a block.
func (s *BuildStrategy) ShouldBuildBlock() bool {
	now := s.clock.Now()

	if now-s.lastBlockTime > s.params.MaxBlockTime {
		return true
	}
	if now-s.lastBlockTime < s.params.MinInterBlockInterval {
		return false
	}
	if s.firstTxTime > 0 && now-s.firstTxTime > s.params.MaxTxDelay {
		return true
	}

	size := s.queue.Size()
	if size >= s.params.MaxBlockTransactions {
		return true
	}
	if s.firstTxTime == 0 && size > 0 {
		s.firstTxTime = now
	}
	return false
}

// ShouldStopBuildingBlock reports whether a block holding n transactions is
// full.
func (s *BuildStrategy) ShouldStopBuildingBlock(n int) bool {
	return n >= s.params.MaxBlockTransactions
}

// MaxBlockTransactions returns the per block transaction cap.
func (s *BuildStrategy) MaxBlockTransactions() int {
	return s.params.MaxBlockTransactions
}

// BlockCommitted records the timestamp of a newly committed block.
func (s *BuildStrategy) BlockCommitted(d *block.Data) {
	h, err := d.DecodeHeader()
	if err != nil {
		s.logger.WithError(err).Error("Decoding committed block header")
		s.lastBlockTime = s.clock.Now()
	} else {
		s.lastBlockTime = h.Timestamp
	}
	s.firstTxTime = 0
}
