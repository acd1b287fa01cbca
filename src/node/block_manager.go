package node

import (
	"bytes"

	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/blockdb"
	cm "github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/status"
	"github.com/sirupsen/logrus"
)

// BlockManager executes the intents that only involve the local block
// database (build and commit) and feeds received blocks into the status
// manager. Intents that need the network are left to the sync manager.
type BlockManager struct {
	sm       *status.StatusManager
	db       blockdb.BlockDatabase
	strategy *blockdb.BuildStrategy

	currentBlock *block.Data

	logger *logrus.Entry
}

// NewBlockManager ...
func NewBlockManager(sm *status.StatusManager,
	db blockdb.BlockDatabase,
	strategy *blockdb.BuildStrategy,
	logger *logrus.Entry) *BlockManager {

	return &BlockManager{
		sm:       sm,
		db:       db,
		strategy: strategy,
		logger:   logger.WithField("component", "block_manager"),
	}
}

// CurrentBlock returns the block we hold at the current height, or nil.
func (bm *BlockManager) CurrentBlock() *block.Data {
	return bm.currentBlock
}

// ResetCurrentBlock forgets the current block, in the status manager too.
func (bm *BlockManager) ResetCurrentBlock() {
	bm.currentBlock = nil
	bm.sm.ResetBlock()
}

// Update executes BuildBlock and CommitBlock intents and returns the intent
// left for the network, DoNothing if the current one is internal.
func (bm *BlockManager) Update() (status.BlockIntent, error) {
	switch bm.sm.Intent().(type) {
	case status.CommitBlockIntent:
		if err := bm.commitBlock(); err != nil {
			return status.DoNothingIntent{}, err
		}
	case status.BuildBlockIntent:
		bm.buildBlock()
	}

	intent := bm.sm.Intent()
	switch intent.(type) {
	case status.CommitBlockIntent, status.BuildBlockIntent:
		return status.DoNothingIntent{}, nil
	}
	return intent, nil
}

func (bm *BlockManager) commitBlock() error {
	rid := bm.sm.MyStatus().BlockRID
	if bm.currentBlock == nil || !bytes.Equal(bm.db.PendingRID(), rid) {
		return NewProgrammerMistake("commit of %s but database holds %s",
			cm.ShortHex(rid, 8), cm.ShortHex(bm.db.PendingRID(), 8))
	}

	d := bm.currentBlock
	if err := bm.db.CommitBlock(bm.sm.CommitSignatures()); err != nil {
		bm.logger.WithError(err).WithField("rid", cm.ShortHex(rid, 8)).Error("Failed to commit block")
		bm.ResetCurrentBlock()
		bm.sm.FastForwardHeight(bm.db.BestHeight())
		return nil
	}

	bm.logger.WithFields(logrus.Fields{
		"height": bm.sm.MyStatus().Height,
		"txs":    len(d.Transactions),
		"rid":    cm.ShortHex(rid, 8),
	}).Info("Committed block")

	bm.currentBlock = nil
	if bm.strategy != nil {
		bm.strategy.BlockCommitted(d)
	}
	bm.sm.OnCommittedBlock(rid)
	return nil
}

func (bm *BlockManager) buildBlock() {
	if bm.strategy != nil && !bm.strategy.ShouldBuildBlock() {
		return
	}
	d, sig, err := bm.db.BuildBlock()
	if err != nil {
		bm.logger.WithError(err).Error("Failed to build block")
		return
	}
	if bm.sm.OnBuiltBlock(d.RID(), sig) {
		bm.currentBlock = d
	}
}

// OnReceivedUnfinishedBlock loads a block proposed by the primary if it is
// the one we are fetching.
func (bm *BlockManager) OnReceivedUnfinishedBlock(d *block.Data) {
	fetch, ok := bm.sm.Intent().(status.FetchUnfinishedBlockIntent)
	rid := d.RID()
	if !ok || !bytes.Equal(fetch.BlockRID, rid) {
		bm.logger.WithFields(logrus.Fields{
			"rid":    cm.ShortHex(rid, 8),
			"intent": bm.sm.Intent().String(),
		}).Debug("Ignoring unfinished block")
		return
	}

	sig, err := bm.db.LoadUnfinishedBlock(d)
	if err != nil {
		bm.logger.WithError(err).WithField("rid", cm.ShortHex(rid, 8)).Warn("Rejected unfinished block")
		return
	}
	if bm.sm.OnReceivedBlock(rid, sig) {
		bm.currentBlock = d
	}
}

// OnReceivedBlockAtHeight adds a committed block if we are fetching that
// height. Blocks nobody asked for are ignored.
func (bm *BlockManager) OnReceivedBlockAtHeight(b *block.DataWithWitness, height int64) error {
	fetch, ok := bm.sm.Intent().(status.FetchBlockAtHeightIntent)
	if !ok || fetch.Height != height {
		bm.logger.WithFields(logrus.Fields{
			"height": height,
			"intent": bm.sm.Intent().String(),
		}).Debug("Ignoring block at height")
		return nil
	}

	if err := bm.db.AddBlock(b); err != nil {
		return err
	}

	bm.logger.WithField("height", height).Debug("Added block")

	bm.currentBlock = nil
	if bm.strategy != nil {
		bm.strategy.BlockCommitted(&b.Data)
	}
	bm.sm.OnHeightAdvance(height + 1)
	return nil
}
