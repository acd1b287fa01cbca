package blockdb

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/mosaicnetworks/ebft/src/block"
	cm "github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoPendingBlock is returned by CommitBlock when no block is pending.
	ErrNoPendingBlock = errors.New("no pending block")
	// ErrNotEnoughSignatures is returned by CommitBlock when the signatures do
	// not form a quorum.
	ErrNotEnoughSignatures = errors.New("not enough signatures to commit")
)

// CommitListener is called with every block added to the chain, in height
// order, on the goroutine that added it.
type CommitListener func(b *block.DataWithWitness)

type pendingBlock struct {
	data    *block.Data
	witness *block.WitnessBuilder
}

// BaseBlockDatabase implements BlockDatabase over a store.Store.
type BaseBlockDatabase struct {
	store         store.Store
	txQueue       *TxQueue
	strategy      *BuildStrategy
	key           *ecdsa.PrivateKey
	pubKey        []byte
	validators    [][]byte
	quorum        int
	blockchainRID []byte
	clock         cm.Clock

	pending  *pendingBlock
	onCommit CommitListener

	logger *logrus.Entry
}

// NewBaseBlockDatabase ...
func NewBaseBlockDatabase(
	s store.Store,
	txQueue *TxQueue,
	key *ecdsa.PrivateKey,
	validators [][]byte,
	quorum int,
	blockchainRID []byte,
	clock cm.Clock,
	logger *logrus.Entry,
) *BaseBlockDatabase {
	return &BaseBlockDatabase{
		store:         s,
		txQueue:       txQueue,
		key:           key,
		pubKey:        keys.FromPublicKey(&key.PublicKey),
		validators:    validators,
		quorum:        quorum,
		blockchainRID: blockchainRID,
		clock:         clock,
		logger:        logger,
	}
}

// SetStrategy gives the database the strategy that caps block size.
func (db *BaseBlockDatabase) SetStrategy(s *BuildStrategy) {
	db.strategy = s
}

// SetCommitListener registers fn to be told about every new block.
func (db *BaseBlockDatabase) SetCommitListener(fn CommitListener) {
	db.onCommit = fn
}

func (db *BaseBlockDatabase) committed(b *block.DataWithWitness) {
	db.txQueue.Remove(b.Transactions)
	if db.onCommit != nil {
		db.onCommit(b)
	}
}

// BestHeight implements BlockQueries.
func (db *BaseBlockDatabase) BestHeight() int64 {
	return db.store.LastHeight()
}

// GetBlockHeader implements BlockQueries.
func (db *BaseBlockDatabase) GetBlockHeader(height int64) (*block.Header, error) {
	b, err := db.store.GetBlock(height)
	if err != nil {
		return nil, err
	}
	return b.DecodeHeader()
}

// GetBlockAtHeight implements BlockQueries.
func (db *BaseBlockDatabase) GetBlockAtHeight(height int64) (*block.DataWithWitness, error) {
	return db.store.GetBlock(height)
}

// PendingRID implements BlockDatabase.
func (db *BaseBlockDatabase) PendingRID() []byte {
	if db.pending == nil {
		return nil
	}
	return db.pending.witness.RID()
}

// rollback discards the pending block.
func (db *BaseBlockDatabase) rollback() {
	if db.pending != nil {
		db.logger.WithField("rid", cm.ShortHex(db.pending.witness.RID(), 8)).Debug("Discarding pending block")
	}
	db.pending = nil
}

// prevBlock returns the height and previous RID the next block must link to,
// and the timestamp of the best block.
func (db *BaseBlockDatabase) prevBlock() (int64, []byte, int64, error) {
	best := db.store.LastHeight()
	if best < 0 {
		return 0, db.blockchainRID, 0, nil
	}
	b, err := db.store.GetBlock(best)
	if err != nil {
		return 0, nil, 0, err
	}
	h, err := b.DecodeHeader()
	if err != nil {
		return 0, nil, 0, err
	}
	return best + 1, b.RID(), h.Timestamp, nil
}

// validate checks that d extends the best block.
func (db *BaseBlockDatabase) validate(d *block.Data) (*block.Header, error) {
	height, prevRID, prevTime, err := db.prevBlock()
	if err != nil {
		return nil, err
	}
	h, err := d.DecodeHeader()
	if err != nil {
		return nil, err
	}
	if h.Height != height {
		return nil, fmt.Errorf("block %x: height %d, expected %d", d.RID(), h.Height, height)
	}
	if !bytes.Equal(h.PrevBlockRID, prevRID) {
		return nil, fmt.Errorf("block %x: previous RID %x, expected %x", d.RID(), h.PrevBlockRID, prevRID)
	}
	if height > 0 && h.Timestamp <= prevTime {
		return nil, fmt.Errorf("block %x: timestamp %d not after %d", d.RID(), h.Timestamp, prevTime)
	}
	if err := d.CheckRootHash(); err != nil {
		return nil, err
	}
	return h, nil
}

func (db *BaseBlockDatabase) sign(d *block.Data) (keys.Signature, error) {
	wb := block.NewWitnessBuilder(d.RID(), db.validators, db.quorum)
	sig, err := keys.SignDigest(db.key, d.RID())
	if err != nil {
		return keys.Signature{}, err
	}
	if err := wb.SetMySignature(sig); err != nil {
		return keys.Signature{}, err
	}
	db.pending = &pendingBlock{data: d, witness: wb}
	return sig, nil
}

// BuildBlock implements BlockDatabase.
func (db *BaseBlockDatabase) BuildBlock() (*block.Data, keys.Signature, error) {
	db.rollback()

	height, prevRID, prevTime, err := db.prevBlock()
	if err != nil {
		return nil, keys.Signature{}, errors.Wrap(err, "can't build block")
	}

	max := DefaultMaxBlockTransactions
	if db.strategy != nil {
		max = db.strategy.MaxBlockTransactions()
	}
	txs := db.txQueue.Peek(max)

	timestamp := db.clock.Now()
	if timestamp <= prevTime {
		timestamp = prevTime + 1
	}

	d, err := block.NewData(prevRID, height, timestamp, txs)
	if err != nil {
		return nil, keys.Signature{}, errors.Wrap(err, "can't build block")
	}
	sig, err := db.sign(d)
	if err != nil {
		return nil, keys.Signature{}, errors.Wrap(err, "can't build block")
	}

	db.logger.WithFields(logrus.Fields{
		"height": height,
		"txs":    len(txs),
		"rid":    cm.ShortHex(d.RID(), 8),
	}).Debug("Built block")

	return d, sig, nil
}

// LoadUnfinishedBlock implements BlockDatabase.
func (db *BaseBlockDatabase) LoadUnfinishedBlock(d *block.Data) (keys.Signature, error) {
	db.rollback()
	if _, err := db.validate(d); err != nil {
		return keys.Signature{}, errors.Wrap(err, "loading unfinished block")
	}
	return db.sign(d)
}

// VerifyBlockSignature implements BlockDatabase.
func (db *BaseBlockDatabase) VerifyBlockSignature(sig keys.Signature) bool {
	if db.pending == nil {
		return false
	}
	if err := db.pending.witness.ApplySignature(sig); err != nil {
		db.logger.WithError(err).Debug("Signature invalid")
		return false
	}
	return true
}

// CommitBlock implements BlockDatabase.
func (db *BaseBlockDatabase) CommitBlock(signatures []keys.Signature) error {
	if db.pending == nil {
		return ErrNoPendingBlock
	}
	wb := db.pending.witness
	for _, sig := range signatures {
		if sig.IsZero() {
			continue
		}
		if err := wb.ApplySignature(sig); err != nil {
			db.logger.WithError(err).Debug("Ignoring commit signature")
		}
	}
	if !wb.IsComplete() {
		return ErrNotEnoughSignatures
	}

	witness, err := wb.Witness().Marshal()
	if err != nil {
		return err
	}
	h, err := db.pending.data.DecodeHeader()
	if err != nil {
		return err
	}

	bww := &block.DataWithWitness{
		Data:    *db.pending.data,
		Height:  h.Height,
		Witness: witness,
	}
	db.pending = nil

	if err := db.store.SetBlock(bww); err != nil {
		return errors.Wrapf(err, "committing block %d", bww.Height)
	}
	db.committed(bww)
	return nil
}

// AddBlock implements BlockDatabase.
func (db *BaseBlockDatabase) AddBlock(b *block.DataWithWitness) error {
	db.rollback()

	h, err := db.validate(&b.Data)
	if err != nil {
		return errors.Wrap(err, "adding block")
	}
	if h.Height != b.Height {
		return fmt.Errorf("adding block %x: header height %d, block height %d", b.RID(), h.Height, b.Height)
	}
	witness, err := block.DecodeWitness(b.Witness)
	if err != nil {
		return errors.Wrap(err, "adding block")
	}
	if err := block.ValidateWitness(witness, b.RID(), db.validators, db.quorum); err != nil {
		return errors.Wrap(err, "adding block")
	}
	if err := db.store.SetBlock(b); err != nil {
		return errors.Wrapf(err, "adding block %d", b.Height)
	}
	db.committed(b)
	return nil
}

// GetBlockSignature implements BlockDatabase.
func (db *BaseBlockDatabase) GetBlockSignature(rid []byte) (keys.Signature, error) {
	if db.pending != nil && bytes.Equal(db.pending.witness.RID(), rid) {
		return db.pending.witness.MySignature(), nil
	}
	b, err := db.store.GetBlockByRID(rid)
	if err != nil {
		return keys.Signature{}, err
	}
	if witness, err := block.DecodeWitness(b.Witness); err == nil {
		for _, sig := range witness.Signatures {
			if bytes.Equal(sig.Subject, db.pubKey) {
				return sig, nil
			}
		}
	}
	return keys.SignDigest(db.key, rid)
}

// Stop implements BlockDatabase.
func (db *BaseBlockDatabase) Stop() {
	db.rollback()
}
