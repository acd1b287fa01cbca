package blockdb

import (
	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
)

// BlockQueries gives read access to committed blocks.
type BlockQueries interface {
	BestHeight() int64
	GetBlockHeader(height int64) (*block.Header, error)
	GetBlockAtHeight(height int64) (*block.DataWithWitness, error)
}

// BlockDatabase manages the block being built or validated and commits
// blocks. At most one block is pending at a time; starting a new one discards
// the previous.
type BlockDatabase interface {
	BlockQueries

	// BuildBlock creates a block on top of the best block and returns it
	// with the local signature of its RID.
	BuildBlock() (*block.Data, keys.Signature, error)

	// LoadUnfinishedBlock validates a block proposed by the primary and
	// returns the local signature of its RID.
	LoadUnfinishedBlock(d *block.Data) (keys.Signature, error)

	// CommitBlock commits the pending block once the signatures, together
	// with those already verified, form a quorum.
	CommitBlock(signatures []keys.Signature) error

	// AddBlock validates and commits an already witnessed block.
	AddBlock(b *block.DataWithWitness) error

	// VerifyBlockSignature checks a signature against the pending block and
	// records it when valid.
	VerifyBlockSignature(sig keys.Signature) bool

	// GetBlockSignature returns the local signature of a pending or committed
	// block.
	GetBlockSignature(rid []byte) (keys.Signature, error)

	// PendingRID returns the RID of the pending block, or nil.
	PendingRID() []byte

	Stop()
}
