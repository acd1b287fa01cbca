package store

import (
	"github.com/mosaicnetworks/ebft/src/block"
)

// Store persists committed blocks. Heights are consecutive from zero; the
// store is empty when LastHeight returns -1.
type Store interface {
	LastHeight() int64
	GetBlock(height int64) (*block.DataWithWitness, error)
	GetBlockByRID(rid []byte) (*block.DataWithWitness, error)
	SetBlock(b *block.DataWithWitness) error
	Close() error
	StorePath() string
}
