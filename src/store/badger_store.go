package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/mosaicnetworks/ebft/src/block"
	cm "github.com/mosaicnetworks/ebft/src/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	blockPrefix = "block"
	ridPrefix   = "rid"
	lastKey     = "last_height"
)

// BadgerStore implements the Store interface on top of a badger database.
// The last committed height is cached in memory and written in the same
// transaction as the block.
type BadgerStore struct {
	sync.Mutex
	db         *badger.DB
	path       string
	lastHeight int64
	closed     bool
}

func openDB(path string, logger *logrus.Entry) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false)
	if logger != nil {
		opts = opts.WithLogger(logger)
	} else {
		opts = opts.WithLogger(nil)
	}
	return badger.Open(opts)
}

// NewBadgerStore creates a brand new Store with a new database. It fails if
// the database already holds blocks.
func NewBadgerStore(path string, logger *logrus.Entry) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	handle, err := openDB(path, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger database in %s", path)
	}
	store := &BadgerStore{
		db:         handle,
		path:       path,
		lastHeight: -1,
	}
	last, err := store.dbLastHeight()
	if err == nil {
		handle.Close()
		return nil, fmt.Errorf("database in %s already holds blocks up to %d", path, last)
	}
	if !cm.IsStore(err, cm.KeyNotFound) {
		handle.Close()
		return nil, err
	}
	return store, nil
}

// LoadBadgerStore opens an existing database.
func LoadBadgerStore(path string, logger *logrus.Entry) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	handle, err := openDB(path, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger database in %s", path)
	}
	store := &BadgerStore{
		db:   handle,
		path: path,
	}
	last, err := store.dbLastHeight()
	if err != nil {
		handle.Close()
		return nil, err
	}
	store.lastHeight = last
	return store, nil
}

// LoadOrCreateBadgerStore loads the database in path if it holds blocks and
// creates a new one otherwise.
func LoadOrCreateBadgerStore(path string, logger *logrus.Entry) (*BadgerStore, error) {
	store, err := LoadBadgerStore(path, logger)
	if err != nil {
		store, err = NewBadgerStore(path, logger)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

//==============================================================================
//Keys

func blockKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s_%09d", blockPrefix, height))
}

func ridKey(rid []byte) []byte {
	return []byte(fmt.Sprintf("%s_%x", ridPrefix, rid))
}

func encodeHeight(h int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(h))
	return b
}

func decodeHeight(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("malformed height %x", b)
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

//==============================================================================
//Implement the Store interface

// LastHeight implements the Store interface.
func (s *BadgerStore) LastHeight() int64 {
	s.Lock()
	defer s.Unlock()
	return s.lastHeight
}

// GetBlock implements the Store interface.
func (s *BadgerStore) GetBlock(height int64) (*block.DataWithWitness, error) {
	if height < 0 {
		return nil, cm.NewStoreErr("Block", cm.KeyNotFound, strconv.FormatInt(height, 10))
	}
	return s.dbGetBlock(blockKey(height), strconv.FormatInt(height, 10))
}

// GetBlockByRID implements the Store interface.
func (s *BadgerStore) GetBlockByRID(rid []byte) (*block.DataWithWitness, error) {
	var height int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ridKey(rid))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		height, err = decodeHeight(val)
		return err
	})
	if err != nil {
		return nil, mapError(err, "RID", fmt.Sprintf("%x", rid))
	}
	return s.GetBlock(height)
}

// SetBlock implements the Store interface.
func (s *BadgerStore) SetBlock(b *block.DataWithWitness) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return cm.NewStoreErr("Block", cm.Closed, "")
	}
	if err := checkNext(s.lastHeight, b.Height); err != nil {
		return err
	}
	if err := s.dbSetBlock(b); err != nil {
		return errors.Wrapf(err, "writing block %d", b.Height)
	}
	s.lastHeight = b.Height
	return nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

//==============================================================================
//DB Methods

func (s *BadgerStore) dbLastHeight() (int64, error) {
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lastKey))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		last, err = decodeHeight(val)
		return err
	})
	if err != nil {
		return -1, mapError(err, "LastHeight", lastKey)
	}
	return last, nil
}

func (s *BadgerStore) dbGetBlock(key []byte, name string) (*block.DataWithWitness, error) {
	var blockBytes []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		blockBytes, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, mapError(err, "Block", name)
	}
	return block.UnmarshalDataWithWitness(blockBytes)
}

func (s *BadgerStore) dbSetBlock(b *block.DataWithWitness) error {
	val, err := b.Marshal()
	if err != nil {
		return err
	}
	height := encodeHeight(b.Height)

	return s.db.Update(func(txn *badger.Txn) error {
		//insert [height] => [block bytes]
		if err := txn.Set(blockKey(b.Height), val); err != nil {
			return err
		}
		//insert [rid] => [height]
		if err := txn.Set(ridKey(b.RID()), height); err != nil {
			return err
		}
		return txn.Set([]byte(lastKey), height)
	})
}

func mapError(err error, name, key string) error {
	if err == badger.ErrKeyNotFound {
		return cm.NewStoreErr(name, cm.KeyNotFound, key)
	}
	return err
}
