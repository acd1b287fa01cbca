package store

import (
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/mosaicnetworks/ebft/src/block"
	cm "github.com/mosaicnetworks/ebft/src/common"
)

// InmemStore implements the Store interface in memory.
type InmemStore struct {
	sync.RWMutex
	blocks []*block.DataWithWitness
	byRID  map[string]int64
	closed bool
}

// NewInmemStore returns an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		byRID: make(map[string]int64),
	}
}

// LastHeight implements the Store interface.
func (s *InmemStore) LastHeight() int64 {
	s.RLock()
	defer s.RUnlock()
	return int64(len(s.blocks)) - 1
}

// GetBlock implements the Store interface.
func (s *InmemStore) GetBlock(height int64) (*block.DataWithWitness, error) {
	s.RLock()
	defer s.RUnlock()
	if height < 0 || height >= int64(len(s.blocks)) {
		return nil, cm.NewStoreErr("InmemStore", cm.KeyNotFound, strconv.FormatInt(height, 10))
	}
	return s.blocks[height], nil
}

// GetBlockByRID implements the Store interface.
func (s *InmemStore) GetBlockByRID(rid []byte) (*block.DataWithWitness, error) {
	s.RLock()
	defer s.RUnlock()
	height, ok := s.byRID[hex.EncodeToString(rid)]
	if !ok {
		return nil, cm.NewStoreErr("InmemStore", cm.KeyNotFound, hex.EncodeToString(rid))
	}
	return s.blocks[height], nil
}

// SetBlock implements the Store interface.
func (s *InmemStore) SetBlock(b *block.DataWithWitness) error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return cm.NewStoreErr("InmemStore", cm.Closed, "")
	}
	if err := checkNext(int64(len(s.blocks))-1, b.Height); err != nil {
		return err
	}
	s.blocks = append(s.blocks, b)
	s.byRID[hex.EncodeToString(b.RID())] = b.Height
	return nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}

// checkNext verifies that height extends last by exactly one.
func checkNext(last, height int64) error {
	key := strconv.FormatInt(height, 10)
	switch {
	case height <= last:
		return cm.NewStoreErr("Block", cm.KeyAlreadyExists, key)
	case height != last+1:
		return cm.NewStoreErr("Block", cm.SkippedIndex, key)
	}
	return nil
}
