package store

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"

	"github.com/mosaicnetworks/ebft/src/block"
	cm "github.com/mosaicnetworks/ebft/src/common"
	"github.com/sirupsen/logrus"
)

func makeChain(t *testing.T, n int) []*block.DataWithWitness {
	blocks := []*block.DataWithWitness{}
	prev := []byte("blockchain")
	for i := 0; i < n; i++ {
		d, err := block.NewData(prev, int64(i), int64(1000+i), [][]byte{[]byte{byte(i)}})
		if err != nil {
			t.Fatal(err)
		}
		blocks = append(blocks, &block.DataWithWitness{Data: *d, Height: int64(i), Witness: []byte("witness")})
		prev = d.RID()
	}
	return blocks
}

func testStore(t *testing.T, s Store) {
	if s.LastHeight() != -1 {
		t.Fatalf("LastHeight should be -1, not %d", s.LastHeight())
	}

	if _, err := s.GetBlock(0); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("GetBlock(0) should return KeyNotFound, not %v", err)
	}

	blocks := makeChain(t, 3)

	if err := s.SetBlock(blocks[1]); !cm.IsStore(err, cm.SkippedIndex) {
		t.Fatalf("SetBlock(1) on empty store should return SkippedIndex, not %v", err)
	}

	for _, b := range blocks {
		if err := s.SetBlock(b); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.SetBlock(blocks[1]); !cm.IsStore(err, cm.KeyAlreadyExists) {
		t.Fatalf("SetBlock(1) twice should return KeyAlreadyExists, not %v", err)
	}

	if s.LastHeight() != 2 {
		t.Fatalf("LastHeight should be 2, not %d", s.LastHeight())
	}

	for i, b := range blocks {
		got, err := s.GetBlock(int64(i))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got.RID(), b.RID()) {
			t.Fatalf("block %d: RID mismatch", i)
		}
		if !bytes.Equal(got.Witness, b.Witness) {
			t.Fatalf("block %d: witness mismatch", i)
		}

		byRID, err := s.GetBlockByRID(b.RID())
		if err != nil {
			t.Fatal(err)
		}
		if byRID.Height != int64(i) {
			t.Fatalf("GetBlockByRID should return height %d, not %d", i, byRID.Height)
		}
	}

	if _, err := s.GetBlockByRID([]byte("nope")); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("GetBlockByRID should return KeyNotFound, not %v", err)
	}
}

func TestInmemStore(t *testing.T) {
	testStore(t, NewInmemStore())
}

func TestBadgerStore(t *testing.T) {
	dir, err := ioutil.TempDir("", "ebft_badger")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	logger := cm.NewTestEntry(t, logrus.WarnLevel)

	s, err := LoadOrCreateBadgerStore(dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	//reload
	s2, err := LoadOrCreateBadgerStore(dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if s2.LastHeight() != 2 {
		t.Fatalf("reloaded LastHeight should be 2, not %d", s2.LastHeight())
	}
	if _, err := s2.GetBlock(2); err != nil {
		t.Fatal(err)
	}
	if s2.StorePath() != dir {
		t.Fatalf("StorePath should be %s, not %s", dir, s2.StorePath())
	}

	if _, err := NewBadgerStore(dir, logger); err == nil {
		t.Fatal("NewBadgerStore should refuse a database that holds blocks")
	}
}

func TestClosedStore(t *testing.T) {
	s := NewInmemStore()
	s.Close()
	if err := s.SetBlock(makeChain(t, 1)[0]); !cm.IsStore(err, cm.Closed) {
		t.Fatalf("SetBlock on closed store should return Closed, not %v", err)
	}
}
