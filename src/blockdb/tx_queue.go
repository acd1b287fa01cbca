package blockdb

import (
	"encoding/hex"
	"errors"
	"sync"

	"github.com/mosaicnetworks/ebft/src/crypto"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("transaction queue is full")
	// ErrDuplicateTx is returned by Enqueue for a transaction already queued.
	ErrDuplicateTx = errors.New("transaction already queued")
	// ErrEmptyTx is returned by Enqueue for an empty transaction.
	ErrEmptyTx = errors.New("empty transaction")
)

// TxQueue is a bounded FIFO of transactions waiting to be included in a
// block. Transactions are identified by their SHA256.
type TxQueue struct {
	sync.Mutex
	size  int
	txs   [][]byte
	index map[string]struct{}
}

// NewTxQueue returns an empty queue holding at most size transactions.
func NewTxQueue(size int) *TxQueue {
	return &TxQueue{
		size:  size,
		index: make(map[string]struct{}),
	}
}

func txKey(tx []byte) string {
	return hex.EncodeToString(crypto.SHA256(tx))
}

// Enqueue appends tx to the queue.
func (q *TxQueue) Enqueue(tx []byte) error {
	if len(tx) == 0 {
		return ErrEmptyTx
	}
	q.Lock()
	defer q.Unlock()
	key := txKey(tx)
	if _, ok := q.index[key]; ok {
		return ErrDuplicateTx
	}
	if len(q.txs) >= q.size {
		return ErrQueueFull
	}
	q.txs = append(q.txs, tx)
	q.index[key] = struct{}{}
	return nil
}

// Peek returns up to max transactions from the head of the queue without
// removing them.
func (q *TxQueue) Peek(max int) [][]byte {
	q.Lock()
	defer q.Unlock()
	if max > len(q.txs) {
		max = len(q.txs)
	}
	res := make([][]byte, max)
	copy(res, q.txs[:max])
	return res
}

// Take removes and returns up to max transactions from the head of the queue.
func (q *TxQueue) Take(max int) [][]byte {
	res := q.Peek(max)
	q.Remove(res)
	return res
}

// Remove drops the given transactions from the queue, wherever they are.
// Unknown transactions are ignored.
func (q *TxQueue) Remove(txs [][]byte) {
	if len(txs) == 0 {
		return
	}
	q.Lock()
	defer q.Unlock()
	drop := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		key := txKey(tx)
		if _, ok := q.index[key]; ok {
			drop[key] = struct{}{}
			delete(q.index, key)
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := q.txs[:0]
	for _, tx := range q.txs {
		if _, ok := drop[txKey(tx)]; !ok {
			kept = append(kept, tx)
		}
	}
	for i := len(kept); i < len(q.txs); i++ {
		q.txs[i] = nil
	}
	q.txs = kept
}

// Size returns the number of queued transactions.
func (q *TxQueue) Size() int {
	q.Lock()
	defer q.Unlock()
	return len(q.txs)
}
