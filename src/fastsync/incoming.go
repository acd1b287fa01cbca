package fastsync

import (
	"container/heap"

	"github.com/mosaicnetworks/ebft/src/block"
)

// IncomingBlock is a downloaded block waiting for its turn to be committed.
type IncomingBlock struct {
	Height int64
	Block  *block.DataWithWitness
	From   int
}

type incomingHeap []*IncomingBlock

func (h incomingHeap) Len() int            { return len(h) }
func (h incomingHeap) Less(i, j int) bool  { return h[i].Height < h[j].Height }
func (h incomingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *incomingHeap) Push(x interface{}) { *h = append(*h, x.(*IncomingBlock)) }

func (h *incomingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// blockBuffer orders downloaded blocks by height and holds at most one block
// per height.
type blockBuffer struct {
	heap    incomingHeap
	heights map[int64]bool
}

func newBlockBuffer() *blockBuffer {
	return &blockBuffer{
		heights: make(map[int64]bool),
	}
}

// Add buffers b unless a block at the same height is already there.
func (bb *blockBuffer) Add(b *IncomingBlock) bool {
	if bb.heights[b.Height] {
		return false
	}
	bb.heights[b.Height] = true
	heap.Push(&bb.heap, b)
	return true
}

func (bb *blockBuffer) Has(height int64) bool {
	return bb.heights[height]
}

// Peek returns the lowest block, or nil.
func (bb *blockBuffer) Peek() *IncomingBlock {
	if len(bb.heap) == 0 {
		return nil
	}
	return bb.heap[0]
}

// Pop removes and returns the lowest block, or nil.
func (bb *blockBuffer) Pop() *IncomingBlock {
	if len(bb.heap) == 0 {
		return nil
	}
	b := heap.Pop(&bb.heap).(*IncomingBlock)
	delete(bb.heights, b.Height)
	return b
}

func (bb *blockBuffer) Len() int {
	return len(bb.heap)
}

func (bb *blockBuffer) Clear() {
	bb.heap = nil
	bb.heights = make(map[int64]bool)
}
