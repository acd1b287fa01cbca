// Package blockdb is the block database used by the consensus core. It builds
// blocks out of the transaction queue, loads blocks proposed by other
// validators, collects commit signatures and commits witnessed blocks to a
// store.Store.
//
// All BlockDatabase methods are meant to be called from a single goroutine
// (the node's worker). The TxQueue is safe for concurrent use, since
// transactions arrive from the network independently of the worker.
package blockdb
