// Package fastsync downloads committed blocks from several validators in
// parallel and commits them in height order.
//
// The FastSynchronizer keeps a window of outstanding GetBlockAtHeight requests
// starting at the next height to commit. Each request goes to a random
// validator known, through its Status messages, to have committed that height.
// Answers are buffered in a min-heap and committed strictly in order. Peers
// that send bad blocks or stop answering accumulate strikes and are
// eventually blacklisted for a while (see PeerStatuses).
//
// A validator runs the synchronizer until the responsive validators are
// drained, then goes back to consensus. A read-only replica runs it until
// shutdown.
package fastsync
