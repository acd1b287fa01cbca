// Package node implements the worker of a validator.
//
// A validator takes part in a round-robin BFT protocol: at each height the
// primary, (height+round) mod n, builds a block and the others fetch it,
// sign it and exchange commit signatures until a quorum of 2f+1 is reached.
// The status model of the status package decides what to do next; this
// package does it.
//
// The work is split the way it is driven:
//
//	BlockManager          builds and commits blocks against the block database
//	RevoltTracker         votes against a primary that makes no progress
//	StatusSender          broadcasts our status
//	ValidatorSyncManager  dispatches inbound messages and acts on intents
//	Node                  runs the above from one goroutine, every tick
//
// Only the goroutine running Node.Run touches the status manager, the block
// manager and the block database. Diagnostics are published as snapshots.
//
// A node whose key is not in the validator set is a replica: it only runs the
// fast synchronizer until it is shut down.
package node
