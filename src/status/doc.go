// Package status holds the consensus status model: the status every validator
// advertises, the intent derived from them and the StatusManager that keeps
// the local status consistent with what peers report.
//
// A validator moves through three states at each height. In WaitBlock it
// waits for the primary (validator (height+round) mod n) to propose a block,
// or builds it when it is the primary itself. Once it holds and has signed a
// block it is in HaveBlock. When a quorum of validators are known to hold the
// same block it becomes Prepared, and it commits as soon as a quorum of commit
// signatures is collected.
//
// A StatusManager is not safe for concurrent use: it is owned by the node's
// worker goroutine.
package status
