// Package block defines blocks, their headers and the multi-signature witness
// that finalises them.
//
// A block is identified by its RID, the SHA256 of its encoded header. A header
// links to the RID of the previous block (or to the blockchain RID for the
// first block), carries the height, a timestamp and the Merkle root of the
// transactions. Once a quorum of validators have signed the RID, the
// signatures form the witness and the block can be committed.
package block
