// Package keys implements the public key cryptography used by validators.
//
// Every validator owns a secp256k1 key-pair. The private key signs block RIDs
// (commit signatures) and outgoing wire envelopes; the public key, in its
// uncompressed form, is the validator's subject ID. Signatures travel as
// Signature{Subject, Data} where Data is the "r|s" base-36 text produced by
// EncodeSignature.
package keys
