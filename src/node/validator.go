package node

import (
	"crypto/ecdsa"

	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/peers"
)

//Validator struct holds the key and name a node signs with
type Validator struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	pubBytes []byte
	pubHex   string
}

//NewValidator is a factory method for a Validator
func NewValidator(key *ecdsa.PrivateKey, moniker string) *Validator {
	return &Validator{
		Key:     key,
		Moniker: moniker,
	}
}

//PublicKeyBytes returns the validator's public key as a byte array
func (v *Validator) PublicKeyBytes() []byte {
	if len(v.pubBytes) == 0 {
		v.pubBytes = keys.FromPublicKey(&v.Key.PublicKey)
	}
	return v.pubBytes
}

//PublicKeyHex returns the validator's public key as a hex string
func (v *Validator) PublicKeyHex() string {
	if len(v.pubHex) == 0 {
		v.pubHex = keys.PublicKeyHex(&v.Key.PublicKey)
	}
	return v.pubHex
}

//Index returns the position of the validator in the peer-set, or -1 if it is
//not part of it.
func (v *Validator) Index(ps *peers.PeerSet) int {
	return ps.IndexOfPubKey(v.PublicKeyBytes())
}
