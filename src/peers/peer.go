package peers

import (
	"github.com/mosaicnetworks/ebft/src/common"
)

// Peer is a validator as configured in peers.json.
type Peer struct {
	NetAddr   string
	PubKeyHex string
	Moniker   string
}

// NewPeer ...
func NewPeer(pubKeyHex, netAddr, moniker string) *Peer {
	return &Peer{
		PubKeyHex: pubKeyHex,
		NetAddr:   netAddr,
		Moniker:   moniker,
	}
}

// PubKeyBytes decodes the hex public key. Malformed keys decode to nil.
func (p *Peer) PubKeyBytes() []byte {
	pub, err := common.DecodeFromString(p.PubKeyHex)
	if err != nil {
		return nil
	}
	return pub
}

// PubKeyString returns the normalised (upper case, 0X prefixed) public key.
func (p *Peer) PubKeyString() string {
	return common.EncodeToString(p.PubKeyBytes())
}
