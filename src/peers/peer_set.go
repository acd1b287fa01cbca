package peers

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/crypto"
)

// PeerSet is the ordered list of validators of a chain.
type PeerSet struct {
	Peers    []*Peer          `json:"peers"`
	ByPubKey map[string]*Peer `json:"-"`

	index map[string]int

	//cached values
	hash []byte
	hex  string
}

// NewPeerSet creates a new PeerSet from a list of Peers. The order of the list
// defines the validator indexes.
func NewPeerSet(peers []*Peer) *PeerSet {
	peerSet := &PeerSet{
		Peers:    peers,
		ByPubKey: make(map[string]*Peer),
		index:    make(map[string]int),
	}

	for i, peer := range peers {
		key := peer.PubKeyString()
		peerSet.ByPubKey[key] = peer
		peerSet.index[key] = i
	}

	return peerSet
}

// NewPeerSetFromPeerSliceBytes creates a new PeerSet from a JSON list of peers.
func NewPeerSetFromPeerSliceBytes(peerSliceBytes []byte) (*PeerSet, error) {
	peers := []*Peer{}

	dec := json.NewDecoder(bytes.NewBuffer(peerSliceBytes))
	if err := dec.Decode(&peers); err != nil {
		return nil, err
	}

	return NewPeerSet(peers), nil
}

// Len returns the number of validators.
func (peerSet *PeerSet) Len() int {
	return len(peerSet.Peers)
}

// IndexOfPubKey returns the validator index of a public key, or -1 when the
// key does not belong to the set.
func (peerSet *PeerSet) IndexOfPubKey(pub []byte) int {
	if i, ok := peerSet.index[common.EncodeToString(pub)]; ok {
		return i
	}
	return -1
}

// Peer returns the validator at index i.
func (peerSet *PeerSet) Peer(i int) (*Peer, error) {
	if i < 0 || i >= len(peerSet.Peers) {
		return nil, fmt.Errorf("validator index %d out of range [0, %d)", i, len(peerSet.Peers))
	}
	return peerSet.Peers[i], nil
}

// PubKeys returns the raw public keys in validator order.
func (peerSet *PeerSet) PubKeys() [][]byte {
	res := make([][]byte, 0, len(peerSet.Peers))
	for _, peer := range peerSet.Peers {
		res = append(res, peer.PubKeyBytes())
	}
	return res
}

// Hash uniquely identifies a PeerSet. It is computed by hashing (SHA256) their
// public keys together, one by one.
func (peerSet *PeerSet) Hash() []byte {
	if len(peerSet.hash) == 0 {
		hash := []byte{}
		for _, p := range peerSet.Peers {
			hash = crypto.SimpleHashFromTwoHashes(hash, p.PubKeyBytes())
		}
		peerSet.hash = hash
	}
	return peerSet.hash
}

// Hex is the hexadecimal representation of Hash
func (peerSet *PeerSet) Hex() string {
	if len(peerSet.hex) == 0 {
		peerSet.hex = common.EncodeToString(peerSet.Hash())
	}
	return peerSet.hex
}

// Marshal marshals the list of peers to JSON.
func (peerSet *PeerSet) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(peerSet.Peers); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Quorum returns the number of signatures needed to finalise a block: 2f+1
// where f = (n-1)/3 is the number of faulty validators tolerated.
func (peerSet *PeerSet) Quorum() int {
	return Quorum(peerSet.Len())
}

// Quorum computes the BFT signature threshold for n validators.
func Quorum(n int) int {
	if n <= 1 {
		return 1
	}
	maxFailed := (n - 1) / 3
	return 2*maxFailed + 1
}
