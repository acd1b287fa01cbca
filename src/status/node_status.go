package status

import (
	"fmt"

	"github.com/mosaicnetworks/ebft/src/message"
)

// NodeState is the phase of a validator at its current height. The ordinal is
// sent on the wire.
type NodeState int64

const (
	// WaitBlock means no block is held at the current height.
	WaitBlock NodeState = iota
	// HaveBlock means a block was built or received and signed.
	HaveBlock
	// Prepared means a quorum is known to hold the same block.
	Prepared
)

// String ...
func (s NodeState) String() string {
	switch s {
	case WaitBlock:
		return "WaitBlock"
	case HaveBlock:
		return "HaveBlock"
	case Prepared:
		return "Prepared"
	default:
		return fmt.Sprintf("NodeState(%d)", int64(s))
	}
}

// NodeStateFromOrdinal converts a wire ordinal.
func NodeStateFromOrdinal(o int64) (NodeState, error) {
	s := NodeState(o)
	switch s {
	case WaitBlock, HaveBlock, Prepared:
		return s, nil
	}
	return 0, fmt.Errorf("unknown node state %d", o)
}

// NodeStatus is the status a validator advertises.
type NodeStatus struct {
	Height    int64     `json:"height"`
	Serial    int64     `json:"serial"`
	State     NodeState `json:"state"`
	Round     int64     `json:"round"`
	Revolting bool      `json:"revolting"`
	BlockRID  []byte    `json:"block_rid"`
}

// Copy returns a deep copy.
func (s NodeStatus) Copy() NodeStatus {
	c := s
	if s.BlockRID != nil {
		c.BlockRID = append([]byte(nil), s.BlockRID...)
	}
	return c
}

// ToMessage converts the status to its wire form.
func (s NodeStatus) ToMessage() *message.Status {
	return &message.Status{
		BlockRID:  s.BlockRID,
		Height:    s.Height,
		Revolting: s.Revolting,
		Round:     s.Round,
		Serial:    s.Serial,
		State:     int64(s.State),
	}
}

// FromMessage converts a wire Status.
func FromMessage(m *message.Status) (NodeStatus, error) {
	state, err := NodeStateFromOrdinal(m.State)
	if err != nil {
		return NodeStatus{}, err
	}
	return NodeStatus{
		Height:    m.Height,
		Serial:    m.Serial,
		State:     state,
		Round:     m.Round,
		Revolting: m.Revolting,
		BlockRID:  m.BlockRID,
	}, nil
}
