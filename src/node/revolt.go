package node

import (
	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/status"
)

// RevoltTracker starts a revolt against the primary when neither the height
// nor the round moved for timeout milliseconds.
type RevoltTracker struct {
	sm      *status.StatusManager
	clock   common.Clock
	timeout int64

	deadline   int64
	prevHeight int64
	prevRound  int64
}

// NewRevoltTracker ...
func NewRevoltTracker(timeout int64, sm *status.StatusManager, clock common.Clock) *RevoltTracker {
	my := sm.MyStatus()
	return &RevoltTracker{
		sm:         sm,
		clock:      clock,
		timeout:    timeout,
		deadline:   clock.Now() + timeout,
		prevHeight: my.Height,
		prevRound:  my.Round,
	}
}

// Update resets the deadline on progress and revolts once it has passed. It
// returns true when it started a revolt.
func (rt *RevoltTracker) Update() bool {
	now := rt.clock.Now()
	my := rt.sm.MyStatus()

	if my.Height > rt.prevHeight || (my.Height == rt.prevHeight && my.Round > rt.prevRound) {
		rt.prevHeight = my.Height
		rt.prevRound = my.Round
		rt.deadline = now + rt.timeout
		return false
	}

	if now > rt.deadline && !my.Revolting {
		rt.sm.OnStartRevolting()
		return true
	}
	return false
}
