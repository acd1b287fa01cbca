package node

import (
	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/net"
	"github.com/mosaicnetworks/ebft/src/status"
)

// StatusSender broadcasts our status whenever it changes, and at least every
// interval milliseconds.
type StatusSender struct {
	sm       *status.StatusManager
	comm     net.CommunicationManager
	clock    common.Clock
	interval int64

	lastSerial   int64
	lastSentTime int64
	sent         bool
}

// NewStatusSender ...
func NewStatusSender(interval int64,
	sm *status.StatusManager,
	comm net.CommunicationManager,
	clock common.Clock) *StatusSender {

	return &StatusSender{
		sm:       sm,
		comm:     comm,
		clock:    clock,
		interval: interval,
	}
}

// Update sends our status if due. It returns true if it sent something.
func (s *StatusSender) Update() bool {
	now := s.clock.Now()
	my := s.sm.MyStatus()

	if s.sent && my.Serial <= s.lastSerial && now-s.lastSentTime <= s.interval {
		return false
	}

	s.comm.Broadcast(my.ToMessage())
	s.sent = true
	s.lastSerial = my.Serial
	s.lastSentTime = now
	return true
}
