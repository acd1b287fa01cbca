package fastsync

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// PeerState is what we currently know about a peer as a sync source.
type PeerState int

const (
	// Syncable peers may be asked for blocks.
	Syncable PeerState = iota
	// Blacklisted peers sent bad data or timed out too often.
	Blacklisted
	// Unresponsive peers did not answer in time.
	Unresponsive
	// Drained peers told us their tip. They are only asked for heights up to
	// that tip.
	Drained
)

func (s PeerState) String() string {
	switch s {
	case Syncable:
		return "Syncable"
	case Blacklisted:
		return "Blacklisted"
	case Unresponsive:
		return "Unresponsive"
	case Drained:
		return "Drained"
	default:
		return "Unknown"
	}
}

/*
KnownState keeps notes on a single peer.

A Drained or Unresponsive peer is resurrected to Syncable after
ResurrectDrainedTime and ResurrectUnresponsiveTime respectively. A Drained peer
also becomes Syncable again when it shows, through a header or a Status, that
it has blocks above its drained height.

Every Blacklist call is a strike. The strike that reaches
MaxErrorsBeforeBlacklisting blacklists the peer until BlacklistingTimeout has
passed, after which the strike counter starts from zero again.
*/
type KnownState struct {
	params Parameters

	state            PeerState
	unresponsiveTime int64
	drainedTime      int64
	drainedHeight    int64
	errorCount       int
	timeOfLastError  int64
}

// NewKnownState returns the state of a peer we know nothing bad about.
func NewKnownState(params Parameters) *KnownState {
	return &KnownState{
		params:        params,
		state:         Syncable,
		drainedHeight: -1,
	}
}

// State returns the current state without releasing expired blacklistings.
func (k *KnownState) State() PeerState {
	return k.state
}

// ErrorCount returns the number of strikes since the last release.
func (k *KnownState) ErrorCount() int {
	return k.errorCount
}

// IsBlacklisted reports whether the peer is blacklisted at now. A blacklisting
// older than BlacklistingTimeout is lifted and the strikes forgotten.
func (k *KnownState) IsBlacklisted(now int64) bool {
	if k.state == Blacklisted && now > k.timeOfLastError+k.params.BlacklistingTimeout {
		k.state = Syncable
		k.timeOfLastError = 0
		k.errorCount = 0
	}

	return k.state == Blacklisted
}

// IsUnresponsive ...
func (k *KnownState) IsUnresponsive() bool {
	return k.state == Unresponsive
}

// IsSyncable reports whether the peer may be asked for height h.
func (k *KnownState) IsSyncable(h int64) bool {
	return k.state == Syncable || (k.state == Drained && k.drainedHeight >= h)
}

// Drained records that the peer's tip is height.
func (k *KnownState) Drained(height int64, now int64) {
	k.state = Drained
	k.drainedTime = now
	if height > k.drainedHeight {
		k.drainedHeight = height
	}
}

// HeaderReceived records a valid header at height from the peer.
func (k *KnownState) HeaderReceived(height int64) {
	if k.state == Drained && height > k.drainedHeight {
		k.state = Syncable
	}
}

// StatusReceived records that the peer committed height. Unresponsive peers
// are not resurrected by a Status.
func (k *KnownState) StatusReceived(height int64) {
	if k.state == Drained && height > k.drainedHeight {
		k.state = Syncable
	}
}

// Unresponsive marks the peer unresponsive as of now.
func (k *KnownState) Unresponsive(now int64) bool {
	if k.state != Unresponsive {
		k.state = Unresponsive
		k.unresponsiveTime = now
		return true
	}
	return false
}

// Blacklist adds a strike and reports whether it blacklisted the peer.
func (k *KnownState) Blacklist(now int64) bool {
	if k.state == Blacklisted {
		return false
	}

	k.errorCount++
	k.timeOfLastError = now

	if k.errorCount >= k.params.MaxErrorsBeforeBlacklisting {
		k.state = Blacklisted
		return true
	}

	return false
}

// Resurrect gives drained and unresponsive peers a new chance once their
// resurrection time has passed.
func (k *KnownState) Resurrect(now int64) {
	if k.state == Drained && k.drainedTime+k.params.ResurrectDrainedTime < now ||
		k.state == Unresponsive && k.unresponsiveTime+k.params.ResurrectUnresponsiveTime < now {
		k.state = Syncable
	}
}

// PeerStatuses tracks the KnownState of every peer, keyed by validator index.
// It is not safe for concurrent use.
type PeerStatuses struct {
	params   Parameters
	statuses map[int]*KnownState
	logger   *logrus.Entry
}

// NewPeerStatuses ...
func NewPeerStatuses(params Parameters, logger *logrus.Entry) *PeerStatuses {
	return &PeerStatuses{
		params:   params,
		statuses: make(map[int]*KnownState),
		logger:   logger,
	}
}

func (ps *PeerStatuses) stateOf(peer int) *KnownState {
	s, ok := ps.statuses[peer]
	if !ok {
		s = NewKnownState(ps.params)
		ps.statuses[peer] = s
	}
	return s
}

// AddPeer starts tracking peer. It does nothing if the peer is known.
func (ps *PeerStatuses) AddPeer(peer int) {
	ps.stateOf(peer)
}

// Get returns the notes on peer, creating them if needed.
func (ps *PeerStatuses) Get(peer int) *KnownState {
	return ps.stateOf(peer)
}

func (ps *PeerStatuses) resurrect(now int64) {
	for _, s := range ps.statuses {
		s.Resurrect(now)
	}
}

// ExcludedNonSyncable returns the peers that must not be asked for height.
func (ps *PeerStatuses) ExcludedNonSyncable(height int64, now int64) []int {
	ps.resurrect(now)

	res := []int{}
	for peer, s := range ps.statuses {
		if s.IsBlacklisted(now) || !s.IsSyncable(height) {
			res = append(res, peer)
		}
	}
	sort.Ints(res)

	return res
}

// GetSyncable returns the known peers that may be asked for height.
func (ps *PeerStatuses) GetSyncable(height int64, now int64) []int {
	ps.resurrect(now)

	res := []int{}
	for peer, s := range ps.statuses {
		if !s.IsBlacklisted(now) && s.IsSyncable(height) {
			res = append(res, peer)
		}
	}
	sort.Ints(res)

	return res
}

// IsSyncable is GetSyncable for one peer. Unknown peers are syncable.
func (ps *PeerStatuses) IsSyncable(peer int, height int64, now int64) bool {
	s := ps.stateOf(peer)
	s.Resurrect(now)
	return !s.IsBlacklisted(now) && s.IsSyncable(height)
}

// IsBlacklisted ...
func (ps *PeerStatuses) IsBlacklisted(peer int, now int64) bool {
	return ps.stateOf(peer).IsBlacklisted(now)
}

// Drained ...
func (ps *PeerStatuses) Drained(peer int, height int64, now int64) {
	s := ps.stateOf(peer)
	if s.IsBlacklisted(now) {
		return
	}
	s.Drained(height, now)
}

// HeaderReceived ...
func (ps *PeerStatuses) HeaderReceived(peer int, height int64, now int64) {
	s := ps.stateOf(peer)
	if s.IsBlacklisted(now) {
		return
	}
	s.HeaderReceived(height)
}

// StatusReceived ...
func (ps *PeerStatuses) StatusReceived(peer int, height int64, now int64) {
	s := ps.stateOf(peer)
	if s.IsBlacklisted(now) {
		return
	}
	s.StatusReceived(height)
}

// Unresponsive ...
func (ps *PeerStatuses) Unresponsive(peer int, now int64) {
	s := ps.stateOf(peer)
	if s.IsBlacklisted(now) {
		return
	}
	if s.Unresponsive(now) {
		ps.logger.WithField("peer", peer).Debug("Peer is unresponsive")
	}
}

// Blacklist adds a strike against peer and reports whether the peer got
// blacklisted by it.
func (ps *PeerStatuses) Blacklist(peer int, now int64) bool {
	s := ps.stateOf(peer)
	if s.Blacklist(now) {
		ps.logger.WithFields(logrus.Fields{
			"peer":   peer,
			"errors": s.ErrorCount(),
		}).Warn("Blacklisting peer")
		return true
	}
	return false
}

// Clear forgets every peer.
func (ps *PeerStatuses) Clear() {
	ps.statuses = make(map[int]*KnownState)
}

// Len returns the number of known peers.
func (ps *PeerStatuses) Len() int {
	return len(ps.statuses)
}
