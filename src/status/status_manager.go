package status

import (
	"bytes"

	"github.com/bits-and-blooms/bitset"
	cm "github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/peers"
	"github.com/sirupsen/logrus"
)

const (
	// serialEpoch is subtracted from the clock to seed the local serial, so
	// that statuses sent after a restart are still considered fresh.
	serialEpoch = 1518000000000

	maxRecomputeIterations = 1000
)

type flow int

const (
	runOn flow = iota
	again
	stop
)

// StatusManager tracks the status of every validator and derives the local
// intent from them.
type StatusManager struct {
	nodeCount int
	myIndex   int
	quorum    int

	nodeStatuses     []NodeStatus
	commitSignatures []keys.Signature
	signed           *bitset.BitSet
	intent           BlockIntent

	logger *logrus.Entry
}

// NewStatusManager returns a StatusManager for validator myIndex among
// nodeCount, starting at myNextHeight.
func NewStatusManager(nodeCount, myIndex int, myNextHeight int64, clock cm.Clock, logger *logrus.Entry) *StatusManager {
	sm := &StatusManager{
		nodeCount:        nodeCount,
		myIndex:          myIndex,
		quorum:           peers.Quorum(nodeCount),
		nodeStatuses:     make([]NodeStatus, nodeCount),
		commitSignatures: make([]keys.Signature, nodeCount),
		signed:           bitset.New(uint(nodeCount)),
		intent:           DoNothingIntent{},
		logger:           logger,
	}
	my := sm.my()
	my.Height = myNextHeight
	my.Serial = clock.Now() - serialEpoch
	return sm
}

func (sm *StatusManager) my() *NodeStatus {
	return &sm.nodeStatuses[sm.myIndex]
}

// MyIndex ...
func (sm *StatusManager) MyIndex() int {
	return sm.myIndex
}

// NodeCount ...
func (sm *StatusManager) NodeCount() int {
	return sm.nodeCount
}

// Quorum returns the number of validators needed to prepare or commit.
func (sm *StatusManager) Quorum() int {
	return sm.quorum
}

// MyStatus returns a copy of the local status.
func (sm *StatusManager) MyStatus() NodeStatus {
	return sm.my().Copy()
}

// NodeStatus returns a copy of the status of validator i.
func (sm *StatusManager) NodeStatus(i int) NodeStatus {
	return sm.nodeStatuses[i].Copy()
}

// NodeStatuses returns a copy of every validator's status.
func (sm *StatusManager) NodeStatuses() []NodeStatus {
	res := make([]NodeStatus, len(sm.nodeStatuses))
	for i, s := range sm.nodeStatuses {
		res[i] = s.Copy()
	}
	return res
}

// Intent returns the current intent.
func (sm *StatusManager) Intent() BlockIntent {
	return sm.intent
}

// SetIntent replaces the current intent. It is used by the block manager once
// it has acted on an internal intent.
func (sm *StatusManager) SetIntent(i BlockIntent) {
	sm.intent = i
}

// CommitSignatures returns the collected commit signatures, indexed by
// validator. Missing signatures are zero.
func (sm *StatusManager) CommitSignatures() []keys.Signature {
	res := make([]keys.Signature, len(sm.commitSignatures))
	copy(res, sm.commitSignatures)
	return res
}

// PrimaryIndex returns the validator expected to build the block at the
// current height and round.
func (sm *StatusManager) PrimaryIndex() int {
	my := sm.my()
	return int((my.Height + my.Round) % int64(sm.nodeCount))
}

// IsMyNodePrimary ...
func (sm *StatusManager) IsMyNodePrimary() bool {
	return sm.PrimaryIndex() == sm.myIndex
}

// OnStatusUpdate records the status of validator idx if its serial is newer
// than the one we hold.
func (sm *StatusManager) OnStatusUpdate(idx int, status NodeStatus) bool {
	if idx < 0 || idx >= sm.nodeCount || idx == sm.myIndex {
		return false
	}
	if status.Serial <= sm.nodeStatuses[idx].Serial {
		return false
	}
	sm.nodeStatuses[idx] = status.Copy()
	sm.RecomputeStatus()
	return true
}

func (sm *StatusManager) resetCommitSignatures() {
	for i := range sm.commitSignatures {
		sm.commitSignatures[i] = keys.Signature{}
	}
	sm.signed.ClearAll()
}

func (sm *StatusManager) setCommitSignature(i int, sig keys.Signature) {
	sm.commitSignatures[i] = sig
	sm.signed.Set(uint(i))
}

func (sm *StatusManager) advanceHeight() {
	my := sm.my()
	my.Height++
	my.Serial++
	my.BlockRID = nil
	my.Round = 0
	my.Revolting = false
	my.State = WaitBlock
	sm.resetCommitSignatures()
	sm.intent = DoNothingIntent{}
	sm.RecomputeStatus()
}

// OnHeightAdvance moves to height, which must be the current height plus one.
func (sm *StatusManager) OnHeightAdvance(height int64) bool {
	if height != sm.my().Height+1 {
		sm.logger.WithFields(logrus.Fields{
			"my_height":  sm.my().Height,
			"new_height": height,
		}).Error("Height mismatch")
		return false
	}
	sm.advanceHeight()
	return true
}

// FastForwardHeight moves to committedHeight+1. It fails if we are already
// past that height.
func (sm *StatusManager) FastForwardHeight(committedHeight int64) bool {
	next := committedHeight + 1
	my := sm.my()
	if next < my.Height {
		sm.logger.WithFields(logrus.Fields{
			"my_height":  my.Height,
			"new_height": next,
		}).Error("Failed to fast forward: negative increment")
		return false
	}
	if next == my.Height {
		return true
	}
	sm.logger.WithFields(logrus.Fields{
		"from": my.Height,
		"to":   next,
	}).Debug("Fast forwarding height")
	my.Height = next - 1
	sm.advanceHeight()
	return true
}

// OnCommittedBlock advances the height once our block is committed.
func (sm *StatusManager) OnCommittedBlock(rid []byte) {
	if !bytes.Equal(rid, sm.my().BlockRID) {
		sm.logger.WithField("rid", cm.ShortHex(rid, 8)).Error("Committed block with wrong RID")
		return
	}
	sm.advanceHeight()
}

func (sm *StatusManager) acceptBlock(rid []byte, mySig keys.Signature) {
	sm.resetCommitSignatures()
	my := sm.my()
	my.BlockRID = rid
	my.Serial++
	my.State = HaveBlock
	sm.setCommitSignature(sm.myIndex, mySig)
	sm.intent = DoNothingIntent{}
	sm.RecomputeStatus()
}

// OnReceivedBlock adopts a block received from the primary. It is accepted
// only if it is the block we were fetching.
func (sm *StatusManager) OnReceivedBlock(rid []byte, mySig keys.Signature) bool {
	fetch, ok := sm.intent.(FetchUnfinishedBlockIntent)
	if !ok {
		sm.logger.WithField("intent", sm.intent.String()).Warn("Received block which is irrelevant")
		return false
	}
	if !bytes.Equal(fetch.BlockRID, rid) {
		sm.logger.WithFields(logrus.Fields{
			"need": cm.ShortHex(fetch.BlockRID, 8),
			"got":  cm.ShortHex(rid, 8),
		}).Warn("Received block which is irrelevant")
		return false
	}
	sm.acceptBlock(rid, mySig)
	return true
}

// OnBuiltBlock adopts a block we built as primary.
func (sm *StatusManager) OnBuiltBlock(rid []byte, mySig keys.Signature) bool {
	if _, ok := sm.intent.(BuildBlockIntent); !ok {
		sm.logger.Warn("Received built block while not requesting it")
		return false
	}
	if !sm.IsMyNodePrimary() {
		sm.logger.Warn("Inconsistent state: building a block while not primary")
		sm.intent = DoNothingIntent{}
		return false
	}
	sm.acceptBlock(rid, mySig)
	return true
}

// OnCommitSignature records a verified signature of our block by validator
// idx.
func (sm *StatusManager) OnCommitSignature(idx int, rid []byte, sig keys.Signature) bool {
	my := sm.my()
	if idx < 0 || idx >= sm.nodeCount {
		return false
	}
	if (my.State != HaveBlock && my.State != Prepared) || !bytes.Equal(rid, my.BlockRID) {
		sm.logger.WithFields(logrus.Fields{
			"from":  idx,
			"rid":   cm.ShortHex(rid, 8),
			"state": my.State.String(),
		}).Debug("Wrong commit signature")
		return false
	}
	sm.setCommitSignature(idx, sig)
	sm.RecomputeStatus()
	return true
}

// GetCommitSignature returns our own signature of the current block.
func (sm *StatusManager) GetCommitSignature() (keys.Signature, bool) {
	if !sm.signed.Test(uint(sm.myIndex)) {
		return keys.Signature{}, false
	}
	return sm.commitSignatures[sm.myIndex], true
}

// OnStartRevolting starts a vote to skip the current primary.
func (sm *StatusManager) OnStartRevolting() {
	my := sm.my()
	my.Revolting = true
	my.Serial++
	sm.RecomputeStatus()
}

// ResetBlock drops the current block, if any, and returns to WaitBlock.
func (sm *StatusManager) ResetBlock() {
	my := sm.my()
	if my.State == WaitBlock && my.BlockRID == nil {
		return
	}
	sm.resetBlock()
	sm.intent = DoNothingIntent{}
	sm.RecomputeStatus()
}

func (sm *StatusManager) resetBlock() {
	my := sm.my()
	my.State = WaitBlock
	my.BlockRID = nil
	my.Serial++
	sm.resetCommitSignatures()
}

// RecomputeStatus updates the local state and intent until they are stable.
func (sm *StatusManager) RecomputeStatus() {
	for i := 0; i < maxRecomputeIterations; i++ {
		if !sm.recomputeOnce() {
			return
		}
	}
	sm.logger.Warn("Status did not converge")
}

// recomputeOnce returns true if something changed.
func (sm *StatusManager) recomputeOnce() bool {
	my := sm.my()

	if my.State != Prepared {
		switch sm.potentiallySync() {
		case stop:
			return false
		case again:
			return true
		}
	}

	if my.Revolting {
		if sm.potentiallyRevolt() == again {
			return true
		}
	}

	switch my.State {
	case HaveBlock:
		return sm.handleHaveBlock()
	case Prepared:
		return sm.handlePrepared()
	default:
		return sm.handleWaitBlock()
	}
}

// potentiallySync fetches the block at our height when too few validators
// share it and some are ahead.
func (sm *StatusManager) potentiallySync() flow {
	my := sm.my()
	same, higher := 0, 0
	for _, ns := range sm.nodeStatuses {
		if ns.Height == my.Height {
			same++
		} else if ns.Height > my.Height {
			higher++
		}
	}
	if same >= sm.quorum || higher == 0 {
		return runOn
	}

	if fetch, ok := sm.intent.(FetchBlockAtHeightIntent); ok {
		if fetch.Height == my.Height {
			return stop
		}
		sm.intent = FetchBlockAtHeightIntent{Height: my.Height}
		return again
	}

	if my.State == HaveBlock {
		sm.logger.Warn("Resetting block in HaveBlock state")
		sm.resetBlock()
	}
	sm.intent = FetchBlockAtHeightIntent{Height: my.Height}
	return again
}

// potentiallyRevolt moves to the next round when a quorum at our height is
// revolting in our round or already in a higher one.
func (sm *StatusManager) potentiallyRevolt() flow {
	my := sm.my()
	highRound, revolting := 0, 0
	for _, ns := range sm.nodeStatuses {
		if ns.Height != my.Height {
			continue
		}
		if ns.Round == my.Round {
			if ns.Revolting {
				revolting++
			}
		} else if ns.Round > my.Round {
			highRound++
		}
	}
	if highRound+revolting < sm.quorum {
		return runOn
	}

	// a Prepared block is kept across rounds
	if my.State == HaveBlock {
		sm.resetBlock()
	}
	my.Revolting = false
	my.Round++
	my.Serial++
	return again
}

// holdsMyBlock reports whether validator i is known to hold our block, by
// status or by signature.
func (sm *StatusManager) holdsMyBlock(i int) bool {
	if sm.signed.Test(uint(i)) {
		return true
	}
	my := sm.my()
	ns := sm.nodeStatuses[i]
	return ns.Height == my.Height &&
		(ns.State == HaveBlock || ns.State == Prepared) &&
		ns.BlockRID != nil &&
		bytes.Equal(ns.BlockRID, my.BlockRID)
}

func (sm *StatusManager) handleHaveBlock() bool {
	count := 0
	for i := range sm.nodeStatuses {
		if sm.holdsMyBlock(i) {
			count++
		}
	}
	if count < sm.quorum {
		return false
	}
	my := sm.my()
	my.State = Prepared
	my.Serial++
	return true
}

func (sm *StatusManager) handlePrepared() bool {
	if _, ok := sm.intent.(CommitBlockIntent); ok {
		return false
	}
	if int(sm.signed.Count()) >= sm.quorum {
		sm.intent = CommitBlockIntent{}
		return true
	}

	my := sm.my()
	unfetched := []int{}
	for i, ns := range sm.nodeStatuses {
		if sm.signed.Test(uint(i)) {
			continue
		}
		if ns.Height > my.Height ||
			(ns.Height == my.Height && ns.State == Prepared && ns.BlockRID != nil && bytes.Equal(ns.BlockRID, my.BlockRID)) {
			unfetched = append(unfetched, i)
		}
	}
	return sm.setIntentIfChanged(func() BlockIntent {
		if len(unfetched) == 0 {
			return DoNothingIntent{}
		}
		return FetchCommitSignatureIntent{BlockRID: my.BlockRID, Nodes: unfetched}
	}())
}

func (sm *StatusManager) handleWaitBlock() bool {
	if sm.IsMyNodePrimary() {
		if _, ok := sm.intent.(BuildBlockIntent); ok {
			return false
		}
		sm.intent = BuildBlockIntent{}
		return true
	}

	primaryRID := sm.nodeStatuses[sm.PrimaryIndex()].BlockRID
	if primaryRID == nil {
		return sm.setIntentIfChanged(DoNothingIntent{})
	}
	return sm.setIntentIfChanged(FetchUnfinishedBlockIntent{BlockRID: primaryRID})
}

func (sm *StatusManager) setIntentIfChanged(i BlockIntent) bool {
	if IntentsEqual(sm.intent, i) {
		return false
	}
	sm.intent = i
	return true
}

// Snapshot is a copy of the consensus state for diagnostics.
type Snapshot struct {
	MyIndex      int          `json:"my_index"`
	PrimaryIndex int          `json:"primary_index"`
	Quorum       int          `json:"quorum"`
	MyStatus     NodeStatus   `json:"my_status"`
	NodeStatuses []NodeStatus `json:"node_statuses"`
	Intent       string       `json:"intent"`
	Signatures   int          `json:"signatures"`
}

// Snapshot returns a copy of the current state.
func (sm *StatusManager) Snapshot() Snapshot {
	return Snapshot{
		MyIndex:      sm.myIndex,
		PrimaryIndex: sm.PrimaryIndex(),
		Quorum:       sm.quorum,
		MyStatus:     sm.MyStatus(),
		NodeStatuses: sm.NodeStatuses(),
		Intent:       sm.intent.String(),
		Signatures:   int(sm.signed.Count()),
	}
}
