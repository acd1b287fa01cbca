package node

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/fastsync"
	"github.com/mosaicnetworks/ebft/src/message"
	"github.com/mosaicnetworks/ebft/src/net"
	"github.com/mosaicnetworks/ebft/src/status"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

const (
	maxIntentBackoffFactor  = 30
	intentBackoffMultiplier = 1.1
)

// Snapshot is what the diagnostics service shows of a validator.
type Snapshot struct {
	status.Snapshot
	Height      int64 `json:"height"`
	FastSyncing bool  `json:"fast_syncing"`
}

// ValidatorSyncManager is the validator's dispatch loop. Update must only be
// called from the worker goroutine; Snapshot may be called from anywhere.
type ValidatorSyncManager struct {
	conf           *Config
	myIndex        int
	validatorCount int

	sm           *status.StatusManager
	bm           *BlockManager
	db           blockdb.BlockDatabase
	comm         net.CommunicationManager
	messaging    *fastsync.Messaging
	synchronizer *fastsync.FastSynchronizer
	revolt       *RevoltTracker
	statusSender *StatusSender
	submitTx     func(tx []byte)

	clock common.Clock
	rand  *rand.Rand

	processingIntent status.BlockIntent
	intentDeadline   int64
	intentDelay      int64

	useFastSync   bool
	lastStatusLog int64

	snapshotLock sync.RWMutex
	snapshot     Snapshot
	fastSyncing  bool

	messages  metrics.Counter
	requests  metrics.Counter
	revolts   metrics.Counter
	fastSyncs metrics.Counter
	height    metrics.Gauge

	logger *logrus.Entry
}

// NewValidatorSyncManager ...
func NewValidatorSyncManager(conf *Config,
	myIndex int,
	validatorCount int,
	sm *status.StatusManager,
	bm *BlockManager,
	db blockdb.BlockDatabase,
	comm net.CommunicationManager,
	synchronizer *fastsync.FastSynchronizer,
	submitTx func(tx []byte),
	logger *logrus.Entry) *ValidatorSyncManager {

	registry := conf.Registry
	if registry == nil {
		registry = metrics.NewRegistry()
	}

	logger = logger.WithField("component", "sync_manager")

	s := &ValidatorSyncManager{
		conf:             conf,
		myIndex:          myIndex,
		validatorCount:   validatorCount,
		sm:               sm,
		bm:               bm,
		db:               db,
		comm:             comm,
		messaging:        fastsync.NewMessaging(db, comm, logger),
		synchronizer:     synchronizer,
		revolt:           NewRevoltTracker(conf.RevoltTimeout, sm, conf.Clock),
		statusSender:     NewStatusSender(conf.StatusInterval, sm, comm, conf.Clock),
		submitTx:         submitTx,
		clock:            conf.Clock,
		rand:             rand.New(rand.NewSource(time.Now().UnixNano())),
		processingIntent: status.DoNothingIntent{},
		useFastSync:      true,
		lastStatusLog:    conf.Clock.Now(),
		messages:         metrics.GetOrRegisterCounter("sync.messages", registry),
		requests:         metrics.GetOrRegisterCounter("sync.requests", registry),
		revolts:          metrics.GetOrRegisterCounter("sync.revolts", registry),
		fastSyncs:        metrics.GetOrRegisterCounter("sync.fastsyncs", registry),
		height:           metrics.GetOrRegisterGauge("sync.height", registry),
		logger:           logger,
	}
	s.publishSnapshot()
	return s
}

// Snapshot returns the diagnostics published by the last Update.
func (s *ValidatorSyncManager) Snapshot() Snapshot {
	s.snapshotLock.RLock()
	defer s.snapshotLock.RUnlock()
	return s.snapshot
}

// IsFastSyncing ...
func (s *ValidatorSyncManager) IsFastSyncing() bool {
	s.snapshotLock.RLock()
	defer s.snapshotLock.RUnlock()
	return s.fastSyncing
}

func (s *ValidatorSyncManager) setFastSyncing(b bool) {
	s.snapshotLock.Lock()
	s.fastSyncing = b
	s.snapshot.FastSyncing = b
	s.snapshotLock.Unlock()
}

func (s *ValidatorSyncManager) publishSnapshot() {
	snap := Snapshot{
		Snapshot: s.sm.Snapshot(),
		Height:   s.db.BestHeight(),
	}
	s.height.Update(snap.Height)

	s.snapshotLock.Lock()
	snap.FastSyncing = s.fastSyncing
	s.snapshot = snap
	s.snapshotLock.Unlock()
}

// Update runs one iteration of the dispatch loop. In fast-sync mode it blocks
// until the synchronizer is done or ctx is cancelled.
//
// A ProgrammerMistake raised by a message is logged and the message dropped.
// One raised by the block manager or the intent is returned, but only once
// the revolt tracker and the status sender have had their turn.
func (s *ValidatorSyncManager) Update(ctx context.Context) error {
	if s.useFastSync {
		return s.fastSync(ctx)
	}

	s.dispatchMessages()

	intent, err := s.bm.Update()
	if err == nil {
		err = s.processIntent(intent)
	}

	if s.revolt.Update() {
		s.revolts.Inc(1)
		s.logger.WithFields(logrus.Fields{
			"height":  s.sm.MyStatus().Height,
			"round":   s.sm.MyStatus().Round,
			"primary": s.sm.PrimaryIndex(),
		}).Info("Revolting against primary")
	}

	s.statusSender.Update()
	s.publishSnapshot()
	s.logStatus()
	return err
}

func (s *ValidatorSyncManager) fastSync(ctx context.Context) error {
	s.setFastSyncing(true)
	s.fastSyncs.Inc(1)

	for i, ns := range s.sm.NodeStatuses() {
		if i == s.myIndex || ns.Serial == 0 {
			continue
		}
		s.synchronizer.SetNodeHeight(i, ns.Height-1)
	}

	err := s.synchronizer.SyncUntilResponsiveNodesDrained(ctx)

	s.useFastSync = false
	s.setFastSyncing(false)

	best := s.db.BestHeight()
	s.bm.ResetCurrentBlock()
	s.sm.FastForwardHeight(best)
	s.processingIntent = status.DoNothingIntent{}
	s.publishSnapshot()

	s.logger.WithField("height", best).Info("Fast sync done")

	return err
}

// dispatchMessages handles everything currently queued without blocking.
func (s *ValidatorSyncManager) dispatchMessages() {
	for {
		select {
		case in := <-s.comm.Inbound():
			s.messages.Inc(1)
			if err := s.handleMessage(in); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"from": in.From,
					"type": in.Message.Type(),
				}).Error("Dropping message")
			}
			if s.useFastSync {
				return
			}
		default:
			return
		}
	}
}

func (s *ValidatorSyncManager) handleMessage(in net.Inbound) error {
	if in.From == net.NonValidator {
		switch m := in.Message.(type) {
		case *message.GetBlockAtHeight:
			s.messaging.SendBlockAtHeight(in, m.Height)
		case *message.GetBlockHeaderAndBlock:
			s.sendBlockHeaderAndBlock(in, m.Height)
		default:
			s.logger.WithFields(logrus.Fields{
				"addr": in.Addr,
				"type": in.Message.Type(),
			}).Debug("Dropping message from non-validator")
		}
		return nil
	}

	switch m := in.Message.(type) {
	case *message.GetBlockAtHeight:
		s.messaging.SendBlockAtHeight(in, m.Height)
	case *message.GetBlockHeaderAndBlock:
		s.sendBlockHeaderAndBlock(in, m.Height)
	case *message.Status:
		s.onStatus(in.From, m)
	case *message.BlockSignature:
		s.onBlockSignature(in, m)
	case *message.CompleteBlock:
		s.onCompleteBlock(in.From, m)
	case *message.UnfinishedBlock:
		s.bm.OnReceivedUnfinishedBlock(&block.Data{
			Header:       m.Header,
			Transactions: m.Transactions,
		})
	case *message.GetUnfinishedBlock:
		cur := s.bm.CurrentBlock()
		if cur != nil && bytes.Equal(cur.RID(), m.BlockRID) {
			s.comm.Reply(in, cur.ToMessage())
		}
	case *message.GetBlockSignature:
		return s.onGetBlockSignature(in, m)
	case *message.Transaction:
		s.submitTx(m.Data)
	case *message.BlockHeader:
		// late answer to a fast sync request
	default:
		return NewProgrammerMistake("unhandled message %s from %d", in.Message.Type(), in.From)
	}
	return nil
}

func (s *ValidatorSyncManager) sendBlockHeaderAndBlock(in net.Inbound, height int64) {
	s.messaging.SendBlockHeaderAndBlock(in, height, s.db.BestHeight())

	// a peer asking for the height we work on also gets our unfinished block
	cur := s.bm.CurrentBlock()
	if cur != nil && height == s.sm.MyStatus().Height {
		s.comm.Reply(in, cur.ToMessage())
	}
}

func (s *ValidatorSyncManager) onStatus(from int, m *message.Status) {
	ns, err := status.FromMessage(m)
	if err != nil {
		s.logger.WithError(err).WithField("from", from).Debug("Dropping bad status")
		return
	}
	if !s.sm.OnStatusUpdate(from, ns) {
		return
	}

	myHeight := s.sm.MyStatus().Height
	if ns.Height-myHeight >= fastsync.BlockHeightAheadCount {
		s.logger.WithFields(logrus.Fields{
			"from":        from,
			"peer_height": ns.Height,
			"my_height":   myHeight,
		}).Info("Falling behind, switching to fast sync")
		s.useFastSync = true
	}
}

func (s *ValidatorSyncManager) onBlockSignature(in net.Inbound, m *message.BlockSignature) {
	my := s.sm.MyStatus()
	sig := keys.Signature{Subject: m.Sig.SubjectID, Data: m.Sig.Data}

	logger := s.logger.WithFields(logrus.Fields{
		"from": in.From,
		"rid":  common.ShortHex(m.BlockRID, 8),
	})

	if my.BlockRID == nil || !bytes.Equal(m.BlockRID, my.BlockRID) {
		logger.Debug("Signature for another block")
		return
	}
	if !bytes.Equal(sig.Subject, in.PubKey) {
		logger.Debug("Signature subject is not the sender")
		return
	}
	if !s.db.VerifyBlockSignature(sig) {
		logger.Debug("Invalid block signature")
		return
	}
	s.sm.OnCommitSignature(in.From, m.BlockRID, sig)
}

func (s *ValidatorSyncManager) onCompleteBlock(from int, m *message.CompleteBlock) {
	err := s.bm.OnReceivedBlockAtHeight(block.FromCompleteBlock(m), m.Height)
	if err == nil {
		return
	}
	s.logger.WithError(err).WithFields(logrus.Fields{
		"from":   from,
		"height": m.Height,
	}).Warn("Failed to add block")

	s.bm.ResetCurrentBlock()
	s.sm.FastForwardHeight(s.db.BestHeight())
}

func (s *ValidatorSyncManager) onGetBlockSignature(in net.Inbound, m *message.GetBlockSignature) error {
	var sig keys.Signature

	cur := s.bm.CurrentBlock()
	mine, ok := s.sm.GetCommitSignature()
	if cur != nil && ok && bytes.Equal(cur.RID(), m.BlockRID) {
		if my := s.sm.MyStatus(); !bytes.Equal(cur.RID(), my.BlockRID) {
			return NewProgrammerMistake("current block %s is not the status block %s",
				common.ShortHex(cur.RID(), 8), common.ShortHex(my.BlockRID, 8))
		}
		sig = mine
	} else {
		var err error
		sig, err = s.db.GetBlockSignature(m.BlockRID)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"from": in.From,
				"rid":  common.ShortHex(m.BlockRID, 8),
			}).Debug("No signature for block")
			return nil
		}
	}

	s.comm.Reply(in, &message.BlockSignature{
		BlockRID: m.BlockRID,
		Sig: message.Signature{
			SubjectID: sig.Subject,
			Data:      sig.Data,
		},
	})
	return nil
}

// processIntent acts on a network intent. A new intent is acted on at once;
// the same intent is re-issued with a growing delay.
func (s *ValidatorSyncManager) processIntent(intent status.BlockIntent) error {
	now := s.clock.Now()

	if status.IntentsEqual(intent, s.processingIntent) {
		if now < s.intentDeadline {
			return nil
		}
		delay := int64(float64(s.intentDelay) * intentBackoffMultiplier)
		if limit := s.conf.IntentBackoff * maxIntentBackoffFactor; delay > limit {
			delay = limit
		}
		s.intentDelay = delay
	} else {
		s.processingIntent = intent
		s.intentDelay = s.conf.IntentBackoff
	}
	s.intentDeadline = now + s.intentDelay

	switch i := intent.(type) {
	case status.DoNothingIntent:
	case status.FetchBlockAtHeightIntent:
		// a fast sync burst is about to take over
		if s.useFastSync {
			return nil
		}
		s.fetchBlockAtHeight(i.Height)
	case status.FetchCommitSignatureIntent:
		for _, n := range i.Nodes {
			s.requests.Inc(1)
			s.comm.SendTo(n, &message.GetBlockSignature{BlockRID: i.BlockRID})
		}
	case status.FetchUnfinishedBlockIntent:
		s.fetchUnfinishedBlock(i.BlockRID)
	default:
		return NewProgrammerMistake("unexpected intent %s", intent.String())
	}
	return nil
}

func (s *ValidatorSyncManager) fetchBlockAtHeight(height int64) {
	candidates := []int{}
	for i, ns := range s.sm.NodeStatuses() {
		if i != s.myIndex && ns.Height > height {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return
	}
	peer := candidates[s.rand.Intn(len(candidates))]
	s.requests.Inc(1)
	s.comm.SendTo(peer, &message.GetBlockAtHeight{Height: height})
}

func (s *ValidatorSyncManager) fetchUnfinishedBlock(rid []byte) {
	my := s.sm.MyStatus()
	candidates := []int{}
	for i, ns := range s.sm.NodeStatuses() {
		if i == s.myIndex || ns.Height != my.Height {
			continue
		}
		if ns.BlockRID != nil && bytes.Equal(ns.BlockRID, rid) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return
	}
	peer := candidates[s.rand.Intn(len(candidates))]
	s.requests.Inc(1)
	s.comm.SendTo(peer, &message.GetUnfinishedBlock{BlockRID: rid})
}

func (s *ValidatorSyncManager) logStatus() {
	now := s.clock.Now()
	if now-s.lastStatusLog < s.conf.StatusLogInterval {
		return
	}
	s.lastStatusLog = now

	my := s.sm.MyStatus()
	heights := make([]int64, s.validatorCount)
	for i, ns := range s.sm.NodeStatuses() {
		heights[i] = ns.Height
	}

	s.logger.WithFields(logrus.Fields{
		"height":       my.Height,
		"round":        my.Round,
		"state":        my.State.String(),
		"revolting":    my.Revolting,
		"primary":      s.sm.PrimaryIndex(),
		"intent":       s.sm.Intent().String(),
		"peer_heights": heights,
	}).Info("Status")
}

// NeedsFastSync reports whether the next Update runs the synchronizer.
func (s *ValidatorSyncManager) NeedsFastSync() bool {
	return s.useFastSync
}
