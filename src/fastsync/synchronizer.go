package fastsync

import (
	"bytes"
	"context"
	"math/rand"
	"time"

	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/message"
	"github.com/mosaicnetworks/ebft/src/net"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// stateLogInterval is how often a running synchronizer logs its progress.
const stateLogInterval int64 = 10000

// request is an outstanding GetBlockAtHeight, or a GetBlockHeaderAndBlock when
// withHeader is set.
type request struct {
	peer       int
	attempt    int
	sentAt     int64
	deadline   int64
	withHeader bool

	// header answering a withHeader request, waiting for its block
	header *message.BlockHeader
}

// FastSynchronizer downloads and commits blocks. It must be driven by a single
// goroutine.
type FastSynchronizer struct {
	params Parameters

	db    blockdb.BlockDatabase
	comm  net.CommunicationManager
	clock common.Clock
	rand  *rand.Rand

	validatorCount int
	myIndex        int

	peers     *PeerStatuses
	messaging *Messaging
	telemetry *Telemetry

	nextHeight   int64
	inFlight     map[int64]*request
	buffer       *blockBuffer
	nodeHeights  map[int]int64
	waitingSince map[int]int64

	lastProgress int64
	lastStateLog int64

	logger *logrus.Entry
}

// NewFastSynchronizer creates a synchronizer for a network of validatorCount
// validators. myIndex is our validator index, or net.NonValidator for a
// replica.
func NewFastSynchronizer(
	params Parameters,
	db blockdb.BlockDatabase,
	comm net.CommunicationManager,
	validatorCount int,
	myIndex int,
	clock common.Clock,
	registry metrics.Registry,
	logger *logrus.Entry,
) *FastSynchronizer {

	logger = logger.WithField("component", "fastsync")

	return &FastSynchronizer{
		params:         params,
		db:             db,
		comm:           comm,
		clock:          clock,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
		validatorCount: validatorCount,
		myIndex:        myIndex,
		peers:          NewPeerStatuses(params, logger),
		messaging:      NewMessaging(db, comm, logger),
		telemetry:      NewTelemetry(registry),
		nextHeight:     db.BestHeight() + 1,
		inFlight:       make(map[int64]*request),
		buffer:         newBlockBuffer(),
		nodeHeights:    make(map[int]int64),
		waitingSince:   make(map[int]int64),
		logger:         logger,
	}
}

// NextHeight returns the next height to commit.
func (s *FastSynchronizer) NextHeight() int64 {
	return s.nextHeight
}

// Buffered returns the number of blocks waiting to be committed.
func (s *FastSynchronizer) Buffered() int {
	return s.buffer.Len()
}

// InFlight returns the number of outstanding requests.
func (s *FastSynchronizer) InFlight() int {
	return len(s.inFlight)
}

// Peers exposes the peer notes.
func (s *FastSynchronizer) Peers() *PeerStatuses {
	return s.peers
}

// Telemetry exposes the counters.
func (s *FastSynchronizer) Telemetry() *Telemetry {
	return s.telemetry
}

// SetNodeHeight records that validator peer committed height. The dispatch
// loop hands over what it learned from Status messages before a sync burst.
func (s *FastSynchronizer) SetNodeHeight(peer int, height int64) {
	if peer < 0 || peer >= s.validatorCount || peer == s.myIndex {
		return
	}
	s.nodeHeights[peer] = height
}

// SyncUntilResponsiveNodesDrained syncs until we are close enough to the
// highest validator to resume consensus. It returns the error of ctx if
// cancelled.
//
// We are done when the statuses of at least half the validators are known,
// none of them is BlockHeightAheadCount or more blocks ahead, and
// MustSyncUntilHeight is reached. We also give up after ExitDelay without
// progress and without anything left to ask, which covers a lone node and a
// network where too few peers are ahead.
func (s *FastSynchronizer) SyncUntilResponsiveNodesDrained(ctx context.Context) error {
	return s.syncUntil(ctx, func(now int64) bool {
		best := s.nextHeight - 1
		if best < s.params.MustSyncUntilHeight {
			return false
		}

		maxHeight, known := s.maxPeerHeight()
		if known >= s.poolSize() && maxHeight-best < BlockHeightAheadCount {
			return true
		}

		return now-s.lastProgress >= s.params.ExitDelay && len(s.inFlight) == 0
	})
}

// SyncUntil syncs until height is committed.
func (s *FastSynchronizer) SyncUntil(ctx context.Context, height int64) error {
	return s.syncUntil(ctx, func(int64) bool {
		return s.nextHeight > height
	})
}

// SyncUntilShutdown syncs until ctx is cancelled. Replicas use it.
func (s *FastSynchronizer) SyncUntilShutdown(ctx context.Context) error {
	return s.syncUntil(ctx, func(int64) bool {
		return false
	})
}

func (s *FastSynchronizer) syncUntil(ctx context.Context, exit func(now int64) bool) error {
	now := s.clock.Now()
	s.nextHeight = s.db.BestHeight() + 1
	s.lastProgress = now
	s.lastStateLog = now

	s.logger.WithField("height", s.nextHeight-1).Info("Start fast sync")

	defer s.reset()

	ticker := time.NewTicker(time.Duration(s.params.LoopInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		s.Step()

		if exit(s.clock.Now()) {
			s.logger.WithFields(s.telemetry.Fields()).Info("Exit fast sync")
			return nil
		}

		select {
		case <-ctx.Done():
			s.logger.WithField("height", s.nextHeight-1).Debug("Fast sync interrupted")
			return ctx.Err()
		case in := <-s.comm.Inbound():
			s.handle(in, s.clock.Now())
		case <-ticker.C:
		}
	}
}

// reset drops everything but the committed height and the peer heights,
// which are kept for the next burst.
func (s *FastSynchronizer) reset() {
	s.inFlight = make(map[int64]*request)
	s.buffer.Clear()
	s.peers.Clear()
	s.waitingSince = make(map[int]int64)
}

// Step runs one iteration: commit what can be committed, ask for missing
// heights, ingest what arrived and commit again.
func (s *FastSynchronizer) Step() {
	now := s.clock.Now()

	s.drainBuffer(now)
	s.checkTimeouts(now)
	s.refill(now)
	s.ingest(now)
	s.drainBuffer(now)

	s.telemetry.Height.Update(s.nextHeight - 1)

	if now-s.lastStateLog >= stateLogInterval {
		s.lastStateLog = now
		s.logState()
	}
}

func (s *FastSynchronizer) logState() {
	fields := s.telemetry.Fields()
	fields["next_height"] = s.nextHeight
	fields["in_flight"] = len(s.inFlight)
	fields["buffered"] = s.buffer.Len()
	fields["peer_heights"] = s.nodeHeights
	s.logger.WithFields(fields).Info("Fast sync progress")
}

// drainBuffer commits buffered blocks in height order and discards the ones
// below nextHeight.
func (s *FastSynchronizer) drainBuffer(now int64) {
	for {
		top := s.buffer.Peek()
		if top == nil || top.Height > s.nextHeight {
			return
		}
		s.buffer.Pop()

		if top.Height < s.nextHeight {
			continue
		}

		s.commit(top, now)
	}
}

func (s *FastSynchronizer) commit(b *IncomingBlock, now int64) {
	delete(s.inFlight, b.Height)

	if err := s.db.AddBlock(b.Block); err != nil {
		s.telemetry.Failed.Inc(1)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"height": b.Height,
			"from":   b.From,
		}).Warn("Invalid block, striking peer")

		if s.peers.Blacklist(b.From, now) {
			s.telemetry.Blacklisted.Inc(1)
		}

		s.nextHeight = s.db.BestHeight() + 1
		return
	}

	s.telemetry.Committed.Inc(1)
	s.nextHeight = b.Height + 1
	s.lastProgress = now

	s.logger.WithFields(logrus.Fields{
		"height": b.Height,
		"from":   b.From,
	}).Debug("Committed block")
}

// checkTimeouts marks as unresponsive the peers that have left a request
// unanswered for JobTimeout.
func (s *FastSynchronizer) checkTimeouts(now int64) {
	for peer, since := range s.waitingSince {
		if now-since <= s.params.JobTimeout {
			continue
		}

		delete(s.waitingSince, peer)
		s.telemetry.Timeouts.Inc(1)
		s.peers.Unresponsive(peer, now)
		if s.peers.Blacklist(peer, now) {
			s.telemetry.Blacklisted.Inc(1)
		}

		for _, r := range s.inFlight {
			if r.peer == peer {
				r.deadline = now
			}
		}
	}
}

// refill keeps a request outstanding for every height of the window that is
// neither buffered nor waiting for an answer.
func (s *FastSynchronizer) refill(now int64) {
	for h := s.nextHeight; h < s.nextHeight+int64(s.params.Parallelism); h++ {
		if s.buffer.Has(h) {
			continue
		}

		r, ok := s.inFlight[h]
		if ok && now < r.deadline {
			continue
		}

		attempt := 0
		if ok {
			attempt = r.attempt + 1
		}

		if !s.askForBlock(h, attempt, now) {
			delete(s.inFlight, h)
		}
	}
}

func (s *FastSynchronizer) poolSize() int {
	size := s.validatorCount / 2
	if size < 1 {
		size = 1
	}
	return size
}

// candidates returns the validators that may be asked for height.
func (s *FastSynchronizer) candidates(height int64, now int64) []int {
	res := []int{}
	for i := 0; i < s.validatorCount; i++ {
		if i == s.myIndex {
			continue
		}
		h, ok := s.nodeHeights[i]
		if !ok || h < height {
			continue
		}
		if !s.peers.IsSyncable(i, height, now) {
			continue
		}
		res = append(res, i)
	}
	return res
}

// headerCandidates returns the validators that may be asked for the header
// and block at height when too few are known to have it.
func (s *FastSynchronizer) headerCandidates(height int64, now int64) []int {
	excluded := make(map[int]bool)
	for _, p := range s.peers.ExcludedNonSyncable(height, now) {
		excluded[p] = true
	}

	res := []int{}
	for i := 0; i < s.validatorCount; i++ {
		if i == s.myIndex || excluded[i] {
			continue
		}
		res = append(res, i)
	}
	return res
}

// askForBlock requests height from a peer known to have it. Without enough
// such peers, which is always the case for a replica since validators only
// send their Status to each other, it asks a random peer for header and block
// instead and learns the peer's height from the answer.
func (s *FastSynchronizer) askForBlock(height int64, attempt int, now int64) bool {
	withHeader := false
	candidates := s.candidates(height, now)
	if len(candidates) == 0 || len(candidates) < s.poolSize() {
		withHeader = true
		candidates = s.headerCandidates(height, now)
	}
	if len(candidates) == 0 {
		return false
	}

	peer := candidates[s.rand.Intn(len(candidates))]

	s.inFlight[height] = &request{
		peer:       peer,
		attempt:    attempt,
		sentAt:     now,
		deadline:   NextDeadline(now, attempt),
		withHeader: withHeader,
	}
	if _, waiting := s.waitingSince[peer]; !waiting {
		s.waitingSince[peer] = now
	}

	if withHeader {
		s.comm.SendTo(peer, &message.GetBlockHeaderAndBlock{Height: height})
	} else {
		s.comm.SendTo(peer, &message.GetBlockAtHeight{Height: height})
	}
	s.telemetry.Requests.Inc(1)

	return true
}

// learnHeight records that peer has committed height. Callers only pass
// heights the peer reported in answer to one of our requests, so a peer
// cannot make us believe it is arbitrarily far ahead.
func (s *FastSynchronizer) learnHeight(peer int, height int64) {
	if h, ok := s.nodeHeights[peer]; !ok || h < height {
		s.nodeHeights[peer] = height
	}
}

func (s *FastSynchronizer) maxPeerHeight() (int64, int) {
	max := int64(-1)
	for _, h := range s.nodeHeights {
		if h > max {
			max = h
		}
	}
	return max, len(s.nodeHeights)
}

// ingest drains inbound messages without blocking.
func (s *FastSynchronizer) ingest(now int64) {
	for {
		select {
		case in := <-s.comm.Inbound():
			s.handle(in, now)
		default:
			return
		}
	}
}

// Handle processes one inbound message.
func (s *FastSynchronizer) Handle(in net.Inbound) {
	s.handle(in, s.clock.Now())
}

func (s *FastSynchronizer) handle(in net.Inbound, now int64) {
	isValidator := in.From >= 0 && in.From < s.validatorCount

	if isValidator && s.peers.IsBlacklisted(in.From, now) {
		return
	}

	switch m := in.Message.(type) {
	case *message.GetBlockAtHeight:
		s.messaging.SendBlockAtHeight(in, m.Height)
	case *message.GetBlockHeaderAndBlock:
		s.messaging.SendBlockHeaderAndBlock(in, m.Height, s.nextHeight-1)
	case *message.Status:
		if isValidator {
			s.SetNodeHeight(in.From, m.Height-1)
			s.peers.StatusReceived(in.From, m.Height-1, now)
		}
	case *message.CompleteBlock:
		if isValidator {
			s.onCompleteBlock(in.From, m, now)
		}
	case *message.BlockHeader:
		if isValidator {
			s.onBlockHeader(in.From, m, now)
		}
	case *message.UnfinishedBlock:
		if isValidator {
			s.onUnfinishedBlock(in.From, m)
		}
	default:
		s.logger.WithFields(logrus.Fields{
			"from": in.From,
			"type": in.Message.Type(),
		}).Debug("Ignoring message during fast sync")
	}
}

// asked returns the request for height if it is outstanding with peer.
func (s *FastSynchronizer) asked(height int64, peer int) (*request, bool) {
	if height >= s.nextHeight+int64(s.params.Parallelism) {
		return nil, false
	}
	r, ok := s.inFlight[height]
	if !ok || r.peer != peer {
		return nil, false
	}
	return r, true
}

// onCompleteBlock buffers a block we asked validator from for. Anything else
// is dropped, which bounds the buffer to the request window.
func (s *FastSynchronizer) onCompleteBlock(from int, m *message.CompleteBlock, now int64) {
	if m.Height < s.nextHeight || s.buffer.Has(m.Height) {
		s.telemetry.Duplicates.Inc(1)
		return
	}

	if _, ok := s.asked(m.Height, from); !ok {
		s.telemetry.Unsolicited.Inc(1)
		s.logger.WithFields(logrus.Fields{
			"height": m.Height,
			"from":   from,
		}).Debug("Dropping unsolicited block")
		return
	}

	delete(s.waitingSince, from)
	s.buffer.Add(&IncomingBlock{
		Height: m.Height,
		Block:  block.FromCompleteBlock(m),
		From:   from,
	})
	s.peers.HeaderReceived(from, m.Height, now)
}

// onUnfinishedBlock completes a header received in answer to a
// GetBlockHeaderAndBlock. Responders also send the block they are working
// on, which never matches a stored header and is ignored.
func (s *FastSynchronizer) onUnfinishedBlock(from int, m *message.UnfinishedBlock) {
	h, err := block.DecodeHeader(m.Header)
	if err != nil {
		s.logger.WithError(err).WithField("from", from).Debug("Bad block header")
		return
	}

	if h.Height < s.nextHeight || s.buffer.Has(h.Height) {
		return
	}

	r, ok := s.asked(h.Height, from)
	if !ok || r.header == nil || !bytes.Equal(r.header.Header, m.Header) {
		return
	}

	s.buffer.Add(&IncomingBlock{
		Height: h.Height,
		Block: &block.DataWithWitness{
			Data:    block.Data{Header: m.Header, Transactions: m.Transactions},
			Height:  h.Height,
			Witness: r.header.Witness,
		},
		From: from,
	})
}

func (s *FastSynchronizer) onBlockHeader(from int, m *message.BlockHeader, now int64) {
	delete(s.waitingSince, from)

	r, ok := s.asked(m.RequestedHeight, from)
	answered := ok && r.withHeader

	if len(m.Header) == 0 && len(m.Witness) == 0 {
		s.peers.Drained(from, -1, now)
		if answered {
			s.learnHeight(from, -1)
		}
		s.dropRequest(m.RequestedHeight, from)
		return
	}

	h, err := block.DecodeHeader(m.Header)
	if err != nil {
		s.logger.WithError(err).WithField("from", from).Debug("Bad header")
		if s.peers.Blacklist(from, now) {
			s.telemetry.Blacklisted.Inc(1)
		}
		return
	}

	if h.Height != m.RequestedHeight {
		s.peers.Drained(from, h.Height, now)
		if answered && h.Height < m.RequestedHeight {
			s.learnHeight(from, h.Height)
		}
		s.dropRequest(m.RequestedHeight, from)
		return
	}

	s.peers.HeaderReceived(from, h.Height, now)
	if answered {
		s.learnHeight(from, h.Height)
		r.header = m
	}
}

// dropRequest makes height available for another peer right away.
func (s *FastSynchronizer) dropRequest(height int64, peer int) {
	if r, ok := s.inFlight[height]; ok && r.peer == peer {
		r.deadline = 0
	}
}
