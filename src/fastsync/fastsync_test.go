package fastsync

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/message"
	"github.com/mosaicnetworks/ebft/src/net"
	"github.com/mosaicnetworks/ebft/src/store"
	"github.com/stretchr/testify/require"
)

var chainRID = []byte("chain")

type sentMessage struct {
	to  int
	msg message.Message
}

type fakeComm struct {
	sync.Mutex
	inbound chan net.Inbound
	sent    []sentMessage

	// respond, when set, answers every SendTo
	respond func(to int, m message.Message) []message.Message
}

func newFakeComm() *fakeComm {
	return &fakeComm{inbound: make(chan net.Inbound, 100)}
}

func (c *fakeComm) record(to int, m message.Message) {
	c.Lock()
	defer c.Unlock()
	c.sent = append(c.sent, sentMessage{to: to, msg: m})
}

func (c *fakeComm) Broadcast(m message.Message) { c.record(-2, m) }

func (c *fakeComm) SendTo(index int, m message.Message) {
	c.record(index, m)
	if c.respond == nil {
		return
	}
	for _, r := range c.respond(index, m) {
		select {
		case c.inbound <- net.Inbound{From: index, Message: r}:
		default:
		}
	}
}

func (c *fakeComm) Reply(in net.Inbound, m message.Message) { c.record(in.From, m) }
func (c *fakeComm) Inbound() <-chan net.Inbound            { return c.inbound }
func (c *fakeComm) Shutdown()                              {}

func (c *fakeComm) take() []sentMessage {
	c.Lock()
	defer c.Unlock()
	res := c.sent
	c.sent = nil
	return res
}

// recordingDB remembers the order in which blocks were added.
type recordingDB struct {
	blockdb.BlockDatabase
	added []int64
}

func (r *recordingDB) AddBlock(b *block.DataWithWitness) error {
	r.added = append(r.added, b.Height)
	return r.BlockDatabase.AddBlock(b)
}

type fixture struct {
	keys       []*ecdsa.PrivateKey
	validators [][]byte
	chain      []*block.DataWithWitness
	db         *recordingDB
	comm       *fakeComm
	clock      *common.ManualClock
	sync       *FastSynchronizer
}

// newFixture creates 4 validators and a chain of length blocks signed by
// validators 1, 2 and 3. The synchronizer runs as validator 0 with an empty
// store.
func newFixture(t *testing.T, length int) *fixture {
	return newFixtureAs(t, length, 0)
}

// newFixtureAs is newFixture with the synchronizer running as validator
// myIndex, or as a replica for net.NonValidator.
func newFixtureAs(t *testing.T, length int, myIndex int) *fixture {
	f := &fixture{
		comm:  newFakeComm(),
		clock: common.NewManualClock(100000),
	}

	for i := 0; i < 4; i++ {
		k, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		f.keys = append(f.keys, k)
		f.validators = append(f.validators, keys.FromPublicKey(&k.PublicKey))
	}

	prev := chainRID
	for h := 0; h < length; h++ {
		d, err := block.NewData(prev, int64(h), int64(1000+h), [][]byte{{byte(h)}})
		require.NoError(t, err)
		f.chain = append(f.chain, f.witnessed(t, d, int64(h), f.keys[1:]))
		prev = d.RID()
	}

	myKey := f.keys[0]
	if myIndex == net.NonValidator {
		k, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		myKey = k
	}

	base := blockdb.NewBaseBlockDatabase(store.NewInmemStore(), blockdb.NewTxQueue(10), myKey,
		f.validators, 3, chainRID, f.clock, common.NewTestEntry(t, common.TestLogLevel))
	f.db = &recordingDB{BlockDatabase: base}

	params := DefaultParameters()
	params.LoopInterval = 1
	params.ExitDelay = 0

	f.sync = NewFastSynchronizer(params, f.db, f.comm, 4, myIndex, f.clock, nil,
		common.NewTestEntry(t, common.TestLogLevel))

	return f
}

func (f *fixture) witnessed(t *testing.T, d *block.Data, height int64, signers []*ecdsa.PrivateKey) *block.DataWithWitness {
	w := &block.Witness{}
	for _, k := range signers {
		sig, err := keys.SignDigest(k, d.RID())
		require.NoError(t, err)
		w.Signatures = append(w.Signatures, sig)
	}
	raw, err := w.Marshal()
	require.NoError(t, err)
	return &block.DataWithWitness{Data: *d, Height: height, Witness: raw}
}

func (f *fixture) deliver(from int, b *block.DataWithWitness) {
	f.sync.Handle(net.Inbound{From: from, Message: b.ToMessage()})
}

// serve makes every validator answer requests like a peer that committed
// the chain up to tip.
func (f *fixture) serve(tip int64) {
	f.comm.respond = func(to int, m message.Message) []message.Message {
		switch m := m.(type) {
		case *message.GetBlockAtHeight:
			if m.Height <= tip {
				return []message.Message{f.chain[m.Height].ToMessage()}
			}
		case *message.GetBlockHeaderAndBlock:
			if m.Height <= tip {
				b := f.chain[m.Height]
				return []message.Message{
					&message.BlockHeader{Header: b.Header, Witness: b.Witness, RequestedHeight: m.Height},
					b.Data.ToMessage(),
				}
			}
			if tip >= 0 {
				b := f.chain[tip]
				return []message.Message{
					&message.BlockHeader{Header: b.Header, Witness: b.Witness, RequestedHeight: m.Height},
				}
			}
			return []message.Message{
				&message.BlockHeader{Header: []byte{}, Witness: []byte{}, RequestedHeight: m.Height},
			}
		}
		return nil
	}
}

func requestedHeights(sent []sentMessage) map[int64]int {
	res := make(map[int64]int)
	for _, s := range sent {
		if m, ok := s.msg.(*message.GetBlockAtHeight); ok {
			res[m.Height] = s.to
		}
	}
	return res
}

func headerRequests(sent []sentMessage) map[int64]int {
	res := make(map[int64]int)
	for _, s := range sent {
		if m, ok := s.msg.(*message.GetBlockHeaderAndBlock); ok {
			res[m.Height] = s.to
		}
	}
	return res
}

// askAll tells the synchronizer that validators 1 to 3 committed tip and
// returns who got asked for each height.
func (f *fixture) askAll(tip int64) map[int64]int {
	for i := 1; i < 4; i++ {
		f.sync.SetNodeHeight(i, tip)
	}
	f.sync.Step()
	return requestedHeights(f.comm.take())
}

// otherThan returns a validator other than us and peer.
func otherThan(peer int) int {
	if peer == 1 {
		return 2
	}
	return 1
}

func TestNextDeadline(t *testing.T) {
	require.Equal(t, int64(1000), NextDeadline(0, 0))
	require.Equal(t, int64(6100), NextDeadline(5000, 1))
	require.Equal(t, int64(1210), NextDeadline(0, 2))
	// capped at 30 times the initial backoff
	require.Equal(t, int64(30000), NextDeadline(0, 100))
	require.True(t, NextDeadline(0, 35) <= 30000)
}

func TestBlacklistLaw(t *testing.T) {
	params := DefaultParameters()
	s := NewKnownState(params)

	for i := 0; i < 9; i++ {
		require.False(t, s.Blacklist(1000))
	}
	require.False(t, s.IsBlacklisted(1000))
	require.True(t, s.IsSyncable(0))

	require.True(t, s.Blacklist(2000))
	require.True(t, s.IsBlacklisted(2000))
	require.False(t, s.IsSyncable(0))

	// strikes while blacklisted do not extend the blacklisting
	require.False(t, s.Blacklist(3000))

	require.True(t, s.IsBlacklisted(2000+params.BlacklistingTimeout))
	require.False(t, s.IsBlacklisted(2000+params.BlacklistingTimeout+1))
	require.Equal(t, 0, s.ErrorCount())
	require.True(t, s.IsSyncable(0))

	// a fresh run of strikes is needed
	now := int64(100000)
	for i := 0; i < 9; i++ {
		require.False(t, s.Blacklist(now))
	}
	require.False(t, s.IsBlacklisted(now))
	require.True(t, s.Blacklist(now))
	require.True(t, s.IsBlacklisted(now))
}

func TestDrainedAndUnresponsive(t *testing.T) {
	params := DefaultParameters()
	s := NewKnownState(params)

	s.Drained(5, 1000)
	require.Equal(t, Drained, s.State())
	require.True(t, s.IsSyncable(5))
	require.False(t, s.IsSyncable(6))

	s.HeaderReceived(5)
	require.Equal(t, Drained, s.State())
	s.StatusReceived(7)
	require.Equal(t, Syncable, s.State())

	s.Drained(3, 2000)
	s.Resurrect(2000 + params.ResurrectDrainedTime)
	require.Equal(t, Drained, s.State())
	s.Resurrect(2000 + params.ResurrectDrainedTime + 1)
	require.Equal(t, Syncable, s.State())

	require.True(t, s.Unresponsive(3000))
	require.False(t, s.Unresponsive(4000))
	require.False(t, s.IsSyncable(0))
	// a Status does not bring an unresponsive peer back
	s.StatusReceived(100)
	require.True(t, s.IsUnresponsive())
	s.Resurrect(3000 + params.ResurrectUnresponsiveTime + 1)
	require.Equal(t, Syncable, s.State())
}

func TestPeerStatuses(t *testing.T) {
	params := DefaultParameters()
	params.MaxErrorsBeforeBlacklisting = 1
	ps := NewPeerStatuses(params, common.NewTestEntry(t, common.TestLogLevel))

	ps.AddPeer(1)
	ps.AddPeer(2)
	ps.AddPeer(3)
	ps.Drained(2, 4, 0)
	require.True(t, ps.Blacklist(3, 0))

	require.Equal(t, []int{1}, ps.GetSyncable(5, 10))
	require.Equal(t, []int{2, 3}, ps.ExcludedNonSyncable(5, 10))
	require.Equal(t, []int{1, 2}, ps.GetSyncable(4, 10))

	ps.Clear()
	require.Equal(t, 0, ps.Len())
}

func TestOutOfOrderArrivalsCommitInOrder(t *testing.T) {
	f := newFixture(t, 6)

	requested := f.askAll(5)
	require.Len(t, requested, 6)
	for h := int64(0); h < 6; h++ {
		to, ok := requested[h]
		require.True(t, ok, "height %d not requested", h)
		require.NotEqual(t, 0, to)
	}
	// the rest of the window goes out as header requests
	require.Equal(t, DefaultParallelism, f.sync.InFlight())

	for _, h := range []int64{3, 1, 2, 5, 4} {
		f.deliver(requested[h], f.chain[h])
	}
	f.sync.Step()
	require.Equal(t, 5, f.sync.Buffered())
	require.Equal(t, int64(-1), f.db.BestHeight())
	require.Empty(t, f.db.added)

	f.deliver(requested[0], f.chain[0])
	f.sync.Step()

	require.Equal(t, []int64{0, 1, 2, 3, 4, 5}, f.db.added)
	require.Equal(t, int64(5), f.db.BestHeight())
	require.Equal(t, int64(6), f.sync.NextHeight())
	require.Equal(t, 0, f.sync.Buffered())
	require.Equal(t, int64(6), f.sync.Telemetry().Committed.Count())
}

func TestDuplicateCompleteBlockBufferedOnce(t *testing.T) {
	f := newFixture(t, 3)
	asked := f.askAll(2)[2]

	f.deliver(asked, f.chain[2])
	f.deliver(asked, f.chain[2])
	f.deliver(otherThan(asked), f.chain[2])

	require.Equal(t, 1, f.sync.Buffered())
	require.Equal(t, int64(2), f.sync.Telemetry().Duplicates.Count())
}

func TestBadBlockStrikesSender(t *testing.T) {
	f := newFixture(t, 2)
	asked := f.askAll(1)[0]

	// only validator 1 signed it, no quorum
	d := f.chain[0].Data
	bad := f.witnessed(t, &d, 0, f.keys[1:2])

	f.deliver(asked, bad)
	f.sync.Step()

	require.Equal(t, int64(-1), f.db.BestHeight())
	require.Equal(t, int64(0), f.sync.NextHeight())
	require.Equal(t, int64(1), f.sync.Telemetry().Failed.Count())
	require.Equal(t, 1, f.sync.Peers().Get(asked).ErrorCount())

	// the height was asked again in the same step
	again, ok := requestedHeights(f.comm.take())[0]
	require.True(t, ok)

	f.deliver(again, f.chain[0])
	f.sync.Step()
	require.Equal(t, int64(0), f.db.BestHeight())
}

func TestStaleBlocksDiscarded(t *testing.T) {
	f := newFixture(t, 3)
	asked := f.askAll(2)[0]

	f.deliver(asked, f.chain[0])
	f.sync.Step()
	require.Equal(t, int64(1), f.sync.NextHeight())

	f.deliver(asked, f.chain[0])
	require.Equal(t, 0, f.sync.Buffered())
	require.Equal(t, int64(1), f.sync.Telemetry().Duplicates.Count())
}

func TestRequestsNeedEnoughPeers(t *testing.T) {
	f := newFixture(t, 3)

	// 4 validators need a pool of 2 peers at the requested height, below
	// that we only ask for headers
	f.sync.SetNodeHeight(1, 2)
	f.sync.Step()
	sent := f.comm.take()
	require.Empty(t, requestedHeights(sent))
	require.Len(t, headerRequests(sent), DefaultParallelism)

	// header requests stay outstanding until their deadline
	f.sync.SetNodeHeight(2, 0)
	f.clock.Advance(InitialBackoff)
	f.sync.Step()
	requested := requestedHeights(f.comm.take())
	require.Len(t, requested, 1)
	_, ok := requested[0]
	require.True(t, ok)
}

func TestRequestBackoffAndTimeout(t *testing.T) {
	f := newFixture(t, 3)
	f.sync.SetNodeHeight(1, 0)
	f.sync.SetNodeHeight(2, 0)
	f.sync.SetNodeHeight(3, 0)

	f.sync.Step()
	require.Len(t, requestedHeights(f.comm.take()), 1)

	// not yet past the deadline
	f.clock.Advance(InitialBackoff - 1)
	f.sync.Step()
	require.Empty(t, requestedHeights(f.comm.take()))

	f.clock.Advance(1)
	f.sync.Step()
	require.Len(t, requestedHeights(f.comm.take()), 1)

	f.clock.Advance(DefaultJobTimeout + 1)
	f.sync.Step()
	require.True(t, f.sync.Telemetry().Timeouts.Count() >= 1)
}

func TestStatusUpdatesPeerHeights(t *testing.T) {
	f := newFixture(t, 1)

	f.sync.Handle(net.Inbound{From: 1, Message: &message.Status{Height: 8}})
	f.sync.Handle(net.Inbound{From: net.NonValidator, Message: &message.Status{Height: 50}})

	max, known := f.sync.maxPeerHeight()
	require.Equal(t, int64(7), max)
	require.Equal(t, 1, known)
}

func TestDrainedPeerNotAskedAboveTip(t *testing.T) {
	f := newFixture(t, 3)
	f.sync.SetNodeHeight(1, 2)
	f.sync.SetNodeHeight(2, 2)

	tip, err := f.chain[0].DecodeHeader()
	require.NoError(t, err)
	require.Equal(t, int64(0), tip.Height)

	f.sync.Handle(net.Inbound{From: 1, Message: &message.BlockHeader{
		Header:          f.chain[0].Header,
		Witness:         f.chain[0].Witness,
		RequestedHeight: 2,
	}})

	require.Equal(t, Drained, f.sync.Peers().Get(1).State())
	require.False(t, f.sync.Peers().IsSyncable(1, 1, f.clock.Now()))
	require.True(t, f.sync.Peers().IsSyncable(1, 0, f.clock.Now()))

	f.sync.Handle(net.Inbound{From: 2, Message: &message.BlockHeader{
		Header:          []byte{},
		Witness:         []byte{},
		RequestedHeight: 0,
	}})
	require.False(t, f.sync.Peers().IsSyncable(2, 0, f.clock.Now()))
}

func TestSyncUntilResponsiveNodesDrained(t *testing.T) {
	f := newFixture(t, 4)
	f.sync.SetNodeHeight(1, 1)
	f.sync.SetNodeHeight(2, 1)

	for _, b := range f.chain[:2] {
		require.NoError(t, f.db.AddBlock(b))
	}

	// peers are at most one block ahead
	require.NoError(t, f.sync.SyncUntilResponsiveNodesDrained(context.Background()))
	require.Equal(t, 0, f.sync.InFlight())
}

func TestSyncUntilCancelled(t *testing.T) {
	f := newFixture(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Equal(t, context.Canceled, f.sync.SyncUntil(ctx, 10))
}

func TestSyncUntilHeight(t *testing.T) {
	f := newFixture(t, 3)
	for i := 1; i < 4; i++ {
		f.sync.SetNodeHeight(i, 2)
	}
	f.serve(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.sync.SyncUntil(ctx, 2))
	require.Equal(t, int64(2), f.db.BestHeight())
}

func TestUnsolicitedBlocksDropped(t *testing.T) {
	f := newFixture(t, 60)
	requested := f.askAll(2)

	// far ahead of the request window
	for h := 10; h < 60; h++ {
		f.deliver(1, f.chain[h])
	}
	require.Equal(t, 0, f.sync.Buffered())
	require.Equal(t, int64(50), f.sync.Telemetry().Unsolicited.Count())

	max, _ := f.sync.maxPeerHeight()
	require.Equal(t, int64(2), max)

	// in the window but asked from someone else
	f.deliver(otherThan(requested[0]), f.chain[0])
	require.Equal(t, 0, f.sync.Buffered())
	require.Equal(t, int64(51), f.sync.Telemetry().Unsolicited.Count())

	f.deliver(requested[0], f.chain[0])
	require.Equal(t, 1, f.sync.Buffered())
}

func TestReplicaAsksForHeaderAndBlock(t *testing.T) {
	f := newFixtureAs(t, 10, net.NonValidator)

	f.sync.Step()
	sent := f.comm.take()
	require.Empty(t, requestedHeights(sent))

	asked := headerRequests(sent)
	require.Len(t, asked, DefaultParallelism)
	for h, to := range asked {
		require.True(t, to >= 0 && to < 4, "height %d asked from %d", h, to)
	}

	// the block the responder is working on does not match the header
	b := f.chain[0]
	f.sync.Handle(net.Inbound{From: asked[0], Message: &message.BlockHeader{
		Header:          b.Header,
		Witness:         b.Witness,
		RequestedHeight: 0,
	}})
	f.sync.Handle(net.Inbound{From: asked[0], Message: f.chain[1].Data.ToMessage()})
	require.Equal(t, 0, f.sync.Buffered())

	f.sync.Handle(net.Inbound{From: asked[0], Message: b.Data.ToMessage()})
	require.Equal(t, 1, f.sync.Buffered())

	max, known := f.sync.maxPeerHeight()
	require.Equal(t, int64(0), max)
	require.Equal(t, 1, known)

	f.sync.Step()
	require.Equal(t, int64(0), f.db.BestHeight())
}

func TestHeaderAnswerTeachesPeerTip(t *testing.T) {
	f := newFixtureAs(t, 10, net.NonValidator)

	f.sync.Step()
	asked := headerRequests(f.comm.take())
	peer := asked[5]

	tip := f.chain[2]
	f.sync.Handle(net.Inbound{From: peer, Message: &message.BlockHeader{
		Header:          tip.Header,
		Witness:         tip.Witness,
		RequestedHeight: 5,
	}})

	max, known := f.sync.maxPeerHeight()
	require.Equal(t, int64(2), max)
	require.Equal(t, 1, known)
	require.Equal(t, Drained, f.sync.Peers().Get(peer).State())

	// answers to questions we did not ask teach nothing
	f.sync.Handle(net.Inbound{From: peer, Message: &message.BlockHeader{
		Header:          f.chain[9].Header,
		Witness:         f.chain[9].Witness,
		RequestedHeight: 50,
	}})
	max, _ = f.sync.maxPeerHeight()
	require.Equal(t, int64(2), max)
}

func TestReplicaSyncsWithoutStatus(t *testing.T) {
	f := newFixtureAs(t, 10, net.NonValidator)
	f.serve(9)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.sync.SyncUntil(ctx, 9))
	require.Equal(t, int64(9), f.db.BestHeight())
	require.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, f.db.added)
}

func TestMessaging(t *testing.T) {
	f := newFixture(t, 2)
	m := NewMessaging(f.db, f.comm, common.NewTestEntry(t, common.TestLogLevel))
	in := net.Inbound{From: 3}

	// no blocks at all
	m.SendBlockHeaderAndBlock(in, 0, -1)
	sent := f.comm.take()
	require.Len(t, sent, 1)
	require.Equal(t, 3, sent[0].to)
	require.Empty(t, sent[0].msg.(*message.BlockHeader).Header)

	for _, b := range f.chain {
		require.NoError(t, f.db.AddBlock(b))
	}

	m.SendBlockHeaderAndBlock(in, 1, 1)
	sent = f.comm.take()
	require.Len(t, sent, 2)
	require.Equal(t, f.chain[1].Header, sent[0].msg.(*message.BlockHeader).Header)
	require.Equal(t, f.chain[1].Transactions, sent[1].msg.(*message.UnfinishedBlock).Transactions)

	m.SendBlockHeaderAndBlock(in, 5, 1)
	sent = f.comm.take()
	require.Len(t, sent, 1)
	bh := sent[0].msg.(*message.BlockHeader)
	require.Equal(t, f.chain[1].Header, bh.Header)
	require.Equal(t, int64(5), bh.RequestedHeight)

	m.SendBlockAtHeight(in, 0)
	sent = f.comm.take()
	require.Len(t, sent, 1)
	cb := sent[0].msg.(*message.CompleteBlock)
	require.Equal(t, int64(0), cb.Height)
	require.Equal(t, f.chain[0].Witness, cb.Witness)

	m.SendBlockAtHeight(in, 9)
	require.Empty(t, f.comm.take())
}
