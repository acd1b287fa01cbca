package node

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/fastsync"
	"github.com/mosaicnetworks/ebft/src/net"
	"github.com/mosaicnetworks/ebft/src/peers"
	"github.com/mosaicnetworks/ebft/src/status"
	"github.com/sirupsen/logrus"
)

// Node is the worker of a validator or a replica. A single goroutine, the one
// running Run, drives the consensus state; the other methods are safe to call
// concurrently.
type Node struct {
	// The node's state machine
	state

	conf   *Config
	logger *logrus.Entry

	validator *Validator
	peerSet   *peers.PeerSet
	myIndex   int

	db      blockdb.BlockDatabase
	txQueue *blockdb.TxQueue
	comm    net.CommunicationManager

	// nil for a replica
	sm          *status.StatusManager
	bm          *BlockManager
	syncManager *ValidatorSyncManager

	synchronizer *fastsync.FastSynchronizer

	controlTimer *ControlTimer

	runLock sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}

	start        time.Time
	lastStatsLog time.Time
}

// NewNode is a factory method that returns a Node instance. The node
// validates if its key is in peerSet, and replicates otherwise.
func NewNode(conf *Config,
	validator *Validator,
	peerSet *peers.PeerSet,
	db blockdb.BlockDatabase,
	txQueue *blockdb.TxQueue,
	strategy *blockdb.BuildStrategy,
	comm net.CommunicationManager) *Node {

	myIndex := validator.Index(peerSet)

	logger := conf.Logger.WithFields(logrus.Fields{
		"this_id": myIndex,
		"moniker": validator.Moniker,
	})

	node := &Node{
		conf:         conf,
		logger:       logger,
		validator:    validator,
		peerSet:      peerSet,
		myIndex:      myIndex,
		db:           db,
		txQueue:      txQueue,
		comm:         comm,
		controlTimer: NewFixedControlTimer(),
		start:        time.Now(),
		lastStatsLog: time.Now(),
	}

	node.synchronizer = fastsync.NewFastSynchronizer(
		conf.FastSync,
		db,
		comm,
		peerSet.Len(),
		myIndex,
		conf.Clock,
		conf.Registry,
		logger,
	)

	if myIndex == net.NonValidator {
		node.setState(Replicating)
		return node
	}

	node.sm = status.NewStatusManager(
		peerSet.Len(),
		myIndex,
		db.BestHeight()+1,
		conf.Clock,
		logger.WithField("component", "status"),
	)
	node.bm = NewBlockManager(node.sm, db, strategy, logger)
	node.syncManager = NewValidatorSyncManager(
		conf,
		myIndex,
		peerSet.Len(),
		node.sm,
		node.bm,
		db,
		comm,
		node.synchronizer,
		node.addTransaction,
		logger,
	)
	node.setState(Syncing)

	return node
}

// Init computes the initial intent from the stored height.
func (n *Node) Init() error {
	n.logger.WithFields(logrus.Fields{
		"height":     n.db.BestHeight(),
		"validators": n.peerSet.Len(),
		"state":      n.getState().String(),
	}).Debug("Init Node")

	if n.sm != nil {
		n.sm.RecomputeStatus()
	}
	return nil
}

// RunAsync calls Run in a goroutine.
func (n *Node) RunAsync(ctx context.Context) {
	n.logger.Debug("runasync")

	go n.Run(ctx)
}

// Run drives the node until ctx is cancelled or Shutdown is called. It may
// only be called once.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.runLock.Lock()
	if n.running || n.getState() == Shutdown {
		n.runLock.Unlock()
		return nil
	}
	n.running = true
	n.cancel = cancel
	n.doneCh = make(chan struct{})
	done := n.doneCh
	n.runLock.Unlock()

	defer close(done)

	if n.myIndex == net.NonValidator {
		err := n.synchronizer.SyncUntilShutdown(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	}

	//The ControlTimer paces the dispatch loop. It is reset after every tick
	//so that a slow tick never accumulates pending ticks.
	go n.controlTimer.Run(n.conf.TickInterval)
	defer n.controlTimer.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.controlTimer.tickCh:
		}

		n.tick(ctx)

		if ctx.Err() != nil {
			return nil
		}
		if !n.controlTimer.Reset(n.conf.TickInterval) {
			return nil
		}
	}
}

func (n *Node) tick(ctx context.Context) {
	if n.syncManager.NeedsFastSync() {
		n.setState(Syncing)
	}

	err := n.syncManager.Update(ctx)
	if err != nil && ctx.Err() == nil {
		n.logger.WithError(err).Error("Tick failed")
	}

	if n.getState() == Syncing && ctx.Err() == nil {
		n.setState(Validating)
	}

	if time.Since(n.lastStatsLog) >= time.Duration(n.conf.StatusLogInterval)*time.Millisecond {
		n.lastStatsLog = time.Now()
		n.logStats()
	}
}

// addTransaction hands a transaction received from the network to the queue
// without blocking the dispatch loop.
func (n *Node) addTransaction(tx []byte) {
	ok := n.goFunc(func() {
		if err := n.txQueue.Enqueue(tx); err != nil {
			n.logger.WithError(err).Debug("Transaction not queued")
		}
	})
	if !ok {
		n.logger.Debug("Too many pending transactions, dropping one")
	}
}

// SubmitTx adds a local transaction to the queue.
func (n *Node) SubmitTx(tx []byte) error {
	return n.txQueue.Enqueue(tx)
}

// Shutdown stops the loop, waits for the tick in progress, then closes the
// communication manager and the block database.
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		//Exit any non-shutdown state immediately
		n.setState(Shutdown)

		n.runLock.Lock()
		cancel, done := n.cancel, n.doneCh
		n.running = true
		n.runLock.Unlock()

		//Stop the loop and the synchronizer, and wait for them
		if cancel != nil {
			cancel()
			<-done
		}

		n.waitRoutines()

		//transport and database should only be closed once all concurrent
		//operations are finished
		n.comm.Shutdown()
		n.db.Stop()
	}
}

// State returns the node's state.
func (n *Node) State() State {
	return n.getState()
}

// IsValidator ...
func (n *Node) IsValidator() bool {
	return n.myIndex != net.NonValidator
}

// Snapshot returns the consensus diagnostics. The boolean is false for a
// replica.
func (n *Node) Snapshot() (Snapshot, bool) {
	if n.syncManager == nil {
		return Snapshot{Height: n.db.BestHeight()}, false
	}
	return n.syncManager.Snapshot(), true
}

// GetStats returns processing stats.
func (n *Node) GetStats() map[string]string {
	timeElapsed := time.Since(n.start)

	height := n.db.BestHeight()
	blocksPerSecond := 0.0
	if timeElapsed.Seconds() > 0 {
		blocksPerSecond = float64(height+1) / timeElapsed.Seconds()
	}

	s := map[string]string{
		"last_block_height": strconv.FormatInt(height, 10),
		"transaction_pool":  strconv.Itoa(n.txQueue.Size()),
		"num_peers":         strconv.Itoa(n.peerSet.Len()),
		"blocks_per_second": strconv.FormatFloat(blocksPerSecond, 'f', 2, 64),
		"id":                strconv.Itoa(n.myIndex),
		"state":             n.getState().String(),
		"moniker":           n.validator.Moniker,
	}

	if snap, ok := n.Snapshot(); ok {
		s["round"] = strconv.FormatInt(snap.MyStatus.Round, 10)
		s["node_state"] = snap.MyStatus.State.String()
		s["revolting"] = strconv.FormatBool(snap.MyStatus.Revolting)
		s["primary"] = strconv.Itoa(snap.PrimaryIndex)
		s["intent"] = snap.Intent
		s["fast_syncing"] = strconv.FormatBool(snap.FastSyncing)
	}
	return s
}

func (n *Node) logStats() {
	stats := n.GetStats()

	fields := logrus.Fields{}
	for k, v := range stats {
		fields[k] = v
	}
	n.logger.WithFields(fields).Debug("Stats")
}

// GetBlock returns the committed block at height.
func (n *Node) GetBlock(height int64) (*block.DataWithWitness, error) {
	return n.db.GetBlockAtHeight(height)
}

// GetPeers returns the validator set.
func (n *Node) GetPeers() []*peers.Peer {
	return n.peerSet.Peers
}
