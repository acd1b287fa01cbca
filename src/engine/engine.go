package engine

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"path/filepath"

	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/config"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/net"
	"github.com/mosaicnetworks/ebft/src/node"
	"github.com/mosaicnetworks/ebft/src/peers"
	"github.com/mosaicnetworks/ebft/src/service"
	"github.com/mosaicnetworks/ebft/src/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine is the actual engine. It holds all the components of a node and
// wires them together from a Config.
type Engine struct {
	// Config is the configuration of the node.
	Config *config.Config

	// Node is the consensus worker.
	Node *node.Node

	// Transport is the peer transport. A preset transport is used as is,
	// otherwise a TCP transport is created.
	Transport net.Transport

	// Store is the block store.
	Store store.Store

	// Peers is the validator set. A preset set is used as is, otherwise it
	// is read from peers.json.
	Peers *peers.PeerSet

	// Service is the optional HTTP diagnostics service.
	Service *service.Service

	nodeConfig *node.Config
	txQueue    *blockdb.TxQueue
	db         *blockdb.BaseBlockDatabase
	strategy   *blockdb.BuildStrategy
	comm       *net.CommManager
	logger     *logrus.Entry
}

// NewEngine is a factory method to produce an Engine instance.
func NewEngine(c *config.Config) *Engine {
	engine := &Engine{
		Config:     c,
		nodeConfig: c.NodeConfig(),
		logger:     c.Logger(),
	}

	return engine
}

// Init initialises the engine based on its configuration. It reads the
// validator set and the private key, opens the store, and creates the
// transport, node and service.
func (e *Engine) Init() error {
	if err := e.initKey(); err != nil {
		e.logger.WithError(err).Error("Failed to initialize key")
		return err
	}

	if err := e.initPeers(); err != nil {
		e.logger.WithError(err).Error("Failed to initialize peers")
		return err
	}

	if err := e.initStore(); err != nil {
		e.logger.WithError(err).Error("Failed to initialize store")
		return err
	}

	if err := e.initBlockDatabase(); err != nil {
		e.logger.WithError(err).Error("Failed to initialize block database")
		return err
	}

	if err := e.initTransport(); err != nil {
		e.logger.WithError(err).Error("Failed to initialize transport")
		return err
	}

	if err := e.initNode(); err != nil {
		e.logger.WithError(err).Error("Failed to initialize node")
		return err
	}

	if err := e.initService(); err != nil {
		e.logger.WithError(err).Error("Failed to initialize service")
		return err
	}

	return nil
}

func (e *Engine) initKey() error {
	if e.Config.Key != nil {
		return nil
	}

	simpleKeyfile := keys.NewSimpleKeyfile(e.Config.Keyfile())

	privKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		e.logger.WithError(err).Warn("Cannot read private key from file")

		privKey, err = Keygen(e.Config.DataDir)
		if err != nil {
			return err
		}

		e.logger.WithField("pub_key", keys.PublicKeyHex(&privKey.PublicKey)).Info("Created a new key")
	}

	e.Config.Key = privKey

	return nil
}

func (e *Engine) initPeers() error {
	if e.Peers == nil {
		peerStore := peers.NewJSONPeerSet(e.Config.DataDir)

		peerSet, err := peerStore.PeerSet()
		if err != nil {
			return errors.Wrapf(err, "reading %s", peerStore.Path())
		}

		e.Peers = peerSet
	}

	if e.Peers.Len() == 0 {
		return fmt.Errorf("the validator set is empty")
	}

	return nil
}

func (e *Engine) initStore() error {
	if !e.Config.Store {
		e.Store = store.NewInmemStore()
		e.logger.Debug("Created new in-mem store")
		return nil
	}

	dbPath := e.Config.DatabaseDir

	e.logger.WithField("path", dbPath).Debug("Attempting to load or create database")

	badgerStore, err := store.LoadOrCreateBadgerStore(dbPath, e.logger)
	if err != nil {
		return err
	}

	e.logger.WithField("height", badgerStore.LastHeight()).Debug("Opened badger store")

	e.Store = badgerStore

	return nil
}

func (e *Engine) initBlockDatabase() error {
	e.txQueue = blockdb.NewTxQueue(e.Config.TxQueueSize)

	e.db = blockdb.NewBaseBlockDatabase(
		e.Store,
		e.txQueue,
		e.Config.Key,
		e.Peers.PubKeys(),
		e.Peers.Quorum(),
		[]byte(e.Config.BlockchainRID),
		e.nodeConfig.Clock,
		e.logger,
	)

	e.strategy = blockdb.NewBuildStrategy(
		e.Config.Block,
		e.nodeConfig.Clock,
		e.txQueue,
		e.db,
		e.logger,
	)

	e.db.SetStrategy(e.strategy)

	if e.Config.Proxy != nil {
		e.db.SetCommitListener(e.commitToApp)
	}

	return nil
}

func (e *Engine) initTransport() error {
	if e.Transport == nil {
		transport, err := net.NewTCPTransport(
			e.Config.BindAddr,
			e.Config.AdvertiseAddr,
			e.Config.MaxPool,
			e.Config.TCPTimeout,
			e.logger,
		)
		if err != nil {
			return err
		}

		e.Transport = transport
	}

	e.comm = net.NewCommManager(
		e.Config.Key,
		e.Peers,
		e.Transport,
		0,
		e.nodeConfig.Registry,
		e.logger,
	)

	return nil
}

func (e *Engine) initNode() error {
	validator := node.NewValidator(e.Config.Key, e.Config.Moniker)

	e.logger.WithFields(logrus.Fields{
		"validators": e.Peers.Len(),
		"id":         validator.Index(e.Peers),
		"moniker":    e.Config.Moniker,
	}).Debug("Validator set")

	if validator.Index(e.Peers) == net.NonValidator {
		e.logger.Info("Not in the validator set, running as a replica")
	}

	e.Node = node.NewNode(
		e.nodeConfig,
		validator,
		e.Peers,
		e.db,
		e.txQueue,
		e.strategy,
		e.comm,
	)

	if err := e.Node.Init(); err != nil {
		return errors.Wrap(err, "failed to initialize node")
	}

	return nil
}

func (e *Engine) initService() error {
	if !e.Config.NoService && e.Config.ServiceAddr != "" {
		e.Service = service.NewService(
			e.Config.ServiceAddr,
			e.Node,
			e.nodeConfig.Registry,
			e.logger,
		)
	}
	return nil
}

// Run starts the node and the service, and blocks until ctx is cancelled or
// one of them fails. The node and the store are shut down before returning.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Stopping the node stops the other routines.
		defer cancel()
		return e.Node.Run(gctx)
	})

	if e.Service != nil {
		g.Go(func() error {
			return e.Service.Serve(gctx)
		})
	}

	if e.Config.Proxy != nil {
		g.Go(func() error {
			e.forwardTransactions(gctx)
			return nil
		})
	}

	err := g.Wait()

	e.Shutdown()

	return err
}

// commitToApp runs on the node's worker goroutine.
func (e *Engine) commitToApp(b *block.DataWithWitness) {
	if _, err := e.Config.Proxy.CommitBlock(b); err != nil {
		e.logger.WithError(err).WithField("height", b.Height).Error("Application rejected block")
	}
}

// forwardTransactions moves transactions from the application to the node
// until ctx is cancelled.
func (e *Engine) forwardTransactions(ctx context.Context) {
	submitCh := e.Config.Proxy.SubmitCh()
	for {
		select {
		case tx := <-submitCh:
			if err := e.Node.SubmitTx(tx); err != nil {
				e.logger.WithError(err).Debug("Transaction from application not queued")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the node and closes the store.
func (e *Engine) Shutdown() {
	e.Node.Shutdown()

	if err := e.Store.Close(); err != nil {
		e.logger.WithError(err).Warn("Closing store")
	}
}

// Keygen generates a new key pair and writes the private key in datadir.
// It refuses to overwrite an existing key.
func Keygen(datadir string) (*ecdsa.PrivateKey, error) {
	simpleKeyfile := keys.NewSimpleKeyfile(filepath.Join(datadir, config.DefaultKeyfile))

	if _, err := simpleKeyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", datadir)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
