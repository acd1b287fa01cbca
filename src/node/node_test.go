package node

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/net"
	"github.com/mosaicnetworks/ebft/src/peers"
	"github.com/mosaicnetworks/ebft/src/store"
	"github.com/stretchr/testify/require"
)

func initPeers(t *testing.T, n int) ([]*ecdsa.PrivateKey, []*net.InmemTransport, *peers.PeerSet) {
	keyList := []*ecdsa.PrivateKey{}
	transports := []*net.InmemTransport{}
	pirs := []*peers.Peer{}

	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		addr, trans := net.NewInmemTransport("")
		keyList = append(keyList, key)
		transports = append(transports, trans)
		pirs = append(pirs, peers.NewPeer(keys.PublicKeyHex(&key.PublicKey), addr, ""))
	}
	net.ConnectAll(transports)

	return keyList, transports, peers.NewPeerSet(pirs)
}

func testNodeConfig(t *testing.T) *Config {
	conf := TestConfig(t)
	conf.TickInterval = 5 * time.Millisecond
	conf.Build.MaxBlockTime = 50
	conf.Build.MinInterBlockInterval = 1
	return conf
}

func newTestNode(t *testing.T, key *ecdsa.PrivateKey, trans net.Transport, peerSet *peers.PeerSet) (*Node, store.Store) {
	return newTestNodeWithConfig(t, testNodeConfig(t), key, trans, peerSet)
}

func newTestNodeWithConfig(t *testing.T, conf *Config, key *ecdsa.PrivateKey, trans net.Transport, peerSet *peers.PeerSet) (*Node, store.Store) {
	logger := conf.Logger.WithField("prefix", "node")

	st := store.NewInmemStore()
	txQueue := blockdb.NewTxQueue(100)
	db := blockdb.NewBaseBlockDatabase(st, txQueue, key, peerSet.PubKeys(), peerSet.Quorum(),
		chainRID, conf.Clock, logger)
	strategy := blockdb.NewBuildStrategy(conf.Build, conf.Clock, txQueue, db, logger)
	db.SetStrategy(strategy)

	comm := net.NewCommManager(key, peerSet, trans, 0, conf.Registry, logger)

	node := NewNode(conf, NewValidator(key, "test"), peerSet, db, txQueue, strategy, comm)
	require.NoError(t, node.Init())
	return node, st
}

func TestNode_SingleValidatorCommits(t *testing.T) {
	defer leaktest.Check(t)()

	keyList, transports, peerSet := initPeers(t, 1)
	node, st := newTestNode(t, keyList[0], transports[0], peerSet)
	defer st.Close()

	require.Equal(t, Syncing, node.State())
	node.RunAsync(context.Background())

	require.NoError(t, node.SubmitTx([]byte("tx")))

	require.Eventually(t, func() bool {
		return st.LastHeight() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, Validating, node.State())

	found := false
	for h := int64(0); h <= st.LastHeight(); h++ {
		b, err := node.GetBlock(h)
		require.NoError(t, err)
		for _, tx := range b.Transactions {
			if bytes.Equal(tx, []byte("tx")) {
				found = true
			}
		}
	}
	require.True(t, found)

	stats := node.GetStats()
	require.Equal(t, "0", stats["id"])
	require.Equal(t, "Validating", stats["state"])

	node.Shutdown()
	require.Equal(t, Shutdown, node.State())

	// a second call is a no-op
	node.Shutdown()
}

func TestNode_FourValidatorsAgree(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	keyList, transports, peerSet := initPeers(t, 4)

	nodes := []*Node{}
	stores := []store.Store{}
	for i := range keyList {
		node, st := newTestNode(t, keyList[i], transports[i], peerSet)
		nodes = append(nodes, node)
		stores = append(stores, st)
	}
	defer func() {
		for i, n := range nodes {
			n.Shutdown()
			stores[i].Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range nodes {
		n.RunAsync(ctx)
	}

	require.Eventually(t, func() bool {
		for _, st := range stores {
			if st.LastHeight() < 3 {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond)

	for h := int64(0); h <= 3; h++ {
		ref, err := nodes[0].GetBlock(h)
		require.NoError(t, err)
		for _, n := range nodes[1:] {
			b, err := n.GetBlock(h)
			require.NoError(t, err)
			require.Equal(t, ref.RID(), b.RID())
		}
	}
}

func TestNode_ShutdownBeforeRun(t *testing.T) {
	defer leaktest.Check(t)()

	keyList, transports, peerSet := initPeers(t, 1)
	node, st := newTestNode(t, keyList[0], transports[0], peerSet)
	defer st.Close()

	node.Shutdown()
	require.NoError(t, node.Run(context.Background()))
}

func TestNode_Replica(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	keyList, transports, peerSet := initPeers(t, 2)

	nodes := []*Node{}
	stores := []store.Store{}
	for i := range keyList {
		node, st := newTestNode(t, keyList[i], transports[i], peerSet)
		nodes = append(nodes, node)
		stores = append(stores, st)
	}

	// validators only learn the replica's address from its packets
	replicaAddr, replicaTrans := net.NewInmemTransport("")
	for _, tr := range transports {
		tr.Connect(replicaAddr, replicaTrans)
		replicaTrans.Connect(tr.LocalAddr(), tr)
	}

	other, err := keys.GenerateECDSAKey()
	require.NoError(t, err)

	conf := testNodeConfig(t)
	conf.FastSync.ResurrectDrainedTime = 100
	replica, replicaStore := newTestNodeWithConfig(t, conf, other, replicaTrans, peerSet)
	nodes = append(nodes, replica)
	stores = append(stores, replicaStore)

	defer func() {
		for i, n := range nodes {
			n.Shutdown()
			stores[i].Close()
		}
	}()

	require.False(t, replica.IsValidator())
	require.Equal(t, Replicating, replica.State())

	_, ok := replica.Snapshot()
	require.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range nodes {
		n.RunAsync(ctx)
	}

	require.Eventually(t, func() bool {
		return stores[0].LastHeight() >= 5 && stores[1].LastHeight() >= 5
	}, 20*time.Second, 20*time.Millisecond)

	// the replica never receives a Status and still catches up
	require.Eventually(t, func() bool {
		return replicaStore.LastHeight() >= 5
	}, 20*time.Second, 20*time.Millisecond)

	for h := int64(0); h <= 5; h++ {
		ref, err := nodes[0].GetBlock(h)
		require.NoError(t, err)
		b, err := replica.GetBlock(h)
		require.NoError(t, err)
		require.Equal(t, ref.RID(), b.RID())
	}

	replica.Shutdown()
	require.Equal(t, Shutdown, replica.State())
}

func TestControlTimer(t *testing.T) {
	defer leaktest.Check(t)()

	timer := NewFixedControlTimer()
	go timer.Run(time.Millisecond)

	select {
	case <-timer.tickCh:
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}
	require.True(t, timer.Reset(time.Millisecond))
	select {
	case <-timer.tickCh:
	case <-time.After(time.Second):
		t.Fatal("no tick after reset")
	}

	timer.Shutdown()
	require.False(t, timer.Reset(time.Millisecond))
}

func TestState_GoFuncLimit(t *testing.T) {
	var s state
	block := make(chan struct{})
	for i := 0; i < WGLIMIT; i++ {
		require.True(t, s.goFunc(func() { <-block }))
	}
	require.False(t, s.goFunc(func() {}))
	close(block)
	s.waitRoutines()
	require.True(t, s.goFunc(func() {}))
	s.waitRoutines()
}

func TestNewValidator(t *testing.T) {
	keyList, _, peerSet := initPeers(t, 3)
	v := NewValidator(keyList[2], "carol")
	require.Equal(t, 2, v.Index(peerSet))
	require.Equal(t, common.EncodeToString(v.PublicKeyBytes()), v.PublicKeyHex())
}
