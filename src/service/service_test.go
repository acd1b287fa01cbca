package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mosaicnetworks/ebft/src/block"
	"github.com/mosaicnetworks/ebft/src/blockdb"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/net"
	"github.com/mosaicnetworks/ebft/src/node"
	"github.com/mosaicnetworks/ebft/src/peers"
	"github.com/mosaicnetworks/ebft/src/store"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *node.Node, store.Store) {
	key, err := keys.GenerateECDSAKey()
	require.NoError(t, err)

	addr, trans := net.NewInmemTransport("")
	peerSet := peers.NewPeerSet([]*peers.Peer{
		peers.NewPeer(keys.PublicKeyHex(&key.PublicKey), addr, "solo"),
	})

	conf := node.TestConfig(t)
	conf.TickInterval = 5 * time.Millisecond
	conf.Build.MaxBlockTime = 20
	conf.Build.MinInterBlockInterval = 1
	logger := conf.Logger.WithField("prefix", "service")

	st := store.NewInmemStore()
	txQueue := blockdb.NewTxQueue(10)
	db := blockdb.NewBaseBlockDatabase(st, txQueue, key, peerSet.PubKeys(), peerSet.Quorum(),
		[]byte("service-test"), conf.Clock, logger)
	strategy := blockdb.NewBuildStrategy(conf.Build, conf.Clock, txQueue, db, logger)
	db.SetStrategy(strategy)
	comm := net.NewCommManager(key, peerSet, trans, 0, conf.Registry, logger)

	n := node.NewNode(conf, node.NewValidator(key, "solo"), peerSet, db, txQueue, strategy, comm)
	require.NoError(t, n.Init())

	return NewService("127.0.0.1:0", n, conf.Registry, logger), n, st
}

func get(t *testing.T, s *Service, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestService_Endpoints(t *testing.T) {
	s, n, st := newTestService(t)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.RunAsync(ctx)
	defer n.Shutdown()

	req := httptest.NewRequest("POST", "/tx", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return st.LastHeight() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	rec = get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := map[string]string{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Equal(t, "solo", stats["moniker"])
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := node.Snapshot{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	require.Equal(t, 0, snap.MyIndex)
	require.Equal(t, 1, snap.Quorum)

	rec = get(t, s, "/block/0")
	require.Equal(t, http.StatusOK, rec.Code)
	b := block.DataWithWitness{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&b))
	require.Equal(t, int64(0), b.Height)

	rec = get(t, s, "/block/1000")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, s, "/block/abc")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, s, "/peers")
	require.Equal(t, http.StatusOK, rec.Code)
	ps := []*peers.Peer{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ps))
	require.Len(t, ps, 1)
	require.Equal(t, "solo", ps[0].Moniker)

	rec = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	m := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	require.Contains(t, m, "sync.height")
}

func TestService_RejectsEmptyTx(t *testing.T) {
	s, n, st := newTestService(t)
	defer st.Close()
	defer n.Shutdown()

	req := httptest.NewRequest("POST", "/tx", strings.NewReader(""))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestService_ServeStopsWithContext(t *testing.T) {
	s, n, st := newTestService(t)
	defer st.Close()
	defer n.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
