package net

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/message"
	"github.com/mosaicnetworks/ebft/src/peers"
)

type testNet struct {
	keys     []*ecdsa.PrivateKey
	peerSet  *peers.PeerSet
	trans    []*InmemTransport
	managers []*CommManager
}

func newTestNet(t *testing.T, n int) *testNet {
	tn := &testNet{}
	ps := []*peers.Peer{}

	for i := 0; i < n; i++ {
		key, err := keys.GenerateECDSAKey()
		if err != nil {
			t.Fatal(err)
		}
		addr, trans := NewInmemTransport("")
		tn.keys = append(tn.keys, key)
		tn.trans = append(tn.trans, trans)
		ps = append(ps, peers.NewPeer(keys.PublicKeyHex(&key.PublicKey), addr, ""))
	}

	ConnectAll(tn.trans)
	tn.peerSet = peers.NewPeerSet(ps)

	for i := 0; i < n; i++ {
		cm := NewCommManager(tn.keys[i], tn.peerSet, tn.trans[i], 0, nil, common.NewTestEntry(t, common.TestLogLevel))
		tn.managers = append(tn.managers, cm)
	}

	return tn
}

func (tn *testNet) shutdown() {
	for _, cm := range tn.managers {
		cm.Shutdown()
	}
}

func expectInbound(t *testing.T, cm *CommManager) Inbound {
	select {
	case in := <-cm.Inbound():
		return in
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for inbound message")
	}
	return Inbound{}
}

func expectNothing(t *testing.T, cm *CommManager) {
	select {
	case in := <-cm.Inbound():
		t.Fatalf("unexpected message %s from %d", message.Describe(in.Message), in.From)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCommManager_Broadcast(t *testing.T) {
	tn := newTestNet(t, 4)
	defer tn.shutdown()

	tn.managers[2].Broadcast(&message.GetBlockAtHeight{Height: 7})

	for i, cm := range tn.managers {
		if i == 2 {
			expectNothing(t, cm)
			continue
		}
		in := expectInbound(t, cm)
		if in.From != 2 {
			t.Fatalf("manager %d: From should be 2, not %d", i, in.From)
		}
		m, ok := in.Message.(*message.GetBlockAtHeight)
		if !ok || m.Height != 7 {
			t.Fatalf("manager %d: unexpected message %s", i, message.Describe(in.Message))
		}
	}
}

func TestCommManager_SendToAndReply(t *testing.T) {
	tn := newTestNet(t, 3)
	defer tn.shutdown()

	tn.managers[0].SendTo(1, &message.GetUnfinishedBlock{BlockRID: []byte("rid")})

	in := expectInbound(t, tn.managers[1])
	if in.From != 0 {
		t.Fatalf("From should be 0, not %d", in.From)
	}
	expectNothing(t, tn.managers[2])

	tn.managers[1].Reply(in, &message.GetBlockSignature{BlockRID: []byte("rid")})

	back := expectInbound(t, tn.managers[0])
	if back.From != 1 || back.Message.Type() != message.TypeGetBlockSignature {
		t.Fatalf("unexpected reply %s from %d", message.Describe(back.Message), back.From)
	}
}

func TestCommManager_SendToSelfIgnored(t *testing.T) {
	tn := newTestNet(t, 2)
	defer tn.shutdown()

	tn.managers[0].SendTo(0, &message.GetBlockAtHeight{Height: 1})
	tn.managers[0].SendTo(5, &message.GetBlockAtHeight{Height: 1})

	expectNothing(t, tn.managers[0])
	expectNothing(t, tn.managers[1])
}

func TestCommManager_NonValidator(t *testing.T) {
	tn := newTestNet(t, 2)
	defer tn.shutdown()

	outsiderKey, _ := keys.GenerateECDSAKey()
	outsiderAddr, outsiderTrans := NewInmemTransport("")
	ConnectAll([]*InmemTransport{outsiderTrans, tn.trans[0]})
	outsider := NewCommManager(outsiderKey, tn.peerSet, outsiderTrans, 0, nil, common.NewTestEntry(t, common.TestLogLevel))
	defer outsider.Shutdown()

	if outsider.MyIndex() != NonValidator {
		t.Fatalf("outsider index should be %d, not %d", NonValidator, outsider.MyIndex())
	}

	outsider.SendTo(0, &message.GetBlockAtHeight{Height: 3})

	in := expectInbound(t, tn.managers[0])
	if in.From != NonValidator {
		t.Fatalf("From should be NonValidator, not %d", in.From)
	}
	if in.Addr != outsiderAddr {
		t.Fatalf("Addr should be %s, not %s", outsiderAddr, in.Addr)
	}

	tn.managers[0].Reply(in, &message.BlockHeader{Header: []byte{}, Witness: []byte{}, RequestedHeight: 3})

	back := expectInbound(t, outsider)
	if back.From != 0 || back.Message.Type() != message.TypeBlockHeader {
		t.Fatalf("unexpected reply %s from %d", message.Describe(back.Message), back.From)
	}
}

func TestCommManager_RejectsForgedEnvelope(t *testing.T) {
	tn := newTestNet(t, 3)
	defer tn.shutdown()

	sm, err := message.Sign(&message.GetBlockAtHeight{Height: 1}, tn.keys[1])
	if err != nil {
		t.Fatal(err)
	}
	// claim to be validator 2
	sm.PubKey = keys.FromPublicKey(&tn.keys[2].PublicKey)
	forged, err := sm.Encode()
	if err != nil {
		t.Fatal(err)
	}

	garbage := []byte{0x01, 0x02, 0x03}

	for _, payload := range [][]byte{forged, garbage} {
		if err := tn.trans[1].Send(tn.trans[0].LocalAddr(), payload); err != nil {
			t.Fatal(err)
		}
	}

	expectNothing(t, tn.managers[0])
	if tn.managers[0].rejected.Count() != 2 {
		t.Fatalf("rejected should be 2, not %d", tn.managers[0].rejected.Count())
	}
}
