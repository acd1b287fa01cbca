package net

import (
	"bytes"
	"testing"
	"time"

	"github.com/mosaicnetworks/ebft/src/common"
)

const (
	INMEM = iota
	TCP
	numTestTransports // NOTE: must be last
)

func NewTestTransport(ttype int, addr string, t *testing.T) Transport {
	switch ttype {
	case INMEM:
		_, it := NewInmemTransport(addr)
		return it
	case TCP:
		tt, err := NewTCPTransport(addr, "", 2, time.Second, common.NewTestEntry(t, common.TestLogLevel))
		if err != nil {
			t.Fatal(err)
		}
		go tt.Listen()
		return tt
	default:
		panic("Unknown transport type")
	}
}

func connect(ttype int, from, to Transport) {
	if ttype == INMEM {
		from.(*InmemTransport).Connect(to.AdvertiseAddr(), to)
	}
}

func TestTransport_StartStop(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans := NewTestTransport(ttype, "127.0.0.1:0", t)
		if err := trans.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}

func TestTransport_Send(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		trans1 := NewTestTransport(ttype, "127.0.0.1:0", t)
		trans2 := NewTestTransport(ttype, "127.0.0.1:0", t)
		connect(ttype, trans2, trans1)

		payloads := [][]byte{
			[]byte("first"),
			[]byte("second"),
			bytes.Repeat([]byte{0xab}, 100000),
		}

		for _, p := range payloads {
			if err := trans2.Send(trans1.AdvertiseAddr(), p); err != nil {
				t.Fatalf("transport %d: err: %v", ttype, err)
			}
		}

		for i, want := range payloads {
			select {
			case p := <-trans1.Consumer():
				if !bytes.Equal(p.Payload, want) {
					t.Fatalf("transport %d: payload %d mismatch", ttype, i)
				}
				if p.From != trans2.AdvertiseAddr() {
					t.Fatalf("transport %d: From should be %s, not %s", ttype, trans2.AdvertiseAddr(), p.From)
				}
			case <-time.After(time.Second):
				t.Fatalf("transport %d: timeout waiting for payload %d", ttype, i)
			}
		}

		trans2.Close()
		trans1.Close()
	}
}

func TestTransport_SendUnknownTarget(t *testing.T) {
	_, trans := NewInmemTransport("")
	defer trans.Close()

	if err := trans.Send("nowhere", []byte("x")); err == nil {
		t.Fatal("sending to an unconnected peer should fail")
	}
}

func TestTransport_Disconnect(t *testing.T) {
	addr1, trans1 := NewInmemTransport("")
	_, trans2 := NewInmemTransport("")
	trans2.Connect(addr1, trans1)

	if err := trans2.Send(addr1, []byte("x")); err != nil {
		t.Fatalf("err: %v", err)
	}

	trans2.Disconnect(addr1)

	if err := trans2.Send(addr1, []byte("y")); err == nil {
		t.Fatal("send after Disconnect should fail")
	}
}

func TestNetworkTransport_SendAfterClose(t *testing.T) {
	trans := NewTestTransport(TCP, "127.0.0.1:0", t)
	trans.Close()

	if err := trans.Send("127.0.0.1:1", []byte("x")); err != ErrTransportShutdown {
		t.Fatalf("err should be ErrTransportShutdown, not %v", err)
	}
}

func TestNetworkTransport_PooledConn(t *testing.T) {
	trans1 := NewTestTransport(TCP, "127.0.0.1:0", t).(*NetworkTransport)
	trans2 := NewTestTransport(TCP, "127.0.0.1:0", t).(*NetworkTransport)

	for i := 0; i < 10; i++ {
		if err := trans2.Send(trans1.AdvertiseAddr(), []byte{byte(i)}); err != nil {
			t.Fatalf("err: %v", err)
		}
		<-trans1.Consumer()
	}

	trans2.connPoolLock.Lock()
	pooled := len(trans2.connPool[trans1.AdvertiseAddr()])
	trans2.connPoolLock.Unlock()

	if pooled != 1 {
		t.Fatalf("sequential sends should reuse one connection, pool has %d", pooled)
	}

	trans2.Close()
	trans1.Close()
}
