package net

import (
	"testing"

	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/stretchr/testify/require"
)

func TestTCPTransport_BadAddr(t *testing.T) {
	_, err := NewTCPTransport("0.0.0.0:0", "", 1, 0, common.NewTestEntry(t, common.TestLogLevel))
	require.Equal(t, errNotAdvertisable, err)
}

func TestTCPTransport_WithAdvertise(t *testing.T) {
	trans, err := NewTCPTransport("0.0.0.0:0", "127.0.0.1:12345", 1, 0, common.NewTestEntry(t, common.TestLogLevel))
	require.NoError(t, err)
	defer trans.Close()

	require.Equal(t, "127.0.0.1:12345", trans.AdvertiseAddr())
}

func TestTCPTransport_AdvertisesBoundAddr(t *testing.T) {
	stream, err := listenTCP("127.0.0.1:0", "")
	require.NoError(t, err)
	defer stream.Close()

	require.Equal(t, stream.Addr().String(), stream.AdvertiseAddr())
}

func TestTCPTransport_UnresolvableAdvertise(t *testing.T) {
	_, err := listenTCP("127.0.0.1:0", "127.0.0.1:notaport")
	require.Error(t, err)
}
