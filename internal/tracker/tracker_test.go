package tracker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCompactPeersRejectsBadLength(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3, 4, 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDecodeCompactPeersDropsZeroPort(t *testing.T) {
	// 1.2.3.4:6881, 5.6.7.8:51413, 10.0.0.1:0
	blob := []byte{
		1, 2, 3, 4, 0x1a, 0xe1,
		5, 6, 7, 8, 0xc8, 0xd5,
		10, 0, 0, 1, 0, 0,
	}
	peers, err := decodeCompactPeers(blob)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, net.IPv4(1, 2, 3, 4).String(), peers[0].IP.String())
	assert.EqualValues(t, 6881, peers[0].Port)
	assert.Equal(t, net.IPv4(5, 6, 7, 8).String(), peers[1].IP.String())
	assert.EqualValues(t, 51413, peers[1].Port)
}

func TestDecodeCompactPeersDedupes(t *testing.T) {
	blob := []byte{
		1, 2, 3, 4, 0x1a, 0xe1,
		1, 2, 3, 4, 0x1a, 0xe1,
	}
	peers, err := decodeCompactPeers(blob)
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestPercentEncodeRawAllBytes(t *testing.T) {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = byte(i)
	}
	enc := percentEncodeRaw(raw)
	// bytes 0x00..0x13 are all outside the unreserved set and must be
	// percent-escaped.
	assert.Contains(t, enc, "%00")
	assert.Contains(t, enc, "%0F")
}

func TestNewClientDispatchesByScheme(t *testing.T) {
	h, err := NewClient("http://tracker.example/announce", 0)
	require.NoError(t, err)
	_, isHTTP := h.(*HTTPTracker)
	assert.True(t, isHTTP)

	u, err := NewClient("udp://tracker.example:80/announce", 0)
	require.NoError(t, err)
	_, isUDP := u.(*UDPTracker)
	assert.True(t, isUDP)

	_, err = NewClient("wss://tracker.example/announce", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "started", EventStarted.String())
	assert.Equal(t, "completed", EventCompleted.String())
	assert.Equal(t, "stopped", EventStopped.String())
	assert.Equal(t, "", EventNone.String())
}
