package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/bitforge/torrent/internal/peerprotocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndReceiveMessage(t *testing.T) {
	c1, c2 := net.Pipe()
	p1 := New(c1, [20]byte{1}, nil)
	p2 := New(c2, [20]byte{2}, nil)
	go p1.Run()
	go p2.Run()
	defer p1.Close()
	defer p2.Close()

	p1.Send(peerprotocol.HaveMessage{Index: 5})

	select {
	case msg := <-p2.Messages():
		have, ok := msg.(peerprotocol.HaveMessage)
		require.True(t, ok)
		assert.EqualValues(t, 5, have.Index)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestCloseUnblocksMessages(t *testing.T) {
	c1, c2 := net.Pipe()
	p1 := New(c1, [20]byte{1}, nil)
	go p1.Run()
	c2.Close()

	select {
	case _, ok := <-p1.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	p1.Close()
}
