package peerprotocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{9, 9, 9}}
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, HandshakeLen, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHandshakeRejectsBadProtocol(t *testing.T) {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:], "not bittorrent nope")
	_, err := ReadHandshake(bytes.NewReader(buf))
	assert.ErrorIs(t, err, ErrInvalidProtocol)
}

func TestReadMessageKeepAlive(t *testing.T) {
	msg, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestWriteReadChoke(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, ChokeMessage))
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, Choke, msg.ID())
}

func TestWriteReadHave(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, HaveMessage{Index: 42}))
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	have, ok := msg.(HaveMessage)
	require.True(t, ok)
	assert.EqualValues(t, 42, have.Index)
}

func TestWriteReadRequestAndPiece(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, RequestMessage{Index: 1, Begin: 16384, Length: 16384}))
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	req := msg.(RequestMessage)
	assert.EqualValues(t, 1, req.Index)
	assert.EqualValues(t, 16384, req.Begin)
	assert.EqualValues(t, 16384, req.Length)

	block := bytes.Repeat([]byte{0xAB}, 16384)
	require.NoError(t, WriteMessage(&buf, PieceMessage{Index: 1, Begin: 0, Block: block}))
	msg, err = ReadMessage(&buf)
	require.NoError(t, err)
	pm := msg.(PieceMessage)
	assert.EqualValues(t, 1, pm.Index)
	assert.Equal(t, block, pm.Block)
}

func TestReadMessageRejectsBadFixedLength(t *testing.T) {
	// Have message (ID=4) with a 2-byte payload instead of 4.
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 3}) // length=3: 1 id byte + 2 payload bytes
	buf.WriteByte(byte(Have))
	buf.Write([]byte{0, 1})
	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestReadMessageRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestReadMessageTolerantOfUnknownID(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 2})
	buf.WriteByte(9) // unassigned/ignored ID
	buf.Write([]byte{0xAA})
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 9, msg.ID())
}

func TestBitfieldMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte{0b10100000, 0b00000001}
	require.NoError(t, WriteMessage(&buf, BitfieldMessage{Data: data}))
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	bf := msg.(BitfieldMessage)
	assert.Equal(t, data, bf.Data)
}
