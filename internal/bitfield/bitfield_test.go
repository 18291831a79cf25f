package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTestMSBFirst(t *testing.T) {
	bf := New(10)
	bf.Set(0)
	b := bf.Bytes()
	assert.Equal(t, byte(0x80), b[0], "index 0 must be the MSB of the first byte")
}

func TestNewBytesRejectsShort(t *testing.T) {
	_, err := NewBytes([]byte{0xff}, 9)
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestNewBytesAcceptsLongerIgnoringExtraBits(t *testing.T) {
	// 9 pieces need ceil(9/8)=2 bytes; give 3 bytes, extra bits ignored.
	data := []byte{0xff, 0xff, 0xff}
	bf, err := NewBytes(data, 9)
	require.NoError(t, err)
	assert.True(t, bf.All())
	assert.Equal(t, 9, bf.Count())
}

func TestAllAndCount(t *testing.T) {
	bf := New(3)
	assert.False(t, bf.All())
	bf.Set(0)
	bf.Set(1)
	bf.Set(2)
	assert.True(t, bf.All())
	assert.Equal(t, 3, bf.Count())
}

func TestSetAllMarksEveryPiece(t *testing.T) {
	bf := New(5)
	bf.SetAll()
	assert.True(t, bf.All())
	assert.Equal(t, 5, bf.Count())
}

func TestRoundTripBytes(t *testing.T) {
	bf := New(20)
	bf.Set(0)
	bf.Set(19)
	bf.Set(7)
	out, err := NewBytes(bf.Bytes(), 20)
	require.NoError(t, err)
	assert.True(t, out.Test(0))
	assert.True(t, out.Test(19))
	assert.True(t, out.Test(7))
	assert.False(t, out.Test(1))
}
