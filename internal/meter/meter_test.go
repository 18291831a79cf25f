package meter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAccumulatesTotal(t *testing.T) {
	m := New()
	m.Add(100)
	m.Add(50)
	assert.EqualValues(t, 150, m.Total())
}

func TestTickProducesNonNegativeRate(t *testing.T) {
	m := New()
	m.Add(16384)
	m.Tick()
	m.Add(16384)
	m.Tick()
	assert.GreaterOrEqual(t, m.Rate(), 0.0)
}

func TestResetIsIdempotent(t *testing.T) {
	m := New()
	m.Add(1000)
	m.Tick()
	m.Reset()
	m.Reset()
	assert.EqualValues(t, 0, m.Total())
}
