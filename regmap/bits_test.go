package regmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBitSpec(t *testing.T) {
	t.Run("standard pattern", func(t *testing.T) {
		b := parseBitSpec("Cell overvoltage [0: Normal / 1: Fault]")
		assert.Equal(t, "Cell overvoltage", b.Desc)
		assert.Equal(t, "Normal", b.Clear)
		assert.Equal(t, "Fault", b.Set)
	})

	t.Run("reversed order", func(t *testing.T) {
		b := parseBitSpec("Contactor [1: Closed / 0: Open]")
		assert.Equal(t, "Contactor", b.Desc)
		assert.Equal(t, "Open", b.Clear)
		assert.Equal(t, "Closed", b.Set)
	})

	t.Run("pattern only", func(t *testing.T) {
		b := parseBitSpec("[0: OK / 1: Alarm]")
		assert.Equal(t, "", b.Desc)
		assert.Equal(t, "OK", b.Clear)
		assert.Equal(t, "Alarm", b.Set)
	})

	t.Run("free text fallback", func(t *testing.T) {
		b := parseBitSpec("Mystery vendor flag")
		assert.Equal(t, "Mystery vendor flag", b.Desc)
		assert.Equal(t, "inactive", b.Clear)
		assert.Equal(t, "active", b.Set)
	})
}

func TestDecodeBits(t *testing.T) {
	s := &Spec{
		Name: "status",
		Kind: KindBitmask,
		Bits: map[int]BitSpec{
			0: {Desc: "Running", Clear: "Stopped", Set: "Running"},
			3: {Desc: "Comms", Clear: "Normal", Set: "Fault"},
			5: {Desc: "Spare", Clear: "inactive", Set: "active"},
		},
	}

	states := s.DecodeBits(0b101000) // bits 3 and 5 set
	require.Len(t, states, 3)

	assert.Equal(t, 0, states[0].Bit)
	assert.False(t, states[0].Active)
	assert.Equal(t, "Stopped", states[0].Status)

	assert.Equal(t, 3, states[1].Bit)
	assert.True(t, states[1].Active)
	assert.Equal(t, "Fault", states[1].Status)

	assert.Equal(t, 5, states[2].Bit)
	assert.True(t, states[2].Active)
	assert.Equal(t, "active", states[2].Status)

	// Bits without a definition are not reported.
	states = s.DecodeBits(0b10)
	for _, st := range states {
		assert.False(t, st.Active)
	}

	assert.Equal(t, 2, s.ActiveCount(0b101000))
	assert.Equal(t, 0, s.ActiveCount(0))
}
