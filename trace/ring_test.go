package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing(3)
	for i := uint32(1); i <= 5; i++ {
		r.Add(Entry{Direction: RX, TypeID: i})
	}

	require.Equal(t, 3, r.Len())
	got := r.Last(0)
	require.Len(t, got, 3)
	assert.Equal(t, []uint32{3, 4, 5}, []uint32{got[0].TypeID, got[1].TypeID, got[2].TypeID})
	assert.Equal(t, uint64(5), got[2].Seq)
	assert.False(t, got[0].Time.IsZero())
}

func TestRingSince(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 4; i++ {
		r.Add(Entry{Direction: TX})
	}

	assert.Len(t, r.Since(0), 4)
	since := r.Since(2)
	require.Len(t, since, 2)
	assert.Equal(t, uint64(3), since[0].Seq)
	assert.Empty(t, r.Since(4))
}

func TestRingLast(t *testing.T) {
	r := NewRing(0)
	assert.Empty(t, r.Last(5))

	r.Add(Entry{Telegram: "jobList"})
	r.Add(Entry{Telegram: "preview"})
	last := r.Last(1)
	require.Len(t, last, 1)
	assert.Equal(t, "preview", last[0].Telegram)
	assert.Len(t, r.Last(10), 2)
}
