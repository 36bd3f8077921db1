package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerSet(t *testing.T) {
	ms := NewMarkerSet()

	_, err := ms.Add(Marker{Time: 1, Label: "   "})
	assert.ErrorIs(t, err, ErrEmptyLabel)

	m, err := ms.Add(Marker{Time: 3, Label: " c "})
	require.NoError(t, err)
	assert.Equal(t, "c", m.Label)
	ms.Add(Marker{Time: 1, Label: "a"})
	ms.Add(Marker{Time: 2, Label: "b"})

	assert.Equal(t, []Marker{{1, "a"}, {2, "b"}, {3, "c"}}, ms.List())

	_, ok := ms.Remove(2.5, 0.1)
	assert.False(t, ok)
	removed, ok := ms.Remove(2.05, 0.1)
	assert.True(t, ok)
	assert.Equal(t, "b", removed.Label)
	assert.Equal(t, []Marker{{1, "a"}, {3, "c"}}, ms.List())

	ms.OnReset()
	assert.Empty(t, ms.List())

	ms.Replace([]Marker{{5, "y"}, {4, "x"}})
	assert.Equal(t, []Marker{{4, "x"}, {5, "y"}}, ms.List())
}
