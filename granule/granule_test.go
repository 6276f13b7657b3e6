package granule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergetree/row"
)

func TestAddRowAndFull(t *testing.T) {
	g := New()
	for i := 0; i < Size; i++ {
		require.NoError(t, g.AddRow(row.New("k", "v", uint64(i))))
	}
	assert.True(t, g.IsFull())
	assert.ErrorIs(t, g.AddRow(row.New("k", "v", 9999)), ErrFull)
}

func TestSortIsIdempotentAndSetsRange(t *testing.T) {
	g := New()
	require.NoError(t, g.AddRow(row.New("c", "3", 1)))
	require.NoError(t, g.AddRow(row.New("a", "1", 1)))
	require.NoError(t, g.AddRow(row.New("b", "2", 1)))

	g.Sort()
	assert.Equal(t, "a", g.MinKey())
	assert.Equal(t, "c", g.MaxKey())

	rows := g.Rows()
	assert.Equal(t, []string{"a", "b", "c"}, []string{rows[0].Key, rows[1].Key, rows[2].Key})

	g.Sort() // idempotent
	assert.Equal(t, "a", g.MinKey())
}

func TestQueryRangeRequiresSorted(t *testing.T) {
	g := New()
	require.NoError(t, g.AddRow(row.New("a", "1", 1)))

	_, err := g.QueryRange("a", "z")
	assert.ErrorIs(t, err, ErrNotSorted)

	g.Sort()
	result, err := g.QueryRange("a", "z")
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestQueryRangeEarlyExit(t *testing.T) {
	g := New()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, g.AddRow(row.New(k, k, 1)))
	}
	g.Sort()

	result, err := g.QueryRange("b", "c")
	require.NoError(t, err)
	assert.Len(t, result, 2)
	assert.Equal(t, "b", result[0].Key)
	assert.Equal(t, "c", result[1].Key)
}

func TestEmptyGranule(t *testing.T) {
	g := New()
	assert.True(t, g.IsEmpty())
	assert.Equal(t, 0, g.Size())
	g.Sort()
	result, err := g.QueryRange("a", "z")
	require.NoError(t, err)
	assert.Empty(t, result)
}
