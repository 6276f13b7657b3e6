package sparseindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildIndex() *Index {
	idx := New()
	idx.AddEntry("a", "c", 0, 10)
	idx.AddEntry("d", "f", 1, 5)
	idx.AddEntry("g", "g", 2, 1)
	return idx
}

func TestFindGranules(t *testing.T) {
	idx := buildIndex()

	assert.Equal(t, []uint64{0}, idx.FindGranules("a", "b"))
	assert.Equal(t, []uint64{0, 1}, idx.FindGranules("b", "e"))
	assert.Equal(t, []uint64{2}, idx.FindGranulesForKey("g"))
	assert.Empty(t, idx.FindGranules("x", "z"))
}

func TestOverlapsInclusive(t *testing.T) {
	e := Entry{MinKey: "b", MaxKey: "d"}
	assert.True(t, e.Overlaps("d", "e"))
	assert.True(t, e.Overlaps("a", "b"))
	assert.False(t, e.Overlaps("e", "f"))
	assert.False(t, e.Overlaps("x", "a"))
}

func TestSaveAndLoad(t *testing.T) {
	idx := buildIndex()
	path := filepath.Join(t.TempDir(), "primary.idx")

	require.NoError(t, idx.SaveToFile(path))

	loaded := New()
	require.NoError(t, loaded.LoadFromFile(path))

	assert.Equal(t, idx.Entries(), loaded.Entries())
}

func TestMergeRewritesGranuleIndex(t *testing.T) {
	a := New()
	a.AddEntry("a", "b", 0, 2)
	b := New()
	b.AddEntry("c", "d", 0, 3)

	a.Merge(b, 1)

	assert.Len(t, a.Entries(), 2)
	assert.Equal(t, uint64(1), a.Entries()[1].GranuleIndex)
}
