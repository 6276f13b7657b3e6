package part

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergetree/granule"
	"mergetree/row"
)

func rowsN(n int) []row.Row {
	rows := make([]row.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = row.New(fmt.Sprintf("k-%05d", i), fmt.Sprintf("v-%d", i), uint64(i))
	}
	return rows
}

func TestWriteFromMemtableRowsAndQuery(t *testing.T) {
	dir := t.TempDir()
	p := New(1, dir)

	rows := rowsN(20000) // spans three granules
	require.NoError(t, p.WriteFromMemtableRows(rows))

	assert.True(t, p.ExistsOnDisk())
	assert.Equal(t, uint64(20000), p.Metadata().RowCount)
	assert.Equal(t, uint64(3), p.Metadata().GranuleCount)

	got, err := p.Query("k-00010", "k-00012")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestWriteGranulesEmptyFails(t *testing.T) {
	p := New(1, t.TempDir())
	assert.ErrorIs(t, p.WriteFromMemtableRows(nil), ErrEmptyInput)
	assert.ErrorIs(t, p.WriteGranules(nil), ErrEmptyInput)
}

func TestLoadUnloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := New(7, dir)
	require.NoError(t, p.WriteFromMemtableRows(rowsN(100)))

	p.Unload()
	assert.False(t, p.IsLoaded())

	reopened := New(7, dir)
	require.NoError(t, reopened.Load())
	assert.True(t, reopened.IsLoaded())
	assert.Equal(t, p.Metadata().RowCount, reopened.Metadata().RowCount)
	assert.Equal(t, p.Metadata().MinKey, reopened.Metadata().MinKey)
	assert.Equal(t, p.Metadata().MaxKey, reopened.Metadata().MaxKey)

	rows, err := reopened.GetAllRows()
	require.NoError(t, err)
	assert.Len(t, rows, 100)
}

func TestLoadMissingPartFails(t *testing.T) {
	p := New(99, t.TempDir())
	assert.ErrorIs(t, p.Load(), ErrNotOnDisk)
}

func TestLoadMetadataWithoutGranules(t *testing.T) {
	dir := t.TempDir()
	p := New(3, dir)
	require.NoError(t, p.WriteFromMemtableRows(rowsN(10)))
	p.Unload()

	reopened := New(3, dir)
	require.NoError(t, reopened.LoadMetadata())
	assert.False(t, reopened.IsLoaded())
	assert.Equal(t, "k-00000", reopened.Metadata().MinKey)
	assert.True(t, reopened.OverlapsRange("k-00000", "k-00005"))
}

func TestOverlapsRangeAndQueryOutsideRange(t *testing.T) {
	dir := t.TempDir()
	p := New(1, dir)
	require.NoError(t, p.WriteFromMemtableRows(rowsN(10)))

	assert.True(t, p.OverlapsRange("k-00000", "k-00003"))
	assert.False(t, p.OverlapsRange("z-00000", "z-00003"))

	got, err := p.Query("z-00000", "z-00003")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteFromDisk(t *testing.T) {
	dir := t.TempDir()
	p := New(1, dir)
	require.NoError(t, p.WriteFromMemtableRows(rowsN(10)))
	assert.True(t, p.ExistsOnDisk())

	require.NoError(t, p.DeleteFromDisk())
	assert.False(t, p.ExistsOnDisk())
	assert.False(t, p.IsLoaded())
}

func TestDiskUsageCountsFiles(t *testing.T) {
	dir := t.TempDir()
	p := New(1, dir)
	require.NoError(t, p.WriteFromMemtableRows(rowsN(10)))

	assert.Greater(t, p.DiskUsage(), uint64(0))
}

func TestWriteGranulesSortsUnsortedInput(t *testing.T) {
	dir := t.TempDir()
	p := New(1, dir)

	g := granule.New()
	require.NoError(t, g.AddRow(row.New("b", "2", 1)))
	require.NoError(t, g.AddRow(row.New("a", "1", 1)))

	require.NoError(t, p.WriteGranules([]*granule.Granule{g}))

	rows, err := p.GetAllRows()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].Key)
	assert.Equal(t, "b", rows[1].Key)
}

func TestPartDirectoryNaming(t *testing.T) {
	dir := t.TempDir()
	p := New(42, dir)
	assert.Equal(t, filepath.Join(dir, "part_42"), p.Directory())
}
