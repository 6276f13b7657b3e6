package memtable

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergetree/granule"
	"mergetree/row"
)

func TestInsertAndGetAllRowsOrdered(t *testing.T) {
	mt := New()
	mt.Insert(row.New("b", "2", 1))
	mt.Insert(row.New("a", "1", 1))
	mt.Insert(row.New("c", "3", 1))
	mt.Insert(row.New("a", "1b", 2))

	rows := mt.GetAllRows()
	require.Len(t, rows, 4)
	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].Less(rows[i-1]), "rows must be non-decreasing")
	}
	assert.Equal(t, "a", rows[0].Key)
	assert.Equal(t, "a", rows[1].Key)
	assert.Equal(t, uint64(1), rows[0].Timestamp)
	assert.Equal(t, uint64(2), rows[1].Timestamp)
}

func TestDuplicatesPreserved(t *testing.T) {
	mt := New()
	mt.Insert(row.New("k", "v1", 5))
	mt.Insert(row.New("k", "v2", 5))

	rows := mt.QueryKey("k")
	assert.Len(t, rows, 2)
}

func TestQueryRangeFiltersAndOrders(t *testing.T) {
	mt := New()
	for _, k := range []string{"e", "a", "c", "g", "b"} {
		mt.Insert(row.New(k, "v", 1))
	}

	got := mt.Query("b", "e")
	var keys []string
	for _, r := range got {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"b", "c", "e"}, keys)
}

func TestEmptyAndClear(t *testing.T) {
	mt := New()
	assert.True(t, mt.Empty())

	mt.Insert(row.New("a", "1", 1))
	assert.False(t, mt.Empty())
	assert.Equal(t, 1, mt.Size())
	assert.Greater(t, mt.MemoryUsage(), 0)

	mt.Clear()
	assert.True(t, mt.Empty())
	assert.Equal(t, 0, mt.Size())
	assert.Empty(t, mt.GetAllRows())
}

func TestFlushToGranulesSplitsOnSize(t *testing.T) {
	mt := New()
	n := granule.Size + 10
	for i := 0; i < n; i++ {
		mt.Insert(row.New(fmt.Sprintf("key-%05d", i), "v", 1))
	}

	granules := mt.FlushToGranules()
	require.Len(t, granules, 2)
	assert.Equal(t, granule.Size, granules[0].Size())
	assert.Equal(t, 10, granules[1].Size())
	assert.Equal(t, "key-00000", granules[0].MinKey())
	assert.Equal(t, "key-08201", granules[1].MaxKey())
}

func TestFlushToGranulesEmpty(t *testing.T) {
	mt := New()
	assert.Empty(t, mt.FlushToGranules())
}

func TestInsertManyRandomStaysOrdered(t *testing.T) {
	mt := New()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k-%04d", rng.Intn(200))
		mt.Insert(row.New(key, "v", uint64(rng.Intn(5))))
	}

	rows := mt.GetAllRows()
	require.Len(t, rows, 500)
	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].Less(rows[i-1]))
	}
}
