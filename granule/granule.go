// Package granule implements the bounded, sorted row block that is the
// unit of indexing inside a Part.
package granule

import (
	"sort"

	"github.com/pkg/errors"

	"mergetree/row"
)

// Size is the maximum number of rows a single granule may hold, fixed to
// match the model's fundamental unit.
const Size = 8192

// ErrFull is returned by AddRow once the granule already holds Size rows.
var ErrFull = errors.New("granule: full")

// ErrNotSorted is returned by QueryRange on a granule that has not been
// sorted yet.
var ErrNotSorted = errors.New("granule: not sorted")

// Granule is a bounded, in-memory block of rows plus its cached key range.
// It is filled by AddRow, sorted exactly once, and read-only thereafter.
type Granule struct {
	rows   []row.Row
	minKey string
	maxKey string
	sorted bool
}

// New returns an empty granule ready to accept rows.
func New() *Granule {
	return &Granule{rows: make([]row.Row, 0, Size)}
}

// FromRows builds an already-sorted granule from a pre-sorted slice of at
// most Size rows, as used when rehydrating a granule from disk.
func FromRows(rows []row.Row) *Granule {
	g := &Granule{rows: rows, sorted: true}
	g.updateKeyRange()
	return g
}

// AddRow appends row to the granule. It fails with ErrFull once the
// granule already holds Size rows.
func (g *Granule) AddRow(r row.Row) error {
	if g.IsFull() {
		return ErrFull
	}
	g.rows = append(g.rows, r)
	g.sorted = false
	g.updateKeyRangeUnsorted()
	return nil
}

// IsFull reports whether the granule has reached Size rows.
func (g *Granule) IsFull() bool {
	return len(g.rows) >= Size
}

// IsEmpty reports whether the granule holds no rows.
func (g *Granule) IsEmpty() bool {
	return len(g.rows) == 0
}

// Size returns the number of rows currently in the granule.
func (g *Granule) Size() int {
	return len(g.rows)
}

// Sort orders the granule's rows by (key, timestamp) ascending. Idempotent:
// calling it again once already sorted is a no-op.
func (g *Granule) Sort() {
	if g.sorted {
		return
	}
	sort.Slice(g.rows, func(i, j int) bool { return g.rows[i].Less(g.rows[j]) })
	g.sorted = true
	g.updateKeyRange()
}

// MinKey returns the granule's minimum key. Only meaningful once the
// granule holds at least one row.
func (g *Granule) MinKey() string { return g.minKey }

// MaxKey returns the granule's maximum key.
func (g *Granule) MaxKey() string { return g.maxKey }

// Rows returns the granule's rows in their current order. The caller must
// not mutate the returned slice.
func (g *Granule) Rows() []row.Row { return g.rows }

// QueryRange returns every row with start <= key <= end, in granule order.
// It requires the granule to be sorted and fails with ErrNotSorted
// otherwise; it early-exits once a row's key exceeds end.
func (g *Granule) QueryRange(start, end string) ([]row.Row, error) {
	if !g.sorted {
		return nil, ErrNotSorted
	}

	result := make([]row.Row, 0, len(g.rows))
	for _, r := range g.rows {
		if r.Key > end {
			break
		}
		if r.Key >= start {
			result = append(result, r)
		}
	}
	return result, nil
}

// MemoryUsage estimates the granule's heap footprint.
func (g *Granule) MemoryUsage() int {
	total := 0
	for _, r := range g.rows {
		total += r.Size()
	}
	return total
}

func (g *Granule) updateKeyRange() {
	if len(g.rows) == 0 {
		g.minKey, g.maxKey = "", ""
		return
	}
	g.minKey = g.rows[0].Key
	g.maxKey = g.rows[len(g.rows)-1].Key
}

// updateKeyRangeUnsorted keeps min/max valid even before the granule has
// been sorted, mirroring the original's eager update_key_range on every
// add_row (it scans for min/max explicitly when unsorted).
func (g *Granule) updateKeyRangeUnsorted() {
	min, max := g.rows[0].Key, g.rows[0].Key
	for _, r := range g.rows {
		if r.Key < min {
			min = r.Key
		}
		if r.Key > max {
			max = r.Key
		}
	}
	g.minKey, g.maxKey = min, max
}
