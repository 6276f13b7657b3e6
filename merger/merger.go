// Package merger implements compaction: choosing which parts to merge
// and performing the k-way merge that produces their replacement.
package merger

import (
	"container/heap"
	"sync/atomic"

	"github.com/pkg/errors"

	"mergetree/part"
	"mergetree/row"
)

// ErrEmptyInput is returned by MergeParts when given no parts to merge.
var ErrEmptyInput = errors.WithMessage(part.ErrEmptyInput, "merger: cannot merge empty parts")

// maxTotalSizeBytes is the size_factor's saturation point: candidates
// totalling this many bytes or more get the full size_factor weight.
const maxTotalSizeBytes = 10 * 1024 * 1024

// Candidate is a scored, not-yet-executed merge opportunity: a subset of
// part indices (into the slice passed to SelectCandidates) worth merging.
type Candidate struct {
	PartIndices []int
	TotalRows   uint64
	TotalSize   uint64
	Score       float64
}

// Merger selects merge candidates and executes merges, allocating part
// IDs on the Engine's behalf.
type Merger struct {
	basePath   string
	nextPartID uint64
}

// New returns a Merger rooted at basePath with part IDs starting at 1.
func New(basePath string) *Merger {
	return &Merger{basePath: basePath, nextPartID: 1}
}

// NextPartID returns the next part ID that will be allocated.
func (m *Merger) NextPartID() uint64 {
	return atomic.LoadUint64(&m.nextPartID)
}

// SetNextPartID overrides the next part ID to allocate, used during
// recovery to advance past the highest part_id found on disk.
func (m *Merger) SetNextPartID(id uint64) {
	atomic.StoreUint64(&m.nextPartID, id)
}

// AllocatePartID hands out the next part ID and advances the counter.
// The engine uses this for both flushes and merges so IDs stay strictly
// monotonic across both paths.
func (m *Merger) AllocatePartID() uint64 {
	return atomic.AddUint64(&m.nextPartID, 1) - 1
}

// SelectCandidates scores every adjacent pair, and (only once there are
// at least three parts) every adjacent triple, of parts, and returns up
// to maxCandidates of them sorted by descending score. A candidate whose
// score is zero is excluded.
func (m *Merger) SelectCandidates(parts []*part.Part, maxCandidates int) []Candidate {
	var candidates []Candidate
	if len(parts) < 2 {
		return candidates
	}

	for i := 0; i+1 < len(parts); i++ {
		if c, ok := m.scoreCandidate([]int{i, i + 1}, parts); ok {
			candidates = append(candidates, c)
		}
	}

	// Guarded against the original's unsigned-underflow bug: parts.size()-2
	// only makes sense once there are at least three parts.
	if len(parts) >= 3 {
		for i := 0; i <= len(parts)-3; i++ {
			if c, ok := m.scoreCandidate([]int{i, i + 1, i + 2}, parts); ok {
				candidates = append(candidates, c)
			}
		}
	}

	sortByScoreDesc(candidates)
	if maxCandidates < 0 {
		maxCandidates = 0
	}
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates
}

func (m *Merger) scoreCandidate(indices []int, parts []*part.Part) (Candidate, bool) {
	score, totalRows, totalSize := calculateMergeScore(indices, parts)
	if score <= 0 {
		return Candidate{}, false
	}
	return Candidate{PartIndices: indices, TotalRows: totalRows, TotalSize: totalSize, Score: score}, true
}

func calculateMergeScore(indices []int, parts []*part.Part) (score float64, totalRows, totalSize uint64) {
	if len(indices) == 0 {
		return 0, 0, 0
	}

	var minSize uint64 = ^uint64(0)
	var maxSize uint64

	for _, idx := range indices {
		if idx >= len(parts) {
			return 0, 0, 0
		}
		size := parts[idx].DiskUsage()
		totalRows += parts[idx].Metadata().RowCount
		totalSize += size
		if size < minSize {
			minSize = size
		}
		if size > maxSize {
			maxSize = size
		}
	}

	if totalRows == 0 || totalSize == 0 {
		return 0, totalRows, totalSize
	}

	sizeRatio := float64(minSize) / float64(maxSize)
	partsFactor := 1.0 / float64(len(indices))
	sizeFactor := float64(totalSize) / float64(maxTotalSizeBytes)
	if sizeFactor > 1.0 {
		sizeFactor = 1.0
	}

	score = sizeRatio * partsFactor * sizeFactor * 100.0
	return score, totalRows, totalSize
}

func sortByScoreDesc(candidates []Candidate) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].Score > candidates[j-1].Score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}

// MergeParts merges parts into a single new Part written under the
// Merger's base path with a freshly allocated part ID. A single input
// part is returned unchanged. Parts are read via GetAllRows (loading
// them from disk as needed) and are not otherwise modified; the caller
// is responsible for deleting their on-disk files once the merge
// succeeds.
func (m *Merger) MergeParts(parts []*part.Part) (*part.Part, error) {
	if len(parts) == 0 {
		return nil, ErrEmptyInput
	}
	if len(parts) == 1 {
		return parts[0], nil
	}

	merged, err := mergeRows(parts)
	if err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, errors.New("merger: merge resulted in empty rows")
	}

	out := part.New(m.AllocatePartID(), m.basePath)
	if err := out.WriteFromMemtableRows(merged); err != nil {
		return nil, errors.Wrap(err, "merger: write merged part")
	}
	return out, nil
}

// mergeRows performs the k-way merge across parts' rows, keeping rows in
// (key ascending, timestamp descending) order as they pop off the heap
// and collapsing exact (key, timestamp) duplicates, keeping the first
// (latest-timestamp) copy popped.
func mergeRows(parts []*part.Part) ([]row.Row, error) {
	sources := make([][]row.Row, len(parts))
	for i, p := range parts {
		rows, err := p.GetAllRows()
		if err != nil {
			return nil, errors.Wrap(err, "merger: read part rows")
		}
		sources[i] = rows
	}

	h := newRowHeap(sources)
	heap.Init(h)

	var merged []row.Row
	for h.Len() > 0 {
		cur := heap.Pop(h).(cursor)
		r := cur.row()
		if len(merged) == 0 || !merged[len(merged)-1].SameIdentity(r) {
			merged = append(merged, r)
		}
		if next, ok := cur.advance(); ok {
			heap.Push(h, next)
		}
	}
	return merged, nil
}

// cursor is one part's current position in the k-way merge.
type cursor struct {
	rows []row.Row
	idx  int
}

func (c cursor) row() row.Row { return c.rows[c.idx] }

func (c cursor) advance() (cursor, bool) {
	next := cursor{rows: c.rows, idx: c.idx + 1}
	if next.idx >= len(next.rows) {
		return cursor{}, false
	}
	return next, true
}

// rowHeap orders cursors by (key ascending, timestamp descending), so
// that of two rows sharing a key, the one with the larger timestamp pops
// first.
type rowHeap []cursor

func newRowHeap(sources [][]row.Row) *rowHeap {
	h := make(rowHeap, 0, len(sources))
	for _, rows := range sources {
		if len(rows) > 0 {
			h = append(h, cursor{rows: rows, idx: 0})
		}
	}
	return &h
}

func (h rowHeap) Len() int { return len(h) }

func (h rowHeap) Less(i, j int) bool {
	a, b := h[i].row(), h[j].row()
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.Timestamp > b.Timestamp
}

func (h rowHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *rowHeap) Push(x interface{}) {
	*h = append(*h, x.(cursor))
}

func (h *rowHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
