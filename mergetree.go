// Package mergetree implements an embedded, single-node, append-only
// column-oriented key/value/timestamp storage engine: a minimal
// LSM-tree in the MergeTree family. Writes land in an in-memory
// MemTable, flush to immutable Parts once a threshold is crossed, and
// a background worker periodically compacts Parts to bound read
// fan-out.
//
// There is no write-ahead log: rows still in the MemTable are lost if the
// process exits without Shutdown or FlushMemtable.
package mergetree

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mergetree/internal/closer"
	"mergetree/internal/xlog"
	"mergetree/memtable"
	"mergetree/merger"
	"mergetree/part"
	"mergetree/row"
)

// Engine is the public facade: it owns the memtable, the ordered parts
// list, the merger, and the background worker, and provides the
// read/write surface described by the package doc.
type Engine struct {
	basePath string
	config   Config

	memtableMu sync.Mutex
	memtable   *memtable.MemTable

	partsMu sync.Mutex
	parts   []*part.Part

	merger *merger.Merger

	shutdownOnce sync.Once
	workerCloser *closer.Closer
}

// Open creates base_path if needed, recovers any existing parts found
// under it, and starts the background merge worker if config enables
// it.
func Open(basePath string, config Config) (*Engine, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrapf(IoError, "mkdir %s: %v", basePath, err)
	}

	e := &Engine{
		basePath: basePath,
		config:   config,
		memtable: memtable.New(),
		merger:   merger.New(basePath),
	}

	if err := e.loadExistingParts(); err != nil {
		return nil, err
	}

	if config.EnableBackgroundMerge {
		e.workerCloser = closer.New(1)
		go e.backgroundMergeWorker()
	}

	return e, nil
}

// Insert appends a row built from key, value, and timestamp.
func (e *Engine) Insert(key, value string, timestamp uint64) {
	e.InsertRow(row.New(key, value, timestamp))
}

// InsertRow appends r to the memtable, then flushes if the configured
// threshold has been reached.
func (e *Engine) InsertRow(r row.Row) {
	e.memtableMu.Lock()
	e.memtable.Insert(r)
	e.memtableMu.Unlock()

	e.triggerFlushIfNeeded()
}

// Query returns every row with start <= key <= end across the memtable
// and every overlapping part, sorted by (key, timestamp) and
// deduplicated by (key, timestamp), keeping the first occurrence.
func (e *Engine) Query(start, end string) ([]row.Row, error) {
	e.memtableMu.Lock()
	result := e.memtable.Query(start, end)
	e.memtableMu.Unlock()

	e.partsMu.Lock()
	parts := make([]*part.Part, len(e.parts))
	copy(parts, e.parts)
	e.partsMu.Unlock()

	for _, p := range parts {
		if !p.OverlapsRange(start, end) {
			continue
		}
		rows, err := p.Query(start, end)
		if err != nil {
			return nil, errors.Wrap(err, "mergetree: query part")
		}
		result = append(result, rows...)
	}

	row.ByOrder(result)
	return dedupeByIdentity(result), nil
}

// QueryKey is Query(key, key).
func (e *Engine) QueryKey(key string) ([]row.Row, error) {
	return e.Query(key, key)
}

// dedupeByIdentity collapses adjacent rows sharing (key, timestamp),
// keeping the first occurrence. rows must already be sorted by
// (key, timestamp).
func dedupeByIdentity(rows []row.Row) []row.Row {
	if len(rows) == 0 {
		return rows
	}
	out := rows[:1]
	for _, r := range rows[1:] {
		if !out[len(out)-1].SameIdentity(r) {
			out = append(out, r)
		}
	}
	return out
}

// FlushMemtable drains the memtable into a new immutable part, if it
// holds any rows. It is a no-op on an empty memtable.
func (e *Engine) FlushMemtable() error {
	e.memtableMu.Lock()
	if e.memtable.Empty() {
		e.memtableMu.Unlock()
		return nil
	}
	rows := e.memtable.GetAllRows()
	e.memtable.Clear()
	e.memtableMu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	newPart := part.New(e.merger.AllocatePartID(), e.basePath)
	if err := newPart.WriteFromMemtableRows(rows); err != nil {
		return errors.Wrap(err, "mergetree: flush memtable")
	}

	e.partsMu.Lock()
	e.parts = append(e.parts, newPart)
	e.partsMu.Unlock()
	return nil
}

// MergeSync runs one merge pass if the part count currently exceeds
// MaxParts.
func (e *Engine) MergeSync() error {
	if e.shouldTriggerMerge() {
		return e.performMerge()
	}
	return nil
}

// Optimize flushes the memtable, then repeatedly merges until the part
// count is at most MaxParts.
func (e *Engine) Optimize() error {
	if err := e.FlushMemtable(); err != nil {
		return err
	}
	for e.shouldTriggerMerge() {
		if err := e.performMerge(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops the background worker and flushes the memtable. It is
// safe to call more than once; only the first call has effect.
func (e *Engine) Shutdown() error {
	var flushErr error
	e.shutdownOnce.Do(func() {
		if e.workerCloser != nil {
			e.workerCloser.SignalAndWait()
		}

		flushErr = e.FlushMemtable()
	})
	return flushErr
}

// PartCount returns the number of parts currently tracked.
func (e *Engine) PartCount() int {
	e.partsMu.Lock()
	defer e.partsMu.Unlock()
	return len(e.parts)
}

// TotalRows returns the memtable's row count plus every part's
// row_count.
func (e *Engine) TotalRows() uint64 {
	e.memtableMu.Lock()
	total := uint64(e.memtable.Size())
	e.memtableMu.Unlock()

	e.partsMu.Lock()
	defer e.partsMu.Unlock()
	for _, p := range e.parts {
		total += p.Metadata().RowCount
	}
	return total
}

// MemoryUsage estimates the engine's heap footprint: memtable plus every
// part (loaded or not).
func (e *Engine) MemoryUsage() int {
	e.memtableMu.Lock()
	total := e.memtable.MemoryUsage()
	e.memtableMu.Unlock()

	e.partsMu.Lock()
	defer e.partsMu.Unlock()
	for _, p := range e.parts {
		total += p.MemoryUsage()
	}
	return total
}

// DiskUsage sums every part's on-disk footprint.
func (e *Engine) DiskUsage() uint64 {
	e.partsMu.Lock()
	defer e.partsMu.Unlock()

	var total uint64
	for _, p := range e.parts {
		total += p.DiskUsage()
	}
	return total
}

func (e *Engine) loadExistingParts() error {
	entries, err := os.ReadDir(e.basePath)
	if err != nil {
		return errors.Wrapf(IoError, "read dir %s: %v", e.basePath, err)
	}

	var ids []uint64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "part_") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(name, "part_"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := part.New(id, e.basePath)
		if !p.ExistsOnDisk() {
			continue
		}
		if err := p.LoadMetadata(); err != nil {
			return errors.Wrapf(err, "mergetree: recover %s", p.Directory())
		}
		e.parts = append(e.parts, p)
	}

	if len(ids) > 0 {
		e.merger.SetNextPartID(ids[len(ids)-1] + 1)
	}
	return nil
}

func (e *Engine) triggerFlushIfNeeded() {
	e.memtableMu.Lock()
	shouldFlush := e.memtable.Size() >= e.config.MemtableFlushThreshold
	e.memtableMu.Unlock()

	if shouldFlush {
		if err := e.FlushMemtable(); err != nil {
			xlog.Err(err)
		}
	}
}

func (e *Engine) shouldTriggerMerge() bool {
	e.partsMu.Lock()
	defer e.partsMu.Unlock()
	return len(e.parts) > e.config.MaxParts
}

// performMerge extracts the Merger's top candidate from the parts list
// under the parts lock, runs the merge off-lock, and appends the result.
// If the write fails, the extracted parts are reinserted rather than
// lost.
func (e *Engine) performMerge() error {
	e.partsMu.Lock()
	if len(e.parts) < 2 {
		e.partsMu.Unlock()
		return nil
	}

	candidates := e.merger.SelectCandidates(e.parts, 1)
	if len(candidates) == 0 {
		e.partsMu.Unlock()
		return nil
	}

	selected := make(map[int]bool, len(candidates[0].PartIndices))
	for _, idx := range candidates[0].PartIndices {
		selected[idx] = true
	}

	var toMerge, remaining []*part.Part
	for i, p := range e.parts {
		if selected[i] {
			toMerge = append(toMerge, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	e.parts = remaining
	e.partsMu.Unlock()

	mergedPart, err := e.merger.MergeParts(toMerge)
	if err != nil {
		// Restore the extracted parts and re-sort the list by part ID, so
		// they return to their original positions and a part that a
		// concurrent flush appended meanwhile (with a higher ID) stays at
		// the end; a failed merge never drops a part.
		e.partsMu.Lock()
		e.parts = append(e.parts, toMerge...)
		sort.Slice(e.parts, func(i, j int) bool { return e.parts[i].PartID() < e.parts[j].PartID() })
		e.partsMu.Unlock()
		return errors.Wrap(err, "mergetree: merge parts")
	}

	for _, p := range toMerge {
		if p != mergedPart {
			if delErr := p.DeleteFromDisk(); delErr != nil {
				xlog.Err(delErr)
			}
		}
	}

	e.partsMu.Lock()
	e.parts = append(e.parts, mergedPart)
	e.partsMu.Unlock()
	return nil
}

func (e *Engine) backgroundMergeWorker() {
	defer e.workerCloser.Done()

	interval := time.Duration(e.config.MergeIntervalSeconds) * time.Second
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-e.workerCloser.Signaled():
			return
		case <-timer.C:
			e.triggerFlushIfNeeded()
			if err := e.MergeSync(); err != nil {
				xlog.Err(errors.Wrap(err, "mergetree: background merge"))
			}
			timer.Reset(interval)
		}
	}
}
