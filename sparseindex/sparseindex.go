// Package sparseindex implements the per-part sparse index: one
// (min_key, max_key, granule_index) entry per granule, used to prune
// granules out of a range scan before they are ever read.
package sparseindex

import (
	"bufio"
	"os"
	"sort"

	"github.com/pkg/errors"

	"mergetree/serialize"
)

// Entry is one granule's range summary.
type Entry struct {
	MinKey       string
	MaxKey       string
	GranuleIndex uint64
	RowCount     uint64
}

// Overlaps reports whether the entry's [MinKey, MaxKey] range overlaps
// [start, end], inclusive on both ends.
func (e Entry) Overlaps(start, end string) bool {
	return !(e.MaxKey < start || e.MinKey > end)
}

// Index is the ordered sequence of Entries for one Part, ordered by
// GranuleIndex.
type Index struct {
	entries []Entry
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

// AddEntry appends an entry. The caller is expected to add in granule
// order.
func (idx *Index) AddEntry(minKey, maxKey string, granuleIndex, rowCount uint64) {
	idx.entries = append(idx.entries, Entry{
		MinKey:       minKey,
		MaxKey:       maxKey,
		GranuleIndex: granuleIndex,
		RowCount:     rowCount,
	})
}

// Entries returns the index's entries in granule order. The caller must
// not mutate the returned slice.
func (idx *Index) Entries() []Entry {
	return idx.entries
}

// Len returns the number of entries in the index.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// FindGranules returns, in ascending granule order, the index of every
// granule whose range overlaps [start, end].
func (idx *Index) FindGranules(start, end string) []uint64 {
	result := make([]uint64, 0, len(idx.entries))
	for _, e := range idx.entries {
		if e.Overlaps(start, end) {
			result = append(result, e.GranuleIndex)
		}
	}
	return result
}

// FindGranulesForKey is FindGranules(key, key).
func (idx *Index) FindGranulesForKey(key string) []uint64 {
	return idx.FindGranules(key, key)
}

// Merge concatenates other's entries into idx with each GranuleIndex
// shifted by offset, then re-sorts by (MinKey, GranuleIndex). Parts in this
// engine rebuild their index from scratch on merge, so this is a utility
// kept for completeness rather than something the merge path calls.
func (idx *Index) Merge(other *Index, offset uint64) {
	for _, e := range other.entries {
		e.GranuleIndex += offset
		idx.entries = append(idx.entries, e)
	}
	sort.SliceStable(idx.entries, func(i, j int) bool {
		if idx.entries[i].MinKey != idx.entries[j].MinKey {
			return idx.entries[i].MinKey < idx.entries[j].MinKey
		}
		return idx.entries[i].GranuleIndex < idx.entries[j].GranuleIndex
	})
}

// MemoryUsage estimates the index's heap footprint.
func (idx *Index) MemoryUsage() int {
	total := 0
	for _, e := range idx.entries {
		total += len(e.MinKey) + len(e.MaxKey) + 16
	}
	return total
}

// SaveToFile writes the index in the primary.idx format: u64 entry_count,
// then entry_count entries each (string min_key; string max_key;
// u64 granule_index; u64 row_count), little-endian throughout.
func (idx *Index) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "sparseindex: create %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := serialize.WriteUint64(w, uint64(len(idx.entries))); err != nil {
		return errors.Wrap(err, "sparseindex: write entry count")
	}
	for _, e := range idx.entries {
		if err := serialize.WriteString(w, e.MinKey); err != nil {
			return errors.Wrap(err, "sparseindex: write min_key")
		}
		if err := serialize.WriteString(w, e.MaxKey); err != nil {
			return errors.Wrap(err, "sparseindex: write max_key")
		}
		if err := serialize.WriteUint64(w, e.GranuleIndex); err != nil {
			return errors.Wrap(err, "sparseindex: write granule_index")
		}
		if err := serialize.WriteUint64(w, e.RowCount); err != nil {
			return errors.Wrap(err, "sparseindex: write row_count")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "sparseindex: flush %s", path)
	}
	return nil
}

// LoadFromFile replaces idx's entries with those read from path.
func (idx *Index) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "sparseindex: open %s", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count, err := serialize.ReadUint64(r)
	if err != nil {
		return errors.Wrap(err, "sparseindex: read entry count")
	}

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		minKey, err := serialize.ReadString(r)
		if err != nil {
			return errors.Wrap(err, "sparseindex: read min_key")
		}
		maxKey, err := serialize.ReadString(r)
		if err != nil {
			return errors.Wrap(err, "sparseindex: read max_key")
		}
		granuleIndex, err := serialize.ReadUint64(r)
		if err != nil {
			return errors.Wrap(err, "sparseindex: read granule_index")
		}
		rowCount, err := serialize.ReadUint64(r)
		if err != nil {
			return errors.Wrap(err, "sparseindex: read row_count")
		}
		entries = append(entries, Entry{minKey, maxKey, granuleIndex, rowCount})
	}

	idx.entries = entries
	return nil
}
