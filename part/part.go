// Package part implements the immutable, on-disk unit the engine reads
// and merges: a sorted run of granules plus the sparse index and metadata
// describing them.
package part

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"mergetree/granule"
	"mergetree/internal/mmap"
	"mergetree/row"
	"mergetree/serialize"
	"mergetree/sparseindex"
)

// ErrEmptyInput is returned by WriteGranules/WriteFromMemtableRows when
// given no rows or granules to persist.
var ErrEmptyInput = errors.New("part: cannot write empty part")

// ErrNotOnDisk is returned by Load when the part directory or its
// metadata.bin is missing.
var ErrNotOnDisk = errors.New("part: does not exist on disk")

// Metadata is the fixed-size summary stored in every part's metadata.bin.
type Metadata struct {
	PartID       uint64
	MinKey       string
	MaxKey       string
	MinTimestamp uint64
	MaxTimestamp uint64
	RowCount     uint64
	GranuleCount uint64
	DiskSize     uint64
	CreationTime uint64
}

// Part is one immutable, sorted run of rows backed by a directory on disk.
// Granules are loaded lazily: a freshly-opened Part only holds its
// metadata and sparse index until Load or a query touches its rows.
type Part struct {
	metadata Metadata
	basePath string
	granules []*granule.Granule
	index    *sparseindex.Index
	loaded   bool
}

// New returns a part handle for partID rooted at basePath. It does not
// touch disk.
func New(partID uint64, basePath string) *Part {
	return &Part{
		metadata: Metadata{PartID: partID},
		basePath: basePath,
		index:    sparseindex.New(),
	}
}

// nowFunc is overridden in tests to make CreationTime deterministic.
var nowFunc = defaultNow

func defaultNow() uint64 {
	return uint64(time.Now().Unix())
}

// WriteGranules persists granules as a new part: it sorts each granule,
// builds metadata and the sparse index from them, writes every granule's
// three column files, and finally the index and metadata files.
func (p *Part) WriteGranules(granules []*granule.Granule) error {
	if len(granules) == 0 {
		return ErrEmptyInput
	}

	if err := p.createDirectory(); err != nil {
		return err
	}

	for _, g := range granules {
		g.Sort()
	}
	p.granules = granules

	p.updateMetadataFrom(granules)
	p.buildIndex(granules)

	for i, g := range granules {
		if err := writeGranuleFiles(p.directory(), i, g); err != nil {
			return err
		}
	}

	if err := p.saveIndex(); err != nil {
		return err
	}
	if err := p.saveMetadata(); err != nil {
		return err
	}
	p.loaded = true
	return nil
}

// WriteFromMemtableRows sorts rows, repacks them into granules of up to
// granule.Size rows, and writes them as a new part.
func (p *Part) WriteFromMemtableRows(rows []row.Row) error {
	if len(rows) == 0 {
		return ErrEmptyInput
	}

	sorted := make([]row.Row, len(rows))
	copy(sorted, rows)
	row.ByOrder(sorted)

	var granules []*granule.Granule
	current := granule.New()
	for _, r := range sorted {
		if current.IsFull() {
			current.Sort()
			granules = append(granules, current)
			current = granule.New()
		}
		_ = current.AddRow(r)
	}
	if !current.IsEmpty() {
		current.Sort()
		granules = append(granules, current)
	}

	return p.WriteGranules(granules)
}

// Query returns every row with start <= key <= end, skipping granules
// the sparse index rules out. It loads the part from disk first if
// necessary.
func (p *Part) Query(start, end string) ([]row.Row, error) {
	if !p.loaded {
		if err := p.Load(); err != nil {
			return nil, err
		}
	}

	if !p.OverlapsRange(start, end) {
		return nil, nil
	}

	var result []row.Row
	for _, idx := range p.index.FindGranules(start, end) {
		if idx >= uint64(len(p.granules)) {
			continue
		}
		rows, err := p.granules[idx].QueryRange(start, end)
		if err != nil {
			return nil, errors.Wrap(err, "part: query granule")
		}
		result = append(result, rows...)
	}
	return result, nil
}

// QueryKey is Query(key, key).
func (p *Part) QueryKey(key string) ([]row.Row, error) {
	return p.Query(key, key)
}

// GetAllRows returns every row in the part, loading it first if necessary.
func (p *Part) GetAllRows() ([]row.Row, error) {
	if !p.loaded {
		if err := p.Load(); err != nil {
			return nil, err
		}
	}

	var result []row.Row
	for _, g := range p.granules {
		result = append(result, g.Rows()...)
	}
	return result, nil
}

// Load reads metadata, the sparse index, and every granule's column
// files from disk. It is a no-op if the part is already loaded.
func (p *Part) Load() error {
	if p.loaded {
		return nil
	}
	if !p.ExistsOnDisk() {
		return errors.Wrapf(ErrNotOnDisk, "%s", p.directory())
	}

	if err := p.loadMetadata(); err != nil {
		return err
	}
	if err := p.loadIndex(); err != nil {
		return err
	}

	granules := make([]*granule.Granule, 0, p.metadata.GranuleCount)
	for i := uint64(0); i < p.metadata.GranuleCount; i++ {
		g, err := readGranuleFiles(p.directory(), int(i))
		if err != nil {
			return err
		}
		granules = append(granules, g)
	}

	p.granules = granules
	p.loaded = true
	return nil
}

// LoadMetadata reads metadata.bin and primary.idx without touching any
// granule column file. It lets a recovered part answer Metadata/Index/
// OverlapsRange queries before its (possibly large) row data is ever
// paged in. A no-op if the part is already fully loaded.
func (p *Part) LoadMetadata() error {
	if p.loaded {
		return nil
	}
	if !p.ExistsOnDisk() {
		return errors.Wrapf(ErrNotOnDisk, "%s", p.directory())
	}
	if err := p.loadMetadata(); err != nil {
		return err
	}
	return p.loadIndex()
}

// Unload drops the part's in-memory granules, keeping only metadata and
// the sparse index. A later Query or GetAllRows reloads them from disk.
func (p *Part) Unload() {
	p.granules = nil
	p.loaded = false
}

// IsLoaded reports whether the part's granules are currently in memory.
func (p *Part) IsLoaded() bool { return p.loaded }

// Metadata returns the part's metadata snapshot.
func (p *Part) Metadata() Metadata { return p.metadata }

// Index returns the part's sparse index.
func (p *Part) Index() *sparseindex.Index { return p.index }

// PartID returns the part's identifier.
func (p *Part) PartID() uint64 { return p.metadata.PartID }

// Directory returns the part's on-disk directory path.
func (p *Part) Directory() string { return p.directory() }

func (p *Part) directory() string {
	return filepath.Join(p.basePath, "part_"+strconv.FormatUint(p.metadata.PartID, 10))
}

// ExistsOnDisk reports whether the part's directory and metadata.bin both
// exist.
func (p *Part) ExistsOnDisk() bool {
	info, err := os.Stat(p.directory())
	return err == nil && info.IsDir() && serialize.FileExists(p.metadataPath())
}

// DeleteFromDisk removes the part's entire directory and unloads it.
func (p *Part) DeleteFromDisk() error {
	if p.ExistsOnDisk() {
		if err := os.RemoveAll(p.directory()); err != nil {
			return errors.Wrapf(err, "part: delete %s", p.directory())
		}
	}
	p.Unload()
	return nil
}

// DiskUsage sums the size of every regular file under the part's
// directory, matching the original's recursive_directory_iterator walk
// rather than trusting a cached total.
func (p *Part) DiskUsage() uint64 {
	if !p.ExistsOnDisk() {
		return 0
	}

	var total uint64
	_ = filepath.Walk(p.directory(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// MemoryUsage estimates the part's heap footprint. Unloaded parts report
// only a fixed metadata cost; the index and granules are counted once the
// part is loaded.
func (p *Part) MemoryUsage() int {
	total := 160 + len(p.metadata.MinKey) + len(p.metadata.MaxKey)
	if !p.loaded {
		return total
	}
	total += p.index.MemoryUsage()
	for _, g := range p.granules {
		total += g.MemoryUsage()
	}
	return total
}

// OverlapsRange reports whether the part's [MinKey, MaxKey] range
// overlaps [start, end], inclusive on both ends.
func (p *Part) OverlapsRange(start, end string) bool {
	return !(p.metadata.MaxKey < start || p.metadata.MinKey > end)
}

func (p *Part) updateMetadataFrom(granules []*granule.Granule) {
	p.metadata.GranuleCount = uint64(len(granules))
	p.metadata.RowCount = 0
	p.metadata.CreationTime = nowFunc()

	if len(granules) == 0 {
		return
	}

	p.metadata.MinKey = granules[0].MinKey()
	p.metadata.MaxKey = granules[len(granules)-1].MaxKey()

	minTS := uint64(math.MaxUint64)
	var maxTS uint64
	for _, g := range granules {
		p.metadata.RowCount += uint64(g.Size())
		for _, r := range g.Rows() {
			if r.Timestamp < minTS {
				minTS = r.Timestamp
			}
			if r.Timestamp > maxTS {
				maxTS = r.Timestamp
			}
		}
	}
	p.metadata.MinTimestamp = minTS
	p.metadata.MaxTimestamp = maxTS
}

func (p *Part) buildIndex(granules []*granule.Granule) {
	p.index = sparseindex.New()
	for i, g := range granules {
		if !g.IsEmpty() {
			p.index.AddEntry(g.MinKey(), g.MaxKey(), uint64(i), uint64(g.Size()))
		}
	}
}

func (p *Part) metadataPath() string {
	return filepath.Join(p.directory(), "metadata.bin")
}

func (p *Part) indexPath() string {
	return filepath.Join(p.directory(), "primary.idx")
}

func (p *Part) saveMetadata() error {
	f, err := os.Create(p.metadataPath())
	if err != nil {
		return errors.Wrapf(err, "part: create %s", p.metadataPath())
	}
	defer f.Close()

	m := p.metadata
	fields := []uint64{m.PartID}
	for _, w := range fields {
		if err := serialize.WriteUint64(f, w); err != nil {
			return errors.Wrap(err, "part: write metadata")
		}
	}
	if err := serialize.WriteString(f, m.MinKey); err != nil {
		return errors.Wrap(err, "part: write metadata")
	}
	if err := serialize.WriteString(f, m.MaxKey); err != nil {
		return errors.Wrap(err, "part: write metadata")
	}
	rest := []uint64{m.MinTimestamp, m.MaxTimestamp, m.RowCount, m.GranuleCount, m.DiskSize, m.CreationTime}
	for _, w := range rest {
		if err := serialize.WriteUint64(f, w); err != nil {
			return errors.Wrap(err, "part: write metadata")
		}
	}
	return nil
}

func (p *Part) loadMetadata() error {
	f, err := os.Open(p.metadataPath())
	if err != nil {
		return errors.Wrapf(err, "part: open %s", p.metadataPath())
	}
	defer f.Close()

	var m Metadata
	partID, err := serialize.ReadUint64(f)
	if err != nil {
		return errors.Wrap(err, "part: read metadata")
	}
	m.PartID = partID

	if m.MinKey, err = serialize.ReadString(f); err != nil {
		return errors.Wrap(err, "part: read metadata")
	}
	if m.MaxKey, err = serialize.ReadString(f); err != nil {
		return errors.Wrap(err, "part: read metadata")
	}
	values := make([]*uint64, 6)
	values[0], values[1], values[2] = &m.MinTimestamp, &m.MaxTimestamp, &m.RowCount
	values[3], values[4], values[5] = &m.GranuleCount, &m.DiskSize, &m.CreationTime
	for _, v := range values {
		n, err := serialize.ReadUint64(f)
		if err != nil {
			return errors.Wrap(err, "part: read metadata")
		}
		*v = n
	}

	p.metadata = m
	return nil
}

func (p *Part) saveIndex() error {
	return p.index.SaveToFile(p.indexPath())
}

func (p *Part) loadIndex() error {
	p.index = sparseindex.New()
	return p.index.LoadFromFile(p.indexPath())
}

func (p *Part) createDirectory() error {
	if err := os.MkdirAll(p.directory(), 0o755); err != nil {
		return errors.Wrapf(err, "part: mkdir %s", p.directory())
	}
	return nil
}

// writeGranuleFiles writes the three column files (keys, values,
// timestamps) for granule index i inside partDir.
func writeGranuleFiles(partDir string, index int, g *granule.Granule) error {
	prefix := serialize.GranulePrefix(partDir, index)

	rows := g.Rows()
	keys := make([]string, len(rows))
	values := make([]string, len(rows))
	timestamps := make([]uint64, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
		values[i] = r.Value
		timestamps[i] = r.Timestamp
	}

	if err := serialize.WriteStringVector(prefix+"_keys.bin", keys); err != nil {
		return errors.Wrap(err, "part: write granule keys")
	}
	if err := serialize.WriteStringVector(prefix+"_values.bin", values); err != nil {
		return errors.Wrap(err, "part: write granule values")
	}
	if err := serialize.WriteUint64Vector(prefix+"_timestamps.bin", timestamps); err != nil {
		return errors.Wrap(err, "part: write granule timestamps")
	}
	return nil
}

// readGranuleFiles loads granule index i's three column files from
// partDir via a read-only mmap, rather than a plain os.ReadFile, so that
// paging a large part in doesn't require two full copies of its column
// data.
func readGranuleFiles(partDir string, index int) (*granule.Granule, error) {
	prefix := serialize.GranulePrefix(partDir, index)

	keysPath := prefix + "_keys.bin"
	valuesPath := prefix + "_values.bin"
	tsPath := prefix + "_timestamps.bin"

	keysFile, err := mmap.Open(keysPath)
	if err != nil {
		return nil, errors.Wrap(err, "part: open granule keys")
	}
	defer keysFile.Close()
	valuesFile, err := mmap.Open(valuesPath)
	if err != nil {
		return nil, errors.Wrap(err, "part: open granule values")
	}
	defer valuesFile.Close()
	tsFile, err := mmap.Open(tsPath)
	if err != nil {
		return nil, errors.Wrap(err, "part: open granule timestamps")
	}
	defer tsFile.Close()

	keys, err := serialize.ReadStringVectorBytes(keysFile.Data, keysPath)
	if err != nil {
		return nil, errors.Wrap(err, "part: decode granule keys")
	}
	values, err := serialize.ReadStringVectorBytes(valuesFile.Data, valuesPath)
	if err != nil {
		return nil, errors.Wrap(err, "part: decode granule values")
	}
	timestamps, err := serialize.ReadUint64VectorBytes(tsFile.Data, tsPath)
	if err != nil {
		return nil, errors.Wrap(err, "part: decode granule timestamps")
	}

	if len(keys) != len(values) || len(keys) != len(timestamps) {
		return nil, errors.Errorf("part: inconsistent granule data sizes in %s", partDir)
	}

	rows := make([]row.Row, len(keys))
	for i := range keys {
		rows[i] = row.New(keys[i], values[i], timestamps[i])
	}
	g := granule.FromRows(rows)
	g.Sort()
	return g, nil
}
