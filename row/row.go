// Package row defines the single data tuple the whole engine is built
// around: a (key, value, timestamp) triple in lexicographic-key,
// ascending-timestamp order.
package row

import "sort"

// Row is the engine's fundamental data tuple. Key and Value are opaque
// byte strings compared lexicographically; Timestamp breaks ties between
// rows that share a key.
type Row struct {
	Key       string
	Value     string
	Timestamp uint64
}

// New constructs a Row from its three fields.
func New(key, value string, timestamp uint64) Row {
	return Row{Key: key, Value: value, Timestamp: timestamp}
}

// Less reports whether r sorts before other under (key asc, timestamp asc).
func (r Row) Less(other Row) bool {
	if r.Key != other.Key {
		return r.Key < other.Key
	}
	return r.Timestamp < other.Timestamp
}

// Equal reports whether r and other are identical in all three fields.
func (r Row) Equal(other Row) bool {
	return r.Key == other.Key && r.Value == other.Value && r.Timestamp == other.Timestamp
}

// SameIdentity reports whether r and other share the (key, timestamp) pair
// that the engine treats as a row's identity for deduplication purposes.
func (r Row) SameIdentity(other Row) bool {
	return r.Key == other.Key && r.Timestamp == other.Timestamp
}

// Size is the row's approximate in-memory footprint: its own two strings
// plus the 8-byte timestamp, mirroring the original's Row::size().
func (r Row) Size() int {
	return len(r.Key) + len(r.Value) + 8
}

// ByOrder sorts a slice of Rows in place by (key asc, timestamp asc).
func ByOrder(rows []Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Less(rows[j]) })
}
