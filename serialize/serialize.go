// Package serialize implements the engine's little-endian on-disk wire
// format: length-prefixed strings, fixed-width integers, and the
// per-granule column-file triad, plus a content checksum on each file.
//
// The original source reads and writes integers via a raw memory copy,
// which makes its files non-portable across host endianness. This
// implementation pins the format to little-endian instead.
package serialize

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// ErrDecode wraps any malformed-on-disk-data condition: a length prefix
// exceeding the remaining file size, a truncated file, or a checksum
// mismatch.
var ErrDecode = errors.New("serialize: decode error")

// WriteUint64 writes a little-endian uint64.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint64 reads a little-endian uint64.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(ErrDecode, err.Error())
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteString writes a u64 length prefix followed by the raw bytes.
func WriteString(w io.Writer, s string) error {
	if err := WriteUint64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a length-prefixed string. It fails with ErrDecode if the
// declared length cannot be satisfied by the remaining bytes.
func ReadString(r io.Reader) (string, error) {
	length, err := ReadUint64(r)
	if err != nil {
		return "", err
	}
	// Lengths beyond 1 MiB are read incrementally, so a corrupt prefix
	// fails with ErrDecode instead of forcing one huge allocation.
	if length > 1<<20 {
		buf, err := io.ReadAll(io.LimitReader(r, int64(length)))
		if err == nil && uint64(len(buf)) != length {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return "", errors.Wrap(ErrDecode, err.Error())
		}
		return string(buf), nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(ErrDecode, err.Error())
	}
	return string(buf), nil
}

// WriteStringVector writes a u64 count followed by that many length-prefixed
// strings, then a trailing xxhash64 checksum of everything written before
// it.
func WriteStringVector(path string, values []string) error {
	return writeChecksummed(path, func(w io.Writer) error {
		if err := WriteUint64(w, uint64(len(values))); err != nil {
			return err
		}
		for _, v := range values {
			if err := WriteString(w, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadStringVector reads back a file written by WriteStringVector,
// verifying its trailing checksum first.
func ReadStringVector(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "%s: %v", path, err)
	}
	return ReadStringVectorBytes(data, path)
}

// ReadStringVectorBytes decodes an already-loaded string-vector file (for
// example, one obtained from a memory-mapped granule file) instead of
// reading path itself again.
func ReadStringVectorBytes(data []byte, path string) ([]string, error) {
	body, err := checkTrailer(data, path)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(body)

	count, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		v, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// WriteUint64Vector writes a u64 count followed by that many u64 values,
// then a trailing checksum.
func WriteUint64Vector(path string, values []uint64) error {
	return writeChecksummed(path, func(w io.Writer) error {
		if err := WriteUint64(w, uint64(len(values))); err != nil {
			return err
		}
		for _, v := range values {
			if err := WriteUint64(w, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadUint64Vector reads back a file written by WriteUint64Vector.
func ReadUint64Vector(path string) ([]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "%s: %v", path, err)
	}
	return ReadUint64VectorBytes(data, path)
}

// ReadUint64VectorBytes decodes an already-loaded uint64-vector file.
func ReadUint64VectorBytes(data []byte, path string) ([]uint64, error) {
	body, err := checkTrailer(data, path)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(body)

	count, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	values := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		v, err := ReadUint64(r)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// GranulePrefix returns the shared path prefix for granule index i's three
// column files inside a part directory.
func GranulePrefix(partDir string, index int) string {
	return filepath.Join(partDir, "granule_"+strconv.Itoa(index))
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// FileSize returns path's size on disk, or 0 if it does not exist.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// writeChecksummed buffers body's writes, appends an xxhash64 trailer over
// everything body wrote, and writes the whole thing to path.
func writeChecksummed(path string, body func(io.Writer) error) error {
	buf := new(bytes.Buffer)
	if err := body(buf); err != nil {
		return errors.Wrapf(err, "serialize: encode %s", path)
	}

	sum := xxhash.Sum64(buf.Bytes())

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "serialize: create %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "serialize: write %s", path)
	}
	if err := WriteUint64(w, sum); err != nil {
		return errors.Wrapf(err, "serialize: write checksum %s", path)
	}
	return w.Flush()
}

// checkTrailer verifies data's trailing xxhash64 checksum and returns the
// body with the trailer stripped off. path is used only to annotate errors.
func checkTrailer(data []byte, path string) ([]byte, error) {
	if len(data) < 8 {
		return nil, errors.Wrapf(ErrDecode, "%s: file too short for checksum trailer", path)
	}

	body := data[:len(data)-8]
	want := binary.LittleEndian.Uint64(data[len(data)-8:])
	got := xxhash.Sum64(body)
	if got != want {
		return nil, errors.Wrapf(ErrDecode, "%s: checksum mismatch", path)
	}
	return body, nil
}
