package recio

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/zseilabs/zsei/model"
)

// Writer appends framed records to a committed-length file.
//
// Append stages bytes past the committed offset; Commit fsyncs the staged
// data, then advances the header and fsyncs again. Anything between the
// committed offset and the physical end of file is an uncommitted tail
// from a crash and is overwritten by the next append.
type Writer struct {
	f         *os.File
	path      string
	committed int64
	end       int64
}

// OpenWriter opens (or creates) a committed-length file for appending.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	w := &Writer{f: f, path: path}
	if st.Size() < HeaderSize {
		// Fresh file: header counts itself.
		if err := w.writeHeader(HeaderSize); err != nil {
			_ = f.Close()
			return nil, err
		}
		w.committed = HeaderSize
	} else {
		var hdr [HeaderSize]byte
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			_ = f.Close()
			return nil, err
		}
		w.committed = int64(binary.LittleEndian.Uint64(hdr[:]))
		if w.committed < HeaderSize || w.committed > st.Size() {
			_ = f.Close()
			return nil, fmt.Errorf("recio: %s: corrupt committed-length header %d (file size %d)", path, w.committed, st.Size())
		}
	}
	w.end = w.committed
	return w, nil
}

// OpenWriterTrunc creates a fresh committed-length file, truncating any
// existing one. Compaction writes its .tmp files through this.
func OpenWriterTrunc(path string) (*Writer, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return OpenWriter(path)
}

// Committed returns the durable length of the file.
func (w *Writer) Committed() int64 { return w.committed }

// Append stages buf after any previously staged bytes and returns its
// offset. The record is invisible to readers until Commit.
func (w *Writer) Append(buf []byte) (int64, error) {
	off := w.end
	if _, err := w.f.WriteAt(buf, off); err != nil {
		return 0, err
	}
	w.end += int64(len(buf))
	return off, nil
}

// Commit makes all staged appends durable and visible: fsync the data,
// advance the header, fsync the header.
func (w *Writer) Commit() error {
	if w.end == w.committed {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	if err := w.writeHeader(w.end); err != nil {
		return err
	}
	w.committed = w.end
	return nil
}

// Discard drops staged-but-uncommitted appends.
func (w *Writer) Discard() {
	w.end = w.committed
}

func (w *Writer) writeHeader(committed int64) error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(committed))
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close closes the underlying file. Staged uncommitted bytes are abandoned.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Committed reads the committed-length header from a mapped or copied file
// image. Returns 0 for files shorter than the header.
func Committed(data []byte) int64 {
	if len(data) < HeaderSize {
		return 0
	}
	c := int64(binary.LittleEndian.Uint64(data))
	if c < HeaderSize {
		return 0
	}
	if c > int64(len(data)) {
		// Header ahead of the mapping: the reader must remap. Gate at the
		// mapped size so no partially visible record is decoded.
		return int64(len(data))
	}
	return c
}

// Scan iterates all committed records in data, invoking fn with each
// record and its offset. Iteration stops when fn returns false.
func Scan(data []byte, fn func(off int64, r Record) bool) error {
	committed := Committed(data)
	off := int64(HeaderSize)
	for off < committed {
		r, next, err := Decode(data[:committed], off)
		if err != nil {
			return err
		}
		if !fn(off, r) {
			return nil
		}
		off = next
	}
	return nil
}

// RecordAt decodes the single record at off, bounded by the committed
// length.
func RecordAt(data []byte, off int64) (Record, error) {
	committed := Committed(data)
	if off < HeaderSize || off >= committed {
		return Record{}, fmt.Errorf("recio: offset %d outside committed range [%d,%d)", off, HeaderSize, committed)
	}
	r, _, err := Decode(data[:committed], off)
	return r, err
}

// Tombstone sentinel exposed for store-level scans.
func (r Record) IsContainerTombstone() bool {
	if len(r.Body) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(r.Body) == tombstoneLen
}

// KeyedID returns the id the record is keyed by in its file.
func (r Record) KeyedID() model.ContainerID { return r.ID }
