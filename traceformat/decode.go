package traceformat

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ReadSeeker is the minimal surface a Reader needs.
type ReadSeeker interface {
	io.Reader
	io.Seeker
}

// Reader parses a finalized trace file produced by Encoder. It is used by
// cmd/tracedump and by round-trip tests; the writer task never reads back
// its own output through this type.
type Reader struct {
	r ReadSeeker
}

// NewReader wraps r for random-access reads. It does not itself read the
// header; call Header to do that.
func NewReader(r ReadSeeker) *Reader {
	return &Reader{r: r}
}

// Header reads and returns the file header.
func (r *Reader) Header() (Header, error) {
	if _, err := r.r.Seek(0, io.SeekStart); err != nil {
		return Header{}, errors.Wrap(err, "traceformat: seek to header")
	}
	var h Header
	if err := binary.Read(r.r, byteOrder, &h); err != nil {
		return Header{}, errors.Wrap(err, "traceformat: read header")
	}
	if h.Magic != MagicTRAC {
		return Header{}, errors.Errorf("traceformat: bad magic %#x, want %#x", h.Magic, MagicTRAC)
	}
	if h.Version != Version1 && h.Version != Version2 {
		return Header{}, errors.Errorf("traceformat: unsupported version %d", h.Version)
	}
	return h, nil
}

// Block reads the block record at the given index.
func (r *Reader) Block(index int64) (BlockRecord, error) {
	if _, err := r.r.Seek(blockOffset(index), io.SeekStart); err != nil {
		return BlockRecord{}, errors.Wrapf(err, "traceformat: seek to block %d", index)
	}
	var rec BlockRecord
	if err := binary.Read(r.r, byteOrder, &rec); err != nil {
		return BlockRecord{}, errors.Wrapf(err, "traceformat: read block %d", index)
	}
	return rec, nil
}

// AllBlocks reads every block record in [0, h.NumBlocks).
func (r *Reader) AllBlocks(h Header) ([]BlockRecord, error) {
	blocks := make([]BlockRecord, h.NumBlocks)
	if h.NumBlocks == 0 {
		return blocks, nil
	}
	if _, err := r.r.Seek(blockOffset(0), io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "traceformat: seek to block 0")
	}
	if err := binary.Read(r.r, byteOrder, blocks); err != nil {
		return nil, errors.Wrap(err, "traceformat: read all blocks")
	}
	return blocks, nil
}

// StackTable reads the sorted fingerprint array and parallel StackFrame
// array at h.StackOfs.
func (r *Reader) StackTable(h Header) ([]uint32, []StackFrame, error) {
	if _, err := r.r.Seek(int64(h.StackOfs), io.SeekStart); err != nil {
		return nil, nil, errors.Wrap(err, "traceformat: seek to stack table")
	}
	ids := make([]uint32, h.NumStacks)
	if err := binary.Read(r.r, byteOrder, ids); err != nil {
		return nil, nil, errors.Wrap(err, "traceformat: read stack ids")
	}
	frames := make([]StackFrame, h.NumStacks)
	if err := binary.Read(r.r, byteOrder, frames); err != nil {
		return nil, nil, errors.Wrap(err, "traceformat: read stack frames")
	}
	return ids, frames, nil
}

// TagTable reads the sorted fingerprint array and parallel Tag array at
// h.TagOfs. It returns empty slices for a Version1 file, which has no
// tag table.
func (r *Reader) TagTable(h Header) ([]uint32, []Tag, error) {
	if h.Version == Version1 || h.NumTags == 0 {
		return nil, nil, nil
	}
	if _, err := r.r.Seek(int64(h.TagOfs), io.SeekStart); err != nil {
		return nil, nil, errors.Wrap(err, "traceformat: seek to tag table")
	}
	ids := make([]uint32, h.NumTags)
	if err := binary.Read(r.r, byteOrder, ids); err != nil {
		return nil, nil, errors.Wrap(err, "traceformat: read tag ids")
	}
	tags := make([]Tag, h.NumTags)
	if err := binary.Read(r.r, byteOrder, tags); err != nil {
		return nil, nil, errors.Wrap(err, "traceformat: read tags")
	}
	return ids, tags, nil
}

// Index reads the variable-length time-bucket index at h.IndexOfs.
func (r *Reader) Index(h Header) ([][]uint32, error) {
	if _, err := r.r.Seek(int64(h.IndexOfs), io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "traceformat: seek to index")
	}
	buckets := make([][]uint32, h.NumIndexBlocks)
	for b := range buckets {
		var count int32
		if err := binary.Read(r.r, byteOrder, &count); err != nil {
			return nil, errors.Wrapf(err, "traceformat: read index bucket %d length", b)
		}
		if count < 0 {
			return nil, errors.Errorf("traceformat: negative index bucket %d length %d", b, count)
		}
		if count == 0 {
			continue
		}
		entries := make([]uint32, count)
		if err := binary.Read(r.r, byteOrder, entries); err != nil {
			return nil, errors.Wrapf(err, "traceformat: read index bucket %d entries", b)
		}
		buckets[b] = entries
	}
	return buckets, nil
}
