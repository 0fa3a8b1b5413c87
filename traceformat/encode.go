package traceformat

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// WriteSeeker is the minimal surface an Encoder needs: a file-like
// destination that can seek to an absolute offset before each write, the
// same shape cmd/link/internal/ld writes its APE/ELF headers against.
type WriteSeeker interface {
	io.Writer
	io.Seeker
}

// Encoder writes a trace file in the two-pass layout required by
// spec.md §4.4/§6: a zeroed header reservation, block records at
// position-addressed offsets, the stack/tag/index tables, and a final
// header patch.
type Encoder struct {
	w WriteSeeker
}

// NewEncoder reserves the header by writing HeaderSize zero bytes at
// offset 0, leaving the file positioned for block record 0.
func NewEncoder(w WriteSeeker) (*Encoder, error) {
	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "traceformat: seek to header reservation")
	}
	if err := binary.Write(w, byteOrder, Header{}); err != nil {
		return nil, errors.Wrap(err, "traceformat: write header placeholder")
	}
	return &Encoder{w: w}, nil
}

// blockOffset returns the absolute file offset of block record index.
func blockOffset(index int64) int64 {
	return HeaderSize + index*BlockRecordSize
}

// WriteBlock writes (or overwrites, during the rewrite pass) the block
// record at the given index. The Encoder always seeks explicitly before
// writing, so streaming emission and the later rewrite pass can freely
// interleave with table writes without tracking a running file position.
func (e *Encoder) WriteBlock(index int64, rec BlockRecord) error {
	if _, err := e.w.Seek(blockOffset(index), io.SeekStart); err != nil {
		return errors.Wrapf(err, "traceformat: seek to block %d", index)
	}
	if err := binary.Write(e.w, byteOrder, rec); err != nil {
		return errors.Wrapf(err, "traceformat: write block %d", index)
	}
	return nil
}

// TablesOffset is the first byte past the last block record, i.e. where
// the stack-frame table begins.
func TablesOffset(numBlocks int64) int64 {
	return blockOffset(numBlocks)
}

// WriteStackTable writes the sorted fingerprint array followed by the
// parallel StackFrame array, both at the given offset. ids must already
// be sorted ascending; callers (writer.Writer) own the sort.
func (e *Encoder) WriteStackTable(offset int64, ids []uint32, frames []StackFrame) error {
	if len(ids) != len(frames) {
		return errors.Errorf("traceformat: stack table length mismatch: %d ids vs %d frames", len(ids), len(frames))
	}
	if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }) {
		return errors.New("traceformat: stack table ids must be sorted ascending")
	}
	if _, err := e.w.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "traceformat: seek to stack table")
	}
	if err := binary.Write(e.w, byteOrder, ids); err != nil {
		return errors.Wrap(err, "traceformat: write stack ids")
	}
	if err := binary.Write(e.w, byteOrder, frames); err != nil {
		return errors.Wrap(err, "traceformat: write stack frames")
	}
	return nil
}

// WriteTagTable writes the sorted tag fingerprint array followed by the
// parallel fixed-width tag string array.
func (e *Encoder) WriteTagTable(offset int64, ids []uint32, tags []Tag) error {
	if len(ids) != len(tags) {
		return errors.Errorf("traceformat: tag table length mismatch: %d ids vs %d tags", len(ids), len(tags))
	}
	if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }) {
		return errors.New("traceformat: tag table ids must be sorted ascending")
	}
	if _, err := e.w.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "traceformat: seek to tag table")
	}
	if err := binary.Write(e.w, byteOrder, ids); err != nil {
		return errors.Wrap(err, "traceformat: write tag ids")
	}
	if err := binary.Write(e.w, byteOrder, tags); err != nil {
		return errors.Wrap(err, "traceformat: write tags")
	}
	return nil
}

// WriteIndex writes the variable-length time-bucket index: each bucket as
// an int32 count followed by count ascending uint32 block indices.
// Callers must have already sorted every bucket (spec's "tail sort").
func (e *Encoder) WriteIndex(offset int64, buckets [][]uint32) error {
	if _, err := e.w.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "traceformat: seek to index")
	}
	for b, bucket := range buckets {
		if !sort.SliceIsSorted(bucket, func(i, j int) bool { return bucket[i] < bucket[j] }) {
			return errors.Errorf("traceformat: index bucket %d is not sorted ascending", b)
		}
		if err := binary.Write(e.w, byteOrder, int32(len(bucket))); err != nil {
			return errors.Wrapf(err, "traceformat: write index bucket %d length", b)
		}
		if len(bucket) == 0 {
			continue
		}
		if err := binary.Write(e.w, byteOrder, bucket); err != nil {
			return errors.Wrapf(err, "traceformat: write index bucket %d entries", b)
		}
	}
	return nil
}

// WriteHeader seeks to offset 0 and writes the final header, patching the
// zeroed reservation written by NewEncoder.
func (e *Encoder) WriteHeader(h Header) error {
	if _, err := e.w.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "traceformat: seek to header")
	}
	if err := binary.Write(e.w, byteOrder, h); err != nil {
		return errors.Wrap(err, "traceformat: write final header")
	}
	return nil
}
