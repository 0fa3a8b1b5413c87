// Package traceformat defines the on-disk layout of a .trace file and
// provides a sequential Encoder (used by the writer task while draining a
// thread) and a random-access Reader (used by cmd/tracedump and by
// round-trip tests) over that layout.
//
// Field order in every struct below is contractual: encoding/binary
// serializes struct fields in declaration order, and that order must match
// spec.md §6 exactly for the format to be portable across this Go
// implementation and any other reader.
package traceformat

import "encoding/binary"

// Endianness is fixed to little-endian so the format is portable across
// architectures, per spec.md §6.
var byteOrder = binary.LittleEndian

// MagicTRAC is 'T','R','A','C' packed little-endian.
const MagicTRAC uint32 = 0x43415254

// Version2 is the canonical format version: it carries a tag table.
// Version1 (no tag table) is accepted on read only.
const (
	Version1 uint32 = 1
	Version2 uint32 = 2
)

// LabelSize/LocationSize/TagStrSize are the fixed, NUL-padded string widths
// used in the stack-frame and tag tables.
const (
	LabelSize    = 256
	LocationSize = 256
	TagStrSize   = 256
)

// TimebaseMicros is the default width of one time-index bucket: one second.
const TimebaseMicros uint64 = 1_000_000

// Header is the fixed-size file header, written once as a zero-filled
// placeholder at open and patched with final values at close.
type Header struct {
	Magic          uint32
	Version        uint32
	NumStacks      int32
	NumTags        int32
	NumBlocks      int32
	NumIndexBlocks int32
	MaxParents     int32
	_              int32
	StackOfs       uint64
	TagOfs         uint64
	IndexOfs       uint64
	MicroStart     uint64
	MicroEnd       uint64
	Timebase       uint64
}

// HeaderSize is the encoded byte size of Header; block records begin at
// this file offset.
var HeaderSize = int64(binary.Size(Header{}))

// BlockRecord is one fixed-size on-disk block, repeated NumBlocks times
// immediately after the header.
type BlockRecord struct {
	Start      uint64
	End        uint64
	ChildTime  uint64
	StackFrame uint32
	Tag        uint32
	Parent     int32
	NumParents int32
}

// BlockRecordSize is the encoded byte size of one BlockRecord.
var BlockRecordSize = int64(binary.Size(BlockRecord{}))

// StackFrame is the per-fingerprint aggregate written to the stack-frame
// table. Label/Location are NUL-padded fixed-width byte arrays on the
// wire; use NewStackFrame to build one from Go strings.
type StackFrame struct {
	Label         [LabelSize]byte
	Location      [LocationSize]byte
	WallTime      uint64
	ChildTime     uint64
	CallCount     uint64
	BestCallTime  uint64
	WorstCallTime uint64
	BestCall      int32
	WorstCall     int32
}

// StackFrameSize is the encoded byte size of one StackFrame.
var StackFrameSize = int64(binary.Size(StackFrame{}))

// NewStackFrame builds a StackFrame seeded with a first call's timing,
// truncating label/location to the fixed on-disk width.
func NewStackFrame(label, location string, callIndex int32, durationMicros uint64) StackFrame {
	sf := StackFrame{
		WallTime:      durationMicros,
		CallCount:     1,
		BestCallTime:  durationMicros,
		WorstCallTime: durationMicros,
		BestCall:      callIndex,
		WorstCall:     callIndex,
	}
	putFixedString(sf.Label[:], label)
	putFixedString(sf.Location[:], location)
	return sf
}

// SetLabel overwrites the fixed-width label field, truncating as needed.
func (sf *StackFrame) SetLabel(s string) { putFixedString(sf.Label[:], s) }

// SetLocation overwrites the fixed-width location field, truncating as needed.
func (sf *StackFrame) SetLocation(s string) { putFixedString(sf.Location[:], s) }

// LabelString returns the NUL-trimmed label text.
func (sf StackFrame) LabelString() string { return trimFixedString(sf.Label[:]) }

// LocationString returns the NUL-trimmed location text.
func (sf StackFrame) LocationString() string { return trimFixedString(sf.Location[:]) }

// Tag is one entry of the tag table: a fixed-width NUL-padded string. The
// fingerprint itself lives in the parallel tag_ids array on disk.
type Tag [TagStrSize]byte

// NewTag builds a Tag from a Go string, truncating to the fixed width.
func NewTag(s string) Tag {
	var t Tag
	putFixedString(t[:], s)
	return t
}

// String returns the NUL-trimmed tag text.
func (t Tag) String() string { return trimFixedString(t[:]) }

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func trimFixedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
