package writer

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pocketwatch/tracecore/clock"
	"github.com/pocketwatch/tracecore/fingerprint"
	"github.com/pocketwatch/tracecore/recorder"
	"github.com/pocketwatch/tracecore/traceformat"
)

// TestRecordClosedCallSeedsThenTracksBestWorst covers spec.md §8's S2: the
// first closed call for a frame seeds Best/WorstCallTime outright (rather
// than comparing against a zero-valued field), and every later call only
// updates whichever bound it beats.
func TestRecordClosedCallSeedsThenTracksBestWorst(t *testing.T) {
	var w Writer
	slot := w.ensureStackSlot(fingerprint.Of("Update"), "Update", "game.go:10")

	w.recordClosedCall(slot, 0, 50)
	w.recordClosedCall(slot, 1, 5)
	w.recordClosedCall(slot, 2, 100)

	agg := w.stackAggs[slot]
	assert.Equal(t, uint64(155), agg.frame.WallTime)
	assert.Equal(t, uint64(5), agg.frame.BestCallTime)
	assert.Equal(t, int32(1), agg.frame.BestCall)
	assert.Equal(t, uint64(100), agg.frame.WorstCallTime)
	assert.Equal(t, int32(2), agg.frame.WorstCall)
}

// TestRecordClosedCallStoresGlobalBlockIndexNotFrameOrdinal guards against
// regressing to a per-frame call ordinal: BestCall/WorstCall must hold the
// block's global index into the thread's block array (what a consumer
// indexes the block-record table with), which only coincides with a
// per-frame ordinal when the frame's calls are the very first blocks in
// the thread. Here "Update"'s second call is global block index 5 (two
// unrelated "Other" blocks were emitted in between), so a correct
// implementation must record 5, not a frame-local ordinal of 1.
func TestRecordClosedCallStoresGlobalBlockIndexNotFrameOrdinal(t *testing.T) {
	var w Writer
	w.ensureStackSlot(fingerprint.Of("Update"), "Update", "game.go:10")
	otherSlot := w.ensureStackSlot(fingerprint.Of("Other"), "Other", "game.go:20")
	// Inserting "Other" may shift "Update" to a later slot; resolve it again.
	updateSlot := w.ensureStackSlot(fingerprint.Of("Update"), "Update", "game.go:10")

	w.recordClosedCall(updateSlot, 0, 50) // Update's first call, global block 0
	w.recordClosedCall(otherSlot, 3, 1)   // unrelated frame, global block 3
	w.recordClosedCall(otherSlot, 4, 1)   // unrelated frame, global block 4
	w.recordClosedCall(updateSlot, 5, 5)  // Update's second call, global block 5 (best)

	agg := w.stackAggs[updateSlot]
	assert.Equal(t, uint64(5), agg.frame.BestCallTime)
	assert.Equal(t, int32(5), agg.frame.BestCall, "BestCall must be the global block index, not the per-frame ordinal (1)")
	assert.Equal(t, uint64(50), agg.frame.WorstCallTime)
	assert.Equal(t, int32(0), agg.frame.WorstCall)
}

// TestAddToIndexSpansMultipleBuckets covers spec.md §8's S3: a block that
// straddles a one-second boundary must appear in every bucket it overlaps,
// not just the one containing its start.
func TestAddToIndexSpansMultipleBuckets(t *testing.T) {
	var w Writer
	w.addToIndex(7, 900_000, 2_100_000)

	require.Len(t, w.index, 3)
	assert.Equal(t, []uint32{7}, w.index[0])
	assert.Equal(t, []uint32{7}, w.index[1])
	assert.Equal(t, []uint32{7}, w.index[2])
}

// TestCombinedFingerprintDependsOnBothLabelAndLocation guards the stack
// identity rule of spec.md §3: two blocks only collapse into one stack
// frame when both label and location match.
func TestCombinedFingerprintDependsOnBothLabelAndLocation(t *testing.T) {
	a := combinedFingerprint(fingerprint.Of("Update"), fingerprint.Of("game.go:10"))
	b := combinedFingerprint(fingerprint.Of("Update"), fingerprint.Of("game.go:11"))
	c := combinedFingerprint(fingerprint.Of("Render"), fingerprint.Of("game.go:10"))

	assert.NotEqual(t, a.CRC, b.CRC)
	assert.NotEqual(t, a.CRC, c.CRC)

	again := combinedFingerprint(fingerprint.Of("Update"), fingerprint.Of("game.go:10"))
	assert.Equal(t, a.CRC, again.CRC)
}

// memBuf is an in-memory WriteSeeker/ReadSeeker/Closer, the same role the
// seekBuf test double in traceformat plays, extended with a no-op Close so
// it can stand in for the file Writer.Run closes on exit.
type memBuf struct {
	data []byte
	pos  int64
}

func (b *memBuf) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	n := copy(b.data[b.pos:end], p)
	b.pos = end
	return n, nil
}

func (b *memBuf) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

func (b *memBuf) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		b.pos = offset
	case 1:
		b.pos += offset
	case 2:
		b.pos = int64(len(b.data)) + offset
	}
	return b.pos, nil
}

func (b *memBuf) Close() error { return nil }

// TestRunEndToEndDeferredFinalizationAndTags drives a real recorder.Recorder
// through a Writer end to end, covering spec.md §8's S5 (a block published
// while still open must be re-emitted correctly once the thread ends) and
// S6 (two distinct tags sharing no label/location still land in the tag
// table). It also exercises the seeded-at-rewrite path: the outer block's
// only close happens after the thread has ended, so its Best/WorstCallTime
// must be seeded during the rewrite pass, not the streaming pass.
func TestRunEndToEndDeferredFinalizationAndTags(t *testing.T) {
	c, err := clock.Calibrate()
	require.NoError(t, err)

	rec := recorder.New(1, "worker", c, fingerprint.NewIntern(), 64)
	buf := &memBuf{}
	enc, err := traceformat.NewEncoder(buf)
	require.NoError(t, err)

	w := New(rec, c, enc, buf, zap.NewNop(), time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	rec.Push("Outer", "game.go:10", "tagA")
	rec.Publish(0) // Outer is still open: the writer must defer it.

	time.Sleep(5 * time.Millisecond)

	rec.Push("Inner", "game.go:20", "tagB")
	rec.Pop() // Inner closes immediately.
	rec.Publish(0)

	time.Sleep(5 * time.Millisecond)

	rec.Pop() // Outer closes now, well after the writer first saw it open.
	rec.Detach()

	require.NoError(t, <-done)

	buf.pos = 0
	reader := traceformat.NewReader(buf)
	header, err := reader.Header()
	require.NoError(t, err)
	assert.Equal(t, int32(2), header.NumBlocks)
	assert.Equal(t, int32(2), header.NumStacks)
	assert.Equal(t, int32(2), header.NumTags)

	blocks, err := reader.AllBlocks(header)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	outer, inner := blocks[0], blocks[1]
	assert.NotZero(t, outer.End, "outer block must be re-emitted closed after rewrite")
	assert.Equal(t, inner.End-inner.Start, outer.ChildTime)

	ids, frames, err := reader.StackTable(header)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Outer", "Inner"}, []string{frames[0].LabelString(), frames[1].LabelString()})
	for i, id := range ids {
		sf := frames[i]
		assert.Equal(t, uint64(1), sf.CallCount)
		assert.Equal(t, sf.WallTime, sf.BestCallTime, "single-call frame must have best == worst == wall")
		assert.Equal(t, sf.WallTime, sf.WorstCallTime)
		_ = id
	}

	tagIDs, tags, err := reader.TagTable(header)
	require.NoError(t, err)
	require.Len(t, tagIDs, 2)
	gotTags := []string{tags[0].String(), tags[1].String()}
	assert.ElementsMatch(t, []string{"tagA", "tagB"}, gotTags)

	index, err := reader.Index(header)
	require.NoError(t, err)
	total := 0
	for _, bucket := range index {
		total += len(bucket)
	}
	assert.Equal(t, 2, total, "both closed blocks must land in the time-bucket index")
}
