// Package writer implements the per-thread background drain task: it
// mirrors a recorder.Recorder's blocks into a trace file, maintains the
// stack-frame and tag aggregate tables, builds the time-bucket index,
// rewrites blocks whose terminal time was unknown at first emission, and
// finalizes the file header.
//
// The poll/sleep-on-idle shape and the one-goroutine-per-source pattern
// are grounded on the ring-buffer drain loop in
// _examples/other_examples/aeabd8dd_sakateka-yanet2__modules-pdump-controlplane-ring.go.go,
// adapted from a packet ring buffer to a scoped-block buffer.
package writer

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pocketwatch/tracecore/clock"
	"github.com/pocketwatch/tracecore/fingerprint"
	"github.com/pocketwatch/tracecore/recorder"
	"github.com/pocketwatch/tracecore/traceformat"
)

// DefaultPollInterval is the idle sleep between polls of the producer's
// published write high-water mark, matching spec §4.4.
const DefaultPollInterval = 10 * time.Millisecond

// aggregate is the writer's in-flight view of one stack frame's table
// entry, plus the bookkeeping needed to correctly seed/update best/worst
// call times the first time a closed call is observed for it (which may
// happen well after the block was first streamed, during the rewrite
// pass).
type aggregate struct {
	frame  traceformat.StackFrame
	seeded bool // true once at least one closed call has contributed
}

// Writer drains exactly one recorder.Recorder into one trace file.
type Writer struct {
	rec          *recorder.Recorder
	clock        *clock.Clock
	enc          *traceformat.Encoder
	closer       interface{ Close() error }
	log          *zap.Logger
	pollInterval time.Duration
	tagIntern    *fingerprint.Intern

	stackIDs   []uint32
	stackAggs  []aggregate
	tagIDs     []uint32
	tags       []traceformat.Tag
	index      [][]uint32
	maxParents int32

	blockStackSlot []int   // global block idx -> index into stackIDs/stackAggs
	blockParent    []int64 // global block idx -> parent global idx, or -1
	rewriteList    []int64 // blocks unterminated at first emission
}

// New constructs a Writer. closer is closed exactly once, at the end of
// Run, mirroring spec §4.4 step 11 ("close the file").
func New(rec *recorder.Recorder, c *clock.Clock, enc *traceformat.Encoder, closer interface{ Close() error }, log *zap.Logger, pollInterval time.Duration) *Writer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Writer{
		rec:          rec,
		clock:        c,
		enc:          enc,
		closer:       closer,
		log:          log,
		pollInterval: pollInterval,
		tagIntern:    fingerprint.NewIntern(),
	}
}

// Run drains the recorder to completion: stream blocks as they are
// published, detect termination, run the rewrite pass, sort and emit the
// tables, and patch the header. It returns once the file is fully
// finalized and closed, or on the first unrecoverable I/O error.
func (w *Writer) Run() error {
	defer w.closer.Close()

	if err := w.stream(); err != nil {
		w.log.Error("writer: streaming failed", zap.Error(err))
		return err
	}
	if err := w.rewrite(); err != nil {
		w.log.Error("writer: rewrite pass failed", zap.Error(err))
		return err
	}
	for b := range w.index {
		sort.Slice(w.index[b], func(i, j int) bool { return w.index[b][i] < w.index[b][j] })
	}
	if err := w.emitTables(); err != nil {
		w.log.Error("writer: table emission failed", zap.Error(err))
		return err
	}
	if err := w.patchHeader(); err != nil {
		w.log.Error("writer: header patch failed", zap.Error(err))
		return err
	}
	return nil
}

// stream implements the Draining -> Following(next) -> Draining -> ... ->
// Finalizing state machine of spec §4.4.
func (w *Writer) stream() error {
	seg := w.rec.Head()
	var local int64

	for {
		wb := seg.WriteBlocks()
		if wb == -1 {
			// A handed-over segment is full: drain its remaining slots
			// before following the link.
			for local < seg.Cap() {
				if err := w.processBlock(seg.BaseIndex()+local, seg.Block(local), false); err != nil {
					return err
				}
				local++
			}
			next := seg.Next()
			if next == nil {
				return errors.New("writer: handover sentinel observed with no successor segment")
			}
			seg = next
			local = 0
			continue
		}

		for local < wb {
			idx := seg.BaseIndex() + local
			blk := seg.Block(local)
			if err := w.processBlock(idx, blk, false); err != nil {
				return err
			}
			local++
		}

		if local == wb && w.rec.Ended() {
			return nil
		}
		time.Sleep(w.pollInterval)
	}
}

// processBlock emits (or, during rewrite, re-emits) one block record and
// folds it into the aggregate tables. isRewrite is false for the initial
// streaming pass and true for the deferred rewrite pass.
func (w *Writer) processBlock(idx int64, blk recorder.Block, isRewrite bool) error {
	closed := blk.End != 0
	startMicros := w.clock.RelativeMicros(blk.Start)
	var endMicros uint64
	if closed {
		endMicros = w.clock.RelativeMicros(blk.End)
	}

	if !isRewrite {
		w.growParentTrackingTo(idx)
		w.blockParent[idx] = blk.Parent
	}

	depth := w.parentDepth(blk.Parent)
	if int32(depth) > w.maxParents {
		w.maxParents = int32(depth)
	}

	stackFP := combinedFingerprint(blk.Label, blk.Location)

	var slot int
	if !isRewrite {
		slot = w.ensureStackSlot(stackFP, blk.Label.Text, blk.Location.Text)
		w.stackAggs[slot].frame.CallCount++
		w.blockStackSlot[idx] = slot
	} else {
		slot = w.blockStackSlot[idx]
	}

	var tagFP uint32
	if blk.Tag != "" {
		tagFP = w.ensureTag(blk.Tag)
	}

	if closed {
		dur := endMicros - startMicros
		w.recordClosedCall(slot, idx, dur)
		if blk.Parent != -1 {
			parentSlot := w.blockStackSlot[blk.Parent]
			w.stackAggs[parentSlot].frame.ChildTime += dur
		}
		w.addToIndex(idx, startMicros, endMicros)
	} else if !isRewrite {
		w.rewriteList = append(w.rewriteList, idx)
	}

	rec := traceformat.BlockRecord{
		Start:      startMicros,
		End:        endMicros,
		ChildTime:  blk.ChildTime,
		StackFrame: stackFP.CRC,
		Tag:        tagFP,
		Parent:     int32(blk.Parent),
		NumParents: int32(depth),
	}
	if err := w.enc.WriteBlock(idx, rec); err != nil {
		return errors.Wrapf(err, "writer: emit block %d", idx)
	}
	return nil
}

func (w *Writer) growParentTrackingTo(idx int64) {
	for int64(len(w.blockParent)) <= idx {
		w.blockParent = append(w.blockParent, -1)
		w.blockStackSlot = append(w.blockStackSlot, -1)
	}
}

func (w *Writer) parentDepth(parent int64) int {
	depth := 0
	for parent != -1 {
		depth++
		parent = w.blockParent[parent]
	}
	return depth
}

func combinedFingerprint(label, location fingerprint.String) fingerprint.String {
	return fingerprint.Of(label.Text + "\x00" + location.Text)
}

// ensureStackSlot returns the aggregate slot for fp, inserting a new one
// in ascending-CRC order on first sight. label/location are the block's
// own (uncombined) fingerprint text, stored on the table entry for the
// viewer to render.
func (w *Writer) ensureStackSlot(fp fingerprint.String, label, location string) int {
	i := sort.Search(len(w.stackIDs), func(i int) bool { return w.stackIDs[i] >= fp.CRC })
	if i < len(w.stackIDs) && w.stackIDs[i] == fp.CRC {
		return i
	}

	w.stackIDs = append(w.stackIDs, 0)
	copy(w.stackIDs[i+1:], w.stackIDs[i:])
	w.stackIDs[i] = fp.CRC

	// Slots at or after i moved up by one; keep recorded block slots valid.
	for b, s := range w.blockStackSlot {
		if s >= i {
			w.blockStackSlot[b] = s + 1
		}
	}

	var agg aggregate
	agg.frame.SetLabel(label)
	agg.frame.SetLocation(location)

	w.stackAggs = append(w.stackAggs, aggregate{})
	copy(w.stackAggs[i+1:], w.stackAggs[i:])
	w.stackAggs[i] = agg
	return i
}

// recordClosedCall folds one closed call's duration into its stack
// frame's WallTime/BestCallTime/WorstCallTime, seeding those fields (as
// opposed to comparing against stale zero values) the first time any
// closed call for that frame is observed — which, for a block open at
// streaming time, only happens during the rewrite pass. blockIdx is the
// block's global index into the thread's block array, matching what
// BestCall/WorstCall must hold on disk: a viewer indexes directly into
// the block-record table with these fields, not into a per-frame count.
func (w *Writer) recordClosedCall(slot int, blockIdx int64, dur uint64) {
	agg := &w.stackAggs[slot]
	agg.frame.WallTime += dur
	if !agg.seeded {
		agg.frame.BestCallTime = dur
		agg.frame.BestCall = int32(blockIdx)
		agg.frame.WorstCallTime = dur
		agg.frame.WorstCall = int32(blockIdx)
		agg.seeded = true
		return
	}
	if dur < agg.frame.BestCallTime {
		agg.frame.BestCallTime = dur
		agg.frame.BestCall = int32(blockIdx)
	}
	if dur > agg.frame.WorstCallTime {
		agg.frame.WorstCallTime = dur
		agg.frame.WorstCall = int32(blockIdx)
	}
}

func (w *Writer) ensureTag(tag string) uint32 {
	fp := w.tagIntern.Get(tag)
	i := sort.Search(len(w.tagIDs), func(i int) bool { return w.tagIDs[i] >= fp.CRC })
	if i < len(w.tagIDs) && w.tagIDs[i] == fp.CRC {
		return fp.CRC
	}
	w.tagIDs = append(w.tagIDs, 0)
	copy(w.tagIDs[i+1:], w.tagIDs[i:])
	w.tagIDs[i] = fp.CRC

	w.tags = append(w.tags, traceformat.Tag{})
	copy(w.tags[i+1:], w.tags[i:])
	w.tags[i] = traceformat.NewTag(tag)
	return fp.CRC
}

// addToIndex buckets a closed block by TimebaseMicros-wide windows,
// appending unsorted (the final sort happens once in Run, per the
// canonical v2 "sort at end" resolution of spec §9's open question).
func (w *Writer) addToIndex(idx int64, startMicros, endMicros uint64) {
	lo := startMicros / traceformat.TimebaseMicros
	hi := endMicros / traceformat.TimebaseMicros
	for b := lo; b <= hi; b++ {
		for uint64(len(w.index)) <= b {
			w.index = append(w.index, nil)
		}
		w.index[b] = append(w.index[b], uint32(idx))
	}
}

// rewrite re-reads every block that was still open when first emitted —
// by the time streaming terminates, the thread has ended with an empty
// open-block stack, so every one of them is now guaranteed closed.
func (w *Writer) rewrite() error {
	for _, idx := range w.rewriteList {
		seg := w.rec.Head()
		for idx < seg.BaseIndex() || idx >= seg.BaseIndex()+seg.Cap() {
			seg = seg.Next()
			if seg == nil {
				return errors.Errorf("writer: rewrite block %d not found in any segment", idx)
			}
		}
		blk := seg.Block(idx - seg.BaseIndex())
		if blk.End == 0 {
			return errors.Errorf("writer: rewrite block %d is still open after thread end", idx)
		}
		if err := w.processBlock(idx, blk, true); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) numBlocks() int64 {
	return int64(len(w.blockParent))
}

func (w *Writer) emitTables() error {
	frames := make([]traceformat.StackFrame, len(w.stackAggs))
	for i := range w.stackAggs {
		frames[i] = w.stackAggs[i].frame
	}

	stackOfs := traceformat.TablesOffset(w.numBlocks())
	if err := w.enc.WriteStackTable(stackOfs, w.stackIDs, frames); err != nil {
		return err
	}

	tagOfs := stackOfs + int64(len(w.stackIDs))*4 + int64(len(frames))*traceformat.StackFrameSize
	if err := w.enc.WriteTagTable(tagOfs, w.tagIDs, w.tags); err != nil {
		return err
	}

	indexOfs := tagOfs + int64(len(w.tagIDs))*4 + int64(len(w.tags))*traceformat.TagStrSize
	return w.enc.WriteIndex(indexOfs, w.index)
}

func (w *Writer) patchHeader() error {
	stackOfs := traceformat.TablesOffset(w.numBlocks())
	tagOfs := stackOfs + int64(len(w.stackIDs))*4 + int64(len(w.stackAggs))*traceformat.StackFrameSize
	indexOfs := tagOfs + int64(len(w.tagIDs))*4 + int64(len(w.tags))*traceformat.TagStrSize

	h := traceformat.Header{
		Magic:          traceformat.MagicTRAC,
		Version:        traceformat.Version2,
		NumStacks:      int32(len(w.stackIDs)),
		NumTags:        int32(len(w.tagIDs)),
		NumBlocks:      int32(w.numBlocks()),
		NumIndexBlocks: int32(len(w.index)),
		MaxParents:     w.maxParents,
		StackOfs:       uint64(stackOfs),
		TagOfs:         uint64(tagOfs),
		IndexOfs:       uint64(indexOfs),
		MicroStart:     w.rec.MicroStart(),
		MicroEnd:       w.rec.MicroEnd(),
		Timebase:       traceformat.TimebaseMicros,
	}
	return w.enc.WriteHeader(h)
}
