// Package recorder implements the per-thread scoped-block buffer: a
// lock-free, single-producer/single-consumer append log that a writer
// goroutine drains concurrently while the instrumented goroutine keeps
// pushing and popping scoped blocks.
//
// A Recorder never blocks and never locks against its writer. The only
// synchronization with the writer is the single atomic "write high-water
// mark" published on each Segment, following the same shape as the
// writeIdx/readIdx atomic handoff in a single-producer ring buffer (see
// DESIGN.md for the grounding pointer into the reference pack).
package recorder

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/pocketwatch/tracecore/clock"
	"github.com/pocketwatch/tracecore/fingerprint"
)

// stackEmpty/stackEnded are the sentinel values for Recorder.stackIdx.
const (
	stackEmpty = -1
	stackEnded = -2
)

// Block is one scoped timing span. Producer code must not mutate a Block
// after its End field has been written (invariant 5): closed blocks are
// immutable from then on.
type Block struct {
	Label     fingerprint.String
	Location  fingerprint.String
	Tag       string // empty means "no tag"; fingerprinted lazily by the writer
	Start     int64  // raw ticks
	End       int64  // raw ticks; 0 means still open
	Parent    int64  // index of the enclosing block, or -1
	ChildTime uint64 // accumulated microsecond duration of closed direct children
}

// Segment is one fixed-capacity slab of blocks. Growth links a new Segment
// onto the chain rather than reallocating in place, so older segments stay
// readable by the writer until it has drained past them.
type Segment struct {
	baseIndex   int64
	blocks      []Block
	writeblocks atomic.Int64            // published count, or -1 sentinel ("follow next")
	next        atomic.Pointer[Segment] // set before the -1 sentinel is published
}

func newSegment(capacity, baseIndex int64) *Segment {
	return &Segment{
		baseIndex: baseIndex,
		blocks:    make([]Block, capacity),
	}
}

// BaseIndex is the global block index of this segment's first slot.
func (s *Segment) BaseIndex() int64 { return s.baseIndex }

// Cap is this segment's fixed block capacity.
func (s *Segment) Cap() int64 { return int64(len(s.blocks)) }

// WriteBlocks is an acquire-load of the published high-water mark: either
// the count of valid blocks in this segment, or -1 meaning "grown; call
// Next to continue."
func (s *Segment) WriteBlocks() int64 { return s.writeblocks.Load() }

// Next is an acquire-load of the successor segment link. It is only
// meaningful once WriteBlocks returned -1 (release/acquire on the same
// atomic guarantees Next was already visible by then).
func (s *Segment) Next() *Segment { return s.next.Load() }

// Block returns a copy of the block at local index i. Callers must only
// read indices below the last observed WriteBlocks() value.
func (s *Segment) Block(i int64) Block { return s.blocks[i] }

// Recorder is the per-thread producer-side state described in spec §3's
// "Thread record". One Recorder is created per attached thread by
// session.Attach and is never shared across goroutines on the producer
// side.
type Recorder struct {
	id      int64
	name    string
	clock   *clock.Clock
	intern  *fingerprint.Intern
	segSize int64

	segments []*Segment // producer-private index of the full chain, for O(1) lookup by i/segSize
	head     *Segment
	tail     *Segment

	numblocks int64 // producer-owned running total across all segments
	stackIdx  int64 // top open block's global index, stackEmpty, or stackEnded
	resetGen  uint64

	microStart uint64
	microEnd   atomic.Uint64
	ended      atomic.Bool
}

// New creates a Recorder with an initial single-segment capacity of
// segSize blocks.
func New(id int64, name string, c *clock.Clock, intern *fingerprint.Intern, segSize int64) *Recorder {
	if segSize <= 0 {
		segSize = 1 << 20 // one million blocks, per spec §4.3's default
	}
	seg := newSegment(segSize, 0)
	r := &Recorder{
		id:         id,
		name:       name,
		clock:      c,
		intern:     intern,
		segSize:    segSize,
		segments:   []*Segment{seg},
		head:       seg,
		tail:       seg,
		stackIdx:   stackEmpty,
		microStart: c.NowRelativeMicros(),
	}
	return r
}

// ID returns this thread's opaque identifier.
func (r *Recorder) ID() int64 { return r.id }

// Name returns the thread name used in the trace file path.
func (r *Recorder) Name() string { return r.name }

// Head is the first segment in the chain; the writer starts draining here.
func (r *Recorder) Head() *Segment { return r.head }

// Ended reports whether Detach has been called.
func (r *Recorder) Ended() bool { return r.ended.Load() }

// MicroStart is the thread's start time in microseconds relative to the
// session epoch.
func (r *Recorder) MicroStart() uint64 { return r.microStart }

// MicroEnd is the thread's end time, set by Detach. It is only meaningful
// once Ended returns true.
func (r *Recorder) MicroEnd() uint64 { return r.microEnd.Load() }

func (r *Recorder) segmentFor(globalIdx int64) *Segment {
	return r.segments[globalIdx/r.segSize]
}

// Push appends a new open block with parent == the current top of stack,
// growing the buffer first if the active segment is full. It never blocks
// and never errors: capacity exhaustion is handled by allocation, and
// allocation failure is fatal per spec §7.
func (r *Recorder) Push(label, location string, tag string) int64 {
	if r.stackIdx == stackEnded {
		panic("recorder: push after end_thread")
	}

	localCount := r.numblocks - r.tail.baseIndex
	if localCount >= r.segSize {
		r.grow()
		localCount = 0
	}

	idx := r.tail.baseIndex + localCount
	r.tail.blocks[localCount] = Block{
		Label:    r.intern.Get(label),
		Location: r.intern.Get(location),
		Tag:      tag,
		Start:    r.clock.NowTicks(),
		End:      0,
		Parent:   r.stackIdx,
	}
	r.stackIdx = idx
	r.numblocks++
	return idx
}

// grow hands the current full segment over to a freshly allocated one and
// redirects future pushes there, per spec §4.3's "Growth (handover)".
func (r *Recorder) grow() {
	next := newSegment(r.segSize, r.tail.baseIndex+r.segSize)
	r.tail.next.Store(next) // link before sentinel, so acquire-load of -1 makes Next visible
	r.tail.writeblocks.Store(-1)
	r.segments = append(r.segments, next)
	r.tail = next
}

// Pop closes the current top-of-stack block, folds its duration into its
// parent's ChildTime, and pops the stack.
func (r *Recorder) Pop() {
	if r.stackIdx < 0 {
		panic("recorder: pop with empty stack")
	}

	idx := r.stackIdx
	seg := r.segmentFor(idx)
	local := idx - seg.baseIndex

	end := r.clock.NowTicks()
	seg.blocks[local].End = end

	parent := seg.blocks[local].Parent
	if parent != stackEmpty {
		start := seg.blocks[local].Start
		durationMicros := r.clock.RelativeMicros(end) - r.clock.RelativeMicros(start)
		pseg := r.segmentFor(parent)
		pseg.blocks[parent-pseg.baseIndex].ChildTime += durationMicros
	}

	r.stackIdx = parent
}

// Publish stores the current write high-water mark of the active segment
// with release ordering, making every block below it (and the closed
// state of any block whose End has since been written) visible to the
// writer's next acquire-load. generation is reserved for callers that
// also use Reset to detect stale publishes; plain tracing can ignore it.
func (r *Recorder) Publish(generation uint64) {
	_ = generation
	localCount := r.numblocks - r.tail.baseIndex
	r.tail.writeblocks.Store(localCount)
}

// Detach marks the thread as ended. The caller must have no open blocks;
// violating that is a fatal misuse per spec §7.
func (r *Recorder) Detach() {
	if r.stackIdx != stackEmpty {
		panic(fmt.Sprintf("recorder: end_thread with open blocks (stack=%d)", r.stackIdx))
	}
	r.microEnd.Store(r.clock.NowRelativeMicros())
	r.stackIdx = stackEnded
	r.ended.Store(true)
	// Final publish: ended is stored before this release, so the writer's
	// acquire-load of writeblocks also makes `ended` visible.
	localCount := r.numblocks - r.tail.baseIndex
	r.tail.writeblocks.Store(localCount)
}

// Reset truncates the buffer back to just the currently open stack, for
// instrumented code that loops a trace window and wants to start a new
// one without growing forever. Per spec §8, reset on an empty stack is a
// no-op: it leaves numblocks and the generation counter untouched, so a
// later call with the same generation can still apply once a block is
// open, matching the original's TraceThreadReset, whose entire body is
// gated on stack >= 0. It is otherwise a best-effort, documented no-op
// whenever the open stack lives outside the base segment (spec §9), and
// also whenever the buffer has grown past the base segment at all, even
// if the top open block is still in it: segmented growth makes a true
// mid-chain reset unsafe without the writer's cooperation, which this
// implementation does not attempt.
func (r *Recorder) Reset(generation uint64) bool {
	if r.stackIdx == stackEmpty {
		return false
	}
	if generation <= r.resetGen {
		return false
	}
	if r.segmentFor(r.stackIdx) != r.head {
		return false // best-effort: only the base segment can be reset
	}
	if r.tail != r.head {
		return false
	}

	r.resetGen = generation
	r.numblocks = r.stackIdx + 1
	r.head.blocks[r.stackIdx-r.head.baseIndex].ChildTime = 0
	r.microStart = r.clock.NowRelativeMicros()
	return true
}

// Scope pushes label/location and returns a guard whose Close pops it.
// Use as: defer r.Scope("Update", "game.go:42", "").Close()
func (r *Recorder) Scope(label, location, tag string) ScopeGuard {
	r.Push(label, location, tag)
	return ScopeGuard{r: r}
}

// ScopeGuard pops exactly one block on Close.
type ScopeGuard struct{ r *Recorder }

// Close pops the block opened by Scope.
func (g ScopeGuard) Close() { g.r.Pop() }

// ScopeN returns a guard that pops n blocks on Close, for thread-exit
// cleanup code that may be unwinding through several still-open scopes.
func (r *Recorder) ScopeN(n int) ScopeNGuard {
	return ScopeNGuard{r: r, n: n}
}

// ScopeNGuard pops up to n open blocks on Close, stopping early if the
// stack empties first.
type ScopeNGuard struct {
	r *Recorder
	n int
}

// Close pops up to n blocks, whichever empties the stack first.
func (g ScopeNGuard) Close() {
	for i := 0; i < g.n && g.r.stackIdx >= 0; i++ {
		g.r.Pop()
	}
}
