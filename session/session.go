// Package session implements the process-wide lifecycle described in
// spec.md §4.5: one-time clock calibration and base-path configuration,
// per-thread attach/detach that spins up a dedicated writer goroutine,
// and a join-all shutdown.
//
// The writer fan-out/join shape is grounded on the errgroup-based
// runReaders function in
// _examples/other_examples/aeabd8dd_sakateka-yanet2__modules-pdump-controlplane-ring.go.go.
package session

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pocketwatch/tracecore/clock"
	"github.com/pocketwatch/tracecore/fingerprint"
	"github.com/pocketwatch/tracecore/recorder"
	"github.com/pocketwatch/tracecore/traceformat"
	"github.com/pocketwatch/tracecore/writer"
)

// ErrDisabled is returned by Attach when the session was constructed with
// WithEnabled(false) — the nearest Go equivalent of the original's
// compile-time profiler-enabled toggle.
var ErrDisabled = errors.New("session: profiling is disabled")

// defaultRecordSize is the initial per-thread buffer capacity in blocks,
// rounded to a convenient power of two near spec §4.3's "one million".
const defaultRecordSize = 1 << 20

// initialized guards spec §4.1/§4.5's "calibration runs exactly once per
// process; a second init must fail loudly."
var initialized atomic.Bool

// Session is the process-wide handle returned by Init.
type Session struct {
	basePath     string
	clock        *clock.Clock
	log          *zap.Logger
	recordSize   int64
	pollInterval time.Duration
	enabled      bool

	mu       sync.Mutex
	group    errgroup.Group
	nextID   atomic.Int64
	shutdown bool
}

// Option configures a Session at Init time.
type Option func(*Session)

// WithRecordSize overrides the initial per-thread buffer capacity.
func WithRecordSize(blocks int64) Option {
	return func(s *Session) { s.recordSize = blocks }
}

// WithPollInterval overrides the writer's idle poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = d }
}

// WithEnabled toggles tracing on or off; false makes every Attach return
// ErrDisabled, the nearest Go stand-in for the original's build-time
// profiler-enabled flag.
func WithEnabled(enabled bool) Option {
	return func(s *Session) { s.enabled = enabled }
}

// WithLogger overrides the session's zap.Logger; the default is
// zap.NewNop() so embedding applications do not get unsolicited log
// output unless they opt in.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Init calibrates the clock and marks the session active. Calling Init
// twice in the same process is a misuse (spec §7) and panics rather than
// returning an error.
func Init(basePath string, opts ...Option) (*Session, error) {
	if !initialized.CompareAndSwap(false, true) {
		panic("session: Init called twice in the same process")
	}

	c, err := clock.Calibrate()
	if err != nil {
		initialized.Store(false)
		return nil, errors.Wrap(err, "session: clock calibration failed")
	}

	s := &Session{
		basePath:     basePath,
		clock:        c,
		log:          zap.NewNop(),
		recordSize:   defaultRecordSize,
		pollInterval: writer.DefaultPollInterval,
		enabled:      true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Attach opens "<basePath>.<name>.<id>.trace", allocates a recorder for
// the calling thread, and spawns its dedicated writer goroutine. The
// returned Recorder must be threaded through by the caller (Go has no
// goroutine-local storage to hide it behind) and must be closed with
// Detach before Shutdown is called.
func (s *Session) Attach(name string) (*recorder.Recorder, error) {
	return s.attach(name, 0, true)
}

// AttachWithID is like Attach but lets the caller supply its own opaque
// thread identifier instead of a session-assigned one.
func (s *Session) AttachWithID(name string, id int64) (*recorder.Recorder, error) {
	return s.attach(name, id, false)
}

func (s *Session) attach(name string, explicitID int64, assignID bool) (*recorder.Recorder, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		panic("session: Attach called after Shutdown")
	}
	s.mu.Unlock()

	id := explicitID
	if assignID {
		id = s.nextID.Add(1)
	}

	path := fmt.Sprintf("%s.%s.%d.trace", s.basePath, name, id)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "session: open trace file for thread %q", name)
	}

	enc, err := traceformat.NewEncoder(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "session: write header reservation for thread %q", name)
	}

	rec := recorder.New(id, name, s.clock, fingerprint.NewIntern(), s.recordSize)
	wlog := s.log.With(zap.String("thread", name), zap.Int64("thread_id", id))
	w := writer.New(rec, s.clock, enc, f, wlog, s.pollInterval)

	s.mu.Lock()
	s.group.Go(func() error { return w.Run() })
	s.mu.Unlock()

	return rec, nil
}

// Shutdown joins every writer goroutine spawned by Attach. The caller
// must have already called Detach on every attached Recorder; Shutdown
// does not itself verify this (spec §4.5 makes it the caller's
// contract), it only blocks until every writer has finalized its file.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	return s.group.Wait()
}
