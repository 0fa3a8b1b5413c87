// Package clock calibrates a process-wide timebase once and converts raw
// tick counters into microseconds relative to that timebase.
//
// Go has no portable, zero-cost cycle-counter intrinsic, so NowTicks reads
// time.Now()'s monotonic component instead of a raw TSC register. The
// calibration math is kept identical to the original implementation so
// that a caller feeding it a real cycle counter (via a platform-specific
// build) would still get correct conversions.
package clock

import (
	"time"

	"github.com/pkg/errors"
)

// minCalibration is the minimum busy/sleep-wait window used to measure
// ticksPerMicro. The original profiler waits at least 100ms.
const minCalibration = 100 * time.Millisecond

// Clock converts raw tick counts to microseconds relative to the moment it
// was calibrated.
type Clock struct {
	tscStart      int64
	microStart    int64
	ticksPerMicro float64
}

// Calibrate samples the tick source and the wall clock, waits at least
// minCalibration, samples again, and derives ticksPerMicro. It is meant to
// be called exactly once per process; callers that need the "second init
// must fail loudly" contract should keep the returned Clock behind a
// sync.Once or session.Init (which does this for them).
func Calibrate() (*Clock, error) {
	tscStart := nowTicks()
	microStart := nowMicros()

	time.Sleep(minCalibration)

	tscEnd := nowTicks()
	microEnd := nowMicros()

	elapsedMicros := microEnd - microStart
	if elapsedMicros <= 0 {
		return nil, errors.New("clock: calibration window produced non-positive elapsed microseconds")
	}

	ticksPerMicro := float64(tscEnd-tscStart) / float64(elapsedMicros)
	if ticksPerMicro <= 0 {
		return nil, errors.Errorf("clock: non-positive ticks-per-micro %f", ticksPerMicro)
	}

	return &Clock{
		tscStart:      tscStart,
		microStart:    microStart,
		ticksPerMicro: ticksPerMicro,
	}, nil
}

// NowTicks returns the current value of the hot-path tick counter. It is
// cheap enough to call from Push/Pop on every scoped block.
func (c *Clock) NowTicks() int64 {
	return nowTicks()
}

// RelativeMicros converts a raw tick value captured by NowTicks into
// microseconds relative to this Clock's calibration epoch.
func (c *Clock) RelativeMicros(ticks int64) uint64 {
	delta := float64(ticks-c.tscStart) / c.ticksPerMicro
	if delta < 0 {
		return 0
	}
	return uint64(delta)
}

// EpochMicros returns the wall-clock microsecond reading captured at
// calibration time. The header's micro_start/micro_end do not use it:
// they come from NowRelativeMicros, relative to the calibration tick.
func (c *Clock) EpochMicros() int64 {
	return c.microStart
}

// NowRelativeMicros is a convenience wrapper equivalent to
// c.RelativeMicros(c.NowTicks()), used by callers that want a wall-clock
// timestamp rather than a raw tick (e.g. Reset's micro_start bookkeeping).
func (c *Clock) NowRelativeMicros() uint64 {
	return c.RelativeMicros(c.NowTicks())
}

func nowTicks() int64 {
	return time.Now().UnixNano()
}

func nowMicros() int64 {
	return time.Now().UnixNano() / int64(time.Microsecond)
}
