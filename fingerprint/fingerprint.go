// Package fingerprint computes the deterministic 32-bit identity used to
// name labels, source locations and tags throughout a trace.
//
// The algorithm is pinned by the spec to the reflected IEEE-802.3
// polynomial with initial value and final XOR both 0xFFFFFFFF, which is
// exactly hash/crc32.ChecksumIEEE. A compile-time macro computed the same
// value from a string literal in the original implementation; Go has no
// equivalent, so String.CRC is always computed at the call site the first
// time a label/location is seen and cached by Intern from then on.
package fingerprint

import (
	"hash/crc32"
	"sync"
)

// String is a fingerprinted string: the human-readable text paired with
// its CRC. Equality and ordering are defined on CRC alone, per spec.
type String struct {
	Text string
	CRC  uint32
}

// Of computes the fingerprint of s without caching.
func Of(s string) String {
	return String{Text: s, CRC: crc32.ChecksumIEEE([]byte(s))}
}

// Less orders two fingerprints by CRC, matching the ascending stack-frame
// and tag table ordering required by the file format.
func (f String) Less(other String) bool {
	return f.CRC < other.CRC
}

// Equal compares fingerprints by CRC only; colliding distinct text is
// assumed absent within one trace (spec §3).
func (f String) Equal(other String) bool {
	return f.CRC == other.CRC
}

// Intern caches fingerprints by text so that a producer emitting the same
// label/location thousands of times only pays for the CRC once, the
// runtime analogue of the original's compile-time literal caching.
type Intern struct {
	mu    sync.Mutex
	cache map[string]String
}

// NewIntern returns a ready-to-use Intern cache.
func NewIntern() *Intern {
	return &Intern{cache: make(map[string]String)}
}

// Get returns the cached fingerprint for s, computing and storing it on
// first sight.
func (in *Intern) Get(s string) String {
	in.mu.Lock()
	defer in.mu.Unlock()

	if fp, ok := in.cache[s]; ok {
		return fp
	}
	fp := Of(s)
	in.cache[s] = fp
	return fp
}
