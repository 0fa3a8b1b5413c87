package fingerprint_test

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pocketwatch/tracecore/fingerprint"
)

func TestOfMatchesStandardIEEECRC(t *testing.T) {
	want := crc32.ChecksumIEEE([]byte("UpdatePhysics"))
	got := fingerprint.Of("UpdatePhysics")

	assert.Equal(t, want, got.CRC)
	assert.Equal(t, "UpdatePhysics", got.Text)
}

func TestOfIsDeterministicAcrossCalls(t *testing.T) {
	a := fingerprint.Of("main.cpp:42")
	b := fingerprint.Of("main.cpp:42")
	assert.True(t, a.Equal(b))
}

func TestLessOrdersByCRCNotText(t *testing.T) {
	a := fingerprint.String{Text: "zzz", CRC: 1}
	b := fingerprint.String{Text: "aaa", CRC: 2}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestInternCachesFirstSeen(t *testing.T) {
	in := fingerprint.NewIntern()

	first := in.Get("net")
	second := in.Get("net")

	assert.Equal(t, first, second)
	assert.Equal(t, fingerprint.Of("net").CRC, first.CRC)
}

func TestInternDistinguishesDistinctTags(t *testing.T) {
	in := fingerprint.NewIntern()

	net := in.Get("net")
	disk := in.Get("disk")

	assert.False(t, net.Equal(disk))
}
