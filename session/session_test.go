package session

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketwatch/tracecore/traceformat"
)

// resetForTest clears the process-wide double-init guard between test
// cases. Production code never does this; it exists only because
// go test runs every test function in this package inside one process,
// and Init's "second call panics" contract is otherwise process-global.
func resetForTest() {
	initialized.Store(false)
}

func TestSessionEndToEndNestedCalls(t *testing.T) {
	resetForTest()
	dir := t.TempDir()
	base := filepath.Join(dir, "app")

	sess, err := Init(base, WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	rec, err := sess.Attach("worker")
	require.NoError(t, err)

	rec.Push("A", "main.cpp:1", "")
	rec.Push("B", "main.cpp:2", "")
	rec.Pop() // B
	rec.Pop() // A
	rec.Detach()

	require.NoError(t, sess.Shutdown())

	path := base + ".worker." + strconv.FormatInt(rec.ID(), 10) + ".trace"
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	reader := traceformat.NewReader(f)
	header, err := reader.Header()
	require.NoError(t, err)

	assert.Equal(t, traceformat.MagicTRAC, header.Magic)
	assert.Equal(t, traceformat.Version2, header.Version)
	assert.Equal(t, int32(2), header.NumBlocks)
	assert.Equal(t, int32(2), header.NumStacks)
	assert.Equal(t, int32(1), header.MaxParents)

	blocks, err := reader.AllBlocks(header)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	a, b := blocks[0], blocks[1]
	assert.Equal(t, int32(-1), a.Parent)
	assert.Equal(t, int32(0), b.Parent)
	assert.NotZero(t, a.End)
	assert.NotZero(t, b.End)
	assert.Equal(t, a.ChildTime, b.End-b.Start)

	ids, frames, err := reader.StackTable(header)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.ElementsMatch(t, []string{"A", "B"}, []string{frames[0].LabelString(), frames[1].LabelString()})
}

func TestAttachReturnsErrDisabled(t *testing.T) {
	resetForTest()
	dir := t.TempDir()
	sess, err := Init(filepath.Join(dir, "app"), WithEnabled(false))
	require.NoError(t, err)

	_, err = sess.Attach("worker")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestInitTwiceInSameProcessPanics(t *testing.T) {
	resetForTest()
	dir := t.TempDir()
	_, err := Init(filepath.Join(dir, "app"))
	require.NoError(t, err)

	assert.Panics(t, func() {
		_, _ = Init(filepath.Join(dir, "app2"))
	})
}

func TestDetachWithOpenBlockPanicsThroughSession(t *testing.T) {
	resetForTest()
	dir := t.TempDir()
	sess, err := Init(filepath.Join(dir, "app"), WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	rec, err := sess.Attach("worker")
	require.NoError(t, err)
	rec.Push("A", "main.cpp:1", "")

	assert.Panics(t, func() { rec.Detach() })

	rec.Pop()
	rec.Detach()
	require.NoError(t, sess.Shutdown())
}
