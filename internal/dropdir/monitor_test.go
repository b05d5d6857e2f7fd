package dropdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestPollOnceEmpty(t *testing.T) {
	m := New(t.TempDir(), ".png", 1)
	_, ok, err := m.PollOnce()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPollOnceMissingDir(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "nope"), ".png", 1)
	_, _, err := m.PollOnce()
	assert.Error(t, err)
}

func TestPollOnceFiltersAndOrders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.png", "b")
	writeFile(t, dir, "a.png", "a")
	writeFile(t, dir, "c.avi", "c")
	writeFile(t, dir, ".hidden.png", "h")
	writeFile(t, dir, "d.png.part", "p")
	writeFile(t, dir, "e.png.gpg", "e")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.png"), 0o755))

	m := New(dir, ".png", 1)
	f, ok, err := m.PollOnce()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "a.png"), f.Path)
	assert.Equal(t, ".png", f.Suffix)
	assert.EqualValues(t, 1, f.Size)

	require.NoError(t, os.Remove(f.Path))
	f, ok, err = m.PollOnce()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "b.png"), f.Path)

	require.NoError(t, os.Remove(f.Path))
	_, ok, err = m.PollOnce()
	require.NoError(t, err)
	assert.False(t, ok, "hidden, partial, encrypted and directory entries must be ignored")
}

func TestPollOnceWaitsForStableSize(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "clip001.avi", "frame1")

	m := New(dir, ".avi", 2)
	_, ok, err := m.PollOnce()
	require.NoError(t, err)
	assert.False(t, ok, "first sighting is never settled")

	// writer appends between polls
	fh, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = fh.WriteString("frame2")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	_, ok, err = m.PollOnce()
	require.NoError(t, err)
	assert.False(t, ok, "size changed, counter restarts")

	f, ok, err := m.PollOnce()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, f.Path)
	assert.EqualValues(t, len("frame1frame2"), f.Size)
}

func TestPollOnceKeepsCountingBehindEarlierCandidate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.png", "a")
	writeFile(t, dir, "b.png", "b")

	m := New(dir, ".png", 2)
	_, ok, _ := m.PollOnce()
	require.False(t, ok)

	f, ok, _ := m.PollOnce()
	require.True(t, ok)
	require.NoError(t, os.Remove(f.Path))

	f, ok, _ = m.PollOnce()
	require.True(t, ok, "b.png was observed on both earlier polls")
	assert.Equal(t, filepath.Join(dir, "b.png"), f.Path)
}

func TestPollOnceSkipsLockedFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "still.png", "x")

	holder, err := os.OpenFile(p, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX))

	m := New(dir, ".png", 1)
	_, ok, err := m.PollOnce()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_UN))
	f, ok, err := m.PollOnce()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, f.Path)
}

func TestPollOnceReadOnlyFileIsNotSettled(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can open read-only files for writing")
	}
	dir := t.TempDir()
	p := writeFile(t, dir, "ro.png", "x")
	require.NoError(t, os.Chmod(p, 0o444))

	m := New(dir, ".png", 1)
	_, ok, err := m.PollOnce()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewClampsSettlePolls(t *testing.T) {
	m := New(t.TempDir(), ".png", 0)
	assert.Equal(t, 1, m.settlePolls)
	assert.Equal(t, ".png", m.Suffix())
}

func TestPollOnceRotatesPastStuckFile(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.png", "a")
	b := writeFile(t, dir, "b.png", "b")

	m := New(dir, ".png", 1)
	var got []string
	for i := 0; i < 3; i++ {
		f, ok, err := m.PollOnce()
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, f.Path)
	}
	assert.Equal(t, []string{a, b, a}, got)
}
