package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDir(t *testing.T) *Dir {
	t.Helper()
	d, err := New(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestKey_SanitizesAndDisambiguates(t *testing.T) {
	a := Key("train/run:1")
	b := Key("train_run_1")
	assert.True(t, strings.HasPrefix(a, "train_run_1-"))
	assert.True(t, strings.HasPrefix(b, "train_run_1-"))
	assert.NotEqual(t, a, b, "hash suffix keeps sanitized collisions apart")
	assert.Equal(t, a, Key("train/run:1"), "key is deterministic")
	assert.False(t, strings.HasPrefix(Key("../etc"), "."))
	assert.LessOrEqual(t, len(Key(strings.Repeat("x", 500))), maxKeyLen+9)
}

func TestValidateName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "../x"} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, bad)
	}
	assert.NoError(t, ValidateName("model.pt"))
}

func TestWriteRead_RoundTrip(t *testing.T) {
	d := newDir(t)
	files := map[string][]byte{"model.pt": {0x00, 0x01, 0xfe}, "notes.txt": []byte("hello")}

	path, size, err := d.Write(context.Background(), "op-1", files)
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
	assert.True(t, strings.HasPrefix(filepath.Base(path), Key("op-1")+"@"))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, files, got)

	onDisk, err := Size(path)
	require.NoError(t, err)
	assert.Equal(t, size, onDisk)
}

func TestWrite_RejectsNestedNamesBeforeTouchingDisk(t *testing.T) {
	d := newDir(t)
	_, _, err := d.Write(context.Background(), "op", map[string][]byte{"sub/x": nil})
	require.ErrorIs(t, err, ErrInvalidName)
	entries, _ := os.ReadDir(d.Root())
	assert.Empty(t, entries)
}

func TestWrite_FailureBeforeCommitLeavesPriorGeneration(t *testing.T) {
	d := newDir(t)
	prior, _, err := d.Write(context.Background(), "op", map[string][]byte{"a": []byte("old")})
	require.NoError(t, err)

	d.beforeCommit = func(string) error { return errors.New("disk full") }
	_, _, err = d.Write(context.Background(), "op", map[string][]byte{"a": []byte("new")})
	require.Error(t, err)

	entries, err := os.ReadDir(d.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp directory must be cleaned up")
	got, err := Read(prior)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got["a"])
}

func TestRemoveStale_KeepsOnlyCurrent(t *testing.T) {
	d := newDir(t)
	ctx := context.Background()
	old, _, err := d.Write(ctx, "op", map[string][]byte{"a": []byte("1")})
	require.NoError(t, err)
	cur, _, err := d.Write(ctx, "op", map[string][]byte{"a": []byte("2")})
	require.NoError(t, err)
	other, _, err := d.Write(ctx, "other", map[string][]byte{"a": []byte("3")})
	require.NoError(t, err)

	d.RemoveStale("op", cur)

	gens, err := d.Generations("op")
	require.NoError(t, err)
	assert.Equal(t, []string{cur}, gens)
	assert.NoDirExists(t, old)
	assert.DirExists(t, other, "other operations are untouched")

	d.RemoveStale("op", "")
	gens, _ = d.Generations("op")
	assert.Empty(t, gens)
}

func TestRemove_MissingIsNotAnError(t *testing.T) {
	d := newDir(t)
	assert.NoError(t, d.Remove(filepath.Join(d.Root(), "nope")))
	assert.NoError(t, d.Remove(""))
}

func TestSweep_RemovesOrphansAndStaleTemps(t *testing.T) {
	d := newDir(t)
	ctx := context.Background()
	kept, _, err := d.Write(ctx, "kept", map[string][]byte{"a": nil})
	require.NoError(t, err)
	orphan, _, err := d.Write(ctx, "orphan", map[string][]byte{"a": nil})
	require.NoError(t, err)

	uncommitted, _, err := d.Write(ctx, "saving", map[string][]byte{"a": nil})
	require.NoError(t, err)

	staleTmp := filepath.Join(d.Root(), tempPrefix+Key("crashed")+"-x")
	freshTmp := filepath.Join(d.Root(), tempPrefix+Key("running")+"-y")
	require.NoError(t, os.Mkdir(staleTmp, 0o755))
	require.NoError(t, os.Mkdir(freshTmp, 0o755))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(staleTmp, past, past))
	require.NoError(t, os.Chtimes(orphan, past, past))

	removed, err := d.Sweep(ctx, map[string]bool{kept: true}, time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{orphan, staleTmp}, removed)
	assert.DirExists(t, kept)
	assert.DirExists(t, freshTmp)
	assert.DirExists(t, uncommitted, "unreferenced generations inside the grace period belong to in-flight saves")
}
