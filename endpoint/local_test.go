package endpoint

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalSession(t *testing.T) (string, Session) {
	t.Helper()
	base := t.TempDir()
	s, err := NewLocalEndpoint(base).Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return base, s
}

func TestLocalSession_Stat(t *testing.T) {
	base, s := newLocalSession(t)
	ctx := context.Background()

	content := []byte("hello stat")
	require.NoError(t, os.WriteFile(filepath.Join(base, "test-stat.txt"), content, 0644))

	info, err := s.Stat(ctx, "test-stat.txt")
	require.NoError(t, err)
	assert.Equal(t, "test-stat.txt", info.Name())
	assert.Equal(t, int64(len(content)), info.Size())
	assert.False(t, info.IsDir())

	_, err = s.Stat(ctx, "missing.txt")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLocalSession_List(t *testing.T) {
	base, s := newLocalSession(t)

	require.NoError(t, os.MkdirAll(filepath.Join(base, "subdir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "subdir", "file1.txt"), []byte("f1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "subdir", "file2.txt"), []byte("f2"), 0644))

	infos, err := s.List(context.Background(), "subdir")
	require.NoError(t, err)

	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}
	assert.ElementsMatch(t, []string{"file1.txt", "file2.txt"}, names)
}

func TestLocalSession_OpenReadAtOffset(t *testing.T) {
	base, s := newLocalSession(t)
	require.NoError(t, os.WriteFile(filepath.Join(base, "read.txt"), []byte("0123456789"), 0644))

	rc, err := s.OpenRead(context.Background(), "read.txt", 4)
	require.NoError(t, err)
	defer rc.Close()

	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(content))
}

func TestLocalSession_OpenWriteTruncatesAtOffset(t *testing.T) {
	base, s := newLocalSession(t)
	ctx := context.Background()
	target := filepath.Join(base, "write.part")
	require.NoError(t, os.WriteFile(target, []byte("abcdefXXXX"), 0644))

	w, err := s.OpenWrite(ctx, "write.part", 6)
	require.NoError(t, err)
	_, err = w.Write([]byte("gh"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(got))
}

func TestLocalSession_RenameReplaces(t *testing.T) {
	base, s := newLocalSession(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt.part"), []byte("new"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("old"), 0644))

	require.NoError(t, s.Rename(ctx, "a.txt.part", "a.txt"))

	got, err := os.ReadFile(filepath.Join(base, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	_, err = os.Stat(filepath.Join(base, "a.txt.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalSession_MkdirAllAndChtimes(t *testing.T) {
	base, s := newLocalSession(t)
	ctx := context.Background()

	require.NoError(t, s.MkdirAll(ctx, "nested/dir"))
	p := filepath.Join("nested", "dir", "f.txt")
	require.NoError(t, os.WriteFile(filepath.Join(base, p), []byte("x"), 0644))

	mtime := time.Date(2022, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Chtimes(ctx, p, mtime))

	info, err := s.Stat(ctx, p)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime), "got %v", info.ModTime())
}

func TestLocalSession_CancelledContext(t *testing.T) {
	_, s := newLocalSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Stat(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.OpenWrite(ctx, "x", 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Remove(ctx, "x"), context.Canceled)
}
