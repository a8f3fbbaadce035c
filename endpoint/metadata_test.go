package endpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapOSFileInfo(t *testing.T) {
	p := filepath.Join(t.TempDir(), "meta.txt")
	require.NoError(t, os.WriteFile(p, []byte("meta"), 0640))

	info, err := os.Stat(p)
	require.NoError(t, err)

	wrapped := WrapOSFileInfo(info)
	assert.Equal(t, "meta.txt", wrapped.Name())
	assert.Equal(t, int64(4), wrapped.Size())
	assert.False(t, wrapped.IsDir())
	assert.True(t, wrapped.ModTime().Equal(info.ModTime()))
}

func TestNewFileInfo(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	info := NewFileInfo("a.bin", 42, false, mtime)
	assert.Equal(t, "a.bin", info.Name())
	assert.Equal(t, int64(42), info.Size())
	assert.False(t, info.IsDir())
	assert.True(t, info.ModTime().Equal(mtime))
}
