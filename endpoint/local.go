package endpoint

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"
)

type localFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) IsDir() bool        { return l.isDir }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }

// LocalEndpoint implements Endpoint for posix-compliant local filesystems.
// Its sessions are stateless, so Acquire never blocks.
type LocalEndpoint struct {
	basePath string
}

var _ Endpoint = (*LocalEndpoint)(nil)

// NewLocalEndpoint creates a new LocalEndpoint rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalEndpoint(basePath string) *LocalEndpoint {
	return &LocalEndpoint{basePath: basePath}
}

func (e *LocalEndpoint) Name() string { return "local" }
func (e *LocalEndpoint) Remote() bool { return false }

func (e *LocalEndpoint) Acquire(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return localSession{e}, nil
}

func (e *LocalEndpoint) Join(elem ...string) string { return filepath.Join(elem...) }
func (e *LocalEndpoint) Base(p string) string       { return filepath.Base(p) }
func (e *LocalEndpoint) Dir(p string) string        { return filepath.Dir(p) }
func (e *LocalEndpoint) Close() error               { return nil }

func (e *LocalEndpoint) resolve(path string) string {
	if e.basePath == "" {
		return path
	}
	return filepath.Join(e.basePath, filepath.Clean(path))
}

type localSession struct {
	e *LocalEndpoint
}

func (s localSession) Release() {}

func (s localSession) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(s.e.resolve(path))
	if err != nil {
		return nil, err
	}
	return WrapOSFileInfo(info), nil
}

func (s localSession) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.e.resolve(path))
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, WrapOSFileInfo(info))
	}
	return infos, nil
}

func (s localSession) OpenRead(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.e.resolve(path))
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (s localSession) OpenWrite(ctx context.Context, path string, offset int64) (WriteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.e.resolve(path), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if err := truncateAt(f, offset); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (s localSession) Rename(ctx context.Context, oldpath, newpath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(s.e.resolve(oldpath), s.e.resolve(newpath))
}

func (s localSession) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Remove(s.e.resolve(path))
}

func (s localSession) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(s.e.resolve(dir), 0755)
}

func (s localSession) Chtimes(ctx context.Context, path string, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Chtimes(s.e.resolve(path), time.Now(), mtime)
}

// truncater is satisfied by *os.File and *sftp.File.
type truncater interface {
	io.Seeker
	Truncate(size int64) error
}

// truncateAt discards everything past offset and positions f there.
func truncateAt(f truncater, offset int64) error {
	if err := f.Truncate(offset); err != nil {
		return err
	}
	_, err := f.Seek(offset, io.SeekStart)
	return err
}
