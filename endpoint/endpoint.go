package endpoint

import (
	"context"
	"io"
	"time"
)

// TempSuffix is appended to a destination name while its bytes are in flight.
const TempSuffix = ".part"

// FileInfo represents the standard metadata for a file or a directory
// on either side of a transfer.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// WriteFile is a destination file opened for (possibly resumed) writing.
type WriteFile interface {
	io.Writer

	// Sync flushes written bytes to durable storage. Implementations that
	// cannot flush return nil.
	Sync() error

	Close() error
}

// Session is a scoped handle on a storage side. It is obtained with
// Endpoint.Acquire and must be released exactly once.
type Session interface {
	// Stat returns the FileInfo for the given path. Missing paths yield an
	// error matching os.ErrNotExist.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads starting at offset.
	OpenRead(ctx context.Context, path string, offset int64) (io.ReadCloser, error)

	// OpenWrite opens path for writing at offset, creating it if needed and
	// truncating anything past offset.
	OpenWrite(ctx context.Context, path string, offset int64) (WriteFile, error)

	// Rename moves oldpath to newpath, replacing newpath if it exists.
	Rename(ctx context.Context, oldpath, newpath string) error

	Remove(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, dir string) error
	Chtimes(ctx context.Context, path string, mtime time.Time) error

	// Release returns the session to its endpoint.
	Release()
}

// Runner is implemented by sessions able to execute commands on the host
// that stores the files.
type Runner interface {
	Run(ctx context.Context, cmd string) ([]byte, error)
}

// Endpoint represents one side of a transfer: the local filesystem or a
// remote host reached over SSH.
type Endpoint interface {
	// Name identifies the endpoint in logs and journal keys.
	Name() string

	// Remote reports whether bytes cross the network to reach this endpoint.
	Remote() bool

	// Acquire returns a session, blocking while the endpoint's session
	// budget is exhausted.
	Acquire(ctx context.Context) (Session, error)

	// Join, Base and Dir manipulate paths using the endpoint's separator.
	Join(elem ...string) string
	Base(p string) string
	Dir(p string) string

	Close() error
}
