package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("endpoint closed")

// SFTPEndpoint implements Endpoint over one SSH connection per host. Each
// session is a distinct SFTP channel multiplexed on that connection; at most
// MaxSessions channels are open at once and idle ones are reused.
type SFTPEndpoint struct {
	cfg   SSHConfig
	log   *slog.Logger
	slots chan struct{}

	mu      sync.Mutex
	conn    *ssh.Client
	cleanup func()
	idle    []*sftp.Client
	closed  bool
}

var _ Endpoint = (*SFTPEndpoint)(nil)

// NewSFTPEndpoint returns an endpoint for cfg. The connection is dialed
// lazily by the first Acquire.
func NewSFTPEndpoint(cfg SSHConfig, logger *slog.Logger) *SFTPEndpoint {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SFTPEndpoint{
		cfg:   cfg,
		log:   logger.With("host", cfg.Host),
		slots: make(chan struct{}, cfg.MaxSessions),
	}
}

func (e *SFTPEndpoint) Name() string { return e.cfg.User + "@" + e.cfg.Addr() }
func (e *SFTPEndpoint) Remote() bool { return true }

func (e *SFTPEndpoint) Join(elem ...string) string { return path.Join(elem...) }
func (e *SFTPEndpoint) Base(p string) string       { return path.Base(p) }
func (e *SFTPEndpoint) Dir(p string) string        { return path.Dir(p) }

func (e *SFTPEndpoint) Acquire(ctx context.Context) (Session, error) {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	client, conn, err := e.client(ctx)
	if err != nil {
		<-e.slots
		return nil, err
	}
	return &sftpSession{e: e, client: client, conn: conn}, nil
}

func (e *SFTPEndpoint) client(ctx context.Context) (*sftp.Client, *ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, ErrClosed
	}
	if n := len(e.idle); n > 0 {
		c := e.idle[n-1]
		e.idle = e.idle[:n-1]
		return c, e.conn, nil
	}

	if e.conn == nil {
		conn, cleanup, err := e.cfg.dial(ctx)
		if err != nil {
			return nil, nil, err
		}
		e.log.Debug("ssh connected", "addr", e.cfg.Addr(), "user", e.cfg.User)
		e.conn, e.cleanup = conn, cleanup
	}

	c, err := sftp.NewClient(e.conn)
	if err != nil {
		e.resetLocked()
		return nil, nil, fmt.Errorf("failed to open sftp subsystem: %w", err)
	}
	return c, e.conn, nil
}

func (e *SFTPEndpoint) put(s *sftpSession) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.broken || e.closed || s.conn != e.conn {
		s.client.Close()
		if s.broken && s.conn == e.conn {
			e.log.Warn("ssh connection lost, will redial", "addr", e.cfg.Addr())
			e.resetLocked()
		}
		return
	}
	e.idle = append(e.idle, s.client)
}

// resetLocked drops the current connection; the next Acquire redials.
func (e *SFTPEndpoint) resetLocked() {
	for _, c := range e.idle {
		c.Close()
	}
	e.idle = nil
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	if e.cleanup != nil {
		e.cleanup()
		e.cleanup = nil
	}
}

func (e *SFTPEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.resetLocked()
	return nil
}

type sftpSession struct {
	e      *SFTPEndpoint
	client *sftp.Client
	conn   *ssh.Client
	once   sync.Once

	mu     sync.Mutex
	broken bool
}

var (
	_ Session = (*sftpSession)(nil)
	_ Runner  = (*sftpSession)(nil)
)

func (s *sftpSession) Release() {
	s.once.Do(func() {
		s.e.put(s)
		<-s.e.slots
	})
}

// check records connection-level failures so the channel is not reused.
func (s *sftpSession) check(err error) error {
	if err != nil && connectionLost(err) {
		s.mu.Lock()
		s.broken = true
		s.mu.Unlock()
	}
	return err
}

func connectionLost(err error) bool {
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func unsupported(err error) bool {
	var se *sftp.StatusError
	return errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxOpUnsupported
}

func (s *sftpSession) Stat(ctx context.Context, p string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := s.client.Stat(p)
	if err != nil {
		return nil, s.check(err)
	}
	return WrapOSFileInfo(info), nil
}

func (s *sftpSession) List(ctx context.Context, p string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.client.ReadDir(p)
	if err != nil {
		return nil, s.check(err)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, WrapOSFileInfo(entry))
	}
	return infos, nil
}

func (s *sftpSession) OpenRead(ctx context.Context, p string, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.client.Open(p)
	if err != nil {
		return nil, s.check(err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, s.check(err)
		}
	}
	return &sftpReader{f: f, s: s}, nil
}

func (s *sftpSession) OpenWrite(ctx context.Context, p string, offset int64) (WriteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.client.OpenFile(p, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return nil, s.check(err)
	}
	if err := truncateAt(f, offset); err != nil {
		f.Close()
		return nil, s.check(err)
	}
	return &sftpWriter{f: f, s: s}, nil
}

// Rename prefers posix-rename@openssh.com, which replaces newpath
// atomically. Only servers that reject the extension as unsupported get
// remove then rename; any other failure leaves newpath untouched.
func (s *sftpSession) Rename(ctx context.Context, oldpath, newpath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.client.PosixRename(oldpath, newpath)
	if err == nil {
		return nil
	}
	if !unsupported(err) {
		return s.check(err)
	}
	if rmErr := s.client.Remove(newpath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return s.check(err)
	}
	return s.check(s.client.Rename(oldpath, newpath))
}

func (s *sftpSession) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.check(s.client.Remove(p))
}

func (s *sftpSession) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.check(s.client.MkdirAll(dir))
}

func (s *sftpSession) Chtimes(ctx context.Context, p string, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.check(s.client.Chtimes(p, time.Now(), mtime))
}

// Run executes cmd in a fresh exec channel on the session's connection and
// returns its stdout.
func (s *sftpSession) Run(ctx context.Context, cmd string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := s.conn.NewSession()
	if err != nil {
		return nil, s.check(err)
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	out, err := sess.Output(cmd)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return out, err
}

type sftpReader struct {
	f *sftp.File
	s *sftpSession
}

func (r *sftpReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && err != io.EOF {
		r.s.check(err)
	}
	return n, err
}

func (r *sftpReader) Close() error { return r.f.Close() }

type sftpWriter struct {
	f *sftp.File
	s *sftpSession
}

func (w *sftpWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	return n, w.s.check(err)
}

// Sync asks the server to fsync. Servers lacking fsync@openssh.com are
// treated as having flushed on close.
func (w *sftpWriter) Sync() error {
	err := w.f.Sync()
	if unsupported(err) {
		return nil
	}
	return w.s.check(err)
}

func (w *sftpWriter) Close() error { return w.s.check(w.f.Close()) }
