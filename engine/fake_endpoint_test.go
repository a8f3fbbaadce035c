package engine_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franksops/sfast/endpoint"
)

var errConnReset = errors.New("connection reset by peer")

type memFile struct {
	data  []byte
	mtime time.Time
}

// memEndpoint is an in-memory endpoint with fault injection.
type memEndpoint struct {
	name   string
	remote bool

	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string]bool

	// readFaults pops one byte limit per OpenRead of a path; the reader fails
	// with errConnReset after delivering that many bytes.
	readFaults map[string][]int64
	// openErrs fails every OpenRead of a path.
	openErrs map[string]error
	// corrupt flips one byte of the data written to a path, a number of times.
	corrupt map[string]int
	// onRead runs after each delivered read with the path and new offset.
	onRead func(p string, offset int64)
	// readDelay slows every read.
	readDelay time.Duration

	// runner, when set, makes sessions implement endpoint.Runner.
	runner func(cmd string) ([]byte, error)

	opened      []string
	writeOpens  []string
	written     map[string]int64
	renames     int
	bytesRead   atomic.Int64
	active      atomic.Int32
	maxActive   atomic.Int32
	commandsRun []string
}

func newMemEndpoint(name string, remote bool) *memEndpoint {
	return &memEndpoint{
		name:       name,
		remote:     remote,
		files:      make(map[string]*memFile),
		dirs:       map[string]bool{"/": true, ".": true},
		readFaults: make(map[string][]int64),
		openErrs:   make(map[string]error),
		corrupt:    make(map[string]int),
		written:    make(map[string]int64),
	}
}

func (m *memEndpoint) put(p string, data []byte, mtime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = &memFile{data: bytes.Clone(data), mtime: mtime}
	for d := path.Dir(p); d != "/" && d != "."; d = path.Dir(d) {
		m.dirs[d] = true
	}
}

func (m *memEndpoint) get(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[p]
	if !ok {
		return nil, false
	}
	return bytes.Clone(f.data), true
}

func (m *memEndpoint) has(p string) bool {
	_, ok := m.get(p)
	return ok
}

func (m *memEndpoint) writtenTo(p string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written[p]
}

func (m *memEndpoint) writeOpened() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writeOpens...)
}

func (m *memEndpoint) Name() string               { return m.name }
func (m *memEndpoint) Remote() bool               { return m.remote }
func (m *memEndpoint) Join(elem ...string) string { return path.Join(elem...) }
func (m *memEndpoint) Base(p string) string       { return path.Base(p) }
func (m *memEndpoint) Dir(p string) string        { return path.Dir(p) }
func (m *memEndpoint) Close() error               { return nil }

func (m *memEndpoint) Acquire(ctx context.Context) (endpoint.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := m.active.Add(1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	s := &memSession{m: m}
	if m.runner != nil {
		return &memRunnerSession{s}, nil
	}
	return s, nil
}

func notExist(op, p string) error {
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

type memInfo struct {
	name  string
	size  int64
	dir   bool
	mtime time.Time
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) IsDir() bool        { return i.dir }
func (i memInfo) ModTime() time.Time { return i.mtime }

type memSession struct {
	m        *memEndpoint
	released atomic.Bool
}

func (s *memSession) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.m.active.Add(-1)
	}
}

func (s *memSession) Stat(ctx context.Context, p string) (endpoint.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[p]; ok {
		return memInfo{name: path.Base(p), size: int64(len(f.data)), mtime: f.mtime}, nil
	}
	if m.dirs[p] {
		return memInfo{name: path.Base(p), dir: true}, nil
	}
	return nil, notExist("stat", p)
}

func (s *memSession) List(ctx context.Context, p string) ([]endpoint.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[p] {
		return nil, notExist("readdir", p)
	}
	var out []endpoint.FileInfo
	for fp, f := range m.files {
		if path.Dir(fp) == p {
			out = append(out, memInfo{name: path.Base(fp), size: int64(len(f.data)), mtime: f.mtime})
		}
	}
	for d := range m.dirs {
		if d != p && path.Dir(d) == p {
			out = append(out, memInfo{name: path.Base(d), dir: true})
		}
	}
	// reverse order, callers must sort
	sort.Slice(out, func(i, j int) bool { return out[i].Name() > out[j].Name() })
	return out, nil
}

func (s *memSession) OpenRead(ctx context.Context, p string, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.openErrs[p]; ok {
		return nil, err
	}
	f, ok := m.files[p]
	if !ok {
		return nil, notExist("open", p)
	}
	limit := int64(-1)
	if faults := m.readFaults[p]; len(faults) > 0 {
		limit = faults[0]
		m.readFaults[p] = faults[1:]
	}
	m.opened = append(m.opened, p)
	return &memReader{m: m, p: p, data: bytes.Clone(f.data), off: offset, limit: limit}, nil
}

func (s *memSession) OpenWrite(ctx context.Context, p string, offset int64) (endpoint.WriteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[path.Dir(p)] {
		return nil, notExist("open", p)
	}
	f, ok := m.files[p]
	if !ok {
		f = &memFile{mtime: time.Now()}
		m.files[p] = f
	}
	if int64(len(f.data)) < offset {
		return nil, fmt.Errorf("offset %d beyond size %d", offset, len(f.data))
	}
	f.data = f.data[:offset]
	m.writeOpens = append(m.writeOpens, p)
	return &memWriter{m: m, p: p}, nil
}

func (s *memSession) Rename(ctx context.Context, oldpath, newpath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[oldpath]
	if !ok {
		return notExist("rename", oldpath)
	}
	m.files[newpath] = f
	delete(m.files, oldpath)
	m.renames++
	return nil
}

func (s *memSession) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return notExist("remove", p)
	}
	delete(m.files, p)
	return nil
}

func (s *memSession) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for d := dir; d != "/" && d != "."; d = path.Dir(d) {
		m.dirs[d] = true
	}
	return nil
}

func (s *memSession) Chtimes(ctx context.Context, p string, mtime time.Time) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[p]
	if !ok {
		return notExist("chtimes", p)
	}
	f.mtime = mtime
	return nil
}

type memRunnerSession struct {
	*memSession
}

func (s *memRunnerSession) Run(ctx context.Context, cmd string) ([]byte, error) {
	s.m.mu.Lock()
	s.m.commandsRun = append(s.m.commandsRun, cmd)
	s.m.mu.Unlock()
	return s.m.runner(cmd)
}

type memReader struct {
	m      *memEndpoint
	p      string
	data   []byte
	off    int64
	limit  int64
	read   int64
	closed atomic.Bool
}

func (r *memReader) Read(b []byte) (int, error) {
	if r.closed.Load() {
		return 0, errors.New("read on closed file")
	}
	if r.m.readDelay > 0 {
		time.Sleep(r.m.readDelay)
	}
	if r.limit >= 0 && r.read >= r.limit {
		return 0, errConnReset
	}
	if r.off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := len(b)
	if rest := int64(len(r.data)) - r.off; int64(n) > rest {
		n = int(rest)
	}
	if r.limit >= 0 && int64(n) > r.limit-r.read {
		n = int(r.limit - r.read)
	}
	copy(b, r.data[r.off:r.off+int64(n)])
	r.off += int64(n)
	r.read += int64(n)
	r.m.bytesRead.Add(int64(n))
	if r.m.onRead != nil {
		r.m.onRead(r.p, r.off)
	}
	return n, nil
}

func (r *memReader) Close() error {
	r.closed.Store(true)
	return nil
}

type memWriter struct {
	m *memEndpoint
	p string
}

func (w *memWriter) Write(b []byte) (int, error) {
	m := w.m
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[w.p]
	if !ok {
		return 0, notExist("write", w.p)
	}
	chunk := bytes.Clone(b)
	if m.corrupt[w.p] > 0 && len(chunk) > 0 {
		m.corrupt[w.p]--
		chunk[0] ^= 0xff
	}
	f.data = append(f.data, chunk...)
	m.written[w.p] += int64(len(b))
	return len(b), nil
}

func (w *memWriter) Sync() error  { return nil }
func (w *memWriter) Close() error { return nil }

// exitError mimics a remote command exit status.
type exitError struct{ code int }

func (e exitError) Error() string   { return fmt.Sprintf("process exited with status %d", e.code) }
func (e exitError) ExitStatus() int { return e.code }

// shaRunner answers the named hashing commands from the endpoint's files
// and reports "command not found" for everything else.
func shaRunner(m *memEndpoint, supported ...string) func(string) ([]byte, error) {
	return func(cmd string) ([]byte, error) {
		for _, name := range supported {
			if strings.HasPrefix(cmd, name+" ") {
				p := quotedArg(cmd)
				data, ok := m.get(p)
				if !ok {
					return nil, exitError{code: 1}
				}
				sum := sha256.Sum256(data)
				return []byte(hex.EncodeToString(sum[:]) + "  " + p + "\n"), nil
			}
		}
		return nil, exitError{code: 127}
	}
}

func quotedArg(cmd string) string {
	end := len(cmd) - 1
	start := strings.LastIndex(cmd[:end], "'")
	return cmd[start+1 : end]
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}
