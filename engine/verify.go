package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/franksops/sfast/endpoint"
)

// ErrStrategyUnavailable means a digest strategy cannot run on a host at all
// (missing binary, no exec channel). Such strategies are skipped for the
// rest of the process.
var ErrStrategyUnavailable = errors.New("digest strategy unavailable")

// VerifyResult is the outcome of comparing two digests.
type VerifyResult int

const (
	VerifyMatch VerifyResult = iota
	VerifyMismatch
	// VerifyUnavailable means no strategy produced a digest for one side.
	VerifyUnavailable
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyMatch:
		return "match"
	case VerifyMismatch:
		return "mismatch"
	case VerifyUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// DigestStrategy computes the digest of a file through a session.
type DigestStrategy interface {
	Name() string
	Digest(ctx context.Context, sess endpoint.Session, path string) (string, error)
}

// CommandStrategy runs a hashing command on the host that stores the file.
type CommandStrategy struct {
	name  string
	build func(quotedPath string) string
}

// NewCommandStrategy returns a strategy whose command line is produced by
// build from the shell-quoted path. The first output field must be the digest.
func NewCommandStrategy(name string, build func(quotedPath string) string) CommandStrategy {
	return CommandStrategy{name: name, build: build}
}

func (c CommandStrategy) Name() string { return c.name }

func (c CommandStrategy) Digest(ctx context.Context, sess endpoint.Session, path string) (string, error) {
	runner, ok := sess.(endpoint.Runner)
	if !ok {
		return "", fmt.Errorf("%s: no remote exec: %w", c.name, ErrStrategyUnavailable)
	}

	out, err := runner.Run(ctx, c.build(endpoint.ShellQuote(path)))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var exit interface{ ExitStatus() int }
		if errors.As(err, &exit) && (exit.ExitStatus() == 126 || exit.ExitStatus() == 127) {
			return "", fmt.Errorf("%s: %w", c.name, ErrStrategyUnavailable)
		}
		return "", fmt.Errorf("%s: %w", c.name, err)
	}

	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("%s: empty output: %w", c.name, ErrStrategyUnavailable)
	}
	digest := strings.ToLower(strings.TrimPrefix(fields[0], `\`))
	if !ValidDigest(digest) {
		return "", fmt.Errorf("%s: unexpected output %q: %w", c.name, fields[0], ErrStrategyUnavailable)
	}
	return digest, nil
}

const pythonDigest = `import hashlib,sys
h=hashlib.sha256()
with open(sys.argv[1],"rb") as f:
    for c in iter(lambda: f.read(1<<20), b""):
        h.update(c)
print(h.hexdigest())`

// DefaultCommandStrategies returns the remote hashing commands in priority order.
func DefaultCommandStrategies() []DigestStrategy {
	python := func(bin string) func(string) string {
		return func(p string) string {
			return bin + " -c " + endpoint.ShellQuote(pythonDigest) + " " + p
		}
	}
	return []DigestStrategy{
		NewCommandStrategy("sha256sum", func(p string) string { return "sha256sum -- " + p }),
		NewCommandStrategy("shasum", func(p string) string { return "shasum -a 256 -- " + p }),
		NewCommandStrategy("python3", python("python3")),
		NewCommandStrategy("python", python("python")),
	}
}

// StreamStrategy reads the file over the session and hashes it locally.
type StreamStrategy struct {
	sums *ChecksumPool
	bufs *BufferPool
}

// NewStreamStrategy returns the read-and-hash strategy.
func NewStreamStrategy(bufs *BufferPool) *StreamStrategy {
	return &StreamStrategy{sums: NewChecksumPool(), bufs: bufs}
}

func (s *StreamStrategy) Name() string { return "stream" }

func (s *StreamStrategy) Digest(ctx context.Context, sess endpoint.Session, path string) (string, error) {
	r, err := sess.OpenRead(ctx, path, 0)
	if err != nil {
		return "", err
	}
	defer r.Close()
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	buf := s.bufs.Get()
	defer s.bufs.Put(buf)

	digest, _, err := s.sums.Digest(r, *buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return digest, nil
}

// Side names one file to digest.
type Side struct {
	Endpoint endpoint.Endpoint
	Session  endpoint.Session
	Path     string
	// Info, when set, makes the digest cacheable under (path, size, mtime).
	Info endpoint.FileInfo
}

type digestKey struct {
	endpoint string
	path     string
	size     int64
	mtime    int64
}

// Verifier compares digests of two sides. Local files are always hashed by
// reading them; remote files go through the strategy chain, which stops at
// the first strategy returning a digest.
type Verifier struct {
	chain  []DigestStrategy
	stream *StreamStrategy
	cache  *lru.Cache[digestKey, string]
	log    *slog.Logger

	mu       sync.Mutex
	disabled map[string]map[string]bool
}

// NewVerifier returns a verifier using the default command chain followed
// by streamed hashing.
func NewVerifier(bufs *BufferPool, logger *slog.Logger) *Verifier {
	stream := NewStreamStrategy(bufs)
	chain := append(DefaultCommandStrategies(), stream)
	return NewVerifierWithChain(chain, stream, logger)
}

// NewVerifierWithChain returns a verifier that tries chain, in order, for
// remote files and uses local for local ones.
func NewVerifierWithChain(chain []DigestStrategy, local *StreamStrategy, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[digestKey, string](4096)
	return &Verifier{
		chain:    chain,
		stream:   local,
		cache:    cache,
		log:      logger,
		disabled: make(map[string]map[string]bool),
	}
}

// Verify compares the digest of src with that of dst. An unavailable
// result is not an error.
func (v *Verifier) Verify(ctx context.Context, src, dst Side) (VerifyResult, error) {
	want, err := v.Digest(ctx, src)
	if errors.Is(err, ErrStrategyUnavailable) {
		return VerifyUnavailable, nil
	}
	if err != nil {
		return VerifyUnavailable, err
	}

	got, err := v.Digest(ctx, dst)
	if errors.Is(err, ErrStrategyUnavailable) {
		return VerifyUnavailable, nil
	}
	if err != nil {
		return VerifyUnavailable, err
	}

	if want != got {
		v.log.Debug("digest differs", "src", src.Path, "dst", dst.Path, "want", want, "got", got)
		return VerifyMismatch, nil
	}
	return VerifyMatch, nil
}

// Digest returns the digest of one side. Remote sides whose every strategy
// failed yield an error wrapping ErrStrategyUnavailable.
func (v *Verifier) Digest(ctx context.Context, side Side) (string, error) {
	var key digestKey
	if side.Info != nil {
		key = digestKey{
			endpoint: side.Endpoint.Name(),
			path:     side.Path,
			size:     side.Info.Size(),
			mtime:    side.Info.ModTime().UnixNano(),
		}
		if d, ok := v.cache.Get(key); ok {
			return d, nil
		}
	}

	digest, err := v.compute(ctx, side)
	if err != nil {
		return "", err
	}
	if side.Info != nil {
		v.cache.Add(key, digest)
	}
	return digest, nil
}

func (v *Verifier) compute(ctx context.Context, side Side) (string, error) {
	if !side.Endpoint.Remote() {
		return v.stream.Digest(ctx, side.Session, side.Path)
	}

	host := side.Endpoint.Name()
	for _, s := range v.chain {
		if v.isDisabled(host, s.Name()) {
			continue
		}
		digest, err := s.Digest(ctx, side.Session, side.Path)
		if err == nil {
			return digest, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if errors.Is(err, ErrStrategyUnavailable) {
			v.disable(host, s.Name())
		}
		v.log.Debug("digest strategy failed", "host", host, "strategy", s.Name(), "path", side.Path, "err", err)
	}
	return "", fmt.Errorf("%s: %w", side.Path, ErrStrategyUnavailable)
}

func (v *Verifier) isDisabled(host, strategy string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.disabled[host][strategy]
}

func (v *Verifier) disable(host, strategy string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.disabled[host] == nil {
		v.disabled[host] = make(map[string]bool)
	}
	if !v.disabled[host][strategy] {
		v.log.Info("digest strategy disabled for host", "host", host, "strategy", strategy)
	}
	v.disabled[host][strategy] = true
}
