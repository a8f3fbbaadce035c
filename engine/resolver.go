package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/franksops/sfast/endpoint"
)

// Resolver expands raw path arguments into PathPairs. Directories are
// walked iteratively, so very deep trees cannot overflow the stack.
type Resolver struct {
	log *slog.Logger
}

// NewResolver creates a new Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{log: logger}
}

// Resolve returns the pairs for job in a deterministic order: arguments in
// the order given, matches of a pattern sorted, directory entries sorted
// with each directory's files before its subdirectories.
func (r *Resolver) Resolve(ctx context.Context, job TransferJob) ([]PathPair, error) {
	switch job.Mode {
	case ModeRelay:
		if len(job.Args) == 0 || len(job.Args)%2 != 0 {
			return nil, fmt.Errorf("%w: got %d paths", ErrRelayArgs, len(job.Args))
		}
		if !job.Source.Remote() || !job.Destination.Remote() {
			return nil, fmt.Errorf("%w: relay runs between two remote hosts", ErrConfig)
		}
	case ModeSend, ModeGet:
		if len(job.Args) == 0 {
			return nil, fmt.Errorf("%w: no source paths", ErrConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrConfig, job.Mode)
	}

	sess, err := job.Source.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer sess.Release()

	res := &resolution{
		job:  job,
		sess: sess,
		seen: mapset.NewThreadUnsafeSet[string](),
		log:  r.log,
	}

	if job.Mode == ModeRelay {
		half := len(job.Args) / 2
		for i := 0; i < half; i++ {
			if err := res.relayArg(ctx, job.Args[i], job.Args[half+i]); err != nil {
				return nil, err
			}
		}
	} else {
		for _, arg := range job.Args {
			if err := res.treeArg(ctx, arg, job.DestRoot); err != nil {
				return nil, err
			}
		}
	}

	if len(res.pairs) == 0 {
		return nil, ErrNoMatchingFiles
	}
	return res.pairs, nil
}

type resolution struct {
	job   TransferJob
	sess  endpoint.Session
	seen  mapset.Set[string]
	pairs []PathPair
	log   *slog.Logger
}

// treeArg places every match of arg under destRoot/<base of match>.
func (res *resolution) treeArg(ctx context.Context, arg, destRoot string) error {
	matches, err := res.expand(ctx, arg)
	if err != nil {
		return err
	}
	dst := res.job.Destination
	for _, m := range matches {
		top := res.job.Source.Base(m)
		err := res.walk(ctx, m, func(src string, rel []string, info endpoint.FileInfo) {
			parts := append([]string{destRoot, top}, rel...)
			res.add(src, dst.Join(parts...), rel, info)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// relayArg maps src onto dest. dest names a directory when it ends in a
// slash, when src matches several files or when src is a directory.
func (res *resolution) relayArg(ctx context.Context, src, dest string) error {
	matches, err := res.expand(ctx, src)
	if err != nil {
		return err
	}
	dst := res.job.Destination
	intoDir := strings.HasSuffix(dest, "/") || len(matches) > 1

	for _, m := range matches {
		top := res.job.Source.Base(m)
		err := res.walk(ctx, m, func(s string, rel []string, info endpoint.FileInfo) {
			if len(rel) == 0 && !intoDir {
				res.add(s, dest, nil, info)
				return
			}
			parts := append([]string{dest, top}, rel...)
			res.add(s, dst.Join(parts...), rel, info)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (res *resolution) add(src, dst string, rel []string, info endpoint.FileInfo) {
	if !res.seen.Add(dst) {
		res.log.Warn("skipping duplicate destination", "src", src, "dst", dst)
		return
	}
	res.pairs = append(res.pairs, PathPair{
		Source:       src,
		Destination:  dst,
		RelPath:      res.job.Destination.Join(rel...),
		FromDir:      len(rel) > 0,
		SourceRemote: res.job.Source.Remote(),
		DestRemote:   res.job.Destination.Remote(),
		Size:         info.Size(),
		ModTime:      info.ModTime(),
	})
}

// HasMeta reports whether p is a pattern rather than a literal path.
func HasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// expand returns the sorted matches of arg. Local patterns may span several
// components; remote patterns match the last component only.
func (res *resolution) expand(ctx context.Context, arg string) ([]string, error) {
	src := res.job.Source
	if !src.Remote() {
		arg = endpoint.ExpandHome(arg)
	}
	if !HasMeta(arg) {
		return []string{arg}, nil
	}

	var matches []string
	if !src.Remote() {
		found, err := doublestar.FilepathGlob(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: bad pattern %q: %v", ErrConfig, arg, err)
		}
		matches = found
	} else {
		dir, pattern := src.Dir(arg), src.Base(arg)
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%w: bad pattern %q", ErrConfig, arg)
		}
		entries, err := res.sess.List(ctx, dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, e := range entries {
			if ok, _ := doublestar.Match(pattern, e.Name()); ok {
				matches = append(matches, src.Join(dir, e.Name()))
			}
		}
	}

	matches = slices.DeleteFunc(matches, func(m string) bool {
		return strings.HasSuffix(m, endpoint.TempSuffix)
	})
	slices.Sort(matches)
	if len(matches) == 0 {
		res.log.Warn("pattern matched no files", "pattern", arg)
	}
	return matches, nil
}

// walk calls visit for root itself when it is a file, or for every file
// below it when it is a directory.
func (res *resolution) walk(ctx context.Context, root string, visit func(src string, rel []string, info endpoint.FileInfo)) error {
	src := res.job.Source

	stat, err := res.sess.Stat(ctx, root)
	if errors.Is(err, os.ErrNotExist) {
		res.log.Warn("source does not exist", "path", root)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", root, err)
	}
	if !stat.IsDir() {
		visit(root, nil, stat)
		return nil
	}

	stack := [][]string{nil}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dir := src.Join(append([]string{root}, rel...)...)
		entries, err := res.sess.List(ctx, dir)
		if err != nil {
			return fmt.Errorf("failed to list directory %s: %w", dir, err)
		}
		slices.SortFunc(entries, func(a, b endpoint.FileInfo) int {
			return strings.Compare(a.Name(), b.Name())
		})

		var subdirs [][]string
		for _, entry := range entries {
			entryRel := append(slices.Clone(rel), entry.Name())
			if entry.IsDir() {
				subdirs = append(subdirs, entryRel)
				continue
			}
			if strings.HasSuffix(entry.Name(), endpoint.TempSuffix) {
				continue
			}
			visit(src.Join(append([]string{root}, entryRel...)...), entryRel, entry)
		}
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}
	return nil
}
