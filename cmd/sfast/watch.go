package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/sfast/engine"
	"github.com/franksops/sfast/watch"
)

// watch sends job once, then re-sends every local file that changes below
// its arguments until ctx is cancelled.
func (a *app) watch(ctx context.Context, r *runner, job engine.TransferJob) error {
	report, err := r.execute(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, report.Summary())
	if ctx.Err() != nil {
		return a.finish(ctx, report)
	}
	// latest outcome per destination across the initial send and every re-send
	total := engine.NewReport()
	total.Merge(report)

	roots, err := watchRoots(job.Args)
	if err != nil {
		return err
	}
	src, err := watch.NewNotifySource(roots, r.log)
	if err != nil {
		return err
	}

	submit := func(ctx context.Context, path string) error {
		dir, ok := watch.DestDir(roots, path)
		if !ok {
			return nil
		}
		one := job
		one.DestRoot = job.Destination.Join(job.DestRoot, dir)
		one.Args = []string{path}

		report, err := r.execute(ctx, one)
		if err != nil {
			return err
		}
		total.Merge(report)
		if failed := len(report.Errors()); failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(report.Results()))
		}
		return nil
	}
	trigger := watch.NewTrigger(a.cfg.WatchDebounce, submit, r.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return trigger.Run(gctx, src.Events())
	})
	g.Go(func() error {
		<-gctx.Done()
		return src.Close()
	})
	if err := g.Wait(); err != nil {
		return err
	}
	counts := total.Counts()
	fmt.Fprintf(a.stdout, "Watch stopped: %d files up to date, %d failed\n",
		counts[engine.OutcomeSucceeded]+counts[engine.OutcomeSkipped], counts[engine.OutcomeFailed])
	return ctx.Err()
}

// watchRoots returns the absolute files and directories named by args,
// patterns expanded to what they match now.
func watchRoots(args []string) ([]string, error) {
	var roots []string
	for _, arg := range args {
		matches := []string{arg}
		if engine.HasMeta(arg) {
			var err error
			matches, err = doublestar.FilepathGlob(arg)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", engine.ErrConfig, arg, err)
			}
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, err
			}
			if _, err := os.Stat(abs); err != nil {
				continue
			}
			roots = append(roots, abs)
		}
	}
	if len(roots) == 0 {
		return nil, engine.ErrNoMatchingFiles
	}
	return roots, nil
}
