package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/franksops/sfast/endpoint"
	"github.com/franksops/sfast/engine"
	"github.com/franksops/sfast/logging"
	"github.com/franksops/sfast/store"
	"github.com/franksops/sfast/ui"
)

const logFileName = "sfast.log"

func (a *app) newSendCmd() *cobra.Command {
	var watchMode bool
	cmd := &cobra.Command{
		Use:   "send [flags] <user@host> <remote_dir> <local_paths...>",
		Short: "Transfer local files to a remote host",
		Example: `  sfast send -u alice -i ~/.ssh/id_ed25519 alice@server.com /backup *.log
  sfast send -j 8 user@host /remote ./large_files/
  sfast send -W user@host.com /sync ./watched_folder/`,
		Args: needArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ssh, err := a.targets(args[2:], args[0])
			if err != nil {
				return err
			}
			r, err := a.newRunner(a.cfg.TUI && !watchMode)
			if err != nil {
				return err
			}
			defer r.close()
			remote := r.remote(ssh[0])

			job := a.job(engine.ModeSend, endpoint.NewLocalEndpoint(""), remote, args[1], args[2:])
			if watchMode {
				return a.watch(cmd.Context(), r, job)
			}
			return a.transfer(cmd.Context(), r, job)
		},
	}
	cmd.Flags().BoolVarP(&watchMode, "watch", "W", false, "keep watching the local paths and re-send changed files")
	return cmd
}

func (a *app) newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [flags] <user@host> <local_dir> <remote_paths...>",
		Short: "Transfer files from a remote host to the local machine",
		Example: `  sfast get alice@server.com ./downloads '/var/log/*.txt'
  sfast get -p 2222 bob@host.com ./backup /data/important/`,
		Args: needArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ssh, err := a.targets(args[2:], args[0])
			if err != nil {
				return err
			}
			r, err := a.newRunner(a.cfg.TUI)
			if err != nil {
				return err
			}
			defer r.close()
			remote := r.remote(ssh[0])

			job := a.job(engine.ModeGet, remote, endpoint.NewLocalEndpoint(""), args[1], args[2:])
			return a.transfer(cmd.Context(), r, job)
		},
	}
}

func (a *app) newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay [flags] <src_user@host> <dst_user@host> <src_paths...> <dst_paths...>",
		Short: "Stream files between two remote hosts without a local copy",
		Long: `relay streams files from one SSH host to another through this machine's
memory. Sources and destinations are paired by position: the first half of
the path arguments are sources, the second half their destinations. A
source may be a directory or a pattern; a destination ending in "/" is a
directory.`,
		Example: `  sfast relay admin@server1 admin@server2 /data/file.db /backup/file.db
  sfast relay host1 host2 '/logs/*.txt' /archive/`,
		Args: needArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ssh, err := a.targets(args[2:], args[0], args[1])
			if err != nil {
				return err
			}
			r, err := a.newRunner(a.cfg.TUI)
			if err != nil {
				return err
			}
			defer r.close()

			job := a.job(engine.ModeRelay, r.remote(ssh[0]), r.remote(ssh[1]), "", args[2:])
			return a.transfer(cmd.Context(), r, job)
		},
	}
}

// targets validates the path arguments and parses the SSH targets, before
// anything is opened.
func (a *app) targets(paths []string, targets ...string) ([]endpoint.SSHConfig, error) {
	if err := checkSchemes(paths); err != nil {
		return nil, err
	}
	out := make([]endpoint.SSHConfig, 0, len(targets))
	for _, t := range targets {
		cfg, err := a.cfg.SSH(t)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func checkSchemes(paths []string) error {
	for _, p := range paths {
		if err := endpoint.DetectScheme(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (a *app) job(mode engine.Mode, src, dst endpoint.Endpoint, destRoot string, args []string) engine.TransferJob {
	return engine.TransferJob{
		Mode:        mode,
		Source:      src,
		Destination: dst,
		DestRoot:    destRoot,
		Args:        args,
		Options:     a.cfg.Options(),
	}
}

// runner owns what one invocation shares between the runs it starts: the
// journal, the orchestrator and the progress collector.
type runner struct {
	orch     *engine.Orchestrator
	progress *ui.Progress
	log      *slog.Logger
	tui      bool
	closers  []func() error
}

// newRunner opens the journal. With the TUI on, logs go to a file in the
// state directory instead of stderr.
func (a *app) newRunner(tui bool) (*runner, error) {
	st, err := store.Open(a.cfg.StateDir)
	if err != nil {
		return nil, err
	}
	r := &runner{log: a.log, tui: tui, closers: []func() error{st.Close}}

	if tui {
		f, err := logging.OpenFile(filepath.Join(a.cfg.StateDir, logFileName))
		if err != nil {
			r.close()
			return nil, err
		}
		r.closers = append(r.closers, f.Close)
		r.log = logging.New(a.cfg.LogLevel, f)
	}

	tracker := engine.NewJobTracker(st, engine.DefaultCheckpointConfig, r.log)
	r.progress = ui.NewProgress(func() int { return r.orch.Workers() })
	r.orch = engine.NewOrchestrator(r.progress, tracker, r.log)
	r.log.Debug("journal opened", "dir", a.cfg.StateDir, "run", tracker.RunID())
	return r, nil
}

// remote returns an SFTP endpoint closed together with r. It dials lazily.
func (r *runner) remote(cfg endpoint.SSHConfig) *endpoint.SFTPEndpoint {
	e := endpoint.NewSFTPEndpoint(cfg, r.log)
	r.closers = append(r.closers, e.Close)
	return e
}

func (r *runner) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// execute resolves and runs one job. Resolution errors abort before any
// transfer starts.
func (r *runner) execute(ctx context.Context, job engine.TransferJob) (*engine.Report, error) {
	pairs, err := r.orch.Resolve(ctx, job)
	if err != nil {
		return nil, err
	}
	r.progress.Begin(pairs)
	if r.tui {
		return r.runTUI(ctx, job, pairs), nil
	}
	return r.runHeadless(ctx, job, pairs), nil
}

func (r *runner) runHeadless(ctx context.Context, job engine.TransferJob, pairs []engine.PathPair) *engine.Report {
	logCtx, stop := context.WithCancel(ctx)
	defer stop()
	go ui.LogProgress(logCtx, r.progress, r.log, ui.DefaultLogInterval)

	report := r.orch.Run(ctx, job, pairs)
	r.progress.Finish()
	return report
}

func (r *runner) runTUI(ctx context.Context, job engine.TransferJob, pairs []engine.PathPair) *engine.Report {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := tea.NewProgram(ui.NewTUIModel(r.progress, r.orch.Resize, cancel), tea.WithAltScreen())
	done := make(chan *engine.Report, 1)
	go func() {
		report := r.orch.Run(ctx, job, pairs)
		r.progress.Finish()
		prog.Send(ui.DoneMsg{Summary: report.Summary()})
		done <- report
	}()

	if _, err := prog.Run(); err != nil {
		r.log.Warn("progress display stopped", "err", err)
	}
	// the display is gone; a run still in progress keeps going headless
	return <-done
}

// transfer runs job once and prints the outcome.
func (a *app) transfer(ctx context.Context, r *runner, job engine.TransferJob) error {
	report, err := r.execute(ctx, job)
	if err != nil {
		return err
	}
	return a.finish(ctx, report)
}

// finish prints the report and converts its outcome into an exit status.
func (a *app) finish(ctx context.Context, report *engine.Report) error {
	fmt.Fprintln(a.stdout, report.Summary())
	for _, res := range report.Errors() {
		fmt.Fprintf(a.stderr, "failed: %s: %v\n", res.Pair.Destination, res.Err)
	}
	for _, res := range report.Results() {
		if res.Warning != "" {
			fmt.Fprintf(a.stderr, "warning: %s: %s\n", res.Pair.Destination, res.Warning)
		}
	}

	counts := report.Counts()
	if ctx.Err() != nil || counts[engine.OutcomeCancelled] > 0 {
		fmt.Fprintf(a.stdout, "Interrupted: %d completed, %d resumable\n",
			counts[engine.OutcomeSucceeded]+counts[engine.OutcomeSkipped], report.Resumable())
		return exitStatus(engine.ExitCancelled)
	}
	if code := report.ExitCode(); code != engine.ExitOK {
		return exitStatus(code)
	}
	return nil
}
