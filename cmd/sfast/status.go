package main

import (
	"cmp"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franksops/sfast/engine"
	"github.com/franksops/sfast/store"
)

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the journal of the most recent run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(a.cfg.StateDir)
			if errors.Is(err, store.ErrLocked) {
				return fmt.Errorf("a transfer is running with state dir %s: %w", a.cfg.StateDir, err)
			}
			if err != nil {
				return err
			}
			defer st.Close()
			return printStatus(a, st)
		},
	}
}

func printStatus(a *app, st store.Store) error {
	run, err := st.LastRun()
	if errors.Is(err, store.ErrJobNotFound) {
		fmt.Fprintln(a.stdout, "No runs recorded.")
		return nil
	}
	if err != nil {
		return err
	}
	records, err := st.ListRun(run.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "Run %s: %s %s -> %s, started %s\n",
		run.ID, run.Mode, run.Source, run.Dest, humanize.Time(run.StartedAt))

	counts := make(map[string]int)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STATE", "PROGRESS", "ATTEMPTS", "UPDATED", "DESTINATION", "ERROR")
	for _, rec := range records {
		counts[rec.State]++
		t.Row(
			rec.State,
			fmt.Sprintf("%s / %s", humanize.Bytes(uint64(rec.Offset)), humanize.Bytes(uint64(rec.Total))),
			fmt.Sprint(rec.Attempts),
			rec.UpdatedAt.Format(time.DateTime),
			rec.Destination,
			cmp.Or(rec.Error, rec.Warning),
		)
	}
	if len(records) > 0 {
		fmt.Fprintln(a.stdout, t.String())
	}
	complete := counts[engine.StateComplete.String()]
	failed := counts[engine.StateFailed.String()]
	fmt.Fprintf(a.stdout, "%d files: %d complete, %d failed, %d unfinished\n",
		len(records), complete, failed, len(records)-complete-failed)
	return nil
}
