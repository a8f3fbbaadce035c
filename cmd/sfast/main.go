package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/franksops/sfast/config"
	"github.com/franksops/sfast/endpoint"
	"github.com/franksops/sfast/engine"
	"github.com/franksops/sfast/logging"
)

// app carries the state shared by the subcommands of one invocation.
type app struct {
	v      *viper.Viper
	cfg    config.Config
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// exitStatus is returned by commands that finished but must exit non-zero.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{
		v:      viper.New(),
		log:    slog.New(slog.DiscardHandler),
		stdout: stdout,
		stderr: stderr,
	}
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	code := exitCode(ctx, err)
	var status exitStatus
	if err != nil && !errors.As(err, &status) {
		fmt.Fprintf(stderr, "sfast: %v\n", err)
	}
	return code
}

func exitCode(ctx context.Context, err error) int {
	var status exitStatus
	switch {
	case err == nil:
		return engine.ExitOK
	case errors.As(err, &status):
		return int(status)
	case errors.Is(err, engine.ErrConfig),
		errors.Is(err, engine.ErrNoMatchingFiles),
		errors.Is(err, engine.ErrRelayArgs),
		errors.Is(err, endpoint.ErrCloudScheme):
		return engine.ExitConfig
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return engine.ExitCancelled
	}
	return engine.ExitFailure
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sfast",
		Short: "Parallel, resumable, verified file transfer over SSH",
		Long: `sfast moves files between the local machine and SSH hosts, or between two
SSH hosts, over SFTP. Transfers run in parallel, resume from partial
".part" files after interruption and are verified with SHA-256 before
they are renamed into place.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", engine.ErrConfig, err)
	})

	f := root.PersistentFlags()
	f.SortFlags = false
	f.StringP("username", "u", "", "SSH username for authentication")
	f.IntP("port", "p", endpoint.DefaultPort, "SSH port number")
	f.StringP("password", "P", "", "SSH password for authentication")
	f.StringP("identity", "i", "", "path to private key file")
	f.BoolP("verify-host-key", "k", false, "enable strict host key verification")
	f.String("known-hosts", "~/.ssh/known_hosts", "known_hosts file used with -k")
	f.Int("max-sessions", 4, "SFTP sessions opened per host")
	f.IntP("parallel", "j", 0, "number of concurrent transfers (0 = auto)")
	f.IntP("retries", "r", engine.DefaultRetries, "maximum attempts per file")
	f.Int("mismatch-retries", 0, "maximum attempts after hash mismatches (0 = same as retries)")
	f.Float64P("backoff", "b", engine.DefaultBackoff.Seconds(), "initial backoff seconds for retries")
	f.BoolP("no-verify", "n", false, "skip SHA-256 hash verification")
	f.BoolP("compress", "c", false, "enable zstd compression")
	f.IntP("zstd-level", "z", 3, "zstd compression level 1-22")
	f.String("limit-rate", "0", "bandwidth cap for all transfers, e.g. 20MB (0 = unlimited)")
	f.String("chunk-size", "1MiB", "read and write size on the stream path")
	f.String("state-dir", config.DefaultStateDir, "directory for the transfer journal and logs")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.Bool("tui", false, "show the interactive progress display (default: on when stdout is a terminal)")
	f.String("config", "", "config file (default "+config.DefaultConfigDir+"/config.yaml)")

	root.AddCommand(
		a.newSendCmd(),
		a.newGetCmd(),
		a.newRelayCmd(),
		a.newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig binds every flag to its config key, reads the config file and
// resolves the configuration.
func (a *app) loadConfig(cmd *cobra.Command) error {
	config.SetDefaults(a.v)

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" || f.Name == "watch" {
			return
		}
		if err := a.v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return bindErr
	}

	path, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(a.v, path); err != nil {
		return err
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.New(cfg.LogLevel, a.stderr)
	slog.SetDefault(a.log)
	if cfg.File != "" {
		a.log.Debug("config loaded", "file", cfg.File)
	}
	return nil
}

// needArgs is cobra.MinimumNArgs reporting a configuration error.
func needArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", engine.ErrConfig, err)
		}
		return nil
	}
}
