// Package cli implements the keeper command line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/keeper/internal/config"
	"gitlab.com/tozd/keeper/internal/logging"
	"gitlab.com/tozd/keeper/internal/pidfile"
	"gitlab.com/tozd/keeper/internal/supervisor"
	"gitlab.com/tozd/keeper/internal/worker"
)

const (
	exitSuccess        = 0
	exitKeeperFailure  = 1
	exitAlreadyRunning = 2
)

// DefaultPidFile is used when no PID file is configured.
const DefaultPidFile = "/run/keeper/keeper.pid"

type options struct {
	container any

	configPath string
	logLevel   string

	// Loaded configuration with environment overrides applied.
	cfg config.Config
}

// NewRootCommand returns the keeper command. Container is passed unmodified
// to the supervisor.
func NewRootCommand(container any) *cobra.Command {
	o := &options{
		container: container,
	}

	rootCmd := &cobra.Command{
		Use:           "keeper",
		Short:         "Keeper - process supervisor",
		Long:          `Keeper runs a fixed set of worker processes and keeps them running.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.load(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(&o.configPath, "config", config.DefaultPath, "configuration file")
	rootCmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level (none, error, warn, info, debug)")

	rootCmd.AddCommand(
		newStartCommand(o),
		newStopCommand(o),
		newPidCommand(o),
		newWorkersCommand(),
	)

	return rootCmd
}

func (o *options) load(cmd *cobra.Command) errors.E {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	err = config.ApplyEnv(&cfg, os.LookupEnv)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	err = logging.Configure(cfg.LogLevel)
	if err != nil {
		return err
	}
	// Worker processes configure logging from the environment.
	os.Setenv(config.EnvLogLevel, cfg.LogLevel)

	if cfg.PidFile == "" {
		cfg.PidFile = DefaultPidFile
	}
	o.cfg = cfg
	return nil
}

func newStartCommand(o *options) *cobra.Command {
	var force, daemon, async bool
	var pidFile, processName, user, group string
	var bootstrap []string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the supervisor",
		Long: `Start the supervisor and the bootstrap workers.

Only one supervisor runs for a PID file. With --force, the running one is
terminated first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := o.cfg
			flags := cmd.Flags()
			if flags.Changed("pid-file") {
				cfg.PidFile = pidFile
			}
			if flags.Changed("daemon") {
				d := config.Bool(daemon)
				cfg.Daemon = &d
			}
			if flags.Changed("process-name") {
				cfg.ProcessName = processName
			}
			if flags.Changed("user") {
				cfg.User = user
			}
			if flags.Changed("group") {
				cfg.Group = group
			}
			if flags.Changed("bootstrap") {
				cfg.Bootstrap = bootstrap
			}

			s := supervisor.New(o.container)
			err := s.Configure(cfg)
			if err != nil {
				return err
			}
			s.SetAsync(async)
			if logging.Debug() {
				s.SetIOEventCallback(func(h *worker.Handle, data []byte) {
					logging.Debugf("%s: PID %d: %s", h.Name(), h.Pid(), strings.TrimSpace(string(data)))
				})
			}

			ctx := cmd.Context()
			_, err = s.Start(ctx, force)
			if err != nil {
				return err
			}
			return s.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&force, "force", false, "terminate the running supervisor first")
	flags.BoolVar(&daemon, "daemon", false, "detach and run in the background")
	flags.BoolVar(&async, "async", false, "notify workers about data on their communication pipe")
	flags.StringVar(&pidFile, "pid-file", "", "PID file path (default "+DefaultPidFile+")")
	flags.StringVar(&processName, "process-name", "", "process title of the supervisor")
	flags.StringVar(&user, "user", "", "user workers run as")
	flags.StringVar(&group, "group", "", "group workers run as")
	flags.StringSliceVar(&bootstrap, "bootstrap", nil, "workers to start, by name")

	return cmd
}

func newStopCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running supervisor",
		Long: `Send SIGTERM to the running supervisor. It stops all workers and exits.

It does not wait for the supervisor to exit. It is not an error if none is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := supervisor.New(o.container)
			err := s.Configure(config.Config{PidFile: o.cfg.PidFile})
			if err != nil {
				return err
			}
			return s.Stop()
		},
	}
}

func newPidCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pid",
		Short: "Print PID of the running supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := supervisor.New(o.container)
			err := s.Configure(config.Config{PidFile: o.cfg.PidFile})
			if err != nil {
				return err
			}
			pid, err := s.Pid()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pid)
			return nil
		},
	}
}

func newWorkersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List available workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range worker.Registered() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

// Execute runs the keeper command with os.Args and returns the exit status.
func Execute(container any) int {
	return execute(context.Background(), NewRootCommand(container))
}

func execute(ctx context.Context, rootCmd *cobra.Command) int {
	return exitCode(rootCmd.ExecuteContext(ctx))
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	if errors.Is(err, supervisor.ErrDaemonized) {
		return exitSuccess
	}
	var conflict *pidfile.ConflictError
	if errors.As(err, &conflict) {
		logging.Errorf("%s", err)
		return exitAlreadyRunning
	}
	logging.Errorf("%s", logging.Err(err))
	return exitKeeperFailure
}
