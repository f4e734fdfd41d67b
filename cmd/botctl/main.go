package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}
	logsFlags := &LogsFlags{}
	serveFlags := &ServeFlags{}

	c := &command{global: globalFlags}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createProvisionCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c, statusFlags),
		createLogsCommand(c, logsFlags),
		createServeCommand(c, serveFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botctl",
		Short: "Provision and supervise a detached bot worker",
		Long: `botctl prepares a bot's runtime directory, starts the bot as a detached
process and reports whether it is running, locally or through a running
"botctl serve" daemon.

Examples:
  botctl start                                   # provision, then start
  botctl status --watch
  botctl logs --tail 100
  botctl serve --config botctl.toml
  botctl stop --api-url http://127.0.0.1:8787/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8787/api); empty acts locally")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 2*time.Minute, "daemon request timeout")
	return root
}

func createProvisionCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create or repair the runtime directory",
		Long: `Copy the template files into the runtime directory, keep the user's
secrets file, create the interpreter environment and install dependencies
when the manifest changed. The worker is not started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Provision(cmd)
		},
	}
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Provision and start the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd)
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the worker and any stray copies of it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd)
		},
	}
}

func createStatusCommand(c *command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the worker is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd, *flags)
		},
	}
	cmd.Flags().BoolVarP(&flags.Watch, "watch", "w", false, "keep printing status changes")
	cmd.Flags().DurationVar(&flags.Interval, "interval", 2*time.Second, "watch refresh interval")
	return cmd
}

func createLogsCommand(c *command, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the worker log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd, *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Tail, "tail", "n", 50, "number of trailing lines")
	cmd.Flags().BoolVar(&flags.Open, "open", false, "open the log file in the system viewer")
	return cmd
}

func createServeCommand(c *command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon exposing the HTTP API",
		Long: `Claim the runtime directory, provision it and serve the HTTP API until
interrupted. The worker keeps running after the daemon exits unless
runtime.stop_on_shutdown is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "API listen address (overrides server.listen)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "metrics listen address (overrides metrics.listen)")
	cmd.Flags().BoolVar(&flags.AutoStart, "autostart", false, "start the worker after provisioning")
	return cmd
}
