package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"radonflow/internal/daemonctl"
	"radonflow/internal/daemonrun"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the radonflow daemon in the foreground",
		Long: "Run the radonflow daemon in the foreground until interrupted.\n" +
			"Use the start, stop, and restart subcommands to manage a background daemon.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    strings.TrimSpace(logLevel),
				Development: development,
			})
		},
	}
	daemonCmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	daemonCmd.Flags().BoolVar(&development, "dev", false, "Include source locations in log output")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the radonflow daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), client, exe, daemonLaunchOptions(ctx), 10*time.Second)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the radonflow daemon (running workers are charged an attempt)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(cmd.Context(), client, ctx.configValue(), 15*time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
				return nil
			}
			fmt.Fprintf(stdout, "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the radonflow daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			result, err := daemonctl.Restart(cmd.Context(), client, ctx.configValue(), exe,
				daemonLaunchOptions(ctx), 15*time.Second, 10*time.Second)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if result.WasRunning {
				if result.Stop.ForcedKill {
					fmt.Fprintf(stdout, "Killed pid %d\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintf(stdout, "Daemon restarted (pid %d)\n", result.Start.PID)
			return nil
		},
	}

	daemonCmd.AddCommand(startCmd, stopCmd, restartCmd)
	return daemonCmd
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{ConfigPath: ctx.configPath()}
}
