// Package cmd wires the ticketd CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ticketd/internal/daemon"
	"github.com/zjrosen/ticketd/internal/log"
)

var (
	version = "dev"

	projectDir   string
	cfgFile      string
	controlPort  int
	pollInterval int
	logPath      string
)

var rootCmd = &cobra.Command{
	Use:   "ticketd",
	Short: "Autonomous ticket dispatch daemon",
	Long: `ticketd watches an issue tracker (webhook-first, with a poll
fallback) and dispatches actionable tickets to pools of headless agent
workers. Coding work runs in isolated git worktrees and merges back to
main on success.

A local control plane exposes status, pool mutations, the webhook sink,
metrics, and run history over HTTP.

Example:
  ticketd --project-dir ~/src/app --config ~/src/app/ticketd.json`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// exitCode carries the daemon's exit status out of RunE, which only
// distinguishes nil from error.
var exitCode = daemon.ExitOK

func init() {
	rootCmd.Flags().StringVarP(&projectDir, "project-dir", "p", "",
		"project git repository (default: current directory)")
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "",
		"config file (JSON); missing file means defaults")
	rootCmd.Flags().IntVar(&controlPort, "control-port", 0,
		"control plane port (overrides config)")
	rootCmd.Flags().IntVar(&pollInterval, "poll-interval", 0,
		"seconds between dispatch rounds (overrides config)")
	rootCmd.Flags().StringVar(&logPath, "log", "",
		"log file (default: stderr; also TICKETD_LOG)")
}

func run(_ *cobra.Command, _ []string) error {
	path := logPath
	if path == "" {
		path = os.Getenv("TICKETD_LOG")
	}
	if path != "" {
		cleanup, err := log.Init(path)
		if err != nil {
			return fmt.Errorf("initializing log file: %w", err)
		}
		defer cleanup()
	} else {
		log.InitStderr()
	}

	d, err := daemon.New(daemon.Options{
		ProjectDir:   projectDir,
		ConfigPath:   cfgFile,
		ControlPort:  controlPort,
		PollInterval: pollInterval,
	})
	if err != nil {
		return err
	}

	exitCode = d.Run()
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return daemon.ExitFatal
	}
	return exitCode
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
