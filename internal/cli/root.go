// Package cli wires the daemon's single cobra entrypoint: a foreground
// "run" command that loads configuration and blocks until SIGINT/SIGTERM.
// There is deliberately no start/stop/status subcommand pair and no PID
// file: the process is meant to be supervised (systemd, a container
// runtime), not daemonized by forking itself.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dicklesworthstone/valterd/internal/supervisor"
)

var (
	flagHomeDir string
	flagDev     bool
	flagVerbose bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHomeDir, "home", defaultHomeDir(), "directory holding the configuration file and valter.db")
	rootCmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "load valter.dev.config.yaml instead of valter.config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging")
}

var rootCmd = &cobra.Command{
	Use:   "valterd",
	Short: "valterd mirrors a filesystem tree into a queryable SQL database",
	Long: `valterd watches a configured set of directories, reconciles their YAML
metadata into a dynamically schemed SQL database, and resolves references
between entities through a human-adjudicated safety valve.

Configuration, the reload loop, and every ingestion rule are described by
the configuration file in --home (valter.config.yaml, or
valter.dev.config.yaml with --dev).`,
	RunE:          runRoot,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func runRoot(cmd *cobra.Command, args []string) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if flagVerbose {
		logger.SetLevel(log.DebugLevel)
	}

	sup := supervisor.New(supervisor.Options{
		HomeDir: flagHomeDir,
		Dev:     flagDev,
		Logger:  logger,
	})

	logger.Info("starting valterd", "home", flagHomeDir, "config", sup.ConfigPath(), "dev", flagDev)
	return sup.Run(context.Background())
}

func defaultHomeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// Execute runs the root command, returning its error rather than calling
// os.Exit so callers (including tests) retain control of process exit.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("valterd: %w", err)
	}
	return nil
}
