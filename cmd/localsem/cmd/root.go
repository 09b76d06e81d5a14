// Package cmd provides the CLI commands for LocalSem.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/localsem/localsem/internal/logging"
	"github.com/localsem/localsem/pkg/version"
)

// Debug logging flag
var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for localsem CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "localsem",
		Short: "Offline semantic search over local files",
		Long: `LocalSem indexes a directory's files into a local vector store and
answers semantic queries against it through an out-of-process embedding
service.

Run 'localsem index' once per project, then 'localsem search "..."' to
query it. 'localsem daemon start' keeps the embedding client warm across
searches instead of paying its startup cost on every invocation.`,
		Version: version.Version,
	}

	cmd.SetVersionTemplate("localsem version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.localsem/logs/")
	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func startLogging(_ *cobra.Command, _ []string) error {
	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Info("debug logging enabled", slog.String("log_file", logging.DefaultLogPath()))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
