package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/localsem/localsem/internal/config"
	"github.com/localsem/localsem/internal/logging"
	"github.com/localsem/localsem/internal/output"
	"github.com/localsem/localsem/internal/supervisor"
)

// idleSettleInterval is how often runIndex polls the scheduler and queue
// for activity, and idleRoundsRequired is how many consecutive idle polls
// must pass before the initial scan is considered finished. A single idle
// reading isn't enough: the scan goroutine can be between filepath.WalkDir
// callbacks right when the scheduler last drained.
const (
	idleSettleInterval = 200 * time.Millisecond
	idleRoundsRequired = 5
)

func newIndexCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a directory for searching",
		Long: `Index a directory to enable semantic search over its contents.

This walks the directory, chunks its files, generates embeddings through
the embedding service, and builds the vector index used by 'localsem
search'. Re-run it to pick up file changes; a project loaded by the
'localsem daemon' is also kept current by its file watcher.

Use --force to clear an existing index and rebuild from scratch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(ctx, cmd, path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Clear existing index and rebuild from scratch")

	cmd.AddCommand(newIndexInfoCmd())

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, force bool) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger)
		defer cleanup()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("failed to access path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	out := output.New(cmd.OutOrStdout())
	dataDir := filepath.Join(root, ".localsem")

	if force {
		if err := clearIndexData(dataDir); err != nil {
			return fmt.Errorf("failed to clear index data: %w", err)
		}
		out.Status("", "Cleared existing index data, starting fresh...")
		slog.Info("index_force_clear", slog.String("data_dir", dataDir))
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	sup := supervisor.New(supervisor.Config{RootPath: root, StorageDir: dataDir, Core: cfg})

	out.Statusf("", "Indexing %s...", root)
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start indexing: %w", err)
	}

	if err := waitForScanIdle(ctx, sup); err != nil {
		_ = sup.Shutdown(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to finalize index: %w", err)
	}

	stats := sup.VSA.Stats()
	out.Successf("Indexed %d chunks across %d files", stats.RowCount, stats.DistinctPaths)
	return nil
}

// waitForScanIdle polls the scheduler and queue until both have been empty
// for idleRoundsRequired consecutive checks, which is as close as a
// one-shot CLI command can get to "the initial scan has finished" without
// the scan goroutine itself reporting completion.
func waitForScanIdle(ctx context.Context, sup *supervisor.Supervisor) error {
	idleRounds := 0
	ticker := time.NewTicker(idleSettleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if sup.Scheduler.ActiveCount() == 0 && sup.Queue.Depth() == 0 {
			idleRounds++
			if idleRounds >= idleRoundsRequired {
				return nil
			}
		} else {
			idleRounds = 0
		}
	}
}

// clearIndexData removes all index-related files from the data directory.
// This preserves .localsem.yaml, which lives at the project root, not here.
func clearIndexData(dataDir string) error {
	indexFiles := []string{
		filepath.Join(dataDir, "fss.db"),
		filepath.Join(dataDir, "vectors.idx"),
		filepath.Join(dataDir, "vectors.idx.meta"),
	}

	for _, path := range indexFiles {
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}

	return nil
}
