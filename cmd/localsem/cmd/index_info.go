package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/localsem/localsem/internal/config"
	"github.com/localsem/localsem/internal/store"
)

func newIndexInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info [path]",
		Short: "Show index configuration and statistics",
		Long: `Display the configured embedding model and vector store statistics for
an indexed project. Useful for checking which model an index was built
with and whether it matches the current project configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndexInfo(cmd, path, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func runIndexInfo(cmd *cobra.Command, path string, jsonOutput bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir := filepath.Join(root, ".localsem")
	vectorPath := filepath.Join(dataDir, "vectors.idx")
	if _, err := os.Stat(vectorPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found at %s\nRun 'localsem index %s' to create one", dataDir, path)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	vsa, err := store.NewVSA(store.DefaultConfig(cfg.Embedding.Dimension))
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vsa.Close() }()
	if err := vsa.Load(vectorPath); err != nil {
		return fmt.Errorf("failed to load vector store: %w", err)
	}

	stats := vsa.Stats()
	indexSize := fileSize(vectorPath)

	if jsonOutput {
		out := map[string]any{
			"location": dataDir,
			"project":  root,
			"model": map[string]any{
				"id":        cfg.ModelID,
				"dimension": cfg.Embedding.Dimension,
				"endpoint":  cfg.Embedding.Endpoint,
			},
			"statistics": map[string]any{
				"rows":             stats.RowCount,
				"distinct_paths":   stats.DistinctPaths,
				"index_size_bytes": indexSize,
			},
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "Index Information")
	fmt.Fprintln(w, "==================")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Location:    %s\n", dataDir)
	fmt.Fprintf(w, "Project:     %s\n", root)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Embedding Model:")
	fmt.Fprintf(w, "  ID:         %s\n", cfg.ModelID)
	fmt.Fprintf(w, "  Dimension:  %d\n", cfg.Embedding.Dimension)
	fmt.Fprintf(w, "  Endpoint:   %s\n", cfg.Embedding.Endpoint)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Index Statistics:")
	fmt.Fprintf(w, "  Rows:       %d\n", stats.RowCount)
	fmt.Fprintf(w, "  Paths:      %d\n", stats.DistinctPaths)
	fmt.Fprintf(w, "  Index Size: %s\n", formatBytes(indexSize))

	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
