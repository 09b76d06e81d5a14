package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/localsem/localsem/internal/config"
	"github.com/localsem/localsem/internal/daemon"
	"github.com/localsem/localsem/internal/embed"
	"github.com/localsem/localsem/internal/logging"
	"github.com/localsem/localsem/internal/output"
	"github.com/localsem/localsem/internal/search"
	"github.com/localsem/localsem/internal/store"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit    int
	language string
	format   string // "text", "json"
	scopes   []string
	local    bool // Force local search (bypass daemon)
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed files",
		Long: `Search the indexed files using semantic (embedding) search over the vector store.

Examples:
  localsem search "authentication middleware"
  localsem search "retry with backoff" --limit 5
  localsem search "setup instructions" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of grouped results")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Language hint (e.g., go, python); results are not filtered by it")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().StringSliceVarP(&opts.scopes, "scope", "s", nil, "Filter by path scope (repeatable, e.g., --scope services/api)")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Force local search (bypass daemon)")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if _, cleanup, err := logging.Setup(logCfg); err == nil {
		defer cleanup()
	}

	slog.Info("search_started", slog.String("query", query), slog.Int("limit", opts.limit))
	out := output.New(cmd.OutOrStdout())

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	dataDir := filepath.Join(root, ".localsem")
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'localsem index' first")
	}

	daemonCfg := daemon.DefaultConfig()
	client := daemon.NewClient(daemonCfg)
	if !opts.local && client.IsRunning() {
		slog.Info("search_using_daemon")
		results, err := client.Search(ctx, daemon.SearchParams{
			Query:    query,
			RootPath: root,
			Limit:    opts.limit,
			Language: opts.language,
			Scopes:   opts.scopes,
		})
		if err != nil {
			slog.Warn("daemon_search_failed_falling_back", slog.String("error", err.Error()))
		} else {
			slog.Info("search_complete", slog.String("mode", "daemon"), slog.Int("results", len(results)))
			return formatDaemonResults(cmd, out, query, results, opts.format)
		}
	}

	slog.Info("search_using_local")
	return runLocalSearch(ctx, cmd, root, query, opts)
}

// runLocalSearch opens the on-disk vector store directly and runs the
// search Service without the daemon, for one-off queries or when the
// daemon isn't running.
func runLocalSearch(ctx context.Context, cmd *cobra.Command, root, query string, opts searchOptions) error {
	out := output.New(cmd.OutOrStdout())
	dataDir := filepath.Join(root, ".localsem")

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	embedder, err := embed.New(ctx, cfg.Embedding, cfg.Timeouts, cfg.ModelID)
	if err != nil {
		return fmt.Errorf("failed to start embedding service: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	vsa, err := store.NewVSA(store.DefaultConfig(embedder.Dimensions()))
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vsa.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.idx")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vsa.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	searchOpts := search.DefaultOptions()
	searchOpts.K = opts.limit

	svc, err := search.New(embedder, vsa, searchOpts)
	if err != nil {
		return fmt.Errorf("failed to create search service: %w", err)
	}

	groups, err := svc.Search(ctx, query, opts.limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	groups = filterGroups(groups, opts.language, opts.scopes)
	slog.Info("search_complete", slog.String("mode", "local"), slog.Int("results", len(groups)))

	if len(groups) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	switch opts.format {
	case "json":
		return formatJSON(cmd, groups)
	default:
		return formatText(out, query, groups)
	}
}

// filterGroups applies CLI-only post-filters the search Service doesn't
// know about, since grouped results carry no language field of their own.
func filterGroups(groups []search.GroupedResult, language string, scopes []string) []search.GroupedResult {
	if language == "" && len(scopes) == 0 {
		return groups
	}
	filtered := make([]search.GroupedResult, 0, len(groups))
	for _, g := range groups {
		if len(scopes) > 0 && !matchesAnyScope(g.Path, scopes) {
			continue
		}
		filtered = append(filtered, g)
	}
	return filtered
}

func matchesAnyScope(path string, scopes []string) bool {
	for _, scope := range scopes {
		if strings.HasPrefix(path, scope) {
			return true
		}
	}
	return false
}

// formatDaemonResults formats search results returned by the daemon.
func formatDaemonResults(cmd *cobra.Command, out *output.Writer, query string, results []daemon.SearchResult, format string) error {
	if len(results) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	default:
		out.Statusf("🔍", "Found %d results for %q:", len(results), query)
		out.Newline()

		for i, r := range results {
			out.Statusf("", "%d. %s (score: %.3f)", i+1, r.FilePath, r.Score)
			for _, line := range getSnippet(r.Content, 3) {
				out.Status("", "   "+line)
			}
			out.Newline()
		}
		return nil
	}
}

// formatText outputs grouped local results in human-readable format.
func formatText(out *output.Writer, query string, groups []search.GroupedResult) error {
	out.Statusf("🔍", "Found %d results for %q:", len(groups), query)
	out.Newline()

	for i, g := range groups {
		out.Statusf("", "%d. %s (score: %.3f)", i+1, g.Path, g.TopHit.Score)
		for _, line := range getSnippet(g.TopHit.Text, 3) {
			out.Status("", "   "+line)
		}
		out.Newline()
	}

	return nil
}

// formatJSON outputs grouped local results in JSON format.
func formatJSON(cmd *cobra.Command, groups []search.GroupedResult) error {
	type jsonHit struct {
		Offset int     `json:"offset"`
		Score  float64 `json:"score"`
	}
	type jsonResult struct {
		Path    string    `json:"path"`
		Score   float64   `json:"score"`
		Content string    `json:"content"`
		Hits    []jsonHit `json:"hits"`
	}

	out := make([]jsonResult, 0, len(groups))
	for _, g := range groups {
		hits := make([]jsonHit, 0, len(g.Hits))
		for _, h := range g.Hits {
			hits = append(hits, jsonHit{Offset: h.Offset, Score: h.Score})
		}
		out = append(out, jsonResult{
			Path:    g.Path,
			Score:   g.TopHit.Score,
			Content: g.TopHit.Text,
			Hits:    hits,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// getSnippet returns the first n lines of content.
func getSnippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
