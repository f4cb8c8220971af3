// mnemo is a learning memory server: it indexes code, commits, notes,
// and resolved task experiences as vectors, and serves retrieval and
// context assembly over MCP stdio.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emmilco/mnemo/internal/assemble"
	"github.com/emmilco/mnemo/internal/cluster"
	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/ghap"
	"github.com/emmilco/mnemo/internal/gitx"
	"github.com/emmilco/mnemo/internal/indexer"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/mcp"
	"github.com/emmilco/mnemo/internal/memory"
	"github.com/emmilco/mnemo/internal/metadata"
	"github.com/emmilco/mnemo/internal/search"
	"github.com/emmilco/mnemo/internal/values"
	"github.com/emmilco/mnemo/internal/vector"
)

const version = "1.0.0"

var (
	flagProject   string
	flagRecursive bool
	flagExclude   []string
	flagSince     string
	flagLimit     int
	flagForce     bool
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Learning memory server for coding agents",
	Long: `mnemo indexes code units, git history, freeform memories, and
resolved task experiences as dense vectors, clusters what it has
learned, and serves semantic retrieval and context assembly as MCP
tools over stdio.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := logging.Init(cfg.Logging.Debug); err != nil {
			return err
		}
		appConfig = cfg
		return nil
	},
}

var appConfig *config.Config

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdio",
	RunE:  runServe,
}

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index the code units of a directory tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndex,
}

var commitsCmd = &cobra.Command{
	Use:   "commits [repo-path]",
	Short: "Index the commit history of a git repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommits,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show indexing statistics for a project",
	RunE:  runStats,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mnemo version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mnemo " + version)
	},
}

func init() {
	indexCmd.Flags().StringVar(&flagProject, "project", "", "project name (required)")
	indexCmd.Flags().BoolVar(&flagRecursive, "recursive", true, "descend into subdirectories")
	indexCmd.Flags().StringSliceVar(&flagExclude, "exclude", nil, "glob patterns to skip")
	_ = indexCmd.MarkFlagRequired("project")

	commitsCmd.Flags().StringVar(&flagProject, "project", "", "project name (default: repo directory name)")
	commitsCmd.Flags().StringVar(&flagSince, "since", "", "only commits at or after this RFC3339 timestamp")
	commitsCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum commits to index")
	commitsCmd.Flags().BoolVar(&flagForce, "force", false, "ignore the stored cursor and reindex from scratch")

	statsCmd.Flags().StringVar(&flagProject, "project", "", "project name (required)")
	_ = statsCmd.MarkFlagRequired("project")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(commitsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the shared state the subcommands operate on.
type app struct {
	cfg      *config.Config
	store    vector.Store
	meta     *metadata.Store
	registry *embedding.Registry
}

func openApp() (*app, error) {
	cfg := appConfig
	if err := cfg.EnsureHome(); err != nil {
		return nil, err
	}

	var store vector.Store
	var err error
	switch cfg.Vector.Backend {
	case "memory":
		store = vector.NewMemoryStore()
	default:
		store, err = vector.NewSQLiteStore(cfg.Vector.Path)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	}

	meta, err := metadata.Open(cfg.MetadataPath())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	return &app{
		cfg:      cfg,
		store:    store,
		meta:     meta,
		registry: embedding.NewRegistry(cfg.Embedding),
	}, nil
}

func (a *app) close() {
	a.meta.Close()
	a.store.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := ghap.NewCollector(a.cfg.Journal)
	if err != nil {
		return err
	}
	persister := ghap.NewPersister(a.store, a.registry)
	if err := persister.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("ensure collections: %w", err)
	}

	ix := indexer.New(a.store, a.meta, a.registry, indexer.Options{
		BatchSize:       a.cfg.Embedding.BatchSize,
		TruncateContent: a.cfg.Limits.UnitContent,
		SnippetLimit:    a.cfg.Limits.CodeSnippet,
	})
	defer ix.Close()

	searcher := search.New(a.store, a.registry)
	clusterer := cluster.New(a.store, a.cfg.Cluster)

	server := mcp.NewServer(mcp.Deps{
		Memories:   memory.New(a.store, a.registry, a.cfg.Limits.MemoryContent),
		Indexer:    ix,
		Git:        gitx.NewAnalyzer(a.store, a.meta, a.registry),
		Collector:  collector,
		Persister:  persister,
		Clusterer:  clusterer,
		Values:     values.New(a.store, a.registry, clusterer),
		Searcher:   searcher,
		Assembler:  assemble.New(searcher, a.cfg.Context),
		JournalDir: a.cfg.Journal,
	})
	return server.Run(ctx)
}

func runIndex(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ix := indexer.New(a.store, a.meta, a.registry, indexer.Options{
		BatchSize:       a.cfg.Embedding.BatchSize,
		TruncateContent: a.cfg.Limits.UnitContent,
		SnippetLimit:    a.cfg.Limits.CodeSnippet,
	})
	defer ix.Close()

	stats, err := ix.IndexDirectory(cmd.Context(), args[0], flagProject, flagRecursive, flagExclude)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runCommits(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	opts := gitx.IndexOptions{Limit: flagLimit, Force: flagForce}
	if flagSince != "" {
		since, err := time.Parse(time.RFC3339, flagSince)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		opts.Since = since
	}

	analyzer := gitx.NewAnalyzer(a.store, a.meta, a.registry)
	stats, err := analyzer.IndexCommits(cmd.Context(), args[0], flagProject, opts)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ix := indexer.New(a.store, a.meta, a.registry, indexer.Options{})
	defer ix.Close()

	stats, err := ix.Stats(cmd.Context(), flagProject)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
