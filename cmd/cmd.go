// Package cmd provides the puretrace CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/puretrace/puretrace/internal/cache"
	"github.com/puretrace/puretrace/internal/config"
	"github.com/puretrace/puretrace/internal/ingestion"
	"github.com/puretrace/puretrace/internal/storage"
	"github.com/puretrace/puretrace/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// AnalyzeCmd analyzes a repository and builds the purity index.
type AnalyzeCmd struct {
	Path string `arg:"" optional:"" default:"." help:"Path to repository"`
	Full bool   `help:"Ignore the incremental cache and reclassify everything"`
}

// Run executes the analyze command.
func (c *AnalyzeCmd) Run(logger *slog.Logger) error {
	ctx := context.Background()
	root, err := resolveRepo(c.Path)
	if err != nil {
		return err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	color.Green("Analyzing %s", root)

	if err := os.MkdirAll(filepath.Join(root, cache.DirName), 0o755); err != nil {
		return fmt.Errorf("creating %s directory: %w", cache.DirName, err)
	}

	store, err := openBackend(root, cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if c.Full {
		// A full run drops the cache file and rebuilds it from scratch.
		_ = os.Remove(filepath.Join(root, cache.DirName, cache.FileName))
	}
	resultCache := cache.Load(root, logger)

	pipeline := ingestion.New(root, cfg, store, resultCache, logger)
	snap, err := pipeline.Run(ctx)
	if err != nil {
		return fmt.Errorf("running analysis: %w", err)
	}

	if err := writeMeta(root, snap.Stats); err != nil {
		return err
	}

	color.Green("\n✓ Analysis complete")
	fmt.Printf("  Files:        %d\n", snap.Stats.Files)
	fmt.Printf("  Functions:    %d\n", snap.Stats.Functions)
	fmt.Printf("  Pure:         %d\n", snap.Stats.Pure)
	fmt.Printf("  Impure:       %d\n", snap.Stats.Impure)
	fmt.Printf("  Unknown:      %d\n", snap.Stats.Unknown)
	fmt.Printf("  In cycles:    %d\n", snap.Stats.Cycles)
	fmt.Printf("  Cache hits:   %d\n", snap.Stats.CacheHits)
	fmt.Printf("  Duration:     %.2fs\n", snap.Stats.Duration.Seconds())

	if len(snap.Diagnostics) > 0 {
		color.Yellow("\n%d diagnostics:", len(snap.Diagnostics))
		for _, d := range snap.Diagnostics {
			fmt.Printf("  - %s: %s\n", d.ID, d.Message)
		}
	}

	return nil
}

// ReportCmd prints the purity classification of the analyzed repository.
type ReportCmd struct {
	Path  string `help:"Path to repository" default:"."`
	Level string `help:"Restrict to one level (pure, impure, unknown)"`
	Limit int    `short:"n" default:"50" help:"Maximum functions to list"`
}

// Run executes the report command.
func (c *ReportCmd) Run() error {
	ctx := context.Background()
	store, _, err := loadIndex(c.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var summaries []storage.FunctionSummary
	if c.Level != "" {
		summaries, err = store.ByLevel(ctx, c.Level)
	} else {
		summaries, err = store.All(ctx)
	}
	if err != nil {
		return fmt.Errorf("reading index: %w", err)
	}

	if len(summaries) == 0 {
		fmt.Println("No results found")
		return nil
	}

	counts := map[string]int{}
	for _, sum := range summaries {
		counts[sum.Level]++
	}
	fmt.Printf("%d functions (pure %d, impure %d, unknown %d)\n\n",
		len(summaries), counts["pure"], counts["impure"], counts["unknown"])

	shown := summaries
	if len(shown) > c.Limit {
		shown = shown[:c.Limit]
	}
	for _, sum := range shown {
		fmt.Printf("%s %s  %s:%d  (%.2f)\n",
			levelBadge(sum.Level), sum.ID.Name, sum.ID.File, sum.ID.Line, sum.Confidence)
	}
	if len(summaries) > c.Limit {
		fmt.Printf("\n...and %d more (use -n to raise the limit)\n", len(summaries)-c.Limit)
	}

	return nil
}

// ExplainCmd shows why a function was classified the way it was.
type ExplainCmd struct {
	Symbol string `arg:"" help:"Function name, Type.method name, or file:name:line key"`
	Path   string `help:"Path to repository" default:"."`
}

// Run executes the explain command.
func (c *ExplainCmd) Run() error {
	ctx := context.Background()
	store, _, err := loadIndex(c.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sum, err := findSummary(ctx, store, c.Symbol)
	if err != nil {
		return err
	}
	if sum == nil {
		fmt.Printf("Function '%s' not found. Run 'puretrace analyze' first.\n", c.Symbol)
		return nil
	}

	fmt.Printf("%s %s\n", levelBadge(sum.Level), sum.ID.Name)
	fmt.Printf("  File:        %s (lines %d-%d)\n", sum.ID.File, sum.ID.Line, sum.EndLine)
	fmt.Printf("  Confidence:  %.2f\n", sum.Confidence)
	fmt.Printf("  Reason:      %s", sum.ReasonKind)
	if sum.ReasonDetail != "" {
		fmt.Printf(" (%s)", sum.ReasonDetail)
	}
	fmt.Println()
	if sum.Depth > 0 {
		fmt.Printf("  Depth:       %d\n", sum.Depth)
	}
	if sum.Complexity > 0 {
		fmt.Printf("  Complexity:  %d\n", sum.Complexity)
	}

	if len(sum.SideEffects) > 0 {
		fmt.Printf("\n  Side effects (%d):\n", len(sum.SideEffects))
		for _, eff := range sum.SideEffects {
			fmt.Printf("    - %s\n", eff)
		}
	}

	if len(sum.Callees) > 0 {
		fmt.Printf("\n  Calls (%d):\n", len(sum.Callees))
		for _, callee := range sum.Callees {
			dep, err := store.Get(ctx, callee)
			if err == nil && dep != nil {
				fmt.Printf("    %s %s (%.2f)\n", levelBadge(dep.Level), dep.ID.Name, dep.Confidence)
			} else {
				fmt.Printf("    %s %s\n", levelBadge("unknown"), callee)
			}
		}
	}

	return nil
}

// ImpactCmd lists the functions whose classification depends on a symbol.
type ImpactCmd struct {
	Symbol string `arg:"" help:"Function name, Type.method name, or file:name:line key"`
	Depth  int    `short:"d" default:"3" help:"Caller-edge depth to follow"`
	Path   string `help:"Path to repository" default:"."`
}

// Run executes the impact command.
func (c *ImpactCmd) Run() error {
	ctx := context.Background()
	store, _, err := loadIndex(c.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sum, err := findSummary(ctx, store, c.Symbol)
	if err != nil {
		return err
	}
	if sum == nil {
		fmt.Printf("Function '%s' not found. Run 'puretrace analyze' first.\n", c.Symbol)
		return nil
	}

	fmt.Printf("Impact of %s (depth %d)\n\n", sum.ID.Name, c.Depth)

	seen := map[string]bool{sum.Key(): true}
	frontier := []storage.FunctionSummary{*sum}
	total := 0
	for d := 1; d <= c.Depth && len(frontier) > 0; d++ {
		var level []storage.FunctionSummary
		for _, cur := range frontier {
			for _, key := range cur.Callers {
				if seen[key] {
					continue
				}
				seen[key] = true
				caller, err := store.Get(ctx, key)
				if err != nil || caller == nil {
					continue
				}
				level = append(level, *caller)
			}
		}
		if len(level) == 0 {
			break
		}
		fmt.Printf("Depth %d (%d):\n", d, len(level))
		for _, caller := range level {
			fmt.Printf("  %s %s  %s:%d\n", levelBadge(caller.Level), caller.ID.Name, caller.ID.File, caller.ID.Line)
		}
		fmt.Println()
		total += len(level)
		frontier = level
	}

	if total == 0 {
		fmt.Println("Nothing calls this function.")
	} else {
		fmt.Printf("%d functions may be reclassified if its purity changes.\n", total)
	}
	return nil
}

// WatchCmd re-analyzes the repository on file changes.
type WatchCmd struct {
	Path string `arg:"" optional:"" default:"." help:"Path to repository"`
}

// Run executes the watch command.
func (c *WatchCmd) Run(logger *slog.Logger) error {
	root, err := resolveRepo(c.Path)
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(root, cache.DirName), 0o755); err != nil {
		return fmt.Errorf("creating %s directory: %w", cache.DirName, err)
	}
	store, err := openBackend(root, cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	fmt.Printf("Watching %s for changes (Ctrl+C to stop)\n", root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-osSignalChannel()
		fmt.Println("\nStopping watch mode...")
		cancel()
	}()

	pipeline := ingestion.New(root, cfg, store, cache.Load(root, logger), logger)
	watcher := ingestion.NewWatcher(pipeline, time.Duration(cfg.Watch.DebounceMillis)*time.Millisecond, logger)
	watcher.OnRun(func(snap *ingestion.Snapshot) {
		fmt.Printf("re-analyzed: %d functions (pure %d, impure %d) in %.2fs\n",
			snap.Stats.Functions, snap.Stats.Pure, snap.Stats.Impure, snap.Stats.Duration.Seconds())
	})

	if err := watcher.Watch(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("watch error: %w", err)
	}
	fmt.Println("Watch mode stopped.")
	return nil
}

// MCPCmd serves the purity index over the Model Context Protocol.
type MCPCmd struct {
	Path string `help:"Path to repository" default:"."`
}

// Run executes the mcp command.
func (c *MCPCmd) Run() error {
	store, _, err := loadIndex(c.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Stdout carries JSON-RPC only; nothing else may be printed there.
	server := mcp.NewServer(store)
	return server.Run(context.Background(), os.Stdin, os.Stdout)
}

// ServeCmd serves the purity index over MCP while re-analyzing on changes.
type ServeCmd struct {
	Path  string `help:"Path to repository" default:"."`
	Watch bool   `short:"w" help:"Enable file watching"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(logger *slog.Logger) error {
	root, err := resolveRepo(c.Path)
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(root, cache.DirName), 0o755); err != nil {
		return fmt.Errorf("creating %s directory: %w", cache.DirName, err)
	}
	store, err := openBackend(root, cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.Watch {
		fmt.Fprintln(os.Stderr, "Starting MCP server with watch mode...")
		pipeline := ingestion.New(root, cfg, store, cache.Load(root, logger), logger)
		watcher := ingestion.NewWatcher(pipeline, time.Duration(cfg.Watch.DebounceMillis)*time.Millisecond, logger)
		go func() {
			if err := watcher.Watch(ctx); err != nil && err != context.Canceled {
				fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
			}
		}()
	} else {
		fmt.Fprintln(os.Stderr, "Starting MCP server...")
	}

	// Stdout carries JSON-RPC only.
	server := mcp.NewServer(store)
	return server.Run(ctx, os.Stdin, os.Stdout)
}

// StatusCmd shows when the repository was last analyzed and with what result.
type StatusCmd struct {
	Path string `help:"Path to repository" default:"."`
}

// Run executes the status command.
func (c *StatusCmd) Run() error {
	root, err := resolveRepo(c.Path)
	if err != nil {
		return err
	}

	metaPath := filepath.Join(root, cache.DirName, "meta.json")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no analysis found at %s. Run 'puretrace analyze' first", root)
		}
		return fmt.Errorf("reading meta.json: %w", err)
	}

	var meta map[string]any
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("parsing meta.json: %w", err)
	}

	fmt.Printf("Analysis status for %s\n", root)
	if version, ok := meta["version"].(string); ok {
		fmt.Printf("  Version:       %s\n", version)
	}
	if at, ok := meta["analyzed_at"].(string); ok {
		fmt.Printf("  Last analyzed: %s\n", at)
	}
	if stats, ok := meta["stats"].(map[string]any); ok {
		for _, row := range []struct{ label, key string }{
			{"Files", "files"},
			{"Functions", "functions"},
			{"Pure", "pure"},
			{"Impure", "impure"},
			{"Unknown", "unknown"},
			{"In cycles", "cycles"},
		} {
			if v, ok := stats[row.key].(float64); ok {
				fmt.Printf("  %-13s %.0f\n", row.label+":", v)
			}
		}
	}
	return nil
}

// CleanCmd deletes the analysis data for a repository.
type CleanCmd struct {
	Path  string `help:"Path to repository" default:"."`
	Force bool   `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run() error {
	root, err := resolveRepo(c.Path)
	if err != nil {
		return err
	}

	dataDir := filepath.Join(root, cache.DirName)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return fmt.Errorf("no analysis data at %s. Nothing to clean", root)
	}

	if !c.Force {
		fmt.Printf("Delete analysis data at %s? [y/N] ", dataDir)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(dataDir); err != nil {
		return fmt.Errorf("deleting analysis data: %w", err)
	}

	color.Green("Deleted %s", dataDir)
	return nil
}

// Helper functions

func resolveRepo(path string) (string, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("accessing %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", root)
	}
	return root, nil
}

// openBackend opens the configured results index for the repository.
func openBackend(root string, cfg config.Config, readOnly bool) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		store := storage.NewMemoryBackend()
		if err := store.Initialize("", readOnly); err != nil {
			return nil, err
		}
		return store, nil
	default:
		store := storage.NewBadgerBackend()
		dbPath := filepath.Join(root, cache.DirName, "badger")
		if err := store.Initialize(dbPath, readOnly); err != nil {
			return nil, fmt.Errorf("opening results index: %w", err)
		}
		return store, nil
	}
}

// loadIndex opens an existing results index read-only.
func loadIndex(path string) (storage.Backend, string, error) {
	root, err := resolveRepo(path)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, "", err
	}
	if cfg.Storage.Backend == "memory" {
		return nil, "", fmt.Errorf("the memory backend does not persist results; use the badger backend for queries")
	}

	dbPath := filepath.Join(root, cache.DirName, "badger")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, "", fmt.Errorf("no analysis found at %s. Run 'puretrace analyze' first", root)
	}

	store, err := openBackend(root, cfg, true)
	if err != nil {
		return nil, "", err
	}
	return store, root, nil
}

// findSummary resolves a symbol by key, by exact name, or by a unique
// Type.method suffix.
func findSummary(ctx context.Context, store storage.Backend, symbol string) (*storage.FunctionSummary, error) {
	if sum, err := store.Get(ctx, symbol); err != nil {
		return nil, err
	} else if sum != nil {
		return sum, nil
	}

	all, err := store.All(ctx)
	if err != nil {
		return nil, err
	}
	var suffix []storage.FunctionSummary
	for i := range all {
		if all[i].ID.Name == symbol {
			return &all[i], nil
		}
		if strings.HasSuffix(all[i].ID.Name, "."+symbol) {
			suffix = append(suffix, all[i])
		}
	}
	if len(suffix) == 1 {
		return &suffix[0], nil
	}
	return nil, nil
}

func writeMeta(root string, stats ingestion.RunStats) error {
	meta := map[string]any{
		"version": Version,
		"name":    filepath.Base(root),
		"path":    root,
		"stats": map[string]any{
			"files":      stats.Files,
			"functions":  stats.Functions,
			"unresolved": stats.Unresolved,
			"cycles":     stats.Cycles,
			"pure":       stats.Pure,
			"impure":     stats.Impure,
			"unknown":    stats.Unknown,
			"duration_s": stats.Duration.Seconds(),
		},
		"analyzed_at": time.Now().UTC().Format(time.RFC3339),
	}

	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	metaPath := filepath.Join(root, cache.DirName, "meta.json")
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return fmt.Errorf("writing meta.json: %w", err)
	}
	return nil
}

func levelBadge(level string) string {
	switch level {
	case "pure":
		return color.GreenString("[pure]   ")
	case "impure":
		return color.RedString("[impure] ")
	default:
		return color.YellowString("[unknown]")
	}
}

// osSignalChannel returns a channel that receives OS signals for graceful
// shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// CLI is the root Kong command structure.
type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`
	Verbose bool             `short:"v" help:"Enable verbose output"`
	Quiet   bool             `short:"q" help:"Suppress non-essential output"`

	// Commands
	Analyze AnalyzeCmd `cmd:"" help:"Analyze a repository and build the purity index"`
	Report  ReportCmd  `cmd:"" help:"Print purity classifications"`
	Explain ExplainCmd `cmd:"" help:"Explain why a function is pure or impure"`
	Impact  ImpactCmd  `cmd:"" help:"Show which functions depend on a symbol's purity"`
	Watch   WatchCmd   `cmd:"" help:"Re-analyze on file changes"`
	MCP     MCPCmd     `cmd:"" help:"Serve the purity index over MCP (stdio transport)"`
	Serve   ServeCmd   `cmd:"" help:"Serve MCP with optional live re-analysis"`
	Status  StatusCmd  `cmd:"" help:"Show analysis status for a repository"`
	Clean   CleanCmd   `cmd:"" help:"Delete analysis data for a repository"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	kongCtx := kong.Parse(c,
		kong.Name("puretrace"),
		kong.Description("Static purity analysis over a cross-file call graph"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)

	return kongCtx.Run(c.logger())
}

// logger builds the CLI logger from the verbosity flags. Logs go to stderr
// so stdout stays machine-readable.
func (c *CLI) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	if c.Quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
