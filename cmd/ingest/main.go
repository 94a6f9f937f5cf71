package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"projectlens/internal/app"
	"projectlens/internal/config"
	"projectlens/internal/domain"
	"projectlens/internal/metadata"
	"projectlens/internal/pipeline"
	"projectlens/internal/watch"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	projectFlag := &cli.StringFlag{
		Name:    "project",
		Aliases: []string{"p"},
		Usage:   "Project id attached to ingested documents or used as a filter",
	}
	return &cli.App{
		Name:  "projectlens",
		Usage: "Ingest project documents, query them and export extracted metadata",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:      "ingest",
				Usage:     "Ingest files and directories",
				ArgsUsage: "<path>...",
				Action:    ingestCommand,
				Flags:     []cli.Flag{projectFlag},
			},
			{
				Name:      "watch",
				Usage:     "Ingest documents as they appear in a directory",
				ArgsUsage: "<dir>",
				Action:    watchCommand,
				Flags: []cli.Flag{
					projectFlag,
					&cli.BoolFlag{
						Name:  "initial-scan",
						Usage: "Ingest files already present",
						Value: true,
					},
					&cli.DurationFlag{
						Name:  "debounce",
						Usage: "Wait for a file to stop changing before ingesting it",
						Value: 2 * time.Second,
					},
				},
			},
			{
				Name:   "list",
				Usage:  "List documents",
				Action: listCommand,
				Flags:  []cli.Flag{projectFlag},
			},
			{
				Name:      "search",
				Usage:     "Semantic search over indexed chunks",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					projectFlag,
					&cli.IntFlag{
						Name:    "top-k",
						Aliases: []string{"k"},
						Usage:   "Number of chunks to return",
						Value:   5,
					},
				},
			},
			{
				Name:      "ask",
				Usage:     "Answer a question from the indexed documents",
				ArgsUsage: "<question>",
				Action:    askCommand,
				Flags:     []cli.Flag{projectFlag},
			},
			{
				Name:      "export",
				Usage:     "Write the extracted metadata of a document as XLSX",
				ArgsUsage: "<doc-id> <out.xlsx>",
				Action:    exportCommand,
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	switch strings.ToLower(c.String("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.String("log-level"))
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// open loads configuration and builds the services.
func open(ctx context.Context, opts ...app.Option) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, opts...)
}

func projectFilter(c *cli.Context) domain.Filter {
	if p := c.String("project"); p != "" {
		return domain.Filter{domain.MetaProjectID: p}
	}
	return nil
}

func ingestCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one path is required")
	}
	paths, err := collectPaths(c.Args().Slice())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no ingestible files found")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	ch := make(chan string, len(paths))
	for _, p := range paths {
		ch <- p
	}
	close(ch)

	var failed int
	watch.Feed(ctx, ch, a.Pipeline, c.String("project"), func(path string, out pipeline.Outcome) {
		if printOutcome(c, path, out) {
			failed++
		}
	})

	fmt.Fprintf(c.App.Writer, "Finished %d files in %v (%d failed)\n", len(paths), time.Since(start).Round(time.Millisecond), failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}

// collectPaths expands directories into the ingestible files below them.
func collectPaths(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && watch.Accepted(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// printOutcome reports one file and returns true when it failed.
func printOutcome(c *cli.Context, path string, out pipeline.Outcome) bool {
	w := c.App.Writer
	if out.Err != nil {
		fmt.Fprintf(w, "FAIL  %s: %v [%s]\n", path, out.Err, domain.Reason(out.Err))
		return true
	}
	doc := out.Report.Document
	switch {
	case out.Report.Duplicate:
		fmt.Fprintf(w, "SKIP  %s: already indexed as %s\n", path, doc.ID[:12])
	default:
		fmt.Fprintf(w, "OK    %s: %s, %d chunks, metadata %s\n", path, doc.SourceType, doc.ChunkCount, doc.MetadataState)
		if doc.Reason == domain.ReasonManualEntry {
			fmt.Fprintf(w, "      metadata needs manual entry\n")
		}
	}
	return false
}

func watchCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one directory is required")
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	paths, errs, err := watch.Start(ctx, watch.Config{
		Roots:       []string{c.Args().First()},
		InitialScan: c.Bool("initial-scan"),
		Debounce:    c.Duration("debounce"),
	})
	if err != nil {
		return err
	}
	go func() {
		for err := range errs {
			fmt.Fprintln(c.App.ErrWriter, "watch error:", err)
		}
	}()

	fmt.Fprintf(c.App.Writer, "Watching %s (Ctrl+C to stop)\n", c.Args().First())
	watch.Feed(ctx, paths, a.Pipeline, c.String("project"), func(path string, out pipeline.Outcome) {
		printOutcome(c, path, out)
	})
	return nil
}

func listCommand(c *cli.Context) error {
	a, err := open(c.Context)
	if err != nil {
		return err
	}
	defer a.Close()

	docs, err := a.Docs.List(c.Context)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROJECT\tSTATUS\tCHUNKS\tMETADATA\tREASON")
	for _, d := range docs {
		if p := c.String("project"); p != "" && d.ProjectID != p {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", d.ID[:12], d.Name, d.ProjectID, d.Status, d.ChunkCount, d.MetadataState, d.Reason)
	}
	return tw.Flush()
}

func searchCommand(c *cli.Context) error {
	query := strings.Join(c.Args().Slice(), " ")
	a, err := open(c.Context)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.Retriever.Search(c.Context, query, projectFilter(c), c.Int("top-k"))
	if err != nil {
		return err
	}
	for i, r := range results {
		fmt.Fprintf(c.App.Writer, "%d. [%.3f] %s #%d\n   %s\n", i+1, r.Score,
			r.Metadata.String(domain.MetaDocumentName), r.Index, preview(r.Content, 200))
	}
	return nil
}

func askCommand(c *cli.Context) error {
	question := strings.Join(c.Args().Slice(), " ")
	a, err := open(c.Context)
	if err != nil {
		return err
	}
	defer a.Close()

	ans, err := a.Answerer.Answer(c.Context, question, projectFilter(c))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, ans.Answer)
	for _, fn := range ans.Footnotes {
		fmt.Fprintf(c.App.Writer, "  [%d] %s\n", fn.ID, fn.ChunkID)
	}
	fmt.Fprintf(c.App.Writer, "confidence %.2f\n", ans.Confidence)
	return nil
}

func exportCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: export <doc-id> <out.xlsx>")
	}
	a, err := open(c.Context)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Docs.Metadata(c.Context, c.Args().Get(0))
	if err != nil {
		return err
	}
	return writeExport(c, res, c.Args().Get(1))
}

func writeExport(c *cli.Context, res *metadata.Result, out string) error {
	if strings.EqualFold(filepath.Ext(out), ".json") {
		b, err := json.MarshalIndent(res.Metadata, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(out, b, 0644)
	}
	data, err := metadata.XLSX(res.Metadata)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Wrote %s (%s)\n", out, res.State)
	return nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
