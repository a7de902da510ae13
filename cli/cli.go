// Package cli implements the engramctl command surface. Results go to
// stdout as JSON so hook scripts can pipe them; progress and errors go to
// stderr for humans.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	engram "github.com/engramlabs/engram-go"
	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/retrieve"
	"github.com/engramlabs/engram-go/server"
	"github.com/engramlabs/engram-go/store"
)

const usage = `engramctl - layered memory for coding agents

Usage: engramctl [global flags] <command> [command flags]

Commands:
  record       store an episodic trace
  summary      Layer-1 namespace overview
  timeline     Layer-2 recency timeline
  show         Layer-3 full record by kind and id
  list         list entities of one kind
  retrieve     budget-aware context retrieval
  consolidate  force a consolidation pass
  economics    token cost counters (--reset to zero)
  rebuild      recompute the disclosure index
  namespaces   list namespaces in the store
  purge        delete a namespace (requires --yes)
  serve        run the HTTP API and event stream

Global flags:
  --root       memory root directory (default $ENGRAM_ROOT or ~/.engram)
  --ns         namespace (default $ENGRAM_NAMESPACE or "default")
  --backend    similarity backend: lexical or vector (default lexical)
  --verbose    debug logging to stderr
`

// App carries the resolved global configuration for one invocation.
type App struct {
	stdout io.Writer
	stderr io.Writer

	root    string
	ns      string
	backend string
	verbose bool

	log *zap.Logger
	svc *engram.Service
}

// Run executes one CLI invocation and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	app := &App{stdout: stdout, stderr: stderr}

	global := flag.NewFlagSet("engramctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	global.StringVar(&app.root, "root", defaultRoot(), "memory root directory")
	global.StringVar(&app.ns, "ns", defaultNamespace(), "namespace")
	global.StringVar(&app.backend, "backend", envOr("ENGRAM_BACKEND", "lexical"), "similarity backend")
	global.BoolVar(&app.verbose, "verbose", false, "debug logging")
	if err := global.Parse(args); err != nil {
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 1
	}

	app.log = app.buildLogger()
	defer app.log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.open(); err != nil {
		return app.fail(err)
	}

	cmd, cmdArgs := rest[0], rest[1:]
	var err error
	switch cmd {
	case "record":
		err = app.cmdRecord(ctx, cmdArgs)
	case "summary", "index":
		err = app.cmdSummary(ctx, cmdArgs)
	case "timeline":
		err = app.cmdTimeline(ctx, cmdArgs)
	case "show":
		err = app.cmdShow(ctx, cmdArgs)
	case "list":
		err = app.cmdList(ctx, cmdArgs)
	case "retrieve":
		err = app.cmdRetrieve(ctx, cmdArgs)
	case "consolidate":
		err = app.cmdConsolidate(ctx, cmdArgs)
	case "economics":
		err = app.cmdEconomics(ctx, cmdArgs)
	case "rebuild":
		err = app.cmdRebuild(ctx, cmdArgs)
	case "namespaces":
		err = app.cmdNamespaces(ctx, cmdArgs)
	case "purge":
		err = app.cmdPurge(ctx, cmdArgs)
	case "serve":
		err = app.cmdServe(ctx, cmdArgs)
	default:
		fmt.Fprintf(app.stderr, "unknown command %q\n\n", cmd)
		global.Usage()
		return 1
	}
	if err != nil {
		return app.fail(err)
	}
	return 0
}

func (a *App) open() error {
	scorer, err := buildScorer(a.backend, a.log)
	if err != nil {
		return err
	}
	svc, err := engram.New(a.root,
		engram.WithLogger(a.log),
		engram.WithScorer(scorer),
	)
	if err != nil {
		return fmt.Errorf("open memory root %s: %w", a.root, err)
	}
	a.svc = svc
	return nil
}

func (a *App) cmdRecord(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	task := fs.String("task", "", "task id")
	role := fs.String("role", "", "agent role")
	goal := fs.String("goal", "", "task goal (required)")
	actions := fs.String("actions", "", "comma-separated action list")
	outcome := fs.String("outcome", string(core.OutcomeSuccess), "success|partial|failure")
	errDetail := fs.String("error", "", "error detail for failures")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *goal == "" {
		return fmt.Errorf("record: --goal is required")
	}

	ep, err := a.svc.RecordEpisode(ctx, engram.EpisodeInput{
		Namespace:   a.ns,
		TaskID:      *task,
		Role:        *role,
		Goal:        *goal,
		Actions:     splitList(*actions),
		Outcome:     core.Outcome(*outcome),
		ErrorDetail: *errDetail,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stderr, "recorded episode %s\n", ep.ID)
	return a.emit(ep)
}

func (a *App) cmdSummary(ctx context.Context, args []string) error {
	summary, err := a.svc.Summary(ctx, a.ns)
	if err != nil {
		return err
	}
	return a.emit(summary)
}

func (a *App) cmdTimeline(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("timeline", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	limit := fs.Int("limit", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	timeline, err := a.svc.Timeline(ctx, a.ns, *limit)
	if err != nil {
		return err
	}
	return a.emit(timeline)
}

func (a *App) cmdShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("show: usage: show <kind> <id>")
	}
	kind, err := core.ParseKind(fs.Arg(0))
	if err != nil {
		return err
	}
	entity, err := a.svc.Get(ctx, a.ns, kind, fs.Arg(1))
	if err != nil {
		return err
	}
	return a.emit(entity)
}

func (a *App) cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	category := fs.String("category", "", "pattern category filter")
	archived := fs.Bool("archived", false, "include archived episodes")
	limit := fs.Int("limit", 50, "max entities")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("list: usage: list <kind>")
	}
	kind, err := core.ParseKind(fs.Arg(0))
	if err != nil {
		return err
	}
	list, err := a.svc.Store().List(ctx, a.ns, kind, listFilter(*category, *archived, *limit))
	if err != nil {
		return err
	}
	return a.emit(list)
}

func (a *App) cmdRetrieve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("retrieve", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	taskType := fs.String("task-type", "", "task type hint")
	query := fs.String("query", "", "free-text query")
	budget := fs.Int("budget", 2000, "token budget")
	if err := fs.Parse(args); err != nil {
		return err
	}
	result, err := a.svc.Retrieve(ctx, retrieve.Request{
		Namespace: a.ns,
		TaskType:  *taskType,
		Query:     *query,
		Budget:    *budget,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stderr, "retrieved %d items for %d/%d tokens\n",
		len(result.Items), result.Cost.Total, result.Budget)
	return a.emit(result)
}

func (a *App) cmdConsolidate(ctx context.Context, args []string) error {
	report, err := a.svc.Consolidate(ctx, a.ns)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stderr,
		"consolidated %d episodes: +%d skills, +%d patterns, %d archived\n",
		report.EpisodesExamined, report.SkillsCreated, report.PatternsCreated,
		report.EpisodesArchived)
	return a.emit(report)
}

func (a *App) cmdEconomics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("economics", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	reset := fs.Bool("reset", false, "zero the counters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reset {
		if err := a.svc.ResetEconomics(ctx, a.ns); err != nil {
			return err
		}
		fmt.Fprintln(a.stderr, "economics counters reset")
	}
	totals, err := a.svc.Economics(a.ns)
	if err != nil {
		return err
	}
	return a.emit(totals)
}

func (a *App) cmdRebuild(ctx context.Context, args []string) error {
	if err := a.svc.RebuildIndex(ctx, a.ns); err != nil {
		return err
	}
	fmt.Fprintf(a.stderr, "rebuilt index for %s\n", a.ns)
	return a.emit(map[string]string{"namespace": a.ns, "status": "rebuilt"})
}

func (a *App) cmdNamespaces(ctx context.Context, args []string) error {
	namespaces, err := a.svc.Namespaces()
	if err != nil {
		return err
	}
	if namespaces == nil {
		namespaces = []string{}
	}
	return a.emit(namespaces)
}

func (a *App) cmdPurge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	yes := fs.Bool("yes", false, "confirm deletion")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return fmt.Errorf("purge: refusing to delete namespace %q without --yes", a.ns)
	}
	if err := a.svc.Purge(ctx, a.ns); err != nil {
		return err
	}
	fmt.Fprintf(a.stderr, "purged namespace %s\n", a.ns)
	return a.emit(map[string]string{"namespace": a.ns, "status": "purged"})
}

func (a *App) cmdServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	addr := fs.String("addr", envOr("ENGRAM_ADDR", "127.0.0.1:7440"), "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	srv := server.New(server.Config{Addr: *addr},
		a.svc.Store(), a.svc.Index(), a.svc.Retriever(), a.svc.Pipeline(),
		a.svc.Tracker(), a.svc.Events(), a.log.Named("server"))
	fmt.Fprintf(a.stderr, "serving memory API on %s (ctrl-c to stop)\n", *addr)
	return srv.Start(ctx)
}

func (a *App) emit(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *App) fail(err error) int {
	fmt.Fprintf(a.stderr, "error: %v\n", err)
	return 1
}

func (a *App) buildLogger() *zap.Logger {
	if !a.verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func defaultRoot() string {
	if root := os.Getenv("ENGRAM_ROOT"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return filepath.Join(home, ".engram")
}

func defaultNamespace() string {
	return envOr("ENGRAM_NAMESPACE", "default")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func listFilter(category string, archived bool, limit int) store.Filter {
	return store.Filter{
		Category:        category,
		IncludeArchived: archived,
		Limit:           limit,
		Descending:      true,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
