package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"guidecache/config"
	"guidecache/services/cache"
	"guidecache/services/fetch"
	"guidecache/services/ingest"
	"guidecache/services/resolve"
	"guidecache/services/scheduler"
)

func main() {
	app := &cli.App{
		Name:    "guidecache",
		Usage:   "ingest program-guide feeds and resolve channel identifiers against them",
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   filepath.Join("cache", "settings.json"),
				Usage:   "settings file path",
				EnvVars: []string{"GUIDECACHE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Ingest all configured guide sources",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "refetch sources even when their cache entries are still valid",
					},
				},
				Action: runAll,
			},
			{
				Name:      "source",
				Usage:     "Ingest a single source by name, key, or URL (always refetched)",
				ArgsUsage: "<name-or-url>",
				Action:    runOne,
			},
			{
				Name:   "watch",
				Usage:  "Keep the guide cache fresh in the background until interrupted",
				Action: watch,
			},
			{
				Name:   "stats",
				Usage:  "Show cached guide data per source",
				Action: showStats,
			},
			{
				Name:      "resolve",
				Usage:     "Resolve a channel identifier against the cached guide data",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "programs",
						Aliases: []string{"p"},
						Usage:   "list the next 24h of programs for the best match",
					},
				},
				Action: resolveQuery,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env assembles the wired services for one command invocation.
type env struct {
	settings config.Settings
	store    *cache.Store
	engine   *resolve.Engine
	service  *ingest.Service
}

func setup(c *cli.Context) (*env, error) {
	mgr := config.NewManager(c.String("config"))
	settings, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	setupLogging(settings.Log)

	store := cache.NewStore(afero.NewOsFs(), settings.Cache.Directory, cache.Options{
		ChannelCeiling:  settings.Cache.ChannelCeiling,
		ShardSize:       settings.Cache.ShardSize,
		CriticalSources: settings.Cache.CriticalSources,
	})
	engine := resolve.NewEngine(settings.Resolve.MinScore)
	fetcher := fetch.New(settings.Fetch.Timeout(), settings.Fetch.Retries)
	service := ingest.NewService(settings, fetcher, store, engine)

	return &env{settings: settings, store: store, engine: engine, service: service}, nil
}

// setupLogging mirrors rotation settings into the standard logger.
func setupLogging(cfg config.LogConfig) {
	if cfg.File == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		log.Printf("could not create log directory for %s: %v", cfg.File, err)
		return
	}
	fileWriter := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func runAll(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	return runIngestion(c, e, ingest.RunOptions{Force: c.Bool("force")})
}

func runOne(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: guidecache source <name-or-url>", 2)
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	return runIngestion(c, e, ingest.RunOptions{Force: true, Only: c.Args().First()})
}

func runIngestion(c *cli.Context, e *env, opts ingest.RunOptions) error {
	report, err := e.service.Run(c.Context, opts)
	if err != nil {
		return err
	}

	fmt.Printf("\ningestion %s: %d sources ok, %d failed, %d channels, %d programs in %s\n",
		report.JobID, len(report.Sources), len(report.Failures),
		report.Channels, report.Programs,
		report.Finished.Sub(report.Started).Round(time.Millisecond))

	for _, res := range report.Sources {
		note := ""
		if res.Skipped {
			note = " (cached)"
		}
		fmt.Printf("  ok   %-30s %8d channels %10d programs%s\n", res.Key, res.Channels, res.Programs, note)
	}
	for _, f := range report.Failures {
		fmt.Printf("  FAIL %-30s %s\n", f.Key, f.Err)
	}

	if len(report.Sources) == 0 && len(report.Failures) > 0 {
		return cli.Exit("all sources failed", 1)
	}
	return nil
}

func watch(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	if !e.settings.Refresh.Enabled {
		return cli.Exit("background refresh is disabled in settings", 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := e.service.LoadCache(); err == nil {
		log.Printf("[watch] loaded %d cached sources", n)
	}

	sched := scheduler.NewService(e.settings, e.store, e.service)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	events, cancelSub := e.service.Events().Subscribe()
	defer cancelSub()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return sched.Stop(shutdownCtx)
		case ev := <-events:
			switch {
			case ev.Err != "":
				log.Printf("[watch] source %s failed: %s", ev.Source, ev.Err)
			case ev.Terminal:
				log.Printf("[watch] refresh finished: %d channels, %d programs", ev.Channels, ev.Programs)
			}
		}
	}
}

func showStats(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	idx, err := e.store.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("guide cache at %s\n", e.settings.Cache.Directory)
	fmt.Printf("  sources: %d   channels: %d   programs: %d\n\n", len(idx.Sources), idx.Channels, idx.Programs)
	if len(idx.Sources) == 0 {
		fmt.Println("  no sources cached yet; run 'guidecache run' first")
		return nil
	}

	fmt.Printf("  %-30s %-8s %10s %12s %-20s\n", "source", "mode", "channels", "programs", "updated")
	for _, key := range sortedEntryKeys(idx) {
		entry := idx.Sources[key]
		mode := string(entry.Mode)
		if entry.Uncacheable {
			mode = "uncacheable"
		}
		fmt.Printf("  %-30s %-8s %10d %12d %-20s\n",
			entry.Key, mode, entry.Channels, entry.Programs,
			entry.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func sortedEntryKeys(idx *cache.Index) []string {
	keys := make([]string, 0, len(idx.Sources))
	for k := range idx.Sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func resolveQuery(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: guidecache resolve <query>", 2)
	}
	e, err := setup(c)
	if err != nil {
		return err
	}

	loaded, err := e.service.LoadCache()
	if err != nil {
		return fmt.Errorf("cache not usable (%w); run 'guidecache run' first", err)
	}
	log.Printf("[resolve] loaded %d cached sources", loaded)

	res := e.engine.Resolve(c.Args().First())
	if res.Best == nil {
		fmt.Println("no match")
		return nil
	}

	fmt.Printf("best: %s / %s  score=%.2f  programs=%d  name=%q\n",
		res.Best.Ref.SourceKey, res.Best.Ref.ChannelID, res.Best.Score,
		res.Best.ProgramCount, res.Best.Channel.Name())
	for _, alt := range res.Alternates {
		fmt.Printf("  alt: %s / %s  score=%.2f  programs=%d\n",
			alt.Ref.SourceKey, alt.Ref.ChannelID, alt.Score, alt.ProgramCount)
	}

	if c.Bool("programs") {
		now := time.Now().UTC()
		programs := e.engine.ProgramsFor(res.Best.Ref, now, now.Add(24*time.Hour))
		fmt.Printf("\n%d programs in the next 24h:\n", len(programs))
		for _, p := range programs {
			fmt.Printf("  %s - %s  %s\n",
				p.Start.Local().Format("15:04"), p.Stop.Local().Format("15:04"), p.Title)
		}
	}
	return nil
}
