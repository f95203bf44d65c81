// Package cli dispatches the crrapi subcommands.
package cli

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"crrapi/internal/api"
	"crrapi/internal/config"
	"crrapi/internal/ledger"
	"crrapi/internal/logger"
	"crrapi/internal/replay"
	"crrapi/internal/stats"
	"crrapi/internal/store"
)

// Execute dispatches CLI subcommands.
func Execute(args []string) int {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[crrapi] ")

	// Keep running across SSH disconnects; the serve command is expected to
	// be backgrounded in simple deployments.
	signal.Ignore(syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)

	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "check":
		return runCheck(args[1:])
	case "status":
		return runStatus(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version", "-v":
		fmt.Println("crrapi 0.1.0-dev")
		return 0
	default:
		log.Printf("Unknown subcommand: %s", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println(`Usage: crrapi <command> [options]

Commands:
  serve    Run the CRR metrics and retry API server
  check    Validate configuration and probe the shared store
  status   Print current replication metrics for every site
  version  Print version
  help     Print this help

Options:
  -config <path>   Configuration file (default: $CRRAPI_CONFIG)`)
}

func loadConfigFromArgs(name string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "configuration file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*configPath)
}

// components wires the subsystems over one store client.
type components struct {
	store  *store.Store
	agg    *stats.Aggregator
	ledger *ledger.Ledger
	replay *replay.Service
}

func buildComponents(cfg *config.Config) *components {
	st := store.New(cfg.Redis)
	model := stats.NewModel(st, cfg.Metrics.Namespace, cfg.Metrics.IntervalSeconds, cfg.Metrics.ExpirySeconds)
	meta := ledger.NewMetadataStore(st, cfg.Ledger.MetadataNamespace)
	led := ledger.New(st, meta, cfg.Ledger.Namespace, cfg.Ledger.ScanBatch, cfg.Ledger.MetadataLookupsPerSecond)
	return &components{
		store:  st,
		agg:    stats.NewAggregator(model, cfg.Sites),
		ledger: led,
		replay: replay.New(led),
	}
}

func runServe(args []string) int {
	cfg, err := loadConfigFromArgs("serve", args)
	if err != nil {
		log.Printf("%v", err)
		return 1
	}
	if err := logger.Init(cfg.Log.Dir, logger.ParseLevel(cfg.Log.Level), "crrapi"); err != nil {
		log.Printf("logger init failed: %v", err)
		return 1
	}
	defer logger.Close()
	logger.Console("starting: %s", cfg.Summary())
	logger.Console("logging to %s", logger.GetLogFilePath())

	comps := buildComponents(cfg)
	defer comps.store.Close()

	srv, err := api.New(api.Options{
		Addr:       cfg.Listen,
		Cfg:        cfg,
		Aggregator: comps.agg,
		Ledger:     comps.ledger,
		Replay:     comps.replay,
		Health:     api.HealthFunc(comps.store.Ping),
	})
	if err != nil {
		logger.Error("server setup failed: %v", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(nil)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped: %v", err)
			return 1
		}
	case sig := <-sigCh:
		logger.Console("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed: %v", err)
			return 1
		}
	}
	return 0
}

func runCheck(args []string) int {
	cfg, err := loadConfigFromArgs("check", args)
	if err != nil {
		log.Printf("%v", err)
		return 1
	}
	fmt.Printf("config OK: %s\n", cfg.Summary())

	st := store.New(cfg.Redis)
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		log.Printf("shared store unreachable: %v", err)
		return 1
	}
	fmt.Printf("shared store OK: %s\n", cfg.Redis.Addr)
	return 0
}

func runStatus(args []string) int {
	cfg, err := loadConfigFromArgs("status", args)
	if err != nil {
		log.Printf("%v", err)
		return 1
	}
	comps := buildComponents(cfg)
	defer comps.store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sites := append([]string{stats.SiteAll}, cfg.Sites...)
	for _, site := range sites {
		records, err := comps.agg.SiteMetrics(ctx, site)
		if err != nil {
			log.Printf("read metrics for %s: %v", site, err)
			return 1
		}
		fmt.Printf("%s:\n", site)
		types := make([]string, 0, len(records))
		for typ := range records {
			types = append(types, typ)
		}
		sort.Strings(types)
		for _, typ := range types {
			rec := records[typ]
			fmt.Printf("  %-12s count=%-12g size=%g\n", typ, rec.Results.Count, rec.Results.Size)
		}
	}
	return 0
}
