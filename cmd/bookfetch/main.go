package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warreth/OpenlibExtended-sub001/internal/config"
	dohdns "github.com/warreth/OpenlibExtended-sub001/internal/dns"
	"github.com/warreth/OpenlibExtended-sub001/internal/download"
	"github.com/warreth/OpenlibExtended-sub001/internal/instance"
	"github.com/warreth/OpenlibExtended-sub001/internal/logging"
	"github.com/warreth/OpenlibExtended-sub001/internal/mirror"
	"github.com/warreth/OpenlibExtended-sub001/internal/server"
	"github.com/warreth/OpenlibExtended-sub001/internal/store"
)

func main() {
	cfg := config.New()

	flag.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Server port")
	flag.StringVar(&cfg.OutputDir, "output-dir", "", "Directory for downloaded books (default: $HOME/Books/bookfetch)")
	flag.StringVar(&cfg.DBPath, "db", "", "Path to the preference database (default: OS cache dir: bookfetch/bookfetch.db)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of concurrent download workers")
	flag.IntVar(&cfg.QueueCap, "queue", cfg.QueueCap, "Download queue capacity")
	flag.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Transient-error retries per transfer")
	flag.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Base backoff delay between retries")
	flag.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "Per-instance latency probe timeout")
	flag.DurationVar(&cfg.RankInterval, "rank-interval", cfg.RankInterval, "Minimum interval between startup rankings")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug|info|warn|error)")
	noDoH := flag.Bool("no-doh", false, "Disable DNS-over-HTTPS resolution")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ResolveOutputDir(); err != nil {
		log.Fatalf("resolve output dir: %v", err)
	}
	if err := cfg.ResolveDBPath(); err != nil {
		log.Fatalf("resolve db path: %v", err)
	}
	if err := os.MkdirAll(cfg.AbsOutputDir, 0o755); err != nil {
		log.Fatalf("create output dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AbsDBPath), 0o755); err != nil {
		log.Fatalf("create db dir: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel))

	st, err := store.Open(cfg.AbsDBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	// st.Close() runs explicitly during shutdown, after the manager drains.

	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	resolver := buildResolver(startCtx, st, *noDoH)

	prober := instance.NewHTTPProber(resolver, cfg.ProbeTimeout)
	registry, err := instance.NewRegistry(startCtx, st, prober, instance.Options{
		ProbeTimeout: cfg.ProbeTimeout,
		RankInterval: cfg.RankInterval,
	})
	startCancel()
	if err != nil {
		log.Fatalf("load instances: %v", err)
	}

	// Rank in the background so a slow probe pass never delays startup.
	rankCtx, rankCancel := context.WithCancel(context.Background())
	defer rankCancel()
	go func() {
		if _, err := registry.RankOnStartupIfNeeded(rankCtx); err != nil && !errors.Is(err, context.Canceled) {
			if logging.Logger != nil {
				logging.Logger.Warn("startup ranking failed", "error", err.Error())
			}
		}
	}()

	discoverer := mirror.NewDiscoverer(dohdns.NewDialingClient(resolver, 30*time.Second))
	mgr := download.NewManager(discoverer, download.ManagerOptions{
		Workers:    cfg.Workers,
		QueueCap:   cfg.QueueCap,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Client:     dohdns.NewDialingClient(resolver, 0),
		DonationKey: func() string {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			key, err := st.GetSetting(ctx, store.SettingDonationKey)
			if err != nil {
				logging.LogDBOperation("get donation key", err)
				return ""
			}
			return key
		},
	})

	handler := server.New(server.Deps{
		Manager:   mgr,
		Instances: registry,
		Resolver:  resolver,
		Store:     st,
		OutputDir: cfg.AbsOutputDir,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // allow long-lived event streams
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.LogServerStart(cfg.Addr, cfg.Summary())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()
	logging.LogServerShutdown("shutdown signal received; draining", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	mgr.StopAccepting()
	if err := srv.Shutdown(ctx); err != nil {
		logging.LogServerShutdown("http shutdown", err)
	}
	rankCancel()
	mgr.Shutdown()
	if err := st.Close(); err != nil {
		logging.LogDBOperation("close", err)
	}
	logging.LogServerShutdown("shutdown complete", nil)
}

// buildResolver assembles the DoH resolver from the built-in provider
// list plus persisted custom providers and settings.
func buildResolver(ctx context.Context, st *store.Store, disabled bool) *dohdns.Resolver {
	providers := dohdns.BuiltinProviders()
	rows, err := st.ListProviders(ctx)
	if err != nil {
		logging.LogDBOperation("list providers", err)
	}
	for _, row := range rows {
		if !row.Custom {
			continue
		}
		providers = append(providers, dohdns.Provider{Name: row.Name, URL: row.URL, Custom: true})
	}

	resolver := dohdns.NewResolver(nil, providers)

	if name, err := st.GetSetting(ctx, store.SettingCurrentProvider); err == nil && name != "" {
		// A provider deleted from the store just leaves the default.
		_ = resolver.SetProvider(name)
	}
	if v, err := st.GetSetting(ctx, store.SettingDoHEnabled); err == nil && v == "0" {
		resolver.SetDoHEnabled(false)
	}
	if disabled {
		resolver.SetDoHEnabled(false)
	}
	return resolver
}
