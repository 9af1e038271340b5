package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TongWu/JAVDB-AutoSpider/internal/config"
	"github.com/TongWu/JAVDB-AutoSpider/internal/database"
	"github.com/TongWu/JAVDB-AutoSpider/internal/logger"
	"github.com/TongWu/JAVDB-AutoSpider/pkg/checker"
	"github.com/TongWu/JAVDB-AutoSpider/pkg/fetcher"
	"github.com/TongWu/JAVDB-AutoSpider/pkg/pool"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	genConfig  = flag.Bool("gen-config", false, "Generate default config file")
	version    = flag.Bool("version", false, "Show version")

	pageURL    = flag.String("url", "", "Page URL to fetch")
	moduleName = flag.String("module", "manual", "Module name for proxy allow-list matching")
	useCookie  = flag.Bool("cookie", false, "Send the configured session cookie")
	useBypass  = flag.Bool("bypass", false, "Use the bypass helper service")
	noProxy    = flag.Bool("no-proxy", false, "Force direct connections")
	outPath    = flag.String("out", "", "Write fetched page to file instead of stdout")

	banSummary = flag.Bool("ban-summary", false, "Print currently banned proxies and exit")
)

const Version = "1.2.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("JAVDB-AutoSpider v%s\n", Version)
		return
	}

	if *genConfig {
		if err := config.SaveTemplate("config.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Default config generated: config.yaml")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	log := logger.WithComponent("main")

	log.Info().Str("version", Version).Msg("Starting spider")
	config.Print(cfg)

	proxyPool := buildPool(cfg)

	if *banSummary {
		fmt.Println(proxyPool.BanSummary(true))
		return
	}

	if *noProxy {
		proxyPool.EnableNoProxyMode()
	}

	if *pageURL == "" {
		proxyPool.LogStatistics()
		fmt.Println(proxyPool.BanSummary(false))
		return
	}

	handler := fetcher.New(proxyPool, fetcher.Config{
		BaseURL:           cfg.Fetcher.BaseURL,
		BypassPort:        cfg.Fetcher.BypassPort,
		BypassEnabled:     cfg.Fetcher.BypassEnabled,
		BypassMaxFailures: cfg.Fetcher.BypassMaxFailures,
		TurnstileCooldown: cfg.Fetcher.TurnstileCooldown,
		FallbackCooldown:  cfg.Fetcher.FallbackCooldown,
		SessionCookie:     cfg.Fetcher.SessionCookie,
		ProxyHTTP:         cfg.Proxy.HTTP,
		ProxyHTTPS:        cfg.Proxy.HTTPS,
		ProxyModules:      cfg.Proxy.Modules,
		ProxyMode:         cfg.Proxy.Mode,
	})

	done := make(chan struct{})
	var content string
	var ok bool
	go func() {
		defer close(done)
		content, ok = handler.GetPage(fetcher.PageRequest{
			URL:        *pageURL,
			UseCookie:  *useCookie,
			UseProxy:   !*noProxy,
			Module:     *moduleName,
			MaxRetries: cfg.Fetcher.MaxRetries,
			UseBypass:  *useBypass,
		})
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
	case s := <-sig:
		log.Warn().Str("signal", s.String()).Msg("Interrupted, exiting")
		os.Exit(130)
	}

	proxyPool.LogStatistics()

	if !ok {
		log.Error().Str("url", *pageURL).
			Int("bypass_failures", handler.BypassFailureCount()).
			Msg("Failed to fetch page")
		os.Exit(1)
	}

	log.Info().Str("url", *pageURL).Int("bytes", len(content)).Msg("Page fetched")

	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(content), 0o644); err != nil {
			log.Error().Err(err).Str("file", *outPath).Msg("Failed to write output file")
			os.Exit(1)
		}
		log.Info().Str("file", *outPath).Msg("Page written")
		return
	}
	fmt.Print(content)
}

// buildPool creates the proxy pool from configuration. In pool mode the
// configured entries are probed first; failing endpoints stay out of the
// rotation, and every probe outcome lands in the history database when
// enabled.
func buildPool(cfg *config.Config) *pool.Pool {
	log := logger.WithComponent("main")

	proxyPool := pool.New(cfg.Pool.CooldownSeconds, cfg.Pool.MaxFailures, cfg.Pool.BanFile)

	if cfg.Proxy.Mode != "pool" {
		if cfg.Proxy.HTTP != "" || cfg.Proxy.HTTPS != "" {
			proxyPool.AddProxy(cfg.Proxy.HTTP, cfg.Proxy.HTTPS, "Single")
		}
		return proxyPool
	}

	if len(cfg.Proxy.Entries) == 0 {
		log.Warn().Msg("Pool mode enabled but no proxy entries configured")
		return proxyPool
	}

	healthyByName := probeEntries(cfg)

	entries := make([]pool.ProxyEntry, 0, len(cfg.Proxy.Entries))
	for _, entry := range cfg.Proxy.Entries {
		if healthyByName != nil && !healthyByName[entry.Name] {
			log.Warn().Str("proxy", entry.Name).Msg("Skipping proxy that failed health check")
			continue
		}
		entries = append(entries, pool.ProxyEntry{
			Name:     entry.Name,
			HTTPURL:  entry.HTTP,
			HTTPSURL: entry.HTTPS,
		})
	}
	proxyPool.AddProxies(entries)
	return proxyPool
}

// probeEntries runs the startup health check. Returns nil when the checker is
// disabled, meaning every entry is admitted.
func probeEntries(cfg *config.Config) map[string]bool {
	if !cfg.Checker.Enabled {
		return nil
	}
	candidates := make([]checker.Candidate, 0, len(cfg.Proxy.Entries))
	for _, entry := range cfg.Proxy.Entries {
		u := entry.HTTPS
		if u == "" {
			u = entry.HTTP
		}
		if u == "" {
			continue
		}
		candidates = append(candidates, checker.Candidate{Name: entry.Name, URL: u})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	chk := checker.New(checker.Config{
		TestURL:    cfg.Checker.TestURL,
		Timeout:    cfg.Checker.Timeout,
		MaxWorkers: cfg.Checker.MaxWorkers,
		UserAgent:  cfg.Checker.UserAgent,
	})
	results := chk.CheckAll(ctx, candidates)

	persistResults(cfg, results)

	healthy := make(map[string]bool, len(results))
	for _, r := range results {
		healthy[r.Candidate.Name] = r.Status == checker.StatusHealthy
	}
	return healthy
}

// persistResults records probe outcomes in the history database.
func persistResults(cfg *config.Config, results []checker.Result) {
	if !cfg.Database.Enabled || len(results) == 0 {
		return
	}
	log := logger.WithComponent("main")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open history database, skipping persistence")
		return
	}
	defer db.Close()

	svc := database.NewService(db)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, r := range results {
		id, err := svc.UpsertProxy(ctx, r.Candidate.Name, r.Candidate.URL)
		if err != nil {
			log.Error().Err(err).Str("proxy", r.Candidate.Name).Msg("Failed to upsert proxy record")
			continue
		}
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		if err := svc.RecordCheck(ctx, id, r.Status.String(), r.Status == checker.StatusHealthy, r.ResponseTime, errMsg); err != nil {
			log.Error().Err(err).Str("proxy", r.Candidate.Name).Msg("Failed to record check")
		}
	}

	if err := svc.CleanupOldChecks(ctx, cfg.Database.HistoryMaxAge); err != nil {
		log.Error().Err(err).Msg("Failed to clean up old check records")
	}
}
