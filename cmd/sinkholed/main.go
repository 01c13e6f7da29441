package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"github.com/sinkholed/sinkholed/internal/config"
	"github.com/sinkholed/sinkholed/internal/hoststats"
	"github.com/sinkholed/sinkholed/internal/obslog"
	"github.com/sinkholed/sinkholed/internal/obsmetrics"
	"github.com/sinkholed/sinkholed/internal/querylog"
	"github.com/sinkholed/sinkholed/internal/ratelimit"
	"github.com/sinkholed/sinkholed/internal/ruleengine"
	"github.com/sinkholed/sinkholed/internal/server"
	"github.com/sinkholed/sinkholed/internal/sinkhole/censor"
	"github.com/sinkholed/sinkholed/internal/sinkhole/pipeline"
	"github.com/sinkholed/sinkholed/internal/sinkhole/policyhandler"
	"github.com/sinkholed/sinkholed/internal/sinkhole/trie"
	"github.com/sinkholed/sinkholed/internal/upstream"
)

var (
	configPath     = flag.String("config", "config.yaml", "Path to configuration file")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")
	healthCheck    = flag.Bool("health-check", false, "Perform a health check against the telemetry endpoint and exit")

	// Build-time variables set via ldflags, e.g.
	// -ldflags "-X main.version=$(git describe --tags)"
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sinkholed\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		os.Exit(0)
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration valid")
		return
	}

	if *healthCheck {
		os.Exit(runHealthCheck(*configPath))
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sinkholed: %v\n", err)
		os.Exit(1)
	}
}

// runHealthCheck scrapes the telemetry endpoint, matching the teacher's
// Docker HEALTHCHECK entry point. Returns a process exit code.
func runHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: cannot load config: %v\n", err)
		return 1
	}
	if !cfg.Telemetry.Enabled {
		fmt.Println("health check skipped: telemetry disabled")
		return 0
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/metrics", cfg.Telemetry.ListenAddress))
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status code %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("health check passed")
	return 0
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := watcher.Config()

	logger, err := obslog.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	obslog.SetGlobal(logger)

	logger.Info("sinkholed starting", "version", version, "build_time", buildTime)

	whitelistTrie := trie.New()
	blacklistTrie := trie.New()
	loadZones(whitelistTrie, blacklistTrie, cfg, logger)

	telem, err := obsmetrics.New(ctx, &cfg.Telemetry, logger,
		obsmetrics.WithDumpRoutes(cfg.Dump, whitelistTrie, blacklistTrie))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	sampler, err := hoststats.New(telem.Meter(), logger)
	if err != nil {
		logger.Warn("hoststats: failed to register sampler, continuing without host metrics", "error", err)
		sampler = nil
	}

	resolver := upstream.New(cfg.Upstream.Servers, cfg.Upstream.Timeout, logger)

	whitelistHandler := policyhandler.NewWhitelistHandler(whitelistTrie, resolver, logger)
	blacklistHandler := policyhandler.NewBlacklistHandler(blacklistTrie, logger)
	recursiveHandler := policyhandler.NewRecursiveHandler(resolver, logger)
	chain := policyhandler.NewChain(whitelistHandler, blacklistHandler, recursiveHandler)

	learner := censor.New(whitelistTrie, blacklistTrie, cfg.AutoWhitelist, cfg.AutoBlacklist, logger)

	var qlog *querylog.Logger
	if cfg.Database.Driver == "sqlite" {
		qlog, err = querylog.Open(cfg.Database.DSN, logger)
		if err != nil {
			logger.Warn("querylog: failed to open database, continuing without query logging", "error", err)
			qlog = nil
		} else {
			logger.Info("querylog: database opened", "dsn", cfg.Database.DSN)
		}
	}

	pipe := pipeline.New(chain, learner, logger, cfg.Pipeline.Deadline)
	if qlog != nil {
		pipe.QueryLog = qlog
	}

	limiter := ratelimit.New(&cfg.RateLimit, logger)

	rules, err := ruleengine.New(&cfg.RuleEngine)
	if err != nil {
		return fmt.Errorf("compiling rule engine: %w", err)
	}
	if rules.Count() > 0 {
		logger.Info("rule engine compiled", "rules", rules.Count())
	}

	listenAddr := net.JoinHostPort(firstOr(cfg.LocalAddr, "127.0.0.1"), strconv.Itoa(cfg.LocalPort))
	srvCfg := server.Config{
		ListenAddress: listenAddr,
		UDPEnabled:    !cfg.UDPDisabled,
		TCPEnabled:    !cfg.TCPDisabled,
	}

	var opts []server.Option
	if rules.Count() > 0 {
		opts = append(opts, server.WithRuleEngine(rules, recursiveHandler))
	}
	srv := server.New(srvCfg, pipe, limiter, metrics, logger, opts...)

	var dotListener *server.DoTListener
	if cfg.DoT.Enabled {
		dotListener, err = server.NewDoTListener(server.DoTConfig{
			ListenAddress: cfg.DoT.ListenAddress,
			CertFile:      cfg.DoT.CertFile,
			KeyFile:       cfg.DoT.KeyFile,
			Enabled:       true,
			ACME: server.ACMEConfig{
				Hosts:              cfg.DoT.ACME.Hosts,
				Email:              cfg.DoT.ACME.Email,
				CloudflareAPIToken: cfg.DoT.ACME.CloudflareAPIToken,
				CacheDir:           cfg.DoT.ACME.CacheDir,
				Enabled:            cfg.DoT.ACME.Enabled,
			},
		}, srv)
		if err != nil {
			return fmt.Errorf("initializing DoT listener: %w", err)
		}
	}

	// Hot-reload only ever extends the live tries; entries removed from the
	// file are left in place, matching the trie's no-removal contract.
	watcher.OnChange(func(newCfg *config.Config) {
		logger.Info("configuration reloaded")
		loadZones(whitelistTrie, blacklistTrie, newCfg, logger)
	})

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go func() {
		if err := watcher.Start(watcherCtx); err != nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errCh <- fmt.Errorf("dns server: %w", err)
		}
	}()
	if dotListener != nil {
		go func() {
			logger.Info("starting DoT listener", "address", cfg.DoT.ListenAddress)
			if err := dotListener.Start(); err != nil {
				errCh <- fmt.Errorf("dot listener: %w", err)
			}
		}()
	}

	logger.Info("sinkholed running", "address", listenAddr, "upstreams", cfg.Upstream.Servers)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during dns server shutdown", "error", err)
	}
	if dotListener != nil {
		if err := dotListener.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during dot listener shutdown", "error", err)
		}
	}
	limiter.Close()
	if sampler != nil {
		if err := sampler.Close(); err != nil {
			logger.Error("error closing hoststats sampler", "error", err)
		}
	}
	if qlog != nil {
		if err := qlog.Close(); err != nil {
			logger.Error("error closing query log", "error", err)
		}
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during telemetry shutdown", "error", err)
	}
	if err := watcher.Close(); err != nil {
		logger.Error("error closing config watcher", "error", err)
	}

	logger.Info("sinkholed stopped")
	return nil
}

// loadZones adds cfg's whitelist zones and blacklist entries into the live
// tries. Blacklist records whose type name is not a known RR type are logged
// and skipped rather than aborting the whole load; template text itself is
// not parsed here.
func loadZones(whitelist, blacklist *trie.Trie, cfg *config.Config, logger *obslog.Logger) {
	for _, zone := range cfg.WhitelistZones {
		if _, err := whitelist.Add(zone, nil); err != nil {
			logger.Error("config: failed to add whitelist zone", "zone", zone, "error", err)
		}
	}

	for _, entry := range cfg.BlacklistEntries {
		records := make(policyhandler.RecordSet, len(entry.Records))
		for typeName, template := range entry.Records {
			qtype, ok := dns.StringToType[strings.ToUpper(typeName)]
			if !ok {
				logger.Error("config: unrecognized record type in blacklist entry",
					"zone", entry.Zone, "type", typeName)
				continue
			}
			records[qtype] = template
		}
		if _, err := blacklist.Add(entry.Zone, records); err != nil {
			logger.Error("config: failed to add blacklist zone", "zone", entry.Zone, "error", err)
		}
	}

	logger.Info("policy tries loaded", "whitelist_size", whitelist.Size(), "blacklist_size", blacklist.Size())
}

// firstOr returns addrs[0], or fallback if addrs is empty.
func firstOr(addrs []string, fallback string) string {
	if len(addrs) == 0 {
		return fallback
	}
	return addrs[0]
}
