package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nonceferatu/detrack"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./detrack.yaml, ~/.detrack/config.yaml, /etc/detrack/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (used when no config file)
		addr           = flag.String("addr", "127.0.0.1:8100", "proxy listen address")
		blocklistPath  = flag.String("blocklist", "trackers.txt", "path to tracker list file")
		blockDomains   = flag.String("block", "", "comma-separated list of extra domains to block")
		blockPageFile  = flag.String("block-page-file", "", "path to custom block page HTML template")
		importPath     = flag.String("import", "", "import a tracker list file into the blocklist and exit")
		exportPath     = flag.String("export", "", "export the blocklist to a file and exit")
		verbose        = flag.Bool("v", false, "verbose logging")
		printBlockPage = flag.Bool("print-block-page", false, "print default block page template and exit")
		metricsEnabled = flag.Bool("metrics", false, "enable Prometheus /metrics endpoint")
	)
	flag.Parse()

	// Print block page template mode
	if *printBlockPage {
		fmt.Print(detrack.DefaultBlockPageHTML)
		return
	}

	// Generate example config mode
	if *genConfig {
		if err := detrack.WriteExampleConfig("detrack.yaml"); err != nil {
			slog.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated detrack.yaml")
		return
	}

	// Try to load config file
	cfg, err := detrack.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	// Flags override config defaults when explicitly set
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "blocklist":
			cfg.Blocklist.Path = *blocklistPath
		case "metrics":
			cfg.Metrics.Enabled = *metricsEnabled
		case "v":
			cfg.Logging.Level = "debug"
		}
	})
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger := cfg.BuildLogger()
	slog.SetDefault(logger)

	// Load blocklist
	blocklist, err := detrack.NewBlockList(cfg.Blocklist.Path)
	if err != nil {
		logger.Error("load blocklist", "error", err, "path", cfg.Blocklist.Path)
		os.Exit(1)
	}
	for _, p := range cfg.Blocklist.ExtraTrackingParams {
		blocklist.AddTrackingParameter(p)
	}
	logger.Info("loaded blocklist", "path", cfg.Blocklist.Path, "domains", blocklist.Count())

	// One-shot import/export modes
	if *importPath != "" {
		added, err := blocklist.Import(*importPath)
		if err != nil {
			logger.Error("import blocklist", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Imported %d new domains\n", added)
		return
	}
	if *exportPath != "" {
		count, err := blocklist.Export(*exportPath)
		if err != nil {
			logger.Error("export blocklist", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Exported %d domains to %s\n", count, *exportPath)
		return
	}

	// Extra domains from flags
	if *blockDomains != "" {
		for _, d := range strings.Split(*blockDomains, ",") {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			if err := blocklist.Add(d); err != nil {
				logger.Error("add domain", "domain", d, "error", err)
				os.Exit(1)
			}
			logger.Info("blocking domain", "domain", d)
		}
	}

	// Set up classifier
	classifier := detrack.NewClassifier()
	classifier.SetThreshold(cfg.Classifier.Threshold)
	if !cfg.Classifier.Enabled {
		classifier.Disable()
	}
	if cfg.Classifier.StatePath != "" {
		if err := classifier.LoadState(cfg.Classifier.StatePath); err != nil {
			logger.Warn("load classifier state", "error", err)
		}
	}

	// Wire up the hub and proxy
	hub := detrack.NewHub(blocklist, classifier)
	hub.SetLogCapacity(cfg.Server.LogCapacity)

	proxy := detrack.NewProxy(cfg.Server.Addr, hub)
	proxy.Logger = logger
	proxy.TransportPool = detrack.NewTransportPool()
	proxy.BandwidthEstimate = cfg.Server.BandwidthEstimate
	proxy.AccessLog = detrack.NewAccessLogger(logger)

	hc := detrack.NewHealthChecker()
	hc.ReadinessChecks = []detrack.ReadinessCheck{
		func() error {
			if blocklist.Count() == 0 {
				return fmt.Errorf("blocklist is empty")
			}
			return nil
		},
	}
	proxy.HealthChecker = hc

	if cfg.Metrics.Enabled {
		proxy.Metrics = detrack.NewMetrics()
		proxy.Metrics.SetBlocklistSize(blocklist.Count())
		logger.Info("prometheus metrics enabled at /metrics")
	}

	if cfg.Admin.Enabled {
		admin := detrack.NewAdminAPI(hub)
		admin.Logger = logger
		admin.Metrics = proxy.Metrics
		if cfg.Admin.PathPrefix != "" {
			admin.PathPrefix = cfg.Admin.PathPrefix
		}
		proxy.Admin = admin
		logger.Info("admin API enabled", "prefix", admin.PathPrefix)
	}

	// Load custom block page if specified
	if *blockPageFile != "" {
		bp, err := detrack.NewBlockPageFromFile(*blockPageFile)
		if err != nil {
			logger.Error("load block page template", "error", err, "file", *blockPageFile)
			os.Exit(1)
		}
		proxy.BlockPage = bp
		logger.Info("loaded custom block page", "file", *blockPageFile)
	}

	// Reload blocklist on SIGHUP
	reloader := detrack.WatchSIGHUP(hub, logger)
	defer reloader.Cancel()

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		if cfg.Classifier.StatePath != "" {
			if err := classifier.SaveState(cfg.Classifier.StatePath); err != nil {
				logger.Error("save classifier state", "error", err)
			}
		}
		_ = proxy.Shutdown(context.Background())
	}()

	logger.Info("starting proxy", "addr", cfg.Server.Addr)
	logger.Info("configure your browser to use this address for HTTP/HTTPS proxy")

	if err := proxy.ListenAndServe(); err != nil {
		logger.Error("proxy error", "error", err)
		os.Exit(1)
	}
}
