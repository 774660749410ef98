package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ndejong/schoolscan/internal/cache"
	"github.com/ndejong/schoolscan/internal/checkpoint"
	"github.com/ndejong/schoolscan/internal/config"
	"github.com/ndejong/schoolscan/internal/crawler"
	"github.com/ndejong/schoolscan/internal/directory"
	"github.com/ndejong/schoolscan/internal/logging"
	"github.com/ndejong/schoolscan/internal/orchestrator"
	"github.com/ndejong/schoolscan/internal/results"
	"github.com/ndejong/schoolscan/internal/search"
	"github.com/ndejong/schoolscan/internal/summarize"
	"github.com/ndejong/schoolscan/internal/telemetry"
)

var scanFlags struct {
	state    string
	terms    []string
	noResume bool
	maxSites int
	workers  int
	delay    float64
	minDelay float64
	maxDelay float64
	logLevel string
	logFile  string
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a batch scan over the roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyScanFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runScan(cmd, cfg)
	},
}

func init() {
	f := scanCmd.Flags()
	f.StringVar(&scanFlags.state, "state", "", "two-letter state to scan")
	f.StringSliceVar(&scanFlags.terms, "terms", nil, "override search terms")
	f.BoolVar(&scanFlags.noResume, "no-resume", false, "ignore checkpoint and prior results")
	f.IntVar(&scanFlags.maxSites, "max-sites", 0, "cap on roster rows (0 = all)")
	f.IntVar(&scanFlags.workers, "workers", 0, "concurrent school workers")
	f.Float64Var(&scanFlags.delay, "delay", 0, "base inter-request delay in seconds")
	f.Float64Var(&scanFlags.minDelay, "min-delay", 0, "floor for the adaptive delay in seconds")
	f.Float64Var(&scanFlags.maxDelay, "max-delay", 0, "ceiling for the adaptive delay in seconds")
	f.StringVar(&scanFlags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&scanFlags.logFile, "log-file", "", "also write logs to this file")
	rootCmd.AddCommand(scanCmd)
}

func applyScanFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("state") {
		cfg.State = scanFlags.state
	}
	if flags.Changed("terms") {
		cfg.Terms = scanFlags.terms
	}
	if flags.Changed("no-resume") {
		cfg.Batch.Resume = !scanFlags.noResume
	}
	if flags.Changed("max-sites") {
		cfg.Batch.MaxSites = scanFlags.maxSites
	}
	if flags.Changed("workers") {
		cfg.Batch.Workers = scanFlags.workers
	}
	if flags.Changed("delay") {
		cfg.Crawl.DelaySeconds = scanFlags.delay
	}
	if flags.Changed("min-delay") {
		cfg.Crawl.MinDelaySeconds = scanFlags.minDelay
	}
	if flags.Changed("max-delay") {
		cfg.Crawl.MaxDelaySeconds = scanFlags.maxDelay
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = scanFlags.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = scanFlags.logFile
	}
}

func runScan(cmd *cobra.Command, cfg config.Config) error {
	log, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schools, err := directory.Load(cfg.Directory.Path)
	if err != nil {
		return err
	}
	schools = directory.Filter(schools, cfg.State, cfg.Batch.MaxSites)
	if len(schools) == 0 {
		return fmt.Errorf("no roster rows for state %q in %s", cfg.State, cfg.Directory.Path)
	}

	searcher, err := search.NewSearcher(cfg.Terms, cfg.Crawl.ContextSnippetLength)
	if err != nil {
		return err
	}
	skip, err := crawler.NewSkipList(cfg.Crawl.SkipURLPatterns)
	if err != nil {
		return err
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)
	plain := crawler.NewPlainClient(cfg.Crawl, log)

	var browser crawler.Fetcher
	if cfg.Browser.Enabled {
		bc := crawler.NewBrowserClient(cfg.Browser, cfg.Crawl, log)
		defer bc.Close()
		browser = bc
	}

	siteCrawler, err := crawler.New(crawler.Options{
		Config:   cfg.Crawl,
		Plain:    plain,
		Browser:  browser,
		Skip:     skip,
		Store:    cache.New(),
		Relevant: searcher.Relevant,
		Metrics:  metrics,
		Log:      log,
	})
	if err != nil {
		return err
	}

	var store results.Store
	if cfg.Results.DSN != "" {
		store, err = results.NewPostgresStore(ctx, cfg.Results.DSN)
	} else {
		store, err = results.NewCSVStore(cfg.Results.CSVPath)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	o := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Crawler:    siteCrawler,
		Searcher:   searcher,
		Store:      store,
		Checkpoint: checkpoint.NewFile(cfg.Batch.CheckpointPath),
		Summarizer: summarize.New(cfg.Summarizer, log),
		Metrics:    metrics,
		Log:        log,
	})

	summary, runErr := o.Run(ctx, schools)
	summary.Render(cmd.OutOrStdout())
	if runErr != nil {
		log.Warn("batch interrupted, progress checkpointed", zap.Error(runErr))
	}
	return nil
}
