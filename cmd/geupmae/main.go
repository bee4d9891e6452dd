package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/geupmae/internal/clock"
	"github.com/rewired-gh/geupmae/internal/config"
	"github.com/rewired-gh/geupmae/internal/crawler"
	"github.com/rewired-gh/geupmae/internal/differ"
	"github.com/rewired-gh/geupmae/internal/governor"
	"github.com/rewired-gh/geupmae/internal/ledger"
	"github.com/rewired-gh/geupmae/internal/logger"
	"github.com/rewired-gh/geupmae/internal/models"
	"github.com/rewired-gh/geupmae/internal/observability"
	"github.com/rewired-gh/geupmae/internal/runner"
	"github.com/rewired-gh/geupmae/internal/scorer"
	"github.com/rewired-gh/geupmae/internal/storage"
	"github.com/rewired-gh/geupmae/internal/storage/postgres"
	"github.com/rewired-gh/geupmae/internal/telegram"
	"github.com/rewired-gh/geupmae/internal/transactions"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	task       = flag.String("task", "crawl", "Task to run: crawl, score, import, runs")
	region     = flag.String("region", "", "Region to crawl (overrides crawl.region)")
	mode       = flag.String("mode", "", "Crawl mode: full or incremental (overrides crawl.mode)")
	resume     = flag.Bool("resume", false, "Resume the latest interrupted full run of the region")
	startDelay = flag.Duration("start-delay", 0, "Initial delay between requests (overrides governor.start_delay)")
	delayStep  = flag.Duration("delay-step", 0, "Delay adjustment step (overrides governor.step)")
	batchSize  = flag.Int("batch-size", 0, "Requests between batch rests (overrides governor.batch_size)")
	csvFile    = flag.String("file", "", "Transactions CSV file for -task import")
	limit      = flag.Int("limit", 20, "Number of runs to list for -task runs")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, finishing the current unit...")
		cancel()
	}()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}

	err = runTask(ctx, cfg, store)
	if cerr := store.Close(); cerr != nil {
		logger.Error("Failed to close storage: %v", cerr)
	}
	if err != nil {
		logger.Fatal("Task %s failed: %v", *task, err)
	}
}

// applyFlags overlays command-line overrides on the loaded configuration.
func applyFlags(cfg *config.Config) {
	if *region != "" {
		cfg.Crawl.Region = *region
	}
	if *mode != "" {
		cfg.Crawl.Mode = *mode
	}
	if *startDelay > 0 {
		cfg.Governor.StartDelay = *startDelay
	}
	if *delayStep > 0 {
		cfg.Governor.Step = *delayStep
	}
	if *batchSize > 0 {
		cfg.Governor.BatchSize = *batchSize
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.PostgresDSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := storage.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func runTask(ctx context.Context, cfg *config.Config, store storage.Store) error {
	switch *task {
	case "crawl", "score":
		return runPipeline(ctx, cfg, store)
	case "import":
		return importTransactions(ctx, store)
	case "runs":
		return listRuns(ctx, store)
	default:
		return fmt.Errorf("unknown task %q", *task)
	}
}

func runPipeline(ctx context.Context, cfg *config.Config, store storage.Store) error {
	clk := clock.Real{}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	gov := governor.New(governor.Config{
		StartDelay:    cfg.Governor.StartDelay,
		MinDelay:      cfg.Governor.MinDelay,
		MaxDelay:      cfg.Governor.MaxDelay,
		Step:          cfg.Governor.Step,
		Jitter:        cfg.Governor.Jitter,
		SuccessStreak: cfg.Governor.SuccessStreak,
		BatchSize:     cfg.Governor.BatchSize,
		BatchRest:     cfg.Governor.BatchRest,
		ProbeInterval: cfg.Governor.ProbeInterval,
		MaxBlockWait:  cfg.Governor.MaxBlockWait,
		CoolDown:      cfg.Governor.CoolDown,
		MaxOverruns:   cfg.Governor.MaxOverruns,
	}, clk, rng)

	client := crawler.NewClient(crawler.ClientConfig{
		BaseURL:         cfg.Upstream.BaseURL,
		EstateType:      cfg.Upstream.EstateType,
		Referer:         cfg.Upstream.Referer,
		Timeout:         cfg.Upstream.Timeout,
		MaxIdleConns:    cfg.Upstream.MaxIdleConns,
		IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
		UserAgents:      cfg.Upstream.UserAgents,
	}, rng)

	crawlMode := models.RunMode(cfg.Crawl.Mode)
	cr := crawler.New(client, gov, clk, crawler.Config{
		Mode:              crawlMode,
		MaxRetries:        cfg.Upstream.MaxRetries,
		RetryDelayBase:    cfg.Upstream.RetryDelayBase,
		MaxPages:          cfg.Crawl.MaxPages,
		IncrementalWindow: cfg.Crawl.IncrementalWindow,
	})

	weights, err := scorer.LookupWeights(cfg.Scorer.WeightTable)
	if err != nil {
		return err
	}
	if cfg.Scorer.Threshold > 0 {
		weights.Threshold = cfg.Scorer.Threshold
	}
	sc := scorer.New(store, scorer.Config{
		Weights:              weights,
		AreaBucket:           cfg.Scorer.AreaBucket,
		TxLimit:              cfg.Scorer.TxLimit,
		TxWindow:             cfg.Scorer.TxWindow,
		RentConversionMonths: cfg.Scorer.RentConversionMonths,
		Keywords:             cfg.Scorer.Keywords,
	})

	r := &runner.Runner{
		Governor: gov,
		Crawler:  cr,
		Differ:   differ.New(store, clk, differ.Policy{SeedHistoryAtCreation: cfg.Differ.SeedHistoryAtCreation}),
		Scorer:   sc,
		Ledger:   ledger.New(store, clk),
		Clock:    clk,
	}

	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(telegram.Config{
			BotToken:       cfg.Telegram.BotToken,
			ChatID:         cfg.Telegram.ChatID,
			MaxRetries:     cfg.Telegram.MaxRetries,
			RetryDelayBase: cfg.Telegram.RetryDelayBase,
			TopK:           cfg.Telegram.TopK,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		r.Notifier = tg
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	if cfg.Metrics.Addr != "" {
		r.Metrics = observability.NewMetrics(cfg.Metrics.Namespace)
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: r.Metrics.Mux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Serving metrics on %s", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if *task == "score" || crawlMode == models.ModeScore {
		_, err := r.Score(ctx, cfg.Crawl.Region)
		return err
	}

	bounds, err := cfg.RegionBounds(cfg.Crawl.Region)
	if err != nil {
		return err
	}
	plan, err := crawler.NewPlan(cfg.Crawl.Region, bounds, cfg.Crawl.TileLatStep, cfg.Crawl.TileLngStep, cfg.TradeTypes())
	if err != nil {
		return err
	}
	run, err := r.Crawl(ctx, plan, *resume)
	if err != nil {
		return err
	}
	if run.Status == models.RunPartial {
		logger.Warn("Run %s finished with %d failed units; they will be retried by the next run", run.ID, run.TilesFailed)
	}
	return nil
}

func importTransactions(ctx context.Context, store storage.Store) error {
	if *csvFile == "" {
		return errors.New("-file is required for -task import")
	}
	f, err := os.Open(*csvFile)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", *csvFile, err)
	}
	defer f.Close()

	rep, err := transactions.NewImporter(store, 0).Import(ctx, f)
	if err != nil {
		return err
	}
	logger.Info("Imported %s: %d rows, %d new, %d duplicates, %d skipped", *csvFile, rep.Rows, rep.Imported, rep.Duplicates, rep.Skipped)
	return nil
}

func listRuns(ctx context.Context, store storage.Store) error {
	runs, err := ledger.New(store, nil).History(ctx, *limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %-11s %-8s %-8s started %s  took %-10v units %d/%d (failed %d)  upserted %d  removed %d  bargains %d\n",
			r.ID, r.Mode, r.Region, r.Status,
			r.StartedAt.Local().Format("2006-01-02 15:04"), r.Duration().Round(time.Second),
			r.Cursor, r.TotalUnits, r.TilesFailed, r.Upserted, r.Removed, r.Bargains)
		if r.LastError != "" {
			fmt.Printf("    last error: %s\n", r.LastError)
		}
	}
	return nil
}
