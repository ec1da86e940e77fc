// Package main wires together the applypilot service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/api"
	"github.com/applypilot/applypilot/internal/automation"
	"github.com/applypilot/applypilot/internal/blob"
	"github.com/applypilot/applypilot/internal/clock/system"
	"github.com/applypilot/applypilot/internal/config"
	"github.com/applypilot/applypilot/internal/engine"
	"github.com/applypilot/applypilot/internal/events"
	evsinks "github.com/applypilot/applypilot/internal/events/sinks"
	collyboard "github.com/applypilot/applypilot/internal/fetcher/colly"
	"github.com/applypilot/applypilot/internal/hash/sha256"
	"github.com/applypilot/applypilot/internal/id/uuid"
	"github.com/applypilot/applypilot/internal/logging"
	memorypublisher "github.com/applypilot/applypilot/internal/publisher/memory"
	pubsubpublisher "github.com/applypilot/applypilot/internal/publisher/pubsub"
	"github.com/applypilot/applypilot/internal/quota"
	"github.com/applypilot/applypilot/internal/ratelimit"
	"github.com/applypilot/applypilot/internal/score"
	"github.com/applypilot/applypilot/internal/scroll"
	"github.com/applypilot/applypilot/internal/search"
	memorystorage "github.com/applypilot/applypilot/internal/storage/memory"
	"github.com/applypilot/applypilot/internal/storage/postgres"
	"github.com/applypilot/applypilot/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	var store engine.Store
	if cfg.DB.DSN != "" {
		pgStore, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		logger.Warn("no database configured, state is in-memory and lost on restart")
		store = memorystorage.New()
	}

	blobStore, err := blob.Open(ctx, blob.Config{
		Provider: cfg.Blob.Provider,
		Bucket:   cfg.Blob.GCSBucket,
		BaseDir:  cfg.Blob.LocalDir,
	})
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	var publisher engine.Publisher
	if cfg.PubSub.ProjectID != "" {
		pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer pub.Close()
		publisher = pub
	} else {
		publisher = memorypublisher.New()
	}

	sinks := []events.Sink{
		evsinks.NewAuditSink(store, idGen, logger.Named("audit")),
		evsinks.NewLogSink(logger.Named("events")),
		evsinks.NewMetricsSink(),
	}
	if cfg.PubSub.TopicName != "" {
		sinks = append(sinks, evsinks.NewPublisherSink(publisher, cfg.PubSub.TopicName, logger.Named("publish")))
	}
	hub := events.NewHub(events.Config{
		BaseContext: ctx,
		Logger:      logger.Named("hub"),
	}, sinks...)

	governor := ratelimit.New(ratelimit.Config{
		MaxConcurrent: cfg.Governor.MaxConcurrent,
		RPS:           cfg.Governor.RPS,
		Burst:         cfg.Governor.Burst,
		MinInterval:   time.Duration(cfg.Governor.MinIntervalMs) * time.Millisecond,
		WindowBudget:  cfg.Governor.WindowBudget,
		Window:        time.Duration(cfg.Governor.WindowSeconds) * time.Second,
	})

	states := search.NewStateStore(
		idGen,
		clock,
		time.Duration(cfg.Discovery.StateTTLHours)*time.Hour,
		logger.Named("states"),
	)
	go states.RunSweeper(ctx, time.Duration(cfg.Discovery.StateSweepMinutes)*time.Minute)

	board := collyboard.New(collyboard.Config{
		UserAgent:     cfg.Board.UserAgent,
		Timeout:       time.Duration(cfg.Board.TimeoutSeconds) * time.Second,
		RespectRobots: true,
	})
	autoClient := automation.New(automation.Config{
		BaseURL: cfg.Automation.BaseURL,
		Timeout: time.Duration(cfg.Automation.TimeoutSeconds) * time.Second,
	}, logger.Named("automation"))
	scorer := score.NewKeyword()

	scheduler := search.NewScheduler(
		board,
		autoClient,
		governor,
		states,
		store,
		scorer,
		blobStore,
		hasher,
		idGen,
		clock,
		search.Config{
			BoardBaseURL:        cfg.Board.BaseURL,
			MaxPagesPerQuery:    cfg.Discovery.MaxPagesPerQuery,
			DetailConcurrency:   cfg.Discovery.DetailConcurrency,
			DetailTimeout:       cfg.DetailTimeout(),
			PatienceThreshold:   cfg.Discovery.PatienceThreshold,
			ProgressBuffer:      cfg.Discovery.ProgressBuffer,
			FanOutExperience:    cfg.Discovery.FanOutExperience,
			UseAutomationScroll: cfg.Discovery.UseAutomationScroll,
			MaxScrolls:          cfg.Discovery.MaxScrolls,
			BlobPrefix:          cfg.Blob.Prefix,
			ContentType:         cfg.Blob.ContentType,
		},
		logger.Named("scheduler"),
	)

	// Without a browser-automation worker, scroll-mode discovery falls back
	// to a local headless Chrome.
	if cfg.Discovery.UseAutomationScroll && cfg.Automation.BaseURL == "" {
		collector, err := scroll.New(scroll.Config{
			MaxParallel: cfg.Governor.MaxConcurrent,
			UserAgent:   cfg.Board.UserAgent,
		})
		if err != nil {
			logger.Warn("local scroll collector init failed", zap.Error(err))
		} else {
			defer collector.Close()
			scheduler.SetScroller(collector)
		}
	}

	quotas, err := quota.New(store, clock, cfg.Quota.Timezone, tierOverrides(cfg.Tiers))
	if err != nil {
		logger.Fatal("quota manager init failed", zap.Error(err))
	}

	w := worker.New(
		store,
		quotas,
		autoClient,
		board,
		scorer,
		hub,
		clock,
		idGen,
		worker.Config{
			Tick:           cfg.WorkerTick(),
			BatchSize:      cfg.Worker.BatchSize,
			LinkBatch:      cfg.Worker.LinkBatch,
			ScoreThreshold: cfg.Discovery.ScoreThreshold,
			MaxAttempts:    cfg.Worker.MaxAttempts,
			SubmitTimeout:  time.Duration(cfg.Worker.SubmitSecTO) * time.Second,
			FetchTimeout:   cfg.DetailTimeout(),
			StatusProbe:    cfg.Worker.StatusProbe,
			AuditPage:      cfg.Worker.AuditPage,
			PacingJitter:   cfg.Worker.PacingJitter,
		},
		logger.Named("worker"),
	)
	if cfg.Worker.AutoStart {
		w.Start(ctx)
	}

	apiServer := api.NewServer(ctx, scheduler, w, store, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	w.Stop()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
}

// tierOverrides converts the config tier table into quota limits.
func tierOverrides(tiers map[string]config.TierConfig) map[engine.Tier]quota.Limits {
	if len(tiers) == 0 {
		return nil
	}
	overrides := make(map[engine.Tier]quota.Limits, len(tiers))
	for name, tc := range tiers {
		overrides[engine.Tier(name)] = quota.Limits{
			DailyLimit: tc.DailyLimit,
			Pacing:     time.Duration(tc.PacingSeconds) * time.Second,
		}
	}
	return overrides
}
