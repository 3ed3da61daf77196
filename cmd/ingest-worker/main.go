package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"chapterhub/internal/cache"
	"chapterhub/internal/feed"
	"chapterhub/internal/ingest"
	"chapterhub/internal/lock"
	"chapterhub/internal/notify"
	"chapterhub/internal/queue"
	"chapterhub/internal/series"
	"chapterhub/pkg/database"
	"chapterhub/pkg/utils"
)

func main() {
	utils.LoadDotEnv()

	cfg := database.DefaultConfig()
	db := database.MustOpen(cfg)
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	workerCfg := utils.LoadWorkerConfig()
	srvCfg := utils.LoadServerConfig()

	q := queue.New(db)
	locks := lock.NewSQLiteManager(db)
	versions := cache.NewSQLiteVersions(db)

	pipeline := ingest.NewPipeline(db, locks, q, versions)
	pipeline.LockTTL = workerCfg.LockTTL
	scanner := ingest.NewScanner(db, q)
	feedRepo := feed.NewRepo(db)
	seriesRepo := series.NewRepo(db)

	registry := notify.NewRegistry()
	notifySrv := notify.NewServer(srvCfg.NotifyAddr, registry, nil)
	go func() {
		if err := notifySrv.Run(); err != nil {
			log.Printf("[notify] server stopped: %v", err)
		}
	}()

	worker := queue.NewWorker(q, workerCfg.Concurrency, workerCfg.PollInterval)

	worker.Handle(ingest.KindIngest, func(ctx context.Context, job *queue.Job) error {
		ev, err := ingest.ParseEvent(job.Payload)
		if err != nil {
			var verr *ingest.ValidationError
			if errors.As(err, &verr) {
				// Re-validating unchanged bad data fails again; dead-letter.
				return queue.Terminal(err)
			}
			return err
		}
		return pipeline.Ingest(ctx, ev)
	})

	worker.Handle(ingest.KindGapScan, func(ctx context.Context, job *queue.Job) error {
		var payload ingest.GapScanPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.Terminal(fmt.Errorf("decode gap scan payload: %w", err))
		}
		return scanner.HandleScan(ctx, payload.SeriesID)
	})

	worker.Handle(ingest.KindFanout, func(ctx context.Context, job *queue.Job) error {
		var payload ingest.FanoutPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.Terminal(fmt.Errorf("decode fanout payload: %w", err))
		}
		n, err := feedRepo.FanOut(ctx, payload.SeriesID, payload.ChapterID)
		if err != nil {
			return err
		}
		log.Printf("[fanout] chapter %s delivered to %d followers", payload.ChapterID, n)
		return nil
	})

	worker.Handle(ingest.KindNotify, func(ctx context.Context, job *queue.Job) error {
		var payload ingest.NotifyPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.Terminal(fmt.Errorf("decode notify payload: %w", err))
		}
		notifySrv.BroadcastNewChapter(payload.SeriesID, payload.Number, payload.Recovery)
		return nil
	})

	worker.Handle(ingest.KindPromote, func(ctx context.Context, job *queue.Job) error {
		var payload ingest.PromotePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.Terminal(fmt.Errorf("decode promote payload: %w", err))
		}
		return seriesRepo.Promote(ctx, payload.SeriesID, payload.Boost)
	})

	// Recheck jobs belong to the scraping clients; in a single-node
	// deployment we only log the request so they are visible.
	worker.Handle(ingest.KindRecheck, func(ctx context.Context, job *queue.Job) error {
		var payload ingest.RecheckPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.Terminal(fmt.Errorf("decode recheck payload: %w", err))
		}
		log.Printf("[recheck] source %s asked to recheck series %s chapter %s",
			payload.SourceID, payload.SeriesID, payload.Number)
		return nil
	})

	// Maintenance sweeps.
	c := cron.New()
	if _, err := c.AddFunc("* * * * *", func() {
		ctx := context.Background()
		if n, err := q.ReleaseExpiredClaims(ctx); err != nil {
			log.Printf("[sweep] release claims: %v", err)
		} else if n > 0 {
			log.Printf("[sweep] released %d expired job claims", n)
		}
		if n, err := locks.ReleaseExpired(ctx); err != nil {
			log.Printf("[sweep] release locks: %v", err)
		} else if n > 0 {
			log.Printf("[sweep] released %d expired locks", n)
		}
	}); err != nil {
		log.Fatalf("cron setup failed: %v", err)
	}
	if _, err := c.AddFunc("@hourly", func() {
		if err := scanner.Sweep(context.Background()); err != nil {
			log.Printf("[sweep] gap sweep: %v", err)
		}
	}); err != nil {
		log.Fatalf("cron setup failed: %v", err)
	}
	c.Start()
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("shutdown signal received: %s", sig)
		cancel()
	}()

	log.Printf("ingest worker running (concurrency=%d)", workerCfg.Concurrency)
	worker.Run(ctx)
	log.Println("worker stopped")
}
