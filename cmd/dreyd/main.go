// dreyd is the drey daemon: the HTTP bot adapter, the sweeper loop, and the
// in-process job pools, sharing one ledger client. Operators talk to the
// same store through the drey CLI; the daemon only hosts the long-running
// parts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/drey/internal/admission"
	"github.com/dyluth/drey/internal/artifacts"
	"github.com/dyluth/drey/internal/blob"
	"github.com/dyluth/drey/internal/bot"
	"github.com/dyluth/drey/internal/cards"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/decisions"
	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/internal/httpapi"
	"github.com/dyluth/drey/internal/jobs"
	"github.com/dyluth/drey/internal/metrics"
	"github.com/dyluth/drey/internal/replay"
	"github.com/dyluth/drey/internal/sweeper"
	"github.com/dyluth/drey/pkg/ledger"
)

// Build-time version information, injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

// retentionInterval is how often the retention pass is scheduled. The pass
// itself is cheap when nothing has aged out of the window.
const retentionInterval = time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dreyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "drey.yml", "Path to drey.yml")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.String("service", "dreyd"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	client := ledger.NewFromClient(rdb, ledger.Producer{Service: "dreyd", Version: version})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = client.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("redis not reachable: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newBlobStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	g := guard.New(client)
	machine := cards.NewMachine(client, log)
	waker := jobs.NewWaker()

	queue := jobs.NewQueue(log)
	enqueuer := &countingEnqueuer{queue: queue, metrics: m}

	dec := decisions.New(client, g, machine, waker, log,
		decisions.WithClaimTTL(cfg.Decisions.ClaimTTL.Std()),
		decisions.WithShedExtension(cfg.Sweeper.ShedExtension.Std()),
		decisions.WithMetrics(m))
	adm := admission.New(client, g, machine, enqueuer, log)
	art := artifacts.New(client, g, store, log)
	facade := bot.New(adm, art, dec, waker, log)

	registerPools(queue, cfg, client, log)

	sw := sweeper.New(client, machine, dec, m, sweeper.Config{
		Interval:           cfg.Sweeper.Interval.Std(),
		DeferThreshold:     cfg.Sweeper.DeferThreshold,
		EmergencyThreshold: cfg.Sweeper.EmergencyThreshold,
		SloNowAge:          cfg.Decisions.SloNowAge.Std(),
	}, log)

	srv := httpapi.New(facade, client, cfg.Tenant, cfg.HTTP.Bots, registry, log)
	if err := srv.Start(cfg.HTTP.Addr); err != nil {
		return fmt.Errorf("starting http listener: %w", err)
	}

	log.Info("dreyd started",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("tenant", cfg.Tenant))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return sw.Run(egCtx)
	})
	eg.Go(func() error {
		return queue.Run(egCtx)
	})
	if cfg.Retention != nil {
		eg.Go(func() error {
			return scheduleRetention(egCtx, client, enqueuer, log)
		})
	}

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("http shutdown incomplete", zap.Error(shutdownErr))
	}
	log.Info("dreyd stopped")
	return err
}

func newBlobStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (blob.Store, error) {
	switch cfg.Blob.Provider {
	case "s3", "r2":
		return blob.NewS3(ctx, cfg.Blob.S3.Bucket, cfg.Blob.S3.Endpoint)
	default: // redis, convex-files
		return blob.NewRedis(rdb), nil
	}
}

// countingEnqueuer counts accepted jobs by pool before handing them to the
// queue.
type countingEnqueuer struct {
	queue   *jobs.Queue
	metrics *metrics.Metrics
}

func (e *countingEnqueuer) Enqueue(ctx context.Context, pool, name string, payload map[string]string) error {
	if err := e.queue.Enqueue(ctx, pool, name, payload); err != nil {
		return err
	}
	e.metrics.JobsEnqueued.WithLabelValues(pool).Inc()
	return nil
}

// registerPools builds the worker pools: every pool named in config plus the
// default pool admission falls back to. All pools run the same dispatcher;
// per-pool settings only bound concurrency and retries.
func registerPools(queue *jobs.Queue, cfg *config.Config, client *ledger.Client, log *zap.Logger) {
	handler := newDispatcher(cfg, client, log)

	defaultTimeout := cfg.Jobs.DefaultTimeout.Std()
	queue.RegisterPool(jobs.DefaultPool, config.DefaultJobConcurrency, config.DefaultJobMaxAttempts, defaultTimeout, handler)

	for name, pool := range cfg.Jobs.Pools {
		timeout := pool.Timeout.Std()
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		queue.RegisterPool(name, pool.Concurrency, pool.MaxAttempts, timeout, handler)
	}
}

// newDispatcher routes jobs by name. Card jobs announce admitted work;
// executing the command itself is the external executor's business, so the
// job only surfaces the card for pickup. Retention jobs run the archive or
// delete pass for one project.
func newDispatcher(cfg *config.Config, client *ledger.Client, log *zap.Logger) jobs.Handler {
	exporter := replay.NewExporter(client, log)

	return func(ctx context.Context, job jobs.Job) error {
		switch {
		case job.Name == "retention":
			return runRetention(ctx, cfg, exporter, job)
		default:
			log.Info("card admitted for pickup",
				zap.String("job", job.Name),
				zap.String("pool", job.Pool),
				zap.String("card_id", job.Payload["card_id"]),
				zap.String("command_id", job.Payload["command_id"]))
			return nil
		}
	}
}

// scheduleRetention enqueues one retention job per project on a fixed
// interval. The first pass runs at startup.
func scheduleRetention(ctx context.Context, client *ledger.Client, enqueuer admission.Enqueuer, log *zap.Logger) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		scopes, err := client.ListProjectScopes(ctx)
		if err != nil {
			log.Error("failed to list projects for retention", zap.Error(err))
		}
		for _, scope := range scopes {
			err := enqueuer.Enqueue(ctx, jobs.DefaultPool, "retention", map[string]string{
				"tenant_id":  scope.TenantID,
				"project_id": scope.ProjectID,
			})
			if err != nil {
				log.Warn("failed to enqueue retention job",
					zap.String("tenant", scope.TenantID),
					zap.String("project", scope.ProjectID),
					zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runRetention(ctx context.Context, cfg *config.Config, exporter *replay.Exporter, job jobs.Job) error {
	scope := ledger.Scope{TenantID: job.Payload["tenant_id"], ProjectID: job.Payload["project_id"]}
	untilTS := time.Now().Add(-cfg.Retention.Window.Std()).UnixMilli()

	switch cfg.Retention.Mode {
	case config.RetentionDelete:
		_, err := exporter.Delete(ctx, scope, untilTS)
		return err
	default:
		_, err := exporter.Export(ctx, scope, untilTS, cfg.Retention.ArchiveDir, true)
		return err
	}
}
