// Command evalworker runs one worker process: it consumes defense-jobs and
// attack-jobs from the Task Broker and drives them through the Defense
// Executor / Attack Dispatcher respectively. It loads config, builds the
// dependency graph, starts background consumers, serves /healthz and
// /metrics, and on SIGTERM/SIGINT stops accepting new broker deliveries
// and waits for any in-flight defense-job to close its queue and drain
// (see executor.Executor.DrainTimeout) before exiting.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/client"

	"github.com/mlsecarena/evalrunner/internal/blobstore"
	"github.com/mlsecarena/evalrunner/internal/broker"
	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/dispatcher"
	"github.com/mlsecarena/evalrunner/internal/executor"
	"github.com/mlsecarena/evalrunner/internal/jobstore"
	"github.com/mlsecarena/evalrunner/internal/metrics"
	"github.com/mlsecarena/evalrunner/internal/models"
	"github.com/mlsecarena/evalrunner/internal/registry"
	"github.com/mlsecarena/evalrunner/internal/sandbox"
)

func main() {
	configPath := os.Getenv("EVALRUNNER_CONFIG")

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evalworker: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(cfg.Logging.Level)
	logger.Info().Str("environment", cfg.Environment).Msg("evalworker starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	jobs, err := jobstore.New(ctx, cfg.JobStore.DSN, cfg.JobStore.MaxPoolConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect job store")
	}
	defer jobs.Close()

	reg := registry.New(cfg.Registry.Addr, cfg.Registry.Password, cfg.Registry.DB, cfg.Registry.GetClaimTTL(), logger)
	defer reg.Close()

	blobs, err := blobstore.New(ctx, blobstore.Config{
		Bucket:    cfg.Blob.Bucket,
		Prefix:    cfg.Blob.Prefix,
		Region:    cfg.Blob.Region,
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize blob store")
	}

	b, err := broker.Connect(ctx, broker.Config{
		URL:             cfg.Broker.URL,
		StreamName:      cfg.Broker.Stream,
		DefenseConsumer: cfg.Broker.DefenseConsumer,
		AttackConsumer:  cfg.Broker.AttackConsumer,
		AckWait:         cfg.Broker.GetAckWait(),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect task broker")
	}
	defer b.Close()

	docker, err := client.NewClientWithOpts(client.WithHost(cfg.Sandbox.DockerHost), client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect docker daemon")
	}

	buildLimits := sandbox.BuildLimits{
		MaxUncompressedSizeBytes: cfg.Sandbox.MaxUncompressedSizeMB * 1024 * 1024,
		MaxFileCount:             cfg.Sandbox.MaxFileCount,
		BuildTimeout:             cfg.Sandbox.GetBuildTimeout(),
	}
	imageTag := func() string { return fmt.Sprintf("evalrunner-defense-%d:latest", time.Now().UnixNano()) }

	resolver := &sandbox.Resolver{
		Docker: sandbox.NewDockerSource(docker, logger),
		Git:    sandbox.NewGitSource(docker, buildLimits, imageTag, logger),
		Zip:    sandbox.NewZipSource(docker, blobs, buildLimits, imageTag, logger),
	}

	gatewayContainerID := os.Getenv("EVALRUNNER_GATEWAY_CONTAINER_ID")
	runtime := sandbox.NewRuntime(docker, gatewayContainerID, logger)
	gateway := sandbox.NewGatewayClient(cfg.Gateway.BaseURL, cfg.Gateway.Secret, logger)

	exec := &executor.Executor{
		Jobs:                  jobs,
		Registry:              reg,
		Blobs:                 blobs,
		Sources:                resolver,
		Runtime:               runtime,
		Gateway:               gateway,
		Heuristic:             executor.NoopHeuristic{},
		ContainerTimeout:      cfg.Sandbox.GetContainerTimeout(),
		MaxUncompressedSizeMB: cfg.Sandbox.MaxUncompressedSizeMB,
		RequestTimeout:        cfg.Evaluation.GetRequestTimeout(),
		TmpfsSizeMB:           cfg.Sandbox.TmpfsSizeMB,
		MemLimitBytes:         parseMemLimit(cfg.Sandbox.MemLimit),
		NanoCPUs:              cfg.Sandbox.NanoCPUs,
		PidsLimit:             cfg.Sandbox.PidsLimit,
		DrainTimeout:          cfg.Shutdown.GetDrainTimeout(),
		Logger:                logger,
	}

	disp := &dispatcher.Dispatcher{
		Jobs:     jobs,
		Registry: reg,
		Broker:   b,
		Blobs:    blobs,
		Validator: &dispatcher.AttackValidator{
			Jobs:  jobs,
			Blobs: blobs,
			Limits: dispatcher.ArchiveLimits{
				MaxUncompressedSizeBytes: cfg.Sandbox.MaxUncompressedSizeMB * 1024 * 1024,
				MaxFileCount:             cfg.Sandbox.MaxFileCount,
			},
			Logger: logger,
		},
		Logger: logger,
	}

	go serveOps(ctx, logger)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := b.ConsumeDefenseJobs(ctx, func(ctx context.Context, env models.Envelope) error {
			return exec.Run(ctx, env.JobID, models.DefenseJobPayload{
				DefenseSubmissionID:      env.DefenseSubmissionID,
				Scope:                    env.Scope,
				IncludeBehaviorDifferent: env.IncludeBehaviorDifferent,
			})
		})
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("defense job consumer stopped")
		}
	}()

	go func() {
		defer wg.Done()
		err := b.ConsumeAttackJobs(ctx, func(ctx context.Context, env models.Envelope) error {
			return disp.Run(ctx, env.JobID, models.AttackJobPayload{AttackSubmissionID: env.AttackSubmissionID})
		})
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("attack job consumer stopped")
		}
	}()

	logger.Info().Msg("evalworker ready")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, closing queues and draining in-flight jobs")
	wg.Wait()
	logger.Info().Msg("evalworker stopped")
}

// serveOps exposes health and metrics endpoints for operator tooling.
func serveOps(ctx context.Context, logger *common.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("ops server failed")
	}
}

// parseMemLimit parses a docker-style size string (e.g. "1g", "512m")
// into bytes.
func parseMemLimit(s string) int64 {
	if s == "" {
		return 1 << 30 // 1 GiB default
	}
	var n int64
	var unit byte
	if _, err := fmt.Sscanf(s, "%d%c", &n, &unit); err != nil {
		return 1 << 30
	}
	switch unit {
	case 'g', 'G':
		return n << 30
	case 'm', 'M':
		return n << 20
	case 'k', 'K':
		return n << 10
	default:
		return n
	}
}
