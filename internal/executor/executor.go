// Package executor implements the Defense Executor: the stateful control
// flow that runs inside a defense-job, phasing through worker
// registration, image resolution, sandboxing, validation, and the
// evaluation loop, with teardown run from a defer so it always executes
// regardless of which phase failed.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/interfaces"
	"github.com/mlsecarena/evalrunner/internal/metrics"
	"github.com/mlsecarena/evalrunner/internal/models"
)

// Executor owns one defense-job's full lifecycle.
type Executor struct {
	Jobs     interfaces.JobStore
	Registry interfaces.WorkerRegistry
	Blobs    interfaces.BlobStore
	Sources  interfaces.SourceResolver
	Runtime  interfaces.ContainerRuntime
	Gateway  interfaces.GatewayClient
	Heuristic HeuristicValidator

	ContainerTimeout      time.Duration
	MaxUncompressedSizeMB int64
	RequestTimeout        time.Duration
	TmpfsSizeMB           int64
	MemLimitBytes         int64
	NanoCPUs              int64
	PidsLimit             int64

	// DrainTimeout bounds how long a shutting-down job spends finishing
	// its already-queued attacks (phase G's drainOnShutdown) and running
	// teardown once ctx is cancelled.
	DrainTimeout time.Duration

	Logger *common.Logger
}

// Run drives job through phases A-H for payload. It always runs teardown
// (phase H) before returning, even when an earlier phase failed.
func (e *Executor) Run(ctx context.Context, jobID string, payload models.DefenseJobPayload) error {
	logger := e.Logger.WithCorrelationId(jobID)

	workerID := fmt.Sprintf("worker-%s-%s", payload.DefenseSubmissionID, jobID)
	networkName := fmt.Sprintf("evalrunner-net-%s", jobID)
	containerName := fmt.Sprintf("evalrunner-defense-%s", jobID)

	state := &phaseState{
		jobID:         jobID,
		workerID:      workerID,
		networkName:   networkName,
		containerName: containerName,
		payload:       payload,
		logger:        logger,
	}

	timer := metrics.NewTimer()
	runErr := e.runPhases(ctx, state)
	timer.ObserveDurationVec(metrics.JobDuration, "defense")

	// If ctx is already cancelled (shutdown), teardown and the terminal
	// status write below must not inherit that cancellation: unregistering
	// the worker and persisting the job's final state are exactly the
	// writes a graceful shutdown needs to still complete.
	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), e.drainTimeout())
		defer cancel()
	}

	// Teardown always runs, even on error. Any teardown error is logged
	// but never overwrites the job's outcome.
	e.teardown(finishCtx, state)

	if runErr != nil {
		metrics.JobsProcessedTotal.WithLabelValues("defense", "failed").Inc()
		_ = e.Jobs.SetStatus(finishCtx, jobID, models.JobStatusFailed, runErr.Error())
		return runErr
	}
	metrics.JobsProcessedTotal.WithLabelValues("defense", "done").Inc()
	return e.Jobs.SetStatus(finishCtx, jobID, models.JobStatusDone, "")
}

// drainTimeout returns DrainTimeout, or a sane fallback if unconfigured.
func (e *Executor) drainTimeout() time.Duration {
	if e.DrainTimeout > 0 {
		return e.DrainTimeout
	}
	return 30 * time.Second
}

// phaseState threads identifiers and intermediate results between phases
// without reaching for package-level globals.
type phaseState struct {
	jobID         string
	workerID      string
	networkName   string
	containerName string
	payload       models.DefenseJobPayload

	networkID    string
	containerID  string
	imageRef     string
	sourceCleanup func()
	gatewayURL   string

	logger *common.Logger
}

func (e *Executor) runPhases(ctx context.Context, s *phaseState) error {
	if err := e.phaseARegister(ctx, s); err != nil {
		return err
	}
	if err := e.phaseBBackfillQueue(ctx, s); err != nil {
		return err
	}
	if err := e.phaseCObtainImage(ctx, s); err != nil {
		return err
	}
	if err := e.phaseDSandbox(ctx, s); err != nil {
		return err
	}
	if err := e.phaseEReadiness(ctx, s); err != nil {
		return err
	}
	if err := e.phaseFFunctionalValidation(ctx, s); err != nil {
		return err
	}
	if err := e.phaseGEvaluationLoop(ctx, s); err != nil {
		return err
	}
	return nil
}

// phaseARegister generates the worker id (already folded with job_id for
// traceability), registers it, and transitions the job to running.
func (e *Executor) phaseARegister(ctx context.Context, s *phaseState) error {
	if err := e.Jobs.SetStatus(ctx, s.jobID, models.JobStatusRunning, ""); err != nil {
		return fmt.Errorf("phase A (register): %w", err)
	}
	if err := e.Registry.Register(ctx, s.workerID, s.payload.DefenseSubmissionID, s.jobID); err != nil {
		return fmt.Errorf("phase A (register): %w", err)
	}
	s.logger.Info().Str("worker_id", s.workerID).Msg("worker registered")
	return nil
}

// phaseBBackfillQueue pushes every validated, unevaluated attack for this
// defense into the worker's internal queue. This snapshot may race
// concurrent attack-jobs; duplicates are prevented by the registry claim.
func (e *Executor) phaseBBackfillQueue(ctx context.Context, s *phaseState) error {
	attackIDs, err := e.Jobs.UnevaluatedAttacksFor(ctx, s.payload.DefenseSubmissionID)
	if err != nil {
		return fmt.Errorf("phase B (backfill queue): %w", err)
	}
	for _, attackID := range attackIDs {
		if err := e.Registry.PushAttack(ctx, s.workerID, attackID); err != nil {
			return fmt.Errorf("phase B (backfill queue): push %s: %w", attackID, err)
		}
	}
	s.logger.Info().Int("count", len(attackIDs)).Msg("backfilled worker queue")
	return nil
}

// phaseCObtainImage dispatches on DefenseSource to resolve a local image
// reference.
func (e *Executor) phaseCObtainImage(ctx context.Context, s *phaseState) error {
	sub, err := e.Jobs.GetSubmission(ctx, s.payload.DefenseSubmissionID)
	if err != nil {
		return fmt.Errorf("phase C (obtain image): %w", err)
	}
	imageRef, cleanup, err := e.Sources.Resolve(ctx, sub.Source)
	if err != nil {
		return fmt.Errorf("phase C (obtain image): %w", err)
	}
	s.imageRef = imageRef
	s.sourceCleanup = cleanup
	return nil
}

// phaseDSandbox creates the job-private network, connects the gateway to
// it, and starts the hardened defense container.
func (e *Executor) phaseDSandbox(ctx context.Context, s *phaseState) error {
	networkID, err := e.Runtime.CreateNetwork(ctx, s.networkName)
	if err != nil {
		return fmt.Errorf("phase D (sandbox): %w", err)
	}
	s.networkID = networkID

	if err := e.Runtime.ConnectGateway(ctx, networkID); err != nil {
		return fmt.Errorf("phase D (sandbox): %w", err)
	}

	containerID, err := e.Runtime.StartContainer(ctx, interfaces.ContainerSpec{
		Name:        s.containerName,
		ImageRef:    s.imageRef,
		NetworkID:   networkID,
		MemLimitB:   e.MemLimitBytes,
		NanoCPUs:    e.NanoCPUs,
		PidsLimit:   e.PidsLimit,
		TmpfsSizeMB: e.TmpfsSizeMB,
	})
	if err != nil {
		return fmt.Errorf("phase D (sandbox): %w", err)
	}
	s.containerID = containerID
	s.gatewayURL = fmt.Sprintf("http://%s:8080/", s.containerName)
	metrics.ContainersRunning.Inc()
	return nil
}

// phaseEReadiness polls the container through the gateway until a
// non-502 response or the configured timeout elapses.
func (e *Executor) phaseEReadiness(ctx context.Context, s *phaseState) error {
	deadline := time.Now().Add(e.ContainerTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		status, _, _, err := e.Gateway.Post(ctx, s.gatewayURL, probePayload(), e.RequestTimeout)
		if err == nil && status != 502 {
			return nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	if lastErr != nil {
		return fmt.Errorf("phase E (readiness): container never became ready: %w", lastErr)
	}
	return fmt.Errorf("phase E (readiness): container never became ready before %s timeout", e.ContainerTimeout)
}

func (e *Executor) teardown(ctx context.Context, s *phaseState) {
	if s.sourceCleanup != nil {
		s.sourceCleanup()
	}
	if err := e.Registry.Unregister(ctx, s.workerID); err != nil {
		s.logger.Warn().Err(err).Msg("teardown: unregister failed")
	}
	if s.containerID != "" {
		if err := e.Runtime.StopContainer(ctx, s.containerID, 5*time.Second); err != nil {
			s.logger.Warn().Err(err).Msg("teardown: stop container failed")
		}
		if err := e.Runtime.RemoveContainer(ctx, s.containerID); err != nil {
			s.logger.Warn().Err(err).Msg("teardown: remove container failed")
		}
		metrics.ContainersRunning.Dec()
	}
	if s.networkID != "" {
		if err := e.Runtime.DisconnectGateway(ctx, s.networkID); err != nil {
			s.logger.Warn().Err(err).Msg("teardown: disconnect gateway failed")
		}
		if err := e.Runtime.RemoveNetwork(ctx, s.networkID); err != nil {
			s.logger.Warn().Err(err).Msg("teardown: remove network failed")
		}
	}
}

