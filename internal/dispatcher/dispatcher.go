// Package dispatcher implements the Attack Dispatcher: validate the
// attack, then for every already-validated defense either append the
// attack to a live worker's queue or spawn a fresh defense-job, skipping
// any pair that already has a run in flight and relying on an atomic
// registry claim to avoid a double-dispatch race.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/interfaces"
	"github.com/mlsecarena/evalrunner/internal/metrics"
	"github.com/mlsecarena/evalrunner/internal/models"
)

// Dispatcher owns one attack-job's full lifecycle.
type Dispatcher struct {
	Jobs     interfaces.JobStore
	Registry interfaces.WorkerRegistry
	Broker   interfaces.Broker
	Blobs    interfaces.BlobStore
	Validator *AttackValidator
	Logger   *common.Logger
}

// Run drives job through validation, defense enumeration, and
// per-defense dispatch for payload.
func (d *Dispatcher) Run(ctx context.Context, jobID string, payload models.AttackJobPayload) error {
	logger := d.Logger.WithCorrelationId(jobID)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, "attack")

	if err := d.Jobs.SetStatus(ctx, jobID, models.JobStatusRunning, ""); err != nil {
		metrics.JobsProcessedTotal.WithLabelValues("attack", "failed").Inc()
		return fmt.Errorf("attack dispatcher: %w", err)
	}

	if err := d.Validator.Validate(ctx, payload.AttackSubmissionID); err != nil {
		failErr := fmt.Errorf("attack dispatcher: validate attack: %w", err)
		_ = d.Jobs.SetStatus(ctx, jobID, models.JobStatusFailed, failErr.Error())
		metrics.JobsProcessedTotal.WithLabelValues("attack", "failed").Inc()
		return failErr
	}

	defenses, err := d.Jobs.ValidatedDefenses(ctx)
	if err != nil {
		failErr := fmt.Errorf("attack dispatcher: list validated defenses: %w", err)
		_ = d.Jobs.SetStatus(ctx, jobID, models.JobStatusFailed, failErr.Error())
		metrics.JobsProcessedTotal.WithLabelValues("attack", "failed").Inc()
		return failErr
	}

	for _, defense := range defenses {
		if err := d.dispatchToDefense(ctx, jobID, payload.AttackSubmissionID, defense.ID); err != nil {
			logger.Warn().Err(err).Str("defense_id", defense.ID).Msg("attack dispatcher: failed to route to defense, continuing with remaining defenses")
		}
	}

	metrics.JobsProcessedTotal.WithLabelValues("attack", "done").Inc()
	return d.Jobs.SetStatus(ctx, jobID, models.JobStatusDone, "")
}

// dispatchToDefense routes one attack to one defense: skip if a
// non-terminal run already exists, attempt the atomic claim, then either
// push to a live worker or spawn a fresh defense-job.
func (d *Dispatcher) dispatchToDefense(ctx context.Context, jobID, attackID, defenseID string) error {
	existing, err := d.Jobs.EvaluationRunInNonTerminalState(ctx, defenseID, attackID)
	if err != nil {
		return fmt.Errorf("check existing run: %w", err)
	}
	if existing != nil {
		return nil // step 3a: skip, already in flight
	}

	claimed, err := d.Registry.ClaimEvaluation(ctx, defenseID, attackID, jobID)
	if err != nil {
		return fmt.Errorf("claim evaluation: %w", err)
	}
	if !claimed {
		return nil // step 3b: lost the race, skip
	}

	// The run row itself is created lazily by the evaluation loop
	// (runIDFor) once an attack is actually popped off a worker's queue.
	// Creating it here, before the push-or-spawn decision, would mark it
	// queued before a worker exists to drain it: a freshly spawned
	// defense-job's backfill query only picks up attacks with no run yet,
	// so an eagerly-queued run would never reach a queue.
	workers, err := d.Registry.OpenWorkersFor(ctx, defenseID)
	if err != nil {
		return fmt.Errorf("open_workers_for: %w", err)
	}
	if len(workers) > 0 {
		// Policy: first returned. A fresher snapshot / shortest-queue
		// ranking can replace this without changing the contract.
		target := workers[0]
		if err := d.Registry.PushAttack(ctx, target.WorkerID, attackID); err != nil {
			return fmt.Errorf("push_attack(%s): %w", target.WorkerID, err)
		}
		return nil
	}

	newJobID, err := d.Jobs.CreateJob(ctx, models.JobKindDefense, map[string]any{
		"defense_submission_id": defenseID,
	}, "")
	if err != nil {
		return fmt.Errorf("create defense job: %w", err)
	}
	if err := d.Broker.PublishDefenseJob(ctx, models.DefenseJobPayload{DefenseSubmissionID: defenseID}, newJobID); err != nil {
		return fmt.Errorf("publish defense job: %w", err)
	}
	return nil
}
