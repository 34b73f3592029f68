package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mlsecarena/evalrunner/internal/metrics"
	"github.com/mlsecarena/evalrunner/internal/models"
)

// phaseGEvaluationLoop drains the worker's internal queue forever. An
// in-worker attack_submission_id -> evaluation_run_id cache amortises db
// work (a cache, not ownership — rebuilding it after a crash is free),
// one heartbeat per attack rather than per file.
//
// ctx cancellation (a shutdown signal) does not abandon the
// queue outright: it hands off to drainOnShutdown, which closes the
// worker's queue to new dispatches and finishes whatever is already
// queued on a context of its own, since ctx is already cancelled.
func (e *Executor) phaseGEvaluationLoop(ctx context.Context, s *phaseState) error {
	runCache := make(map[string]string) // attack_submission_id -> evaluation_run_id

	for {
		select {
		case <-ctx.Done():
			return e.drainOnShutdown(s, runCache)
		default:
		}

		attackID, err := e.Registry.PopAttack(ctx, s.workerID, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return e.drainOnShutdown(s, runCache)
			}
			return fmt.Errorf("phase G (evaluation loop): pop_attack: %w", err)
		}
		if attackID == "" {
			continue // keep polling; queue may refill
		}

		runID, err := e.runIDFor(ctx, runCache, s.payload.DefenseSubmissionID, attackID)
		if err != nil {
			s.logger.Error().Err(err).Str("attack_id", attackID).Msg("evaluation loop: failed to obtain run id")
			continue
		}

		if err := e.evaluateAttack(ctx, s, runID, attackID); err != nil {
			s.logger.Error().Err(err).Str("attack_id", attackID).Str("run_id", runID).Msg("evaluation loop: attack evaluation failed")
		}

		if err := e.Registry.Heartbeat(ctx, s.workerID); err != nil {
			s.logger.Warn().Err(err).Msg("evaluation loop: heartbeat failed")
		}
	}
}

// drainOnShutdown closes the worker's queue so the dispatcher stops
// routing new attacks to it, then evaluates whatever is already queued
// before the job exits. It runs on a fresh, bounded context: the ctx the
// rest of the loop used is already cancelled and cannot carry further db
// or gateway calls.
func (e *Executor) drainOnShutdown(s *phaseState, runCache map[string]string) error {
	drainCtx, cancel := context.WithTimeout(context.Background(), e.drainTimeout())
	defer cancel()

	if err := e.Registry.CloseQueue(drainCtx, s.workerID); err != nil {
		s.logger.Warn().Err(err).Msg("shutdown: close queue failed")
	}

	for {
		attackID, err := e.Registry.PopAttack(drainCtx, s.workerID, 200*time.Millisecond)
		if err != nil {
			if drainCtx.Err() != nil {
				return nil // drain deadline hit mid-pop
			}
			return fmt.Errorf("phase G (drain): pop_attack: %w", err)
		}
		if attackID == "" {
			return nil // queue empty (or drain deadline hit); nothing more to push since the queue is closed
		}

		runID, err := e.runIDFor(drainCtx, runCache, s.payload.DefenseSubmissionID, attackID)
		if err != nil {
			s.logger.Error().Err(err).Str("attack_id", attackID).Msg("shutdown drain: failed to obtain run id")
			continue
		}
		if err := e.evaluateAttack(drainCtx, s, runID, attackID); err != nil {
			s.logger.Error().Err(err).Str("attack_id", attackID).Str("run_id", runID).Msg("shutdown drain: attack evaluation failed")
		}
	}
}

// runIDFor returns the evaluation_run_id for (defense, attack), creating
// the run row if this worker hasn't seen it before.
func (e *Executor) runIDFor(ctx context.Context, cache map[string]string, defenseID, attackID string) (string, error) {
	if id, ok := cache[attackID]; ok {
		return id, nil
	}

	existing, err := e.Jobs.EvaluationRunInNonTerminalState(ctx, defenseID, attackID)
	if err != nil {
		return "", fmt.Errorf("check existing run: %w", err)
	}
	if existing != nil {
		cache[attackID] = existing.ID
		return existing.ID, nil
	}

	runID, err := e.Jobs.CreateEvaluationRun(ctx, defenseID, attackID)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if err := e.Jobs.SetEvaluationRunStatus(ctx, runID, models.RunStatusRunning); err != nil {
		return "", fmt.Errorf("mark run running: %w", err)
	}
	cache[attackID] = runID
	return runID, nil
}

// evaluateAttack streams every file of attackID through the defense, in
// creation order, persisting one EvaluationResult per file.
func (e *Executor) evaluateAttack(ctx context.Context, s *phaseState, runID, attackID string) error {
	files, err := e.Jobs.AttackFiles(ctx, attackID)
	if err != nil {
		return fmt.Errorf("list attack files: %w", err)
	}

	for _, f := range files {
		result := e.evaluateFile(ctx, s, runID, f)
		if err := e.Jobs.InsertEvaluationResult(ctx, result); err != nil {
			s.logger.Error().Err(err).Str("file_id", f.ID).Msg("failed to persist evaluation result")
		}
	}

	done, err := e.Jobs.CountEvaluationResults(ctx, runID)
	if err != nil {
		return fmt.Errorf("count results: %w", err)
	}
	if done >= len(files) {
		if err := e.Jobs.SetEvaluationRunStatus(ctx, runID, models.RunStatusDone); err != nil {
			return fmt.Errorf("mark run done: %w", err)
		}
	}
	return nil
}

// evaluateFile fetches one attack file's bytes and POSTs them through the
// gateway, classifying the outcome precisely: one retry for
// connection-class errors only, none for timeouts.
func (e *Executor) evaluateFile(ctx context.Context, s *phaseState, runID string, f *models.AttackFile) *models.EvaluationResult {
	result := &models.EvaluationResult{EvaluationRunID: runID, AttackFileID: f.ID}

	start := time.Now()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FileEvaluationDuration)

	bytes, err := e.Blobs.Get(ctx, f.ObjectKey)
	if err != nil {
		result.Error = fmt.Sprintf("%s: %v", models.ErrBlobDownloadFailed, err)
		result.DurationMS = time.Since(start).Milliseconds()
		metrics.FilesEvaluatedTotal.WithLabelValues("error").Inc()
		return result
	}

	status, _, body, err := e.postWithRetry(ctx, s.gatewayURL, bytes)
	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = classifyPostError(err)
		metrics.FilesEvaluatedTotal.WithLabelValues("error").Inc()
		return result
	}
	if status != 200 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		result.Error = fmt.Sprintf("http %d: %s", status, snippet)
		metrics.FilesEvaluatedTotal.WithLabelValues("error").Inc()
		return result
	}

	var parsed probeResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Result == nil {
		result.Error = fmt.Sprintf("%s: %v", models.ErrParse, err)
		metrics.FilesEvaluatedTotal.WithLabelValues("error").Inc()
		return result
	}
	if *parsed.Result != 0 && *parsed.Result != 1 {
		result.Error = fmt.Sprintf("%s: %d", models.ErrInvalidPrediction, *parsed.Result)
		metrics.FilesEvaluatedTotal.WithLabelValues("error").Inc()
		return result
	}

	result.ModelOutput = parsed.Result
	metrics.FilesEvaluatedTotal.WithLabelValues("predicted").Inc()
	return result
}

// postWithRetry issues exactly one retry, and only for connection-class
// errors (refused/reset). A read timeout is never retried.
func (e *Executor) postWithRetry(ctx context.Context, url string, body []byte) (int, string, []byte, error) {
	status, contentType, respBody, err := e.Gateway.Post(ctx, url, body, e.RequestTimeout)
	if err == nil {
		return status, contentType, respBody, nil
	}
	if !isConnectionError(err) {
		return 0, "", nil, err
	}
	return e.Gateway.Post(ctx, url, body, e.RequestTimeout)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

func classifyPostError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrHTTPTimeout
	}
	return fmt.Sprintf("%s: %v", models.ErrConnection, err)
}
