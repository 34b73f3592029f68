// Package jobstore implements the durable Job Store against Postgres: a
// pooled connection, hand-written statements, no ORM.
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/models"
)

// Store wraps a pgx connection pool and implements interfaces.JobStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *common.Logger
}

// New connects to Postgres using dsn and maxConns, returning a ready Store.
func New(ctx context.Context, dsn string, maxConns int32, logger *common.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("jobstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("jobstore: ping: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateJob atomically inserts a queued job row. Called by the Attack
// Dispatcher when it spawns a fresh defense-job, and by evalctl.
func (s *Store) CreateJob(ctx context.Context, kind models.JobKind, payload map[string]any, requestedBy string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("jobstore: marshal payload: %w", err)
	}
	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO jobs (kind, status, payload, requested_by, created_at)
		 VALUES ($1, 'queued', $2, $3, now())
		 RETURNING id`,
		string(kind), raw, requestedBy,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("jobstore: create job: %w", err)
	}
	return id, nil
}

// SetStatus transitions a job's status. Permitted edges are
// queued->running and running->{done,failed}; any other edge is rejected.
// On failed, error is persisted in its own column — the payload column is
// never rewritten.
func (s *Store) SetStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	var allowedFrom string
	switch status {
	case models.JobStatusRunning:
		allowedFrom = string(models.JobStatusQueued)
	case models.JobStatusDone, models.JobStatusFailed:
		allowedFrom = string(models.JobStatusRunning)
	default:
		return fmt.Errorf("jobstore: set_status: invalid target status %q", status)
	}

	var errCol any
	if errMsg != "" {
		errCol = errMsg
	}

	timestampCol := "started_at"
	if status == models.JobStatusDone || status == models.JobStatusFailed {
		timestampCol = "completed_at"
	}

	sql := fmt.Sprintf(
		`UPDATE jobs SET status = $1, error = $2, %s = now()
		 WHERE id = $3 AND status = $4`, timestampCol)
	tag, err := s.pool.Exec(ctx, sql, string(status), errCol, jobID, allowedFrom)
	if err != nil {
		return fmt.Errorf("jobstore: set_status(%s): %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobstore: set_status(%s): no row in state %q (or job not found)", jobID, allowedFrom)
	}
	return nil
}

// GetJob reads a single job row.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, status, payload, requested_by, coalesce(error, ''), created_at, started_at, completed_at
		 FROM jobs WHERE id = $1`, jobID)

	var j models.Job
	var kind, status string
	var raw []byte
	if err := row.Scan(&j.ID, &kind, &status, &raw, &j.RequestedBy, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("jobstore: job %s not found", jobID)
		}
		return nil, fmt.Errorf("jobstore: get job %s: %w", jobID, err)
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &j.Payload); err != nil {
			return nil, fmt.Errorf("jobstore: unmarshal payload for job %s: %w", jobID, err)
		}
	}
	return &j, nil
}

// GetSubmission reads a single submission row, including its defense
// source when kind = defense.
func (s *Store) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, coalesce(is_functional,'unknown'), status, coalesce(functional_error,''),
		        coalesce(source_kind,''), coalesce(source_reference,''), coalesce(source_url,''), coalesce(source_object_key,'')
		 FROM submissions WHERE id = $1 AND deleted_at IS NULL`, id)

	var sub models.Submission
	var kind, isFunctional, status, srcKind, srcRef, srcURL, srcKey string
	if err := row.Scan(&sub.ID, &kind, &isFunctional, &status, &sub.FunctionalError, &srcKind, &srcRef, &srcURL, &srcKey); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("jobstore: submission %s not found", id)
		}
		return nil, fmt.Errorf("jobstore: get submission %s: %w", id, err)
	}
	sub.Kind = models.SubmissionKind(kind)
	sub.IsFunctional = models.IsFunctional(isFunctional)
	sub.Status = models.SubmissionStatus(status)
	if srcKind != "" {
		sub.Source = models.DefenseSource{
			Kind:      models.SourceKind(srcKind),
			Reference: srcRef,
			URL:       srcURL,
			ObjectKey: srcKey,
		}
	}
	return &sub, nil
}

// SetDefenseFunctional records the outcome of a defense's functional
// validation probe.
func (s *Store) SetDefenseFunctional(ctx context.Context, submissionID string, functional models.IsFunctional, status models.SubmissionStatus, functionalError string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE submissions SET is_functional = $1, status = $2, functional_error = $3
		 WHERE id = $4`, string(functional), string(status), functionalError, submissionID)
	if err != nil {
		return fmt.Errorf("jobstore: set defense functional(%s): %w", submissionID, err)
	}
	return nil
}

// SetAttackStatus records an attack submission's validation outcome.
func (s *Store) SetAttackStatus(ctx context.Context, submissionID string, status models.SubmissionStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE submissions SET status = $1 WHERE id = $2`, string(status), submissionID)
	if err != nil {
		return fmt.Errorf("jobstore: set attack status(%s): %w", submissionID, err)
	}
	return nil
}

// ValidatedDefenses returns every defense submission currently validated
// (is_functional=true, status=ready), for the Attack Dispatcher's step 2.
func (s *Store) ValidatedDefenses(ctx context.Context) ([]*models.Submission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM submissions
		 WHERE kind = 'defense' AND is_functional = 'true' AND status = 'ready' AND deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("jobstore: validated defenses: %w", err)
	}
	defer rows.Close()

	var out []*models.Submission
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("jobstore: scan validated defense: %w", err)
		}
		out = append(out, &models.Submission{ID: id, Kind: models.SubmissionKindDefense, IsFunctional: models.IsFunctionalTrue, Status: models.SubmissionStatusReady})
	}
	return out, rows.Err()
}

// AttackFiles returns every file of an attack submission, ordered by
// creation time.
func (s *Store) AttackFiles(ctx context.Context, attackSubmissionID string) ([]*models.AttackFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, attack_submission_id, object_key, filename, sha256, is_malware, created_at
		 FROM attack_files WHERE attack_submission_id = $1 ORDER BY created_at ASC`, attackSubmissionID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: attack files(%s): %w", attackSubmissionID, err)
	}
	defer rows.Close()

	var out []*models.AttackFile
	for rows.Next() {
		f := &models.AttackFile{}
		if err := rows.Scan(&f.ID, &f.AttackSubmissionID, &f.ObjectKey, &f.Filename, &f.SHA256, &f.IsMalware, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("jobstore: scan attack file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PopulateAttackFiles inserts rows discovered by the dispatcher's own
// archive unpacking.
func (s *Store) PopulateAttackFiles(ctx context.Context, attackSubmissionID string, files []*models.AttackFile) error {
	batch := &pgx.Batch{}
	for _, f := range files {
		batch.Queue(
			`INSERT INTO attack_files (attack_submission_id, object_key, filename, sha256, is_malware, created_at)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			attackSubmissionID, f.ObjectKey, f.Filename, f.SHA256, f.IsMalware)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range files {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("jobstore: populate attack files(%s): %w", attackSubmissionID, err)
		}
	}
	return nil
}

// UnevaluatedAttacksFor returns every validated attack submission with no
// EvaluationRun in state queued, running or done against
// defenseSubmissionID, used to backfill a newly-registered worker's queue.
func (s *Store) UnevaluatedAttacksFor(ctx context.Context, defenseSubmissionID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id FROM submissions s
		 WHERE s.kind = 'attack' AND s.status = 'ready' AND s.deleted_at IS NULL
		   AND NOT EXISTS (
		     SELECT 1 FROM evaluation_runs r
		     WHERE r.defense_submission_id = $1 AND r.attack_submission_id = s.id
		       AND r.status IN ('queued', 'running', 'done')
		   )`, defenseSubmissionID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: unevaluated attacks for(%s): %w", defenseSubmissionID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("jobstore: scan unevaluated attack: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// EvaluationRunInNonTerminalState implements the dispatcher's step 3a db
// check.
func (s *Store) EvaluationRunInNonTerminalState(ctx context.Context, defenseSubmissionID, attackSubmissionID string) (*models.EvaluationRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, created_at FROM evaluation_runs
		 WHERE defense_submission_id = $1 AND attack_submission_id = $2
		   AND status IN ('queued', 'running')
		 LIMIT 1`, defenseSubmissionID, attackSubmissionID)

	var run models.EvaluationRun
	var status string
	if err := row.Scan(&run.ID, &status, &run.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("jobstore: run in non-terminal state: %w", err)
	}
	run.DefenseSubmissionID = defenseSubmissionID
	run.AttackSubmissionID = attackSubmissionID
	run.Status = models.RunStatus(status)
	return &run, nil
}

// CreateEvaluationRun inserts a new run row with status=queued. It is
// called by the evaluation loop the first time a worker pops an attack
// that has no non-terminal run yet.
func (s *Store) CreateEvaluationRun(ctx context.Context, defenseSubmissionID, attackSubmissionID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO evaluation_runs (defense_submission_id, attack_submission_id, status, created_at)
		 VALUES ($1, $2, 'queued', now())
		 RETURNING id`, defenseSubmissionID, attackSubmissionID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("jobstore: create evaluation run: %w", err)
	}
	return id, nil
}

// SetEvaluationRunStatus transitions an evaluation run's status.
func (s *Store) SetEvaluationRunStatus(ctx context.Context, runID string, status models.RunStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE evaluation_runs SET status = $1 WHERE id = $2`, string(status), runID)
	if err != nil {
		return fmt.Errorf("jobstore: set evaluation run status(%s): %w", runID, err)
	}
	return nil
}

// InsertEvaluationResult persists one file's outcome.
func (s *Store) InsertEvaluationResult(ctx context.Context, result *models.EvaluationResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO evaluation_results (evaluation_run_id, attack_file_id, model_output, error, duration_ms)
		 VALUES ($1, $2, $3, $4, $5)`,
		result.EvaluationRunID, result.AttackFileID, result.ModelOutput, result.Error, result.DurationMS)
	if err != nil {
		return fmt.Errorf("jobstore: insert evaluation result: %w", err)
	}
	return nil
}

// CountEvaluationResults is used to detect whether a run's result-row
// count has caught up with its attack-file count, marking it done.
func (s *Store) CountEvaluationResults(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM evaluation_results WHERE evaluation_run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("jobstore: count evaluation results(%s): %w", runID, err)
	}
	return n, nil
}
