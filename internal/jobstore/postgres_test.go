package jobstore

import (
	"context"
	_ "embed"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/models"
)

//go:embed testdata/schema.sql
var testSchema string

// newTestStore starts a throwaway Postgres container, applies the schema
// fixture, and returns a ready Store. Skips unless Docker is reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "evalrunner",
			"POSTGRES_PASSWORD": "evalrunner",
			"POSTGRES_DB":       "evalrunner",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("skipping jobstore integration test: docker unavailable: %v", err)
		return nil
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://evalrunner:evalrunner@%s:%s/evalrunner?sslmode=disable", host, port.Port())

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, testSchema)
	require.NoError(t, err)
	pool.Close()

	store, err := New(ctx, dsn, 4, common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func seedSubmission(t *testing.T, s *Store, kind models.SubmissionKind) string {
	t.Helper()
	var id string
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO submissions (kind, status) VALUES ($1, 'ready') RETURNING id`, string(kind)).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestCreateJobAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, models.JobKindDefense, map[string]any{"defense_submission_id": "d-1"}, "evalctl")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, job.Status)
	require.Equal(t, "d-1", job.Payload["defense_submission_id"])
}

func TestSetStatusRejectsInvalidEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, err := s.CreateJob(ctx, models.JobKindDefense, map[string]any{}, "")
	require.NoError(t, err)

	err = s.SetStatus(ctx, jobID, models.JobStatusDone, "")
	require.Error(t, err, "done is only reachable from running, not queued")

	require.NoError(t, s.SetStatus(ctx, jobID, models.JobStatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, jobID, models.JobStatusDone, ""))
}

func TestEvaluationRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	defenseID := seedSubmission(t, s, models.SubmissionKindDefense)
	attackID := seedSubmission(t, s, models.SubmissionKindAttack)

	existing, err := s.EvaluationRunInNonTerminalState(ctx, defenseID, attackID)
	require.NoError(t, err)
	require.Nil(t, existing)

	runID, err := s.CreateEvaluationRun(ctx, defenseID, attackID)
	require.NoError(t, err)

	existing, err = s.EvaluationRunInNonTerminalState(ctx, defenseID, attackID)
	require.NoError(t, err)
	require.NotNil(t, existing)
	require.Equal(t, runID, existing.ID)

	require.NoError(t, s.SetEvaluationRunStatus(ctx, runID, models.RunStatusDone))

	existing, err = s.EvaluationRunInNonTerminalState(ctx, defenseID, attackID)
	require.NoError(t, err)
	require.Nil(t, existing, "done is terminal, must no longer match the non-terminal query")
}

func TestPopulateAndCountAttackFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	attackID := seedSubmission(t, s, models.SubmissionKindAttack)

	files := []*models.AttackFile{
		{ObjectKey: "attacks/a/1", Filename: "a.exe", SHA256: "aaa", IsMalware: true},
		{ObjectKey: "attacks/a/2", Filename: "benign/b.exe", SHA256: "bbb", IsMalware: false},
	}
	require.NoError(t, s.PopulateAttackFiles(ctx, attackID, files))

	got, err := s.AttackFiles(ctx, attackID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	defenseID := seedSubmission(t, s, models.SubmissionKindDefense)
	runID, err := s.CreateEvaluationRun(ctx, defenseID, attackID)
	require.NoError(t, err)

	for _, f := range got {
		result := &models.EvaluationResult{EvaluationRunID: runID, AttackFileID: f.ID}
		require.NoError(t, s.InsertEvaluationResult(ctx, result))
	}

	n, err := s.CountEvaluationResults(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
