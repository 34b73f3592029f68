// Package interfaces declares the contracts the executor and dispatcher
// depend on, so production and test implementations can be swapped
// without touching orchestration code.
package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/mlsecarena/evalrunner/internal/models"
)

// JobStore is the durable record of jobs. Besides the Dispatch API (out of
// scope here), CreateJob is called by the dispatcher when it spawns a fresh
// defense-job and by evalctl; the executor and dispatcher call SetStatus
// and the read-side queries below.
type JobStore interface {
	CreateJob(ctx context.Context, kind models.JobKind, payload map[string]any, requestedBy string) (string, error)
	SetStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	GetSubmission(ctx context.Context, id string) (*models.Submission, error)
	SetDefenseFunctional(ctx context.Context, submissionID string, functional models.IsFunctional, status models.SubmissionStatus, functionalError string) error
	SetAttackStatus(ctx context.Context, submissionID string, status models.SubmissionStatus) error
	ValidatedDefenses(ctx context.Context) ([]*models.Submission, error)

	AttackFiles(ctx context.Context, attackSubmissionID string) ([]*models.AttackFile, error)
	PopulateAttackFiles(ctx context.Context, attackSubmissionID string, files []*models.AttackFile) error

	UnevaluatedAttacksFor(ctx context.Context, defenseSubmissionID string) ([]string, error)
	EvaluationRunInNonTerminalState(ctx context.Context, defenseSubmissionID, attackSubmissionID string) (*models.EvaluationRun, error)
	CreateEvaluationRun(ctx context.Context, defenseSubmissionID, attackSubmissionID string) (string, error)
	SetEvaluationRunStatus(ctx context.Context, runID string, status models.RunStatus) error
	InsertEvaluationResult(ctx context.Context, result *models.EvaluationResult) error
	CountEvaluationResults(ctx context.Context, runID string) (int, error)
}

// Broker is the Task Broker's worker-facing contract: at-least-once
// delivery, one envelope in flight per consumer (prefetch = 1).
type Broker interface {
	PublishDefenseJob(ctx context.Context, payload models.DefenseJobPayload, jobID string) error
	PublishAttackJob(ctx context.Context, payload models.AttackJobPayload, jobID string) error

	// ConsumeDefenseJobs and ConsumeAttackJobs each deliver one envelope at
	// a time to handler; handler must ack (by returning nil) or the
	// envelope is redelivered per broker policy.
	ConsumeDefenseJobs(ctx context.Context, handler func(context.Context, models.Envelope) error) error
	ConsumeAttackJobs(ctx context.Context, handler func(context.Context, models.Envelope) error) error
}

// WorkerRegistry is the Redis-backed store tracking live workers, their
// attack queues, and evaluation claims.
type WorkerRegistry interface {
	Register(ctx context.Context, workerID, defenseSubmissionID, jobID string) error
	PushAttack(ctx context.Context, workerID, attackSubmissionID string) error
	PopAttack(ctx context.Context, workerID string, timeout time.Duration) (string, error)
	CloseQueue(ctx context.Context, workerID string) error
	Heartbeat(ctx context.Context, workerID string) error
	Unregister(ctx context.Context, workerID string) error
	OpenWorkersFor(ctx context.Context, defenseSubmissionID string) ([]*models.WorkerRecord, error)
	ClaimEvaluation(ctx context.Context, defenseSubmissionID, attackSubmissionID, jobID string) (bool, error)
}

// BlobStore is the read path for attack file bytes and zip-sourced defense
// archives. The original-submission upload path (one object per
// defense/attack archive) is owned by the out-of-scope Dispatch API; Put is
// used only by the dispatcher, to persist the individual files it unpacks
// out of an attack archive so the executor can fetch them one at a time.
type BlobStore interface {
	Get(ctx context.Context, objectKey string) ([]byte, error)
	GetReader(ctx context.Context, objectKey string) (io.ReadCloser, error)
	Put(ctx context.Context, objectKey string, data []byte) error
}

// GatewayClient speaks the egress-gateway contract: the sole
// authenticated path by which a worker reaches a defense container.
type GatewayClient interface {
	Post(ctx context.Context, targetURL string, body []byte, timeout time.Duration) (status int, contentType string, respBody []byte, err error)
}

// SourceResolver resolves a models.DefenseSource to a locally available
// Docker image reference.
type SourceResolver interface {
	Resolve(ctx context.Context, source models.DefenseSource) (imageRef string, cleanup func(), err error)
}

// ContainerRuntime is the sandbox lifecycle contract: create a
// job-private network, run a hardened container on it, and tear both
// down.
type ContainerRuntime interface {
	CreateNetwork(ctx context.Context, name string) (networkID string, err error)
	RemoveNetwork(ctx context.Context, networkID string) error
	ConnectGateway(ctx context.Context, networkID string) error
	DisconnectGateway(ctx context.Context, networkID string) error
	StartContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	ImageSizeBytes(ctx context.Context, imageRef string) (int64, error)
}

// ContainerSpec describes the hardened container to start.
type ContainerSpec struct {
	Name        string
	ImageRef    string
	NetworkID   string
	MemLimitB   int64
	NanoCPUs    int64
	PidsLimit   int64
	TmpfsSizeMB int64
}
