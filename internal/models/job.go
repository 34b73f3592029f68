// Package models holds the data types shared across the job store,
// broker, registry, sandbox, executor, and dispatcher packages.
package models

import "time"

// JobKind distinguishes a defense-job from an attack-job.
type JobKind string

const (
	JobKindDefense JobKind = "defense"
	JobKindAttack  JobKind = "attack"
)

// JobStatus is the Job Store's state machine. Permitted edges are
// queued->running and running->{done,failed}; any other edge is a
// programming error. Terminal states (done, failed) are never reopened.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// IsTerminal reports whether s is a terminal status (done or failed).
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Job is the durable record created by the Dispatch API (or, for a
// defense-job spawned by an attack-job, by the Attack Dispatcher) and
// mutated only by the worker that claims it.
type Job struct {
	ID          string
	Kind        JobKind
	Status      JobStatus
	Payload     map[string]any
	RequestedBy string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// DefenseJobPayload is the payload shape for a JobKindDefense job.
type DefenseJobPayload struct {
	DefenseSubmissionID     string `json:"defense_submission_id"`
	Scope                   string `json:"scope,omitempty"`
	IncludeBehaviorDifferent bool  `json:"include_behavior_different,omitempty"`
}

// AttackJobPayload is the payload shape for a JobKindAttack job.
type AttackJobPayload struct {
	AttackSubmissionID string `json:"attack_submission_id"`
}
