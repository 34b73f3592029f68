package models

// TaskName identifies which kind of job envelope the broker carries.
type TaskName string

const (
	TaskRunDefenseJob TaskName = "run_defense_job"
	TaskRunAttackJob  TaskName = "run_attack_job"
)

// Envelope is the wire shape the Task Broker hands to workers. Only the
// fields relevant to Task are populated; the rest are the zero value.
type Envelope struct {
	Task                     TaskName `json:"task"`
	JobID                    string   `json:"job_id"`
	DefenseSubmissionID      string   `json:"defense_submission_id,omitempty"`
	Scope                    string   `json:"scope,omitempty"`
	IncludeBehaviorDifferent bool     `json:"include_behavior_different,omitempty"`
	AttackSubmissionID       string   `json:"attack_submission_id,omitempty"`
}
