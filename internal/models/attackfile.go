package models

import "time"

// AttackFile is one file of an attack submission. Immutable once written;
// ordered by CreatedAt within an attack.
type AttackFile struct {
	ID                 string
	AttackSubmissionID string
	ObjectKey          string
	Filename           string
	SHA256             string
	IsMalware          bool
	CreatedAt          time.Time
}
