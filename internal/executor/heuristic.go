package executor

import "context"

// HeuristicValidator is an extension point for behavior-probing a defense
// beyond the strict wire-contract check. It is called after the probe
// succeeds; the default NoopHeuristic never fails a defense and exists so
// behavior-probing can be added without reshaping the state machine.
type HeuristicValidator interface {
	Validate(ctx context.Context, defenseSubmissionID, gatewayURL string) (metrics map[string]float64, err error)
}

// NoopHeuristic is the default HeuristicValidator: it runs no probes and
// never fails validation.
type NoopHeuristic struct{}

// Validate always succeeds with an empty metrics map.
func (NoopHeuristic) Validate(ctx context.Context, defenseSubmissionID, gatewayURL string) (map[string]float64, error) {
	return map[string]float64{}, nil
}
