package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mlsecarena/evalrunner/internal/models"
)

// probePayload is a canonical minimal-PE-shaped payload (MZ header plus
// zero-padding) used to validate that a defense's endpoint honours the
// wire contract.
func probePayload() []byte {
	buf := make([]byte, 4096)
	buf[0] = 'M'
	buf[1] = 'Z'
	return buf
}

type probeResponse struct {
	Result *int `json:"result"`
}

// phaseFFunctionalValidation runs only when the defense's functional
// status is still unknown: it bounds the image size, then probes the
// container's endpoint and requires a strict {"result": 0|1} response.
func (e *Executor) phaseFFunctionalValidation(ctx context.Context, s *phaseState) error {
	sub, err := e.Jobs.GetSubmission(ctx, s.payload.DefenseSubmissionID)
	if err != nil {
		return fmt.Errorf("phase F (functional validation): %w", err)
	}
	if sub.IsFunctional != models.IsFunctionalUnknown {
		return nil
	}

	if failErr := e.validateImageSize(ctx, s); failErr != nil {
		return e.failValidation(ctx, s, failErr.Error())
	}

	status, contentType, body, err := e.Gateway.Post(ctx, s.gatewayURL, probePayload(), e.RequestTimeout)
	if err != nil {
		return e.failValidation(ctx, s, fmt.Sprintf("probe request failed: %v", err))
	}
	if status != 200 {
		return e.failValidation(ctx, s, fmt.Sprintf("probe returned HTTP %d", status))
	}
	if !strings.Contains(contentType, "application/json") {
		return e.failValidation(ctx, s, fmt.Sprintf("probe response Content-Type %q does not contain application/json", contentType))
	}

	var parsed probeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return e.failValidation(ctx, s, fmt.Sprintf("probe response is not valid JSON: %v", err))
	}
	if parsed.Result == nil {
		return e.failValidation(ctx, s, "probe response missing 'result' field")
	}
	if *parsed.Result != 0 && *parsed.Result != 1 {
		return e.failValidation(ctx, s, fmt.Sprintf("Defense validation failed: Result field must be 0 or 1, got %d", *parsed.Result))
	}

	if e.Heuristic != nil {
		if _, err := e.Heuristic.Validate(ctx, s.payload.DefenseSubmissionID, s.gatewayURL); err != nil {
			return e.failValidation(ctx, s, fmt.Sprintf("heuristic validation failed: %v", err))
		}
	}

	if err := e.Jobs.SetDefenseFunctional(ctx, s.payload.DefenseSubmissionID, models.IsFunctionalTrue, models.SubmissionStatusReady, ""); err != nil {
		return fmt.Errorf("phase F (functional validation): %w", err)
	}
	s.logger.Info().Msg("defense passed functional validation")
	return nil
}

func (e *Executor) validateImageSize(ctx context.Context, s *phaseState) error {
	size, err := e.Runtime.ImageSizeBytes(ctx, s.imageRef)
	if err != nil {
		return fmt.Errorf("failed to inspect image size: %w", err)
	}
	maxBytes := e.MaxUncompressedSizeMB * 1024 * 1024
	if size > maxBytes {
		return fmt.Errorf("image size %d bytes exceeds max_uncompressed_size_mb bound of %d MB", size, e.MaxUncompressedSizeMB)
	}
	return nil
}

// failValidation marks the defense as non-functional and returns the
// phase error that fails the job.
func (e *Executor) failValidation(ctx context.Context, s *phaseState, detail string) error {
	if err := e.Jobs.SetDefenseFunctional(ctx, s.payload.DefenseSubmissionID, models.IsFunctionalFalse, models.SubmissionStatusFailed, detail); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist functional validation failure")
	}
	return fmt.Errorf("phase F (functional validation): %s", detail)
}
