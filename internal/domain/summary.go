package domain

import (
	"time"

	"github.com/google/uuid"
)

// PhaseResult counts what one reconciliation phase looked at and changed.
type PhaseResult struct {
	Processed int `json:"processed"`
	Mutated   int `json:"mutated"`
	Failed    int `json:"failed"`
}

// PassSummary aggregates one reconciliation pass. It is for observability only.
type PassSummary struct {
	RunID      uuid.UUID   `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Backfill   PhaseResult `json:"backfill"`
	Billing    PhaseResult `json:"billing"`
	Charges    int         `json:"charges"`
	// Deferred counts servers the per-pass charge cap left due for the next pass.
	Deferred int         `json:"deferred"`
	Suspend  PhaseResult `json:"suspend"`
	Delete   PhaseResult `json:"delete"`
	// Interrupted is set when the context ended after the pass had started.
	Interrupted bool `json:"interrupted"`
}

// Failed reports the total number of per-record failures across phases.
func (s PassSummary) Failed() int {
	return s.Backfill.Failed + s.Billing.Failed + s.Suspend.Failed + s.Delete.Failed
}
