package constants

// JobState is the canonical state for rows in processing_job.
type JobState string

// Stable values (store these exact strings in DB).
const (
	JobStateQueued         JobState = "QUEUED"
	JobStateClassifying    JobState = "CLASSIFYING"
	JobStateExtracting     JobState = "EXTRACTING"
	JobStateNormalizing    JobState = "NORMALIZING"
	JobStateRendering      JobState = "RENDERING"
	JobStateSucceeded      JobState = "SUCCEEDED"
	JobStateFailed         JobState = "FAILED"
	JobStateRetryScheduled JobState = "RETRY_SCHEDULED"
	JobStateCanceled       JobState = "CANCELED"
)

// legalTransitions encodes the job state machine. FAILED is reachable from
// every non-terminal state. RETRY_SCHEDULED is entered from a running state
// when the orchestrator classifies the failure as transient, so the row
// never rests in FAILED while a retry is still owed.
var legalTransitions = map[JobState][]JobState{
	JobStateQueued:         {JobStateClassifying, JobStateFailed, JobStateCanceled},
	JobStateClassifying:    {JobStateExtracting, JobStateFailed, JobStateRetryScheduled, JobStateCanceled},
	JobStateExtracting:     {JobStateNormalizing, JobStateFailed, JobStateRetryScheduled},
	JobStateNormalizing:    {JobStateRendering, JobStateFailed, JobStateRetryScheduled},
	JobStateRendering:      {JobStateSucceeded, JobStateFailed, JobStateRetryScheduled},
	JobStateRetryScheduled: {JobStateQueued, JobStateFailed},
	JobStateSucceeded:      {},
	JobStateFailed:         {},
	JobStateCanceled:       {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to JobState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state admits no further transitions.
func (s JobState) IsTerminal() bool {
	return len(legalTransitions[s]) == 0
}

// IsCancelable reports whether a cancel request may still take effect.
// Once extraction has started the job runs to completion so partially
// cached work is not abandoned.
func (s JobState) IsCancelable() bool {
	return s == JobStateQueued || s == JobStateClassifying
}
