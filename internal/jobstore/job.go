package jobstore

import "time"

// Status is the lifecycle state of a generation job as recorded in the
// shared job table. Transitions are forward-only except an externally
// forced failure.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one installation method generation job. The server-side
// processor owns the record; this gateway reads it and has exactly one
// write path (marking a stuck job failed).
type Job struct {
	ID             string     `json:"id"`
	Query          string     `json:"query"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	CurrentStep    string     `json:"current_step,omitempty"`
	MethodData     *string    `json:"method_data,omitempty"`
	QualityMetrics *string    `json:"quality_metrics,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
