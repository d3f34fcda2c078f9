package scheduler

import "github.com/google/uuid"

// NewJobID returns a stable identifier for a scheduled job, used only in
// diagnostics and test instrumentation, never for control flow.
func NewJobID() string {
	return uuid.NewString()
}
