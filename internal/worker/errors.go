package worker

import (
	"fmt"

	"caseflow/backend/features/job"
)

// PollerError is an infrastructure failure while draining the inbox: the
// queue call failed or a message could not be read as a completion.
type PollerError struct {
	Op         string
	RawMessage string
	Err        error
}

func (e *PollerError) Error() string {
	return fmt.Sprintf("completion poller %s: %v", e.Op, e.Err)
}

func (e *PollerError) Unwrap() error {
	return e.Err
}

// ProcessingError means a well-formed completion message could not be
// applied. The job is left as it was before the message arrived.
type ProcessingError struct {
	JobID      int64
	JobType    job.Type
	RawMessage string
	Err        error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process completion of %s job %d: %v", e.JobType, e.JobID, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
