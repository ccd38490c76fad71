package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"caseflow/backend/features/contact"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobAlreadyCompleted = errors.New("job already completed")
	ErrUnknownJobType      = errors.New("unknown job type")
	ErrInvalidPayload      = errors.New("invalid additional payload")
)

// AttemptsLimitReachedMessage is recorded on jobs that failed terminally.
const AttemptsLimitReachedMessage = "Attempts limit reached"

// NoWorkerResponseMessage is recorded instead when a job ran out of attempts
// without a single failure ever being reported, e.g. it was never published.
const NoWorkerResponseMessage = "Attempts limit reached without a worker response"

// Type is the closed set of contact job kinds. Adding a variant means touching
// Types, the publisher and the completion processor.
type Type string

const (
	TypeRetrieveTranscript Type = "retrieve-transcript"
	TypeScrubTranscript    Type = "scrub-transcript"
)

func Types() []Type {
	return []Type{TypeRetrieveTranscript, TypeScrubTranscript}
}

func ParseType(s string) (Type, error) {
	for _, t := range Types() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
}

type Job struct {
	ID                int64           `json:"id"`
	AccountID         string          `json:"accountId"`
	ResourceID        int64           `json:"resourceId"`
	Type              Type            `json:"jobType"`
	AdditionalPayload json.RawMessage `json:"additionalPayload,omitempty"`
	RequestedAt       time.Time       `json:"requestedAt"`
	LastAttemptAt     *time.Time      `json:"lastAttemptAt"`
	NumberOfAttempts  int             `json:"numberOfAttempts"`
	CompletedAt       *time.Time      `json:"completedAt"`
	WasSuccessful     *bool           `json:"wasSuccessful"`
	CompletionPayload json.RawMessage `json:"completionPayload,omitempty"`
	FailedAttempts    []FailedAttempt `json:"failedAttempts"`
}

func (j Job) Completed() bool {
	return j.CompletedAt != nil
}

// FailedAttempt is one failure observation reported by a worker.
type FailedAttempt struct {
	AttemptNumber int             `json:"attemptNumber"`
	Payload       json.RawMessage `json:"payload"`
}

// DueJob is a job claimed by PullDueJobs. Job holds the row as it was before
// the claim; AttemptNumber is the ordinal of the attempt the claim started.
type DueJob struct {
	Job
	Contact       contact.Contact `json:"contact"`
	AttemptNumber int             `json:"attemptNumber"`
}

type RetrieveTranscriptPayload struct {
	ConversationMediaID int64 `json:"conversationMediaId,omitempty"`
}

type ScrubTranscriptPayload struct {
	OriginalLocation contact.Location `json:"originalLocation"`
}

// ValidatePayload checks that additionalPayload is publishable for t. A
// retrieve payload is optional; a scrub payload needs a full location.
func ValidatePayload(t Type, additionalPayload json.RawMessage) error {
	empty := len(additionalPayload) == 0 || string(additionalPayload) == "null"
	switch t {
	case TypeRetrieveTranscript:
		if empty {
			return nil
		}
		var p RetrieveTranscriptPayload
		if err := json.Unmarshal(additionalPayload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return nil
	case TypeScrubTranscript:
		if empty {
			return fmt.Errorf("%w: %s needs originalLocation", ErrInvalidPayload, t)
		}
		var p ScrubTranscriptPayload
		if err := json.Unmarshal(additionalPayload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.OriginalLocation.Bucket == "" || p.OriginalLocation.Key == "" {
			return fmt.Errorf("%w: originalLocation needs bucket and key", ErrInvalidPayload)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownJobType, t)
}

// RetryPolicy decides how long a job must rest between attempts. Overrides
// only apply when longer than MinInterval.
type RetryPolicy struct {
	MinInterval time.Duration
	Overrides   map[Type]time.Duration
}

func (p RetryPolicy) Interval(t Type) time.Duration {
	if o, ok := p.Overrides[t]; ok && o > p.MinInterval {
		return o
	}
	return p.MinInterval
}

// IsDue mirrors the predicate PullDueJobs evaluates in SQL.
func (p RetryPolicy) IsDue(j Job, now time.Time, maxAttempts int) bool {
	if j.Completed() || j.NumberOfAttempts >= maxAttempts {
		return false
	}
	if j.LastAttemptAt == nil {
		return true
	}
	return now.Sub(*j.LastAttemptAt) >= p.Interval(j.Type)
}
