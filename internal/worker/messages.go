package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"caseflow/backend/features/contact"
	"caseflow/backend/features/job"
)

type AttemptResult string

const (
	AttemptSuccess AttemptResult = "success"
	AttemptFailure AttemptResult = "failure"
)

func (r *AttemptResult) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch v := AttemptResult(strings.ToLower(s)); v {
	case AttemptSuccess, AttemptFailure:
		*r = v
		return nil
	}
	return fmt.Errorf("unknown attempt result %q", s)
}

// CompletionMessage is what a worker reports on the inbox after an attempt.
type CompletionMessage struct {
	JobID          int64           `json:"jobId"`
	JobType        job.Type        `json:"jobType"`
	AccountID      string          `json:"accountId"`
	ResourceID     int64           `json:"resourceId"`
	AttemptNumber  *int            `json:"attemptNumber,omitempty"`
	AttemptResult  AttemptResult   `json:"attemptResult"`
	AttemptPayload json.RawMessage `json:"attemptPayload,omitempty"`
}

func ParseCompletion(body []byte) (*CompletionMessage, error) {
	var m CompletionMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if m.JobID <= 0 {
		return nil, errors.New("completion has no jobId")
	}
	if m.AttemptResult == "" {
		return nil, errors.New("completion has no attemptResult")
	}
	return &m, nil
}

// RetrieveTranscriptMessage asks the retrieve worker to export a contact's
// transcript to Bucket/FilePath.
type RetrieveTranscriptMessage struct {
	JobID               int64    `json:"jobId"`
	JobType             job.Type `json:"jobType"`
	AccountID           string   `json:"accountId"`
	ContactID           int64    `json:"contactId"`
	TaskID              string   `json:"taskId"`
	Channel             string   `json:"channel"`
	ChannelSID          string   `json:"channelSid"`
	ServiceSID          string   `json:"serviceSid"`
	TwilioWorkerID      string   `json:"twilioWorkerId"`
	ConversationMediaID int64    `json:"conversationMediaId,omitempty"`
	FilePath            string   `json:"filePath"`
	Bucket              string   `json:"bucket"`
	AttemptNumber       int      `json:"attemptNumber"`
}

// ScrubTranscriptMessage asks the scrub worker to redact the transcript at
// OriginalLocation.
type ScrubTranscriptMessage struct {
	JobID            int64            `json:"jobId"`
	JobType          job.Type         `json:"jobType"`
	AccountID        string           `json:"accountId"`
	ContactID        int64            `json:"contactId"`
	TaskID           string           `json:"taskId"`
	TwilioWorkerID   string           `json:"twilioWorkerId"`
	OriginalLocation contact.Location `json:"originalLocation"`
	AttemptNumber    int              `json:"attemptNumber"`
}
