package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"caseflow/backend/features/contact"
	"caseflow/backend/features/job"
	"caseflow/backend/internal/middleware"
	"caseflow/backend/internal/queue"
)

const processedSuccessfullyMessage = "Job processed successfully"

// nonStringPayloadMessage replaces failure payloads that are not strings,
// typically from a dead-letter redrive that lost the original body.
const nonStringPayloadMessage = "Non-string attemptPayload received; the original payload may be in the dead letter queue"

type CompletionProcessor struct {
	queue       queue.Queue
	jobs        job.Repository
	media       contact.Repository
	inbox       string
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

func NewCompletionProcessor(q queue.Queue, jobs job.Repository, media contact.Repository, inbox string, batchSize, maxAttempts int, logger *slog.Logger) *CompletionProcessor {
	return &CompletionProcessor{
		queue:       q,
		jobs:        jobs,
		media:       media,
		inbox:       inbox,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// ProcessCompletions drains one batch from the inbox without waiting. Each
// message is settled on its own; a failed message is logged and skipped.
// It returns the number of messages applied.
func (c *CompletionProcessor) ProcessCompletions(ctx context.Context) (int, error) {
	msgs, err := c.queue.Receive(ctx, c.inbox, c.batchSize, 0)
	if err != nil {
		return 0, &PollerError{Op: "receive", Err: err}
	}

	applied := 0
	for _, m := range msgs {
		if err := c.handle(ctx, m); err != nil {
			var pe *PollerError
			if errors.As(err, &pe) {
				c.logger.ErrorContext(ctx, "completion poller error", "op", pe.Op, "error", pe.Err, "raw_message", pe.RawMessage)
				continue
			}
			var procErr *ProcessingError
			if errors.As(err, &procErr) {
				c.logger.ErrorContext(middleware.WithJobID(ctx, procErr.JobID), "failed to process completion message",
					"job_type", procErr.JobType, "error", procErr.Err, "raw_message", procErr.RawMessage)
				continue
			}
			c.logger.ErrorContext(ctx, "failed to process completion message", "error", err, "raw_message", string(m.Body))
			continue
		}
		applied++
	}
	return applied, nil
}

func (c *CompletionProcessor) handle(ctx context.Context, m queue.Message) error {
	raw := string(m.Body)
	// Deleted before processing so a poison message cannot be redelivered
	// forever. A lost completion is recovered by the next due sweep.
	if err := c.queue.Delete(ctx, c.inbox, m.Handle); err != nil {
		return &PollerError{Op: "delete", RawMessage: raw, Err: err}
	}

	msg, err := ParseCompletion(m.Body)
	if err != nil {
		return &PollerError{Op: "parse", RawMessage: raw, Err: err}
	}
	ctx = middleware.WithJobID(ctx, msg.JobID)

	switch msg.AttemptResult {
	case AttemptSuccess:
		err = c.handleSuccess(ctx, msg)
	case AttemptFailure:
		err = c.handleFailure(ctx, msg)
	default:
		err = fmt.Errorf("unknown attempt result %q", msg.AttemptResult)
	}
	if errors.Is(err, job.ErrJobAlreadyCompleted) {
		c.logger.InfoContext(ctx, "completion for an already completed job ignored", "job_type", msg.JobType, "attempt_result", msg.AttemptResult)
		return nil
	}
	if err != nil {
		return &ProcessingError{JobID: msg.JobID, JobType: msg.JobType, RawMessage: raw, Err: err}
	}
	return nil
}

func (c *CompletionProcessor) handleSuccess(ctx context.Context, msg *CompletionMessage) error {
	if _, err := job.ParseType(string(msg.JobType)); err != nil {
		return err
	}
	j, err := c.jobs.Get(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if j.Type != msg.JobType {
		return fmt.Errorf("completion reports type %q for a %s job", msg.JobType, j.Type)
	}

	switch j.Type {
	case job.TypeRetrieveTranscript:
		err = c.retrieveSucceeded(ctx, j, msg.AttemptPayload)
	case job.TypeScrubTranscript:
		err = c.scrubSucceeded(ctx, j, msg.AttemptPayload)
	default:
		err = fmt.Errorf("%w: %q", job.ErrUnknownJobType, j.Type)
	}
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "contact job completed", "job_type", j.Type, "account_id", j.AccountID)
	return nil
}

// retrieveSucceeded records the exported transcript, chains a scrub job for
// it and completes the retrieve job, all in one transaction.
func (c *CompletionProcessor) retrieveSucceeded(ctx context.Context, j *job.Job, attemptPayload json.RawMessage) error {
	loc, err := decodeLocation(attemptPayload)
	if err != nil {
		return err
	}
	var payload job.RetrieveTranscriptPayload
	if len(j.AdditionalPayload) > 0 {
		if err := json.Unmarshal(j.AdditionalPayload, &payload); err != nil {
			return fmt.Errorf("decode retrieve payload: %w", err)
		}
	}
	resource := contact.Contact{ID: j.ResourceID, AccountID: j.AccountID}

	return c.jobs.InTx(ctx, func(tx *sql.Tx) error {
		if err := c.saveTranscript(ctx, tx, j, payload.ConversationMediaID, loc); err != nil {
			return err
		}
		if _, err := c.jobs.Create(ctx, tx, resource, job.TypeScrubTranscript, job.ScrubTranscriptPayload{OriginalLocation: loc}); err != nil {
			return err
		}
		_, err := c.jobs.Complete(ctx, tx, j.ID, successPayload(attemptPayload), true)
		return err
	})
}

func (c *CompletionProcessor) saveTranscript(ctx context.Context, tx *sql.Tx, j *job.Job, mediaID int64, loc contact.Location) error {
	data := contact.S3MediaData{Type: contact.MediaTranscript, Location: &loc}
	if mediaID != 0 {
		return c.media.UpdateMediaData(ctx, tx, mediaID, data)
	}

	existing, err := c.media.FindMediaByContactAndType(ctx, j.ResourceID, contact.MediaTranscript)
	if err == nil {
		return c.media.UpdateMediaData(ctx, tx, existing.ID, data)
	}
	if !errors.Is(err, contact.ErrMediaNotFound) {
		return err
	}
	return c.createMedia(ctx, tx, j, data)
}

// scrubSucceeded points the contact's scrubbed transcript at the new
// location, creating the media record the first time.
func (c *CompletionProcessor) scrubSucceeded(ctx context.Context, j *job.Job, attemptPayload json.RawMessage) error {
	loc, err := decodeLocation(attemptPayload)
	if err != nil {
		return err
	}

	return c.jobs.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := c.media.FindMediaByContactAndType(ctx, j.ResourceID, contact.MediaScrubbedTranscript)
		switch {
		case err == nil:
			patch, err := json.Marshal(map[string]contact.Location{"location": loc})
			if err != nil {
				return err
			}
			if err := c.media.UpdateMediaSpecificData(ctx, tx, existing.ID, patch); err != nil {
				return err
			}
		case errors.Is(err, contact.ErrMediaNotFound):
			if err := c.createMedia(ctx, tx, j, contact.S3MediaData{Type: contact.MediaScrubbedTranscript, Location: &loc}); err != nil {
				return err
			}
		default:
			return err
		}
		_, err = c.jobs.Complete(ctx, tx, j.ID, successPayload(attemptPayload), true)
		return err
	})
}

func (c *CompletionProcessor) createMedia(ctx context.Context, tx *sql.Tx, j *job.Job, data contact.S3MediaData) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.media.CreateMedia(ctx, tx, &contact.Media{
		AccountID:             j.AccountID,
		ContactID:             j.ResourceID,
		StoreType:             contact.StoreTypeS3,
		MediaType:             data.Type,
		StoreTypeSpecificData: body,
	})
}

// handleFailure records the failed attempt and fails the job for good once
// the attempt limit is reached.
func (c *CompletionProcessor) handleFailure(ctx context.Context, msg *CompletionMessage) error {
	var attempt int
	if msg.AttemptNumber != nil {
		attempt = *msg.AttemptNumber
	} else {
		j, err := c.jobs.Get(ctx, msg.JobID)
		if err != nil {
			return err
		}
		attempt = j.NumberOfAttempts
	}

	payload := msg.AttemptPayload
	if !isJSONString(payload) {
		payload, _ = json.Marshal(nonStringPayloadMessage)
	}

	c.logger.ErrorContext(ctx, "contact job attempt failed",
		"job_type", msg.JobType, "account_id", msg.AccountID, "attempt_number", attempt, "attempt_payload", string(payload))

	if _, err := c.jobs.AppendFailedAttempt(ctx, msg.JobID, attempt, payload); err != nil {
		return err
	}
	if attempt < c.maxAttempts {
		return nil
	}

	if _, err := c.jobs.Complete(ctx, nil, msg.JobID, map[string]string{"message": job.AttemptsLimitReachedMessage}, false); err != nil {
		return err
	}
	c.logger.ErrorContext(ctx, "contact job failed permanently", "job_type", msg.JobType, "account_id", msg.AccountID, "attempt_number", attempt)
	return nil
}

func successPayload(attemptPayload json.RawMessage) map[string]any {
	return map[string]any{"message": processedSuccessfullyMessage, "value": attemptPayload}
}

func decodeLocation(payload json.RawMessage) (contact.Location, error) {
	var loc contact.Location
	if err := json.Unmarshal(payload, &loc); err != nil {
		return loc, fmt.Errorf("decode attempt payload: %w", err)
	}
	if loc.Bucket == "" || loc.Key == "" {
		return loc, errors.New("attempt payload has no bucket/key")
	}
	return loc, nil
}

func isJSONString(b json.RawMessage) bool {
	var s string
	return len(b) > 0 && json.Unmarshal(b, &s) == nil
}
