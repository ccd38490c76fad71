package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"caseflow/backend/features/job"
	"caseflow/backend/internal/middleware"
	"caseflow/backend/internal/parameter"
	"caseflow/backend/internal/queue"
)

type Publisher struct {
	queue       queue.Queue
	params      parameter.Store
	env         string
	bucket      string
	maxAttempts int
	logger      *slog.Logger
}

func NewPublisher(q queue.Queue, params parameter.Store, env, bucket string, maxAttempts int, logger *slog.Logger) *Publisher {
	return &Publisher{queue: q, params: params, env: env, bucket: bucket, maxAttempts: maxAttempts, logger: logger}
}

// PublishDueJobs sends one message per due job. A job that fails to publish
// does not stop the rest; every failure is returned joined.
func (p *Publisher) PublishDueJobs(ctx context.Context, due []job.DueJob) error {
	var errs []error
	for _, d := range due {
		jobCtx := middleware.WithJobID(ctx, d.ID)
		if err := p.publish(jobCtx, d); err != nil {
			p.logger.ErrorContext(jobCtx, "failed to publish contact job",
				"job_type", d.Type, "account_id", d.AccountID, "attempt_number", d.AttemptNumber, "error", err)
			errs = append(errs, fmt.Errorf("job %d: %w", d.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) publish(ctx context.Context, d job.DueJob) error {
	var msg any
	switch d.Type {
	case job.TypeRetrieveTranscript:
		m, err := p.retrieveMessage(d)
		if err != nil {
			return err
		}
		msg = m
	case job.TypeScrubTranscript:
		enabled, err := p.enabled(ctx, d.AccountID, d.Type)
		if err != nil {
			return err
		}
		if !enabled {
			// the claim still used an attempt
			p.logger.InfoContext(ctx, "scrub transcript disabled for account, skipping",
				"account_id", d.AccountID, "attempt_number", d.AttemptNumber, "attempts_remaining", max(p.maxAttempts-d.AttemptNumber, 0))
			return nil
		}
		m, err := scrubMessage(d)
		if err != nil {
			return err
		}
		msg = m
	default:
		return fmt.Errorf("%w: %q", job.ErrUnknownJobType, d.Type)
	}

	dest, err := p.params.Get(ctx, parameter.QueueName(p.env, string(d.Type)))
	if err != nil {
		return fmt.Errorf("resolve queue for %s: %w", d.Type, err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.queue.Send(ctx, dest, body); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "contact job published", "job_type", d.Type, "queue", dest, "attempt_number", d.AttemptNumber)
	return nil
}

// enabled resolves the per-account flag. A flag that has not been set yet
// reads as disabled.
func (p *Publisher) enabled(ctx context.Context, accountID string, t job.Type) (bool, error) {
	v, err := p.params.Get(ctx, parameter.JobEnabled(p.env, accountID, string(t)))
	if errors.Is(err, parameter.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve %s flag for %s: %w", t, accountID, err)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s flag for %s: %w", t, accountID, err)
	}
	return b, nil
}

func (p *Publisher) retrieveMessage(d job.DueJob) (*RetrieveTranscriptMessage, error) {
	var payload job.RetrieveTranscriptPayload
	if len(d.AdditionalPayload) > 0 {
		if err := json.Unmarshal(d.AdditionalPayload, &payload); err != nil {
			return nil, fmt.Errorf("decode retrieve payload: %w", err)
		}
	}
	return &RetrieveTranscriptMessage{
		JobID:               d.ID,
		JobType:             d.Type,
		AccountID:           d.AccountID,
		ContactID:           d.Contact.ID,
		TaskID:              d.Contact.TaskID,
		Channel:             d.Contact.Channel,
		ChannelSID:          d.Contact.ChannelSID,
		ServiceSID:          d.Contact.ServiceSID,
		TwilioWorkerID:      d.Contact.TwilioWorkerID,
		ConversationMediaID: payload.ConversationMediaID,
		FilePath:            TranscriptPath(d.Contact),
		Bucket:              p.bucket,
		AttemptNumber:       d.AttemptNumber,
	}, nil
}

func scrubMessage(d job.DueJob) (*ScrubTranscriptMessage, error) {
	var payload job.ScrubTranscriptPayload
	if err := json.Unmarshal(d.AdditionalPayload, &payload); err != nil {
		return nil, fmt.Errorf("decode scrub payload: %w", err)
	}
	if payload.OriginalLocation.IsZero() {
		return nil, errors.New("scrub job has no original location")
	}
	return &ScrubTranscriptMessage{
		JobID:            d.ID,
		JobType:          d.Type,
		AccountID:        d.AccountID,
		ContactID:        d.Contact.ID,
		TaskID:           d.Contact.TaskID,
		TwilioWorkerID:   d.Contact.TwilioWorkerID,
		OriginalLocation: payload.OriginalLocation,
		AttemptNumber:    d.AttemptNumber,
	}, nil
}
