package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"caseflow/backend/features/contact"
	"caseflow/backend/internal/database"
)

// Repository is the only writer of contact_jobs rows. Writes that may run as
// a side effect of another job's completion take an optional transaction.
type Repository interface {
	Create(ctx context.Context, tx *sql.Tx, resource contact.Contact, t Type, additionalPayload any) (*Job, error)
	PullDueJobs(ctx context.Context, now time.Time, maxAttempts int, policy RetryPolicy) ([]DueJob, error)
	Complete(ctx context.Context, tx *sql.Tx, id int64, completionPayload any, wasSuccessful bool) (*Job, error)
	AppendFailedAttempt(ctx context.Context, id int64, attemptNumber int, attemptPayload json.RawMessage) (*Job, error)
	ExpireExhausted(ctx context.Context, now time.Time, maxAttempts int, policy RetryPolicy) ([]Job, error)
	Get(ctx context.Context, id int64) (*Job, error)
	ListByResource(ctx context.Context, resourceID int64) ([]Job, error)
	InTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

const jobColumns = `id, account_id, contact_id, job_type, additional_payload, requested_at, last_attempt_at, number_of_attempts, completed_at, was_successful, completion_payload, failed_attempts`

const dueColumns = `j.id, j.account_id, j.contact_id, j.job_type, j.additional_payload, j.requested_at, j.last_attempt_at, j.number_of_attempts, j.completed_at, j.was_successful, j.completion_payload, j.failed_attempts, c.task_id, c.channel, c.channel_sid, c.service_sid, c.twilio_worker_id, c.created_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return database.InTx(ctx, r.db, fn)
}

// Create inserts a pending job. With a nil tx the insert commits on its own.
func (r *PostgresRepo) Create(ctx context.Context, tx *sql.Tx, resource contact.Contact, t Type, additionalPayload any) (*Job, error) {
	if _, err := ParseType(string(t)); err != nil {
		return nil, err
	}
	var payload any
	if additionalPayload != nil {
		b, err := json.Marshal(additionalPayload)
		if err != nil {
			return nil, fmt.Errorf("marshal additional payload: %w", err)
		}
		payload = b
	}

	query := `INSERT INTO contact_jobs (account_id, contact_id, job_type, additional_payload) VALUES ($1, $2, $3, $4) RETURNING ` + jobColumns
	j, err := scanJob(database.Pick(r.db, tx).QueryRowContext(ctx, query, resource.AccountID, resource.ID, string(t), payload))
	if err != nil {
		return nil, fmt.Errorf("create %s job for contact %d: %w", t, resource.ID, err)
	}
	return j, nil
}

// PullDueJobs selects every due job and marks it attempted in one transaction.
// Rows locked by a concurrent pull are skipped, so overlapping sweeps never
// claim the same job twice.
func (r *PostgresRepo) PullDueJobs(ctx context.Context, now time.Time, maxAttempts int, policy RetryPolicy) ([]DueJob, error) {
	var due []DueJob
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		cutoff, cutoffArgs := cutoffExpr("j.job_type", policy, now, 2)
		query := `SELECT ` + dueColumns + `
			FROM contact_jobs j
			JOIN contacts c ON c.id = j.contact_id
			WHERE j.completed_at IS NULL
			  AND j.number_of_attempts < $1
			  AND (j.last_attempt_at IS NULL OR j.last_attempt_at <= ` + cutoff + `)
			ORDER BY j.id
			FOR UPDATE OF j SKIP LOCKED`
		args := append([]any{maxAttempts}, cutoffArgs...)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		due, err = collectDueJobs(rows)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		ids := make([]int64, len(due))
		for i, d := range due {
			ids[i] = d.ID
		}
		_, err = tx.ExecContext(ctx, `UPDATE contact_jobs SET last_attempt_at = $1, number_of_attempts = number_of_attempts + 1 WHERE id = ANY($2)`, now, pq.Array(ids))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pull due jobs: %w", err)
	}
	return due, nil
}

// Complete records the terminal outcome of a job. It never overwrites an
// earlier completion: a second call returns ErrJobAlreadyCompleted.
func (r *PostgresRepo) Complete(ctx context.Context, tx *sql.Tx, id int64, completionPayload any, wasSuccessful bool) (*Job, error) {
	payload, err := json.Marshal(completionPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal completion payload: %w", err)
	}
	q := database.Pick(r.db, tx)
	query := `UPDATE contact_jobs SET completed_at = NOW(), was_successful = $2, completion_payload = $3 WHERE id = $1 AND completed_at IS NULL RETURNING ` + jobColumns
	j, err := scanJob(q.QueryRowContext(ctx, query, id, wasSuccessful, payload))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMiss(ctx, q, id)
	}
	if err != nil {
		return nil, fmt.Errorf("complete job %d: %w", id, err)
	}
	return j, nil
}

// AppendFailedAttempt records a failure observation and leaves the job pending.
func (r *PostgresRepo) AppendFailedAttempt(ctx context.Context, id int64, attemptNumber int, attemptPayload json.RawMessage) (*Job, error) {
	entry, err := json.Marshal(FailedAttempt{AttemptNumber: attemptNumber, Payload: attemptPayload})
	if err != nil {
		return nil, fmt.Errorf("marshal failed attempt: %w", err)
	}
	query := `UPDATE contact_jobs SET failed_attempts = failed_attempts || jsonb_build_array($2::jsonb) WHERE id = $1 AND completed_at IS NULL RETURNING ` + jobColumns
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id, entry))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMiss(ctx, r.db, id)
	}
	if err != nil {
		return nil, fmt.Errorf("append failed attempt to job %d: %w", id, err)
	}
	return j, nil
}

// ExpireExhausted fails jobs that used every attempt and whose last attempt
// has outlived its retry interval without a completion arriving.
func (r *PostgresRepo) ExpireExhausted(ctx context.Context, now time.Time, maxAttempts int, policy RetryPolicy) ([]Job, error) {
	payload, err := json.Marshal(map[string]string{"message": AttemptsLimitReachedMessage})
	if err != nil {
		return nil, err
	}
	silent, err := json.Marshal(map[string]string{"message": NoWorkerResponseMessage})
	if err != nil {
		return nil, err
	}
	cutoff, cutoffArgs := cutoffExpr("job_type", policy, now, 5)
	query := `UPDATE contact_jobs SET completed_at = $1, was_successful = FALSE,
			completion_payload = CASE WHEN jsonb_array_length(failed_attempts) = 0 THEN $3::jsonb ELSE $2::jsonb END
		WHERE completed_at IS NULL
		  AND number_of_attempts >= $4
		  AND (last_attempt_at IS NULL OR last_attempt_at <= ` + cutoff + `)
		RETURNING ` + jobColumns
	args := append([]any{now, payload, silent, maxAttempts}, cutoffArgs...)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("expire exhausted jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *PostgresRepo) Get(ctx context.Context, id int64) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM contact_jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

func (r *PostgresRepo) ListByResource(ctx context.Context, resourceID int64) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM contact_jobs WHERE contact_id = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for contact %d: %w", resourceID, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// TypeCounts tallies jobs of one type by state.
type TypeCounts struct {
	Type      Type `json:"jobType"`
	Pending   int  `json:"pending"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
}

func (r *PostgresRepo) CountByType(ctx context.Context) ([]TypeCounts, error) {
	query := `SELECT job_type,
			COUNT(*) FILTER (WHERE completed_at IS NULL),
			COUNT(*) FILTER (WHERE completed_at IS NOT NULL AND was_successful),
			COUNT(*) FILTER (WHERE completed_at IS NOT NULL AND NOT was_successful)
		FROM contact_jobs GROUP BY job_type ORDER BY job_type`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var out []TypeCounts
	for rows.Next() {
		var c TypeCounts
		if err := rows.Scan(&c.Type, &c.Pending, &c.Succeeded, &c.Failed); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) explainMiss(ctx context.Context, q database.Querier, id int64) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM contact_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job %d: %w", id, err)
	}
	if exists {
		return fmt.Errorf("job %d: %w", id, ErrJobAlreadyCompleted)
	}
	return fmt.Errorf("job %d: %w", id, ErrJobNotFound)
}

// cutoffExpr renders the latest last_attempt_at that still counts as rested,
// per job type. Placeholders are numbered from next.
func cutoffExpr(column string, policy RetryPolicy, now time.Time, next int) (string, []any) {
	var whens strings.Builder
	var args []any
	for _, t := range Types() {
		interval := policy.Interval(t)
		if interval == policy.MinInterval {
			continue
		}
		fmt.Fprintf(&whens, " WHEN $%d THEN $%d::timestamptz", next, next+1)
		args = append(args, string(t), now.Add(-interval))
		next += 2
	}
	args = append(args, now.Add(-policy.MinInterval))
	if whens.Len() == 0 {
		return fmt.Sprintf("$%d::timestamptz", next), args
	}
	return fmt.Sprintf("CASE %s%s ELSE $%d::timestamptz END", column, whens.String(), next), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner, extra ...any) (*Job, error) {
	var (
		j          Job
		jobType    string
		payload    []byte
		completion []byte
		failed     []byte
		last       sql.NullTime
		completed  sql.NullTime
		successful sql.NullBool
	)
	dest := append([]any{
		&j.ID, &j.AccountID, &j.ResourceID, &jobType, &payload, &j.RequestedAt, &last,
		&j.NumberOfAttempts, &completed, &successful, &completion, &failed,
	}, extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	j.Type = Type(jobType)
	if len(payload) > 0 {
		j.AdditionalPayload = json.RawMessage(payload)
	}
	if len(completion) > 0 {
		j.CompletionPayload = json.RawMessage(completion)
	}
	if last.Valid {
		t := last.Time
		j.LastAttemptAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	if successful.Valid {
		b := successful.Bool
		j.WasSuccessful = &b
	}
	j.FailedAttempts = []FailedAttempt{}
	if len(failed) > 0 {
		if err := json.Unmarshal(failed, &j.FailedAttempts); err != nil {
			return nil, fmt.Errorf("decode failed attempts of job %d: %w", j.ID, err)
		}
	}
	return &j, nil
}

func collectDueJobs(rows *sql.Rows) ([]DueJob, error) {
	defer rows.Close()
	var due []DueJob
	for rows.Next() {
		var c contact.Contact
		j, err := scanJob(rows, &c.TaskID, &c.Channel, &c.ChannelSID, &c.ServiceSID, &c.TwilioWorkerID, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		c.ID = j.ResourceID
		c.AccountID = j.AccountID
		due = append(due, DueJob{Job: *j, Contact: c, AttemptNumber: j.NumberOfAttempts + 1})
	}
	return due, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}
