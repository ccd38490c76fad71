package job_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/backend/features/contact"
	"caseflow/backend/features/job"
)

var jobCols = []string{"id", "account_id", "contact_id", "job_type", "additional_payload", "requested_at", "last_attempt_at", "number_of_attempts", "completed_at", "was_successful", "completion_payload", "failed_attempts"}

func policy() job.RetryPolicy {
	return job.RetryPolicy{
		MinInterval: 2 * time.Minute,
		Overrides:   map[job.Type]time.Duration{job.TypeScrubTranscript: 30 * time.Minute},
	}
}

func TestPostgresRepo_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	requested := time.Now()
	c := contact.Contact{ID: 12, AccountID: "AC1"}

	t.Run("Standalone", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO contact_jobs (account_id, contact_id, job_type, additional_payload) VALUES ($1, $2, $3, $4) RETURNING id")).
			WithArgs("AC1", int64(12), "retrieve-transcript", nil).
			WillReturnRows(sqlmock.NewRows(jobCols).AddRow(int64(1), "AC1", int64(12), "retrieve-transcript", nil, requested, nil, 0, nil, nil, nil, []byte(`[]`)))

		j, err := repo.Create(context.Background(), nil, c, job.TypeRetrieveTranscript, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), j.ID)
		assert.Equal(t, 0, j.NumberOfAttempts)
		assert.Nil(t, j.CompletedAt)
		assert.Nil(t, j.LastAttemptAt)
		assert.Empty(t, j.FailedAttempts)
	})

	t.Run("InCallerTx", func(t *testing.T) {
		payload := job.ScrubTranscriptPayload{OriginalLocation: contact.Location{Bucket: "b", Key: "k"}}

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO contact_jobs")).
			WithArgs("AC1", int64(12), "scrub-transcript", []byte(`{"originalLocation":{"bucket":"b","key":"k"}}`)).
			WillReturnRows(sqlmock.NewRows(jobCols).AddRow(int64(2), "AC1", int64(12), "scrub-transcript", []byte(`{"originalLocation":{"bucket":"b","key":"k"}}`), requested, nil, 0, nil, nil, nil, []byte(`[]`)))
		mock.ExpectCommit()

		err := repo.InTx(context.Background(), func(tx *sql.Tx) error {
			j, err := repo.Create(context.Background(), tx, c, job.TypeScrubTranscript, payload)
			if err != nil {
				return err
			}
			assert.Equal(t, job.TypeScrubTranscript, j.Type)
			assert.JSONEq(t, `{"originalLocation":{"bucket":"b","key":"k"}}`, string(j.AdditionalPayload))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := repo.Create(context.Background(), nil, c, job.Type("summarise-call"), nil)
		assert.ErrorIs(t, err, job.ErrUnknownJobType)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_PullDueJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	contactCreated := time.Date(2024, 5, 31, 9, 30, 0, 0, time.UTC)
	lastAttempt := now.Add(-5 * time.Minute)

	t.Run("ClaimsAndMarks", func(t *testing.T) {
		cols := append(append([]string{}, jobCols...), "task_id", "channel", "channel_sid", "service_sid", "twilio_worker_id", "created_at")
		rows := sqlmock.NewRows(cols).
			AddRow(int64(1), "AC1", int64(12), "retrieve-transcript", nil, now.Add(-time.Hour), nil, 0, nil, nil, nil, []byte(`[]`), "WT1", "web", "CH1", "IS1", "WK1", contactCreated).
			AddRow(int64(2), "AC1", int64(13), "retrieve-transcript", nil, now.Add(-time.Hour), lastAttempt, 3, nil, nil, nil, []byte(`[{"attemptNumber":3,"payload":"timeout"}]`), "WT2", "sms", "CH2", "IS1", "WK1", contactCreated)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FROM contact_jobs j JOIN contacts c ON c.id = j.contact_id WHERE j.completed_at IS NULL AND j.number_of_attempts < $1")).
			WithArgs(20, "scrub-transcript", now.Add(-30*time.Minute), now.Add(-2*time.Minute)).
			WillReturnRows(rows)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE contact_jobs SET last_attempt_at = $1, number_of_attempts = number_of_attempts + 1 WHERE id = ANY($2)")).
			WithArgs(now, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		due, err := repo.PullDueJobs(context.Background(), now, 20, policy())
		require.NoError(t, err)
		require.Len(t, due, 2)

		// snapshot is taken before the claim
		assert.Equal(t, 0, due[0].NumberOfAttempts)
		assert.Nil(t, due[0].LastAttemptAt)
		assert.Equal(t, 1, due[0].AttemptNumber)
		assert.Equal(t, "WT1", due[0].Contact.TaskID)
		assert.Equal(t, int64(12), due[0].Contact.ID)
		assert.Equal(t, "AC1", due[0].Contact.AccountID)
		assert.Equal(t, contactCreated, due[0].Contact.CreatedAt)

		assert.Equal(t, 3, due[1].NumberOfAttempts)
		assert.Equal(t, 4, due[1].AttemptNumber)
		require.Len(t, due[1].FailedAttempts, 1)
		assert.Equal(t, 3, due[1].FailedAttempts[0].AttemptNumber)
	})

	t.Run("NothingDue", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF j SKIP LOCKED")).
			WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectCommit()

		due, err := repo.PullDueJobs(context.Background(), now, 20, policy())
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("MarkFailureRollsBack", func(t *testing.T) {
		cols := append(append([]string{}, jobCols...), "task_id", "channel", "channel_sid", "service_sid", "twilio_worker_id", "created_at")
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF j SKIP LOCKED")).
			WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(1), "AC1", int64(12), "retrieve-transcript", nil, now, nil, 0, nil, nil, nil, []byte(`[]`), "WT1", "web", "", "", "", contactCreated))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE contact_jobs SET last_attempt_at")).
			WillReturnError(sqlmock.ErrCancelled)
		mock.ExpectRollback()

		due, err := repo.PullDueJobs(context.Background(), now, 20, policy())
		assert.Error(t, err)
		assert.Nil(t, due)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Complete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	completedAt := time.Now()

	t.Run("FailedTerminally", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE contact_jobs SET completed_at = NOW(), was_successful = $2, completion_payload = $3 WHERE id = $1 AND completed_at IS NULL")).
			WithArgs(int64(2), false, []byte(`{"message":"Attempts limit reached"}`)).
			WillReturnRows(sqlmock.NewRows(jobCols).AddRow(int64(2), "AC1", int64(12), "scrub-transcript", nil, completedAt, completedAt, 20, completedAt, false, []byte(`{"message":"Attempts limit reached"}`), []byte(`[]`)))

		j, err := repo.Complete(context.Background(), nil, 2, map[string]string{"message": job.AttemptsLimitReachedMessage}, false)
		require.NoError(t, err)
		require.NotNil(t, j.CompletedAt)
		require.NotNil(t, j.WasSuccessful)
		assert.False(t, *j.WasSuccessful)
		assert.JSONEq(t, `{"message":"Attempts limit reached"}`, string(j.CompletionPayload))
	})

	t.Run("AlreadyCompleted", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE contact_jobs SET completed_at")).
			WithArgs(int64(2), true, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM contact_jobs WHERE id = $1)")).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		j, err := repo.Complete(context.Background(), nil, 2, map[string]string{"message": "again"}, true)
		assert.ErrorIs(t, err, job.ErrJobAlreadyCompleted)
		assert.Nil(t, j)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE contact_jobs SET completed_at")).
			WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WithArgs(int64(404)).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := repo.Complete(context.Background(), nil, 404, map[string]string{}, true)
		assert.ErrorIs(t, err, job.ErrJobNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_AppendFailedAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	now := time.Now()

	t.Run("Appends", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE contact_jobs SET failed_attempts = failed_attempts || jsonb_build_array($2::jsonb) WHERE id = $1 AND completed_at IS NULL")).
			WithArgs(int64(3), []byte(`{"attemptNumber":4,"payload":"worker crashed"}`)).
			WillReturnRows(sqlmock.NewRows(jobCols).AddRow(int64(3), "AC1", int64(12), "retrieve-transcript", nil, now, now, 4, nil, nil, nil, []byte(`[{"attemptNumber":4,"payload":"worker crashed"}]`)))

		j, err := repo.AppendFailedAttempt(context.Background(), 3, 4, json.RawMessage(`"worker crashed"`))
		require.NoError(t, err)
		assert.Nil(t, j.CompletedAt)
		require.Len(t, j.FailedAttempts, 1)
		assert.JSONEq(t, `"worker crashed"`, string(j.FailedAttempts[0].Payload))
	})

	t.Run("CompletedJob", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SET failed_attempts")).
			WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		_, err := repo.AppendFailedAttempt(context.Background(), 3, 5, json.RawMessage(`"late"`))
		assert.ErrorIs(t, err, job.ErrJobAlreadyCompleted)
	})
}

func TestPostgresRepo_ExpireExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("completion_payload = CASE WHEN jsonb_array_length(failed_attempts) = 0 THEN $3::jsonb ELSE $2::jsonb END WHERE completed_at IS NULL AND number_of_attempts >= $4")).
		WithArgs(now,
			[]byte(`{"message":"Attempts limit reached"}`),
			[]byte(`{"message":"Attempts limit reached without a worker response"}`),
			20, "scrub-transcript", now.Add(-30*time.Minute), now.Add(-2*time.Minute)).
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow(int64(9), "AC1", int64(12), "scrub-transcript", nil, now, now.Add(-time.Hour), 20, now, false, []byte(`{"message":"Attempts limit reached without a worker response"}`), []byte(`[]`)).
			AddRow(int64(10), "AC1", int64(12), "retrieve-transcript", nil, now, now.Add(-time.Hour), 20, now, false, []byte(`{"message":"Attempts limit reached"}`), []byte(`[{"attemptNumber":20,"payload":"timeout"}]`)))

	expired, err := repo.ExpireExhausted(context.Background(), now, 20, policy())
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, int64(9), expired[0].ID)
	assert.Empty(t, expired[0].FailedAttempts)
	assert.Len(t, expired[1].FailedAttempts, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, account_id, contact_id, job_type")).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(jobCols).AddRow(int64(1), "AC1", int64(12), "retrieve-transcript", nil, time.Now(), nil, 0, nil, nil, nil, []byte(`[]`)))

		j, err := repo.Get(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, job.TypeRetrieveTranscript, j.Type)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM contact_jobs WHERE id = $1")).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(jobCols))

		j, err := repo.Get(context.Background(), 2)
		assert.ErrorIs(t, err, job.ErrJobNotFound)
		assert.Nil(t, j)
	})
}

func TestPostgresRepo_ListByResource(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM contact_jobs WHERE contact_id = $1 ORDER BY id")).
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow(int64(1), "AC1", int64(12), "retrieve-transcript", nil, now, now, 1, now, true, []byte(`{"message":"Job processed successfully"}`), []byte(`[]`)).
			AddRow(int64(2), "AC1", int64(12), "scrub-transcript", []byte(`{"originalLocation":{"bucket":"b","key":"k"}}`), now, nil, 0, nil, nil, nil, []byte(`[]`)))

	jobs, err := repo.ListByResource(context.Background(), 12)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].Completed())
	assert.True(t, *jobs[0].WasSuccessful)
	assert.False(t, jobs[1].Completed())
}

func TestPostgresRepo_CountByType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := job.NewPostgresRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM contact_jobs GROUP BY job_type ORDER BY job_type")).
		WillReturnRows(sqlmock.NewRows([]string{"job_type", "pending", "succeeded", "failed"}).
			AddRow("retrieve-transcript", 3, 10, 1).
			AddRow("scrub-transcript", 0, 7, 2))

	counts, err := repo.CountByType(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []job.TypeCounts{
		{Type: job.TypeRetrieveTranscript, Pending: 3, Succeeded: 10, Failed: 1},
		{Type: job.TypeScrubTranscript, Pending: 0, Succeeded: 7, Failed: 2},
	}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
