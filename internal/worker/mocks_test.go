package worker_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"caseflow/backend/features/contact"
	"caseflow/backend/features/job"
	"caseflow/backend/internal/queue"
)

// Mocks

type MockJobRepo struct{ mock.Mock }

func (m *MockJobRepo) Create(ctx context.Context, tx *sql.Tx, resource contact.Contact, t job.Type, payload any) (*job.Job, error) {
	args := m.Called(ctx, tx, resource, t, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *MockJobRepo) PullDueJobs(ctx context.Context, now time.Time, maxAttempts int, policy job.RetryPolicy) ([]job.DueJob, error) {
	args := m.Called(ctx, now, maxAttempts, policy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]job.DueJob), args.Error(1)
}

func (m *MockJobRepo) Complete(ctx context.Context, tx *sql.Tx, id int64, payload any, wasSuccessful bool) (*job.Job, error) {
	args := m.Called(ctx, tx, id, payload, wasSuccessful)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *MockJobRepo) AppendFailedAttempt(ctx context.Context, id int64, attemptNumber int, payload json.RawMessage) (*job.Job, error) {
	args := m.Called(ctx, id, attemptNumber, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *MockJobRepo) ExpireExhausted(ctx context.Context, now time.Time, maxAttempts int, policy job.RetryPolicy) ([]job.Job, error) {
	args := m.Called(ctx, now, maxAttempts, policy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]job.Job), args.Error(1)
}

func (m *MockJobRepo) Get(ctx context.Context, id int64) (*job.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *MockJobRepo) ListByResource(ctx context.Context, resourceID int64) ([]job.Job, error) {
	args := m.Called(ctx, resourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]job.Job), args.Error(1)
}

// InTx runs fn with a nil tx; the error from fn is what the test observes.
func (m *MockJobRepo) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	m.Called(ctx)
	return fn(nil)
}

type MockMediaRepo struct{ mock.Mock }

func (m *MockMediaRepo) GetByID(ctx context.Context, id int64) (*contact.Contact, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*contact.Contact), args.Error(1)
}

func (m *MockMediaRepo) FindMediaByContactAndType(ctx context.Context, contactID int64, mediaType contact.MediaType) (*contact.Media, error) {
	args := m.Called(ctx, contactID, mediaType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*contact.Media), args.Error(1)
}

func (m *MockMediaRepo) CreateMedia(ctx context.Context, tx *sql.Tx, media *contact.Media) error {
	args := m.Called(ctx, tx, media)
	return args.Error(0)
}

func (m *MockMediaRepo) UpdateMediaData(ctx context.Context, tx *sql.Tx, mediaID int64, data contact.S3MediaData) error {
	args := m.Called(ctx, tx, mediaID, data)
	return args.Error(0)
}

func (m *MockMediaRepo) UpdateMediaSpecificData(ctx context.Context, tx *sql.Tx, mediaID int64, patch json.RawMessage) error {
	args := m.Called(ctx, tx, mediaID, patch)
	return args.Error(0)
}

type MockQueue struct{ mock.Mock }

func (m *MockQueue) Send(ctx context.Context, dest string, body []byte) error {
	args := m.Called(ctx, dest, body)
	return args.Error(0)
}

func (m *MockQueue) Receive(ctx context.Context, source string, max int, wait time.Duration) ([]queue.Message, error) {
	args := m.Called(ctx, source, max, wait)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]queue.Message), args.Error(1)
}

func (m *MockQueue) Delete(ctx context.Context, source, handle string) error {
	args := m.Called(ctx, source, handle)
	return args.Error(0)
}

type MockParams struct{ mock.Mock }

func (m *MockParams) Get(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

type MockDrainer struct{ mock.Mock }

func (m *MockDrainer) ProcessCompletions(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockDuePublisher struct{ mock.Mock }

func (m *MockDuePublisher) PublishDueJobs(ctx context.Context, due []job.DueJob) error {
	args := m.Called(ctx, due)
	return args.Error(0)
}
