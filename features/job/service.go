package job

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"caseflow/backend/features/contact"
)

type ContactReader interface {
	GetByID(ctx context.Context, id int64) (*contact.Contact, error)
}

// View is a job as shown to operators, with its derived due flag.
type View struct {
	Job
	Due bool `json:"due"`
}

type Service struct {
	repo        Repository
	contacts    ContactReader
	policy      RetryPolicy
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(repo Repository, contacts ContactReader, policy RetryPolicy, maxAttempts int, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		contacts:    contacts,
		policy:      policy,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id int64) (*View, error) {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(*j), nil
}

func (s *Service) ListByResource(ctx context.Context, resourceID int64) ([]View, error) {
	jobs, err := s.repo.ListByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, *s.view(j))
	}
	return views, nil
}

// Enqueue creates a job for an existing contact. The sweep picks it up on its
// next tick.
func (s *Service) Enqueue(ctx context.Context, resourceID int64, jobType string, additionalPayload json.RawMessage) (*Job, error) {
	t, err := ParseType(jobType)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(t, additionalPayload); err != nil {
		return nil, err
	}
	c, err := s.contacts.GetByID(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	var payload any
	if len(additionalPayload) > 0 && string(additionalPayload) != "null" {
		payload = additionalPayload
	}
	j, err := s.repo.Create(ctx, nil, *c, t, payload)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "contact job enqueued", "job_id", j.ID, "job_type", t, "contact_id", resourceID)
	return j, nil
}

func (s *Service) view(j Job) *View {
	return &View{Job: j, Due: s.policy.IsDue(j, s.now(), s.maxAttempts)}
}
