package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/phbpx/leads"
	"github.com/phbpx/leads/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
)

// ErrNoResume is returned when a resume is requested for a lead without one.
var ErrNoResume = errors.New("lead has no resume")

// Scheduler runs the notifications of a created lead without holding up the
// caller.
type Scheduler interface {
	Schedule(ctx context.Context, lead leads.Lead)
}

// Config holds the intake limits.
type Config struct {
	MaxResumeBytes int64
}

// Service is the entry point for submissions and for the review operations
// exposed to the HTTP layer.
type Service struct {
	manager   *Manager
	scheduler Scheduler
	cfg       Config
	log       *otelzap.SugaredLogger
}

func NewService(manager *Manager, scheduler Scheduler, cfg Config, log *otelzap.SugaredLogger) *Service {
	return &Service{
		manager:   manager,
		scheduler: scheduler,
		cfg:       cfg,
		log:       log,
	}
}

// Submit validates and stores a new lead, then schedules its notifications.
// It returns as soon as the lead is persisted.
func (s *Service) Submit(ctx context.Context, form leads.Form, resume *leads.Resume) (leads.Lead, error) {
	form = form.Normalize()
	if err := joinValidation(form.Validate(), resume.Validate(s.cfg.MaxResumeBytes)); err != nil {
		return leads.Lead{}, err
	}

	if _, err := s.manager.GetByEmail(ctx, form.Email); err == nil {
		telemetry.DuplicateRejects.Inc()
		return leads.Lead{}, leads.ErrDuplicateEmail
	} else if !errors.Is(err, leads.ErrLeadNotFound) {
		return leads.Lead{}, fmt.Errorf("check email: %w", err)
	}

	lead, err := s.manager.Create(ctx, form, resume)
	if err != nil {
		if errors.Is(err, leads.ErrDuplicateEmail) {
			telemetry.DuplicateRejects.Inc()
		}
		return leads.Lead{}, err
	}
	telemetry.LeadsSubmitted.Inc()

	s.scheduler.Schedule(ctx, lead)
	s.log.Ctx(ctx).Infow("intake", "status", "lead submitted", "lead", lead.ID)

	return lead, nil
}

// Update validates the supplied fields and applies them.
func (s *Service) Update(ctx context.Context, id string, upd leads.LeadUpdate, resume *leads.Resume) (leads.Lead, error) {
	upd = upd.Normalize()
	if err := joinValidation(upd.Validate(), resume.Validate(s.cfg.MaxResumeBytes)); err != nil {
		return leads.Lead{}, err
	}
	return s.manager.UpdateFields(ctx, id, upd, resume)
}

func (s *Service) Get(ctx context.Context, id string) (leads.Lead, error) {
	return s.manager.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, offset, limit int) ([]leads.Lead, error) {
	return s.manager.List(ctx, offset, limit)
}

func (s *Service) SetState(ctx context.Context, id string, state leads.State) (leads.Lead, error) {
	return s.manager.SetState(ctx, id, state)
}

func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	return s.manager.Delete(ctx, id)
}

// OpenResume returns the stored resume of a lead and its file name.
func (s *Service) OpenResume(ctx context.Context, id string) (io.ReadCloser, string, error) {
	lead, err := s.manager.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !lead.HasResume() {
		return nil, "", ErrNoResume
	}
	rc, err := s.manager.files.Open(ctx, *lead.ResumeRef)
	if err != nil {
		return nil, "", fmt.Errorf("open resume: %w", err)
	}
	return rc, filepath.Base(*lead.ResumeRef), nil
}

func joinValidation(errs ...error) error {
	var fields []leads.FieldError
	for _, err := range errs {
		var verr *leads.ValidationError
		if errors.As(err, &verr) {
			fields = append(fields, verr.Fields...)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &leads.ValidationError{Fields: fields}
}
