// Package intake implements the lead intake core: the lifecycle manager that
// owns lead records and their resumes, and the service that accepts
// submissions and schedules their notifications.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phbpx/leads"
	"github.com/phbpx/leads/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 100
)

// ManagerConfig holds the lifecycle options.
type ManagerConfig struct {
	// ReclaimSuperseded deletes the previous resume once a replacement has
	// been recorded. When false the old file is kept.
	ReclaimSuperseded bool
}

// Manager owns the lead state machine and keeps stored resumes in step with
// the records that reference them.
type Manager struct {
	store leads.LeadStore
	files leads.FileStore
	cfg   ManagerConfig
	log   *otelzap.SugaredLogger
	now   func() time.Time
	newID func() string
}

func NewManager(store leads.LeadStore, files leads.FileStore, cfg ManagerConfig, log *otelzap.SugaredLogger) *Manager {
	return &Manager{
		store: store,
		files: files,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Create persists a new PENDING lead. The form is normalized and validated,
// the email is checked for uniqueness before the resume is captured, and a
// captured resume is released again if the record cannot be written.
func (m *Manager) Create(ctx context.Context, form leads.Form, resume *leads.Resume) (leads.Lead, error) {
	form = form.Normalize()
	if err := form.Validate(); err != nil {
		return leads.Lead{}, err
	}
	if err := m.ensureUnique(ctx, form.Email); err != nil {
		return leads.Lead{}, err
	}

	var ref *string
	if resume != nil {
		stored, err := m.files.Store(ctx, resume.Data, resume.Filename)
		if err != nil {
			return leads.Lead{}, fmt.Errorf("store resume: %w", err)
		}
		ref = &stored
	}

	now := m.now().UTC()
	lead := leads.Lead{
		ID:        m.newID(),
		FirstName: form.FirstName,
		LastName:  form.LastName,
		Email:     form.Email,
		ResumeRef: ref,
		State:     leads.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.Create(ctx, lead); err != nil {
		if ref != nil {
			m.release(ctx, lead.ID, *ref)
		}
		if errors.Is(err, leads.ErrDuplicateEmail) {
			return leads.Lead{}, leads.ErrDuplicateEmail
		}
		return leads.Lead{}, fmt.Errorf("create lead: %w", err)
	}

	m.log.Ctx(ctx).Infow("lifecycle", "status", "lead created", "lead", lead.ID, "resume", ref != nil)
	return lead, nil
}

// UpdateFields applies a partial update. Omitted fields keep their values and
// updated_at is refreshed even when nothing else changes.
func (m *Manager) UpdateFields(ctx context.Context, id string, upd leads.LeadUpdate, resume *leads.Resume) (leads.Lead, error) {
	upd = upd.Normalize()
	if err := upd.Validate(); err != nil {
		return leads.Lead{}, err
	}

	existing, err := m.store.GetByID(ctx, id)
	if err != nil {
		return leads.Lead{}, err
	}

	var ref *string
	if resume != nil {
		stored, err := m.files.Store(ctx, resume.Data, resume.Filename)
		if err != nil {
			return leads.Lead{}, fmt.Errorf("store resume: %w", err)
		}
		ref = &stored
	}

	updated, err := m.store.Update(ctx, id, leads.LeadDelta{
		FirstName: upd.FirstName,
		LastName:  upd.LastName,
		ResumeRef: ref,
		UpdatedAt: m.now().UTC(),
	})
	if err != nil {
		if ref != nil {
			m.release(ctx, id, *ref)
		}
		if errors.Is(err, leads.ErrLeadNotFound) {
			return leads.Lead{}, err
		}
		return leads.Lead{}, fmt.Errorf("update lead: %w", err)
	}

	if ref != nil && existing.HasResume() && *existing.ResumeRef != *ref {
		if m.cfg.ReclaimSuperseded {
			m.release(ctx, id, *existing.ResumeRef)
		} else {
			m.log.Ctx(ctx).Infow("lifecycle", "status", "resume superseded, previous file kept", "lead", id, "previous", *existing.ResumeRef)
		}
	}

	return updated, nil
}

// SetState moves the lead to state. Every state is reachable from every
// other state.
func (m *Manager) SetState(ctx context.Context, id string, state leads.State) (leads.Lead, error) {
	if !state.Valid() {
		return leads.Lead{}, &leads.ValidationError{Fields: []leads.FieldError{{Field: "state", Msg: fmt.Sprintf("unknown state %q", state)}}}
	}

	lead, err := m.store.Update(ctx, id, leads.LeadDelta{State: &state, UpdatedAt: m.now().UTC()})
	if err != nil {
		if errors.Is(err, leads.ErrLeadNotFound) {
			return leads.Lead{}, err
		}
		return leads.Lead{}, fmt.Errorf("set state: %w", err)
	}

	m.log.Ctx(ctx).Infow("lifecycle", "status", "state changed", "lead", id, "state", state)
	return lead, nil
}

// Delete removes the lead and releases its resume first. It reports false
// when the lead does not exist. A resume that cannot be released does not
// stop the record from being deleted.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	lead, err := m.store.GetByID(ctx, id)
	if errors.Is(err, leads.ErrLeadNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load lead: %w", err)
	}

	if lead.HasResume() {
		m.release(ctx, id, *lead.ResumeRef)
	}

	ok, err := m.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete lead: %w", err)
	}
	if ok {
		telemetry.LeadsDeleted.Inc()
		m.log.Ctx(ctx).Infow("lifecycle", "status", "lead deleted", "lead", id)
	}
	return ok, nil
}

func (m *Manager) Get(ctx context.Context, id string) (leads.Lead, error) {
	return m.store.GetByID(ctx, id)
}

func (m *Manager) GetByEmail(ctx context.Context, email string) (leads.Lead, error) {
	return m.store.GetByEmail(ctx, email)
}

// List returns a page of leads, newest-created first.
func (m *Manager) List(ctx context.Context, offset, limit int) ([]leads.Lead, error) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return m.store.List(ctx, offset, limit)
}

func (m *Manager) ensureUnique(ctx context.Context, email string) error {
	_, err := m.store.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return leads.ErrDuplicateEmail
	case errors.Is(err, leads.ErrLeadNotFound):
		return nil
	default:
		return fmt.Errorf("check email: %w", err)
	}
}

// release deletes a stored resume. Failures are logged and swallowed.
func (m *Manager) release(ctx context.Context, leadID, ref string) {
	if err := m.files.Delete(context.WithoutCancel(ctx), ref); err != nil {
		rerr := &leads.ResourceReleaseError{Ref: ref, Err: err}
		telemetry.ResourceReleaseFail.Inc()
		m.log.Ctx(ctx).Errorw("lifecycle", "status", "resume release failed", "lead", leadID, "error", rerr.Error())
	}
}
