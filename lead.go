// Package leads holds the lead domain: the Lead entity, its lifecycle states,
// the domain errors and the contracts of the collaborators the intake core
// depends on.
package leads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrDuplicateEmail = errors.New("a lead with this email already exists")
	ErrLeadNotFound   = errors.New("lead not found")
)

// State is the lifecycle state of a lead.
type State string

const (
	StatePending   State = "PENDING"
	StateContacted State = "CONTACTED"
	StateRejected  State = "REJECTED"
	StateHired     State = "HIRED"
)

// States returns every known lifecycle state.
func States() []State {
	return []State{StatePending, StateContacted, StateRejected, StateHired}
}

// Valid reports whether s is part of the enumeration.
func (s State) Valid() bool {
	for _, known := range States() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState converts a case-insensitive name into a State.
func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", &ValidationError{Fields: []FieldError{{Field: "state", Msg: fmt.Sprintf("unknown state %q", v)}}}
	}
	return s, nil
}

type Lead struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	ResumeRef *string   `json:"resume_path"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasResume reports whether a resume was captured for the lead.
func (l Lead) HasResume() bool {
	return l.ResumeRef != nil && *l.ResumeRef != ""
}

// Form is a lead submission as received from the public intake.
type Form struct {
	FirstName string
	LastName  string
	Email     string
}

// LeadUpdate carries the fields of a partial update. Nil fields keep their
// prior values.
type LeadUpdate struct {
	FirstName *string
	LastName  *string
}

// Resume is an uploaded resume file waiting to be captured.
type Resume struct {
	Filename string
	Data     []byte
}

// LeadDelta is the set of columns a store update writes. Nil fields are left
// untouched; UpdatedAt is always written.
type LeadDelta struct {
	FirstName *string
	LastName  *string
	ResumeRef *string
	State     *State
	UpdatedAt time.Time
}

// LeadStore persists lead records.
type LeadStore interface {
	Create(ctx context.Context, lead Lead) error
	GetByID(ctx context.Context, id string) (Lead, error)
	GetByEmail(ctx context.Context, email string) (Lead, error)
	Update(ctx context.Context, id string, delta LeadDelta) (Lead, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, offset, limit int) ([]Lead, error)
}

// FileStore persists uploaded files by reference.
type FileStore interface {
	Store(ctx context.Context, data []byte, originalName string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// ResourceReleaseError reports a stored file that could not be released.
// It is logged and never aborts the operation that triggered the release.
type ResourceReleaseError struct {
	Ref string
	Err error
}

func (e *ResourceReleaseError) Error() string {
	return fmt.Sprintf("release resource %q: %v", e.Ref, e.Err)
}

func (e *ResourceReleaseError) Unwrap() error { return e.Err }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }
