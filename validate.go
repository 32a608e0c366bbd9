package leads

import (
	"fmt"
	"net/mail"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	MaxNameLen  = 128
	MaxEmailLen = 256
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidationError is returned when input is malformed. It is always raised
// before any side effect takes place.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Error())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// FieldMap groups the messages by field name.
func (e *ValidationError) FieldMap() map[string][]string {
	out := make(map[string][]string, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Field] = append(out[f.Field], f.Msg)
	}
	return out
}

func validationErr(errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Fields: errs}
}

// Normalize trims surrounding whitespace from every field and lower-cases
// the domain of the email, so one mailbox maps to one lead.
func (f Form) Normalize() Form {
	return Form{
		FirstName: strings.TrimSpace(f.FirstName),
		LastName:  strings.TrimSpace(f.LastName),
		Email:     NormalizeEmail(f.Email),
	}
}

// NormalizeEmail trims v and lower-cases its domain part. The local part is
// kept as typed.
func NormalizeEmail(v string) string {
	v = strings.TrimSpace(v)
	at := strings.LastIndex(v, "@")
	if at < 0 {
		return v
	}
	return v[:at+1] + strings.ToLower(v[at+1:])
}

// Validate checks the shape of a submission.
func (f Form) Validate() error {
	var errs []FieldError
	errs = appendName(errs, "first_name", f.FirstName)
	errs = appendName(errs, "last_name", f.LastName)
	errs = appendEmail(errs, "email", f.Email)
	return validationErr(errs)
}

// Normalize trims surrounding whitespace from the supplied fields.
func (u LeadUpdate) Normalize() LeadUpdate {
	var out LeadUpdate
	if u.FirstName != nil {
		out.FirstName = StringPtr(strings.TrimSpace(*u.FirstName))
	}
	if u.LastName != nil {
		out.LastName = StringPtr(strings.TrimSpace(*u.LastName))
	}
	return out
}

// Validate checks only the fields that were supplied.
func (u LeadUpdate) Validate() error {
	var errs []FieldError
	if u.FirstName != nil {
		errs = appendName(errs, "first_name", *u.FirstName)
	}
	if u.LastName != nil {
		errs = appendName(errs, "last_name", *u.LastName)
	}
	return validationErr(errs)
}

// Validate checks an uploaded resume against the size limit. A maxBytes of
// zero disables the limit.
func (r *Resume) Validate(maxBytes int64) error {
	if r == nil {
		return nil
	}
	var errs []FieldError
	name := filepath.Base(strings.TrimSpace(r.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		errs = append(errs, FieldError{"resume", "filename required"})
	}
	switch {
	case len(r.Data) == 0:
		errs = append(errs, FieldError{"resume", "file is empty"})
	case maxBytes > 0 && int64(len(r.Data)) > maxBytes:
		errs = append(errs, FieldError{"resume", fmt.Sprintf("max size %d bytes", maxBytes)})
	}
	return validationErr(errs)
}

func appendName(errs []FieldError, field, v string) []FieldError {
	switch n := utf8.RuneCountInString(v); {
	case n == 0:
		return append(errs, FieldError{field, "required"})
	case n > MaxNameLen:
		return append(errs, FieldError{field, fmt.Sprintf("max length %d", MaxNameLen)})
	}
	return errs
}

func appendEmail(errs []FieldError, field, v string) []FieldError {
	if v == "" {
		return append(errs, FieldError{field, "required"})
	}
	if len(v) > MaxEmailLen {
		return append(errs, FieldError{field, fmt.Sprintf("max length %d", MaxEmailLen)})
	}
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Address != v || !strings.Contains(addr.Address[strings.LastIndex(addr.Address, "@")+1:], ".") {
		return append(errs, FieldError{field, "not a valid email address"})
	}
	return errs
}
