package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/phbpx/leads"
	"github.com/phbpx/leads/intake"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
)

// multipartOverhead is the room left in a request body for the form fields
// next to the resume itself.
const multipartOverhead = 1 << 20

var errInternal = errors.New("internal server error")

// LeadService is the intake behaviour the HTTP layer depends on.
type LeadService interface {
	Submit(ctx context.Context, form leads.Form, resume *leads.Resume) (leads.Lead, error)
	Update(ctx context.Context, id string, upd leads.LeadUpdate, resume *leads.Resume) (leads.Lead, error)
	Get(ctx context.Context, id string) (leads.Lead, error)
	List(ctx context.Context, offset, limit int) ([]leads.Lead, error)
	SetState(ctx context.Context, id string, state leads.State) (leads.Lead, error)
	Delete(ctx context.Context, id string) (bool, error)
	OpenResume(ctx context.Context, id string) (io.ReadCloser, string, error)
}

type LeadHandler struct {
	service        LeadService
	maxResumeBytes int64
	log            *otelzap.SugaredLogger
}

func NewLeadHandler(service LeadService, maxResumeBytes int64, log *otelzap.SugaredLogger) *LeadHandler {
	return &LeadHandler{
		service:        service,
		maxResumeBytes: maxResumeBytes,
		log:            log,
	}
}

// Submit handles the public multipart lead form.
func (lh LeadHandler) Submit(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resume, err := lh.parseMultipart(rw, r)
	if err != nil {
		lh.fail(ctx, rw, "Submit", err)
		return
	}

	form := leads.Form{
		FirstName: r.FormValue("first_name"),
		LastName:  r.FormValue("last_name"),
		Email:     r.FormValue("email"),
	}

	lead, err := lh.service.Submit(ctx, form, resume)
	if err != nil {
		lh.fail(ctx, rw, "Submit", err)
		return
	}

	respond(ctx, rw, http.StatusCreated, lead)
}

// Update handles a partial multipart update. Fields left out of the form
// keep their values.
func (lh LeadHandler) Update(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resume, err := lh.parseMultipart(rw, r)
	if err != nil {
		lh.fail(ctx, rw, "Update", err)
		return
	}

	var upd leads.LeadUpdate
	if v, ok := r.MultipartForm.Value["first_name"]; ok && len(v) > 0 {
		upd.FirstName = leads.StringPtr(v[0])
	}
	if v, ok := r.MultipartForm.Value["last_name"]; ok && len(v) > 0 {
		upd.LastName = leads.StringPtr(v[0])
	}

	lead, err := lh.service.Update(ctx, chi.URLParam(r, "id"), upd, resume)
	if err != nil {
		lh.fail(ctx, rw, "Update", err)
		return
	}

	respond(ctx, rw, http.StatusOK, lead)
}

func (lh LeadHandler) List(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	offset, err := queryInt(r, "offset")
	if err != nil {
		lh.fail(ctx, rw, "List", err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		lh.fail(ctx, rw, "List", err)
		return
	}

	list, err := lh.service.List(ctx, offset, limit)
	if err != nil {
		lh.fail(ctx, rw, "List", err)
		return
	}

	respond(ctx, rw, http.StatusOK, list)
}

func (lh LeadHandler) GetByID(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	lead, err := lh.service.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		lh.fail(ctx, rw, "GetByID", err)
		return
	}

	respond(ctx, rw, http.StatusOK, lead)
}

// Resume streams the stored resume of a lead.
func (lh LeadHandler) Resume(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rc, name, err := lh.service.OpenResume(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, intake.ErrNoResume) {
			respondErr(ctx, rw, http.StatusNotFound, err)
			return
		}
		lh.fail(ctx, rw, "Resume", err)
		return
	}
	defer rc.Close()

	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	rw.WriteHeader(http.StatusOK)
	if _, err := io.Copy(rw, rc); err != nil {
		lh.log.Ctx(ctx).Errorw("Resume", "status", "streaming resume failed", "error", err.Error())
	}
}

// SetState moves a lead to the state named in the JSON body.
func (lh LeadHandler) SetState(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		State string `json:"state"`
	}
	if err := decode(r, &body); err != nil {
		lh.log.Ctx(ctx).Errorw("SetState", "error", err.Error())
		respondErr(ctx, rw, http.StatusBadRequest, errors.New("body must be a JSON object with a state"))
		return
	}

	state, err := leads.ParseState(body.State)
	if err != nil {
		lh.fail(ctx, rw, "SetState", err)
		return
	}

	lead, err := lh.service.SetState(ctx, chi.URLParam(r, "id"), state)
	if err != nil {
		lh.fail(ctx, rw, "SetState", err)
		return
	}

	respond(ctx, rw, http.StatusOK, lead)
}

func (lh LeadHandler) Delete(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ok, err := lh.service.Delete(ctx, chi.URLParam(r, "id"))
	if err != nil {
		lh.fail(ctx, rw, "Delete", err)
		return
	}
	if !ok {
		respondErr(ctx, rw, http.StatusNotFound, leads.ErrLeadNotFound)
		return
	}

	respond(ctx, rw, http.StatusNoContent, nil)
}

// parseMultipart reads the multipart body and returns the uploaded resume,
// or nil when none was sent. A maxResumeBytes of zero disables the limit.
func (lh LeadHandler) parseMultipart(rw http.ResponseWriter, r *http.Request) (*leads.Resume, error) {
	if lh.maxResumeBytes > 0 {
		r.Body = http.MaxBytesReader(rw, r.Body, lh.maxResumeBytes+multipartOverhead)
	}

	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, tooLargeErr(lh.maxResumeBytes)
		}
		return nil, badRequest{err}
	}

	file, header, err := r.FormFile("resume")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, badRequest{err}
	}
	defer file.Close()

	return readResume(file, header, lh.maxResumeBytes)
}

func readResume(file multipart.File, header *multipart.FileHeader, maxBytes int64) (*leads.Resume, error) {
	var src io.Reader = file
	if maxBytes > 0 {
		if header.Size > maxBytes {
			return nil, tooLargeErr(maxBytes)
		}
		src = io.LimitReader(file, maxBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read resume: %w", err)
	}
	return &leads.Resume{Filename: header.Filename, Data: data}, nil
}

func tooLargeErr(maxBytes int64) error {
	return &leads.ValidationError{Fields: []leads.FieldError{{
		Field: "resume",
		Msg:   fmt.Sprintf("must be at most %d bytes", maxBytes),
	}}}
}

// fail logs err and writes the matching error response. Unexpected errors
// are not echoed to the client.
func (lh LeadHandler) fail(ctx context.Context, rw http.ResponseWriter, op string, err error) {
	var bad badRequest
	if errors.As(err, &bad) {
		lh.log.Ctx(ctx).Errorw(op, "status", "malformed request", "error", err.Error())
		respondErr(ctx, rw, http.StatusBadRequest, err)
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		lh.log.Ctx(ctx).Errorw(op, "error", err.Error())
		respondErr(ctx, rw, status, errInternal)
		return
	}
	lh.log.Ctx(ctx).Infow(op, "status", http.StatusText(status), "error", err.Error())
	respondErr(ctx, rw, status, err)
}

// badRequest marks a request body that could not be parsed.
type badRequest struct{ err error }

func (b badRequest) Error() string { return "malformed request: " + b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &leads.ValidationError{Fields: []leads.FieldError{{Field: key, Msg: "must be an integer"}}}
	}
	return n, nil
}
