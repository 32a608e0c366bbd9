package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/phbpx/leads"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type memStore struct {
	mu        sync.Mutex
	leads     map[string]leads.Lead
	createErr error
	updateErr error
	creates   int
}

func newMemStore() *memStore {
	return &memStore{leads: map[string]leads.Lead{}}
}

func (s *memStore) Create(_ context.Context, lead leads.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.createErr != nil {
		return s.createErr
	}
	for _, l := range s.leads {
		if l.Email == lead.Email {
			return leads.ErrDuplicateEmail
		}
	}
	s.leads[lead.ID] = lead
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (leads.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return leads.Lead{}, leads.ErrLeadNotFound
	}
	return l, nil
}

func (s *memStore) GetByEmail(_ context.Context, email string) (leads.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leads {
		if l.Email == email {
			return l, nil
		}
	}
	return leads.Lead{}, leads.ErrLeadNotFound
}

func (s *memStore) Update(_ context.Context, id string, d leads.LeadDelta) (leads.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return leads.Lead{}, s.updateErr
	}
	l, ok := s.leads[id]
	if !ok {
		return leads.Lead{}, leads.ErrLeadNotFound
	}
	if d.FirstName != nil {
		l.FirstName = *d.FirstName
	}
	if d.LastName != nil {
		l.LastName = *d.LastName
	}
	if d.ResumeRef != nil {
		l.ResumeRef = leads.StringPtr(*d.ResumeRef)
	}
	if d.State != nil {
		l.State = *d.State
	}
	l.UpdatedAt = d.UpdatedAt
	s.leads[id] = l
	return l, nil
}

func (s *memStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leads[id]; !ok {
		return false, nil
	}
	delete(s.leads, id)
	return true, nil
}

func (s *memStore) List(_ context.Context, offset, limit int) ([]leads.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]leads.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		all = append(all, l)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []leads.Lead{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leads)
}

type memFiles struct {
	mu        sync.Mutex
	files     map[string][]byte
	seq       int
	stores    int
	storeErr  error
	deleteErr error
}

func newMemFiles() *memFiles {
	return &memFiles{files: map[string][]byte{}}
}

func (f *memFiles) Store(_ context.Context, data []byte, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores++
	if f.storeErr != nil {
		return "", f.storeErr
	}
	f.seq++
	ref := fmt.Sprintf("mem/%d-%s", f.seq, name)
	f.files[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (f *memFiles) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[ref]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *memFiles) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.files, ref)
	return nil
}

func (f *memFiles) has(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[ref]
	return ok
}

func (f *memFiles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []leads.Lead
}

func (r *recordingScheduler) Schedule(_ context.Context, lead leads.Lead) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, lead)
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scheduled)
}

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func nopLogger() *otelzap.SugaredLogger {
	return otelzap.New(zap.NewNop()).Sugar()
}
