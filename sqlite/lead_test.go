package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/phbpx/leads"
)

func newTestStore(t *testing.T) *LeadStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "leads.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// migrations must be idempotent
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return NewLeadStore(db)
}

func testLead(id, email string, created time.Time) leads.Lead {
	return leads.Lead{
		ID:        id,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     email,
		State:     leads.StatePending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestLeadStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)

	in := testLead("lead-1", "ada@x.com", now)
	in.ResumeRef = leads.StringPtr("uploads/cv.pdf")
	if err := st.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetByID(ctx, "lead-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Email != in.Email || got.State != leads.StatePending || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected lead: %+v", got)
	}
	if got.ResumeRef == nil || *got.ResumeRef != "uploads/cv.pdf" {
		t.Fatalf("unexpected resume ref: %v", got.ResumeRef)
	}

	byEmail, err := st.GetByEmail(ctx, "ada@x.com")
	if err != nil || byEmail.ID != "lead-1" {
		t.Fatalf("get by email: %+v %v", byEmail, err)
	}

	if _, err := st.GetByID(ctx, "missing"); !errors.Is(err, leads.ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
	if _, err := st.GetByEmail(ctx, "nobody@x.com"); !errors.Is(err, leads.ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
}

func TestLeadStoreCreateDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now().UTC()

	if err := st.Create(ctx, testLead("a", "ada@x.com", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := st.Create(ctx, testLead("b", "ada@x.com", now))
	if !errors.Is(err, leads.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestLeadStoreCreateDuplicateIDIsNotDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now().UTC()

	if err := st.Create(ctx, testLead("a", "ada@x.com", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := st.Create(ctx, testLead("a", "alan@x.com", now))
	if err == nil || errors.Is(err, leads.ErrDuplicateEmail) {
		t.Fatalf("a primary key collision must not read as a duplicate email, got %v", err)
	}
}

func TestLeadStoreUpdatePartial(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	in := testLead("lead-1", "ada@x.com", created)
	in.ResumeRef = leads.StringPtr("old.pdf")
	if err := st.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	later := created.Add(time.Minute)
	got, err := st.Update(ctx, "lead-1", leads.LeadDelta{LastName: leads.StringPtr("Byron"), UpdatedAt: later})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.FirstName != "Ada" || got.LastName != "Byron" || *got.ResumeRef != "old.pdf" {
		t.Fatalf("unexpected partial update result: %+v", got)
	}
	if !got.UpdatedAt.Equal(later) || !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected timestamps: created=%s updated=%s", got.CreatedAt, got.UpdatedAt)
	}

	state := leads.StateHired
	got, err = st.Update(ctx, "lead-1", leads.LeadDelta{State: &state, UpdatedAt: later.Add(time.Minute)})
	if err != nil || got.State != leads.StateHired || got.LastName != "Byron" {
		t.Fatalf("state update: %+v %v", got, err)
	}

	if _, err := st.Update(ctx, "missing", leads.LeadDelta{UpdatedAt: later}); !errors.Is(err, leads.ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
}

func TestLeadStoreDelete(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Create(ctx, testLead("lead-1", "ada@x.com", time.Now().UTC())); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := st.Delete(ctx, "lead-1")
	if err != nil || !ok {
		t.Fatalf("expected delete to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = st.Delete(ctx, "lead-1")
	if err != nil || ok {
		t.Fatalf("expected second delete to report false, got ok=%v err=%v", ok, err)
	}
}

func TestLeadStoreListNewestFirstPaged(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		l := testLead(fmt.Sprintf("lead-%d", i), fmt.Sprintf("p%d@x.com", i), base.Add(time.Duration(i)*time.Hour))
		if err := st.Create(ctx, l); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	first, err := st.List(ctx, 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	second, err := st.List(ctx, 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"lead-4", "lead-3", "lead-2", "lead-1"}
	got := []string{first[0].ID, first[1].ID, second[0].ID, second[1].ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}

	last, err := st.List(ctx, 4, 2)
	if err != nil || len(last) != 1 || last[0].ID != "lead-0" {
		t.Fatalf("unexpected last page: %+v %v", last, err)
	}
}
