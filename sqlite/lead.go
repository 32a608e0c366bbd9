package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/phbpx/leads"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const leadColumns = `id, first_name, last_name, email, resume_path, state, created_at, updated_at`

type LeadStore struct {
	db *sql.DB
}

func NewLeadStore(db *sql.DB) *LeadStore {
	return &LeadStore{db: db}
}

func (ls *LeadStore) Create(ctx context.Context, lead leads.Lead) error {
	_, err := ls.db.ExecContext(ctx, `
	INSERT INTO leads (`+leadColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID,
		lead.FirstName,
		lead.LastName,
		lead.Email,
		lead.ResumeRef,
		string(lead.State),
		lead.CreatedAt.UnixNano(),
		lead.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return leads.ErrDuplicateEmail
		}
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

func (ls *LeadStore) GetByID(ctx context.Context, id string) (leads.Lead, error) {
	return scanLead(ls.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
}

func (ls *LeadStore) GetByEmail(ctx context.Context, email string) (leads.Lead, error) {
	return scanLead(ls.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE email = ?`, email))
}

// Update writes the supplied columns and always refreshes updated_at.
func (ls *LeadStore) Update(ctx context.Context, id string, delta leads.LeadDelta) (leads.Lead, error) {
	var state *string
	if delta.State != nil {
		s := string(*delta.State)
		state = &s
	}

	row := ls.db.QueryRowContext(ctx, `
	UPDATE leads SET
		first_name  = COALESCE(?, first_name),
		last_name   = COALESCE(?, last_name),
		resume_path = COALESCE(?, resume_path),
		state       = COALESCE(?, state),
		updated_at  = ?
	WHERE id = ?
	RETURNING `+leadColumns,
		delta.FirstName,
		delta.LastName,
		delta.ResumeRef,
		state,
		delta.UpdatedAt.UnixNano(),
		id,
	)
	return scanLead(row)
}

func (ls *LeadStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := ls.db.ExecContext(ctx, `DELETE FROM leads WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete lead: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns leads newest-created first.
func (ls *LeadStore) List(ctx context.Context, offset, limit int) ([]leads.Lead, error) {
	rows, err := ls.db.QueryContext(ctx, `
	SELECT `+leadColumns+`
	FROM leads
	ORDER BY created_at DESC, rowid DESC
	LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	out := make([]leads.Lead, 0, limit)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLead(row scanner) (leads.Lead, error) {
	var (
		lead             leads.Lead
		resume           sql.NullString
		state            string
		created, updated int64
	)
	err := row.Scan(&lead.ID, &lead.FirstName, &lead.LastName, &lead.Email, &resume, &state, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return leads.Lead{}, leads.ErrLeadNotFound
	}
	if err != nil {
		return leads.Lead{}, fmt.Errorf("scan lead: %w", err)
	}
	lead.State = leads.State(state)
	if resume.Valid {
		lead.ResumeRef = &resume.String
	}
	lead.CreatedAt = time.Unix(0, created).UTC()
	lead.UpdatedAt = time.Unix(0, updated).UTC()
	return lead, nil
}

// isUniqueViolation reports a UNIQUE index violation. Email is the only
// unique column besides the primary key, which reports its own code.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
