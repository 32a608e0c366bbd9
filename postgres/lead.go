package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/phbpx/leads"
)

// lib/pq errorCodeNames
// https://github.com/lib/pq/blob/master/error.go#L178
const uniqueViolation = "23505"

const leadColumns = `id, first_name, last_name, email, resume_path, state, created_at, updated_at`

type LeadStore struct {
	db *sql.DB
}

func NewLeadStore(db *sql.DB) *LeadStore {
	return &LeadStore{
		db: db,
	}
}

func (ls LeadStore) Create(ctx context.Context, lead leads.Lead) error {
	tx, err := ls.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO leads (
		id, first_name, last_name, email, resume_path, state, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8
	)`

	_, err = tx.ExecContext(ctx, query,
		lead.ID,
		lead.FirstName,
		lead.LastName,
		lead.Email,
		lead.ResumeRef,
		lead.State,
		lead.CreatedAt,
		lead.UpdatedAt,
	)

	if err != nil {
		tx.Rollback()
		var pqerr *pq.Error
		if errors.As(err, &pqerr) && pqerr.Code == uniqueViolation {
			return leads.ErrDuplicateEmail
		}
		return err
	}

	return tx.Commit()
}

func (ls LeadStore) GetByID(ctx context.Context, id string) (leads.Lead, error) {
	if !validID(id) {
		return leads.Lead{}, leads.ErrLeadNotFound
	}

	query := `
	SELECT ` + leadColumns + `
	FROM leads
	WHERE id=$1`

	return scanLead(ls.db.QueryRowContext(ctx, query, id))
}

func (ls LeadStore) GetByEmail(ctx context.Context, email string) (leads.Lead, error) {
	query := `
	SELECT ` + leadColumns + `
	FROM leads
	WHERE email=$1`

	return scanLead(ls.db.QueryRowContext(ctx, query, email))
}

// Update writes the supplied columns and always refreshes updated_at.
func (ls LeadStore) Update(ctx context.Context, id string, delta leads.LeadDelta) (leads.Lead, error) {
	if !validID(id) {
		return leads.Lead{}, leads.ErrLeadNotFound
	}

	var state *string
	if delta.State != nil {
		s := string(*delta.State)
		state = &s
	}

	query := `
	UPDATE leads SET
		first_name  = COALESCE($2, first_name),
		last_name   = COALESCE($3, last_name),
		resume_path = COALESCE($4, resume_path),
		state       = COALESCE($5, state),
		updated_at  = $6
	WHERE id=$1
	RETURNING ` + leadColumns

	row := ls.db.QueryRowContext(ctx, query,
		id,
		delta.FirstName,
		delta.LastName,
		delta.ResumeRef,
		state,
		delta.UpdatedAt,
	)
	return scanLead(row)
}

func (ls LeadStore) Delete(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}

	res, err := ls.db.ExecContext(ctx, `DELETE FROM leads WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns leads newest-created first.
func (ls LeadStore) List(ctx context.Context, offset, limit int) ([]leads.Lead, error) {
	query := `
	SELECT ` + leadColumns + `
	FROM leads
	ORDER BY created_at DESC, id
	OFFSET $1 LIMIT $2`

	rows, err := ls.db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, err
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

// validID reports whether id can match the uuid primary key. Anything else
// would be rejected by postgres as a syntax error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLead(row scanner) (leads.Lead, error) {
	lead := leads.Lead{}
	var resume sql.NullString
	var state string
	err := row.Scan(
		&lead.ID,
		&lead.FirstName,
		&lead.LastName,
		&lead.Email,
		&resume,
		&state,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leads.Lead{}, leads.ErrLeadNotFound
		}
		return leads.Lead{}, fmt.Errorf("scan lead: %w", err)
	}

	lead.State = leads.State(state)
	if resume.Valid {
		lead.ResumeRef = &resume.String
	}
	lead.CreatedAt = lead.CreatedAt.UTC()
	lead.UpdatedAt = lead.UpdatedAt.UTC()
	return lead, nil
}
