package suggestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/platform/apperr"
	"github.com/ehr/lhp/internal/platform/db"
)

const suggestionCols = `id, patient_id, doctor_id, source_type, source_event_id, section, proposed_entry,
	status, acted_by_user_id, acted_at, created_at`

type suggestionRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &suggestionRepoPG{pool: pool} }

func scanSuggestion(row pgx.Row) (*Suggestion, error) {
	var (
		s   Suggestion
		raw []byte
	)
	err := row.Scan(&s.ID, &s.PatientID, &s.DoctorID, &s.SourceType, &s.SourceEventID, &s.Section, &raw,
		&s.Status, &s.ActedByUserID, &s.ActedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if s.ProposedEntry, err = lhp.DecodeFields(string(s.Section), raw); err != nil {
		return nil, fmt.Errorf("stored suggestion %s: %w", s.ID, err)
	}
	return &s, nil
}

func (r *suggestionRepoPG) Create(ctx context.Context, s *Suggestion) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	raw, err := json.Marshal(s.ProposedEntry)
	if err != nil {
		return fmt.Errorf("encode proposed entry: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO lhp_suggestion (id, patient_id, doctor_id, source_type, source_event_id, section, proposed_entry, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.PatientID, s.DoctorID, s.SourceType, s.SourceEventID, s.Section, raw, s.Status, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lhp_suggestion: %w", err)
	}
	return nil
}

func (r *suggestionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Suggestion, error) {
	s, err := scanSuggestion(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+suggestionCols+` FROM lhp_suggestion WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("suggestion %s not found", id)
	}
	return s, err
}

func (r *suggestionRepoPG) ListPending(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Suggestion, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM lhp_suggestion WHERE doctor_id = $1 AND status = 'PENDING'`, doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+suggestionCols+` FROM lhp_suggestion
		WHERE doctor_id = $1 AND status = 'PENDING'
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *suggestionRepoPG) Resolve(ctx context.Context, id uuid.UUID, status Status, actedBy uuid.UUID, at time.Time) (*Suggestion, error) {
	s, err := scanSuggestion(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE lhp_suggestion SET status = $2, acted_by_user_id = $3, acted_at = $4
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+suggestionCols, id, status, actedBy, at))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resolve suggestion %s: %w", id, err)
	}
	// Lost the race or never existed.
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, apperr.InvalidState("suggestion %s is already %s", id, current.Status)
}
