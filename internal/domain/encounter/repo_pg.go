package encounter

import (
	"context"
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

var tableFor = map[Kind]string{
	KindConsultation: "consultation_event",
	KindPrescription: "prescription_event",
}

const eventCols = `id, patient_id, doctor_id, staff_id, linked_consultation_id, created_by_role, created_by_user_id,
	artifact_ref, extracted_text, current_version, history, status, stage,
	verified_by_user_id, verified_at, dispensed_by_staff_id, dispensed_at, created_at, updated_at`

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &eventRepoPG{pool: pool} }

func table(kind Kind) (string, error) {
	t, ok := tableFor[kind]
	if !ok {
		return "", fmt.Errorf("unknown event kind %q", kind)
	}
	return t, nil
}

// storedVersion maps an empty version to SQL NULL so history only ever
// receives non-empty revisions.
func storedVersion(v Version) *Version {
	if v.IsEmpty() {
		return nil
	}
	return &v
}

func scanEvent(row pgx.Row, kind Kind) (*ClinicalEvent, error) {
	e := ClinicalEvent{Kind: kind}
	err := row.Scan(&e.ID, &e.PatientID, &e.DoctorID, &e.StaffID, &e.LinkedConsultationID, &e.CreatedByRole, &e.CreatedByUserID,
		&e.ArtifactRef, &e.ExtractedText, &e.Current, &e.History, &e.Status, &e.Stage,
		&e.VerifiedByUserID, &e.VerifiedAt, &e.DispensedByStaffID, &e.DispensedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if e.History == nil {
		e.History = []Version{}
	}
	return &e, nil
}

func (r *eventRepoPG) Create(ctx context.Context, e *ClinicalEvent) error {
	t, err := table(e.Kind)
	if err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.History == nil {
		e.History = []Version{}
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO `+t+` (id, patient_id, doctor_id, staff_id, linked_consultation_id, created_by_role, created_by_user_id,
			artifact_ref, extracted_text, current_version, history, status, stage, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.PatientID, e.DoctorID, e.StaffID, e.LinkedConsultationID, e.CreatedByRole, e.CreatedByUserID,
		e.ArtifactRef, e.ExtractedText, e.Current, e.History, e.Status, e.Stage, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert %s: %w", t, err)
	}
	return nil
}

func (r *eventRepoPG) GetByID(ctx context.Context, kind Kind, id uuid.UUID) (*ClinicalEvent, error) {
	t, err := table(kind)
	if err != nil {
		return nil, err
	}
	e, err := scanEvent(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+eventCols+` FROM `+t+` WHERE id = $1`, id), kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("%s %s not found", kind, id)
	}
	return e, err
}

func (r *eventRepoPG) List(ctx context.Context, kind Kind, f ListFilter, limit, offset int) ([]*ClinicalEvent, int, error) {
	t, err := table(kind)
	if err != nil {
		return nil, 0, err
	}
	where := `WHERE ($1::uuid IS NULL OR patient_id = $1)
		AND ($2::uuid IS NULL OR doctor_id = $2)
		AND ($3::text IS NULL OR status = $3)`
	args := []any{f.PatientID, f.DoctorID, f.Status}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM `+t+` `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+eventCols+` FROM `+t+` `+where+` ORDER BY created_at DESC, id LIMIT $4 OFFSET $5`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ClinicalEvent
	for rows.Next() {
		e, err := scanEvent(rows, kind)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

// execOne runs a single-row update and maps zero affected rows to not found.
func (r *eventRepoPG) execOne(ctx context.Context, kind Kind, id uuid.UUID, sql string, args ...any) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("%s %s not found", kind, id)
	}
	return nil
}

func (r *eventRepoPG) AttachCapture(ctx context.Context, kind Kind, id uuid.UUID, ref string, at time.Time) (string, error) {
	t, err := table(kind)
	if err != nil {
		return "", err
	}
	var previous string
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		WITH prev AS (SELECT artifact_ref FROM `+t+` WHERE id = $1 FOR UPDATE)
		UPDATE `+t+` e SET artifact_ref = $2, stage = $3, updated_at = $4
		FROM prev WHERE e.id = $1
		RETURNING prev.artifact_ref`,
		id, ref, StageCaptured, at).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.NotFound("%s %s not found", kind, id)
	}
	return previous, err
}

func (r *eventRepoPG) RecordExtractedText(ctx context.Context, kind Kind, id uuid.UUID, text string, at time.Time) error {
	t, err := table(kind)
	if err != nil {
		return err
	}
	return r.execOne(ctx, kind, id, `
		UPDATE `+t+` SET extracted_text = $2,
			stage = CASE WHEN stage = $3 THEN $4 ELSE stage END,
			updated_at = $5
		WHERE id = $1`,
		id, text, StageCaptured, StageTranscribed, at)
}

func (r *eventRepoPG) ApplyDraft(ctx context.Context, kind Kind, id uuid.UUID, v Version) error {
	t, err := table(kind)
	if err != nil {
		return err
	}
	return r.execOne(ctx, kind, id, `
		UPDATE `+t+` SET current_version = $2, stage = $3, updated_at = $4 WHERE id = $1`,
		id, storedVersion(v), StageDrafted, v.EditedAt)
}

func (r *eventRepoPG) Verify(ctx context.Context, kind Kind, id uuid.UUID, v Version, verifiedBy *uuid.UUID, at time.Time) error {
	t, err := table(kind)
	if err != nil {
		return err
	}
	// SET expressions read the pre-update row, so history receives the old
	// current version.
	return r.execOne(ctx, kind, id, `
		UPDATE `+t+` SET
			history = CASE WHEN current_version IS NULL THEN history
				ELSE jsonb_build_array(current_version) || history END,
			current_version = $2,
			status = $3, stage = $4,
			verified_by_user_id = $5, verified_at = $6, updated_at = $6
		WHERE id = $1`,
		id, storedVersion(v), lhp.StatusVerifiedDoctor, StageVerified, verifiedBy, at)
}

func (r *eventRepoPG) SetStatus(ctx context.Context, kind Kind, id uuid.UUID, status lhp.Status, at time.Time) error {
	t, err := table(kind)
	if err != nil {
		return err
	}
	return r.execOne(ctx, kind, id, `UPDATE `+t+` SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
}

func (r *eventRepoPG) Dispense(ctx context.Context, id uuid.UUID, staffID uuid.UUID, at time.Time) error {
	return r.execOne(ctx, KindPrescription, id, `
		UPDATE prescription_event SET status = $2, staff_id = COALESCE(staff_id, $3),
			dispensed_by_staff_id = $3, dispensed_at = $4, updated_at = $4
		WHERE id = $1`,
		id, lhp.StatusVerifiedStaff, staffID, at)
}

func (r *eventRepoPG) HasRelationship(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM consultation_event WHERE doctor_id = $1 AND patient_id = $2)
			OR EXISTS (SELECT 1 FROM prescription_event WHERE doctor_id = $1 AND patient_id = $2)`,
		doctorID, patientID).Scan(&ok)
	return ok, err
}
