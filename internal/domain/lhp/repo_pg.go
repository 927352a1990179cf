package lhp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/lhp/internal/platform/db"
)

const commonCols = `id, patient_id, status, source_type, source_event_id, created_by_user_id, created_at, updated_at`

// table describes how one category maps onto its table.
type table struct {
	name string
	cols []string
	args func(f Fields) []any
	// dest returns scan targets for the category columns and a func that
	// assembles the Fields once the row is scanned.
	dest func() ([]any, func() Fields)
}

var tables = map[Category]table{
	CategoryChronicCondition: {
		name: "lhp_chronic_condition",
		cols: []string{"label", "notes"},
		args: func(f Fields) []any {
			v := f.(ChronicCondition)
			return []any{v.Label, v.Notes}
		},
		dest: func() ([]any, func() Fields) {
			var v ChronicCondition
			return []any{&v.Label, &v.Notes}, func() Fields { return v }
		},
	},
	CategoryAllergy: {
		name: "lhp_allergy",
		cols: []string{"substance", "reaction", "severity"},
		args: func(f Fields) []any {
			v := f.(Allergy)
			return []any{v.Substance, v.Reaction, v.Severity}
		},
		dest: func() ([]any, func() Fields) {
			var v Allergy
			return []any{&v.Substance, &v.Reaction, &v.Severity}, func() Fields { return v }
		},
	},
	CategoryCurrentMedication: {
		name: "lhp_current_medication",
		cols: []string{"name", "dosage", "frequency", "route", "start_date", "end_date", "is_current"},
		args: func(f Fields) []any {
			v := f.(CurrentMedication)
			return []any{v.Name, v.Dosage, v.Frequency, v.Route, v.StartDate, v.EndDate, v.IsCurrent}
		},
		dest: func() ([]any, func() Fields) {
			var v CurrentMedication
			return []any{&v.Name, &v.Dosage, &v.Frequency, &v.Route, &v.StartDate, &v.EndDate, &v.IsCurrent},
				func() Fields { return v }
		},
	},
	CategoryPastProcedure: {
		name: "lhp_past_procedure",
		cols: []string{"procedure", "date", "notes"},
		args: func(f Fields) []any {
			v := f.(PastProcedure)
			return []any{v.Procedure, v.Date, v.Notes}
		},
		dest: func() ([]any, func() Fields) {
			var v PastProcedure
			return []any{&v.Procedure, &v.Date, &v.Notes}, func() Fields { return v }
		},
	},
}

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &entryRepoPG{pool: pool} }

func (r *entryRepoPG) Create(ctx context.Context, e *Entry) error {
	t, ok := tables[e.Category()]
	if !ok {
		return fmt.Errorf("no table for category %q", e.Category())
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	cols := append(strings.Split(commonCols, ", "), t.cols...)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	args := append([]any{
		e.ID, e.PatientID, e.Status, e.Source.Type, e.Source.EventID, e.CreatedByUserID, e.CreatedAt, e.UpdatedAt,
	}, t.args(e.Fields)...)

	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, t.name, strings.Join(cols, ", "), strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", t.name, err)
	}
	return nil
}

func (r *entryRepoPG) ListByPatient(ctx context.Context, cat Category, patientID uuid.UUID, statuses []Status) ([]Entry, error) {
	t, ok := tables[cat]
	if !ok {
		return nil, fmt.Errorf("no table for category %q", cat)
	}

	var filter []string
	if statuses != nil {
		filter = make([]string, len(statuses))
		for i, s := range statuses {
			filter[i] = string(s)
		}
	}

	var items []Entry
	err := db.Isolated(ctx, r.pool, func(ctx context.Context) error {
		rows, err := db.Conn(ctx, r.pool).Query(ctx,
			fmt.Sprintf(`SELECT %s, %s FROM %s
				WHERE patient_id = $1 AND ($2::text[] IS NULL OR status = ANY($2))
				ORDER BY created_at DESC, id`, commonCols, strings.Join(t.cols, ", "), t.name),
			patientID, filter)
		if err != nil {
			return fmt.Errorf("query %s: %w", t.name, err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows, t)
			if err != nil {
				return err
			}
			items = append(items, e)
		}
		return rows.Err()
	})
	return items, err
}

func scanEntry(row pgx.Row, t table) (Entry, error) {
	var e Entry
	fieldDest, build := t.dest()
	dest := append([]any{
		&e.ID, &e.PatientID, &e.Status, &e.Source.Type, &e.Source.EventID, &e.CreatedByUserID, &e.CreatedAt, &e.UpdatedAt,
	}, fieldDest...)
	if err := row.Scan(dest...); err != nil {
		return Entry{}, fmt.Errorf("scan %s: %w", t.name, err)
	}
	e.Fields = build()
	return e, nil
}
